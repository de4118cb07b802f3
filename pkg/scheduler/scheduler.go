// Package scheduler owns the polling cadence: one goroutine per pull
// source, each running its poll on an interval with additive jitter,
// backing off on failures, and answering pause, resume, and
// trigger-now commands from the control API.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PollFunc is one poll cycle for one source. The function owns its own
// deadline; a non-nil error puts the source on its backoff schedule.
type PollFunc func(ctx context.Context) error

// ErrUnknownSource is returned by control operations naming a source
// the scheduler is not driving.
var ErrUnknownSource = errors.New("scheduler: unknown source")

// State of one scheduled source.
type State string

// Source states.
const (
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// Status is a point-in-time snapshot of one scheduled source.
type Status struct {
	SourceID            string    `json:"source_id"`
	State               State     `json:"state"`
	LastPoll            time.Time `json:"last_poll,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextPoll            time.Time `json:"next_poll,omitempty"`
}

// entry is one scheduled source and its control mailbox.
type entry struct {
	id       string
	interval time.Duration
	jitter   float64
	poll     PollFunc

	ctx    context.Context
	cancel context.CancelFunc

	// triggerCh has capacity 1: triggers arriving while a poll is in
	// flight coalesce into at most one pending poll. pauseCh coalesces
	// the same way; the desired state travels in wantPaused so control
	// calls never wait on an in-flight poll.
	triggerCh chan struct{}
	pauseCh   chan struct{}

	mu         sync.Mutex
	wantPaused bool
	status     Status
}

// Scheduler drives the poll loops. Sources are added and removed at
// runtime as modules load and unload.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	stopped bool
	wg      sync.WaitGroup
}

// New builds an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger.With("component", "scheduler"),
		entries: make(map[string]*entry),
	}
}

// Add registers a source and starts its poll loop. The first poll runs
// immediately; later polls run every interval plus a random additive
// jitter of up to jitter*interval.
func (s *Scheduler) Add(id string, interval time.Duration, jitter float64, poll PollFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("scheduler: already stopped")
	}
	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("scheduler: source %q already scheduled", id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		id:        id,
		interval:  interval,
		jitter:    jitter,
		poll:      poll,
		ctx:       ctx,
		cancel:    cancel,
		triggerCh: make(chan struct{}, 1),
		pauseCh:   make(chan struct{}, 1),
		status:    Status{SourceID: id, State: StateRunning},
	}
	s.entries[id] = e

	s.wg.Add(1)
	go s.runLoop(e)
	s.logger.Info("source scheduled", "source_id", id, "interval", interval)
	return nil
}

// Remove stops a source's loop and waits for any in-flight poll to
// return before the loop exits. Removing an unknown source is a no-op.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if ok {
		e.cancel()
		s.logger.Info("source unscheduled", "source_id", id)
	}
}

// TriggerNow asks a source to poll immediately. Triggers during an
// in-flight poll coalesce into one follow-up poll. Triggering a paused
// source runs one poll without resuming it.
func (s *Scheduler) TriggerNow(id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	select {
	case e.triggerCh <- struct{}{}:
	default:
		// A trigger is already pending.
	}
	return nil
}

// Pause suspends a source's interval polling. In-flight polls finish.
func (s *Scheduler) Pause(id string) error {
	return s.setPaused(id, true)
}

// Resume restarts a paused source. The next poll happens immediately.
func (s *Scheduler) Resume(id string) error {
	return s.setPaused(id, false)
}

func (s *Scheduler) setPaused(id string, paused bool) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.wantPaused = paused
	e.mu.Unlock()
	select {
	case e.pauseCh <- struct{}{}:
	default:
		// A state change is already pending; the loop reads the latest.
	}
	return nil
}

func (s *Scheduler) lookup(id string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	return e, nil
}

// Health snapshots every scheduled source.
func (s *Scheduler) Health() []Status {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.status)
		e.mu.Unlock()
	}
	return out
}

// Stop cancels every loop and waits for in-flight polls, bounded by
// ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for _, e := range s.entries {
		e.cancel()
	}
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: polls still in flight at stop deadline: %w", ctx.Err())
	}
}

// runLoop is one source's poll loop. Poll errors switch the timer to a
// capped exponential backoff; the first success resets it.
func (s *Scheduler) runLoop(e *entry) {
	defer s.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.interval / 4
	if bo.InitialInterval < 50*time.Millisecond {
		bo.InitialInterval = 50 * time.Millisecond
	}
	if bo.InitialInterval > time.Second {
		bo.InitialInterval = time.Second
	}
	bo.MaxInterval = e.interval
	if bo.MaxInterval < time.Second {
		bo.MaxInterval = time.Second
	}
	bo.MaxElapsedTime = 0
	bo.Reset()

	// Bootstrap poll fires immediately.
	timer := time.NewTimer(0)
	defer timer.Stop()
	paused := false

	for {
		select {
		case <-e.ctx.Done():
			e.setState(StateStopped)
			return

		case <-e.pauseCh:
			e.mu.Lock()
			paused = e.wantPaused
			e.mu.Unlock()
			if paused {
				stopTimer(timer)
				e.setState(StatePaused)
			} else {
				resetTimer(timer, 0)
				e.setState(StateRunning)
			}

		case <-e.triggerCh:
			stopTimer(timer)
			ok := s.pollOnce(e, bo)
			if !paused {
				resetTimer(timer, e.nextDelay(bo, ok))
			}

		case <-timer.C:
			if paused {
				continue
			}
			ok := s.pollOnce(e, bo)
			resetTimer(timer, e.nextDelay(bo, ok))
		}
	}
}

// pollOnce runs the poll and records the outcome. Returns true on
// success.
func (s *Scheduler) pollOnce(e *entry, bo *backoff.ExponentialBackOff) bool {
	err := e.poll(e.ctx)
	now := time.Now()

	e.mu.Lock()
	e.status.LastPoll = now
	if err != nil {
		e.status.LastError = err.Error()
		e.status.ConsecutiveFailures++
	} else {
		e.status.LastError = ""
		e.status.ConsecutiveFailures = 0
	}
	failures := e.status.ConsecutiveFailures
	e.mu.Unlock()

	if err != nil {
		if e.ctx.Err() != nil {
			return false
		}
		s.logger.Warn("poll failed",
			"source_id", e.id, "consecutive_failures", failures, "error", err)
		return false
	}
	bo.Reset()
	return true
}

// nextDelay computes the wait before the next poll: the interval plus
// jitter after a success, the backoff schedule after a failure.
func (e *entry) nextDelay(bo *backoff.ExponentialBackOff, ok bool) time.Duration {
	var d time.Duration
	if ok {
		d = e.interval
		if e.jitter > 0 {
			d += time.Duration(rand.Float64() * e.jitter * float64(e.interval))
		}
	} else {
		d = bo.NextBackOff()
	}
	e.mu.Lock()
	e.status.NextPoll = time.Now().Add(d)
	e.mu.Unlock()
	return d
}

func (e *entry) setState(st State) {
	e.mu.Lock()
	e.status.State = st
	e.mu.Unlock()
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
