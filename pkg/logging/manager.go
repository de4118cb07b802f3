package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// trySendTimeout bounds how long Record waits for space in a sink's
// queue before dropping the record. Publishers on the event path must
// never stall behind a slow logger.
const trySendTimeout = 10 * time.Millisecond

// Manager fans log records out to every registered sink. Each sink
// owns a bounded queue drained by a dedicated goroutine, so one
// failing or slow sink cannot starve the others and never affects
// event flow.
type Manager struct {
	mu     sync.RWMutex
	sinks  map[string]*sinkWorker
	closed bool
}

type sinkWorker struct {
	name    string
	sink    Sink
	queue   chan Record
	done    chan struct{}
	dropped int64
	errs    int64
	mu      sync.Mutex
}

// SinkHealth is a point-in-time snapshot of one sink's queue.
type SinkHealth struct {
	Name    string `json:"name"`
	Queued  int    `json:"queued"`
	Dropped int64  `json:"dropped"`
	Errors  int64  `json:"errors"`
}

// NewManager creates an empty manager. Sinks are added with Add before
// records flow.
func NewManager() *Manager {
	return &Manager{sinks: make(map[string]*sinkWorker)}
}

// Add registers a sink under name and starts its drain goroutine.
// queueSize <= 0 gets a reasonable default.
func (m *Manager) Add(name string, sink Sink, queueSize int) {
	if queueSize <= 0 {
		queueSize = 256
	}
	w := &sinkWorker{
		name:  name,
		sink:  sink,
		queue: make(chan Record, queueSize),
		done:  make(chan struct{}),
	}

	m.mu.Lock()
	m.sinks[name] = w
	m.mu.Unlock()

	go w.drain()
}

// Record enqueues rec for every sink. The call returns as soon as the
// record is enqueued (or dropped) per sink; it never waits on sink I/O.
func (m *Manager) Record(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}

	for _, w := range m.sinks {
		select {
		case w.queue <- rec:
		default:
			// Queue full: one short blocking attempt, then drop with a
			// meta-record on the process log. Event flow must not wait.
			select {
			case w.queue <- rec:
			case <-time.After(trySendTimeout):
				w.mu.Lock()
				w.dropped++
				dropped := w.dropped
				w.mu.Unlock()
				slog.Warn("logger queue overflow, record dropped",
					"logger", w.name,
					"phase", rec.Phase,
					"event_id", rec.EventID,
					"total_dropped", dropped)
			}
		}
	}
}

// Health returns a snapshot of every sink's queue state.
func (m *Manager) Health() []SinkHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SinkHealth, 0, len(m.sinks))
	for _, w := range m.sinks {
		w.mu.Lock()
		out = append(out, SinkHealth{
			Name:    w.name,
			Queued:  len(w.queue),
			Dropped: w.dropped,
			Errors:  w.errs,
		})
		w.mu.Unlock()
	}
	return out
}

// Close flushes every sink queue, stops the drain goroutines, and
// shuts the sinks down. Records sent after Close are discarded.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	workers := make([]*sinkWorker, 0, len(m.sinks))
	for _, w := range m.sinks {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		close(w.queue)
		select {
		case <-w.done:
		case <-ctx.Done():
		}
		if err := w.sink.Shutdown(ctx); err != nil {
			slog.Warn("logger shutdown failed", "logger", w.name, "error", err)
		}
	}
}

// drain consumes the queue until it is closed. A sink failure (error
// or panic) is captured and attributed to that sink; the loop keeps
// going for subsequent records.
func (w *sinkWorker) drain() {
	defer close(w.done)
	for rec := range w.queue {
		w.logOne(rec)
	}
}

func (w *sinkWorker) logOne(rec Record) {
	defer func() {
		if r := recover(); r != nil {
			w.countError()
			slog.Error("logger panicked", "logger", w.name, "panic", r)
		}
	}()

	if err := w.sink.Log(context.Background(), rec); err != nil {
		w.countError()
		slog.Warn("logger failed to write record",
			"logger", w.name, "phase", rec.Phase, "error", err)
	}
}

func (w *sinkWorker) countError() {
	w.mu.Lock()
	w.errs++
	w.mu.Unlock()
}
