// Package source adapts source plugins to the runtime: it runs poll
// cycles for pull sources and webhook handoffs for push sources,
// stamping provenance, publishing to the bus, and persisting
// checkpoints only after the bus has accepted every event.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/c-h-/orgloop-sub002/pkg/checkpoint"
	"github.com/c-h-/orgloop-sub002/pkg/config"
	"github.com/c-h-/orgloop-sub002/pkg/event"
	"github.com/c-h-/orgloop-sub002/pkg/logging"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
)

// Recorder receives source phase records. Implemented by
// logging.Manager.
type Recorder interface {
	Record(rec logging.Record)
}

// Publisher is the slice of the bus a source driver needs. Implemented
// by bus.MemoryBus and bus.WALBus.
type Publisher interface {
	Publish(ctx context.Context, ev *event.Event) error
}

// Health is a point-in-time snapshot of one source driver.
type Health struct {
	SourceID    string    `json:"source_id"`
	Module      string    `json:"module"`
	LastPoll    time.Time `json:"last_poll,omitempty"`
	LastBatch   int       `json:"last_batch"`
	TotalEvents uint64    `json:"total_events"`
	LastError   string    `json:"last_error,omitempty"`
}

// Driver wraps one configured source instance.
type Driver struct {
	cfg    config.SourceConfig
	module string
	src    plugin.Source

	bus    Publisher
	store  checkpoint.Store
	rec    Recorder
	logger *slog.Logger

	mu     sync.Mutex
	health Health
}

// NewDriver builds a driver around an initialized source plugin.
func NewDriver(cfg config.SourceConfig, module string, src plugin.Source, b Publisher, store checkpoint.Store, rec Recorder, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:    cfg,
		module: module,
		src:    src,
		bus:    b,
		store:  store,
		rec:    rec,
		logger: logger.With("component", "source", "source_id", cfg.ID),
		health: Health{SourceID: cfg.ID, Module: module},
	}
}

// ID returns the configured source id.
func (d *Driver) ID() string { return d.cfg.ID }

// Pollable reports whether the plugin supports interval polling.
func (d *Driver) Pollable() bool {
	_, ok := d.src.(plugin.PullSource)
	return ok
}

// Pushable reports whether the plugin accepts webhook deliveries.
func (d *Driver) Pushable() bool {
	_, ok := d.src.(plugin.PushSource)
	return ok
}

// Methods returns the HTTP methods the push plugin accepts, nil for
// pull-only sources.
func (d *Driver) Methods() []string {
	ps, ok := d.src.(plugin.PushSource)
	if !ok {
		return nil
	}
	return ps.Methods()
}

// Poll runs one poll cycle: load the checkpoint, ask the plugin for
// new events, publish them all, then persist the plugin's new
// checkpoint. The checkpoint only advances when every event was
// accepted by the bus, so a failed publish replays the whole batch on
// the next poll.
func (d *Driver) Poll(ctx context.Context) error {
	ps, ok := d.src.(plugin.PullSource)
	if !ok {
		return fmt.Errorf("source %s: plugin does not support polling", d.cfg.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.PollTimeout)
	defer cancel()

	value, has, err := d.store.Get(ctx, d.cfg.ID)
	if err != nil {
		return d.fail(fmt.Errorf("loading checkpoint: %w", err))
	}

	res, err := d.pollPlugin(ctx, ps, plugin.PollRequest{
		Checkpoint:    value,
		HasCheckpoint: has,
		Lookback:      d.cfg.InitialLookback,
	})
	if err != nil {
		return d.fail(fmt.Errorf("polling: %w", err))
	}

	published, err := d.publish(ctx, res.Events)
	if err != nil {
		return d.fail(fmt.Errorf("publishing (%d of %d accepted): %w",
			published, len(res.Events), err))
	}

	if res.Checkpoint != "" {
		if err := d.store.Put(ctx, d.cfg.ID, res.Checkpoint); err != nil {
			return d.fail(fmt.Errorf("persisting checkpoint: %w", err))
		}
	}

	d.mu.Lock()
	d.health.LastPoll = time.Now()
	d.health.LastBatch = len(res.Events)
	d.health.TotalEvents += uint64(len(res.Events))
	d.health.LastError = ""
	d.mu.Unlock()
	return nil
}

// pollPlugin calls Poll with panic isolation: a panicking plugin is a
// transient poll failure, not a crashed runtime.
func (d *Driver) pollPlugin(ctx context.Context, ps plugin.PullSource, req plugin.PollRequest) (res plugin.PollResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = plugin.PollResult{}
			err = plugin.Transientf("source plugin panicked: %v", r)
		}
	}()
	return ps.Poll(ctx, req)
}

// HandlePush hands a webhook request to the push plugin and publishes
// whatever events it validated. The plugin writes the HTTP response;
// the returned error (if any) is classified for the ingress server.
func (d *Driver) HandlePush(ctx context.Context, req plugin.PushRequest, w http.ResponseWriter) error {
	ps, ok := d.src.(plugin.PushSource)
	if !ok {
		return fmt.Errorf("source %s: plugin does not accept webhooks", d.cfg.ID)
	}

	events, err := ps.Handle(ctx, req, w)
	if err != nil {
		return d.fail(err)
	}

	published, err := d.publish(ctx, events)
	if err != nil {
		return d.fail(fmt.Errorf("publishing (%d of %d accepted): %w",
			published, len(events), err))
	}

	d.mu.Lock()
	d.health.LastPoll = time.Now()
	d.health.LastBatch = len(events)
	d.health.TotalEvents += uint64(len(events))
	d.health.LastError = ""
	d.mu.Unlock()
	return nil
}

// publish stamps and publishes each event in order, stopping at the
// first rejection. Returns how many events the bus accepted.
func (d *Driver) publish(ctx context.Context, events []*event.Event) (int, error) {
	for i, ev := range events {
		stamped := d.stamp(ev)
		if err := stamped.Validate(); err != nil {
			return i, fmt.Errorf("event %d invalid: %w", i, err)
		}
		if err := d.bus.Publish(ctx, stamped); err != nil {
			return i, err
		}
		d.rec.Record(logging.Record{
			Level:   logging.LevelInfo,
			Phase:   logging.PhaseSource,
			Module:  d.module,
			Source:  d.cfg.ID,
			EventID: stamped.ID,
			TraceID: stamped.TraceID,
			Result:  logging.ResultEmitted,
		})
	}
	return len(events), nil
}

// stamp enforces the envelope the rest of the pipeline relies on: the
// configured source id always wins, a missing trace id gets a fresh
// one, and a zero timestamp gets the current time.
func (d *Driver) stamp(ev *event.Event) *event.Event {
	cp := *ev
	cp.SourceID = d.cfg.ID
	if cp.TraceID == "" {
		cp.TraceID = event.NewTraceID()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	if cp.ID == "" {
		cp.ID = event.NewID()
	}
	return &cp
}

// Health snapshots the driver.
func (d *Driver) Health() Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.health
}

// Shutdown stops the underlying plugin.
func (d *Driver) Shutdown(ctx context.Context) error {
	return d.src.Shutdown(ctx)
}

func (d *Driver) fail(err error) error {
	d.mu.Lock()
	d.health.LastError = err.Error()
	d.mu.Unlock()
	d.rec.Record(logging.Record{
		Level:   logging.LevelWarn,
		Phase:   logging.PhaseSource,
		Module:  d.module,
		Source:  d.cfg.ID,
		Result:  logging.ResultError,
		Message: err.Error(),
	})
	return fmt.Errorf("source %s: %w", d.cfg.ID, err)
}
