// Package actor adapts actor plugins to the runtime: per-attempt
// deadlines, retry with backoff for transient failures, terminal
// handling for rejections, and launch-prompt resolution from route
// configuration.
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/c-h-/orgloop-sub002/pkg/config"
	"github.com/c-h-/orgloop-sub002/pkg/event"
	"github.com/c-h-/orgloop-sub002/pkg/logging"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
)

// Recorder receives deliver phase records. Implemented by
// logging.Manager.
type Recorder interface {
	Record(rec logging.Record)
}

// Health is a point-in-time snapshot of one actor driver.
type Health struct {
	ActorID        string    `json:"actor_id"`
	Module         string    `json:"module"`
	TotalDelivered uint64    `json:"total_delivered"`
	TotalRejected  uint64    `json:"total_rejected"`
	TotalAbandoned uint64    `json:"total_abandoned"`
	LastDelivery   time.Time `json:"last_delivery,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Driver wraps one configured actor instance.
type Driver struct {
	cfg     config.ActorConfig
	module  string
	act     plugin.Actor
	rec     Recorder
	logger  *slog.Logger
	baseDir string

	// retrySeed is the first retry delay. Shrunk in tests.
	retrySeed time.Duration

	promptMu sync.Mutex
	prompts  map[string]string // prompt_file path -> contents

	mu     sync.Mutex
	health Health
}

// NewDriver builds a driver around an initialized actor plugin.
// Relative prompt_file paths resolve against baseDir, normally the
// directory of the loaded config file.
func NewDriver(cfg config.ActorConfig, module, baseDir string, act plugin.Actor, rec Recorder, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:       cfg,
		module:    module,
		act:       act,
		rec:       rec,
		logger:    logger.With("component", "actor", "actor_id", cfg.ID),
		baseDir:   baseDir,
		retrySeed: 500 * time.Millisecond,
		prompts:   make(map[string]string),
		health:    Health{ActorID: cfg.ID, Module: module},
	}
}

// ID returns the configured actor id.
func (d *Driver) ID() string { return d.cfg.ID }

// Deliver hands the event to the plugin with the route's delivery
// configuration. Transient failures are retried with capped backoff up
// to the configured attempt budget; a rejection is terminal; exhausted
// retries abandon the event with an error record. The returned error
// is nil for delivered events, non-nil for rejected or abandoned ones.
func (d *Driver) Deliver(ctx context.Context, ev *event.Event, route config.Route) error {
	del, err := d.delivery(route)
	if err != nil {
		d.abandon(ev, route, 0, err)
		return err
	}

	maxAttempts := d.cfg.RetryMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.retrySeed
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := d.attempt(ctx, ev, del)
		if err == nil {
			d.delivered(ev, route, attempt)
			return nil
		}
		lastErr = err

		if plugin.Classify(err) == plugin.KindRejected {
			d.rejected(ev, route, attempt, err)
			return fmt.Errorf("actor %s rejected event: %w", d.cfg.ID, err)
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts {
			d.rec.Record(logging.Record{
				Level:   logging.LevelWarn,
				Phase:   logging.PhaseDeliver,
				Module:  d.module,
				Route:   route.Name,
				Actor:   d.cfg.ID,
				EventID: ev.ID,
				TraceID: ev.TraceID,
				Result:  logging.ResultRetry,
				Message: err.Error(),
				Fields:  map[string]any{"attempt": attempt},
			})
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = maxAttempts
			}
		}
	}

	d.abandon(ev, route, maxAttempts, lastErr)
	return fmt.Errorf("actor %s abandoned event after %d attempts: %w",
		d.cfg.ID, maxAttempts, lastErr)
}

// attempt runs one delivery with its deadline and panic isolation.
func (d *Driver) attempt(ctx context.Context, ev *event.Event, del plugin.Delivery) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DeliverTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = plugin.Transientf("actor plugin panicked: %v", r)
		}
	}()
	return d.act.Deliver(ctx, ev, del)
}

// delivery builds the plugin.Delivery for a route, resolving
// prompt_file into prompt text. File contents are cached; edits to a
// prompt file take effect on module reload.
func (d *Driver) delivery(route config.Route) (plugin.Delivery, error) {
	del := plugin.Delivery{Config: route.With}

	raw, ok := route.With["prompt_file"]
	if !ok {
		return del, nil
	}
	path, ok := raw.(string)
	if !ok {
		return del, fmt.Errorf("route %s: prompt_file must be a string, got %T", route.Name, raw)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(d.baseDir, path)
	}

	d.promptMu.Lock()
	defer d.promptMu.Unlock()
	if text, cached := d.prompts[path]; cached {
		del.Prompt = text
		return del, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return del, fmt.Errorf("route %s: reading prompt file: %w", route.Name, err)
	}
	d.prompts[path] = string(data)
	del.Prompt = string(data)
	return del, nil
}

func (d *Driver) delivered(ev *event.Event, route config.Route, attempt int) {
	d.mu.Lock()
	d.health.TotalDelivered++
	d.health.LastDelivery = time.Now()
	d.health.LastError = ""
	d.mu.Unlock()
	d.rec.Record(logging.Record{
		Level:   logging.LevelInfo,
		Phase:   logging.PhaseDeliver,
		Module:  d.module,
		Route:   route.Name,
		Actor:   d.cfg.ID,
		EventID: ev.ID,
		TraceID: ev.TraceID,
		Result:  logging.ResultDelivered,
		Fields:  map[string]any{"attempt": attempt},
	})
}

func (d *Driver) rejected(ev *event.Event, route config.Route, attempt int, err error) {
	d.mu.Lock()
	d.health.TotalRejected++
	d.health.LastError = err.Error()
	d.mu.Unlock()
	d.rec.Record(logging.Record{
		Level:   logging.LevelWarn,
		Phase:   logging.PhaseDeliver,
		Module:  d.module,
		Route:   route.Name,
		Actor:   d.cfg.ID,
		EventID: ev.ID,
		TraceID: ev.TraceID,
		Result:  logging.ResultRejected,
		Message: err.Error(),
		Fields:  map[string]any{"attempt": attempt},
	})
}

func (d *Driver) abandon(ev *event.Event, route config.Route, attempts int, err error) {
	d.mu.Lock()
	d.health.TotalAbandoned++
	d.health.LastError = err.Error()
	d.mu.Unlock()
	d.rec.Record(logging.Record{
		Level:   logging.LevelError,
		Phase:   logging.PhaseDeliver,
		Module:  d.module,
		Route:   route.Name,
		Actor:   d.cfg.ID,
		EventID: ev.ID,
		TraceID: ev.TraceID,
		Result:  logging.ResultAbandoned,
		Message: err.Error(),
		Fields:  map[string]any{"attempts": attempts},
	})
}

// Health snapshots the driver.
func (d *Driver) Health() Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.health
}

// Shutdown stops the underlying plugin.
func (d *Driver) Shutdown(ctx context.Context) error {
	return d.act.Shutdown(ctx)
}
