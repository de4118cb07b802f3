package module

import (
	"context"

	"github.com/c-h-/orgloop-sub002/pkg/bus"
	"github.com/c-h-/orgloop-sub002/pkg/event"
	"github.com/c-h-/orgloop-sub002/pkg/logging"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
	"github.com/c-h-/orgloop-sub002/pkg/route"
	"github.com/c-h-/orgloop-sub002/pkg/transform"
)

// process is the module's bus handler: match the module's own routes,
// give each matched route an independent copy of the event, run its
// pipeline, and deliver survivors. Routes are independent: one route's
// drop or delivery failure never affects another's.
func (m *Instance) process(ctx context.Context, d bus.Delivery) {
	m.inflight.Add(1)
	defer m.inflight.Done()
	// Ack releases only this module's share of the delivery; the WAL
	// cursor advances once every subscribed module confirmed.
	defer d.Ack()

	m.mu.Lock()
	active := m.state == StateActive
	logs := m.logs
	pipelines := m.pipelines
	actors := m.actors
	_, owned := m.sources[d.Event.SourceID]
	m.mu.Unlock()
	if !active {
		return
	}

	ev := d.Event
	matched := route.Match(m.cfg.Routes, ev)
	if len(matched) == 0 {
		// Events from sources this module does not own simply do not
		// match; only record misses for our own traffic.
		if owned {
			logs.Record(logging.Record{
				Level:   logging.LevelDebug,
				Phase:   logging.PhaseMatch,
				Module:  m.cfg.Name,
				Source:  ev.SourceID,
				EventID: ev.ID,
				TraceID: ev.TraceID,
				Result:  logging.ResultNoMatch,
			})
		}
		return
	}

	for _, rt := range matched {
		logs.Record(logging.Record{
			Level:   logging.LevelInfo,
			Phase:   logging.PhaseMatch,
			Module:  m.cfg.Name,
			Source:  ev.SourceID,
			Route:   rt.Name,
			EventID: ev.ID,
			TraceID: ev.TraceID,
			Result:  logging.ResultMatched,
		})

		clone := event.Clone(ev)
		tctx := plugin.TransformContext{
			TraceID: ev.TraceID,
			Route:   rt.Name,
			Module:  m.cfg.Name,
			Logger:  m.logger,
		}
		out, outcome := pipelines[rt.Name].Run(ctx, clone, tctx, logs)
		if outcome != transform.OutcomePassed {
			continue
		}

		// Delivery outcomes (delivered, rejected, abandoned) are
		// recorded by the actor driver.
		_ = actors[rt.Then.Actor].Deliver(ctx, out, rt)
	}
}
