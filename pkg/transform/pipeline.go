// Package transform runs a route's transform chain: a sequential,
// fail-open pipeline of package (in-process plugin) and script
// (subprocess) stages that may modify or drop an event before
// delivery.
package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/c-h-/orgloop-sub002/pkg/event"
	"github.com/c-h-/orgloop-sub002/pkg/logging"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
)

// Outcome is the terminal state of one pipeline run.
type Outcome string

// Pipeline outcomes.
const (
	// OutcomePassed means the event survived every stage.
	OutcomePassed Outcome = "passed"

	// OutcomeDropped means a stage dropped the event. A drop is a
	// successful termination, not a failure.
	OutcomeDropped Outcome = "dropped"

	// OutcomeFailedClosed means a fail-closed stage errored, dropping
	// the event for this route.
	OutcomeFailedClosed Outcome = "failed_closed"
)

// Recorder receives pipeline phase records. Implemented by
// logging.Manager.
type Recorder interface {
	Record(rec logging.Record)
}

// Stage is one resolved transform in a pipeline.
type Stage struct {
	Name       string
	Timeout    time.Duration
	FailClosed bool

	exec plugin.Transform
}

// NewStage wraps an initialized transform plugin as a pipeline stage.
func NewStage(name string, timeout time.Duration, failClosed bool, exec plugin.Transform) *Stage {
	return &Stage{Name: name, Timeout: timeout, FailClosed: failClosed, exec: exec}
}

// Pipeline is an ordered transform chain for one route.
type Pipeline struct {
	stages []*Stage
}

// NewPipeline builds a pipeline over the given stages.
func NewPipeline(stages []*Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Run executes the chain over ev and returns the surviving event (nil
// unless the outcome is OutcomePassed).
//
// Failure policy per stage: fail-open by default (log, keep the
// current event, continue); fail-closed stages drop the event for
// this route. A drop terminates the pipeline successfully. Stages
// never see each other's panics or timeouts.
func (p *Pipeline) Run(ctx context.Context, ev *event.Event, tctx plugin.TransformContext, rec Recorder) (*event.Event, Outcome) {
	current := ev

	for _, st := range p.stages {
		out, err := st.run(ctx, current, tctx)

		switch {
		case err == nil && out == nil:
			rec.Record(logging.Record{
				Level:     logging.LevelInfo,
				Phase:     logging.PhaseTransform,
				Module:    tctx.Module,
				Route:     tctx.Route,
				Transform: st.Name,
				EventID:   current.ID,
				TraceID:   current.TraceID,
				Result:    logging.ResultDropped,
			})
			return nil, OutcomeDropped

		case err == nil:
			current = out

		case st.FailClosed:
			rec.Record(logging.Record{
				Level:     logging.LevelError,
				Phase:     logging.PhaseTransform,
				Module:    tctx.Module,
				Route:     tctx.Route,
				Transform: st.Name,
				EventID:   current.ID,
				TraceID:   current.TraceID,
				Result:    logging.ResultError,
				Message:   "fail-closed transform errored, dropping event for route",
				Fields:    map[string]any{"error": err.Error()},
			})
			return nil, OutcomeFailedClosed

		default:
			rec.Record(logging.Record{
				Level:     logging.LevelWarn,
				Phase:     logging.PhaseTransform,
				Module:    tctx.Module,
				Route:     tctx.Route,
				Transform: st.Name,
				EventID:   current.ID,
				TraceID:   current.TraceID,
				Result:    logging.ResultError,
				Message:   "transform errored, continuing fail-open",
				Fields:    map[string]any{"error": err.Error()},
			})
		}
	}
	return current, OutcomePassed
}

// run invokes one stage with its deadline and panic isolation.
func (s *Stage) run(ctx context.Context, ev *event.Event, tctx plugin.TransformContext) (out *event.Event, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("transform %s panicked: %v", s.Name, r)
		}
	}()

	type result struct {
		ev  *event.Event
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{nil, fmt.Errorf("transform %s panicked: %v", s.Name, r)}
			}
		}()
		ev2, err2 := s.exec.Execute(ctx, ev, tctx)
		ch <- result{ev2, err2}
	}()

	select {
	case res := <-ch:
		return res.ev, res.err
	case <-ctx.Done():
		// The plugin call is abandoned; its goroutine exits whenever
		// the plugin honors the context.
		return nil, fmt.Errorf("transform %s: %w", s.Name, ctx.Err())
	}
}

// Shutdown shuts every stage's plugin down, returning the first error.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	var first error
	for _, st := range p.stages {
		if err := st.exec.Shutdown(ctx); err != nil && first == nil {
			first = fmt.Errorf("shutting down transform %s: %w", st.Name, err)
		}
	}
	return first
}
