// Package plugin defines the contracts between the runtime and its
// source, actor, transform, and logger plugins, plus the registry the
// runtime instantiates them from.
//
// Capabilities are explicit: a pull source implements PullSource, a
// push source implements PushSource, and a connector that supports
// both implements both. Drivers introspect with type assertions
// instead of guessing.
package plugin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/c-h-/orgloop-sub002/pkg/event"
)

// Source is the base contract every source plugin fulfils.
type Source interface {
	Init(config map[string]any) error
	Shutdown(ctx context.Context) error
}

// PollRequest carries the prior checkpoint (if any) into a poll cycle.
type PollRequest struct {
	// Checkpoint is the last value the plugin returned; semantics are
	// owned entirely by the plugin. HasCheckpoint false means this is
	// a bootstrap poll.
	Checkpoint    string
	HasCheckpoint bool

	// Lookback is the configured initial window for bootstrap polls.
	// Plugins may ignore it.
	Lookback time.Duration
}

// PollResult is what a pull source returns from one poll cycle.
type PollResult struct {
	Events []*event.Event

	// Checkpoint, when non-empty, is persisted after every event has
	// been accepted by the bus and replayed on the next poll.
	Checkpoint string
}

// PullSource is a source the scheduler polls on an interval.
type PullSource interface {
	Source
	Poll(ctx context.Context, req PollRequest) (PollResult, error)
}

// PushRequest is an inbound webhook request handed to a push source.
type PushRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

// PushSource is a source fed by the webhook ingress. The handler
// validates the request (signature, schema), writes the HTTP response,
// and returns the events to publish. A returned error of kind
// validation maps to 4xx; any other error maps to a generic 500 and
// nothing is published. Handlers must be safe for concurrent calls.
type PushSource interface {
	Source
	Handle(ctx context.Context, req PushRequest, w http.ResponseWriter) ([]*event.Event, error)

	// Methods lists the HTTP methods the source accepts. Empty means
	// POST only.
	Methods() []string
}

// Delivery carries the route's delivery configuration into an actor.
type Delivery struct {
	// Config is the route's `with` map, opaque to the router.
	Config map[string]any

	// Prompt is the resolved launch-prompt text when the route's
	// config named a prompt file, empty otherwise.
	Prompt string
}

// Actor is the delivery-side plugin contract. Deliver returns nil for
// a successful delivery; a rejected-kind error for a terminal refusal;
// any other error is retried by the driver.
type Actor interface {
	Init(config map[string]any) error
	Deliver(ctx context.Context, ev *event.Event, d Delivery) error
	Shutdown(ctx context.Context) error
}

// TransformContext exposes the routing context to a transform.
type TransformContext struct {
	TraceID string
	Route   string
	Module  string
	Logger  *slog.Logger
}

// Transform is a pipeline stage. Execute returns the (possibly new)
// event to continue with, or a nil event with nil error to drop the
// event for this route. Errors are handled per the route's failure
// mode (fail-open by default).
type Transform interface {
	Init(config map[string]any) error
	Execute(ctx context.Context, ev *event.Event, tctx TransformContext) (*event.Event, error)
	Shutdown(ctx context.Context) error
}

// SetupMetadata describes what a plugin needs from its environment.
// Consumed by doctor/orchestrator tooling, never by the runtime.
type SetupMetadata struct {
	EnvVars  []string `json:"env_vars,omitempty"`
	Services []string `json:"services,omitempty"`
}
