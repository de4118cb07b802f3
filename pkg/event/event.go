// Package event defines the envelope that travels the bus and the
// helpers for constructing and copying it. Events are the sole message
// type between sources, routes, transforms, and actors.
package event

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of event types the runtime routes.
type Type string

// Event types.
const (
	TypeResourceChanged Type = "resource.changed"
	TypeActorStopped    Type = "actor.stopped"
	TypeMessageReceived Type = "message.received"
)

// IsValid reports whether t is one of the three routable types.
func (t Type) IsValid() bool {
	switch t {
	case TypeResourceChanged, TypeActorStopped, TypeMessageReceived:
		return true
	}
	return false
}

// Validation errors.
var (
	ErrMissingID       = errors.New("event id is empty")
	ErrMissingSourceID = errors.New("event source_id is empty")
	ErrMissingTime     = errors.New("event timestamp is zero")
	ErrInvalidType     = errors.New("event type is not a known type")
)

// Event is the envelope routed by the bus.
//
// Provenance holds flat scalar keys describing the external origin
// (platform, sub-event kind, author, repository, url). Payload is
// connector-specific. Matchers and loggers read provenance; only
// transforms may produce a modified copy.
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	SourceID   string         `json:"source_id"`
	Type       Type           `json:"type"`
	TraceID    string         `json:"trace_id,omitempty"`
	Provenance map[string]any `json:"provenance,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// New builds an event with a fresh id and the current wall-clock
// timestamp. The trace id is stamped later, on ingress, by the source
// driver.
func New(sourceID string, typ Type, provenance, payload map[string]any) *Event {
	return &Event{
		ID:         NewID(),
		Timestamp:  time.Now().UTC(),
		SourceID:   sourceID,
		Type:       typ,
		Provenance: provenance,
		Payload:    payload,
	}
}

// NewID returns a fresh event id: "evt_" + 128 bits of entropy,
// hex-encoded.
func NewID() string {
	return "evt_" + randomHex()
}

// NewTraceID returns a fresh trace id: "trc_" + 128 bits of entropy,
// hex-encoded.
func NewTraceID() string {
	return "trc_" + randomHex()
}

func randomHex() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// WithTraceID returns a shallow copy of ev carrying the given trace id.
// The original event is not mutated.
func WithTraceID(ev *Event, traceID string) *Event {
	cp := *ev
	cp.TraceID = traceID
	return &cp
}

// Overrides carries the fields a transform may replace when copying an
// event. Nil fields are left as-is.
type Overrides struct {
	Provenance map[string]any
	Payload    map[string]any
}

// CopyModified returns a deep copy of ev with the given overrides
// applied. The id, timestamp, source id, type, and trace id are always
// preserved: a transform changes what an event says, never which event
// it is.
func CopyModified(ev *Event, ov Overrides) *Event {
	cp := *ev
	if ov.Provenance != nil {
		cp.Provenance = deepCopyMap(ov.Provenance)
	} else {
		cp.Provenance = deepCopyMap(ev.Provenance)
	}
	if ov.Payload != nil {
		cp.Payload = deepCopyMap(ov.Payload)
	} else {
		cp.Payload = deepCopyMap(ev.Payload)
	}
	return &cp
}

// Clone returns a deep copy of ev. Each matched route gets its own
// clone before its transform pipeline runs, so pipelines never observe
// each other's modifications.
func Clone(ev *Event) *Event {
	return CopyModified(ev, Overrides{})
}

// Validate checks the envelope invariants: non-empty id, timestamp,
// source id, and a known type.
func (e *Event) Validate() error {
	if e.ID == "" {
		return ErrMissingID
	}
	if e.Timestamp.IsZero() {
		return ErrMissingTime
	}
	if e.SourceID == "" {
		return ErrMissingSourceID
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, e.Type)
	}
	return nil
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return deepCopyMap(vv)
	case []any:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
