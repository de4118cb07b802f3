// Package logging provides the structured pipeline log record and the
// manager that fans records out to configured logger sinks without
// blocking the event path.
package logging

import (
	"context"
	"time"
)

// Phase identifies which stage of the pipeline produced a record.
type Phase string

// Pipeline phases.
const (
	PhaseSource         Phase = "source"
	PhaseBus            Phase = "bus"
	PhaseMatch          Phase = "match"
	PhaseTransform      Phase = "transform"
	PhaseDeliver        Phase = "deliver"
	PhaseActorLifecycle Phase = "actor.lifecycle"
)

// Level is the record severity.
type Level string

// Record levels.
const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Result is the coarse outcome carried by a record.
type Result string

// Record results.
const (
	ResultOK        Result = "ok"
	ResultEmitted   Result = "emitted"
	ResultMatched   Result = "matched"
	ResultNoMatch   Result = "no_match"
	ResultDropped   Result = "dropped"
	ResultDelivered Result = "delivered"
	ResultRejected  Result = "rejected"
	ResultError     Result = "error"
	ResultAbandoned Result = "abandoned"
	ResultRetry     Result = "retry"
)

// Record is one structured log entry emitted at a pipeline phase.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Phase     Phase          `json:"phase"`
	Module    string         `json:"module,omitempty"`
	EventID   string         `json:"event_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Route     string         `json:"route,omitempty"`
	Transform string         `json:"transform,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Source    string         `json:"source,omitempty"`
	Result    Result         `json:"result,omitempty"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Sink is the logger plugin contract: a passive observer of records.
// Implementations must be safe for use from a single drain goroutine;
// the manager never calls a sink concurrently with itself.
type Sink interface {
	Init(config map[string]any) error
	Log(ctx context.Context, rec Record) error
	Shutdown(ctx context.Context) error
}
