// Package bus is the publish/subscribe spine of the runtime. Two
// variants exist: a bounded in-memory bus with configurable
// backpressure, and a write-ahead-log bus that persists every publish
// before acknowledging it and redelivers unacked events after a
// restart.
//
// Ordering: per source id, subscribers observe events in publish
// order. Across sources there is no guarantee.
package bus

import (
	"context"
	"errors"

	"github.com/c-h-/orgloop-sub002/pkg/event"
)

// Bus errors.
var (
	// ErrBusFull indicates a bounded bus could not accept the publish.
	// Treated as transient: the source driver does not advance its
	// checkpoint and the next poll replays.
	ErrBusFull = errors.New("bus is full")

	// ErrBusClosed indicates a publish after Stop.
	ErrBusClosed = errors.New("bus is closed")
)

// Delivery hands one event to a subscriber. Each subscriber gets its
// own Delivery; Ack confirms that subscriber's completion. On the WAL
// bus the persisted cursor advances only after every subscriber acked,
// so a crash before some subscriber confirms replays the event to all
// of them. On the memory bus Ack is a no-op.
type Delivery struct {
	Event *event.Event
	Seq   uint64

	ack func()
}

// Ack marks the delivery complete. Safe to call multiple times; only
// the first call has effect.
func (d Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Handler consumes deliveries. Handlers for the same shard are invoked
// sequentially; a handler must not block indefinitely.
type Handler func(ctx context.Context, d Delivery)

// Health is a point-in-time snapshot of the bus, for status endpoints.
type Health struct {
	Kind        string `json:"kind"`
	Depth       int    `json:"depth"`
	Capacity    int    `json:"capacity"`
	Subscribers int    `json:"subscribers"`
	Dropped     int64  `json:"dropped,omitempty"`
	Cursor      uint64 `json:"cursor,omitempty"`
	LastSeq     uint64 `json:"last_seq,omitempty"`
}

// Bus is the publish/subscribe contract.
type Bus interface {
	// Publish enqueues the event and returns without waiting for
	// subscribers. At-least-once delivery.
	Publish(ctx context.Context, ev *event.Event) error

	// Subscribe registers a handler and returns its unsubscribe
	// function. Subscriptions may be added before or after Start.
	Subscribe(h Handler) (unsubscribe func())

	// Start begins dispatching (and, for the WAL variant, replays
	// unacked events).
	Start(ctx context.Context) error

	// Stop drains in-flight dispatch and rejects further publishes.
	Stop(ctx context.Context) error

	// Health snapshots queue depth and dispatch state.
	Health() Health
}
