// Package checkpoint persists per-source opaque checkpoints. The
// runtime never interprets a checkpoint value; it stores what the
// source plugin returned and replays it on the next poll.
//
// The scheduler serializes polls per source id, so every store may
// assume at most one writer per key.
package checkpoint

import (
	"context"
	"errors"
)

// ErrClosed indicates the store has been closed.
var ErrClosed = errors.New("checkpoint store is closed")

// Store is the checkpoint persistence contract.
type Store interface {
	// Get returns the checkpoint for sourceID. ok is false when no
	// checkpoint has ever been stored for the source.
	Get(ctx context.Context, sourceID string) (value string, ok bool, err error)

	// Put atomically replaces the checkpoint for sourceID. After a
	// crash the write is either fully visible or not visible at all.
	Put(ctx context.Context, sourceID, value string) error

	// Remove deletes the checkpoint for sourceID. Removing an absent
	// key is not an error.
	Remove(ctx context.Context, sourceID string) error

	// Close releases underlying resources.
	Close() error
}
