package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/c-h-/orgloop-sub002/pkg/event"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
)

// dedupDefaultTTL is the suppression window when none is configured.
const dedupDefaultTTL = 5 * time.Minute

// DedupTransform drops events whose key was already seen within the
// TTL window. The key is a gjson dot-path over {"provenance": ...,
// "payload": ...}; events where the path is missing pass through
// untouched.
type DedupTransform struct {
	key string
	ttl time.Duration

	mu   sync.Mutex
	seen map[string]time.Time // key value -> expiry

	// now is swapped in tests.
	now func() time.Time
}

// Init implements plugin.Transform. Config keys: "key" (required
// dot-path), "ttl" (duration string, default 5m).
func (t *DedupTransform) Init(config map[string]any) error {
	t.key = configString(config, "key", "")
	if t.key == "" {
		return errors.New("dedup requires a key path")
	}
	t.ttl = dedupDefaultTTL
	if raw := configString(config, "ttl", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing ttl: %w", err)
		}
		if d <= 0 {
			return errors.New("ttl must be positive")
		}
		t.ttl = d
	}
	t.seen = make(map[string]time.Time)
	t.now = time.Now
	return nil
}

// Execute implements plugin.Transform.
func (t *DedupTransform) Execute(_ context.Context, ev *event.Event, _ plugin.TransformContext) (*event.Event, error) {
	doc, err := json.Marshal(map[string]any{
		"provenance": ev.Provenance,
		"payload":    ev.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding event fields: %w", err)
	}
	res := gjson.GetBytes(doc, t.key)
	if !res.Exists() {
		return ev, nil
	}
	value := res.String()

	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if expiry, ok := t.seen[value]; ok && now.Before(expiry) {
		return nil, nil
	}
	t.sweep(now)
	t.seen[value] = now.Add(t.ttl)
	return ev, nil
}

// Shutdown implements plugin.Transform.
func (t *DedupTransform) Shutdown(context.Context) error { return nil }

// sweep evicts expired entries. Called under mu.
func (t *DedupTransform) sweep(now time.Time) {
	for k, expiry := range t.seen {
		if !now.Before(expiry) {
			delete(t.seen, k)
		}
	}
}
