package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/c-h-/orgloop-sub002/pkg/event"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
)

// SetFieldTransform sets fields on an event's provenance or payload.
// Paths are sjson dot-paths rooted at {"provenance": ..., "payload":
// ...}; anything outside those two roots is a config error.
type SetFieldTransform struct {
	fields map[string]any
}

// Init implements plugin.Transform. Config key: "fields" (map of
// dot-path to value).
func (t *SetFieldTransform) Init(config map[string]any) error {
	raw, ok := config["fields"].(map[string]any)
	if !ok || len(raw) == 0 {
		return errors.New("set_field requires a non-empty fields map")
	}
	for path := range raw {
		if !rootedAtEnvelope(path) {
			return fmt.Errorf("field path %q must start with provenance. or payload.", path)
		}
	}
	t.fields = raw
	return nil
}

// Execute implements plugin.Transform.
func (t *SetFieldTransform) Execute(_ context.Context, ev *event.Event, _ plugin.TransformContext) (*event.Event, error) {
	doc, err := json.Marshal(map[string]any{
		"provenance": ev.Provenance,
		"payload":    ev.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding event fields: %w", err)
	}

	for path, value := range t.fields {
		doc, err = sjson.SetBytes(doc, path, value)
		if err != nil {
			return nil, fmt.Errorf("setting %s: %w", path, err)
		}
	}

	var out struct {
		Provenance map[string]any `json:"provenance"`
		Payload    map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, fmt.Errorf("decoding modified fields: %w", err)
	}
	return event.CopyModified(ev, event.Overrides{
		Provenance: out.Provenance,
		Payload:    out.Payload,
	}), nil
}

// Shutdown implements plugin.Transform.
func (t *SetFieldTransform) Shutdown(context.Context) error { return nil }

func rootedAtEnvelope(path string) bool {
	for _, root := range []string{"provenance.", "payload."} {
		if len(path) > len(root) && path[:len(root)] == root {
			return true
		}
	}
	return false
}
