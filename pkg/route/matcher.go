// Package route matches events against a module's route set. The
// matcher is pure and synchronous: same routes and same event always
// yield the same ordered result, and events are never mutated.
package route

import (
	"encoding/json"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/c-h-/orgloop-sub002/pkg/config"
	"github.com/c-h-/orgloop-sub002/pkg/event"
)

// Match returns the routes that accept ev, in route definition order.
//
// A route matches when its source equals the event's source id, the
// event type is in its event set, and every filter entry matches. A
// filter entry is a dot-path resolved against
// {"provenance": ..., "payload": ...}; the expected value is a scalar
// (equality) or a list of scalars (set membership). A missing path is
// a non-match.
func Match(routes []config.Route, ev *event.Event) []config.Route {
	var matched []config.Route
	var doc []byte // built lazily, only when some route has a filter

	for _, rt := range routes {
		if rt.When.Source != ev.SourceID {
			continue
		}
		if !containsType(rt.When.Events, ev.Type) {
			continue
		}
		if len(rt.When.Filter) > 0 {
			if doc == nil {
				doc = filterDoc(ev)
			}
			if !filterMatches(rt.When.Filter, doc) {
				continue
			}
		}
		matched = append(matched, rt)
	}
	return matched
}

func containsType(types []string, t event.Type) bool {
	for _, s := range types {
		if event.Type(s) == t {
			return true
		}
	}
	return false
}

// filterDoc builds the JSON document filter paths resolve against.
func filterDoc(ev *event.Event) []byte {
	doc, err := json.Marshal(map[string]any{
		"provenance": ev.Provenance,
		"payload":    ev.Payload,
	})
	if err != nil {
		// Events are built from JSON-compatible maps; this only fires
		// if a plugin smuggled in an unmarshalable value.
		slog.Warn("event not representable as JSON, filters treat it as empty",
			"event_id", ev.ID, "error", err)
		return []byte("{}")
	}
	return doc
}

func filterMatches(filter map[string]any, doc []byte) bool {
	for path, expected := range filter {
		res := gjson.GetBytes(doc, path)
		if !res.Exists() {
			return false
		}
		if !valueMatches(res, expected) {
			return false
		}
	}
	return true
}

// valueMatches compares a resolved value against the expected scalar
// or list of scalars.
func valueMatches(res gjson.Result, expected any) bool {
	if list, ok := expected.([]any); ok {
		for _, candidate := range list {
			if scalarEqual(res, candidate) {
				return true
			}
		}
		return false
	}
	return scalarEqual(res, expected)
}

func scalarEqual(res gjson.Result, expected any) bool {
	switch want := expected.(type) {
	case string:
		return res.Type == gjson.String && res.Str == want
	case bool:
		return res.IsBool() && res.Bool() == want
	case int:
		return res.Type == gjson.Number && res.Num == float64(want)
	case int64:
		return res.Type == gjson.Number && res.Num == float64(want)
	case float64:
		return res.Type == gjson.Number && res.Num == want
	case nil:
		return res.Type == gjson.Null
	default:
		return false
	}
}
