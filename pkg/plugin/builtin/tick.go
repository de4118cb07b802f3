package builtin

import (
	"context"
	"fmt"
	"strconv"

	"github.com/c-h-/orgloop-sub002/pkg/event"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
)

// TickSource is a pull source that emits one resource.changed event
// per poll with a monotonically increasing counter. Useful for
// smoke-testing a pipeline without any external platform.
type TickSource struct{}

// Init implements plugin.Source.
func (s *TickSource) Init(map[string]any) error { return nil }

// Poll implements plugin.PullSource. The checkpoint is the decimal
// counter of the next tick.
func (s *TickSource) Poll(_ context.Context, req plugin.PollRequest) (plugin.PollResult, error) {
	n := 0
	if req.HasCheckpoint {
		parsed, err := strconv.Atoi(req.Checkpoint)
		if err != nil {
			return plugin.PollResult{}, plugin.Fatal(
				fmt.Errorf("corrupt tick checkpoint %q: %w", req.Checkpoint, err))
		}
		n = parsed
	}

	ev := event.New("", event.TypeResourceChanged,
		map[string]any{"platform": "tick"},
		map[string]any{"tick": n})
	return plugin.PollResult{
		Events:     []*event.Event{ev},
		Checkpoint: strconv.Itoa(n + 1),
	}, nil
}

// Shutdown implements plugin.Source.
func (s *TickSource) Shutdown(context.Context) error { return nil }
