package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/c-h-/orgloop-sub002/pkg/event"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
)

// exitCodeRejected is the exec actor's contract for a terminal
// refusal.
const exitCodeRejected = 64

// ExecActor delivers events by spawning a command per delivery. The
// command receives a JSON document {"event": ..., "prompt": ...,
// "config": ...} on stdin. Exit 0 is delivered, exit 64 is rejected,
// anything else is a retriable error.
type ExecActor struct {
	command string
	args    []string
}

// Init implements plugin.Actor. Config keys: "command" (required),
// "args" (list of strings).
func (a *ExecActor) Init(config map[string]any) error {
	a.command = configString(config, "command", "")
	if a.command == "" {
		return errors.New("exec actor requires a command")
	}
	if raw, ok := config["args"].([]any); ok {
		for _, v := range raw {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("exec args must be strings, got %T", v)
			}
			a.args = append(a.args, s)
		}
	}
	return nil
}

// Deliver implements plugin.Actor.
func (a *ExecActor) Deliver(ctx context.Context, ev *event.Event, d plugin.Delivery) error {
	input, err := json.Marshal(map[string]any{
		"event":  ev,
		"prompt": d.Prompt,
		"config": d.Config,
	})
	if err != nil {
		return plugin.Fatal(fmt.Errorf("encoding delivery: %w", err))
	}

	cmd := exec.CommandContext(ctx, a.command, a.args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() != nil {
		return plugin.Transient(fmt.Errorf("exec %s: %w", a.command, ctx.Err()))
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() == exitCodeRejected:
		return plugin.Rejectedf("exec %s refused delivery: %s", a.command, stderrLine(stderr.String()))
	case errors.As(err, &exitErr):
		return plugin.Transientf("exec %s exited %d: %s", a.command, exitErr.ExitCode(), stderrLine(stderr.String()))
	default:
		return plugin.Transient(fmt.Errorf("running %s: %w", a.command, err))
	}
}

// Shutdown implements plugin.Actor.
func (a *ExecActor) Shutdown(context.Context) error { return nil }

func stderrLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
