package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/c-h-/orgloop-sub002/pkg/event"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
)

// ExitCodeDrop is the script exit code that means "drop this event".
// Any other non-zero exit is an error handled by the route's failure
// mode.
const ExitCodeDrop = 78

// envAllowlist is the base environment a script inherits. Everything
// else is stripped so connector secrets in the runtime's environment
// never leak into user scripts.
var envAllowlist = []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "TZ", "USER"}

// Script runs an external command as a transform stage. The event is
// written as JSON to stdin; on exit 0 a single event JSON is read from
// stdout. Each invocation gets a fresh working directory, a sanitized
// environment, and the stage deadline. The subprocess boundary is the
// isolation boundary: a crashing script never affects the runtime.
type Script struct {
	path        string
	args        []string
	passthrough []string
}

// NewScript builds a script transform for the given executable path.
func NewScript(path string) *Script {
	return &Script{path: path}
}

// Init implements plugin.Transform. Recognized config keys:
// "args" (list of strings) and "env_passthrough" (extra environment
// variable names to inherit).
func (s *Script) Init(config map[string]any) error {
	if raw, ok := config["args"].([]any); ok {
		for _, a := range raw {
			str, ok := a.(string)
			if !ok {
				return fmt.Errorf("script args must be strings, got %T", a)
			}
			s.args = append(s.args, str)
		}
	}
	if raw, ok := config["env_passthrough"].([]any); ok {
		for _, a := range raw {
			str, ok := a.(string)
			if !ok {
				return fmt.Errorf("env_passthrough entries must be strings, got %T", a)
			}
			s.passthrough = append(s.passthrough, str)
		}
	}
	return nil
}

// Execute implements plugin.Transform.
func (s *Script) Execute(ctx context.Context, ev *event.Event, tctx plugin.TransformContext) (*event.Event, error) {
	input, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding event for script: %w", err)
	}

	workDir, err := os.MkdirTemp("", "orgloop-script-*")
	if err != nil {
		return nil, fmt.Errorf("creating script work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	cmd := exec.CommandContext(ctx, s.path, s.args...)
	cmd.Dir = workDir
	cmd.Env = s.environ()
	cmd.Stdin = bytes.NewReader(input)
	// Orphaned children holding the output pipes must not stall the
	// pipeline past the deadline.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("script %s: %w", s.path, ctx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		var out event.Event
		if jsonErr := json.Unmarshal(stdout.Bytes(), &out); jsonErr != nil {
			return nil, fmt.Errorf("script %s wrote invalid event JSON: %w", s.path, jsonErr)
		}
		// A script changes what an event says, never which event it is:
		// the identity fields always come from the input.
		out.ID = ev.ID
		out.TraceID = ev.TraceID
		out.SourceID = ev.SourceID
		out.Type = ev.Type
		out.Timestamp = ev.Timestamp
		return &out, nil

	case errors.As(err, &exitErr) && exitErr.ExitCode() == ExitCodeDrop:
		return nil, nil

	case errors.As(err, &exitErr):
		return nil, fmt.Errorf("script %s exited %d: %s",
			s.path, exitErr.ExitCode(), firstLine(stderr.String()))

	default:
		return nil, fmt.Errorf("running script %s: %w", s.path, err)
	}
}

// Shutdown implements plugin.Transform.
func (s *Script) Shutdown(context.Context) error { return nil }

func (s *Script) environ() []string {
	keep := make(map[string]bool, len(envAllowlist)+len(s.passthrough))
	for _, k := range envAllowlist {
		keep[k] = true
	}
	for _, k := range s.passthrough {
		keep[k] = true
	}

	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if keep[name] {
			env = append(env, kv)
		}
	}
	return env
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
