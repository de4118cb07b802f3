package transform

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript drops an executable shell script into the test dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transform.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestScript_PassThrough(t *testing.T) {
	s := NewScript(writeScript(t, "cat"))
	require.NoError(t, s.Init(nil))

	ev := testEvent()
	out, err := s.Execute(context.Background(), ev, tctx())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, ev.ID, out.ID)
	assert.Equal(t, ev.SourceID, out.SourceID)
	assert.Equal(t, ev.TraceID, out.TraceID)
}

func TestScript_DropExitCode(t *testing.T) {
	s := NewScript(writeScript(t, "exit 78"))
	require.NoError(t, s.Init(nil))

	out, err := s.Execute(context.Background(), testEvent(), tctx())
	require.NoError(t, err)
	assert.Nil(t, out, "exit 78 means drop")
}

func TestScript_NonzeroExitIsError(t *testing.T) {
	s := NewScript(writeScript(t, `echo "bad input" >&2; exit 1`))
	require.NoError(t, s.Init(nil))

	out, err := s.Execute(context.Background(), testEvent(), tctx())
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Contains(t, err.Error(), "exited 1")
	assert.Contains(t, err.Error(), "bad input")
}

func TestScript_InvalidOutputJSON(t *testing.T) {
	s := NewScript(writeScript(t, `echo "not json"`))
	require.NoError(t, s.Init(nil))

	_, err := s.Execute(context.Background(), testEvent(), tctx())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid event JSON")
}

func TestScript_DeadlineKillsProcess(t *testing.T) {
	s := NewScript(writeScript(t, "sleep 10"))
	require.NoError(t, s.Init(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Execute(ctx, testEvent(), tctx())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestScript_EnvSanitized(t *testing.T) {
	t.Setenv("ORGLOOP_SECRET_TOKEN", "hunter2")
	t.Setenv("ORGLOOP_ALLOWED", "ok")

	// The script drops the event when the secret leaked through, and
	// errors when the passthrough variable is missing.
	body := `
read -r _ignored
[ -n "$ORGLOOP_SECRET_TOKEN" ] && exit 78
[ "$ORGLOOP_ALLOWED" = "ok" ] || exit 1
echo '{"id":"evt_0","timestamp":"2026-01-01T00:00:00Z","source_id":"s1","type":"resource.changed"}'`
	s := NewScript(writeScript(t, body))
	require.NoError(t, s.Init(map[string]any{
		"env_passthrough": []any{"ORGLOOP_ALLOWED"},
	}))

	out, err := s.Execute(context.Background(), testEvent(), tctx())
	require.NoError(t, err)
	require.NotNil(t, out, "secret must not be visible to the script")
	assert.Equal(t, "evt_0", out.ID)
}

func TestScript_Args(t *testing.T) {
	// Echoes its first argument as the whole event payload marker.
	body := `
read -r _ignored
echo "{\"id\":\"evt_0\",\"timestamp\":\"2026-01-01T00:00:00Z\",\"source_id\":\"s1\",\"type\":\"resource.changed\",\"payload\":{\"tag\":\"$1\"}}"`
	s := NewScript(writeScript(t, body))
	require.NoError(t, s.Init(map[string]any{"args": []any{"labelled"}}))

	out, err := s.Execute(context.Background(), testEvent(), tctx())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "labelled", out.Payload["tag"])
}

func TestScript_FreshWorkDir(t *testing.T) {
	// Writes a file, then checks it is absent on the next run.
	body := `
read -r _ignored
if [ -e leftover ]; then exit 1; fi
touch leftover
echo '{"id":"evt_0","timestamp":"2026-01-01T00:00:00Z","source_id":"s1","type":"resource.changed"}'`
	s := NewScript(writeScript(t, body))
	require.NoError(t, s.Init(nil))

	for i := 0; i < 2; i++ {
		out, err := s.Execute(context.Background(), testEvent(), tctx())
		require.NoError(t, err, "run %d", i)
		require.NotNil(t, out, "run %d", i)
	}
}

func TestScript_InitRejectsBadConfig(t *testing.T) {
	s := NewScript("/bin/true")
	assert.Error(t, s.Init(map[string]any{"args": []any{42}}))
	assert.Error(t, s.Init(map[string]any{"env_passthrough": []any{42}}))
}

func TestScript_CannotRewriteIdentityFields(t *testing.T) {
	s := NewScript(writeScript(t,
		`echo '{"id":"forged","trace_id":"forged","source_id":"forged","type":"message.received","payload":{"rewritten":true}}'`))
	require.NoError(t, s.Init(nil))

	ev := testEvent()
	out, err := s.Execute(context.Background(), ev, tctx())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, ev.ID, out.ID)
	assert.Equal(t, ev.TraceID, out.TraceID)
	assert.Equal(t, ev.SourceID, out.SourceID)
	assert.Equal(t, ev.Type, out.Type)
	assert.Equal(t, true, out.Payload["rewritten"])
}
