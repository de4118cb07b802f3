package builtin

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c-h-/orgloop-sub002/pkg/event"
	"github.com/c-h-/orgloop-sub002/pkg/logging"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
)

func TestRegister_InstallsAllBuiltins(t *testing.T) {
	r := plugin.NewRegistry()
	Register(r)
	assert.Equal(t, []string{
		"dedup", "exec", "file", "set_field", "stdout", "tick", "webhook", "webhook_post",
	}, r.IDs())
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookSource_AcceptsSignedRequest(t *testing.T) {
	s := &WebhookSource{}
	require.NoError(t, s.Init(map[string]any{"secret": "s3cret"}))

	body := []byte(`{"action":"opened"}`)
	headers := http.Header{}
	headers.Set("X-Hub-Signature-256", sign([]byte("s3cret"), body))

	events, err := s.Handle(context.Background(),
		plugin.PushRequest{Method: "POST", Headers: headers, Body: body},
		httptest.NewRecorder())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeMessageReceived, events[0].Type)
	assert.Equal(t, "opened", events[0].Payload["action"])
	assert.Equal(t, "webhook", events[0].Provenance["platform"])
}

func TestWebhookSource_RejectsBadSignature(t *testing.T) {
	s := &WebhookSource{}
	require.NoError(t, s.Init(map[string]any{"secret": "s3cret"}))

	headers := http.Header{}
	headers.Set("X-Hub-Signature-256", "sha256=deadbeef")
	_, err := s.Handle(context.Background(),
		plugin.PushRequest{Headers: headers, Body: []byte("{}")},
		httptest.NewRecorder())
	require.Error(t, err)
	assert.Equal(t, plugin.KindValidation, plugin.Classify(err))

	// Missing header entirely.
	_, err = s.Handle(context.Background(),
		plugin.PushRequest{Headers: http.Header{}, Body: []byte("{}")},
		httptest.NewRecorder())
	require.Error(t, err)
	assert.Equal(t, plugin.KindValidation, plugin.Classify(err))
}

func TestWebhookSource_NoSecretSkipsVerification(t *testing.T) {
	s := &WebhookSource{}
	require.NoError(t, s.Init(nil))

	events, err := s.Handle(context.Background(),
		plugin.PushRequest{Headers: http.Header{}, Body: []byte(`{"n":1}`)},
		httptest.NewRecorder())
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestWebhookSource_RejectsNonJSONBody(t *testing.T) {
	s := &WebhookSource{}
	require.NoError(t, s.Init(nil))

	_, err := s.Handle(context.Background(),
		plugin.PushRequest{Headers: http.Header{}, Body: []byte("not json")},
		httptest.NewRecorder())
	require.Error(t, err)
	assert.Equal(t, plugin.KindValidation, plugin.Classify(err))
}

func TestWebhookSource_BufferDirJournalsAcceptedBodies(t *testing.T) {
	dir := t.TempDir()
	s := &WebhookSource{}
	require.NoError(t, s.Init(map[string]any{"buffer_dir": dir}))

	for _, body := range []string{`{"n": 1}`, `{"n": 2}`} {
		_, err := s.Handle(context.Background(),
			plugin.PushRequest{Headers: http.Header{}, Body: []byte(body)},
			httptest.NewRecorder())
		require.NoError(t, err)
	}

	// Rejected bodies are not journaled.
	_, err := s.Handle(context.Background(),
		plugin.PushRequest{Headers: http.Header{}, Body: []byte("not json")},
		httptest.NewRecorder())
	require.Error(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "received.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "{\"n\":1}\n{\"n\":2}\n", string(data))
}

func TestTickSource_CountsThroughCheckpoint(t *testing.T) {
	s := &TickSource{}
	require.NoError(t, s.Init(nil))

	res, err := s.Poll(context.Background(), plugin.PollRequest{})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, 0, res.Events[0].Payload["tick"])
	assert.Equal(t, "1", res.Checkpoint)

	res, err = s.Poll(context.Background(), plugin.PollRequest{Checkpoint: "7", HasCheckpoint: true})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Events[0].Payload["tick"])
	assert.Equal(t, "8", res.Checkpoint)
}

func TestTickSource_CorruptCheckpointIsFatal(t *testing.T) {
	s := &TickSource{}
	_, err := s.Poll(context.Background(), plugin.PollRequest{Checkpoint: "xyz", HasCheckpoint: true})
	require.Error(t, err)
	assert.Equal(t, plugin.KindFatal, plugin.Classify(err))
}

func execScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "actor.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testEvent() *event.Event {
	return event.New("s1", event.TypeResourceChanged, nil, map[string]any{"n": 1})
}

func TestExecActor_Delivered(t *testing.T) {
	a := &ExecActor{}
	require.NoError(t, a.Init(map[string]any{"command": execScript(t, "cat >/dev/null")}))
	assert.NoError(t, a.Deliver(context.Background(), testEvent(), plugin.Delivery{}))
}

func TestExecActor_Exit64IsRejected(t *testing.T) {
	a := &ExecActor{}
	require.NoError(t, a.Init(map[string]any{"command": execScript(t, `echo "unsupported" >&2; exit 64`)}))

	err := a.Deliver(context.Background(), testEvent(), plugin.Delivery{})
	require.Error(t, err)
	assert.Equal(t, plugin.KindRejected, plugin.Classify(err))
	assert.Contains(t, err.Error(), "unsupported")
}

func TestExecActor_OtherExitIsTransient(t *testing.T) {
	a := &ExecActor{}
	require.NoError(t, a.Init(map[string]any{"command": execScript(t, "exit 3")}))

	err := a.Deliver(context.Background(), testEvent(), plugin.Delivery{})
	require.Error(t, err)
	assert.Equal(t, plugin.KindTransient, plugin.Classify(err))
}

func TestExecActor_StdinCarriesPromptAndEvent(t *testing.T) {
	out := filepath.Join(t.TempDir(), "in.json")
	a := &ExecActor{}
	require.NoError(t, a.Init(map[string]any{"command": execScript(t, "cat > "+out)}))

	ev := testEvent()
	require.NoError(t, a.Deliver(context.Background(), ev, plugin.Delivery{
		Prompt: "do the thing",
		Config: map[string]any{"channel": "dev"},
	}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var got struct {
		Event  *event.Event   `json:"event"`
		Prompt string         `json:"prompt"`
		Config map[string]any `json:"config"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, ev.ID, got.Event.ID)
	assert.Equal(t, "do the thing", got.Prompt)
	assert.Equal(t, "dev", got.Config["channel"])
}

func TestExecActor_RequiresCommand(t *testing.T) {
	assert.Error(t, (&ExecActor{}).Init(nil))
}

func TestWebhookPostActor_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   plugin.Kind
		ok     bool
	}{
		{"200 delivered", http.StatusOK, "", true},
		{"202 delivered", http.StatusAccepted, "", true},
		{"404 rejected", http.StatusNotFound, plugin.KindRejected, false},
		{"422 rejected", http.StatusUnprocessableEntity, plugin.KindRejected, false},
		{"500 transient", http.StatusInternalServerError, plugin.KindTransient, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			a := &WebhookPostActor{}
			require.NoError(t, a.Init(map[string]any{"url": srv.URL}))

			err := a.Deliver(context.Background(), testEvent(), plugin.Delivery{})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.kind, plugin.Classify(err))
			}
		})
	}
}

func TestWebhookPostActor_NetworkErrorIsTransient(t *testing.T) {
	a := &WebhookPostActor{}
	require.NoError(t, a.Init(map[string]any{"url": "http://127.0.0.1:1/unreachable"}))

	err := a.Deliver(context.Background(), testEvent(), plugin.Delivery{})
	require.Error(t, err)
	assert.Equal(t, plugin.KindTransient, plugin.Classify(err))
}

func TestSetField_SetsNestedPaths(t *testing.T) {
	tr := &SetFieldTransform{}
	require.NoError(t, tr.Init(map[string]any{"fields": map[string]any{
		"payload.priority":    "high",
		"provenance.reviewed": true,
	}}))

	ev := event.New("s1", event.TypeResourceChanged,
		map[string]any{"platform": "github"}, map[string]any{"n": 1})
	out, err := tr.Execute(context.Background(), ev, plugin.TransformContext{})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "high", out.Payload["priority"])
	assert.Equal(t, true, out.Provenance["reviewed"])
	assert.Equal(t, float64(1), out.Payload["n"], "existing fields survive the JSON round trip")

	// The input event is untouched.
	assert.NotContains(t, ev.Payload, "priority")
}

func TestSetField_RejectsUnrootedPath(t *testing.T) {
	tr := &SetFieldTransform{}
	assert.Error(t, tr.Init(map[string]any{"fields": map[string]any{"id": "x"}}))
	assert.Error(t, tr.Init(nil))
}

func TestDedup_DropsWithinTTL(t *testing.T) {
	tr := &DedupTransform{}
	require.NoError(t, tr.Init(map[string]any{"key": "payload.pr", "ttl": "1h"}))

	ev := func(pr int) *event.Event {
		return event.New("s1", event.TypeResourceChanged, nil, map[string]any{"pr": pr})
	}

	out, err := tr.Execute(context.Background(), ev(42), plugin.TransformContext{})
	require.NoError(t, err)
	assert.NotNil(t, out, "first sighting passes")

	out, err = tr.Execute(context.Background(), ev(42), plugin.TransformContext{})
	require.NoError(t, err)
	assert.Nil(t, out, "duplicate within ttl drops")

	out, err = tr.Execute(context.Background(), ev(43), plugin.TransformContext{})
	require.NoError(t, err)
	assert.NotNil(t, out, "different key passes")
}

func TestDedup_ExpiryReadmits(t *testing.T) {
	tr := &DedupTransform{}
	require.NoError(t, tr.Init(map[string]any{"key": "payload.pr", "ttl": "1m"}))

	now := time.Now()
	tr.now = func() time.Time { return now }

	ev := event.New("s1", event.TypeResourceChanged, nil, map[string]any{"pr": 1})
	out, err := tr.Execute(context.Background(), ev, plugin.TransformContext{})
	require.NoError(t, err)
	require.NotNil(t, out)

	now = now.Add(2 * time.Minute)
	out, err = tr.Execute(context.Background(), ev, plugin.TransformContext{})
	require.NoError(t, err)
	assert.NotNil(t, out, "expired key is admitted again")
}

func TestDedup_MissingKeyPassesThrough(t *testing.T) {
	tr := &DedupTransform{}
	require.NoError(t, tr.Init(map[string]any{"key": "payload.absent"}))

	ev := event.New("s1", event.TypeResourceChanged, nil, map[string]any{"n": 1})
	for i := 0; i < 3; i++ {
		out, err := tr.Execute(context.Background(), ev, plugin.TransformContext{})
		require.NoError(t, err)
		assert.NotNil(t, out)
	}
}

func TestFileLogger_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	l := &FileLogger{}
	require.NoError(t, l.Init(map[string]any{"path": path}))

	rec := logging.Record{
		Timestamp: time.Now().UTC(),
		Level:     logging.LevelInfo,
		Phase:     logging.PhaseDeliver,
		Module:    "m1",
		EventID:   "evt_1",
		Result:    logging.ResultDelivered,
	}
	require.NoError(t, l.Log(context.Background(), rec))
	require.NoError(t, l.Log(context.Background(), rec))
	require.NoError(t, l.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 2, lines)

	var got logging.Record
	require.NoError(t, json.Unmarshal(data[:len(data)/2], &got))
	assert.Equal(t, logging.PhaseDeliver, got.Phase)
	assert.Equal(t, "evt_1", got.EventID)
}

func TestFileLogger_RequiresPath(t *testing.T) {
	assert.Error(t, (&FileLogger{}).Init(nil))
}

func TestStdoutLogger_DoesNotError(t *testing.T) {
	l := &StdoutLogger{}
	require.NoError(t, l.Init(nil))
	assert.NoError(t, l.Log(context.Background(), logging.Record{
		Level: logging.LevelInfo, Phase: logging.PhaseSource, Result: logging.ResultEmitted,
	}))
	assert.NoError(t, l.Shutdown(context.Background()))
}
