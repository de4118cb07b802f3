package builtin

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/c-h-/orgloop-sub002/pkg/event"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
)

// defaultSignatureHeader matches the GitHub webhook convention.
const defaultSignatureHeader = "X-Hub-Signature-256"

// WebhookSource is a push-only source: each accepted request becomes
// one message.received event whose payload is the request's JSON body.
// With a secret configured, requests must carry a valid HMAC-SHA256
// signature (hex, optionally "sha256="-prefixed) over the raw body.
type WebhookSource struct {
	secret    []byte
	sigHeader string
	bufferDir string
}

// Init implements plugin.Source. Config keys: "secret" (optional),
// "signature_header" (default X-Hub-Signature-256), "buffer_dir"
// (optional, journals accepted request bodies as JSONL).
func (s *WebhookSource) Init(config map[string]any) error {
	if v := configString(config, "secret", ""); v != "" {
		s.secret = []byte(v)
	}
	s.sigHeader = configString(config, "signature_header", defaultSignatureHeader)
	if dir := configString(config, "buffer_dir", ""); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating buffer dir: %w", err)
		}
		s.bufferDir = dir
	}
	return nil
}

// Handle implements plugin.PushSource.
func (s *WebhookSource) Handle(_ context.Context, req plugin.PushRequest, _ http.ResponseWriter) ([]*event.Event, error) {
	if len(s.secret) > 0 {
		if err := s.verify(req); err != nil {
			return nil, plugin.Validation(err)
		}
	}

	var payload map[string]any
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &payload); err != nil {
			return nil, plugin.Validation(errors.New("request body is not a JSON object"))
		}
	}

	s.journal(req.Body)

	ev := event.New("", event.TypeMessageReceived,
		map[string]any{"platform": "webhook"}, payload)
	return []*event.Event{ev}, nil
}

// journal appends an accepted request body, compacted to one line, to
// <buffer_dir>/received.jsonl. Best effort: a failed write never
// rejects the request.
func (s *WebhookSource) journal(body []byte) {
	if s.bufferDir == "" || len(body) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return
	}
	buf.WriteByte('\n')

	f, err := os.OpenFile(filepath.Join(s.bufferDir, "received.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(buf.Bytes())
}

// Methods implements plugin.PushSource: POST only.
func (s *WebhookSource) Methods() []string { return nil }

// Shutdown implements plugin.Source.
func (s *WebhookSource) Shutdown(context.Context) error { return nil }

func (s *WebhookSource) verify(req plugin.PushRequest) error {
	got := req.Headers.Get(s.sigHeader)
	if got == "" {
		return errors.New("missing signature header")
	}
	got = strings.TrimPrefix(got, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(req.Body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(got), []byte(want)) {
		return errors.New("signature mismatch")
	}
	return nil
}
