package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/c-h-/orgloop-sub002/pkg/event"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
)

// WebhookPostActor delivers events by POSTing them as JSON to a
// configured URL. 2xx is delivered, 4xx is rejected, 5xx and transport
// failures are retriable.
type WebhookPostActor struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// Init implements plugin.Actor. Config keys: "url" (required),
// "headers" (map of string to string).
func (a *WebhookPostActor) Init(config map[string]any) error {
	a.url = configString(config, "url", "")
	if a.url == "" {
		return errors.New("webhook_post actor requires a url")
	}
	if raw, ok := config["headers"].(map[string]any); ok {
		a.headers = make(map[string]string, len(raw))
		for k, v := range raw {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("header %s must be a string, got %T", k, v)
			}
			a.headers[k] = s
		}
	}
	a.client = &http.Client{Timeout: 30 * time.Second}
	return nil
}

// Deliver implements plugin.Actor.
func (a *WebhookPostActor) Deliver(ctx context.Context, ev *event.Event, _ plugin.Delivery) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return plugin.Fatal(fmt.Errorf("encoding event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return plugin.Fatal(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return plugin.Transient(fmt.Errorf("posting to %s: %w", a.url, err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return plugin.Rejectedf("%s answered %d", a.url, resp.StatusCode)
	default:
		return plugin.Transientf("%s answered %d", a.url, resp.StatusCode)
	}
}

// Shutdown implements plugin.Actor.
func (a *WebhookPostActor) Shutdown(context.Context) error {
	if a.client != nil {
		a.client.CloseIdleConnections()
	}
	return nil
}
