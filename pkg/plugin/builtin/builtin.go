// Package builtin ships the plugin set the runtime registers out of
// the box: a webhook push source, a tick pull source, exec and
// webhook-post actors, set-field and dedup transforms, and stdout and
// file loggers.
package builtin

import (
	"github.com/c-h-/orgloop-sub002/pkg/logging"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
)

// Register installs the builtin plugins into r. Called once at
// startup; a collision with an already-registered id is a programming
// error.
func Register(r *plugin.Registry) {
	r.MustRegister(plugin.Registration{
		ID:        "webhook",
		Kind:      plugin.RegSource,
		NewSource: func() plugin.Source { return &WebhookSource{} },
		Setup: &plugin.SetupMetadata{
			EnvVars: []string{"ORGLOOP_WEBHOOK_SECRET"},
		},
	})
	r.MustRegister(plugin.Registration{
		ID:        "tick",
		Kind:      plugin.RegSource,
		NewSource: func() plugin.Source { return &TickSource{} },
	})
	r.MustRegister(plugin.Registration{
		ID:       "exec",
		Kind:     plugin.RegActor,
		NewActor: func() plugin.Actor { return &ExecActor{} },
	})
	r.MustRegister(plugin.Registration{
		ID:       "webhook_post",
		Kind:     plugin.RegActor,
		NewActor: func() plugin.Actor { return &WebhookPostActor{} },
	})
	r.MustRegister(plugin.Registration{
		ID:           "set_field",
		Kind:         plugin.RegTransform,
		NewTransform: func() plugin.Transform { return &SetFieldTransform{} },
	})
	r.MustRegister(plugin.Registration{
		ID:           "dedup",
		Kind:         plugin.RegTransform,
		NewTransform: func() plugin.Transform { return &DedupTransform{} },
	})
	r.MustRegister(plugin.Registration{
		ID:        "stdout",
		Kind:      plugin.RegLogger,
		NewLogger: func() logging.Sink { return &StdoutLogger{} },
	})
	r.MustRegister(plugin.Registration{
		ID:        "file",
		Kind:      plugin.RegLogger,
		NewLogger: func() logging.Sink { return &FileLogger{} },
	})
}

// configString reads an optional string key from plugin config.
func configString(config map[string]any, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
