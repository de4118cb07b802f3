package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
state_dir: ./state
bus:
  kind: memory
  capacity: 64
modules:
  - name: ops
    sources:
      - id: gh
        plugin: webhook
        poll_interval: 30s
    actors:
      - id: notify
        plugin: webhook_post
        config:
          url: ${ORGLOOP_TEST_URL}
    transforms:
      - name: tag
        kind: package
        plugin: set_field
        config:
          path: provenance.tagged
          value: true
    routes:
      - name: gh-to-notify
        when:
          source: gh
          events: [message.received]
          filter:
            provenance.platform: github
        transforms: [tag]
        then:
          actor: notify
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orgloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestInitialize(t *testing.T) {
	t.Setenv("ORGLOOP_TEST_URL", "https://hooks.example.com/x")

	cfg, err := Initialize(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, BusKindMemory, cfg.Bus.Kind)
	assert.Equal(t, 64, cfg.Bus.Capacity)
	assert.Equal(t, OnFullBlock, cfg.Bus.OnFull, "default backpressure policy applied")
	assert.Equal(t, DefaultBusWorkers, cfg.Bus.Workers)

	require.Len(t, cfg.Modules, 1)
	mod := cfg.Modules[0]
	assert.Equal(t, "ops", mod.Name)

	require.Len(t, mod.Sources, 1)
	assert.Equal(t, 30*time.Second, mod.Sources[0].PollInterval)
	assert.Equal(t, DefaultPollTimeout, mod.Sources[0].PollTimeout)

	require.Len(t, mod.Actors, 1)
	assert.Equal(t, "https://hooks.example.com/x", mod.Actors[0].Config["url"],
		"env reference resolved at load")
	assert.Equal(t, DefaultDeliverTimeout, mod.Actors[0].DeliverTimeout)
	assert.Equal(t, DefaultRetryMaxAttempts, mod.Actors[0].RetryMaxAttempts)

	require.Len(t, mod.Transforms, 1)
	assert.Equal(t, DefaultPackageTimeout, mod.Transforms[0].Timeout)

	require.Len(t, mod.Routes, 1)
	assert.Equal(t, "github", mod.Routes[0].When.Filter["provenance.platform"])
}

func TestInitialize_MissingFile(t *testing.T) {
	_, err := Initialize(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitialize_UnresolvedEnv(t *testing.T) {
	_, err := Initialize(writeConfig(t, sampleConfig))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnresolvedEnvVar)
}

func TestInitialize_BadYAML(t *testing.T) {
	_, err := Initialize(writeConfig(t, "modules:\n  - name: [broken"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestParseModule(t *testing.T) {
	mod, err := ParseModule([]byte(`
name: solo
sources:
  - id: s1
    plugin: tick
actors:
  - id: a1
    plugin: exec
routes:
  - name: r1
    when:
      source: s1
      events: [resource.changed]
    then:
      actor: a1
`))
	require.NoError(t, err)
	assert.Equal(t, "solo", mod.Name)
	require.Len(t, mod.Routes, 1)
	assert.Equal(t, "a1", mod.Routes[0].Then.Actor)
}
