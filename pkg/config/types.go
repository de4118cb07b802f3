// Package config loads, expands, validates, and defaults the project
// configuration: one file designating modules, each module listing its
// sources, actors, transforms, routes, and loggers.
package config

import (
	"time"
)

// Config is the fully loaded and validated project configuration.
type Config struct {
	Bus          BusConfig        `yaml:"bus"`
	ControlAPI   ControlAPIConfig `yaml:"control_api"`
	StateDir     string           `yaml:"state_dir"`
	Checkpoints  CheckpointConfig `yaml:"checkpoints"`
	Ingress      IngressConfig    `yaml:"ingress"`
	GracefulStop time.Duration    `yaml:"graceful_stop"`
	Modules      []ModuleConfig   `yaml:"modules"`
}

// BusConfig selects and sizes the event bus.
type BusConfig struct {
	Kind           string        `yaml:"kind"` // "memory" or "wal"
	Capacity       int           `yaml:"capacity"`
	OnFull         string        `yaml:"on_full"` // "block" or "drop"
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	Workers        int           `yaml:"workers"`
}

// Bus kinds.
const (
	BusKindMemory = "memory"
	BusKindWAL    = "wal"
)

// Backpressure policies for the memory bus.
const (
	OnFullBlock = "block"
	OnFullDrop  = "drop"
)

// ControlAPIConfig configures the loopback control server.
type ControlAPIConfig struct {
	// Bind is the listen address. Port 0 picks a free port; the chosen
	// port is written to <state_dir>/runtime.port.
	Bind string `yaml:"bind"`
}

// CheckpointConfig selects the checkpoint store backend.
type CheckpointConfig struct {
	Backend  string         `yaml:"backend"` // "file" (default), "memory", or "postgres"
	Postgres PostgresConfig `yaml:"postgres"`
}

// Checkpoint backends.
const (
	CheckpointBackendFile     = "file"
	CheckpointBackendMemory   = "memory"
	CheckpointBackendPostgres = "postgres"
)

// PostgresConfig holds connection settings for the Postgres checkpoint
// backend.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// IngressConfig configures the shared webhook HTTP server.
type IngressConfig struct {
	Bind         string `yaml:"bind"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// ModuleConfig groups sources, actors, transforms, routes, and loggers
// under a process-unique name with a single lifecycle.
type ModuleConfig struct {
	Name       string            `yaml:"name"`
	Sources    []SourceConfig    `yaml:"sources"`
	Actors     []ActorConfig     `yaml:"actors"`
	Transforms []TransformConfig `yaml:"transforms"`
	Routes     []Route           `yaml:"routes"`
	Loggers    []LoggerConfig    `yaml:"loggers"`
}

// SourceConfig declares one event source backed by a plugin.
type SourceConfig struct {
	ID              string         `yaml:"id"`
	Plugin          string         `yaml:"plugin"`
	Config          map[string]any `yaml:"config"`
	PollInterval    time.Duration  `yaml:"poll_interval"`
	InitialLookback time.Duration  `yaml:"initial_lookback"`
	Jitter          float64        `yaml:"jitter"` // additive fraction of the interval
	PollTimeout     time.Duration  `yaml:"poll_timeout"`
	BufferDir       string         `yaml:"buffer_dir"`
}

// ActorConfig declares one delivery target backed by a plugin.
type ActorConfig struct {
	ID               string         `yaml:"id"`
	Plugin           string         `yaml:"plugin"`
	Config           map[string]any `yaml:"config"`
	DeliverTimeout   time.Duration  `yaml:"deliver_timeout"`
	RetryMaxAttempts int            `yaml:"retry_max_attempts"`
}

// TransformConfig declares one pipeline stage.
type TransformConfig struct {
	Name       string         `yaml:"name"`
	Kind       string         `yaml:"kind"` // "package" or "script"
	Plugin     string         `yaml:"plugin"`
	ScriptPath string         `yaml:"script_path"`
	Config     map[string]any `yaml:"config"`
	Timeout    time.Duration  `yaml:"timeout"`
	FailClosed bool           `yaml:"fail_closed"`
}

// Transform kinds.
const (
	TransformKindPackage = "package"
	TransformKindScript  = "script"
)

// LoggerConfig declares one logger plugin.
type LoggerConfig struct {
	Name   string         `yaml:"name"`
	Plugin string         `yaml:"plugin"`
	Config map[string]any `yaml:"config"`
}

// Route wires a source (plus filter) through transforms to an actor.
type Route struct {
	Name       string         `yaml:"name"`
	When       RouteWhen      `yaml:"when"`
	Transforms []string       `yaml:"transforms"`
	Then       RouteThen      `yaml:"then"`
	With       map[string]any `yaml:"with"`
}

// RouteWhen is the match side of a route.
type RouteWhen struct {
	Source string   `yaml:"source"`
	Events []string `yaml:"events"`
	// Filter maps dot-paths (resolved against {provenance, payload})
	// to an expected scalar or list of scalars. All entries must match.
	Filter map[string]any `yaml:"filter"`
}

// RouteThen is the delivery side of a route.
type RouteThen struct {
	Actor string `yaml:"actor"`
}
