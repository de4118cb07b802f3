package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Initialize loads, expands, defaults, and validates the configuration
// file at path. This is the primary entry point for configuration
// loading.
//
// Steps performed:
//  1. Read the YAML file
//  2. Expand ${VAR} environment references (unresolved → error)
//  3. Parse YAML into structs
//  4. Apply built-in defaults (global and per-component)
//  5. Validate everything, fail-fast
func Initialize(path string) (*Config, error) {
	log := slog.With("config", path)
	log.Info("initializing configuration")

	cfg, err := load(path)
	if err != nil {
		return nil, err
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("applying defaults: %w", err))
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	sources, actors, routes := 0, 0, 0
	for _, m := range cfg.Modules {
		sources += len(m.Sources)
		actors += len(m.Actors)
		routes += len(m.Routes)
	}
	log.Info("configuration initialized",
		"modules", len(cfg.Modules),
		"sources", sources,
		"actors", actors,
		"routes", routes)

	return cfg, nil
}

// Parse expands and parses raw YAML config bytes without touching the
// filesystem. Used by the control API's module-load endpoint and by
// tests.
func Parse(data []byte) (*Config, error) {
	expanded, err := ExpandEnv(data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

// ParseModule expands and parses a single module config document, as
// accepted by the control API's load endpoint.
func ParseModule(data []byte) (*ModuleConfig, error) {
	expanded, err := ExpandEnv(data)
	if err != nil {
		return nil, err
	}

	var mod ModuleConfig
	if err := yaml.Unmarshal(expanded, &mod); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}
	return &mod, nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, ErrConfigNotFound)
		}
		return nil, NewLoadError(path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, NewLoadError(path, err)
	}
	return cfg, nil
}
