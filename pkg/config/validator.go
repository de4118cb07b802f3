package config

import (
	"fmt"

	"github.com/c-h-/orgloop-sub002/pkg/event"
)

// Validate performs comprehensive validation of a loaded configuration
// (fail-fast, stops at the first error).
//
// Order: global settings → per-module names → sources → actors →
// transforms → routes. Routes are validated last so every reference
// they carry has already been checked for well-formedness.
func Validate(cfg *Config) error {
	if err := validateGlobal(cfg); err != nil {
		return err
	}

	seenModules := make(map[string]bool)
	for i := range cfg.Modules {
		mod := &cfg.Modules[i]
		if mod.Name == "" {
			return NewValidationError("module", fmt.Sprintf("#%d", i), "name", ErrMissingRequiredField)
		}
		if seenModules[mod.Name] {
			return NewValidationError("module", mod.Name, "name", ErrDuplicateName)
		}
		seenModules[mod.Name] = true

		if err := ValidateModule(mod); err != nil {
			return fmt.Errorf("module '%s': %w", mod.Name, err)
		}
	}
	return nil
}

// ValidateModule validates a single module config: required fields,
// unique names, and route references that resolve within the module.
func ValidateModule(mod *ModuleConfig) error {
	sources := make(map[string]bool)
	for i, src := range mod.Sources {
		if src.ID == "" {
			return NewValidationError("source", fmt.Sprintf("#%d", i), "id", ErrMissingRequiredField)
		}
		if sources[src.ID] {
			return NewValidationError("source", src.ID, "id", ErrDuplicateName)
		}
		sources[src.ID] = true
		if src.Plugin == "" {
			return NewValidationError("source", src.ID, "plugin", ErrMissingRequiredField)
		}
		if src.PollInterval < 0 {
			return NewValidationError("source", src.ID, "poll_interval", ErrInvalidValue)
		}
		if src.Jitter < 0 || src.Jitter > 1 {
			return NewValidationError("source", src.ID, "jitter",
				fmt.Errorf("%w: must be in [0, 1]", ErrInvalidValue))
		}
	}

	actors := make(map[string]bool)
	for i, act := range mod.Actors {
		if act.ID == "" {
			return NewValidationError("actor", fmt.Sprintf("#%d", i), "id", ErrMissingRequiredField)
		}
		if actors[act.ID] {
			return NewValidationError("actor", act.ID, "id", ErrDuplicateName)
		}
		actors[act.ID] = true
		if act.Plugin == "" {
			return NewValidationError("actor", act.ID, "plugin", ErrMissingRequiredField)
		}
		if act.RetryMaxAttempts < 0 {
			return NewValidationError("actor", act.ID, "retry_max_attempts", ErrInvalidValue)
		}
	}

	transforms := make(map[string]bool)
	for i, tr := range mod.Transforms {
		if tr.Name == "" {
			return NewValidationError("transform", fmt.Sprintf("#%d", i), "name", ErrMissingRequiredField)
		}
		if transforms[tr.Name] {
			return NewValidationError("transform", tr.Name, "name", ErrDuplicateName)
		}
		transforms[tr.Name] = true

		switch tr.Kind {
		case TransformKindPackage:
			if tr.Plugin == "" {
				return NewValidationError("transform", tr.Name, "plugin", ErrMissingRequiredField)
			}
		case TransformKindScript:
			if tr.ScriptPath == "" {
				return NewValidationError("transform", tr.Name, "script_path", ErrMissingRequiredField)
			}
		default:
			return NewValidationError("transform", tr.Name, "kind",
				fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidValue, tr.Kind, TransformKindPackage, TransformKindScript))
		}
	}

	routes := make(map[string]bool)
	for i, rt := range mod.Routes {
		if rt.Name == "" {
			return NewValidationError("route", fmt.Sprintf("#%d", i), "name", ErrMissingRequiredField)
		}
		if routes[rt.Name] {
			return NewValidationError("route", rt.Name, "name", ErrDuplicateName)
		}
		routes[rt.Name] = true

		if rt.When.Source == "" {
			return NewValidationError("route", rt.Name, "when.source", ErrMissingRequiredField)
		}
		if !sources[rt.When.Source] {
			return NewValidationError("route", rt.Name, "when.source",
				fmt.Errorf("%w: source '%s' not defined in module", ErrInvalidReference, rt.When.Source))
		}
		if len(rt.When.Events) == 0 {
			return NewValidationError("route", rt.Name, "when.events", ErrMissingRequiredField)
		}
		for _, ev := range rt.When.Events {
			if !event.Type(ev).IsValid() {
				return NewValidationError("route", rt.Name, "when.events",
					fmt.Errorf("%w: unknown event type %q", ErrInvalidValue, ev))
			}
		}
		for _, tn := range rt.Transforms {
			if !transforms[tn] {
				return NewValidationError("route", rt.Name, "transforms",
					fmt.Errorf("%w: transform '%s' not defined in module", ErrInvalidReference, tn))
			}
		}
		if rt.Then.Actor == "" {
			return NewValidationError("route", rt.Name, "then.actor", ErrMissingRequiredField)
		}
		if !actors[rt.Then.Actor] {
			return NewValidationError("route", rt.Name, "then.actor",
				fmt.Errorf("%w: actor '%s' not defined in module", ErrInvalidReference, rt.Then.Actor))
		}
	}

	loggers := make(map[string]bool)
	for i, lg := range mod.Loggers {
		if lg.Name == "" {
			return NewValidationError("logger", fmt.Sprintf("#%d", i), "name", ErrMissingRequiredField)
		}
		if loggers[lg.Name] {
			return NewValidationError("logger", lg.Name, "name", ErrDuplicateName)
		}
		loggers[lg.Name] = true
		if lg.Plugin == "" {
			return NewValidationError("logger", lg.Name, "plugin", ErrMissingRequiredField)
		}
	}

	return nil
}

func validateGlobal(cfg *Config) error {
	switch cfg.Bus.Kind {
	case BusKindMemory, BusKindWAL:
	default:
		return NewValidationError("bus", cfg.Bus.Kind, "kind",
			fmt.Errorf("%w: want %q or %q", ErrInvalidValue, BusKindMemory, BusKindWAL))
	}

	switch cfg.Bus.OnFull {
	case OnFullBlock, OnFullDrop:
	default:
		return NewValidationError("bus", cfg.Bus.Kind, "on_full",
			fmt.Errorf("%w: want %q or %q", ErrInvalidValue, OnFullBlock, OnFullDrop))
	}

	if cfg.Bus.Capacity < 1 {
		return NewValidationError("bus", cfg.Bus.Kind, "capacity", ErrInvalidValue)
	}
	if cfg.Bus.Workers < 1 {
		return NewValidationError("bus", cfg.Bus.Kind, "workers", ErrInvalidValue)
	}

	switch cfg.Checkpoints.Backend {
	case CheckpointBackendFile, CheckpointBackendMemory, CheckpointBackendPostgres:
	default:
		return NewValidationError("checkpoints", cfg.Checkpoints.Backend, "backend", ErrInvalidValue)
	}

	if cfg.StateDir == "" {
		return NewValidationError("global", "state_dir", "", ErrMissingRequiredField)
	}
	return nil
}
