package config

import (
	"time"

	"dario.cat/mergo"
)

// Default tunables. Individual sources, actors, and transforms may
// override their own timeouts in config.
const (
	DefaultPollTimeout      = 30 * time.Second
	DefaultDeliverTimeout   = 30 * time.Second
	DefaultScriptTimeout    = 5 * time.Second
	DefaultPackageTimeout   = 30 * time.Second
	DefaultGracefulStop     = 10 * time.Second
	DefaultRetryMaxAttempts = 3
	DefaultPollInterval     = time.Minute

	DefaultBusCapacity     = 1024
	DefaultBusWorkers      = 4
	DefaultPublishTimeout  = 5 * time.Second
	DefaultMaxBodyBytes    = 1 << 20 // 1 MiB
	DefaultIngressBind     = ":8090"
	DefaultControlAPIBind  = "127.0.0.1:0"
	DefaultStateDir        = "./state"
)

func defaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			Kind:           BusKindMemory,
			Capacity:       DefaultBusCapacity,
			OnFull:         OnFullBlock,
			PublishTimeout: DefaultPublishTimeout,
			Workers:        DefaultBusWorkers,
		},
		ControlAPI: ControlAPIConfig{
			Bind: DefaultControlAPIBind,
		},
		StateDir: DefaultStateDir,
		Checkpoints: CheckpointConfig{
			Backend: CheckpointBackendFile,
			Postgres: PostgresConfig{
				Host:         "localhost",
				Port:         5432,
				SSLMode:      "disable",
				MaxOpenConns: 10,
				MaxIdleConns: 5,
			},
		},
		Ingress: IngressConfig{
			Bind:         DefaultIngressBind,
			MaxBodyBytes: DefaultMaxBodyBytes,
		},
		GracefulStop: DefaultGracefulStop,
	}
}

// applyDefaults fills unset global fields from the built-in defaults,
// then fills unset per-component timeouts.
func applyDefaults(cfg *Config) error {
	if err := mergo.Merge(cfg, defaultConfig()); err != nil {
		return err
	}

	for mi := range cfg.Modules {
		ApplyModuleDefaults(&cfg.Modules[mi])
	}
	return nil
}

// ApplyModuleDefaults fills unset per-component timeouts in a single
// module config. Used for whole-config loads and for module configs
// arriving through the control API.
func ApplyModuleDefaults(mod *ModuleConfig) {
	for i := range mod.Sources {
		src := &mod.Sources[i]
		if src.PollInterval == 0 {
			src.PollInterval = DefaultPollInterval
		}
		if src.PollTimeout == 0 {
			src.PollTimeout = DefaultPollTimeout
		}
	}
	for i := range mod.Actors {
		act := &mod.Actors[i]
		if act.DeliverTimeout == 0 {
			act.DeliverTimeout = DefaultDeliverTimeout
		}
		if act.RetryMaxAttempts == 0 {
			act.RetryMaxAttempts = DefaultRetryMaxAttempts
		}
	}
	for i := range mod.Transforms {
		tr := &mod.Transforms[i]
		if tr.Timeout == 0 {
			if tr.Kind == TransformKindScript {
				tr.Timeout = DefaultScriptTimeout
			} else {
				tr.Timeout = DefaultPackageTimeout
			}
		}
	}
}
