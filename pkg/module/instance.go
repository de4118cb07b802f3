package module

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/c-h-/orgloop-sub002/pkg/actor"
	"github.com/c-h-/orgloop-sub002/pkg/bus"
	"github.com/c-h-/orgloop-sub002/pkg/checkpoint"
	"github.com/c-h-/orgloop-sub002/pkg/config"
	"github.com/c-h-/orgloop-sub002/pkg/ingress"
	"github.com/c-h-/orgloop-sub002/pkg/logging"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
	"github.com/c-h-/orgloop-sub002/pkg/scheduler"
	"github.com/c-h-/orgloop-sub002/pkg/source"
	"github.com/c-h-/orgloop-sub002/pkg/transform"
)

// Deps are the shared runtime services a module wires into.
type Deps struct {
	Registry    *plugin.Registry
	Bus         bus.Bus
	Checkpoints checkpoint.Store
	Scheduler   *scheduler.Scheduler
	Ingress     *ingress.Server // nil when no ingress is configured
	Logger      *slog.Logger

	// BaseDir anchors relative script and prompt-file paths, normally
	// the directory of the loaded config file.
	BaseDir string
}

// Status is a module snapshot for the control API.
type Status struct {
	Name    string               `json:"name"`
	State   State                `json:"state"`
	Sources []source.Health      `json:"sources,omitempty"`
	Actors  []actor.Health       `json:"actors,omitempty"`
	Loggers []logging.SinkHealth `json:"loggers,omitempty"`
}

// Instance is one loaded module.
type Instance struct {
	cfg    config.ModuleConfig
	deps   Deps
	logger *slog.Logger

	// logs is the module's own fan-out: each configured logger sink
	// lives and dies with the module.
	logs *logging.Manager

	mu        sync.Mutex
	state     State
	sources   map[string]*source.Driver
	actors    map[string]*actor.Driver
	stages    map[string]*transform.Stage
	pipelines map[string]*transform.Pipeline // route name -> pipeline

	unsubscribe func()
	inflight    sync.WaitGroup
}

// NewInstance builds an unloaded module from validated config.
func NewInstance(cfg config.ModuleConfig, deps Deps) *Instance {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Instance{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "module", "module", cfg.Name),
		state:  StateNew,
	}
}

// Name returns the module name.
func (m *Instance) Name() string { return m.cfg.Name }

// State returns the current lifecycle state.
func (m *Instance) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Config returns the config the module was built from, used by reload.
func (m *Instance) Config() config.ModuleConfig { return m.cfg }

// Status snapshots the module and its drivers.
func (m *Instance) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{Name: m.cfg.Name, State: m.state}
	for _, d := range m.sources {
		st.Sources = append(st.Sources, d.Health())
	}
	for _, d := range m.actors {
		st.Actors = append(st.Actors, d.Health())
	}
	if m.logs != nil {
		st.Loggers = m.logs.Health()
	}
	return st
}

// Load instantiates the module's plugins and brings it active: loggers
// first (so later phases can record), then transforms, actors, and
// sources; finally the processor subscribes to the bus and sources
// register with the scheduler and ingress. Any init failure moves the
// module to failed and releases everything already built.
func (m *Instance) Load(ctx context.Context) error {
	if err := m.transition(StateNew, StateLoading); err != nil {
		return err
	}
	m.logger.Info("loading module")

	if err := m.build(ctx); err != nil {
		m.release(ctx)
		m.setState(StateFailed)
		m.logger.Error("module load failed", "error", err)
		return fmt.Errorf("loading module %s: %w", m.cfg.Name, err)
	}

	if err := m.activate(); err != nil {
		m.deactivate()
		m.release(ctx)
		m.setState(StateFailed)
		m.logger.Error("module load failed", "error", err)
		return fmt.Errorf("loading module %s: %w", m.cfg.Name, err)
	}

	if err := m.transition(StateLoading, StateActive); err != nil {
		return err
	}
	m.logger.Info("module active",
		"sources", len(m.sources), "actors", len(m.actors), "routes", len(m.cfg.Routes))
	return nil
}

// Unload drains the module and shuts its plugins down. In-flight
// deliveries get until ctx expires.
func (m *Instance) Unload(ctx context.Context) error {
	if err := m.transition(StateActive, StateUnloading); err != nil {
		return err
	}
	m.logger.Info("unloading module")

	m.deactivate()

	// Wait for deliveries already dispatched to this module.
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("unload deadline reached with deliveries in flight")
	}

	m.release(ctx)
	if err := m.transition(StateUnloading, StateRemoved); err != nil {
		return err
	}
	m.logger.Info("module removed")
	return nil
}

// build instantiates every plugin from config.
func (m *Instance) build(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logs = logging.NewManager()
	for _, lc := range m.cfg.Loggers {
		sink, err := m.deps.Registry.Logger(lc.Plugin)
		if err != nil {
			return fmt.Errorf("logger %s: %w", lc.Name, err)
		}
		if err := sink.Init(lc.Config); err != nil {
			return fmt.Errorf("logger %s: init: %w", lc.Name, err)
		}
		m.logs.Add(lc.Name, sink, 0)
	}

	m.stages = make(map[string]*transform.Stage, len(m.cfg.Transforms))
	for _, tc := range m.cfg.Transforms {
		exec, err := m.buildTransform(tc)
		if err != nil {
			return fmt.Errorf("transform %s: %w", tc.Name, err)
		}
		m.stages[tc.Name] = transform.NewStage(tc.Name, tc.Timeout, tc.FailClosed, exec)
	}

	m.pipelines = make(map[string]*transform.Pipeline, len(m.cfg.Routes))
	for _, rt := range m.cfg.Routes {
		stages := make([]*transform.Stage, 0, len(rt.Transforms))
		for _, name := range rt.Transforms {
			st, ok := m.stages[name]
			if !ok {
				return fmt.Errorf("route %s: unknown transform %q", rt.Name, name)
			}
			stages = append(stages, st)
		}
		m.pipelines[rt.Name] = transform.NewPipeline(stages)
	}

	m.actors = make(map[string]*actor.Driver, len(m.cfg.Actors))
	for _, ac := range m.cfg.Actors {
		act, err := m.deps.Registry.Actor(ac.Plugin)
		if err != nil {
			return fmt.Errorf("actor %s: %w", ac.ID, err)
		}
		if err := act.Init(ac.Config); err != nil {
			return fmt.Errorf("actor %s: init: %w", ac.ID, err)
		}
		m.actors[ac.ID] = actor.NewDriver(ac, m.cfg.Name, m.deps.BaseDir, act, m.logs, m.logger)
	}

	m.sources = make(map[string]*source.Driver, len(m.cfg.Sources))
	for _, sc := range m.cfg.Sources {
		src, err := m.deps.Registry.Source(sc.Plugin)
		if err != nil {
			return fmt.Errorf("source %s: %w", sc.ID, err)
		}
		if err := src.Init(m.sourcePluginConfig(sc)); err != nil {
			return fmt.Errorf("source %s: init: %w", sc.ID, err)
		}
		m.sources[sc.ID] = source.NewDriver(sc, m.cfg.Name, src, m.deps.Bus, m.deps.Checkpoints, m.logs, m.logger)
	}
	return nil
}

// sourcePluginConfig hands the declared buffer dir to the plugin,
// resolved against the base dir, without mutating the stored config.
func (m *Instance) sourcePluginConfig(sc config.SourceConfig) map[string]any {
	if sc.BufferDir == "" {
		return sc.Config
	}
	dir := sc.BufferDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(m.deps.BaseDir, dir)
	}
	merged := make(map[string]any, len(sc.Config)+1)
	for k, v := range sc.Config {
		merged[k] = v
	}
	merged["buffer_dir"] = dir
	return merged
}

func (m *Instance) buildTransform(tc config.TransformConfig) (plugin.Transform, error) {
	switch tc.Kind {
	case config.TransformKindScript:
		path := tc.ScriptPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(m.deps.BaseDir, path)
		}
		s := transform.NewScript(path)
		if err := s.Init(tc.Config); err != nil {
			return nil, fmt.Errorf("init: %w", err)
		}
		return s, nil
	default:
		exec, err := m.deps.Registry.Transform(tc.Plugin)
		if err != nil {
			return nil, err
		}
		if err := exec.Init(tc.Config); err != nil {
			return nil, fmt.Errorf("init: %w", err)
		}
		return exec, nil
	}
}

// activate wires the built module into the shared services. Partial
// failures (a source id already claimed by another module) undo
// nothing here; the caller deactivates and releases.
func (m *Instance) activate() error {
	m.unsubscribe = m.deps.Bus.Subscribe(m.process)

	for _, sc := range m.cfg.Sources {
		d := m.sources[sc.ID]
		if d.Pollable() {
			interval := sc.PollInterval
			if err := m.deps.Scheduler.Add(sc.ID, interval, sc.Jitter, d.Poll); err != nil {
				return err
			}
		}
		if d.Pushable() {
			if m.deps.Ingress == nil {
				return fmt.Errorf("source %s: push source configured without ingress", sc.ID)
			}
			if err := m.deps.Ingress.Register(d); err != nil {
				return err
			}
		}
	}
	return nil
}

// deactivate detaches the module from the shared services.
func (m *Instance) deactivate() {
	for id, d := range m.sources {
		if d.Pollable() {
			m.deps.Scheduler.Remove(id)
		}
		if d.Pushable() && m.deps.Ingress != nil {
			m.deps.Ingress.Deregister(id)
		}
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

// release shuts down whatever build managed to construct.
func (m *Instance) release(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, d := range m.sources {
		if err := d.Shutdown(ctx); err != nil {
			m.logger.Warn("source shutdown failed", "source_id", id, "error", err)
		}
	}
	for id, d := range m.actors {
		if err := d.Shutdown(ctx); err != nil {
			m.logger.Warn("actor shutdown failed", "actor_id", id, "error", err)
		}
	}
	if len(m.stages) > 0 {
		all := make([]*transform.Stage, 0, len(m.stages))
		for _, st := range m.stages {
			all = append(all, st)
		}
		if err := transform.NewPipeline(all).Shutdown(ctx); err != nil {
			m.logger.Warn("transform shutdown failed", "error", err)
		}
	}
	if m.logs != nil {
		m.logs.Close(ctx)
	}
	m.sources, m.actors, m.stages, m.pipelines = nil, nil, nil, nil
}

func (m *Instance) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Instance) transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from || !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidTransition, from, to, m.state)
	}
	m.state = to
	return nil
}
