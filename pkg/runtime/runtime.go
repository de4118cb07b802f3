// Package runtime assembles the whole system: bus, checkpoint store,
// scheduler, webhook ingress, module registry, and the loopback
// control API, with one graceful shutdown path.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/c-h-/orgloop-sub002/pkg/bus"
	"github.com/c-h-/orgloop-sub002/pkg/checkpoint"
	"github.com/c-h-/orgloop-sub002/pkg/config"
	"github.com/c-h-/orgloop-sub002/pkg/ingress"
	"github.com/c-h-/orgloop-sub002/pkg/module"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
	"github.com/c-h-/orgloop-sub002/pkg/scheduler"
)

// State-dir file names.
const (
	portFileName = "runtime.port"
	pidFileName  = "runtime.pid"
)

// Runtime owns every long-lived component of the process.
type Runtime struct {
	cfg     *config.Config
	baseDir string
	logger  *slog.Logger

	plugins     *plugin.Registry
	bus         bus.Bus
	checkpoints checkpoint.Store
	sched       *scheduler.Scheduler
	ingress     *ingress.Server
	modules     *module.Registry

	control  *http.Server
	listener net.Listener

	startedAt time.Time

	mu            sync.Mutex
	moduleConfigs map[string]config.ModuleConfig
	started       bool

	shutdownOnce sync.Once
	done         chan struct{}
}

// New builds an unstarted runtime. baseDir anchors relative script and
// prompt-file paths, normally the directory of the config file.
func New(cfg *config.Config, plugins *plugin.Registry, baseDir string, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:           cfg,
		baseDir:       baseDir,
		logger:        logger.With("component", "runtime"),
		plugins:       plugins,
		modules:       module.NewRegistry(),
		moduleConfigs: make(map[string]config.ModuleConfig),
		done:          make(chan struct{}),
	}
}

// Start brings the runtime up: state dir, checkpoint store, bus,
// scheduler, ingress, configured modules in declaration order, and
// finally the control API. A module that fails to load aborts startup.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runtime already started")
	}
	r.started = true
	r.mu.Unlock()
	r.startedAt = time.Now()

	if err := os.MkdirAll(r.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	store, err := r.openCheckpoints(ctx)
	if err != nil {
		return err
	}
	r.checkpoints = store

	b, err := r.openBus()
	if err != nil {
		return err
	}
	r.bus = b
	if err := r.bus.Start(ctx); err != nil {
		return fmt.Errorf("starting bus: %w", err)
	}

	r.sched = scheduler.New(r.logger)

	r.ingress = ingress.NewServer(r.cfg.Ingress, r.logger)
	if err := r.ingress.Start(); err != nil {
		return err
	}

	for _, mod := range r.cfg.Modules {
		if _, err := r.LoadModule(ctx, mod); err != nil {
			return err
		}
	}

	if err := r.startControlAPI(); err != nil {
		return err
	}

	r.logger.Info("runtime started",
		"modules", len(r.cfg.Modules),
		"bus", r.cfg.Bus.Kind,
		"control_addr", r.listener.Addr().String())
	return nil
}

func (r *Runtime) openCheckpoints(ctx context.Context) (checkpoint.Store, error) {
	switch r.cfg.Checkpoints.Backend {
	case config.CheckpointBackendMemory:
		return checkpoint.NewMemoryStore(), nil
	case config.CheckpointBackendPostgres:
		store, err := checkpoint.NewPostgresStore(ctx, r.cfg.Checkpoints.Postgres)
		if err != nil {
			return nil, fmt.Errorf("opening postgres checkpoint store: %w", err)
		}
		return store, nil
	default:
		store, err := checkpoint.NewFileStore(filepath.Join(r.cfg.StateDir, "checkpoints"))
		if err != nil {
			return nil, fmt.Errorf("opening checkpoint store: %w", err)
		}
		return store, nil
	}
}

func (r *Runtime) openBus() (bus.Bus, error) {
	if r.cfg.Bus.Kind == config.BusKindWAL {
		b, err := bus.NewWALBus(filepath.Join(r.cfg.StateDir, "wal"), r.cfg.Bus.Capacity)
		if err != nil {
			return nil, fmt.Errorf("opening wal bus: %w", err)
		}
		return b, nil
	}
	return bus.NewMemoryBus(r.cfg.Bus), nil
}

func (r *Runtime) deps() module.Deps {
	return module.Deps{
		Registry:    r.plugins,
		Bus:         r.bus,
		Checkpoints: r.checkpoints,
		Scheduler:   r.sched,
		Ingress:     r.ingress,
		Logger:      r.logger,
		BaseDir:     r.baseDir,
	}
}

// LoadModule validates, registers, and activates one module.
func (r *Runtime) LoadModule(ctx context.Context, mod config.ModuleConfig) (module.Status, error) {
	if mod.Name == "" {
		return module.Status{}, errors.New("module name is required")
	}
	config.ApplyModuleDefaults(&mod)
	if err := config.ValidateModule(&mod); err != nil {
		return module.Status{}, fmt.Errorf("module %s: %w", mod.Name, err)
	}

	inst := module.NewInstance(mod, r.deps())
	if err := r.modules.Add(inst); err != nil {
		return module.Status{}, err
	}
	if err := inst.Load(ctx); err != nil {
		r.modules.Remove(mod.Name)
		return inst.Status(), err
	}

	r.mu.Lock()
	r.moduleConfigs[mod.Name] = mod
	r.mu.Unlock()
	return inst.Status(), nil
}

// UnloadModule drains and removes one module.
func (r *Runtime) UnloadModule(ctx context.Context, name string) (module.Status, error) {
	inst, err := r.modules.Get(name)
	if err != nil {
		return module.Status{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.GracefulStop)
	defer cancel()
	if err := inst.Unload(ctx); err != nil {
		return inst.Status(), err
	}

	r.modules.Remove(name)
	r.mu.Lock()
	delete(r.moduleConfigs, name)
	r.mu.Unlock()
	return inst.Status(), nil
}

// ReloadModule unloads and re-loads a module with the config it was
// originally loaded from.
func (r *Runtime) ReloadModule(ctx context.Context, name string) (module.Status, error) {
	r.mu.Lock()
	mod, ok := r.moduleConfigs[name]
	r.mu.Unlock()
	if !ok {
		return module.Status{}, fmt.Errorf("%w: %s", module.ErrModuleNotFound, name)
	}

	if _, err := r.UnloadModule(ctx, name); err != nil {
		return module.Status{}, err
	}
	return r.LoadModule(ctx, mod)
}

// ListModules snapshots every loaded module.
func (r *Runtime) ListModules() []module.Status {
	insts := r.modules.List()
	out := make([]module.Status, 0, len(insts))
	for _, m := range insts {
		out = append(out, m.Status())
	}
	return out
}

// ModuleStatus snapshots one module.
func (r *Runtime) ModuleStatus(name string) (module.Status, error) {
	inst, err := r.modules.Get(name)
	if err != nil {
		return module.Status{}, err
	}
	return inst.Status(), nil
}

// ControlAddr returns the control API's bound address, empty before
// Start.
func (r *Runtime) ControlAddr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Done is closed when shutdown completes.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Shutdown stops everything in dependency order: scheduler first (no
// new polls), then modules (drain deliveries, flush their loggers),
// then ingress, control API, bus, and the checkpoint store. Safe to
// call more than once.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var firstErr error
	r.shutdownOnce.Do(func() {
		r.logger.Info("shutting down")
		record := func(err error) {
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}

		if r.sched != nil {
			stopCtx, cancel := context.WithTimeout(ctx, r.cfg.GracefulStop)
			record(r.sched.Stop(stopCtx))
			cancel()
		}

		for _, inst := range r.modules.List() {
			unloadCtx, cancel := context.WithTimeout(ctx, r.cfg.GracefulStop)
			if err := inst.Unload(unloadCtx); err != nil {
				r.logger.Warn("module unload failed during shutdown",
					"module", inst.Name(), "error", err)
			}
			cancel()
			r.modules.Remove(inst.Name())
		}

		if r.ingress != nil {
			record(r.ingress.Shutdown(ctx))
		}
		if r.control != nil {
			record(r.control.Shutdown(ctx))
		}
		if r.bus != nil {
			record(r.bus.Stop(ctx))
		}
		if r.checkpoints != nil {
			record(r.checkpoints.Close())
		}

		r.removeStateFiles()
		close(r.done)
		r.logger.Info("shutdown complete")
	})
	return firstErr
}

func (r *Runtime) startControlAPI() error {
	ln, err := net.Listen("tcp", r.cfg.ControlAPI.Bind)
	if err != nil {
		return fmt.Errorf("control api: listening on %s: %w", r.cfg.ControlAPI.Bind, err)
	}
	r.listener = ln
	r.control = &http.Server{Handler: r.controlHandler()}

	go func() {
		if err := r.control.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("control api failed", "error", err)
		}
	}()

	if err := r.writeStateFiles(); err != nil {
		return err
	}
	return nil
}

// writeStateFiles records the control port and pid so CLI invocations
// can find the running process.
func (r *Runtime) writeStateFiles() error {
	port := r.listener.Addr().(*net.TCPAddr).Port
	portPath := filepath.Join(r.cfg.StateDir, portFileName)
	if err := os.WriteFile(portPath, []byte(strconv.Itoa(port)+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", portFileName, err)
	}
	pidPath := filepath.Join(r.cfg.StateDir, pidFileName)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", pidFileName, err)
	}
	return nil
}

func (r *Runtime) removeStateFiles() {
	for _, name := range []string{portFileName, pidFileName} {
		path := filepath.Join(r.cfg.StateDir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("removing state file failed", "file", name, "error", err)
		}
	}
}
