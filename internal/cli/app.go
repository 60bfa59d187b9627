package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aretw0/workbench"
	"github.com/aretw0/workbench/internal/config"
	"github.com/aretw0/workbench/internal/logging"
	"github.com/aretw0/workbench/pkg/adapters/file"
	"github.com/aretw0/workbench/pkg/adapters/jupyter"
	"github.com/aretw0/workbench/pkg/adapters/memory"
	"github.com/aretw0/workbench/pkg/adapters/redis"
	"github.com/aretw0/workbench/pkg/observability"
	"github.com/aretw0/workbench/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is a Workbench assembled from configuration, plus the resources that
// must be released with it.
type App struct {
	Workbench *workbench.Workbench
	Registry  *prometheus.Registry
	Exports   *file.Store
	Logger    *slog.Logger

	cfg     config.Config
	closers []func() error

	// export keys restored or written by this app; Persist prunes the stale ones
	owned map[string]struct{}
}

// NewLogger builds the application logger described by cfg.
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewWithFormat(w, level, cfg.Format), nil
}

// NewApp wires the backend, metrics, optional Redis fan-out and export
// directory described by cfg. It does not connect to the backend.
func NewApp(cfg config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Registry: prometheus.NewRegistry(),
		Logger:   logger,
		cfg:      cfg,
		owned:    make(map[string]struct{}),
	}

	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observability.NewMetrics(app.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	var backend ports.Backend
	switch cfg.Backend.Kind {
	case config.BackendMemory:
		backend = memory.NewBackend()
	default:
		backend = jupyter.New(jupyter.WithLogger(logger))
	}

	opts := []workbench.Option{
		workbench.WithBackend(backend),
		workbench.WithLogger(logger),
		workbench.WithExecTimeout(cfg.Backend.ExecTimeout),
		workbench.WithProbeTimeout(cfg.Backend.ProbeTimeout),
		workbench.WithKernelSpec(cfg.Backend.KernelSpec),
		workbench.WithExecutionHooks(observability.Combine(
			observability.LoggingHooks(logger),
			metrics.Hooks(),
		)),
	}
	if cfg.Backend.AutoConnect {
		opts = append(opts, workbench.WithAutoConnect(cfg.Backend.BaseURL, cfg.Backend.Token))
	}

	if cfg.Redis.Addr != "" {
		feed := redis.NewFeed(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			redis.WithChannel(cfg.Redis.Channel),
			redis.WithLogger(logger),
		)
		app.closers = append(app.closers, feed.Close)
		opts = append(opts,
			workbench.WithPublisher(feed),
			workbench.WithLocker(redis.NewLocker(feed.Client(), "workbench:lock:"), cfg.Redis.LockTTL),
		)
		logger.Info("Redis fan-out enabled", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	}

	if cfg.Exports.Dir != "" {
		app.Exports = file.New(cfg.Exports.Dir)
	}

	app.Workbench = workbench.New(opts...)
	return app, nil
}

// SetPort overrides the configured HTTP port.
func (a *App) SetPort(port int) {
	a.cfg.HTTP.Port = port
}

// Connect connects to the configured backend unless already connected.
func (a *App) Connect(ctx context.Context) bool {
	if a.Workbench.ConnectionStatus().Connected {
		return true
	}
	return a.Workbench.Connect(ctx, a.cfg.Backend.BaseURL, a.cfg.Backend.Token)
}

// Restore imports every saved export. It returns the number of notebooks restored.
func (a *App) Restore(ctx context.Context) (int, error) {
	if a.Exports == nil {
		return 0, nil
	}
	keys, err := a.Exports.List(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, key := range keys {
		doc, err := a.Exports.Load(ctx, key)
		if err != nil {
			a.Logger.Warn("Skipping unreadable export", "name", key, "err", err)
			continue
		}
		a.Workbench.Import(ctx, doc)
		a.owned[key] = struct{}{}
		restored++
	}
	return restored, nil
}

// Persist saves every notebook to the export directory and removes the exports
// of notebooks that no longer exist. Notebooks sharing a name are saved under
// numbered keys ("Name", "Name-2", ...). It returns the number saved.
func (a *App) Persist(ctx context.Context) (int, error) {
	if a.Exports == nil {
		return 0, nil
	}

	var errs []error
	saved := 0
	owned := make(map[string]struct{})
	taken := make(map[string]struct{})
	for _, nb := range a.Workbench.Notebooks() {
		doc, ok := a.Workbench.Export(nb.ID)
		if !ok {
			continue
		}
		key := uniqueKey(file.Key(doc.Name), taken)
		if _, err := a.Exports.SaveAs(ctx, key, doc); err != nil {
			errs = append(errs, fmt.Errorf("notebook %s: %w", nb.Name, err))
			owned[key] = struct{}{}
			continue
		}
		owned[key] = struct{}{}
		saved++
	}

	for key := range a.owned {
		if _, ok := owned[key]; ok {
			continue
		}
		if err := a.Exports.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("export %s: %w", key, err))
			owned[key] = struct{}{}
			continue
		}
		a.Logger.Debug("Removed stale export", "name", key)
	}
	a.owned = owned
	return saved, errors.Join(errs...)
}

func uniqueKey(base string, taken map[string]struct{}) string {
	key := base
	for n := 2; ; n++ {
		if _, ok := taken[strings.ToLower(key)]; !ok {
			break
		}
		key = fmt.Sprintf("%s-%d", base, n)
	}
	taken[strings.ToLower(key)] = struct{}{}
	return key
}

// Close stops executions, disconnects and releases external clients.
func (a *App) Close(ctx context.Context) error {
	errs := []error{a.Workbench.Close(ctx)}
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
