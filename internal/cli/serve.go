package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	httpAdapter "github.com/aretw0/workbench/pkg/adapters/http"
)

// ShutdownTimeout bounds graceful shutdown of the HTTP server.
const ShutdownTimeout = 5 * time.Second

// Handler builds the HTTP API of the app. Executions started through it are
// cancelled when ctx is.
func (a *App) Handler(ctx context.Context, version string) http.Handler {
	opts := []httpAdapter.Option{
		httpAdapter.WithLogger(a.Logger),
		httpAdapter.WithVersion(version),
		httpAdapter.WithBaseContext(ctx),
	}
	if a.cfg.HTTP.Metrics {
		opts = append(opts, httpAdapter.WithGatherer(a.Registry))
	}
	return httpAdapter.NewHandler(a.Workbench, opts...)
}

// Serve restores saved notebooks, connects if configured and serves the HTTP API
// until ctx is cancelled. On the way out notebooks are saved again.
func Serve(ctx context.Context, app *App, version string) error {
	if n, err := app.Restore(ctx); err != nil {
		app.Logger.Warn("Restoring notebooks failed", "err", err)
	} else if n > 0 {
		app.Logger.Info("Notebooks restored", "count", n, "dir", app.Exports.BasePath)
	}

	if app.Workbench.Start(ctx) {
		app.Logger.Info("Connected to backend", "base_url", app.Workbench.ConnectionStatus().BaseURL)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.HTTP.Port),
		Handler:           app.Handler(ctx, version),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		app.Logger.Info("Workbench server listening", "address", srv.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		app.Logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Logger.Warn("Graceful shutdown did not complete", "timeout", ShutdownTimeout, "err", err)
			_ = srv.Close()
		}
	}

	if n, err := app.Persist(context.Background()); err != nil {
		app.Logger.Error("Saving notebooks failed", "err", err)
	} else if n > 0 {
		app.Logger.Info("Notebooks saved", "count", n, "dir", app.Exports.BasePath)
	}
	return serveErr
}
