package observability

import (
	"context"
	"log/slog"

	"github.com/aretw0/workbench/pkg/domain"
)

// Combine merges hook sets; each callback runs in the given order.
func Combine(sets ...domain.ExecutionHooks) domain.ExecutionHooks {
	pick := func(get func(domain.ExecutionHooks) func(context.Context, *domain.ExecutionEvent)) func(context.Context, *domain.ExecutionEvent) {
		var fns []func(context.Context, *domain.ExecutionEvent)
		for _, s := range sets {
			if fn := get(s); fn != nil {
				fns = append(fns, fn)
			}
		}
		if len(fns) == 0 {
			return nil
		}
		return func(ctx context.Context, e *domain.ExecutionEvent) {
			for _, fn := range fns {
				fn(ctx, e)
			}
		}
	}

	return domain.ExecutionHooks{
		OnDispatch: pick(func(h domain.ExecutionHooks) func(context.Context, *domain.ExecutionEvent) { return h.OnDispatch }),
		OnAccepted: pick(func(h domain.ExecutionHooks) func(context.Context, *domain.ExecutionEvent) { return h.OnAccepted }),
		OnOutput:   pick(func(h domain.ExecutionHooks) func(context.Context, *domain.ExecutionEvent) { return h.OnOutput }),
		OnFinish:   pick(func(h domain.ExecutionHooks) func(context.Context, *domain.ExecutionEvent) { return h.OnFinish }),
	}
}

// LoggingHooks logs every lifecycle step. Output lines are logged at debug level.
func LoggingHooks(logger *slog.Logger) domain.ExecutionHooks {
	return domain.ExecutionHooks{
		OnDispatch: func(ctx context.Context, e *domain.ExecutionEvent) {
			logger.Info("cell_dispatch", "notebook_id", e.NotebookID, "cell_id", e.CellID)
		},
		OnAccepted: func(ctx context.Context, e *domain.ExecutionEvent) {
			logger.Debug("cell_accepted", "cell_id", e.CellID, "kernel_id", e.KernelID)
		},
		OnOutput: func(ctx context.Context, e *domain.ExecutionEvent) {
			logger.Debug("cell_output", "cell_id", e.CellID, "line", e.Line)
		},
		OnFinish: func(ctx context.Context, e *domain.ExecutionEvent) {
			attrs := []any{
				"notebook_id", e.NotebookID,
				"cell_id", e.CellID,
				"status", e.Status,
				"duration", e.Duration,
			}
			if e.Err != nil {
				logger.Warn("cell_finish", append(attrs, "err", e.Err)...)
				return
			}
			logger.Info("cell_finish", attrs...)
		},
	}
}
