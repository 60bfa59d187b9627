package observability_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aretw0/workbench/pkg/domain"
	"github.com/aretw0/workbench/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := observability.NewMetrics(reg)
	require.NoError(t, err)

	hooks := m.Hooks()
	ctx := context.Background()
	ev := &domain.ExecutionEvent{NotebookID: "nb", CellID: "c", Status: domain.StatusRunning}

	hooks.OnDispatch(ctx, ev)
	hooks.OnOutput(ctx, ev)
	hooks.OnOutput(ctx, ev)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InFlight))

	hooks.OnFinish(ctx, &domain.ExecutionEvent{Status: domain.StatusFailed, Duration: 20 * time.Millisecond})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatched))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OutputLines))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Finished.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Finished.WithLabelValues("completed")))
}

func TestNewMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := observability.NewMetrics(reg)
	require.NoError(t, err)
	_, err = observability.NewMetrics(reg)
	assert.Error(t, err)
}

func TestCombineAndLoggingHooks(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	calls := 0
	counting := domain.ExecutionHooks{
		OnFinish: func(context.Context, *domain.ExecutionEvent) { calls++ },
	}
	hooks := observability.Combine(observability.LoggingHooks(logger), counting, domain.ExecutionHooks{})

	ctx := context.Background()
	hooks.OnDispatch(ctx, &domain.ExecutionEvent{CellID: "c1"})
	hooks.OnFinish(ctx, &domain.ExecutionEvent{CellID: "c1", Status: domain.StatusFailed, Err: errors.New("boom")})

	assert.Equal(t, 1, calls)
	out := buf.String()
	assert.Contains(t, out, "cell_dispatch")
	assert.Contains(t, out, "cell_finish")
	assert.Contains(t, out, "err=boom")

	empty := observability.Combine()
	assert.Nil(t, empty.OnFinish)
}
