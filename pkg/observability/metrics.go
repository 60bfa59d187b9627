package observability

import (
	"context"

	"github.com/aretw0/workbench/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors fed by execution hooks.
type Metrics struct {
	Dispatched  prometheus.Counter
	Finished    *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	OutputLines prometheus.Counter
	InFlight    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workbench_cell_dispatch_total",
			Help: "Total number of cell executions dispatched",
		}),
		Finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workbench_cell_finished_total",
				Help: "Total number of cell executions by terminal status",
			},
			[]string{"status"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workbench_cell_duration_seconds",
				Help:    "Duration of cell executions",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"status"},
		),
		OutputLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workbench_cell_output_lines_total",
			Help: "Total number of output lines streamed from kernels",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workbench_cells_in_flight",
			Help: "Number of cell executions not yet resolved",
		}),
	}

	for _, c := range []prometheus.Collector{m.Dispatched, m.Finished, m.Duration, m.OutputLines, m.InFlight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Hooks returns execution hooks that record into m.
func (m *Metrics) Hooks() domain.ExecutionHooks {
	return domain.ExecutionHooks{
		OnDispatch: func(ctx context.Context, e *domain.ExecutionEvent) {
			m.Dispatched.Inc()
			m.InFlight.Inc()
		},
		OnOutput: func(ctx context.Context, e *domain.ExecutionEvent) {
			m.OutputLines.Inc()
		},
		OnFinish: func(ctx context.Context, e *domain.ExecutionEvent) {
			status := string(e.Status)
			m.InFlight.Dec()
			m.Finished.WithLabelValues(status).Inc()
			m.Duration.WithLabelValues(status).Observe(e.Duration.Seconds())
		},
	}
}
