package http

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aretw0/workbench/internal/logging"
	"github.com/aretw0/workbench/pkg/domain"
	"github.com/aretw0/workbench/pkg/execution"
	"github.com/aretw0/workbench/pkg/store"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed openapi.yaml
var rawSpec []byte

// Workbench is the surface of the notebook engine served over HTTP.
type Workbench interface {
	Notebooks() []*domain.Notebook
	Notebook(id string) (*domain.Notebook, bool)
	ActiveID() string
	CreateNotebook(ctx context.Context, name string) string
	DeleteNotebook(ctx context.Context, id string) bool
	SetActive(id string) bool
	UpdateNotebook(id string, upd store.NotebookUpdate) bool
	Export(id string) (domain.ExportDocument, bool)
	Import(ctx context.Context, doc domain.ExportDocument) string

	AddCell(notebookID string, kind domain.CellKind, atIndex *int) (string, bool)
	UpdateCell(notebookID, cellID string, upd store.CellUpdate) bool
	DeleteCell(ctx context.Context, notebookID, cellID string) bool
	ReorderCells(notebookID string, from, to int) bool

	StartCell(ctx context.Context, notebookID, cellID string) (<-chan execution.Result, error)
	CancelExecution(ctx context.Context, notebookID, cellID string) bool
	RunAll(ctx context.Context, notebookID string) []execution.Result
	StopNotebook(ctx context.Context, notebookID string) int
	RestartKernel(ctx context.Context, notebookID string) bool
	InFlight() []execution.FlightInfo

	Connect(ctx context.Context, baseURL, token string) bool
	Disconnect()
	ConnectionStatus() domain.Connection

	Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error)
}

// Server serves a Workbench.
type Server struct {
	wb       Workbench
	logger   *slog.Logger
	version  string
	gatherer prometheus.Gatherer

	// background carries run-all and execute requests past the HTTP request lifetime.
	background context.Context
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported by /info.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = strings.TrimSpace(v)
	}
}

// WithGatherer exposes the gatherer's metrics on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithBaseContext sets the parent context of executions started by requests.
// Cancelling it stops them. Defaults to context.Background.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		s.background = ctx
	}
}

// NewHandler creates a new HTTP handler for the workbench.
func NewHandler(wb Workbench, opts ...Option) http.Handler {
	s := &Server{
		wb:         wb,
		logger:     logging.NewNop(),
		version:    "dev",
		background: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(rawSpec)
	})
	r.Get("/swagger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(swaggerHTML))
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/connection", func(r chi.Router) {
		r.Get("/", s.GetConnection)
		r.Post("/", s.Connect)
		r.Delete("/", s.Disconnect)
	})

	r.Route("/notebooks", func(r chi.Router) {
		r.Get("/", s.ListNotebooks)
		r.Post("/", s.CreateNotebook)
		r.Post("/import", s.ImportNotebook)

		r.Route("/{notebookID}", func(r chi.Router) {
			r.Get("/", s.GetNotebook)
			r.Patch("/", s.UpdateNotebook)
			r.Delete("/", s.DeleteNotebook)
			r.Post("/activate", s.ActivateNotebook)
			r.Get("/export", s.ExportNotebook)
			r.Post("/run-all", s.RunAll)
			r.Post("/stop", s.StopNotebook)
			r.Post("/restart", s.RestartKernel)

			r.Post("/cells", s.AddCell)
			r.Post("/cells/reorder", s.ReorderCells)
			r.Patch("/cells/{cellID}", s.UpdateCell)
			r.Delete("/cells/{cellID}", s.DeleteCell)
			r.Post("/cells/{cellID}/execute", s.ExecuteCell)
			r.Post("/cells/{cellID}/cancel", s.CancelExecution)
		})
	})

	r.Get("/executions", s.ListExecutions)
	r.Get("/events", s.SubscribeEvents)

	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

const swaggerHTML = `
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>Workbench API Documentation</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui.css" />
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui-bundle.js" crossorigin></script>
<script>
    window.onload = () => {
    window.ui = SwaggerUIBundle({
        url: '/openapi.yaml',
        dom_id: '#swagger-ui',
    });
    };
</script>
</body>
</html>
`

// APIVersion returns the version declared in the embedded OpenAPI document.
func APIVersion() (string, error) {
	doc, err := openapi3.NewLoader().LoadFromData(rawSpec)
	if err != nil {
		return "", err
	}
	if doc.Info == nil {
		return "", errors.New("openapi: missing info block")
	}
	return doc.Info.Version, nil
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	apiVersion, err := APIVersion()
	if err != nil {
		s.logger.Error("Failed to load OpenAPI spec", "error", err)
		apiVersion = "unknown"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"app":         "workbench-http",
		"version":     s.version,
		"api_version": apiVersion,
	}, s.logger)
}

// -- Helpers --

func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string, logger *slog.Logger) {
	writeJSON(w, code, map[string]string{"error": msg}, logger)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotebookNotFound), errors.Is(err, domain.ErrCellNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotConnected), errors.Is(err, domain.ErrCellInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
