package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/workbench/internal/logging"
	"github.com/aretw0/workbench/pkg/domain"
	"github.com/aretw0/workbench/pkg/execution"
	"github.com/aretw0/workbench/pkg/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NotebooksURI is the resource listing every notebook.
const NotebooksURI = "workbench://notebooks"

// Workbench defines the operations exposed as MCP tools.
type Workbench interface {
	Notebooks() []*domain.Notebook
	Notebook(id string) (*domain.Notebook, bool)
	ActiveID() string
	CreateNotebook(ctx context.Context, name string) string
	Export(id string) (domain.ExportDocument, bool)
	AddCell(notebookID string, kind domain.CellKind, atIndex *int) (string, bool)
	UpdateCell(notebookID, cellID string, upd store.CellUpdate) bool
	ExecuteCell(ctx context.Context, notebookID, cellID string) error
	RunAll(ctx context.Context, notebookID string) []execution.Result
	Connect(ctx context.Context, baseURL, token string) bool
	ConnectionStatus() domain.Connection
}

// CellResponse is the structured result of cell tools.
type CellResponse struct {
	NotebookID string       `json:"notebook_id" jsonschema_description:"Notebook containing the cell"`
	Cell       *domain.Cell `json:"cell" jsonschema_description:"Cell snapshot after the operation"`
	Error      string       `json:"error,omitempty" jsonschema_description:"Execution error, if the cell failed"`
}

// RunAllResponse is the structured result of run_all.
type RunAllResponse struct {
	NotebookID string        `json:"notebook_id"`
	Results    []CellOutcome `json:"results" jsonschema_description:"One entry per runnable code cell, in order"`
}

// CellOutcome is the terminal state of one cell of a run_all.
type CellOutcome struct {
	CellID string            `json:"cell_id"`
	Status domain.CellStatus `json:"status"`
	Output []string          `json:"output"`
	Error  string            `json:"error,omitempty"`
}

type notebookArgs struct {
	NotebookID string `json:"notebook_id"`
}

type createArgs struct {
	Name string `json:"name"`
}

type addCellArgs struct {
	NotebookID string `json:"notebook_id"`
	Kind       string `json:"kind"`
	Source     string `json:"source"`
	Index      *int   `json:"index"`
}

type updateCellArgs struct {
	NotebookID string `json:"notebook_id"`
	CellID     string `json:"cell_id"`
	Source     string `json:"source"`
}

type cellArgs struct {
	NotebookID string `json:"notebook_id"`
	CellID     string `json:"cell_id"`
}

type connectArgs struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
}

// Server exposes a Workbench as an MCP Server.
type Server struct {
	wb        Workbench
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new MCP Server instance.
func NewServer(wb Workbench, version string, opts ...Option) *Server {
	s := &Server{
		wb:        wb,
		logger:    logging.NewNop(),
		mcpServer: server.NewMCPServer("workbench-mcp", strings.TrimSpace(version)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying server, e.g. for in-process transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE starts the server on the given port using SSE and stops when ctx is done.
func (s *Server) ServeSSE(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	baseURL := fmt.Sprintf("http://localhost:%d", port)

	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP Server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Info("Shutdown signal received, stopping MCP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("list_notebooks",
		mcp.WithDescription("List every notebook with its cells. The active notebook id is included."),
	), s.handleListNotebooks)

	s.mcpServer.AddTool(mcp.NewTool("create_notebook",
		mcp.WithDescription("Create a notebook holding one empty code cell and make it active."),
		mcp.WithString("name", mcp.Description("Notebook name (optional, defaults to a timestamped name)")),
	), mcp.NewTypedToolHandler(s.handleCreateNotebook))

	s.mcpServer.AddTool(mcp.NewTool("get_notebook",
		mcp.WithDescription("Get a notebook snapshot."),
		mcp.WithString("notebook_id", mcp.Required(), mcp.Description("Notebook ID")),
	), mcp.NewTypedToolHandler(s.handleGetNotebook))

	s.mcpServer.AddTool(mcp.NewTool("add_cell",
		mcp.WithDescription("Insert a cell into a notebook. Without index the cell is appended."),
		mcp.WithString("notebook_id", mcp.Required(), mcp.Description("Notebook ID")),
		mcp.WithString("kind", mcp.Enum(string(domain.KindCode), string(domain.KindMarkdown)), mcp.Description("Cell kind (default code)")),
		mcp.WithString("source", mcp.Description("Initial source text")),
		mcp.WithNumber("index", mcp.Description("Insert position, clamped to the cell count")),
		mcp.WithOutputSchema[CellResponse](),
	), mcp.NewStructuredToolHandler(s.handleAddCell))

	s.mcpServer.AddTool(mcp.NewTool("update_cell",
		mcp.WithDescription("Replace the source of a cell."),
		mcp.WithString("notebook_id", mcp.Required(), mcp.Description("Notebook ID")),
		mcp.WithString("cell_id", mcp.Required(), mcp.Description("Cell ID")),
		mcp.WithString("source", mcp.Required(), mcp.Description("New source text")),
		mcp.WithOutputSchema[CellResponse](),
	), mcp.NewStructuredToolHandler(s.handleUpdateCell))

	s.mcpServer.AddTool(mcp.NewTool("execute_cell",
		mcp.WithDescription("Execute a code cell on the connected kernel and wait for its output."),
		mcp.WithString("notebook_id", mcp.Required(), mcp.Description("Notebook ID")),
		mcp.WithString("cell_id", mcp.Required(), mcp.Description("Cell ID")),
		mcp.WithOutputSchema[CellResponse](),
	), mcp.NewStructuredToolHandler(s.handleExecuteCell))

	s.mcpServer.AddTool(mcp.NewTool("run_all",
		mcp.WithDescription("Execute every non-empty code cell of a notebook in order. Failures do not stop the run."),
		mcp.WithString("notebook_id", mcp.Required(), mcp.Description("Notebook ID")),
		mcp.WithOutputSchema[RunAllResponse](),
	), mcp.NewStructuredToolHandler(s.handleRunAll))

	s.mcpServer.AddTool(mcp.NewTool("export_notebook",
		mcp.WithDescription("Export a notebook as {name, cells:[{code, cellType, output}], exportedAt}."),
		mcp.WithString("notebook_id", mcp.Required(), mcp.Description("Notebook ID")),
	), mcp.NewTypedToolHandler(s.handleExport))

	s.mcpServer.AddTool(mcp.NewTool("connect",
		mcp.WithDescription("Connect to a kernel server. Returns the resulting connection status."),
		mcp.WithString("base_url", mcp.Description("Server URL (default http://localhost:8888)")),
		mcp.WithString("token", mcp.Description("Access token")),
	), mcp.NewTypedToolHandler(s.handleConnect))
}

func (s *Server) handleListNotebooks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"active_id": s.wb.ActiveID(),
		"notebooks": s.wb.Notebooks(),
	})
}

func (s *Server) handleCreateNotebook(ctx context.Context, request mcp.CallToolRequest, args createArgs) (*mcp.CallToolResult, error) {
	id := s.wb.CreateNotebook(ctx, args.Name)
	nb, _ := s.wb.Notebook(id)
	return jsonResult(nb)
}

func (s *Server) handleGetNotebook(ctx context.Context, request mcp.CallToolRequest, args notebookArgs) (*mcp.CallToolResult, error) {
	nb, ok := s.wb.Notebook(args.NotebookID)
	if !ok {
		return mcp.NewToolResultError(domain.ErrNotebookNotFound.Error()), nil
	}
	return jsonResult(nb)
}

func (s *Server) handleAddCell(ctx context.Context, request mcp.CallToolRequest, args addCellArgs) (CellResponse, error) {
	kind := domain.KindCode
	if args.Kind != "" {
		kind = domain.CellKind(args.Kind)
		if !kind.Valid() {
			return CellResponse{}, fmt.Errorf("invalid cell kind %q", args.Kind)
		}
	}

	cellID, ok := s.wb.AddCell(args.NotebookID, kind, args.Index)
	if !ok {
		return CellResponse{}, domain.ErrNotebookNotFound
	}
	if args.Source != "" {
		s.wb.UpdateCell(args.NotebookID, cellID, store.CellUpdate{Source: &args.Source})
	}
	return s.cellResponse(args.NotebookID, cellID, nil)
}

func (s *Server) handleUpdateCell(ctx context.Context, request mcp.CallToolRequest, args updateCellArgs) (CellResponse, error) {
	if !s.wb.UpdateCell(args.NotebookID, args.CellID, store.CellUpdate{Source: &args.Source}) {
		return CellResponse{}, domain.ErrCellNotFound
	}
	return s.cellResponse(args.NotebookID, args.CellID, nil)
}

func (s *Server) handleExecuteCell(ctx context.Context, request mcp.CallToolRequest, args cellArgs) (CellResponse, error) {
	err := s.wb.ExecuteCell(ctx, args.NotebookID, args.CellID)
	if rejected(err) {
		s.logger.Warn("MCP execute rejected", "notebook_id", args.NotebookID, "cell_id", args.CellID, "error", err)
		return CellResponse{}, fmt.Errorf("execute failed: %w", err)
	}
	return s.cellResponse(args.NotebookID, args.CellID, err)
}

func (s *Server) handleRunAll(ctx context.Context, request mcp.CallToolRequest, args notebookArgs) (RunAllResponse, error) {
	if _, ok := s.wb.Notebook(args.NotebookID); !ok {
		return RunAllResponse{}, domain.ErrNotebookNotFound
	}
	if !s.wb.ConnectionStatus().Connected {
		return RunAllResponse{}, domain.ErrNotConnected
	}

	results := s.wb.RunAll(ctx, args.NotebookID)
	nb, _ := s.wb.Notebook(args.NotebookID)

	resp := RunAllResponse{NotebookID: args.NotebookID, Results: make([]CellOutcome, 0, len(results))}
	for _, r := range results {
		out := CellOutcome{CellID: r.CellID, Status: r.Status}
		if nb != nil {
			if c := nb.Cell(r.CellID); c != nil {
				out.Output = c.Output
			}
		}
		if r.Err != nil {
			out.Error = r.Err.Error()
		}
		resp.Results = append(resp.Results, out)
	}
	return resp, nil
}

func (s *Server) handleExport(ctx context.Context, request mcp.CallToolRequest, args notebookArgs) (*mcp.CallToolResult, error) {
	doc, ok := s.wb.Export(args.NotebookID)
	if !ok {
		return mcp.NewToolResultError(domain.ErrNotebookNotFound.Error()), nil
	}
	return jsonResult(doc)
}

func (s *Server) handleConnect(ctx context.Context, request mcp.CallToolRequest, args connectArgs) (*mcp.CallToolResult, error) {
	if !s.wb.Connect(ctx, args.BaseURL, args.Token) {
		target := strings.TrimSpace(args.BaseURL)
		if target == "" {
			target = domain.DefaultBaseURL
		}
		return mcp.NewToolResultError(fmt.Sprintf("could not reach %s", target)), nil
	}
	return jsonResult(s.wb.ConnectionStatus())
}

func (s *Server) cellResponse(notebookID, cellID string, execErr error) (CellResponse, error) {
	nb, ok := s.wb.Notebook(notebookID)
	if !ok {
		return CellResponse{}, domain.ErrNotebookNotFound
	}
	cell := nb.Cell(cellID)
	if cell == nil {
		return CellResponse{}, domain.ErrCellNotFound
	}
	resp := CellResponse{NotebookID: notebookID, Cell: cell}
	if execErr != nil {
		resp.Error = execErr.Error()
	}
	return resp, nil
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(NotebooksURI, "Notebooks",
		mcp.WithResourceDescription("Every notebook with its cells and outputs"),
		mcp.WithMIMEType("application/json"),
	), s.readNotebooks)
}

func (s *Server) readNotebooks(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := json.Marshal(s.wb.Notebooks())
	if err != nil {
		return nil, fmt.Errorf("failed to encode notebooks: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      NotebooksURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// rejected reports whether err refused the dispatch, leaving the cell untouched.
func rejected(err error) bool {
	return errors.Is(err, domain.ErrNotConnected) ||
		errors.Is(err, domain.ErrNotebookNotFound) ||
		errors.Is(err, domain.ErrCellNotFound) ||
		errors.Is(err, domain.ErrCellInFlight)
}
