package workbench

import (
	"context"
	"log/slog"
	"time"

	"github.com/aretw0/workbench/internal/identity"
	"github.com/aretw0/workbench/internal/logging"
	"github.com/aretw0/workbench/pkg/adapters/jupyter"
	"github.com/aretw0/workbench/pkg/adapters/memory"
	"github.com/aretw0/workbench/pkg/connection"
	"github.com/aretw0/workbench/pkg/domain"
	"github.com/aretw0/workbench/pkg/execution"
	"github.com/aretw0/workbench/pkg/ports"
	"github.com/aretw0/workbench/pkg/store"
)

// Workbench is the high-level entry point: a notebook store, a backend connection
// and an execution controller wired together.
type Workbench struct {
	store *store.Store
	conn  *connection.Manager
	exec  *execution.Controller
	feed  *memory.Feed

	backend      ports.Backend
	publishers   []ports.ChangePublisher
	locker       ports.DistributedLocker
	lockTTL      time.Duration
	hooks        domain.ExecutionHooks
	execTimeout  time.Duration
	probeTimeout time.Duration
	newID        ports.IDGenerator
	now          ports.Clock
	logger       *slog.Logger

	kernelSpec domain.KernelSpec

	autoConnect bool
	baseURL     string
	token       string
}

// Option defines a functional option for configuring the Workbench.
type Option func(*Workbench)

// WithBackend sets the kernel backend (default: a Jupyter Server client).
func WithBackend(b ports.Backend) Option {
	return func(w *Workbench) {
		w.backend = b
	}
}

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workbench) {
		w.logger = logger
	}
}

// WithPublisher adds an external destination for change events (e.g. Redis).
func WithPublisher(p ports.ChangePublisher) Option {
	return func(w *Workbench) {
		w.publishers = append(w.publishers, p)
	}
}

// WithLocker serializes kernel session creation across processes.
func WithLocker(locker ports.DistributedLocker, ttl time.Duration) Option {
	return func(w *Workbench) {
		w.locker = locker
		w.lockTTL = ttl
	}
}

// WithExecutionHooks registers execution observability hooks.
func WithExecutionHooks(hooks domain.ExecutionHooks) Option {
	return func(w *Workbench) {
		w.hooks = hooks
	}
}

// WithExecTimeout bounds each cell execution.
func WithExecTimeout(d time.Duration) Option {
	return func(w *Workbench) {
		w.execTimeout = d
	}
}

// WithProbeTimeout bounds the reachability check done on connect.
func WithProbeTimeout(d time.Duration) Option {
	return func(w *Workbench) {
		w.probeTimeout = d
	}
}

// WithIDGenerator overrides the identifier source.
func WithIDGenerator(gen ports.IDGenerator) Option {
	return func(w *Workbench) {
		w.newID = gen
	}
}

// WithClock overrides the time source.
func WithClock(clock ports.Clock) Option {
	return func(w *Workbench) {
		w.now = clock
	}
}

// WithKernelSpec sets the kernelspec of new notebooks.
func WithKernelSpec(spec domain.KernelSpec) Option {
	return func(w *Workbench) {
		w.kernelSpec = spec
	}
}

// WithAutoConnect makes Start connect to baseURL.
func WithAutoConnect(baseURL, token string) Option {
	return func(w *Workbench) {
		w.autoConnect = true
		w.baseURL = baseURL
		w.token = token
	}
}

// New wires a Workbench. It performs no I/O; call Start or Connect to reach the backend.
func New(opts ...Option) *Workbench {
	w := &Workbench{
		newID: identity.NewID,
		now:   identity.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logging.NewNop()
	}
	if w.backend == nil {
		w.backend = jupyter.New(jupyter.WithLogger(w.logger))
	}

	w.feed = memory.NewFeed(memory.WithFeedLogger(w.logger))
	storeOpts := []store.Option{
		store.WithIDGenerator(w.newID),
		store.WithClock(w.now),
		store.WithLogger(w.logger),
		store.WithPublisher(w.feed),
		store.WithKernelSpec(w.kernelSpec),
	}
	for _, p := range w.publishers {
		storeOpts = append(storeOpts, store.WithPublisher(p))
	}
	w.store = store.New(storeOpts...)

	connOpts := []connection.Option{
		connection.WithLogger(w.logger),
		connection.WithClock(w.now),
		connection.WithProbeTimeout(w.probeTimeout),
	}
	if w.locker != nil {
		connOpts = append(connOpts, connection.WithLocker(w.locker, w.lockTTL))
	}
	w.conn = connection.NewManager(w.backend, w.store, connOpts...)
	w.store.SetRegistrar(w.conn)

	w.exec = execution.NewController(w.store, w.conn,
		execution.WithLogger(w.logger),
		execution.WithClock(w.now),
		execution.WithTimeout(w.execTimeout),
		execution.WithHooks(w.hooks),
	)
	return w
}

// Start connects when auto-connect is configured and reports whether the
// backend is connected afterwards.
func (w *Workbench) Start(ctx context.Context) bool {
	if w.autoConnect && !w.conn.IsConnected() {
		w.conn.Connect(ctx, w.baseURL, w.token)
	}
	return w.conn.IsConnected()
}

// Close cancels every execution and disconnects.
func (w *Workbench) Close(ctx context.Context) error {
	w.exec.CancelAll(ctx)
	w.conn.Disconnect()
	return nil
}

// Store returns the notebook store.
func (w *Workbench) Store() *store.Store { return w.store }

// Connection returns the connection manager.
func (w *Workbench) Connection() *connection.Manager { return w.conn }

// Execution returns the execution controller.
func (w *Workbench) Execution() *execution.Controller { return w.exec }

// Subscribe streams change events published after the call until ctx is done.
func (w *Workbench) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	return w.feed.Subscribe(ctx)
}

// -- Connection --

// Connect probes the backend and commits the endpoint on success.
func (w *Workbench) Connect(ctx context.Context, baseURL, token string) bool {
	return w.conn.Connect(ctx, baseURL, token)
}

// Disconnect drops the backend connection and every session binding.
func (w *Workbench) Disconnect() {
	w.conn.Disconnect()
}

// ConnectionStatus returns a snapshot of the connection.
func (w *Workbench) ConnectionStatus() domain.Connection {
	return w.conn.Connection()
}

// -- Notebooks --

// CreateNotebook creates a notebook with one empty code cell and makes it active.
func (w *Workbench) CreateNotebook(ctx context.Context, name string) string {
	return w.store.CreateNotebook(ctx, name)
}

// DeleteNotebook removes the notebook, then cancels its executions. Removing
// first keeps a running RunAll from dispatching the next cell.
func (w *Workbench) DeleteNotebook(ctx context.Context, id string) bool {
	if !w.store.DeleteNotebook(id) {
		return false
	}
	w.exec.CancelNotebook(ctx, id)
	return true
}

// Notebook returns a snapshot of the notebook.
func (w *Workbench) Notebook(id string) (*domain.Notebook, bool) {
	return w.store.Notebook(id)
}

// Notebooks returns snapshots of every notebook.
func (w *Workbench) Notebooks() []*domain.Notebook {
	return w.store.Notebooks()
}

// ActiveID returns the active notebook id, or "".
func (w *Workbench) ActiveID() string {
	return w.store.ActiveID()
}

// SetActive changes the active notebook.
func (w *Workbench) SetActive(id string) bool {
	return w.store.SetActive(id)
}

// UpdateNotebook renames the notebook or changes its kernelspec.
func (w *Workbench) UpdateNotebook(id string, upd store.NotebookUpdate) bool {
	return w.store.UpdateNotebook(id, upd)
}

// Export builds the export document of the notebook.
func (w *Workbench) Export(id string) (domain.ExportDocument, bool) {
	nb, ok := w.store.Notebook(id)
	if !ok {
		return domain.ExportDocument{}, false
	}
	return domain.Export(nb, w.now()), true
}

// Import creates a notebook from an export document. Cells keep their source
// and recorded output and start idle.
func (w *Workbench) Import(ctx context.Context, doc domain.ExportDocument) string {
	return w.store.ImportNotebook(ctx, doc)
}

// -- Cells --

// AddCell inserts a cell; a nil index appends.
func (w *Workbench) AddCell(notebookID string, kind domain.CellKind, atIndex *int) (string, bool) {
	return w.store.AddCell(notebookID, kind, atIndex)
}

// UpdateCell edits the cell's source or kind.
func (w *Workbench) UpdateCell(notebookID, cellID string, upd store.CellUpdate) bool {
	return w.store.UpdateCell(notebookID, cellID, upd)
}

// DeleteCell cancels the cell's execution, then removes it.
func (w *Workbench) DeleteCell(ctx context.Context, notebookID, cellID string) bool {
	w.exec.CancelExecution(ctx, notebookID, cellID)
	return w.store.DeleteCell(notebookID, cellID)
}

// ReorderCells moves a cell within its notebook.
func (w *Workbench) ReorderCells(notebookID string, from, to int) bool {
	return w.store.ReorderCells(notebookID, from, to)
}

// -- Execution --

// ExecuteCell runs the cell and waits for its terminal status.
func (w *Workbench) ExecuteCell(ctx context.Context, notebookID, cellID string) error {
	return w.exec.ExecuteCell(ctx, notebookID, cellID)
}

// StartCell runs the cell in the background.
func (w *Workbench) StartCell(ctx context.Context, notebookID, cellID string) (<-chan execution.Result, error) {
	return w.exec.Start(ctx, notebookID, cellID)
}

// CancelExecution stops the cell's execution.
func (w *Workbench) CancelExecution(ctx context.Context, notebookID, cellID string) bool {
	return w.exec.CancelExecution(ctx, notebookID, cellID)
}

// RunAll runs the notebook's code cells in order.
func (w *Workbench) RunAll(ctx context.Context, notebookID string) []execution.Result {
	return w.exec.ExecuteAll(ctx, notebookID)
}

// StopNotebook cancels every execution of the notebook.
func (w *Workbench) StopNotebook(ctx context.Context, notebookID string) int {
	return w.exec.CancelNotebook(ctx, notebookID)
}

// RestartKernel cancels the notebook's executions and restarts its kernel.
func (w *Workbench) RestartKernel(ctx context.Context, notebookID string) bool {
	return w.exec.RestartKernel(ctx, notebookID)
}

// IsExecuting reports whether any cell is in flight.
func (w *Workbench) IsExecuting() bool {
	return w.exec.IsExecuting()
}

// InFlight lists unresolved executions.
func (w *Workbench) InFlight() []execution.FlightInfo {
	return w.exec.InFlight()
}
