package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/workbench/internal/identity"
	"github.com/aretw0/workbench/internal/logging"
	"github.com/aretw0/workbench/pkg/domain"
	"github.com/aretw0/workbench/pkg/ports"
)

const (
	// DefaultTimeout bounds a single cell execution.
	DefaultTimeout = 60 * time.Second
	// CancelledMarker is the output line appended to a cancelled cell.
	CancelledMarker = "Execution cancelled"
	// LostMarker is the output line appended when the transport went away mid-run.
	LostMarker = "Connection to kernel lost"
)

// Sessions is the connection-side dependency of the Controller.
type Sessions interface {
	IsConnected() bool
	EnsureSession(ctx context.Context, notebookID string) (*domain.SessionBinding, error)
	// Execute also returns the epoch of the connection the source was sent on.
	Execute(ctx context.Context, binding *domain.SessionBinding, source string) (<-chan ports.OutputEvent, uint64, error)
	Interrupt(ctx context.Context, kernelID string) error
	RestartKernel(ctx context.Context, notebookID string) error
	HandleTransportClosed(epoch uint64, err error) bool
}

// Cells is the store-side dependency of the Controller.
type Cells interface {
	Notebook(id string) (*domain.Notebook, bool)
	Cell(notebookID, cellID string) (*domain.Cell, bool)
	ApplyExecution(notebookID, cellID string, fn func(*domain.Cell)) bool
}

// Result is the outcome of one cell dispatch. A rejected dispatch has an empty Status.
type Result struct {
	NotebookID string            `json:"notebook_id"`
	CellID     string            `json:"cell_id"`
	Status     domain.CellStatus `json:"status,omitempty"`
	Err        error             `json:"-"`
}

// Error returns the error message, or "" on success.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// FlightInfo describes an unresolved execution.
type FlightInfo struct {
	NotebookID string    `json:"notebook_id"`
	CellID     string    `json:"cell_id"`
	KernelID   string    `json:"kernel_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

type flight struct {
	notebookID string
	cellID     string
	startedAt  time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	mu       sync.Mutex
	kernelID string
	epoch    uint64
	accepted bool
	sawError bool
	resolved bool
	result   Result
}

// batch is one running ExecuteAll.
type batch struct {
	cancel context.CancelFunc
}

func (f *flight) kernel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kernelID
}

func (f *flight) final() Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

// Controller owns the in-flight registry.
type Controller struct {
	cells    Cells
	sessions Sessions

	mu      sync.Mutex
	flights map[string]*flight
	batches map[string]map[*batch]struct{} // running ExecuteAll calls per notebook

	timeout time.Duration
	hooks   domain.ExecutionHooks
	now     ports.Clock
	logger  *slog.Logger
}

// Option configures the Controller.
type Option func(*Controller)

// WithLogger configures a logger for the Controller.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHooks installs execution lifecycle callbacks.
func WithHooks(hooks domain.ExecutionHooks) Option {
	return func(c *Controller) {
		c.hooks = hooks
	}
}

// WithClock overrides the time source.
func WithClock(clock ports.Clock) Option {
	return func(c *Controller) {
		c.now = clock
	}
}

// NewController creates a Controller.
func NewController(cells Cells, sessions Sessions, opts ...Option) *Controller {
	c := &Controller{
		cells:    cells,
		sessions: sessions,
		flights:  make(map[string]*flight),
		batches:  make(map[string]map[*batch]struct{}),
		timeout:  DefaultTimeout,
		now:      identity.Now,
		logger:   logging.NewNop(), // Default to no-op
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func flightKey(notebookID, cellID string) string {
	return notebookID + "/" + cellID
}

// ExecuteCell runs the cell and blocks until it reaches a terminal status.
// A nil error means Completed. Rejected requests leave the cell untouched.
func (c *Controller) ExecuteCell(ctx context.Context, notebookID, cellID string) error {
	results, err := c.Start(ctx, notebookID, cellID)
	if err != nil {
		return err
	}
	return (<-results).Err
}

// Start validates the request, marks the cell Running and runs it in the background.
// The returned channel yields the terminal Result once the flight slot is released.
// Cancelling ctx cancels the execution.
func (c *Controller) Start(ctx context.Context, notebookID, cellID string) (<-chan Result, error) {
	if !c.sessions.IsConnected() {
		return nil, domain.ErrNotConnected
	}
	cell, ok := c.cells.Cell(notebookID, cellID)
	if !ok {
		if _, exists := c.cells.Notebook(notebookID); !exists {
			return nil, domain.ErrNotebookNotFound
		}
		return nil, domain.ErrCellNotFound
	}

	fctx, cancel := context.WithCancel(ctx)
	now := c.now()
	f := &flight{
		notebookID: notebookID,
		cellID:     cellID,
		startedAt:  now,
		ctx:        fctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	// f.mu is held until Running is visible so a racing cancel cannot resolve first.
	f.mu.Lock()
	key := flightKey(notebookID, cellID)
	c.mu.Lock()
	if _, busy := c.flights[key]; busy {
		c.mu.Unlock()
		f.mu.Unlock()
		cancel()
		return nil, domain.ErrCellInFlight
	}
	c.flights[key] = f
	c.mu.Unlock()

	ok = c.cells.ApplyExecution(notebookID, cellID, func(cell *domain.Cell) {
		cell.Status = domain.StatusRunning
		cell.Output = nil
		cell.LastExecutedAt = &now
	})
	f.mu.Unlock()
	if !ok {
		c.release(f)
		cancel()
		return nil, domain.ErrCellNotFound
	}

	c.logger.Debug("Cell dispatched", "notebook_id", notebookID, "cell_id", cellID)
	c.fire(c.hooks.OnDispatch, f, domain.StatusRunning, "", nil)

	results := make(chan Result, 1)
	go func() {
		results <- c.run(f, cell.Kind, cell.Source)
		close(results)
	}()
	return results, nil
}

func (c *Controller) run(f *flight, kind domain.CellKind, source string) Result {
	defer c.release(f)
	defer f.cancel()

	if kind == domain.KindMarkdown {
		c.resolve(f, domain.StatusCompleted, "", nil)
		return f.final()
	}

	binding, err := c.sessions.EnsureSession(f.ctx, f.notebookID)
	if err != nil {
		if f.ctx.Err() != nil {
			c.interrupted(f, f.ctx)
		} else {
			c.resolve(f, domain.StatusFailed, "Kernel session unavailable: "+err.Error(), err)
		}
		return f.final()
	}
	f.mu.Lock()
	f.kernelID = binding.KernelID
	f.mu.Unlock()

	execCtx, cancel := context.WithTimeout(f.ctx, c.timeout)
	defer cancel()

	events, epoch, err := c.sessions.Execute(execCtx, binding, source)
	f.mu.Lock()
	f.epoch = epoch
	f.mu.Unlock()
	if err != nil {
		c.sessions.HandleTransportClosed(epoch, err)
		c.resolve(f, domain.StatusFailed, "Error: "+err.Error(), err)
		return f.final()
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.lost(f, execCtx)
				return f.final()
			}
			switch ev.Kind {
			case ports.OutputAccepted:
				c.accept(f)
			case ports.OutputStream, ports.OutputResult:
				c.accept(f)
				c.output(f, ev.Text, false)
			case ports.OutputError:
				c.accept(f)
				c.output(f, ev.Text, true)
			case ports.OutputDone:
				c.done(f, ev.Err)
				return f.final()
			}
		case <-execCtx.Done():
			c.interrupted(f, execCtx)
			return f.final()
		}
	}
}

func (c *Controller) release(f *flight) {
	c.mu.Lock()
	key := flightKey(f.notebookID, f.cellID)
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	c.mu.Unlock()
	close(f.done)
}

// accept bumps the execution count once per dispatch.
func (c *Controller) accept(f *flight) {
	f.mu.Lock()
	if f.resolved || f.accepted {
		f.mu.Unlock()
		return
	}
	f.accepted = true
	c.cells.ApplyExecution(f.notebookID, f.cellID, func(cell *domain.Cell) {
		cell.BumpExecutionCount()
	})
	f.mu.Unlock()

	c.fire(c.hooks.OnAccepted, f, domain.StatusRunning, "", nil)
}

func (c *Controller) output(f *flight, line string, isError bool) {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return
	}
	if isError {
		f.sawError = true
	}
	c.cells.ApplyExecution(f.notebookID, f.cellID, func(cell *domain.Cell) {
		cell.Output = append(cell.Output, line)
	})
	f.mu.Unlock()

	c.fire(c.hooks.OnOutput, f, domain.StatusRunning, line, nil)
}

func (c *Controller) done(f *flight, err error) {
	if err == nil {
		c.resolve(f, domain.StatusCompleted, "", nil)
		return
	}
	f.mu.Lock()
	reported := f.sawError
	epoch := f.epoch
	f.mu.Unlock()
	c.sessions.HandleTransportClosed(epoch, err)

	line := ""
	if !reported {
		line = "Error: " + err.Error()
	}
	c.resolve(f, domain.StatusFailed, line, err)
}

// lost handles a stream that closed without a final reply.
func (c *Controller) lost(f *flight, execCtx context.Context) {
	if execCtx.Err() != nil {
		c.interrupted(f, execCtx)
		return
	}
	f.mu.Lock()
	epoch := f.epoch
	f.mu.Unlock()
	c.sessions.HandleTransportClosed(epoch, ports.ErrTransportClosed)
	c.resolve(f, domain.StatusFailed, LostMarker, ports.ErrTransportClosed)
}

// interrupted resolves a flight whose context ended: a deadline is a timeout,
// anything else a cancellation. The kernel is interrupted best-effort.
func (c *Controller) interrupted(f *flight, execCtx context.Context) {
	var resolved bool
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && f.ctx.Err() == nil {
		err := fmt.Errorf("execution timed out after %s: %w", c.timeout, context.DeadlineExceeded)
		resolved = c.resolve(f, domain.StatusFailed, "Execution timed out after "+c.timeout.String(), err)
	} else {
		resolved = c.resolve(f, domain.StatusFailed, CancelledMarker, domain.ErrCancelled)
	}
	if resolved {
		c.interruptKernel(f)
	}
}

func (c *Controller) interruptKernel(f *flight) {
	kernelID := f.kernel()
	if kernelID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sessions.Interrupt(ctx, kernelID); err != nil {
		c.logger.Warn("Failed to interrupt kernel", "kernel_id", kernelID, "err", err)
	}
}

// resolve moves the flight to its terminal status exactly once and reports
// whether this call did it.
func (c *Controller) resolve(f *flight, status domain.CellStatus, line string, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.result = Result{NotebookID: f.notebookID, CellID: f.cellID, Status: status, Err: err}
	c.cells.ApplyExecution(f.notebookID, f.cellID, func(cell *domain.Cell) {
		cell.Status = status
		if line != "" {
			cell.Output = append(cell.Output, line)
		}
	})
	f.mu.Unlock()

	if err != nil {
		c.logger.Info("Cell failed", "notebook_id", f.notebookID, "cell_id", f.cellID, "err", err)
	} else {
		c.logger.Debug("Cell completed", "notebook_id", f.notebookID, "cell_id", f.cellID)
	}
	c.fire(c.hooks.OnFinish, f, status, line, err)
	return true
}

func (c *Controller) fire(hook func(context.Context, *domain.ExecutionEvent), f *flight, status domain.CellStatus, line string, err error) {
	if hook == nil {
		return
	}
	now := c.now()
	hook(context.Background(), &domain.ExecutionEvent{
		Timestamp:  now,
		NotebookID: f.notebookID,
		CellID:     f.cellID,
		KernelID:   f.kernel(),
		Status:     status,
		Line:       line,
		Duration:   now.Sub(f.startedAt),
		Err:        err,
	})
}

// ExecuteAll runs every code cell with non-blank source, in notebook order, one at a
// time. A failed or rejected cell does not stop the batch; cancelling ctx,
// CancelNotebook or deleting the notebook does.
func (c *Controller) ExecuteAll(ctx context.Context, notebookID string) []Result {
	nb, ok := c.cells.Notebook(notebookID)
	if !ok {
		return nil
	}
	ctx, done := c.startBatch(ctx, notebookID)
	defer done()

	var results []Result
	for _, cell := range nb.Cells {
		if ctx.Err() != nil {
			break
		}
		if !cell.Runnable() {
			continue
		}
		res := Result{NotebookID: notebookID, CellID: cell.ID}
		ch, err := c.Start(ctx, notebookID, cell.ID)
		if errors.Is(err, domain.ErrNotebookNotFound) {
			break
		}
		if err != nil {
			res.Err = err
		} else {
			res = <-ch
		}
		results = append(results, res)
	}
	return results
}

func (c *Controller) startBatch(ctx context.Context, notebookID string) (context.Context, func()) {
	bctx, cancel := context.WithCancel(ctx)
	b := &batch{cancel: cancel}

	c.mu.Lock()
	if c.batches[notebookID] == nil {
		c.batches[notebookID] = make(map[*batch]struct{})
	}
	c.batches[notebookID][b] = struct{}{}
	c.mu.Unlock()

	return bctx, func() {
		c.mu.Lock()
		delete(c.batches[notebookID], b)
		if len(c.batches[notebookID]) == 0 {
			delete(c.batches, notebookID)
		}
		c.mu.Unlock()
		cancel()
	}
}

// stopBatches cancels the running ExecuteAll calls of the notebook, or of every
// notebook when notebookID is empty.
func (c *Controller) stopBatches(notebookID string) {
	c.mu.Lock()
	var cancels []context.CancelFunc
	for id, set := range c.batches {
		if notebookID != "" && id != notebookID {
			continue
		}
		for b := range set {
			cancels = append(cancels, b.cancel)
		}
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// CancelExecution resolves the cell's execution to Failed with CancelledMarker,
// stops its stream, interrupts the kernel best-effort and waits for the slot to free.
func (c *Controller) CancelExecution(ctx context.Context, notebookID, cellID string) bool {
	c.mu.Lock()
	f := c.flights[flightKey(notebookID, cellID)]
	c.mu.Unlock()
	if f == nil {
		return false
	}
	return c.cancel(ctx, []*flight{f}) == 1
}

// CancelNotebook stops the notebook's running batches, cancels every execution of
// the notebook and returns how many it resolved.
func (c *Controller) CancelNotebook(ctx context.Context, notebookID string) int {
	c.stopBatches(notebookID)
	var flights []*flight
	for _, f := range c.snapshot() {
		if f.notebookID == notebookID {
			flights = append(flights, f)
		}
	}
	return c.cancel(ctx, flights)
}

// CancelAll stops every batch and cancels every execution.
func (c *Controller) CancelAll(ctx context.Context) int {
	c.stopBatches("")
	return c.cancel(ctx, c.snapshot())
}

// cancel resolves all flights before touching any kernel, so an interrupt
// cannot race a sibling flight into a different terminal reason.
func (c *Controller) cancel(ctx context.Context, flights []*flight) int {
	n := 0
	kernels := make(map[string]*flight)
	for _, f := range flights {
		if c.resolve(f, domain.StatusFailed, CancelledMarker, domain.ErrCancelled) {
			n++
			if id := f.kernel(); id != "" {
				kernels[id] = f
			}
		}
		f.cancel()
	}
	for _, f := range kernels {
		c.interruptKernel(f)
	}
	for _, f := range flights {
		select {
		case <-f.done:
		case <-ctx.Done():
			return n
		}
	}
	return n
}

// RestartKernel cancels the notebook's executions and restarts its kernel.
func (c *Controller) RestartKernel(ctx context.Context, notebookID string) bool {
	c.CancelNotebook(ctx, notebookID)
	if err := c.sessions.RestartKernel(ctx, notebookID); err != nil {
		c.logger.Warn("Kernel restart failed", "notebook_id", notebookID, "err", err)
		return false
	}
	return true
}

// IsExecuting reports whether any cell is in flight.
func (c *Controller) IsExecuting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights) > 0
}

// InFlight lists unresolved executions, oldest first.
func (c *Controller) InFlight() []FlightInfo {
	flights := c.snapshot()
	out := make([]FlightInfo, 0, len(flights))
	for _, f := range flights {
		out = append(out, FlightInfo{
			NotebookID: f.notebookID,
			CellID:     f.cellID,
			KernelID:   f.kernel(),
			StartedAt:  f.startedAt,
		})
	}
	return out
}

func (c *Controller) snapshot() []*flight {
	c.mu.Lock()
	out := make([]*flight, 0, len(c.flights))
	for _, f := range c.flights {
		out = append(out, f)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].startedAt.Before(out[j].startedAt) })
	return out
}
