package execution_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/workbench/pkg/adapters/memory"
	"github.com/aretw0/workbench/pkg/connection"
	"github.com/aretw0/workbench/pkg/domain"
	"github.com/aretw0/workbench/pkg/execution"
	"github.com/aretw0/workbench/pkg/ports"
	"github.com/aretw0/workbench/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	backend *memory.Backend
	store   *store.Store
	conn    *connection.Manager
	ctrl    *execution.Controller
	nbID    string
	cellID  string
}

func newFixture(t *testing.T, backendOpts []memory.BackendOption, opts ...execution.Option) *fixture {
	t.Helper()
	f := &fixture{backend: memory.NewBackend(backendOpts...), store: store.New()}
	f.conn = connection.NewManager(f.backend, f.store)
	f.store.SetRegistrar(f.conn)
	f.ctrl = execution.NewController(f.store, f.conn, opts...)

	require.True(t, f.conn.Connect(context.Background(), "http://kernel", ""))
	f.nbID = f.store.CreateNotebook(context.Background(), "test")
	nb, _ := f.store.Notebook(f.nbID)
	f.cellID = nb.Cells[0].ID
	return f
}

func (f *fixture) setSource(t *testing.T, cellID, src string) {
	t.Helper()
	require.True(t, f.store.UpdateCell(f.nbID, cellID, store.CellUpdate{Source: &src}))
}

func (f *fixture) addCell(t *testing.T, kind domain.CellKind, src string) string {
	t.Helper()
	id, ok := f.store.AddCell(f.nbID, kind, nil)
	require.True(t, ok)
	f.setSource(t, id, src)
	return id
}

func (f *fixture) cell(t *testing.T, cellID string) *domain.Cell {
	t.Helper()
	c, ok := f.store.Cell(f.nbID, cellID)
	require.True(t, ok)
	return c
}

func waitResult(t *testing.T, ch <-chan execution.Result) execution.Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not reach a terminal status")
		return execution.Result{}
	}
}

func TestExecuteCell_Success(t *testing.T) {
	f := newFixture(t, nil)
	f.setSource(t, f.cellID, "print(1)\nprint(2)")

	require.NoError(t, f.ctrl.ExecuteCell(context.Background(), f.nbID, f.cellID))

	c := f.cell(t, f.cellID)
	assert.Equal(t, domain.StatusCompleted, c.Status)
	assert.Equal(t, []string{"print(1)", "print(2)"}, c.Output)
	require.NotNil(t, c.ExecutionCount)
	assert.Equal(t, 1, *c.ExecutionCount)
	assert.NotNil(t, c.LastExecutedAt)

	nb, _ := f.store.Notebook(f.nbID)
	assert.NotNil(t, nb.Session, "first execution initializes the kernel session")

	require.NoError(t, f.ctrl.ExecuteCell(context.Background(), f.nbID, f.cellID))
	c = f.cell(t, f.cellID)
	assert.Equal(t, 2, *c.ExecutionCount)
	assert.Len(t, c.Output, 2, "output is cleared on each run")
	assert.False(t, f.ctrl.IsExecuting())
}

func TestExecuteCell_BackendError(t *testing.T) {
	f := newFixture(t, nil)
	f.setSource(t, f.cellID, "raise ValueError('x')")

	err := f.ctrl.ExecuteCell(context.Background(), f.nbID, f.cellID)
	assert.ErrorIs(t, err, memory.ErrRaised)

	c := f.cell(t, f.cellID)
	assert.Equal(t, domain.StatusFailed, c.Status)
	require.Len(t, c.Output, 1)
	assert.Contains(t, c.Output[0], "Traceback")
	require.NotNil(t, c.ExecutionCount)
	assert.Equal(t, 1, *c.ExecutionCount)
	assert.True(t, f.conn.IsConnected(), "a code error is not a transport failure")
}

func TestExecuteCell_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.ctrl.ExecuteCell(ctx, "missing", f.cellID), domain.ErrNotebookNotFound)
	assert.ErrorIs(t, f.ctrl.ExecuteCell(ctx, f.nbID, "missing"), domain.ErrCellNotFound)

	f.conn.Disconnect()
	assert.ErrorIs(t, f.ctrl.ExecuteCell(ctx, f.nbID, f.cellID), domain.ErrNotConnected)
	c := f.cell(t, f.cellID)
	assert.Equal(t, domain.StatusIdle, c.Status, "rejected requests must not mutate the cell")
	assert.Nil(t, c.LastExecutedAt)
}

func TestExecuteCell_MarkdownCompletesWithoutKernel(t *testing.T) {
	f := newFixture(t, nil)
	id := f.addCell(t, domain.KindMarkdown, "# Title")

	require.NoError(t, f.ctrl.ExecuteCell(context.Background(), f.nbID, id))
	c := f.cell(t, id)
	assert.Equal(t, domain.StatusCompleted, c.Status)
	assert.Nil(t, c.ExecutionCount)
}

func TestExecuteCell_SecondDispatchRejected(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, []memory.BackendOption{memory.WithGate(gate)})
	f.setSource(t, f.cellID, "slow()")
	ctx := context.Background()

	results, err := f.ctrl.Start(ctx, f.nbID, f.cellID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, f.cell(t, f.cellID).Status, "Running is visible synchronously")
	assert.True(t, f.ctrl.IsExecuting())

	assert.ErrorIs(t, f.ctrl.ExecuteCell(ctx, f.nbID, f.cellID), domain.ErrCellInFlight)
	_, err = f.ctrl.Start(ctx, f.nbID, f.cellID)
	assert.ErrorIs(t, err, domain.ErrCellInFlight)

	inFlight := f.ctrl.InFlight()
	require.Len(t, inFlight, 1)
	assert.Equal(t, f.cellID, inFlight[0].CellID)

	close(gate)
	res := waitResult(t, results)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.False(t, f.ctrl.IsExecuting())
	assert.Equal(t, 1, *f.cell(t, f.cellID).ExecutionCount)
}

func TestExecuteCell_ConcurrentStartsAdmitOne(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, []memory.BackendOption{memory.WithGate(gate)})
	f.setSource(t, f.cellID, "x")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted []<-chan execution.Result
		rejected int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := f.ctrl.Start(context.Background(), f.nbID, f.cellID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrCellInFlight)
				rejected++
				return
			}
			admitted = append(admitted, ch)
		}()
	}
	wg.Wait()

	require.Len(t, admitted, 1)
	assert.Equal(t, 19, rejected)
	close(gate)
	waitResult(t, admitted[0])
}

func TestCancelExecution(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, []memory.BackendOption{memory.WithGate(gate)})
	f.setSource(t, f.cellID, "sleep()")
	ctx := context.Background()

	results, err := f.ctrl.Start(ctx, f.nbID, f.cellID)
	require.NoError(t, err)

	assert.True(t, f.ctrl.CancelExecution(ctx, f.nbID, f.cellID))
	res := waitResult(t, results)
	assert.ErrorIs(t, res.Err, domain.ErrCancelled)
	assert.Equal(t, domain.StatusFailed, res.Status)

	c := f.cell(t, f.cellID)
	assert.Equal(t, domain.StatusFailed, c.Status)
	require.NotEmpty(t, c.Output)
	assert.Equal(t, execution.CancelledMarker, c.Output[len(c.Output)-1])
	assert.False(t, f.ctrl.IsExecuting())

	assert.False(t, f.ctrl.CancelExecution(ctx, f.nbID, f.cellID), "nothing left to cancel")

	// the slot is free again
	next, err := f.ctrl.Start(ctx, f.nbID, f.cellID)
	require.NoError(t, err)
	close(gate)
	assert.Equal(t, domain.StatusCompleted, waitResult(t, next).Status)
}

func TestExecuteCell_CallerContextCancels(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, []memory.BackendOption{memory.WithGate(gate)})
	f.setSource(t, f.cellID, "wait()")

	ctx, cancel := context.WithCancel(context.Background())
	results, err := f.ctrl.Start(ctx, f.nbID, f.cellID)
	require.NoError(t, err)
	cancel()

	res := waitResult(t, results)
	assert.ErrorIs(t, res.Err, domain.ErrCancelled)
	assert.Equal(t, domain.StatusFailed, f.cell(t, f.cellID).Status)
}

func TestExecuteCell_Timeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, []memory.BackendOption{memory.WithGate(gate)}, execution.WithTimeout(50*time.Millisecond))
	f.setSource(t, f.cellID, "while True: pass")

	err := f.ctrl.ExecuteCell(context.Background(), f.nbID, f.cellID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c := f.cell(t, f.cellID)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.Equal(t, "Execution timed out after 50ms", c.Output[len(c.Output)-1])
	assert.True(t, f.conn.IsConnected())
}

func TestExecuteCell_TransportLost(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, []memory.BackendOption{memory.WithGate(gate)})
	f.setSource(t, f.cellID, "line")

	results, err := f.ctrl.Start(context.Background(), f.nbID, f.cellID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c, _ := f.store.Cell(f.nbID, f.cellID)
		return len(c.Output) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.backend.Drop()
	res := waitResult(t, results)
	assert.ErrorIs(t, res.Err, ports.ErrTransportClosed)

	c := f.cell(t, f.cellID)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.Equal(t, []string{"line", execution.LostMarker}, c.Output)
	assert.False(t, f.conn.IsConnected(), "transport loss forces a disconnect")

	nb, _ := f.store.Notebook(f.nbID)
	assert.Nil(t, nb.Session)
}

func TestExecuteCell_StreamEndedByDisconnectKeepsNewConnection(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, []memory.BackendOption{memory.WithGate(gate)})
	f.setSource(t, f.cellID, "line")
	ctx := context.Background()

	results, err := f.ctrl.Start(ctx, f.nbID, f.cellID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c, _ := f.store.Cell(f.nbID, f.cellID)
		return c.ExecutionCount != nil
	}, 2*time.Second, 5*time.Millisecond)

	f.conn.Disconnect()
	require.True(t, f.conn.Connect(ctx, "http://kernel", ""))

	res := waitResult(t, results)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.False(t, f.ctrl.IsExecuting())
	assert.True(t, f.conn.IsConnected(), "the stream belonged to the previous connection")

	// the new connection is usable
	require.NoError(t, f.ctrl.ExecuteCell(ctx, f.nbID, f.addCell(t, domain.KindMarkdown, "# ok")))
}

func TestExecuteCell_SessionRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.setSource(t, f.cellID, "x")
	f.backend.RejectSessions(true)

	err := f.ctrl.ExecuteCell(context.Background(), f.nbID, f.cellID)
	assert.ErrorIs(t, err, domain.ErrNoSession)

	c := f.cell(t, f.cellID)
	assert.Equal(t, domain.StatusFailed, c.Status)
	require.Len(t, c.Output, 1)
	assert.Contains(t, c.Output[0], "Kernel session unavailable")
	assert.Nil(t, c.ExecutionCount)
}

func TestExecuteAll(t *testing.T) {
	f := newFixture(t, nil)
	f.setSource(t, f.cellID, "a = 1")
	md := f.addCell(t, domain.KindMarkdown, "# notes")
	bad := f.addCell(t, domain.KindCode, "raise RuntimeError")
	blank := f.addCell(t, domain.KindCode, "   \n\t")
	last := f.addCell(t, domain.KindCode, "b = 2")

	results := f.ctrl.ExecuteAll(context.Background(), f.nbID)

	require.Len(t, results, 3)
	assert.Equal(t, []string{f.cellID, bad, last}, []string{results[0].CellID, results[1].CellID, results[2].CellID})
	assert.Equal(t, domain.StatusCompleted, results[0].Status)
	assert.Equal(t, domain.StatusFailed, results[1].Status)
	assert.Equal(t, domain.StatusCompleted, results[2].Status, "a failure does not stop the batch")

	assert.Equal(t, domain.StatusIdle, f.cell(t, md).Status)
	assert.Equal(t, domain.StatusIdle, f.cell(t, blank).Status)

	// sequential: the last cell started after the first finished
	first, lastCell := f.cell(t, f.cellID), f.cell(t, last)
	assert.False(t, lastCell.LastExecutedAt.Before(*first.LastExecutedAt))

	assert.Nil(t, f.ctrl.ExecuteAll(context.Background(), "missing"))
}

func TestExecuteAll_Disconnected(t *testing.T) {
	f := newFixture(t, nil)
	f.setSource(t, f.cellID, "x")
	f.addCell(t, domain.KindCode, "y")
	f.conn.Disconnect()

	results := f.ctrl.ExecuteAll(context.Background(), f.nbID)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, domain.ErrNotConnected)
		assert.Empty(t, r.Status)
	}
}

func TestExecuteAll_StopsOnContextCancel(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, []memory.BackendOption{memory.WithGate(gate)})
	f.setSource(t, f.cellID, "first")
	second := f.addCell(t, domain.KindCode, "second")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []execution.Result)
	go func() { done <- f.ctrl.ExecuteAll(ctx, f.nbID) }()

	require.Eventually(t, f.ctrl.IsExecuting, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case results := <-done:
		require.Len(t, results, 1)
		assert.ErrorIs(t, results[0].Err, domain.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteAll did not stop")
	}
	assert.Equal(t, domain.StatusIdle, f.cell(t, second).Status)
}

func TestCancelNotebook_StopsRunningBatch(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, []memory.BackendOption{memory.WithGate(gate)})
	f.setSource(t, f.cellID, "first")
	second := f.addCell(t, domain.KindCode, "second")
	ctx := context.Background()

	done := make(chan []execution.Result)
	go func() { done <- f.ctrl.ExecuteAll(ctx, f.nbID) }()
	require.Eventually(t, f.ctrl.IsExecuting, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, f.ctrl.CancelNotebook(ctx, f.nbID))

	select {
	case results := <-done:
		require.Len(t, results, 1)
		assert.ErrorIs(t, results[0].Err, domain.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteAll did not stop")
	}
	assert.Empty(t, f.ctrl.InFlight())
	assert.Equal(t, domain.StatusIdle, f.cell(t, second).Status)
}

func TestCancelNotebookAndRestart(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, []memory.BackendOption{memory.WithGate(gate)})
	ctx := context.Background()
	f.setSource(t, f.cellID, "one")
	other := f.addCell(t, domain.KindCode, "two")

	r1, err := f.ctrl.Start(ctx, f.nbID, f.cellID)
	require.NoError(t, err)
	r2, err := f.ctrl.Start(ctx, f.nbID, other)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		a, _ := f.store.Cell(f.nbID, f.cellID)
		b, _ := f.store.Cell(f.nbID, other)
		return len(a.Output) == 1 && len(b.Output) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, f.ctrl.RestartKernel(ctx, f.nbID))
	assert.ErrorIs(t, waitResult(t, r1).Err, domain.ErrCancelled)
	assert.ErrorIs(t, waitResult(t, r2).Err, domain.ErrCancelled)
	assert.False(t, f.ctrl.IsExecuting())

	nb, _ := f.store.Notebook(f.nbID)
	assert.Equal(t, 1, f.backend.Restarts(nb.Session.KernelID))
	assert.Equal(t, 0, f.ctrl.CancelNotebook(ctx, f.nbID))
}

func TestHooks(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(name string) func(context.Context, *domain.ExecutionEvent) {
		return func(_ context.Context, ev *domain.ExecutionEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, name+":"+string(ev.Status)+":"+ev.Line)
		}
	}
	hooks := domain.ExecutionHooks{
		OnDispatch: record("dispatch"),
		OnAccepted: record("accepted"),
		OnOutput:   record("output"),
		OnFinish:   record("finish"),
	}
	f := newFixture(t, nil, execution.WithHooks(hooks))
	f.setSource(t, f.cellID, "hello")

	require.NoError(t, f.ctrl.ExecuteCell(context.Background(), f.nbID, f.cellID))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"dispatch:running:",
		"accepted:running:",
		"output:running:hello",
		"finish:completed:",
	}, events)
}

func TestResultError(t *testing.T) {
	assert.Equal(t, "", execution.Result{}.Error())
	assert.Equal(t, "boom", execution.Result{Err: errors.New("boom")}.Error())
}
