package http_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/workbench"
	workbenchhttp "github.com/aretw0/workbench/pkg/adapters/http"
	"github.com/aretw0/workbench/pkg/adapters/memory"
	"github.com/aretw0/workbench/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	wb      *workbench.Workbench
	backend *memory.Backend
	srv     *httptest.Server
}

func newFixture(t *testing.T, opts ...memory.BackendOption) *fixture {
	t.Helper()
	backend := memory.NewBackend(opts...)
	wb := workbench.New(workbench.WithBackend(backend))
	srv := httptest.NewServer(workbenchhttp.NewHandler(wb, workbenchhttp.WithVersion("1.2.3\n")))
	t.Cleanup(func() {
		srv.Close()
		_ = wb.Close(context.Background())
	})
	return &fixture{wb: wb, backend: backend, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/connection", map[string]string{"base_url": "http://kernel"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInfo(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/info", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[map[string]string](t, resp)
	assert.Equal(t, "workbench-http", info["app"])
	assert.Equal(t, "1.2.3", info["version"])
	assert.Equal(t, "0.1.0", info["api_version"])

	resp = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/openapi.yaml", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/yaml", resp.Header.Get("Content-Type"))
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodOptions, "/notebooks", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PATCH")
}

func TestConnection(t *testing.T) {
	f := newFixture(t)

	status := decode[domain.Connection](t, f.do(t, http.MethodGet, "/connection", nil))
	assert.Equal(t, domain.ConnDisconnected, status.State)

	f.backend.SetReachable(false)
	resp := f.do(t, http.MethodPost, "/connection", map[string]string{"base_url": "http://down"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.False(t, decode[domain.Connection](t, resp).Connected)

	f.backend.SetReachable(true)
	resp = f.do(t, http.MethodPost, "/connection", map[string]string{"base_url": "http://kernel", "token": "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status = decode[domain.Connection](t, resp)
	assert.True(t, status.Connected)
	assert.Equal(t, "http://kernel", status.BaseURL)

	resp = f.do(t, http.MethodDelete, "/connection", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, f.wb.ConnectionStatus().Connected)
}

func TestNotebookLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/notebooks", map[string]string{"name": "Report"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	nb := decode[domain.Notebook](t, resp)
	assert.Equal(t, "Report", nb.Name)
	require.Len(t, nb.Cells, 1)

	list := decode[struct {
		ActiveID  string             `json:"active_id"`
		Notebooks []*domain.Notebook `json:"notebooks"`
	}](t, f.do(t, http.MethodGet, "/notebooks", nil))
	assert.Equal(t, nb.ID, list.ActiveID)
	assert.Len(t, list.Notebooks, 1)

	resp = f.do(t, http.MethodPatch, "/notebooks/"+nb.ID, map[string]any{
		"name":        "Renamed",
		"kernel_spec": map[string]string{"name": "ir", "display_name": "R"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[domain.Notebook](t, resp)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, "ir", updated.Metadata.KernelSpec.Name)

	resp = f.do(t, http.MethodPost, "/notebooks", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decode[domain.Notebook](t, resp)
	assert.NotEmpty(t, second.Name)
	assert.Equal(t, second.ID, f.wb.ActiveID())

	resp = f.do(t, http.MethodPost, "/notebooks/"+nb.ID+"/activate", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, nb.ID, f.wb.ActiveID())

	resp = f.do(t, http.MethodDelete, "/notebooks/"+nb.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, second.ID, f.wb.ActiveID())

	for _, path := range []string{"/notebooks/" + nb.ID, "/notebooks/" + nb.ID + "/export"} {
		resp = f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp = f.do(t, http.MethodDelete, "/notebooks/"+nb.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCells(t *testing.T) {
	f := newFixture(t)
	nbID := f.wb.CreateNotebook(context.Background(), "N")
	nb, _ := f.wb.Notebook(nbID)
	first := nb.Cells[0].ID

	resp := f.do(t, http.MethodPost, "/notebooks/"+nbID+"/cells", map[string]any{"kind": "markdown", "index": 0})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	md := decode[domain.Cell](t, resp)
	assert.Equal(t, domain.KindMarkdown, md.Kind)

	resp = f.do(t, http.MethodPost, "/notebooks/"+nbID+"/cells", map[string]any{"kind": "sql"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPatch, "/notebooks/"+nbID+"/cells/"+first, map[string]any{"source": "x = 1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "x = 1", decode[domain.Cell](t, resp).Source)

	resp = f.do(t, http.MethodPatch, "/notebooks/"+nbID+"/cells/missing", map[string]any{"source": "y"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/notebooks/"+nbID+"/cells/reorder", map[string]int{"from": 0, "to": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	order := decode[map[string][]string](t, resp)["order"]
	assert.Equal(t, []string{first, md.ID}, order)

	resp = f.do(t, http.MethodDelete, "/notebooks/"+nbID+"/cells/"+md.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	nb, _ = f.wb.Notebook(nbID)
	assert.Equal(t, []string{first}, nb.CellIDs())
}

// deleteOnChange removes the notebook as soon as one of its cells changes, so
// handlers re-reading it after a mutation find it gone.
type deleteOnChange struct {
	wb *workbench.Workbench
}

func (d *deleteOnChange) Publish(ctx context.Context, event domain.ChangeEvent) error {
	if event.Type == domain.ChangeCellAdded || event.Type == domain.ChangeCellUpdated {
		d.wb.DeleteNotebook(ctx, event.NotebookID)
	}
	return nil
}

func TestCells_NotebookDeletedConcurrently(t *testing.T) {
	deleter := &deleteOnChange{}
	wb := workbench.New(workbench.WithBackend(memory.NewBackend()), workbench.WithPublisher(deleter))
	deleter.wb = wb
	srv := httptest.NewServer(workbenchhttp.NewHandler(wb))
	t.Cleanup(func() {
		srv.Close()
		_ = wb.Close(context.Background())
	})
	f := &fixture{wb: wb, srv: srv}
	ctx := context.Background()

	nbID := wb.CreateNotebook(ctx, "N")
	resp := f.do(t, http.MethodPost, "/notebooks/"+nbID+"/cells", map[string]any{"kind": "code"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_, ok := wb.Notebook(nbID)
	assert.False(t, ok)

	nbID = wb.CreateNotebook(ctx, "M")
	nb, _ := wb.Notebook(nbID)
	resp = f.do(t, http.MethodPatch, "/notebooks/"+nbID+"/cells/"+nb.Cells[0].ID, map[string]any{"source": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteCell(t *testing.T) {
	f := newFixture(t)
	nbID := f.wb.CreateNotebook(context.Background(), "N")
	nb, _ := f.wb.Notebook(nbID)
	cellID := nb.Cells[0].ID
	src := "print('hi')"
	f.do(t, http.MethodPatch, "/notebooks/"+nbID+"/cells/"+cellID, map[string]any{"source": src})

	resp := f.do(t, http.MethodPost, "/notebooks/"+nbID+"/cells/"+cellID+"/execute", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "not connected")

	f.connect(t)
	resp = f.do(t, http.MethodPost, "/notebooks/"+nbID+"/cells/"+cellID+"/execute", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		c := f.wb.Store()
		cell, _ := c.Cell(nbID, cellID)
		return cell.Status == domain.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	resp = f.do(t, http.MethodPost, "/notebooks/"+nbID+"/cells/missing/execute", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelExecution(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, memory.WithGate(gate))
	defer close(gate)
	f.connect(t)

	nbID := f.wb.CreateNotebook(context.Background(), "N")
	nb, _ := f.wb.Notebook(nbID)
	cellID := nb.Cells[0].ID
	f.do(t, http.MethodPatch, "/notebooks/"+nbID+"/cells/"+cellID, map[string]any{"source": "sleep"})

	resp := f.do(t, http.MethodPost, "/notebooks/"+nbID+"/cells/"+cellID+"/execute", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/notebooks/"+nbID+"/cells/"+cellID+"/execute", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "second dispatch")

	flights := decode[[]map[string]any](t, f.do(t, http.MethodGet, "/executions", nil))
	assert.Len(t, flights, 1)

	resp = f.do(t, http.MethodPost, "/notebooks/"+nbID+"/cells/"+cellID+"/cancel", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	cell, _ := f.wb.Store().Cell(nbID, cellID)
	assert.Equal(t, domain.StatusFailed, cell.Status)

	resp = f.do(t, http.MethodPost, "/notebooks/"+nbID+"/cells/"+cellID+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunAll_Wait(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	ctx := context.Background()

	nbID := f.wb.CreateNotebook(ctx, "N")
	nb, _ := f.wb.Notebook(nbID)
	f.do(t, http.MethodPatch, "/notebooks/"+nbID+"/cells/"+nb.Cells[0].ID, map[string]any{"source": "a = 1"})
	second := decode[domain.Cell](t, f.do(t, http.MethodPost, "/notebooks/"+nbID+"/cells", nil))
	f.do(t, http.MethodPatch, "/notebooks/"+nbID+"/cells/"+second.ID, map[string]any{"source": "raise ValueError"})

	resp := f.do(t, http.MethodPost, "/notebooks/"+nbID+"/run-all?wait=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Results []workbenchhttp.ResultView `json:"results"`
	}](t, resp)
	require.Len(t, body.Results, 2)
	assert.Equal(t, domain.StatusCompleted, body.Results[0].Status)
	assert.Equal(t, domain.StatusFailed, body.Results[1].Status)
	assert.NotEmpty(t, body.Results[1].Error)

	resp = f.do(t, http.MethodPost, "/notebooks/missing/run-all", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunAll_Async(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	nbID := f.wb.CreateNotebook(context.Background(), "N")
	nb, _ := f.wb.Notebook(nbID)
	cellID := nb.Cells[0].ID
	f.do(t, http.MethodPatch, "/notebooks/"+nbID+"/cells/"+cellID, map[string]any{"source": "a = 1"})

	resp := f.do(t, http.MethodPost, "/notebooks/"+nbID+"/run-all", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		cell, _ := f.wb.Store().Cell(nbID, cellID)
		return cell.Status == domain.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestRestartAndStop(t *testing.T) {
	f := newFixture(t)
	nbID := f.wb.CreateNotebook(context.Background(), "N")

	resp := f.do(t, http.MethodPost, "/notebooks/"+nbID+"/restart", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "no session yet")

	f.connect(t)
	nb, _ := f.wb.Notebook(nbID)
	f.do(t, http.MethodPatch, "/notebooks/"+nbID+"/cells/"+nb.Cells[0].ID, map[string]any{"source": "a = 1"})
	require.NoError(t, f.wb.ExecuteCell(context.Background(), nbID, nb.Cells[0].ID))

	resp = f.do(t, http.MethodPost, "/notebooks/"+nbID+"/restart", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/notebooks/"+nbID+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[map[string]int](t, resp)["cancelled"])
}

func TestExportImport(t *testing.T) {
	f := newFixture(t)
	nbID := f.wb.CreateNotebook(context.Background(), "My Report")

	resp := f.do(t, http.MethodGet, "/notebooks/"+nbID+"/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="My Report.json"`, resp.Header.Get("Content-Disposition"))
	doc := decode[domain.ExportDocument](t, resp)
	assert.Equal(t, "My Report", doc.Name)

	doc.Name = "Copy"
	doc.Cells = append(doc.Cells, domain.ExportCell{Code: "# Title", CellType: domain.KindMarkdown, Output: []string{}})
	resp = f.do(t, http.MethodPost, "/notebooks/import", doc)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	imported := decode[domain.Notebook](t, resp)
	assert.Equal(t, "Copy", imported.Name)
	require.Len(t, imported.Cells, 2)
	assert.Equal(t, domain.KindMarkdown, imported.Cells[1].Kind)

	doc.Cells[0].CellType = "sql"
	resp = f.do(t, http.MethodPost, "/notebooks/import", doc)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "workbench_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	wb := workbench.New(workbench.WithBackend(memory.NewBackend()))
	srv := httptest.NewServer(workbenchhttp.NewHandler(wb, workbenchhttp.WithGatherer(reg)))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "workbench_test_total 1")
}

// sseReader yields the data payloads of a server-sent event stream.
func sseReader(t *testing.T, f *fixture, path string) (<-chan string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				out <- data
			}
		}
	}()
	t.Cleanup(cancel)
	return out, cancel
}

func next(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "stream closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func TestSubscribeEvents_Global(t *testing.T) {
	f := newFixture(t)
	stream, _ := sseReader(t, f, "/events")
	assert.Equal(t, "connected", next(t, stream))

	nbID := f.wb.CreateNotebook(context.Background(), "N")

	var ev domain.ChangeEvent
	require.NoError(t, json.Unmarshal([]byte(next(t, stream)), &ev))
	assert.Equal(t, domain.ChangeNotebookCreated, ev.Type)
	assert.Equal(t, nbID, ev.NotebookID)
}

func TestSubscribeEvents_NotebookDiff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nbID := f.wb.CreateNotebook(ctx, "N")
	nb, _ := f.wb.Notebook(nbID)
	cellID := nb.Cells[0].ID

	stream, _ := sseReader(t, f, "/events?notebook_id="+nbID+"&watch=cells")
	assert.Equal(t, "connected", next(t, stream))

	var initial domain.NotebookDiff
	require.NoError(t, json.Unmarshal([]byte(next(t, stream)), &initial))
	require.NotNil(t, initial.Name)
	assert.Equal(t, "N", *initial.Name)
	assert.Contains(t, initial.Cells, cellID)

	// Renames are filtered out by watch=cells.
	name := "Renamed"
	f.do(t, http.MethodPatch, "/notebooks/"+nbID, map[string]any{"name": name})
	f.do(t, http.MethodPatch, "/notebooks/"+nbID+"/cells/"+cellID, map[string]any{"source": "x = 2"})

	var diff domain.NotebookDiff
	require.NoError(t, json.Unmarshal([]byte(next(t, stream)), &diff))
	assert.Nil(t, diff.Name)
	require.Contains(t, diff.Cells, cellID)
	assert.Equal(t, "x = 2", diff.Cells[cellID].Source)

	f.do(t, http.MethodDelete, "/notebooks/"+nbID, nil)
	require.NoError(t, json.Unmarshal([]byte(next(t, stream)), &diff))
	assert.True(t, diff.Deleted)
}

func TestSubscribeEvents_UnknownNotebook(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/events?notebook_id=missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
