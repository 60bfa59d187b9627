package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aretw0/workbench/pkg/domain"
	"github.com/aretw0/workbench/pkg/execution"
	"github.com/aretw0/workbench/pkg/store"
	"github.com/go-chi/chi/v5"
)

// ResultView is the JSON form of an execution result.
type ResultView struct {
	NotebookID string            `json:"notebook_id"`
	CellID     string            `json:"cell_id"`
	Status     domain.CellStatus `json:"status,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func resultView(r execution.Result) ResultView {
	v := ResultView{NotebookID: r.NotebookID, CellID: r.CellID, Status: r.Status}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}

type connectRequest struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
}

type notebookPatch struct {
	Name       *string            `json:"name"`
	KernelSpec *domain.KernelSpec `json:"kernel_spec"`
}

type cellRequest struct {
	Kind  domain.CellKind `json:"kind"`
	Index *int            `json:"index"`
}

type cellPatch struct {
	Source *string          `json:"source"`
	Kind   *domain.CellKind `json:"kind"`
}

type reorderRequest struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// -- Connection --

// GetConnection handles the GET /connection request.
func (s *Server) GetConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.wb.ConnectionStatus(), s.logger)
}

// Connect handles the POST /connection request.
func (s *Server) Connect(w http.ResponseWriter, r *http.Request) {
	var body connectRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", s.logger)
		s.logger.Warn("Connect: Invalid request body", "error", err)
		return
	}

	if !s.wb.Connect(r.Context(), body.BaseURL, body.Token) {
		s.logger.Warn("Connect failed", "base_url", body.BaseURL)
		writeJSON(w, http.StatusBadGateway, s.wb.ConnectionStatus(), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, s.wb.ConnectionStatus(), s.logger)
}

// Disconnect handles the DELETE /connection request.
func (s *Server) Disconnect(w http.ResponseWriter, r *http.Request) {
	s.wb.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

// -- Notebooks --

// ListNotebooks handles the GET /notebooks request.
func (s *Server) ListNotebooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active_id": s.wb.ActiveID(),
		"notebooks": s.wb.Notebooks(),
	}, s.logger)
}

// CreateNotebook handles the POST /notebooks request.
func (s *Server) CreateNotebook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", s.logger)
		return
	}

	s.writeNotebook(w, http.StatusCreated, s.wb.CreateNotebook(r.Context(), body.Name))
}

// ImportNotebook handles the POST /notebooks/import request.
func (s *Server) ImportNotebook(w http.ResponseWriter, r *http.Request) {
	var doc domain.ExportDocument
	if err := decodeBody(r, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid export document", s.logger)
		s.logger.Warn("Import: Invalid body", "error", err)
		return
	}
	for _, c := range doc.Cells {
		if !c.CellType.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid cell type %q", c.CellType), s.logger)
			return
		}
	}

	s.writeNotebook(w, http.StatusCreated, s.wb.Import(r.Context(), doc))
}

// GetNotebook handles the GET /notebooks/{notebookID} request.
func (s *Server) GetNotebook(w http.ResponseWriter, r *http.Request) {
	nb, ok := s.wb.Notebook(chi.URLParam(r, "notebookID"))
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrNotebookNotFound.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, nb, s.logger)
}

// UpdateNotebook handles the PATCH /notebooks/{notebookID} request.
func (s *Server) UpdateNotebook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "notebookID")
	var body notebookPatch
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", s.logger)
		return
	}

	if !s.wb.UpdateNotebook(id, store.NotebookUpdate{Name: body.Name, KernelSpec: body.KernelSpec}) {
		writeError(w, http.StatusNotFound, domain.ErrNotebookNotFound.Error(), s.logger)
		return
	}
	s.writeNotebook(w, http.StatusOK, id)
}

// DeleteNotebook handles the DELETE /notebooks/{notebookID} request.
func (s *Server) DeleteNotebook(w http.ResponseWriter, r *http.Request) {
	if !s.wb.DeleteNotebook(r.Context(), chi.URLParam(r, "notebookID")) {
		writeError(w, http.StatusNotFound, domain.ErrNotebookNotFound.Error(), s.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActivateNotebook handles the POST /notebooks/{notebookID}/activate request.
func (s *Server) ActivateNotebook(w http.ResponseWriter, r *http.Request) {
	if !s.wb.SetActive(chi.URLParam(r, "notebookID")) {
		writeError(w, http.StatusNotFound, domain.ErrNotebookNotFound.Error(), s.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExportNotebook handles the GET /notebooks/{notebookID}/export request.
func (s *Server) ExportNotebook(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.wb.Export(chi.URLParam(r, "notebookID"))
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrNotebookNotFound.Error(), s.logger)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", domain.ExportFilename(doc.Name)))
	writeJSON(w, http.StatusOK, doc, s.logger)
}

// -- Cells --

// AddCell handles the POST /notebooks/{notebookID}/cells request.
func (s *Server) AddCell(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "notebookID")
	body := cellRequest{Kind: domain.KindCode}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", s.logger)
		return
	}
	if !body.Kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid cell kind %q", body.Kind), s.logger)
		return
	}

	cellID, ok := s.wb.AddCell(id, body.Kind, body.Index)
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrNotebookNotFound.Error(), s.logger)
		return
	}
	s.writeCell(w, http.StatusCreated, id, cellID)
}

// UpdateCell handles the PATCH /notebooks/{notebookID}/cells/{cellID} request.
func (s *Server) UpdateCell(w http.ResponseWriter, r *http.Request) {
	id, cellID := chi.URLParam(r, "notebookID"), chi.URLParam(r, "cellID")
	var body cellPatch
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", s.logger)
		return
	}
	if body.Kind != nil && !body.Kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid cell kind %q", *body.Kind), s.logger)
		return
	}

	if !s.wb.UpdateCell(id, cellID, store.CellUpdate{Source: body.Source, Kind: body.Kind}) {
		writeError(w, http.StatusNotFound, domain.ErrCellNotFound.Error(), s.logger)
		return
	}
	s.writeCell(w, http.StatusOK, id, cellID)
}

// DeleteCell handles the DELETE /notebooks/{notebookID}/cells/{cellID} request.
func (s *Server) DeleteCell(w http.ResponseWriter, r *http.Request) {
	if !s.wb.DeleteCell(r.Context(), chi.URLParam(r, "notebookID"), chi.URLParam(r, "cellID")) {
		writeError(w, http.StatusNotFound, domain.ErrCellNotFound.Error(), s.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReorderCells handles the POST /notebooks/{notebookID}/cells/reorder request.
func (s *Server) ReorderCells(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "notebookID")
	var body reorderRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", s.logger)
		return
	}

	if _, ok := s.wb.Notebook(id); !ok {
		writeError(w, http.StatusNotFound, domain.ErrNotebookNotFound.Error(), s.logger)
		return
	}
	s.wb.ReorderCells(id, body.From, body.To)
	nb, ok := s.wb.Notebook(id)
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrNotebookNotFound.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"order": nb.CellIDs()}, s.logger)
}

// -- Execution --

// ExecuteCell handles the POST /notebooks/{notebookID}/cells/{cellID}/execute request.
// The execution outlives the request; progress is observed through /events.
func (s *Server) ExecuteCell(w http.ResponseWriter, r *http.Request) {
	id, cellID := chi.URLParam(r, "notebookID"), chi.URLParam(r, "cellID")

	if _, err := s.wb.StartCell(s.background, id, cellID); err != nil {
		s.logger.Warn("Execute rejected", "notebook_id", id, "cell_id", cellID, "error", err)
		writeError(w, statusFor(err), err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"notebook_id": id,
		"cell_id":     cellID,
		"status":      string(domain.StatusRunning),
	}, s.logger)
}

// CancelExecution handles the POST /notebooks/{notebookID}/cells/{cellID}/cancel request.
func (s *Server) CancelExecution(w http.ResponseWriter, r *http.Request) {
	if !s.wb.CancelExecution(r.Context(), chi.URLParam(r, "notebookID"), chi.URLParam(r, "cellID")) {
		writeError(w, http.StatusNotFound, "no execution in flight", s.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunAll handles the POST /notebooks/{notebookID}/run-all request.
// With wait=true the response carries every cell's result; otherwise the run
// continues in the background.
func (s *Server) RunAll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "notebookID")
	if _, ok := s.wb.Notebook(id); !ok {
		writeError(w, http.StatusNotFound, domain.ErrNotebookNotFound.Error(), s.logger)
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait {
		results := s.wb.RunAll(r.Context(), id)
		views := make([]ResultView, len(results))
		for i, res := range results {
			views[i] = resultView(res)
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": views}, s.logger)
		return
	}

	go func() {
		start := time.Now()
		results := s.wb.RunAll(s.background, id)
		s.logger.Info("Run all finished", "notebook_id", id, "cells", len(results), "duration", time.Since(start))
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"notebook_id": id}, s.logger)
}

// StopNotebook handles the POST /notebooks/{notebookID}/stop request.
func (s *Server) StopNotebook(w http.ResponseWriter, r *http.Request) {
	n := s.wb.StopNotebook(r.Context(), chi.URLParam(r, "notebookID"))
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n}, s.logger)
}

// RestartKernel handles the POST /notebooks/{notebookID}/restart request.
func (s *Server) RestartKernel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "notebookID")
	if _, ok := s.wb.Notebook(id); !ok {
		writeError(w, http.StatusNotFound, domain.ErrNotebookNotFound.Error(), s.logger)
		return
	}
	if !s.wb.RestartKernel(r.Context(), id) {
		writeError(w, http.StatusConflict, domain.ErrNoSession.Error(), s.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListExecutions handles the GET /executions request.
func (s *Server) ListExecutions(w http.ResponseWriter, r *http.Request) {
	flights := s.wb.InFlight()
	if flights == nil {
		flights = []execution.FlightInfo{}
	}
	writeJSON(w, http.StatusOK, flights, s.logger)
}

// writeNotebook writes the current snapshot of the notebook, or 404 if it was
// deleted in the meantime.
func (s *Server) writeNotebook(w http.ResponseWriter, status int, id string) {
	nb, ok := s.wb.Notebook(id)
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrNotebookNotFound.Error(), s.logger)
		return
	}
	writeJSON(w, status, nb, s.logger)
}

// writeCell is writeNotebook for a single cell.
func (s *Server) writeCell(w http.ResponseWriter, status int, notebookID, cellID string) {
	nb, ok := s.wb.Notebook(notebookID)
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrNotebookNotFound.Error(), s.logger)
		return
	}
	cell := nb.Cell(cellID)
	if cell == nil {
		writeError(w, http.StatusNotFound, domain.ErrCellNotFound.Error(), s.logger)
		return
	}
	writeJSON(w, status, cell, s.logger)
}
