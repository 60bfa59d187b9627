package domain

import (
	"context"
	"time"
)

// ChangeType defines the category of a store mutation.
type ChangeType string

const (
	ChangeNotebookCreated ChangeType = "notebook_created"
	ChangeNotebookUpdated ChangeType = "notebook_updated"
	ChangeNotebookDeleted ChangeType = "notebook_deleted"
	ChangeActiveChanged   ChangeType = "active_changed"
	ChangeSessionBound    ChangeType = "session_bound"
	ChangeCellAdded       ChangeType = "cell_added"
	ChangeCellUpdated     ChangeType = "cell_updated"
	ChangeCellDeleted     ChangeType = "cell_deleted"
	ChangeCellsReordered  ChangeType = "cells_reordered"
	ChangeCellExecution   ChangeType = "cell_execution"
)

// ChangeEvent notifies readers that a notebook changed. Renderers re-read the
// notebook snapshot and diff; the event carries identity, not content.
type ChangeEvent struct {
	Type       ChangeType `json:"type"`
	NotebookID string     `json:"notebook_id,omitempty"`
	CellID     string     `json:"cell_id,omitempty"`
	Status     CellStatus `json:"status,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ExecutionEvent describes one step of a cell execution.
type ExecutionEvent struct {
	Timestamp  time.Time     `json:"timestamp"`
	NotebookID string        `json:"notebook_id"`
	CellID     string        `json:"cell_id"`
	KernelID   string        `json:"kernel_id,omitempty"`
	Status     CellStatus    `json:"status"`
	Line       string        `json:"line,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Err        error         `json:"-"`
}

// ExecutionHooks defines callbacks for execution observability.
type ExecutionHooks struct {
	OnDispatch func(context.Context, *ExecutionEvent)
	OnAccepted func(context.Context, *ExecutionEvent)
	OnOutput   func(context.Context, *ExecutionEvent)
	OnFinish   func(context.Context, *ExecutionEvent)
}
