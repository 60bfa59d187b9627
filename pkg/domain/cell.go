package domain

import (
	"time"
)

// CellKind distinguishes executable cells from prose.
type CellKind string

const (
	KindCode     CellKind = "code"
	KindMarkdown CellKind = "markdown"
)

// Valid reports whether k is a known cell kind.
func (k CellKind) Valid() bool {
	return k == KindCode || k == KindMarkdown
}

// CellStatus is the position of a cell in the execution state machine.
//
//	idle/completed/failed --dispatch--> queued --accepted--> running --result--> completed | failed
type CellStatus string

const (
	StatusIdle      CellStatus = "idle"
	StatusQueued    CellStatus = "queued"
	StatusRunning   CellStatus = "running"
	StatusCompleted CellStatus = "completed"
	StatusFailed    CellStatus = "failed"
)

// InFlight reports whether the status belongs to a dispatched, unresolved execution.
func (s CellStatus) InFlight() bool {
	return s == StatusQueued || s == StatusRunning
}

// Terminal reports whether an execution has resolved.
func (s CellStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Cell is one unit of source text and its execution result.
type Cell struct {
	// ID never changes for the lifetime of the cell, including across reorders.
	ID     string   `json:"id"`
	Kind   CellKind `json:"kind"`
	Source string   `json:"source"`

	Status CellStatus `json:"status"`

	// Output is cleared when an execution starts and frozen when it resolves.
	Output []string `json:"output"`

	// ExecutionCount is nil until the backend accepts the first submission.
	ExecutionCount *int `json:"execution_count"`

	CreatedAt      time.Time  `json:"created_at"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
}

// NewCell creates an idle cell with no output.
func NewCell(id string, kind CellKind, now time.Time) *Cell {
	if !kind.Valid() {
		kind = KindCode
	}
	return &Cell{
		ID:        id,
		Kind:      kind,
		Status:    StatusIdle,
		Output:    []string{},
		CreatedAt: now,
	}
}

// IsInFlight reports whether the cell is queued or running.
func (c *Cell) IsInFlight() bool {
	return c.Status.InFlight()
}

// IsTerminal reports whether the last execution resolved.
func (c *Cell) IsTerminal() bool {
	return c.Status.Terminal()
}

// Runnable reports whether "run all" should execute this cell.
func (c *Cell) Runnable() bool {
	if c.Kind != KindCode {
		return false
	}
	for _, r := range c.Source {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			return true
		}
	}
	return false
}

// BumpExecutionCount increments the counter, starting at 1.
func (c *Cell) BumpExecutionCount() {
	next := 1
	if c.ExecutionCount != nil {
		next = *c.ExecutionCount + 1
	}
	c.ExecutionCount = &next
}

// Clone returns a deep copy safe to hand to readers.
func (c *Cell) Clone() *Cell {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Output = append([]string{}, c.Output...)
	if c.ExecutionCount != nil {
		n := *c.ExecutionCount
		cp.ExecutionCount = &n
	}
	if c.LastExecutedAt != nil {
		t := *c.LastExecutedAt
		cp.LastExecutedAt = &t
	}
	return &cp
}
