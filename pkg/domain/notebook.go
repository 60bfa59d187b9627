package domain

import (
	"time"
)

// DefaultKernelSpec is used when a notebook is created without one.
var DefaultKernelSpec = KernelSpec{Name: "python3", DisplayName: "Python 3"}

// KernelSpec names the backend runtime a notebook's session should start.
type KernelSpec struct {
	Name        string `json:"name" yaml:"name" mapstructure:"name"`
	DisplayName string `json:"display_name" yaml:"display_name" mapstructure:"display_name"`
}

// NotebookMetadata carries document-level settings.
type NotebookMetadata struct {
	KernelSpec KernelSpec `json:"kernelspec"`
}

// SessionBinding links a notebook to a live backend session.
type SessionBinding struct {
	KernelID  string `json:"kernel_id"`
	SessionID string `json:"session_id"`
}

// Notebook is a named, ordered collection of cells.
type Notebook struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Cells          []*Cell          `json:"cells"`
	Session        *SessionBinding  `json:"session,omitempty"`
	Metadata       NotebookMetadata `json:"metadata"`
	CreatedAt      time.Time        `json:"created_at"`
	LastModifiedAt time.Time        `json:"last_modified_at"`
}

// NewNotebook creates a notebook holding a single empty code cell.
func NewNotebook(id, name string, first *Cell, now time.Time) *Notebook {
	return &Notebook{
		ID:             id,
		Name:           name,
		Cells:          []*Cell{first},
		Metadata:       NotebookMetadata{KernelSpec: DefaultKernelSpec},
		CreatedAt:      now,
		LastModifiedAt: now,
	}
}

// IndexOf returns the position of the cell or -1.
func (n *Notebook) IndexOf(cellID string) int {
	for i, c := range n.Cells {
		if c.ID == cellID {
			return i
		}
	}
	return -1
}

// Cell returns the cell with the given id, or nil.
func (n *Notebook) Cell(cellID string) *Cell {
	if i := n.IndexOf(cellID); i >= 0 {
		return n.Cells[i]
	}
	return nil
}

// CellIDs returns the ids in notebook order.
func (n *Notebook) CellIDs() []string {
	ids := make([]string, len(n.Cells))
	for i, c := range n.Cells {
		ids[i] = c.ID
	}
	return ids
}

// StatusCounts summarizes the notebook's cells by execution status.
type StatusCounts struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// StatusCounts tallies cells per status. Queued cells count as running.
func (n *Notebook) StatusCounts() StatusCounts {
	counts := StatusCounts{Total: len(n.Cells)}
	for _, c := range n.Cells {
		switch c.Status {
		case StatusQueued, StatusRunning:
			counts.Running++
		case StatusCompleted:
			counts.Completed++
		case StatusFailed:
			counts.Failed++
		}
	}
	return counts
}

// Clone returns a deep copy of the notebook and its cells.
func (n *Notebook) Clone() *Notebook {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Cells = make([]*Cell, len(n.Cells))
	for i, c := range n.Cells {
		cp.Cells[i] = c.Clone()
	}
	if n.Session != nil {
		s := *n.Session
		cp.Session = &s
	}
	return &cp
}
