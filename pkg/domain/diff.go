package domain

import (
	"reflect"
	"slices"
)

// NotebookDiff represents the changes between two snapshots of a notebook.
// It is designed to be serialized to JSON for partial updates on the client.
type NotebookDiff struct {
	// NotebookID is always present to identify the target.
	NotebookID string `json:"notebook_id"`

	Name *string `json:"name,omitempty"`

	// Order is the full cell id sequence, sent only when it changed.
	Order []string `json:"order,omitempty"`

	// Cells contains added or modified cells keyed by id.
	Cells map[string]*Cell `json:"cells,omitempty"`

	// Removed lists ids of cells that no longer exist.
	Removed []string `json:"removed,omitempty"`

	Session *SessionBinding `json:"session,omitempty"`

	// Deleted is set when the notebook itself is gone.
	Deleted bool `json:"deleted,omitempty"`
}

// Diff calculates the difference between oldNB and newNB.
// If oldNB is nil, it returns a diff representing the entire notebook (initial load).
// If newNB is nil, the diff marks the notebook as deleted.
func Diff(oldNB, newNB *Notebook) *NotebookDiff {
	if oldNB == nil && newNB == nil {
		return nil
	}
	if newNB == nil {
		return &NotebookDiff{NotebookID: oldNB.ID, Deleted: true}
	}

	diff := &NotebookDiff{NotebookID: newNB.ID}

	if oldNB == nil || oldNB.Name != newNB.Name {
		diff.Name = &newNB.Name
	}

	newOrder := newNB.CellIDs()
	if oldNB == nil || !slices.Equal(oldNB.CellIDs(), newOrder) {
		diff.Order = newOrder
	}

	diff.Cells, diff.Removed = diffCells(oldNB, newNB)

	if oldNB == nil || !reflect.DeepEqual(oldNB.Session, newNB.Session) {
		if newNB.Session != nil {
			s := *newNB.Session
			diff.Session = &s
		} else if oldNB != nil {
			// Unbound: an empty binding tells the client to drop it.
			diff.Session = &SessionBinding{}
		}
	}

	if diff.IsEmpty() {
		return nil
	}
	return diff
}

func diffCells(oldNB, newNB *Notebook) (map[string]*Cell, []string) {
	changed := make(map[string]*Cell)

	if oldNB == nil {
		for _, c := range newNB.Cells {
			changed[c.ID] = c.Clone()
		}
		if len(changed) == 0 {
			return nil, nil
		}
		return changed, nil
	}

	// Added or Modified
	for _, c := range newNB.Cells {
		prev := oldNB.Cell(c.ID)
		if prev == nil || !reflect.DeepEqual(prev, c) {
			changed[c.ID] = c.Clone()
		}
	}

	// Deletions
	var removed []string
	for _, c := range oldNB.Cells {
		if newNB.Cell(c.ID) == nil {
			removed = append(removed, c.ID)
		}
	}

	if len(changed) == 0 {
		changed = nil
	}
	return changed, removed
}

// IsEmpty checks if the diff contains any actionable changes.
func (d *NotebookDiff) IsEmpty() bool {
	return d.Name == nil &&
		d.Order == nil &&
		len(d.Cells) == 0 &&
		len(d.Removed) == 0 &&
		d.Session == nil &&
		!d.Deleted
}
