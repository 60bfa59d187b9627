package domain

import (
	"strings"
	"time"
)

// ExportDocument is the downloadable artifact produced from a notebook.
type ExportDocument struct {
	Name       string       `json:"name"`
	Cells      []ExportCell `json:"cells"`
	ExportedAt time.Time    `json:"exportedAt"`
}

// ExportCell is the per-cell part of an ExportDocument.
type ExportCell struct {
	Code     string   `json:"code"`
	CellType CellKind `json:"cellType"`
	Output   []string `json:"output"`
}

// Export builds the export artifact. It is a pure read.
func Export(n *Notebook, now time.Time) ExportDocument {
	doc := ExportDocument{
		Name:       n.Name,
		Cells:      make([]ExportCell, len(n.Cells)),
		ExportedAt: now,
	}
	for i, c := range n.Cells {
		doc.Cells[i] = ExportCell{
			Code:     c.Source,
			CellType: c.Kind,
			Output:   append([]string{}, c.Output...),
		}
	}
	return doc
}

// NotebookDocument is the nbformat v4 document sent to the backend's contents API.
type NotebookDocument struct {
	Cells         []DocumentCell   `json:"cells"`
	Metadata      NotebookMetadata `json:"metadata"`
	NBFormat      int              `json:"nbformat"`
	NBFormatMinor int              `json:"nbformat_minor"`
}

// DocumentCell is one nbformat cell.
type DocumentCell struct {
	CellType       CellKind       `json:"cell_type"`
	Source         string         `json:"source"`
	Metadata       map[string]any `json:"metadata"`
	Outputs        []any          `json:"outputs"`
	ExecutionCount *int           `json:"execution_count"`
}

// ToDocument serializes a notebook for remote registration.
func ToDocument(n *Notebook) NotebookDocument {
	doc := NotebookDocument{
		Cells:         make([]DocumentCell, len(n.Cells)),
		Metadata:      n.Metadata,
		NBFormat:      4,
		NBFormatMinor: 4,
	}
	for i, c := range n.Cells {
		doc.Cells[i] = DocumentCell{
			CellType:       c.Kind,
			Source:         c.Source,
			Metadata:       map[string]any{},
			Outputs:        []any{},
			ExecutionCount: c.ExecutionCount,
		}
	}
	return doc
}

// ExportFilename returns the download name of an export: the notebook name
// with path separators replaced, plus ".json".
func ExportFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" {
		name = "notebook"
	}
	return name + ".json"
}
