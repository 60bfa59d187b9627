package tui

import (
	"os"

	"github.com/aretw0/workbench/pkg/domain"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Styler colours CLI output.
type Styler struct {
	profile termenv.Profile
}

// NewStyler returns a colouring Styler when styled is true, a plain one otherwise.
func NewStyler(styled bool) Styler {
	if !styled {
		return Styler{profile: termenv.Ascii}
	}
	return Styler{profile: termenv.ColorProfile()}
}

// Status renders a cell status label.
func (s Styler) Status(st domain.CellStatus) string {
	label := s.profile.String(string(st))
	switch st {
	case domain.StatusCompleted:
		label = label.Foreground(s.profile.Color("#34d399"))
	case domain.StatusFailed:
		label = label.Foreground(s.profile.Color("#f87171")).Bold()
	case domain.StatusRunning, domain.StatusQueued:
		label = label.Foreground(s.profile.Color("#fbbf24"))
	default:
		label = label.Foreground(s.profile.Color("#9ca3af"))
	}
	return label.String()
}

// Heading renders a section title.
func (s Styler) Heading(text string) string {
	return s.profile.String(text).Bold().String()
}

// Dim renders secondary text.
func (s Styler) Dim(text string) string {
	return s.profile.String(text).Faint().String()
}

