package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the workbench banner followed by the version.
func PrintBanner(w io.Writer, version string) {
	p := termenv.ColorProfile()
	lines := []struct {
		text  string
		color string
	}{
		{" __        __         _    _                     _     ", "#34d399"},
		{" \\ \\      / /__  _ __| | _| |__   ___ _ __   ___| |__  ", "#2dd4bf"},
		{"  \\ \\ /\\ / / _ \\| '__| |/ / '_ \\ / _ \\ '_ \\ / __| '_ \\ ", "#22d3ee"},
		{"   \\ V  V / (_) | |  |   <| |_) |  __/ | | | (__| | | |", "#38bdf8"},
		{"    \\_/\\_/ \\___/|_|  |_|\\_\\_.__/ \\___|_| |_|\\___|_| |_|", "#60a5fa"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, termenv.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w, termenv.String("  v"+version).Faint())
	fmt.Fprintln(w)
}
