package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aretw0/workbench/internal/presentation/tui"
	"github.com/aretw0/workbench/pkg/adapters/file"
	"github.com/aretw0/workbench/pkg/domain"
)

// RunOptions configures a headless notebook run.
type RunOptions struct {
	// Input is the export document to execute.
	Input string
	// Output, when set, receives the export document with fresh outputs.
	Output string
	// Styled enables colours and rendered markdown.
	Styled bool
}

// RunSummary counts the outcome of a run.
type RunSummary struct {
	NotebookID string
	Executed   int
	Failed     int
}

// Run imports the export at opts.Input, executes every code cell in order and
// prints each cell to out. Cell failures are reported in the summary, not as an error.
func Run(ctx context.Context, app *App, opts RunOptions, out io.Writer) (RunSummary, error) {
	doc, err := file.ReadFile(opts.Input)
	if err != nil {
		return RunSummary{}, err
	}

	if !app.Connect(ctx) {
		status := app.Workbench.ConnectionStatus()
		return RunSummary{}, fmt.Errorf("cannot reach backend at %s: %w", status.BaseURL, domain.ErrNotConnected)
	}

	nbID := app.Workbench.Import(ctx, doc)
	summary := RunSummary{NotebookID: nbID}

	results := app.Workbench.RunAll(ctx, nbID)
	for _, r := range results {
		summary.Executed++
		if r.Status != domain.StatusCompleted {
			summary.Failed++
		}
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	nb, ok := app.Workbench.Notebook(nbID)
	if !ok {
		return summary, domain.ErrNotebookNotFound
	}
	printNotebook(out, nb, tui.NewStyler(opts.Styled), tui.NewRenderer(opts.Styled))

	if opts.Output != "" {
		exported, _ := app.Workbench.Export(nbID)
		if err := file.WriteFile(opts.Output, exported); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func printNotebook(out io.Writer, nb *domain.Notebook, style tui.Styler, render func(string) (string, error)) {
	fmt.Fprintln(out, style.Heading(nb.Name))
	fmt.Fprintln(out)

	for i, c := range nb.Cells {
		if c.Kind == domain.KindMarkdown {
			text, err := render(c.Source)
			if err != nil {
				text = c.Source + "\n"
			}
			fmt.Fprint(out, text)
			continue
		}

		count := " "
		if c.ExecutionCount != nil {
			count = fmt.Sprint(*c.ExecutionCount)
		}
		fmt.Fprintf(out, "%s %s\n", style.Dim(fmt.Sprintf("In [%s] #%d", count, i+1)), style.Status(c.Status))
		for _, line := range strings.Split(strings.TrimRight(c.Source, "\n"), "\n") {
			fmt.Fprintln(out, style.Dim("  "+line))
		}
		for _, line := range c.Output {
			fmt.Fprintln(out, "  "+line)
		}
		fmt.Fprintln(out)
	}
}
