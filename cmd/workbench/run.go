package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aretw0/workbench/internal/cli"
	"github.com/aretw0/workbench/internal/presentation/tui"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <export.json>",
	Short: "Execute an exported notebook headlessly",
	Long: `Imports an exported notebook, connects to the backend, runs every code cell in
order and prints the results. Exits non-zero when any cell fails.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, _, err := newApp(cmd)
		if err != nil {
			return err
		}

		ctx := cli.NewSignalContext(context.Background())
		defer ctx.Cancel()
		defer func() { _ = app.Close(context.Background()) }()

		out, _ := cmd.Flags().GetString("out")
		noColor, _ := cmd.Flags().GetBool("no-color")

		summary, err := cli.Run(ctx, app, cli.RunOptions{
			Input:  args[0],
			Output: out,
			Styled: !noColor && tui.IsTerminal(os.Stdout),
		}, os.Stdout)
		if err != nil {
			return err
		}
		if summary.Failed > 0 {
			return fmt.Errorf("%d of %d cells failed", summary.Failed, summary.Executed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("out", "o", "", "Write the executed notebook to this export file")
	runCmd.Flags().Bool("no-color", false, "Disable colours and markdown rendering")
}
