package main

import (
	"context"
	"os"
	"strings"

	"github.com/aretw0/workbench"
	"github.com/aretw0/workbench/internal/cli"
	"github.com/aretw0/workbench/internal/presentation/tui"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Starts the notebook engine and exposes it as a JSON API over HTTP, with a
Server-Sent Events feed of notebook changes. Notebooks in the export directory are
restored on start and saved again on shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, logger, err := newApp(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			port, _ := cmd.Flags().GetInt("port")
			app.SetPort(port)
		}

		if tui.IsTerminal(os.Stdout) {
			tui.PrintBanner(os.Stdout, strings.TrimSpace(workbench.Version))
		}

		ctx := cli.NewSignalContext(context.Background())
		defer ctx.Cancel()

		serveErr := cli.Serve(ctx, app, workbench.Version)
		if sig := ctx.Signal(); sig != nil {
			logger.Info("Signal received", "signal", sig.String())
		}
		if err := app.Close(context.Background()); err != nil {
			logger.Warn("Shutdown finished with errors", "err", err)
		}
		logger.Info("Workbench server stopped")
		return serveErr
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
}
