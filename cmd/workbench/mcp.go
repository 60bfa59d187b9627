package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aretw0/workbench"
	"github.com/aretw0/workbench/internal/cli"
	"github.com/aretw0/workbench/pkg/adapters/mcp"
	"github.com/spf13/cobra"
)

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Starts the notebook engine as an MCP Server.
This allows AI agents to create notebooks, edit cells and run them as tools.

Supported Transports:
- stdio (default): Uses Standard Input/Output. Ideal for local process integration.
- sse: Uses Server-Sent Events over HTTP. Ideal for remote agents or debuggers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		transport, _ := cmd.Flags().GetString("transport")
		port, _ := cmd.Flags().GetInt("port")
		if transport != "stdio" && transport != "sse" {
			return fmt.Errorf("unknown transport: %s. Supported: stdio, sse", transport)
		}

		app, logger, err := newApp(cmd)
		if err != nil {
			return err
		}
		ctx := cli.NewSignalContext(context.Background())
		defer ctx.Cancel()
		defer func() { _ = app.Close(context.Background()) }()

		if _, err := app.Restore(ctx); err != nil {
			logger.Warn("Restoring notebooks failed", "err", err)
		}
		app.Workbench.Start(ctx)
		defer func() {
			if _, err := app.Persist(context.Background()); err != nil {
				logger.Error("Saving notebooks failed", "err", err)
			}
		}()

		srv := mcp.NewServer(app.Workbench, workbench.Version, mcp.WithLogger(logger))

		switch transport {
		case "stdio":
			logger.Info("Starting Workbench MCP Server (Stdio)")
			return srv.ServeStdio()
		default:
			logger.Info("Starting Workbench MCP Server (SSE)", "port", port)
			if err := srv.ServeSSE(ctx, port); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info("MCP Server stopped gracefully")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport protocol to use: 'stdio' or 'sse'")
	mcpCmd.Flags().Int("port", 8080, "Port to listen on (only for SSE)")
}
