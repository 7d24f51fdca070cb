//go:build linux

package cmd

import (
	"fmt"

	"eventd/bootstrap"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion server",
		Long:  "Bind the event socket and forward datagrams until SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

// runServe initializes and runs eventd until a shutdown signal
func runServe(cmd *cobra.Command) error {
	ctx := cmd.Context()

	app, err := bootstrap.NewApp(configFile)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown(ctx)
	app.Shutdown()
	return nil
}
