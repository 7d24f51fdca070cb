//go:build linux

// Package cmd provides the eventd command-line interface.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	configFile string
	outputJSON bool
	noColor    bool
	quiet      bool
)

// defaultTimeout bounds one-shot CLI operations
const defaultTimeout = 30 * time.Second

// NewRootCmd creates the eventd command. Without a subcommand it runs the server.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "eventd",
		Short: "Security event ingestion daemon",
		Long: `eventd receives security events on a Unix datagram socket and hands
every datagram, unmodified and in arrival order, to the event pipeline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newDLQCmd())
	root.AddCommand(newConfigCmd())

	return root
}

// outputAsJSON writes v as indented JSON
func outputAsJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
