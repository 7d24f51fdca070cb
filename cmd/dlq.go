//go:build linux

package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"eventd/config"
	"eventd/ingest"
	"eventd/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDLQCmd() *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect dead-lettered datagrams",
		Long: `Inspect datagrams the endpoint dropped (queue full, rate limited or
oversized) and that were persisted to the dead-letter database.`,
	}

	dlqCmd.AddCommand(newDLQListCmd())
	dlqCmd.AddCommand(newDLQShowCmd())
	dlqCmd.AddCommand(newDLQDiscardCmd())
	return dlqCmd
}

// openDLQ opens the configured dead-letter database without starting a writer
func openDLQ() (*ingest.DLQ, func(), error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(cfg.DLQ.Path); err != nil {
		return nil, nil, fmt.Errorf("no dead-letter database at %s: %w", cfg.DLQ.Path, err)
	}

	db, err := storage.NewSQLite(cfg.DLQ.Path, zap.NewNop().Sugar())
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = db.Close() }
	return ingest.NewDLQ(db.DB, 0, nil), cleanup, nil
}

func newDLQListCmd() *cobra.Command {
	var (
		filter ingest.DLQFilter
		page   int
		limit  int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List dead-lettered datagrams, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dlq, cleanup, err := openDLQ()
			if err != nil {
				return err
			}
			defer cleanup()

			total, err := dlq.Count(filter)
			if err != nil {
				return err
			}
			events, err := dlq.List(filter, page, limit)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if outputJSON {
				return outputAsJSON(w, map[string]interface{}{
					"total": total,
					"page":  page,
					"items": events,
				})
			}
			renderDLQTable(w, events, total)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Reason, "reason", "", "Filter by reason (queue_full, rate_limited, oversized)")
	cmd.Flags().StringVar(&filter.Status, "status", "", "Filter by status (pending, replayed, discarded)")
	cmd.Flags().StringVar(&filter.Endpoint, "endpoint", "", "Filter by endpoint path")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "Items per page")
	return cmd
}

func newDLQShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one dead-lettered datagram",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			dlq, cleanup, err := openDLQ()
			if err != nil {
				return err
			}
			defer cleanup()

			event, err := dlq.Get(id)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if outputJSON {
				return outputAsJSON(w, event)
			}
			renderDLQEvent(w, event)
			return nil
		},
	}
}

func newDLQDiscardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>...",
		Short: "Mark dead-lettered datagrams as discarded",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dlq, cleanup, err := openDLQ()
			if err != nil {
				return err
			}
			defer cleanup()

			w := cmd.OutOrStdout()
			var failed []string
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err == nil {
					err = dlq.UpdateStatus(id, ingest.DLQStatusDiscarded)
				}
				if err != nil {
					errorColor.Fprintf(w, "✗ %s: %v\n", arg, err)
					failed = append(failed, arg)
					continue
				}
				if !quiet {
					successColor.Fprintf(w, "✓ Discarded %s\n", arg)
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("failed to discard: %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
}

// renderDLQTable displays dead-lettered datagrams in a table
func renderDLQTable(w io.Writer, events []*ingest.DLQEvent, total int) {
	if len(events) == 0 {
		warningColor.Fprintln(w, "No dead-lettered datagrams")
		return
	}

	headerColor.Fprintf(w, "DEAD LETTERS (%d total)\n", total)
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-8s %-20s %-13s %-10s %-8s %s\n", "ID", "Received", "Reason", "Status", "Size", "Payload")
	fmt.Fprintln(w, strings.Repeat("-", 100))

	for _, e := range events {
		fmt.Fprintf(w, "%-8d %-20s %-13s %-10s %-8d %s\n",
			e.ID, formatTime(e.ReceivedAt), e.Reason, e.Status, e.Size, previewPayload(e.Payload, 36))
	}
	fmt.Fprintln(w, strings.Repeat("=", 100))
}

// renderDLQEvent displays one dead-lettered datagram
func renderDLQEvent(w io.Writer, e *ingest.DLQEvent) {
	printSection(w, fmt.Sprintf("Dead letter %d", e.ID))
	printField(w, "Endpoint", e.Endpoint)
	printField(w, "Reason", e.Reason)
	printField(w, "Status", e.Status)
	printField(w, "Size", strconv.Itoa(e.Size))
	printField(w, "Stored bytes", strconv.Itoa(len(e.Payload)))
	printField(w, "Received", formatTime(e.ReceivedAt))
	printField(w, "Recorded", formatTime(e.Timestamp))
	fmt.Fprintln(w)
	infoColor.Fprintln(w, "  Payload:")
	fmt.Fprintf(w, "  %s\n", previewPayload(e.Payload, 4096))
}
