//go:build linux

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"time"

	"eventd/config"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

// spinnerThreshold is the datagram count above which send shows progress
const spinnerThreshold = 1000

type sendOptions struct {
	socket   string
	count    int
	interval time.Duration
}

func newSendCmd() *cobra.Command {
	var opts sendOptions

	cmd := &cobra.Command{
		Use:   "send [flags] MESSAGE...",
		Short: "Send test datagrams to an event socket",
		Long: `Send each MESSAGE as one datagram to the event socket. With "-" as the
only message, every line read from stdin is sent as one datagram.

Messages use the agent queue format, for example:
  eventd send '1:agent-01:Oct 18 10:00:00 host sshd[42]: Accepted publickey'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			if opts.socket == "" {
				cfg, err := config.LoadConfig(configFile)
				if err != nil {
					return err
				}
				opts.socket = cfg.Endpoint.Path
			}

			messages := args
			if len(args) == 1 && args[0] == "-" {
				var err error
				if messages, err = readLines(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			return runSend(cmd.OutOrStdout(), opts, messages)
		},
	}

	cmd.Flags().StringVar(&opts.socket, "socket", "", "Socket path (default: endpoint.path from config)")
	cmd.Flags().IntVar(&opts.count, "count", 1, "Times to send each message")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "Pause between datagrams")

	return cmd
}

func runSend(w io.Writer, opts sendOptions, messages []string) error {
	conn, err := net.Dial("unixgram", opts.socket)
	if err != nil {
		errorColor.Fprintf(w, "✗ Cannot reach %s\n", opts.socket)
		return fmt.Errorf("failed to connect to socket: %w", err)
	}
	defer conn.Close()

	total := opts.count * len(messages)
	var s *spinner.Spinner
	if total > spinnerThreshold && !quiet && !outputJSON {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Writer = w
		s.Suffix = fmt.Sprintf(" Sending %d datagrams...", total)
		s.Start()
	}

	start := time.Now()
	sent := 0
	var bytes int
	for i := 0; i < opts.count; i++ {
		for _, msg := range messages {
			n, err := conn.Write([]byte(msg))
			if err != nil {
				if s != nil {
					s.Stop()
				}
				errorColor.Fprintf(w, "✗ Failed after %d datagrams\n", sent)
				return fmt.Errorf("failed to send datagram: %w", err)
			}
			sent++
			bytes += n
			if opts.interval > 0 {
				time.Sleep(opts.interval)
			}
		}
	}
	if s != nil {
		s.Stop()
	}
	elapsed := time.Since(start)

	if outputJSON {
		return outputAsJSON(w, map[string]interface{}{
			"socket":     opts.socket,
			"datagrams":  sent,
			"bytes":      bytes,
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}
	if !quiet {
		successColor.Fprintf(w, "✓ Sent %d datagrams (%d bytes) to %s in %s\n", sent, bytes, opts.socket, elapsed.Round(time.Millisecond))
	}
	return nil
}

// readLines returns the non-empty lines of r
func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("no messages on stdin")
	}
	return lines, nil
}
