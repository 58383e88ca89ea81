package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/spf13/cobra"

	"github.com/h1dd3n01/authecho/pkg/api"
)

func newStatusCmd() *cobra.Command {
	var statusJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check server status",
		Long: `Display the current status of a running authecho server.

Shows information about:
- Listen address, TLS and saturation policy
- Active, queued and peak sessions
- Connection outcomes and bytes echoed
- Uptime and version

Examples:
  # Show status in human-readable format
  authecho status

  # Show status as JSON
  authecho status --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := api.NewClient(&api.ClientConfig{SocketPath: socketPath})

			status, err := c.Status()
			if err != nil {
				return err
			}

			if statusJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				if err := encoder.Encode(status); err != nil {
					return fmt.Errorf("failed to encode status: %w", err)
				}
				return nil
			}

			printHumanStatus(cmd.OutOrStdout(), status)
			return nil
		},
		Args: cobra.NoArgs,
	}

	cmd.Flags().BoolVar(&statusJSON, "json", false, "Output status as JSON")
	return cmd
}

// printHumanStatus prints status in a human-readable format.
func printHumanStatus(out io.Writer, status *api.StatusResponse) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintf(w, "Version:\t%s\n", status.Version)
	_, _ = fmt.Fprintf(w, "Uptime:\t%s\n", formatDuration(time.Since(status.Uptime)))
	if status.ListenAddr != "" {
		_, _ = fmt.Fprintf(w, "Listen Address:\t%s\n", status.ListenAddr)
	}
	_, _ = fmt.Fprintf(w, "TLS:\t%s\n", onOff(status.TLS))
	_, _ = fmt.Fprintf(w, "Policy:\t%s\n", status.Policy)

	stats := status.Stats
	_, _ = fmt.Fprintf(w, "\nSessions:\n")
	_, _ = fmt.Fprintf(w, "  Active:\t%d / %d\n", stats.Active, status.Capacity)
	_, _ = fmt.Fprintf(w, "  Queued:\t%d\n", stats.Queued)
	_, _ = fmt.Fprintf(w, "  Peak:\t%d\n", stats.Peak)

	_, _ = fmt.Fprintf(w, "\nConnections:\n")
	_, _ = fmt.Fprintf(w, "  Accepted:\t%d\n", stats.Accepted)
	_, _ = fmt.Fprintf(w, "  Completed:\t%d\n", stats.Completed)
	_, _ = fmt.Fprintf(w, "  Rejected (saturated):\t%d\n", stats.Rejected)
	_, _ = fmt.Fprintf(w, "  Auth Failures:\t%d\n", stats.AuthFailures)
	_, _ = fmt.Fprintf(w, "  Protocol Errors:\t%d\n", stats.ProtocolErrors)
	_, _ = fmt.Fprintf(w, "  TLS Errors:\t%d\n", stats.TransportErrors)
	_, _ = fmt.Fprintf(w, "  I/O Errors:\t%d\n", stats.IOErrors)

	_, _ = fmt.Fprintf(w, "\nTraffic:\n")
	_, _ = fmt.Fprintf(w, "  Received:\t%s\n", sizestr.ToString(int64(stats.BytesIn)))
	_, _ = fmt.Fprintf(w, "  Sent:\t%s\n", sizestr.ToString(int64(stats.BytesOut)))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd%dh", days, hours)
}
