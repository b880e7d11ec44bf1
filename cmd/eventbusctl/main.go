// eventbusctl is the operator CLI for the event bus admin API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "eventbusctl",
	Short: "Event bus operations CLI",
	Long: `eventbusctl inspects a running event bus daemon: backend health,
processing counters, the dead letter sink and correlation replay.`,
	Version: "0.1.0",
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show backend health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/healthz", nil)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show processing counters and circuit breaker states",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/api/v1/stats", nil)
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Dead letter sink inspection",
}

var dlqListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recent dead letter records",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return getJSON("/api/v1/dlq", url.Values{"limit": {fmt.Sprint(limit)}})
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay [correlation-id]",
	Short: "Replay stored events for a correlation id",
	Long: `Replay returns the events recorded for a correlation id in insertion
order. The optional --from and --to flags bound the window (RFC 3339;
from inclusive, to exclusive).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := url.Values{}
		for _, name := range []string{"from", "to"} {
			raw, _ := cmd.Flags().GetString(name)
			if raw == "" {
				continue
			}
			if _, err := time.Parse(time.RFC3339, raw); err != nil {
				return fmt.Errorf("--%s must be RFC 3339: %w", name, err)
			}
			params.Set(name, raw)
		}
		return getJSON("/api/v1/replay/"+url.PathEscape(args[0]), params)
	},
}

// getJSON fetches an admin endpoint and pretty-prints the JSON response.
func getJSON(path string, params url.Values) error {
	target := serverURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("request %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("%s: %s", resp.Status, body)
	}

	var pretty json.RawMessage = body
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		// Not JSON; print as-is.
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8087", "admin API base URL")

	dlqListCmd.Flags().Int("limit", 100, "maximum records to return")
	dlqCmd.AddCommand(dlqListCmd)

	replayCmd.Flags().String("from", "", "window start (RFC 3339, inclusive)")
	replayCmd.Flags().String("to", "", "window end (RFC 3339, exclusive)")

	rootCmd.AddCommand(healthCmd, statsCmd, dlqCmd, replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
