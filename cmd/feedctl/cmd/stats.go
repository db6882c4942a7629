package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_feed/internal/webhook"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show webhook delivery and push connection statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp envelope[struct {
			webhook.Stats
			PushConnections int `json:"push_connections"`
		}]
		if err := doRequest(cmd.Context(), http.MethodGet, "/v1/stats", nil, &resp); err != nil {
			return fmt.Errorf("failed to fetch stats: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp.Data)
			return nil
		}
		st := resp.Data
		fmt.Fprintf(out, "Webhooks:         %d registered, %d active\n", st.RegisteredWebhooks, st.ActiveWebhooks)
		fmt.Fprintf(out, "Deliveries:       %d total, %d delivered, %d failed (%s)\n", st.TotalDeliveries, st.Delivered, st.Failed, st.SuccessRate)
		fmt.Fprintf(out, "Queue:            %d queued, %d pending retries\n", st.QueueSize, st.PendingRetries)
		fmt.Fprintf(out, "Push connections: %d\n", st.PushConnections)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
