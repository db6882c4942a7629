package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_feed/internal/webhook"
)

// webhookRecord mirrors the API's webhook view
type webhookRecord struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	Secret         string            `json:"secret,omitempty"`
	Events         []webhook.Event   `json:"events"`
	Enabled        bool              `json:"enabled"`
	Headers        map[string]string `json:"headers,omitempty"`
	RetryCount     int               `json:"retry_count"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	CreatedAt      time.Time         `json:"created_at"`
}

// webhookCmd represents the webhook command
var webhookCmd = &cobra.Command{
	Use:     "webhook",
	Aliases: []string{"wh"},
	Short:   "Manage webhook endpoints",
	Long:    `Register webhook endpoints, trigger test deliveries and inspect delivery history.`,
}

var createWebhookCmd = &cobra.Command{
	Use:   "create [url]",
	Short: "Register a webhook endpoint",
	Long: `Register a webhook endpoint for one or more events.

Example:
  feedctl webhook create https://example.com/hook --events data.created,system.alert --secret s3cr3t`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, _ := cmd.Flags().GetStringSlice("events")
		rawHeaders, _ := cmd.Flags().GetStringArray("header")
		headers, err := parseHeaders(rawHeaders)
		if err != nil {
			return err
		}
		retries, _ := cmd.Flags().GetInt("retries")
		timeoutSecs, _ := cmd.Flags().GetInt("timeout-seconds")

		body := map[string]any{
			"url":    args[0],
			"events": events,
		}
		if s := mustString(cmd, "secret"); s != "" {
			body["secret"] = s
		}
		if headers != nil {
			body["headers"] = headers
		}
		if retries > 0 {
			body["retry_count"] = retries
		}
		if timeoutSecs > 0 {
			body["timeout_seconds"] = timeoutSecs
		}

		var resp envelope[webhookRecord]
		if err := doRequest(cmd.Context(), http.MethodPost, "/v1/webhooks", body, &resp); err != nil {
			return fmt.Errorf("failed to register webhook: %w", err)
		}
		printWebhook(cmd.OutOrStdout(), resp.Message, resp.Data)
		return nil
	},
}

var listWebhooksCmd = &cobra.Command{
	Use:   "list",
	Short: "List your webhook endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp envelope[struct {
			Webhooks []webhookRecord `json:"webhooks"`
		}]
		if err := doRequest(cmd.Context(), http.MethodGet, "/v1/webhooks", nil, &resp); err != nil {
			return fmt.Errorf("failed to list webhooks: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp.Data.Webhooks)
			return nil
		}
		fmt.Fprintln(out, resp.Message)
		for _, w := range resp.Data.Webhooks {
			fmt.Fprintf(out, "  %s  %-40s enabled=%-5v events=%s\n", w.ID, w.URL, w.Enabled, joinEvents(w.Events))
		}
		return nil
	},
}

var getWebhookCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show a webhook endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp envelope[webhookRecord]
		if err := doRequest(cmd.Context(), http.MethodGet, webhookPath(args[0]), nil, &resp); err != nil {
			return fmt.Errorf("failed to get webhook: %w", err)
		}
		printWebhook(cmd.OutOrStdout(), resp.Message, resp.Data)
		return nil
	},
}

var deleteWebhookCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a webhook endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return simpleWebhookAction(cmd, http.MethodDelete, webhookPath(args[0]))
	},
}

var enableWebhookCmd = &cobra.Command{
	Use:   "enable [id]",
	Short: "Enable a webhook endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return simpleWebhookAction(cmd, http.MethodPost, webhookPath(args[0])+"/enable")
	},
}

var disableWebhookCmd = &cobra.Command{
	Use:   "disable [id]",
	Short: "Disable a webhook endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return simpleWebhookAction(cmd, http.MethodPost, webhookPath(args[0])+"/disable")
	},
}

var testWebhookCmd = &cobra.Command{
	Use:   "test [id]",
	Short: "Queue a system.alert test delivery to an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp envelope[struct {
			DeliveryID string `json:"delivery_id"`
		}]
		if err := doRequest(cmd.Context(), http.MethodPost, webhookPath(args[0])+"/test", nil, &resp); err != nil {
			return fmt.Errorf("failed to send test event: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp.Data)
			return nil
		}
		fmt.Fprintf(out, "%s (delivery %s)\n", resp.Message, resp.Data.DeliveryID)
		return nil
	},
}

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries [id]",
	Short: "Show recent deliveries, for one endpoint or all of yours",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/webhooks/deliveries"
		if len(args) == 1 {
			path = webhookPath(args[0]) + "/deliveries"
		}
		q := url.Values{}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		if status := mustString(cmd, "status"); status != "" {
			q.Set("status", status)
		}
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var resp envelope[struct {
			Deliveries []webhook.Delivery `json:"deliveries"`
		}]
		if err := doRequest(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp.Data.Deliveries)
			return nil
		}
		fmt.Fprintln(out, resp.Message)
		for _, d := range resp.Data.Deliveries {
			fmt.Fprintf(out, "  %s  %-20s %-10s attempts=%d code=%d %s\n",
				d.ID, d.Event, d.Status, d.Attempts, d.ResponseCode, d.Error)
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List the events a webhook can subscribe to",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp envelope[struct {
			Events []struct {
				Value       string `json:"value"`
				Name        string `json:"name"`
				Description string `json:"description"`
			} `json:"events"`
		}]
		if err := doRequest(cmd.Context(), http.MethodGet, "/v1/webhooks/events", nil, &resp); err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp.Data.Events)
			return nil
		}
		for _, ev := range resp.Data.Events {
			fmt.Fprintf(out, "  %-24s %s\n", ev.Value, ev.Description)
		}
		return nil
	},
}

func simpleWebhookAction(cmd *cobra.Command, method, path string) error {
	var resp envelope[any]
	if err := doRequest(cmd.Context(), method, path, nil, &resp); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
	return nil
}

func webhookPath(id string) string {
	return "/v1/webhooks/" + url.PathEscape(id)
}

func joinEvents(events []webhook.Event) string {
	s := make([]string, len(events))
	for i, e := range events {
		s[i] = string(e)
	}
	return strings.Join(s, ",")
}

func printWebhook(out io.Writer, title string, w webhookRecord) {
	if outputJSON {
		printOutput(out, w)
		return
	}
	fmt.Fprintf(out, "%s: %s\n", title, w.ID)
	fmt.Fprintf(out, "  URL: %s\n", w.URL)
	fmt.Fprintf(out, "  Events: %s\n", joinEvents(w.Events))
	if w.Secret != "" {
		fmt.Fprintf(out, "  Secret: %s\n", w.Secret)
	}
	fmt.Fprintf(out, "  Enabled: %v\n", w.Enabled)
	fmt.Fprintf(out, "  Retries: %d  Timeout: %ds\n", w.RetryCount, w.TimeoutSeconds)
}

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(createWebhookCmd, listWebhooksCmd, getWebhookCmd, deleteWebhookCmd,
		enableWebhookCmd, disableWebhookCmd, testWebhookCmd, deliveriesCmd, eventsCmd)

	createWebhookCmd.Flags().StringSlice("events", nil, "events to deliver (comma separated)")
	createWebhookCmd.Flags().String("secret", "", "signing secret (generated when empty)")
	createWebhookCmd.Flags().StringArray("header", nil, "extra request header as key=value (repeatable)")
	createWebhookCmd.Flags().Int("retries", 0, "retry budget (server default when 0)")
	createWebhookCmd.Flags().Int("timeout-seconds", 0, "request timeout in seconds (server default when 0)")
	_ = createWebhookCmd.MarkFlagRequired("events")

	deliveriesCmd.Flags().Int("limit", 0, "maximum deliveries to show (1-200)")
	deliveriesCmd.Flags().String("status", "", "only deliveries with this status")
}
