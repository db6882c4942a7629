package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_feed/internal/feed"
)

// subscriptionCmd represents the subscription command
var subscriptionCmd = &cobra.Command{
	Use:     "subscription",
	Aliases: []string{"sub"},
	Short:   "Manage record subscriptions",
	Long:    `Create and manage subscriptions that select records by scope and filters.`,
}

var createSubscriptionCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a new subscription",
	Long: `Create a new subscription owned by the token's identity.

Example:
  feedctl subscription create large-buys --scope 7 --filters '{"type":"buy","payload.amount":{"$gte":100}}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filters, err := parseJSONObject(mustString(cmd, "filters"))
		if err != nil {
			return err
		}
		req := feed.CreateSubscriptionRequest{
			Name:        args[0],
			Description: mustString(cmd, "description"),
			Mode:        feed.Mode(mustString(cmd, "mode")),
			Filters:     filters,
			CallbackURL: mustString(cmd, "callback"),
		}
		if cmd.Flags().Changed("scope") {
			scope, _ := cmd.Flags().GetInt64("scope")
			req.ScopeID = &scope
		}

		var sub feed.Subscription
		if err := doRequest(cmd.Context(), http.MethodPost, "/v1/subscriptions", req, &sub); err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		printSubscription(cmd.OutOrStdout(), "Created subscription", sub)
		return nil
	},
}

var listSubscriptionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List your subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))

		var list struct {
			Total int                 `json:"total"`
			Items []feed.Subscription `json:"items"`
		}
		if err := doRequest(cmd.Context(), http.MethodGet, "/v1/subscriptions?"+q.Encode(), nil, &list); err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, list)
			return nil
		}
		fmt.Fprintf(out, "Subscriptions (%d of %d):\n", len(list.Items), list.Total)
		for _, s := range list.Items {
			state := "enabled"
			if !s.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(out, "  %-6d %-24s %-8s %-8s cursor=%d\n", s.ID, s.Name, s.Mode, state, s.LastDeliveredID)
		}
		return nil
	},
}

var getSubscriptionCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var sub feed.Subscription
		if err := doRequest(cmd.Context(), http.MethodGet, subscriptionPath(id), nil, &sub); err != nil {
			return fmt.Errorf("failed to get subscription: %w", err)
		}
		printSubscription(cmd.OutOrStdout(), "Subscription", sub)
		return nil
	},
}

var updateSubscriptionCmd = &cobra.Command{
	Use:   "update [id]",
	Short: "Update a subscription's name, description, filters or enabled flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var req feed.UpdateSubscriptionRequest
		flags := cmd.Flags()
		if flags.Changed("name") {
			v := mustString(cmd, "name")
			req.Name = &v
		}
		if flags.Changed("description") {
			v := mustString(cmd, "description")
			req.Description = &v
		}
		if flags.Changed("callback") {
			v := mustString(cmd, "callback")
			req.CallbackURL = &v
		}
		if flags.Changed("filters") {
			filters, err := parseJSONObject(mustString(cmd, "filters"))
			if err != nil {
				return err
			}
			if filters == nil {
				filters = map[string]any{}
			}
			req.Filters = &filters
		}
		if flags.Changed("enabled") {
			v, _ := flags.GetBool("enabled")
			req.Enabled = &v
		}

		var sub feed.Subscription
		if err := doRequest(cmd.Context(), http.MethodPatch, subscriptionPath(id), req, &sub); err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}
		printSubscription(cmd.OutOrStdout(), "Updated subscription", sub)
		return nil
	},
}

var deleteSubscriptionCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var resp envelope[any]
		if err := doRequest(cmd.Context(), http.MethodDelete, subscriptionPath(id), nil, &resp); err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
		return nil
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll [id]",
	Short: "Fetch the next batch of records and advance the cursor",
	Long: `Fetch the records after the subscription's cursor that match its filters.
The cursor advances past everything returned.

Example:
  feedctl subscription poll 12 --limit 50`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		q := url.Values{}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		if since, _ := cmd.Flags().GetInt64("since"); since > 0 {
			q.Set("since", strconv.FormatInt(since, 10))
		}
		path := subscriptionPath(id) + "/data"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var res feed.PollResult
		if err := doRequest(cmd.Context(), http.MethodGet, path, nil, &res); err != nil {
			return fmt.Errorf("failed to poll subscription: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, res)
			return nil
		}
		fmt.Fprintf(out, "Subscription %d: %d records, last_id=%d, has_more=%v\n", res.SubscriptionID, len(res.Data), res.LastID, res.HasMore)
		for _, rec := range res.Data {
			printRecord(out, rec)
		}
		return nil
	},
}

func subscriptionPath(id int64) string {
	return "/v1/subscriptions/" + strconv.FormatInt(id, 10)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid subscription id %q", s)
	}
	return id, nil
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func printSubscription(out io.Writer, title string, s feed.Subscription) {
	if outputJSON {
		printOutput(out, s)
		return
	}
	fmt.Fprintf(out, "%s: %d\n", title, s.ID)
	fmt.Fprintf(out, "  Name: %s\n", s.Name)
	fmt.Fprintf(out, "  Mode: %s\n", s.Mode)
	if s.ScopeID != nil {
		fmt.Fprintf(out, "  Scope: %d\n", *s.ScopeID)
	}
	if len(s.Filters) > 0 {
		fmt.Fprintf(out, "  Filters: %v\n", s.Filters)
	}
	fmt.Fprintf(out, "  Enabled: %v\n", s.Enabled)
	fmt.Fprintf(out, "  Cursor: %d\n", s.LastDeliveredID)
	fmt.Fprintf(out, "  Created: %s\n", s.CreatedAt.Format("2006-01-02 15:04:05"))
}

func printRecord(out io.Writer, r feed.Record) {
	fmt.Fprintf(out, "  #%-8d scope=%-6d %-10s %-10s %s\n", r.ID, r.ScopeID, r.Type, r.Symbol, r.CreatedAt.Format("15:04:05"))
}

func init() {
	rootCmd.AddCommand(subscriptionCmd)
	subscriptionCmd.AddCommand(createSubscriptionCmd, listSubscriptionsCmd, getSubscriptionCmd,
		updateSubscriptionCmd, deleteSubscriptionCmd, pollCmd)

	createSubscriptionCmd.Flags().String("description", "", "subscription description")
	createSubscriptionCmd.Flags().String("mode", "pull", "delivery mode (pull, push, callback)")
	createSubscriptionCmd.Flags().Int64("scope", 0, "only records in this scope")
	createSubscriptionCmd.Flags().String("filters", "", "filter document as JSON")
	createSubscriptionCmd.Flags().String("callback", "", "callback URL (callback mode)")

	listSubscriptionsCmd.Flags().Int("limit", 100, "maximum subscriptions to list")
	listSubscriptionsCmd.Flags().Int("offset", 0, "number of subscriptions to skip")

	updateSubscriptionCmd.Flags().String("name", "", "new name")
	updateSubscriptionCmd.Flags().String("description", "", "new description")
	updateSubscriptionCmd.Flags().String("filters", "", "replacement filter document as JSON")
	updateSubscriptionCmd.Flags().String("callback", "", "new callback URL")
	updateSubscriptionCmd.Flags().Bool("enabled", true, "enable or disable the subscription")

	pollCmd.Flags().Int("limit", 0, "maximum records to return (server default when 0)")
	pollCmd.Flags().Int64("since", 0, "skip records at or below this id")
}
