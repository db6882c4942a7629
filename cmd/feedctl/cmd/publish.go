package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_feed/internal/feed"
	"github.com/austindbirch/harbor_feed/internal/ingest"
	"github.com/austindbirch/harbor_feed/internal/webhook"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a record-created event to NSQ",
	Long: `Publish a record onto the records topic as the producer would. Useful for
exercising ingest, polling and webhooks end to end.

Example:
  feedctl publish --nsqd localhost:4150 --id 42 --scope 7 --type buy --symbol ACME --payload '{"amount":250}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parseJSONObject(mustString(cmd, "payload"))
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		id, _ := flags.GetInt64("id")
		scope, _ := flags.GetInt64("scope")
		rec := feed.Record{
			ID:        id,
			ScopeID:   scope,
			Type:      mustString(cmd, "type"),
			Symbol:    mustString(cmd, "symbol"),
			Status:    mustString(cmd, "status"),
			Source:    mustString(cmd, "source"),
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		}

		producer, err := webhook.NewNSQProducer(mustString(cmd, "nsqd"))
		if err != nil {
			return err
		}
		defer producer.Stop()

		topic := mustString(cmd, "topic")
		if err := ingest.Publish(cmd.Context(), producer, topic, rec); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published %s record to %s\n", rec.Type, topic)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)
	f := publishCmd.Flags()
	f.String("nsqd", "localhost:4150", "nsqd TCP address")
	f.String("topic", "records", "records topic")
	f.Int64("id", 0, "record id (required when the service uses postgres)")
	f.Int64("scope", 0, "scope id")
	f.String("type", "", "record type")
	f.String("symbol", "", "record symbol")
	f.String("status", "", "record status")
	f.String("source", "feedctl", "record source")
	f.String("payload", "", "payload as JSON")
	_ = publishCmd.MarkFlagRequired("type")
}
