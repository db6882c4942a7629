package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_feed/internal/push"
)

var watchCmd = &cobra.Command{
	Use:   "watch [subscription-id...]",
	Short: "Stream records for subscriptions over the push channel",
	Long: `Open a push connection, subscribe to each subscription and print
records as they are delivered. Stops on Ctrl-C.

Example:
  feedctl watch 12 13`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, 0, len(args))
		for _, a := range args {
			id, err := parseID(a)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		path, _ := cmd.Flags().GetString("path")
		wsURL, err := pushURL(serverURL, path)
		if err != nil {
			return err
		}
		return watch(cmd.Context(), wsURL, ids, cmd.OutOrStdout())
	},
}

// pushURL converts the HTTP base URL into the websocket URL of the push route
func pushURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path += path
	return u.String(), nil
}

func watch(ctx context.Context, wsURL string, ids []int64, out io.Writer) error {
	header := http.Header{}
	if jwtToken != "" {
		header.Set("Authorization", "Bearer "+jwtToken)
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, header)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	// unblock ReadJSON on cancellation
	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for _, id := range ids {
		id := id
		if err := conn.WriteJSON(push.Message{Action: push.ActionSubscribe, SubscriptionID: &id}); err != nil {
			return fmt.Errorf("subscribe %d: %w", id, err)
		}
	}

	for {
		var f push.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("connection closed: %d %s", ce.Code, ce.Text)
			}
			return err
		}
		printFrame(out, f)
	}
}

func printFrame(out io.Writer, f push.Frame) {
	if outputJSON {
		printOutput(out, f)
		return
	}
	switch f.Type {
	case push.FrameConnected:
		fmt.Fprintf(out, "connected as %s\n", f.Identity)
	case push.FrameSubscribed, push.FrameUnsubscribed:
		fmt.Fprintf(out, "%s: subscription %d\n", f.Type, f.SubscriptionID)
	case push.FrameError:
		fmt.Fprintf(out, "error: %s\n", f.Message)
	case push.FrameData:
		fmt.Fprintf(out, "subscription %d: %d records\n", f.SubscriptionID, len(f.Data))
		for _, rec := range f.Data {
			printRecord(out, rec)
		}
	default:
		fmt.Fprintf(out, "%s %s\n", f.Type, f.Message)
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("path", "/ws/subscribe", "push route path")
}
