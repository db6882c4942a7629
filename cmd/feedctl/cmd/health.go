package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_feed/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the feed service",
	Long:  `Check the HTTP /healthz endpoint and the gRPC health service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		var st health.Status
		err := doRequest(cmd.Context(), http.MethodGet, "/healthz", nil, &st)
		switch {
		case isStatus(err, http.StatusServiceUnavailable):
			fmt.Fprintln(out, "✗ HTTP: service is unhealthy")
		case err != nil:
			fmt.Fprintf(out, "✗ HTTP: %v\n", err)
		case outputJSON:
			printOutput(out, st)
		default:
			fmt.Fprintf(out, "✓ HTTP: healthy (store=%s, push connections=%d)\n", st.Store, st.Connections)
		}

		if skip, _ := cmd.Flags().GetBool("skip-grpc"); skip {
			return nil
		}
		status, err := grpcHealth(cmd.Context(), grpcAddr)
		if err != nil {
			fmt.Fprintf(out, "✗ gRPC: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "✓ gRPC: %s\n", status)
		return nil
	},
}

func grpcHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().Bool("skip-grpc", false, "only check the HTTP endpoint")
}
