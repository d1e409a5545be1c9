package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ppiankov/procwatch/internal/client"
	"github.com/ppiankov/procwatch/internal/model"
)

var (
	healthAddr string
	healthJSON bool
)

// errUnhealthy makes the command exit non-zero without extra output.
var errUnhealthy = errors.New("daemon unhealthy")

func init() {
	healthCmd.Flags().StringVar(&healthAddr, "addr", "", "Daemon gRPC address (default from config)")
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the running daemon's health",
	Long:  "Calls the daemon's gRPC health service and prints the detailed check report.\nExits 1 when the daemon is unreachable or unhealthy.",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	addr := healthAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = cfg.GRPCAddr
	}
	if addr == "" {
		return errors.New("gRPC endpoint disabled; pass --addr")
	}

	c, err := client.New(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	serving, err := c.Serving(ctx)
	if err != nil {
		return fmt.Errorf("daemon at %s unreachable: %w", addr, err)
	}
	res, err := c.CheckHealth(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if healthJSON {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	} else {
		printHealth(cmd, res)
	}

	if !serving || !res.Healthy {
		return errUnhealthy
	}
	return nil
}

func printHealth(cmd *cobra.Command, res model.HealthResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "status: %s\n", res.Status)

	names := make([]string, 0, len(res.Checks))
	for name := range res.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		mark := "✓"
		if !res.Checks[name] {
			mark = "✗"
		}
		fmt.Fprintf(out, "%s %s\n", mark, name)
	}

	for _, s := range res.Issues {
		fmt.Fprintf(out, "issue: %s\n", s)
	}
	for _, s := range res.Warnings {
		fmt.Fprintf(out, "warning: %s\n", s)
	}
	for _, s := range res.Recommendations {
		fmt.Fprintf(out, "  -> %s\n", s)
	}
}
