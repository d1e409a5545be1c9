package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/procwatch/internal/model"
	"github.com/ppiankov/procwatch/internal/store"
)

var snapshotJSON bool

func init() {
	snapshotCmd.Flags().BoolVar(&snapshotJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(snapshotCmd)
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the last persisted process snapshot and statistics",
	Long:  "Reads the state database written by the daemon. Works whether or not\nthe daemon is running.",
	Args:  cobra.NoArgs,
	RunE:  runSnapshot,
}

type snapshotOutput struct {
	Snapshot   *store.Snapshot   `json:"snapshot,omitempty"`
	Statistics *model.Statistics `json:"statistics,omitempty"`
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.StorePath()
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no state database at %s (has the daemon run?)", path)
	}

	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var res snapshotOutput
	snap, err := st.LatestSnapshot(ctx)
	switch {
	case err == nil:
		res.Snapshot = &snap
	case !errors.Is(err, model.ErrNotFound):
		return err
	}
	stats, err := st.LatestStatistics(ctx)
	switch {
	case err == nil:
		res.Statistics = &stats
	case !errors.Is(err, model.ErrNotFound):
		return err
	}

	out := cmd.OutOrStdout()
	if snapshotJSON {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if res.Snapshot == nil && res.Statistics == nil {
		fmt.Fprintln(out, "No snapshot recorded yet.")
		return nil
	}
	if s := res.Statistics; s != nil {
		fmt.Fprintf(out, "statistics at %s: lifecycle=%s tracked=%d tree=%d orphans=%d push_active=%t degraded=%t duplicates_suppressed=%d\n",
			s.TakenAt.Format(time.RFC3339), s.Lifecycle, s.Tracked, s.TreeSize, s.OrphanCount,
			s.PushActive, s.Degraded, s.DuplicatesSuppressed)
	}
	if snap := res.Snapshot; snap != nil {
		fmt.Fprintf(out, "snapshot at %s: %d processes\n", snap.TakenAt.Format(time.RFC3339), len(snap.Records))
		if len(snap.Records) == 0 {
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PID\tPPID\tTOOL\tNAME\tSTATE\tEXIT")
		for _, r := range snap.Records {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n",
				r.PID, r.ParentPID, r.ToolType, r.Name, r.State, exitSummary(r))
		}
		return tw.Flush()
	}
	return nil
}

func exitSummary(r model.ProcessRecord) string {
	if r.ExitCode == nil {
		return "-"
	}
	s := fmt.Sprint(*r.ExitCode)
	if r.IsAbnormalExit {
		s += " (abnormal)"
	}
	if r.ExitReason != "" {
		s += " " + r.ExitReason
	}
	return s
}
