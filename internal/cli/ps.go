package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/procwatch/internal/classify"
	"github.com/ppiankov/procwatch/internal/model"
	"github.com/ppiankov/procwatch/internal/procfs"
)

var (
	psAll  bool
	psJSON bool
)

// listProcesses is replaced in tests.
var listProcesses = func() ([]procfs.Process, error) {
	return procfs.New("").List()
}

func init() {
	psCmd.Flags().BoolVarP(&psAll, "all", "a", false, "Include processes that are not AI tools")
	psCmd.Flags().BoolVar(&psJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(psCmd)
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List running AI tool processes",
	Long:  "Reads /proc once and classifies every process by name and executable path.\nDoes not need a running daemon.",
	Args:  cobra.NoArgs,
	RunE:  runPS,
}

type psRow struct {
	PID      int            `json:"pid"`
	PPID     int            `json:"ppid"`
	Name     string         `json:"name"`
	Tool     model.ToolType `json:"tool"`
	Tags     []string       `json:"tags,omitempty"`
	Started  time.Time      `json:"started"`
	RSSBytes uint64         `json:"rss_bytes"`
	Cmdline  string         `json:"cmdline,omitempty"`
}

func runPS(cmd *cobra.Command, args []string) error {
	procs, err := listProcesses()
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	c := classify.New(nil)
	rows := make([]psRow, 0, len(procs))
	for _, p := range procs {
		tool, tags := c.Classify(p.Name, p.FullPath)
		if !psAll && tool == model.ToolUnknown {
			continue
		}
		rows = append(rows, psRow{
			PID:      p.PID,
			PPID:     p.PPID,
			Name:     p.Name,
			Tool:     tool,
			Tags:     tags,
			Started:  p.StartTime,
			RSSBytes: p.RSSBytes,
			Cmdline:  p.Cmdline,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].PID < rows[j].PID })

	out := cmd.OutOrStdout()
	if psJSON {
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(rows) == 0 {
		fmt.Fprintln(out, "No AI tool processes running.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tPPID\tTOOL\tNAME\tRSS\tUPTIME\tCOMMAND")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			r.PID, r.PPID, r.Tool, r.Name, formatBytes(r.RSSBytes),
			formatUptime(r.Started), truncate(r.Cmdline, 60))
	}
	return tw.Flush()
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ci", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatUptime(started time.Time) string {
	if started.IsZero() {
		return "-"
	}
	return time.Since(started).Truncate(time.Second).String()
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
