package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/procwatch/internal/audit"
)

var (
	tailLines int

	replayPID    int
	replayTypes  []string
	replayFrom   string
	replayTo     string
	replayFormat string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditReplayCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditReplayCmd.Flags().IntVar(&replayPID, "pid", 0, "Only entries for this PID")
	auditReplayCmd.Flags().StringSliceVar(&replayTypes, "type", nil, "Only these event types (started, exited, killed, ...)")
	auditReplayCmd.Flags().StringVar(&replayFrom, "from", "", "Start time filter (RFC3339)")
	auditReplayCmd.Flags().StringVar(&replayTo, "to", "", "End time filter (RFC3339)")
	auditReplayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained event audit log.\nThe path defaults to the configured audit_log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of an audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent audit log entries",
	Long:  "Reads the last N entries from the JSONL audit log and pretty-prints them.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay [path]",
	Short: "Replay process lifecycle events from the audit log",
	Long:  "Reads the audit log, filters by PID, event type and time range,\nand renders a timeline with per-type counts.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditReplay,
}

// auditPath resolves the log path from args or config.
func auditPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	path := cfg.AuditPath()
	if path == "" {
		return "", errors.New("audit log disabled in config; pass a path")
	}
	return path, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	result := audit.Verify(path)
	if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	return fmt.Errorf("audit chain broken at line %d", result.ErrorLine)
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	// Read all lines, keep last N
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}

	start := len(lines) - tailLines
	if start < 0 {
		start = 0
	}

	out := cmd.OutOrStdout()
	for _, line := range lines[start:] {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Fprintln(out, line)
			continue
		}
		data, _ := json.MarshalIndent(entry, "", "  ")
		fmt.Fprintln(out, string(data))
	}

	return nil
}

func runAuditReplay(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}

	filter := audit.ReplayFilter{PID: replayPID, Types: replayTypes}
	if replayFrom != "" {
		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from time %q: %w", replayFrom, err)
		}
		filter.From = from
	}
	if replayTo != "" {
		to, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return fmt.Errorf("invalid --to time %q: %w", replayTo, err)
		}
		filter.To = to
	}

	result, err := audit.Replay(path, filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch replayFormat {
	case "json":
		data, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, data)
	case "text", "":
		fmt.Fprint(out, audit.FormatTimeline(result))
	default:
		return fmt.Errorf("unknown format %q: use text or json", replayFormat)
	}
	return nil
}
