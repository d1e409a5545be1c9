package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ppiankov/procwatch/internal/clock"
	"github.com/ppiankov/procwatch/internal/daemon"
	"github.com/ppiankov/procwatch/internal/ingest"
	"github.com/ppiankov/procwatch/internal/procfs"
	"github.com/ppiankov/procwatch/internal/systemd"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check system readiness and diagnose configuration issues",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	var checks []checkResult

	// 1. Binary location and version.
	execPath, _ := os.Executable()
	if execPath != "" {
		checks = append(checks, checkResult{
			label:  "procwatch binary",
			ok:     true,
			detail: fmt.Sprintf("%s (v%s)", execPath, version),
		})
	} else {
		checks = append(checks, checkResult{
			label:  "procwatch binary",
			ok:     false,
			detail: "cannot determine executable path",
		})
	}

	// 2. Config.
	cfg, cfgErr := loadConfig()
	if cfgErr != nil {
		checks = append(checks, checkResult{
			label:  "config",
			ok:     false,
			detail: cfgErr.Error(),
			fix:    "procwatch init --force",
		})
	} else if _, err := os.Stat(cfg.Path); err != nil {
		checks = append(checks, checkResult{
			label:  "config",
			ok:     true,
			detail: "no file, using defaults",
		})
	} else {
		checks = append(checks, checkResult{
			label:  "config",
			ok:     true,
			detail: cfg.Path,
		})
	}

	// 3. Polling source.
	procs := procfs.New("")
	if err := procs.Available(); err != nil {
		checks = append(checks, checkResult{
			label:  "procfs",
			ok:     false,
			detail: err.Error(),
		})
	} else {
		checks = append(checks, checkResult{
			label:  "procfs",
			ok:     true,
			detail: procfs.DefaultRoot,
		})
	}

	// 4. Push source. Missing privileges only degrade to polling.
	if err := ingest.NewProcConnector(procs, clock.Real(), nil).Probe(); err != nil {
		checks = append(checks, checkResult{
			label:  "process events",
			ok:     true,
			detail: fmt.Sprintf("unavailable (%v), polling only", err),
			fix:    "run as root or grant CAP_NET_ADMIN",
		})
	} else {
		checks = append(checks, checkResult{
			label:  "process events",
			ok:     true,
			detail: "available",
		})
	}

	// 5. Daemon.
	if cfg != nil {
		running, err := daemon.Running(cfg.StateDir)
		switch {
		case err != nil:
			checks = append(checks, checkResult{
				label:  "daemon",
				ok:     false,
				detail: err.Error(),
			})
		case running:
			detail := "running"
			if pid, err := daemon.ReadPID(cfg.StateDir); err == nil {
				detail = fmt.Sprintf("running (PID %d)", pid)
			}
			checks = append(checks, checkResult{label: "daemon", ok: true, detail: detail})
		default:
			checks = append(checks, checkResult{
				label:  "daemon",
				ok:     true,
				detail: "not running",
				fix:    "procwatch run",
			})
		}
	}

	// 6. systemd (Linux only).
	if runtime.GOOS == "linux" {
		if _, err := os.Stat(systemd.UnitPath); err == nil {
			hashPath := filepath.Join("/etc/procwatch", systemd.HashFileName)
			if warn := systemd.CheckUnitFileIntegrity(systemd.UnitPath, hashPath); warn != "" {
				checks = append(checks, checkResult{
					label:  "systemd unit",
					ok:     false,
					detail: warn,
					fix:    "sudo procwatch init --mode system --install-systemd --force",
				})
			} else {
				checks = append(checks, checkResult{
					label:  "systemd unit",
					ok:     true,
					detail: "installed",
				})
			}
		} else {
			checks = append(checks, checkResult{
				label:  "systemd unit",
				ok:     true,
				detail: "not installed",
			})
		}
	}

	// Print results.
	out := cmd.OutOrStdout()
	hasFailures := false
	for _, c := range checks {
		mark := "\u2713" // ✓
		if !c.ok {
			mark = "\u2717" // ✗
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(out, line)
	}

	if hasFailures {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "All checks passed.")
	return nil
}
