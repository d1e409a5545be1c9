package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/procwatch/internal/config"
	"github.com/ppiankov/procwatch/internal/systemd"
)

// systemStateDir is the state directory systemd creates for the unit.
const systemStateDir = "/var/lib/procwatch"

var (
	initMode           string
	initInstallSystemd bool
	initForce          bool
)

func init() {
	initCmd.Flags().StringVar(&initMode, "mode", "user", "Config location: user (~/.procwatch) or system (/etc/procwatch)")
	initCmd.Flags().BoolVar(&initInstallSystemd, "install-systemd", false, "Install the procwatch.service unit (requires root)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration and optional systemd unit",
	Long: `Creates the config directory and a commented config.yaml with defaults.

User mode (default):  writes to ~/.procwatch/
System mode:          writes to /etc/procwatch/ with state in /var/lib/procwatch

With --install-systemd: installs procwatch.service, which runs the daemon
with CAP_NET_ADMIN so kernel process events are available:
  systemctl enable --now procwatch`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := initConfigDir()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	var created []string

	configFile := filepath.Join(configDir, "config.yaml")
	content := config.DefaultConfigYAML()
	if initMode == "system" {
		content = strings.Replace(content, "# state_dir: ~/.procwatch", "state_dir: "+systemStateDir, 1)
	}
	if wrote, err := writeIfMissing(configFile, content); err != nil {
		return err
	} else if wrote {
		created = append(created, configFile)
	}

	if initInstallSystemd {
		if runtime.GOOS != "linux" {
			return fmt.Errorf("--install-systemd is only supported on Linux")
		}
		if os.Geteuid() != 0 {
			return fmt.Errorf("--install-systemd requires root; run with sudo")
		}

		binary, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
		if err := os.WriteFile(systemd.UnitPath, []byte(systemd.Template(binary, configFile)), 0o644); err != nil {
			return fmt.Errorf("write systemd unit: %w", err)
		}
		created = append(created, systemd.UnitPath)

		hashPath := filepath.Join(configDir, systemd.HashFileName)
		if err := systemd.RecordUnitFileHash(systemd.UnitPath, hashPath); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: record unit hash: %v\n", err)
		}

		if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: systemctl daemon-reload failed: %v\n", err)
		}
	}

	fmt.Fprintln(out, "procwatch init complete.")
	fmt.Fprintln(out)
	if len(created) > 0 {
		fmt.Fprintln(out, "Created:")
		for _, path := range created {
			fmt.Fprintf(out, "  %s\n", path)
		}
	} else {
		fmt.Fprintln(out, "All files already exist (use --force to overwrite).")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Verify:")
	fmt.Fprintln(out, "  procwatch doctor")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Start monitoring:")
	if initInstallSystemd {
		fmt.Fprintln(out, "  sudo systemctl enable --now procwatch")
	} else {
		fmt.Fprintf(out, "  procwatch run --config %s\n", configFile)
	}
	return nil
}

// initConfigDir returns the configuration directory based on mode.
func initConfigDir() (string, error) {
	switch initMode {
	case "system":
		return "/etc/procwatch", nil
	case "user", "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, config.DirName), nil
	default:
		return "", fmt.Errorf("unknown mode %q: use 'user' or 'system'", initMode)
	}
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
