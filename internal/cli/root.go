package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/procwatch/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "procwatch",
	Short: "Lifecycle monitor for AI command-line tool processes",
	Long: "Tracks claude, codex, gemini and similar CLI processes through polling and kernel\n" +
		"process events, reconciles both sources into one process tree, and reports\n" +
		"starts, exits and kills exactly once.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.procwatch/config.yaml)")
}

// loadConfig reads the --config file, falling back to defaults when absent.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
