package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/procwatch/internal/daemon"
	"github.com/ppiankov/procwatch/internal/logging"
)

var runLogLevel string

func init() {
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "Override log level (debug|info|warn|error)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitor daemon",
	Long: `Starts polling and, when enabled and permitted, the kernel process event
listener. Serves Prometheus metrics and the gRPC health service until
SIGINT or SIGTERM, then flushes pending events and saves state.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runLogLevel != "" {
		cfg.Log.Level = runLogLevel
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	d, err := daemon.New(cfg, logger, daemon.Options{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting procwatch",
		zap.String("version", version),
		zap.String("config", cfg.Path))
	return d.Run(ctx)
}
