package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/FloatPeek/internal/app"
	"github.com/bryanchriswhite/FloatPeek/internal/logger"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the floating preview",
	Long: `Start the floating preview for the configured application.

The preview shows "searching for <app>…" until a matching window appears.
If frames stop arriving for longer than watchdog_timeout_ms the process
restarts itself, through systemd when it runs as a user unit.`,
	Example: `  # Preview the configured application
  floatpeek run

  # Preview Firefox and expose the control API on port 8765
  floatpeek run --app firefox --port 8765

  # Start with debug logging
  floatpeek run --log-level debug`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cfg := configMgr.Get()
	log := logger.WithComponent("main")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("target_app", cfg.TargetApp).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	a, err := app.Open(configMgr)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ServerPort > 0 {
		log.Info().Msgf("Control API: http://127.0.0.1:%d/api", cfg.ServerPort)
	}

	if err := a.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("Shutting down gracefully")
	return nil
}
