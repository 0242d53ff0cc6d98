package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/FloatPeek/internal/config"
	"github.com/bryanchriswhite/FloatPeek/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var (
	cfgFile   string
	logPretty bool
	rootCmd   = &cobra.Command{
		Use:   "floatpeek",
		Short: "FloatPeek - floating live preview of another application's window",
		Long: `FloatPeek keeps a small always-on-top preview of one application's
window on screen. It finds the window by application name, captures it
continuously, crops and scales it into a borderless floating window, and
recovers on its own when the window goes away or capture stalls.

Features:
  • Find windows by WM_CLASS with configurable aliases
  • Occlusion-proof capture through the X Composite extension
  • Reactivate the application once, then search again
  • Watchdog restart when frames stop flowing
  • Local REST/WebSocket control API`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initLogging)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/floatpeek/config.yaml)")
	rootCmd.PersistentFlags().String("app", "", "target application name (overrides target_app)")
	rootCmd.PersistentFlags().Int("port", 0, "control API port on 127.0.0.1 (0 disables)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "pretty", term.IsTerminal(int(os.Stderr.Fd())), "human-readable log output (default when stderr is a terminal)")

	// Bind flags to viper
	viper.BindPFlag("target_app", rootCmd.PersistentFlags().Lookup("app"))
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initLogging() {
	level := viper.GetString("log_level")
	if level == "" {
		level = "info"
	}
	logger.Init(level, logPretty)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the config file and applies flag overrides for this
// process without writing them back
func loadConfig(cmd *cobra.Command) (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	overrides := []struct {
		flag string
		key  string
	}{
		{"app", "target_app"},
		{"port", "server_port"},
		{"log-level", "log_level"},
	}
	for _, o := range overrides {
		if !cmd.Flags().Changed(o.flag) {
			continue
		}
		if err := configMgr.Override(o.key, viper.Get(o.key)); err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", o.flag, err)
		}
	}

	// A config-file log level applies unless the flag was given
	if !cmd.Flags().Changed("log-level") {
		logger.Init(configMgr.Get().LogLevel, logPretty)
	}

	return configMgr, nil
}
