package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"twbot/internal/bot"
	"twbot/internal/config"
)

var (
	configPath string
	verbose    bool
	statePath  string
	qaLogDir   string
	bugsDir    string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "twbot",
	Short: "Autonomous trading client for TWClone servers",
	Long: `twbot logs into a TWClone game server and plays on its own: it explores
sectors, surveys ports, and trades between them, learning which actions pay off
in which situations. State survives restarts in a JSON state file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect and play until interrupted",
	RunE:  runBot,
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Summarize the saved state file and trade ledger",
	RunE:  showState,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the bot configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "state file (overrides state_file)")
	runCmd.Flags().StringVar(&qaLogDir, "log", "", "QA traffic log directory (overrides log_file)")
	runCmd.Flags().StringVar(&bugsDir, "bugs", "", "bug report directory (overrides bug_report_path)")

	rootCmd.AddCommand(runCmd, stateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	applyOverrides(&cfg)
	return cfg, nil
}

func applyOverrides(cfg *config.Config) {
	if statePath != "" {
		cfg.StateFile = statePath
	}
	if qaLogDir != "" {
		cfg.LogFile = qaLogDir
	}
	if bugsDir != "" {
		cfg.BugReportPath = bugsDir
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bot.Open(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("starting",
		zap.String("server", cfg.Address()),
		zap.String("user", cfg.PlayerUsername),
		zap.String("state", cfg.StateFile),
		zap.String("policy", cfg.BanditPolicy),
	)
	if err := b.Run(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("stopped", zap.Int64("total_profit", b.Model().TotalProfit))
	return nil
}
