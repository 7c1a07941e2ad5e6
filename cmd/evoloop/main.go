package main

import (
	"fmt"
	"os"
	"time"

	"evoloop/internal/config"
	"evoloop/internal/logging"
	"evoloop/internal/sandbox"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is stamped at build time.
var Version = "0.3.0-dev"

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Loaded per invocation in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "evoloop",
	Short: "evoloop - controlled self-modification pipeline",
	Long: `evoloop generates candidate code modules through an external generator,
executes them inside a locked-down Docker sandbox (no network, hard resource
limits, read-only filesystem), and gates integration behind a risk-derived
approval ladder. Every outcome lands in a durable audit trail.

Safe candidates that run cleanly are staged automatically; anything riskier
waits for a human.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			var err error
			workspace, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
		}

		var err error
		cfg, err = config.Load(workspace)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}

		if cfg.Logging.DebugMode {
			if err := logging.Initialize(workspace, logging.Options{
				DebugMode:  true,
				Level:      cfg.Logging.Level,
				Categories: cfg.Logging.Categories,
			}); err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the evoloop version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("evoloop %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Operation timeout")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtimeConfig maps the loaded configuration onto the sandbox envelope.
func runtimeConfig() sandbox.RuntimeConfig {
	rc := sandbox.DefaultRuntimeConfig()
	rc.Image = cfg.Sandbox.Image
	rc.Limits.MemoryBytes = cfg.Sandbox.MemoryLimitBytes
	rc.Limits.CPUQuota = cfg.Sandbox.CPUQuota
	rc.Limits.CPUPeriod = cfg.Sandbox.CPUPeriod
	rc.Limits.PidsLimit = cfg.Sandbox.PidsLimit
	rc.Limits.OpenFiles = cfg.Sandbox.OpenFilesLimit
	rc.Limits.MaxOutputBytes = cfg.Sandbox.MaxOutputBytes
	return rc
}
