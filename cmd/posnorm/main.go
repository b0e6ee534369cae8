package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"posnorm/internal/audit"
	"posnorm/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	auditPath  string
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "posnorm",
	Short: "posnorm - POS receipt normalization pipeline",
	Long: `posnorm normalizes messy point-of-sale receipt text into structured,
catalog-validated orders.

The ingest pipeline runs four stages: rule-based parsing, fuzzy candidate
matching against the menu catalog, LLM normalization and grouping, and a
final merge-validate pass. Every stage degrades gracefully: a failed stage
yields review-flagged fallback output instead of an error, and every
correction is recorded in an append-only JSONL audit log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if verbose {
			os.Setenv("POSNORM_DEBUG", "1")
		}
		logging.InitFromEnv()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// auditLogger opens the audit log selected by flags/config.
func auditLogger() (*audit.Logger, error) {
	path := auditPath
	if path == "" {
		path = audit.DefaultPath
	}
	return audit.NewLogger(path)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&auditPath, "audit-log", "", "Audit log path (default ./audit.log.jsonl)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(traceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
