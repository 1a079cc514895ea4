// Command vatcalc prices multi-country VAT filing services from dated rules.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/opensource-finance/vatcalc/internal/domain"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	cfg     *domain.Config
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "vatcalc",
	Short: "Price VAT filing services across countries",
	Long: `vatcalc evaluates country and request level pricing rules for VAT filing
services and aggregates them into one auditable result.

Examples:
  vatcalc serve
  vatcalc calculate --service StandardFiling --volume 500 --frequency Quarterly --country DE --country FR
  vatcalc rules import rules.yaml
  vatcalc bench --file scenarios.csv`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = domain.LoadConfig()
		if verbose {
			cfg.Logging.Level = "debug"
		}
		slog.SetDefault(newLogger(cfg.Logging))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(calculateCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vatcalc %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	},
}

// newLogger builds the process logger. Logs go to stderr so command output on
// stdout stays machine readable.
func newLogger(lc domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
