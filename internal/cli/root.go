// Package cli implements the tbc command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ywci/tbc/internal/config"
	"github.com/ywci/tbc/internal/logging"
)

// Persistent flags shared by every subcommand.
var (
	configFile string
	debug      bool
	verbose    bool
	quiet      bool
)

// rootCmd runs a node when invoked without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "tbc",
	Short: "tbc - crash-tolerant total-order broadcast",
	Long: `tbc runs one node of a cluster of up to 7 nodes that deliver every
broadcast message in the same global order, as long as a majority of the
nodes stay available.`,
	Version:       "0.1.0-dev",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable normally suppressed debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log warnings and errors")
}

// loadConfig reads the configuration named by --conf.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	switch {
	case debug:
		cfg.Log.Level = "debug"
	case quiet:
		cfg.Log.Level = "warn"
	}
	if verbose {
		cfg.Log.Development = true
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Development)
}
