package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/devblac/chain-feed/internal/config"
	"github.com/devblac/chain-feed/internal/logging"
	"github.com/devblac/chain-feed/internal/storage"
	"github.com/spf13/cobra"
)

var (
	cfgPath      string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "chain-feed",
	Short: "Live, deduplicated event feeds from Substrate, EVM and Algorand nodes",
	Long: `chain-feed follows blockchain nodes and keeps one feed per configured
source: events are labelled with their block, filtered by prefix, admitted
once per session and forwarded to sinks.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(logging.NewWithLevel(flagLogLevel))
	},
}

func init() {
	cobra.EnableCommandSorting = false

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to config file")
	flags.StringVar(&flagLogLevel, "log-level", os.Getenv("LOG_LEVEL"), "debug, info, warn or error (default from LOG_LEVEL)")

	rootCmd.AddCommand(versionCmd, initCmd, validateCmd, runCmd, stateCmd, exportCmd)
}

// openState loads the config and opens the cursor store it points at.
// The caller closes the store.
func openState() (*config.Config, *storage.Store, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := storage.Open(cfg.Global.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage %s: %w", cfg.Global.DBPath, err)
	}
	return cfg, store, nil
}

// Execute runs the command tree and reports a failure on stderr.
func Execute() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chain-feed: %v\n", err)
	}
	return err
}
