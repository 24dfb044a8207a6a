package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/devblac/chain-feed/internal/config"
	"github.com/devblac/chain-feed/internal/storage"
	"github.com/spf13/cobra"
)

const validateTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and read the current height of every source",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		streams, err := buildStreams(cfg, store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
		if err != nil {
			return err
		}

		ids := make([]string, 0, len(streams))
		for id := range streams {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		failures := 0
		for _, id := range ids {
			ctx, cancel := context.WithTimeout(cmd.Context(), validateTimeout)
			height, err := streams[id].CurrentBlockHeight(ctx)
			cancel()
			if err != nil {
				failures++
				fmt.Fprintf(out, "- source %s: ERROR %v\n", id, err)
				continue
			}
			fmt.Fprintf(out, "- source %s: height %d OK\n", id, height)
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d source(s) failed connectivity", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}
