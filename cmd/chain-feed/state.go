package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/devblac/chain-feed/internal/feed"
	"github.com/devblac/chain-feed/internal/storage"
	"github.com/lensesio/tableprinter"
	"github.com/spf13/cobra"
)

var flagLag bool

func init() {
	stateCmd.Flags().BoolVar(&flagLag, "lag", false, "Query every source for its head and show the processing lag")
}

type cursorRow struct {
	Source  string `header:"source"`
	Height  uint64 `header:"height"`
	Head    string `header:"head"`
	Lag     string `header:"lag"`
	Hash    string `header:"hash"`
	Updated string `header:"updated"`
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show stored cursors of polled sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openState()
		if err != nil {
			return err
		}
		defer store.Close()

		cursors, err := store.ListCursors(cmd.Context())
		if err != nil {
			return err
		}
		if len(cursors) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "state: no cursors stored")
			return nil
		}

		var streams map[string]feed.Stream
		if flagLag {
			streams, err = buildStreams(cfg, store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return err
			}
		}
		printCursors(cmd.Context(), cmd.OutOrStdout(), cursors, streams)
		return nil
	},
}

func printCursors(ctx context.Context, w io.Writer, cursors []storage.Cursor, streams map[string]feed.Stream) {
	rows := make([]cursorRow, 0, len(cursors))
	for _, c := range cursors {
		row := cursorRow{
			Source:  c.SourceID,
			Height:  c.Height,
			Head:    "-",
			Lag:     "-",
			Hash:    shortHash(c.Hash),
			Updated: c.UpdatedAt.Format(time.RFC3339),
		}
		if s, ok := streams[c.SourceID]; ok {
			hctx, cancel := context.WithTimeout(ctx, validateTimeout)
			head, err := s.CurrentBlockHeight(hctx)
			cancel()
			if err != nil {
				row.Head = "error"
			} else {
				row.Head = strconv.FormatUint(head, 10)
				if head >= c.Height {
					row.Lag = strconv.FormatUint(head-c.Height, 10)
				}
			}
		}
		rows = append(rows, row)
	}
	tableprinter.New(w).Print(rows)
}

func shortHash(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:8] + "..." + h[len(h)-4:]
}
