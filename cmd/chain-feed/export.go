package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/devblac/chain-feed/internal/storage"
	"github.com/spf13/cobra"
)

var flagFormat string

func init() {
	exportCmd.Flags().StringVar(&flagFormat, "format", "json", "Output format: json or csv")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored cursors as json or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openState()
		if err != nil {
			return err
		}
		defer store.Close()

		cursors, err := store.ListCursors(cmd.Context())
		if err != nil {
			return err
		}
		return exportCursors(cmd.OutOrStdout(), flagFormat, cursors)
	},
}

type cursorRecord struct {
	SourceID  string    `json:"source_id"`
	Height    uint64    `json:"height"`
	Hash      string    `json:"hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

func exportCursors(w io.Writer, format string, cursors []storage.Cursor) error {
	switch format {
	case "json":
		records := make([]cursorRecord, 0, len(cursors))
		for _, c := range cursors {
			records = append(records, cursorRecord(c))
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "csv":
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"source_id", "height", "hash", "updated_at"})
		for _, c := range cursors {
			_ = cw.Write([]string{c.SourceID, strconv.FormatUint(c.Height, 10), c.Hash, c.UpdatedAt.Format(time.RFC3339)})
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("export: unsupported format %q", format)
	}
}
