package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devblac/chain-feed/internal/config"
	"github.com/devblac/chain-feed/internal/feed"
	"github.com/devblac/chain-feed/internal/source/substrate"
	"github.com/devblac/chain-feed/internal/storage"
)

type headStream struct {
	height uint64
	err    error
}

func (h headStream) SubscribeEvents(ctx context.Context, onBatch func([]feed.RawEvent)) (feed.CancelFunc, error) {
	return func() {}, nil
}

func (h headStream) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	return h.height, h.err
}

func TestSampleConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := writeSampleConfig(path, false); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	if err := writeSampleConfig(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := writeSampleConfig(path, true); err != nil {
		t.Fatalf("force overwrite: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].Type != substrate.Chain {
		t.Fatalf("unexpected sources %+v", cfg.Sources)
	}

	streams, err := buildStreams(cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("build streams: %v", err)
	}
	if _, ok := streams["local"].(*substrate.Client); !ok {
		t.Fatalf("expected substrate client, got %T", streams["local"])
	}
}

func TestBuildStreamRejectsUnknownType(t *testing.T) {
	cfg := &config.Config{Sources: []config.Source{{ID: "x", Type: "cosmos"}}}
	if _, err := buildStreams(cfg, nil, nil, nil); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}

func TestPingStreams(t *testing.T) {
	ping := pingStreams(map[string]feed.Stream{"a": headStream{height: 1}})
	if err := ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	ping = pingStreams(map[string]feed.Stream{"a": headStream{height: 1}, "b": headStream{err: errors.New("down")}})
	if err := ping(context.Background()); err == nil || !strings.Contains(err.Error(), "source b") {
		t.Fatalf("expected source b error, got %v", err)
	}
}

func TestExportCursors(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cursors := []storage.Cursor{{SourceID: "eth", Height: 42, Hash: "0xabc", UpdatedAt: updated}}

	var buf bytes.Buffer
	if err := exportCursors(&buf, "json", cursors); err != nil {
		t.Fatalf("json: %v", err)
	}
	var records []cursorRecord
	if err := json.Unmarshal(buf.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].SourceID != "eth" || records[0].Height != 42 {
		t.Fatalf("unexpected records %+v", records)
	}

	buf.Reset()
	if err := exportCursors(&buf, "csv", cursors); err != nil {
		t.Fatalf("csv: %v", err)
	}
	want := "source_id,height,hash,updated_at\neth,42,0xabc,2024-05-01T12:00:00Z\n"
	if buf.String() != want {
		t.Fatalf("csv = %q, want %q", buf.String(), want)
	}

	if err := exportCursors(&buf, "xml", cursors); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestPrintCursorsWithLag(t *testing.T) {
	cursors := []storage.Cursor{
		{SourceID: "eth", Height: 90, Hash: "0x1234567890abcdef1234", UpdatedAt: time.Now()},
		{SourceID: "algo", Height: 5, Hash: "ROUNDHASH", UpdatedAt: time.Now()},
	}
	streams := map[string]feed.Stream{"eth": headStream{height: 100}}

	var buf bytes.Buffer
	printCursors(context.Background(), &buf, cursors, streams)
	out := buf.String()
	for _, want := range []string{"eth", "100", "10", "0x123456...1234", "algo"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestOpenState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "version: 1\nglobal:\n  db_path: " + filepath.Join(dir, "cursors.db") + "\n" +
		"sources:\n  - id: local\n    type: substrate\n    ws_url: ws://127.0.0.1:9944\n    sidecar_url: http://127.0.0.1:8081\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	prev := cfgPath
	t.Cleanup(func() { cfgPath = prev })

	cfgPath = path
	cfg, store, err := openState()
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	defer store.Close()
	if cfg.Sources[0].ID != "local" {
		t.Fatalf("unexpected config %+v", cfg.Sources)
	}
	if err := store.UpsertCursor(context.Background(), "eth", 5, "0xabc"); err != nil {
		t.Fatalf("store not usable: %v", err)
	}

	cfgPath = filepath.Join(dir, "missing.yaml")
	if _, _, err := openState(); err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestLogLevelFlagSetsDefaultLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--log-level", "debug"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "chain-feed ") {
		t.Fatalf("unexpected version output %q", out.String())
	}
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("expected debug logging after --log-level debug")
	}
}
