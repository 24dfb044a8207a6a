package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/devblac/chain-feed/internal/config"
	"github.com/devblac/chain-feed/internal/feed"
	"github.com/devblac/chain-feed/internal/metrics"
	"github.com/devblac/chain-feed/internal/source"
	"github.com/devblac/chain-feed/internal/source/algorand"
	"github.com/devblac/chain-feed/internal/source/evm"
	"github.com/devblac/chain-feed/internal/source/substrate"
	"github.com/devblac/chain-feed/internal/storage"
)

// buildStreams creates the event stream of every configured source.
func buildStreams(cfg *config.Config, store *storage.Store, m *metrics.Metrics, log *slog.Logger) (map[string]feed.Stream, error) {
	streams := make(map[string]feed.Stream, len(cfg.Sources))
	for _, src := range cfg.Sources {
		s, err := buildStream(cfg, src, store, m, log)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.ID, err)
		}
		streams[src.ID] = s
	}
	return streams, nil
}

func buildStream(cfg *config.Config, src config.Source, store *storage.Store, m *metrics.Metrics, log *slog.Logger) (feed.Stream, error) {
	switch strings.ToLower(src.Type) {
	case substrate.Chain:
		return substrate.NewClient(src, log), nil

	case evm.Chain:
		cli, err := evm.NewRPCClient(src.RPCURL)
		if err != nil {
			return nil, err
		}
		abis, err := evm.LoadABIs(src.ABIDirs)
		if err != nil {
			return nil, err
		}
		sc, err := evm.NewScanner(cli, store, src, cfg.Global.Confirmations[evm.Chain], abis)
		if err != nil {
			return nil, err
		}
		return newPoller(src, sc, m, log)

	case algorand.Chain:
		cli, err := algorand.NewAlgodClient(src.AlgodURL, src.AlgodToken)
		if err != nil {
			return nil, err
		}
		sc, err := algorand.NewScanner(cli, store, src, cfg.Global.Confirmations[algorand.Chain])
		if err != nil {
			return nil, err
		}
		return newPoller(src, sc, m, log)

	default:
		return nil, fmt.Errorf("unsupported source type %s", src.Type)
	}
}

func newPoller(src config.Source, proc source.Processor, m *metrics.Metrics, log *slog.Logger) (feed.Stream, error) {
	interval, err := src.Interval()
	if err != nil {
		return nil, err
	}
	return source.NewPoller(src.ID, proc, interval, m, log), nil
}

// pingStreams reports the last source whose head could not be read.
func pingStreams(streams map[string]feed.Stream) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var lastErr error
		for id, s := range streams {
			if _, err := s.CurrentBlockHeight(ctx); err != nil {
				lastErr = fmt.Errorf("source %s: %w", id, err)
			}
		}
		return lastErr
	}
}
