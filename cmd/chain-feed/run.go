package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devblac/chain-feed/internal/bus"
	"github.com/devblac/chain-feed/internal/engine"
	"github.com/devblac/chain-feed/internal/metrics"
	"github.com/devblac/chain-feed/internal/server"
	"github.com/devblac/chain-feed/internal/sink"
	"github.com/spf13/cobra"
)

var (
	flagDryRun  bool
	flagAddr    string
	flagMetrics string
)

func init() {
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Do not send to sinks")
	runCmd.Flags().StringVar(&flagAddr, "addr", "", "Feed API and health HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every configured feed until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := slog.Default()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, store, err := openState()
		if err != nil {
			return err
		}
		defer store.Close()

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			metricsSrv := serveMetrics(flagMetrics, log.Error)
			log.Info("metrics enabled", "addr", flagMetrics)
			defer shutdown(metricsSrv)
		}

		streams, err := buildStreams(cfg, store, mtr, log)
		if err != nil {
			return err
		}

		sinks := map[string]sink.Sender{}
		for _, s := range cfg.Sinks {
			sender, err := sink.Build(s, log)
			if err != nil {
				return fmt.Errorf("sink %s: %w", s.ID, err)
			}
			sinks[s.ID] = sender
		}
		defer sink.Close(sinks)

		b := bus.New(log)
		defer b.Close()

		runner, err := engine.NewRunner(cfg, streams, sinks, b, engine.Options{
			DryRun:  flagDryRun,
			Metrics: mtr,
			Log:     log,
		})
		if err != nil {
			return err
		}

		if flagAddr != "" {
			apiSrv := server.Serve(flagAddr, server.Checker{
				DBPing:  store.Ping,
				RPCPing: pingStreams(streams),
			}, runner, cfg.Global.MaxVisible)
			log.Info("feed api enabled", "addr", flagAddr)
			defer shutdown(apiSrv)
		}

		if err := runner.Run(ctx); err != nil {
			mtr.Errors()
			return err
		}
		log.Info("shutdown complete")
		return nil
	},
}

func serveMetrics(addr string, logError func(msg string, args ...any)) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logError("metrics server error", "error", err)
		}
	}()
	return srv
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx, srv)
}
