package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/devblac/chain-feed/internal/bus"
	"github.com/devblac/chain-feed/internal/config"
	"github.com/devblac/chain-feed/internal/feed"
	"github.com/devblac/chain-feed/internal/metrics"
	"github.com/devblac/chain-feed/internal/sink"
)

// Runner wires one feed per source to its stream and forwards admitted
// entries to the source's sinks.
type Runner struct {
	bus     *bus.Bus
	sinks   map[string]sink.Sender
	routes  map[string][]string
	limits  map[string]*TokenBucket
	feeds   map[string]*feed.Feed
	order   []string
	subs    []*feed.Subscription
	dryRun  bool
	metrics *metrics.Metrics
	log     *slog.Logger
	nowFunc func() time.Time
}

// Options tunes a Runner.
type Options struct {
	DryRun  bool
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// NewRunner builds feeds and subscriptions for every configured source.
// streams and sinks are keyed by source and sink id.
func NewRunner(cfg *config.Config, streams map[string]feed.Stream, sinks map[string]sink.Sender, b *bus.Bus, opts Options) (*Runner, error) {
	if b == nil {
		return nil, fmt.Errorf("runner: bus is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	r := &Runner{
		bus:     b,
		sinks:   sinks,
		routes:  map[string][]string{},
		limits:  map[string]*TokenBucket{},
		feeds:   map[string]*feed.Feed{},
		dryRun:  opts.DryRun,
		metrics: opts.Metrics,
		log:     log,
		nowFunc: time.Now,
	}

	for _, src := range cfg.Sources {
		stream, ok := streams[src.ID]
		if !ok {
			return nil, fmt.Errorf("source %s: no stream", src.ID)
		}
		for _, id := range src.Sinks {
			if _, ok := sinks[id]; !ok {
				return nil, fmt.Errorf("source %s: unknown sink %s", src.ID, id)
			}
		}
		f := feed.New(src.ID, feed.NewFilter(cfg.ExcludeFor(src)),
			feed.WithNotifier(b),
			feed.WithMetrics(opts.Metrics),
			feed.WithLogger(log),
		)
		r.feeds[src.ID] = f
		r.order = append(r.order, src.ID)
		r.routes[src.ID] = src.Sinks
		r.subs = append(r.subs, feed.NewSubscription(f, stream, log))
	}

	for _, s := range cfg.Sinks {
		if s.RatePerSec <= 0 {
			continue
		}
		burst := s.Burst
		if burst < 1 {
			burst = 1
		}
		r.limits[s.ID] = NewTokenBucket(burst, s.RatePerSec)
	}
	return r, nil
}

// Feed returns the feed for a source id.
func (r *Runner) Feed(id string) (*feed.Feed, bool) {
	f, ok := r.feeds[id]
	return f, ok
}

// Feeds returns every feed in configuration order.
func (r *Runner) Feeds() []*feed.Feed {
	out := make([]*feed.Feed, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.feeds[id])
	}
	return out
}

// Run starts every subscription and dispatches feed updates until ctx is
// done. All subscriptions are stopped before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, err := r.bus.Updates(ctx)
	if err != nil {
		return err
	}
	defer r.stop()

	for _, sub := range r.subs {
		if err := sub.Start(ctx); err != nil {
			return err
		}
	}
	r.log.Info("feeds running", "feeds", len(r.subs), "dry_run", r.dryRun)

	for u := range updates {
		r.dispatch(ctx, u)
	}
	return nil
}

func (r *Runner) stop() {
	for _, sub := range r.subs {
		sub.Stop()
	}
}

func (r *Runner) dispatch(ctx context.Context, u feed.Update) {
	if u.Cleared {
		r.log.Info("feed cleared", "feed", u.FeedID)
		return
	}
	for _, e := range u.Added {
		payload := sink.EntryPayload{
			FeedID:  u.FeedID,
			Key:     e.Key,
			Icon:    e.Icon,
			Summary: e.Summary,
			Content: e.Content,
		}
		for _, sinkID := range r.routes[u.FeedID] {
			r.send(ctx, sinkID, payload)
		}
	}
}

func (r *Runner) send(ctx context.Context, sinkID string, p sink.EntryPayload) {
	if r.dryRun {
		r.log.Debug("dry-run, skipping sink", "sink", sinkID, "entry", p.Key)
		return
	}
	if b := r.limits[sinkID]; b != nil && !b.Allow(r.nowFunc()) {
		r.metrics.Dropped(sinkID)
		r.log.Warn("sink rate limited, entry dropped", "sink", sinkID, "entry", p.Key)
		return
	}
	err := r.sinks[sinkID].Send(ctx, p)
	r.metrics.Sent(sinkID, err == nil)
	if err != nil {
		r.log.Error("sink send failed", "sink", sinkID, "entry", p.Key, "error", err)
	}
}
