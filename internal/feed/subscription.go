package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// heightAttempts bounds the height lookups made for a batch while no height
// has been observed yet.
const heightAttempts = 3

// Subscription keeps at most one live Stream subscription feeding a Feed.
//
// Start may be invoked more than once for the same logical session; every
// call after the first is a no-op while a handle exists or is being set up.
// Each Start opens a new generation and batches delivered under an older
// generation are ignored, so nothing reaches the Feed after Stop returns.
// When the stream is a BlockStream, entries are labelled with the block each
// batch came from and no height lookup is made.
type Subscription struct {
	feed       *Feed
	stream     Stream
	log        *slog.Logger
	retryDelay time.Duration

	mu         sync.Mutex
	gen        uint64
	pending    bool
	cancel     CancelFunc
	stopCtx    context.CancelFunc
	lastHeight uint64
	haveHeight bool
}

// NewSubscription binds stream to f.
func NewSubscription(f *Feed, stream Stream, log *slog.Logger) *Subscription {
	if log == nil {
		log = slog.Default()
	}
	return &Subscription{
		feed:       f,
		stream:     stream,
		log:        log.With("feed", f.ID()),
		retryDelay: 500 * time.Millisecond,
	}
}

// Start establishes the subscription unless one is active or being set up.
// The subscription lives until Stop is called or ctx is done; once ctx is
// done the handle is released and a later Start subscribes again.
func (s *Subscription) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil || s.pending {
		s.mu.Unlock()
		s.log.Debug("subscription already started")
		return nil
	}
	s.gen++
	gen := s.gen
	s.pending = true
	subCtx, stopCtx := context.WithCancel(ctx)
	s.stopCtx = stopCtx
	s.mu.Unlock()
	context.AfterFunc(subCtx, func() { s.expire(gen) })

	cancel, err := s.subscribe(subCtx, gen)

	s.mu.Lock()
	if gen != s.gen {
		// Stop ran, or ctx ended, while the adapter was still setting up.
		s.mu.Unlock()
		stopCtx()
		if cancel != nil {
			cancel()
		}
		if err != nil {
			return fmt.Errorf("subscribe events: %w", err)
		}
		return nil
	}
	s.pending = false
	if err != nil {
		s.stopCtx = nil
		s.mu.Unlock()
		stopCtx()
		return fmt.Errorf("subscribe events: %w", err)
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info("subscription started")
	return nil
}

// Stop cancels the active subscription. It is safe to call at any time,
// including before Start or while Start is still establishing the stream.
func (s *Subscription) Stop() {
	s.mu.Lock()
	s.gen++
	s.pending = false
	cancel := s.cancel
	stopCtx := s.stopCtx
	s.cancel = nil
	s.stopCtx = nil
	s.mu.Unlock()

	if stopCtx != nil {
		stopCtx()
	}
	if cancel != nil {
		cancel()
		s.log.Info("subscription stopped")
	}
}

// expire releases the handle of generation gen once its context is done.
func (s *Subscription) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.pending = false
	cancel := s.cancel
	s.cancel = nil
	s.stopCtx = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.log.Info("subscription ended with its context")
	}
}

// Active reports whether a live handle is held.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Subscription) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

func (s *Subscription) subscribe(ctx context.Context, gen uint64) (CancelFunc, error) {
	if bs, ok := s.stream.(BlockStream); ok {
		return bs.SubscribeBlocks(ctx, func(block uint64, batch []RawEvent) {
			s.deliverBlock(gen, block, batch)
		})
	}
	return s.stream.SubscribeEvents(ctx, func(batch []RawEvent) {
		s.deliver(ctx, gen, batch)
	})
}

func (s *Subscription) deliverBlock(gen uint64, block uint64, batch []RawEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	added := s.feed.IngestBlock(batch, block)
	if len(added) > 0 {
		s.log.Debug("batch admitted", "events", len(batch), "added", len(added), "block", block)
	}
}

func (s *Subscription) deliver(ctx context.Context, gen uint64, batch []RawEvent) {
	if !s.current(gen) {
		return
	}

	height, err := s.lookupHeight(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	if err != nil {
		if !s.haveHeight {
			s.log.Warn("dropping batch, block height unknown", "events", len(batch), "error", err)
			s.feed.dropped(len(batch))
			return
		}
		s.log.Warn("block height lookup failed, using last known", "height", s.lastHeight, "error", err)
		height = s.lastHeight
	} else {
		s.lastHeight = height
		s.haveHeight = true
	}

	added := s.feed.Ingest(batch, height)
	if len(added) > 0 {
		s.log.Debug("batch admitted", "events", len(batch), "added", len(added), "height", height)
	}
}

// lookupHeight asks the stream for its height. While no height has been seen
// the lookup is retried with backoff.
func (s *Subscription) lookupHeight(ctx context.Context) (uint64, error) {
	delay := s.retryDelay
	for attempt := 1; ; attempt++ {
		height, err := s.stream.CurrentBlockHeight(ctx)
		if err == nil {
			return height, nil
		}
		if attempt == heightAttempts || s.knowsHeight() {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, err
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (s *Subscription) knowsHeight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haveHeight
}
