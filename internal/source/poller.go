package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/chain-feed/internal/feed"
	"github.com/devblac/chain-feed/internal/metrics"
)

// ErrReorgDetected signals that the chain rewound; caller should restart from the updated cursor.
var ErrReorgDetected = errors.New("reorg detected")

// Block holds the events matched in one scanned block or round.
type Block struct {
	Height uint64
	Events []feed.RawEvent
}

// Processor scans one block or round per call.
type Processor interface {
	// ProcessNext handles the next eligible block. advanced is false when
	// there was nothing new to process.
	ProcessNext(ctx context.Context) (block Block, advanced bool, err error)
	// Height returns the latest block height known to the node.
	Height(ctx context.Context) (uint64, error)
}

// Poller turns a Processor into a feed.BlockStream. Every processed block
// with events becomes one batch tagged with its height, delivered from a
// single goroutine.
type Poller struct {
	id       string
	proc     Processor
	interval time.Duration
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewPoller builds a polling stream for the source id.
func NewPoller(id string, proc Processor, interval time.Duration, m *metrics.Metrics, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		id:       id,
		proc:     proc,
		interval: interval,
		metrics:  m,
		log:      log.With("source", id),
	}
}

var _ feed.BlockStream = (*Poller)(nil)

// CurrentBlockHeight implements feed.Stream. It reports the node head, which
// may be well ahead of the block being scanned.
func (p *Poller) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	return p.proc.Height(ctx)
}

// SubscribeEvents implements feed.Stream.
func (p *Poller) SubscribeEvents(ctx context.Context, onBatch func([]feed.RawEvent)) (feed.CancelFunc, error) {
	return p.SubscribeBlocks(ctx, func(_ uint64, batch []feed.RawEvent) { onBatch(batch) })
}

// SubscribeBlocks implements feed.BlockStream. Blocks are processed back to
// back while the source is behind; otherwise the poller waits one interval.
func (p *Poller) SubscribeBlocks(ctx context.Context, onBlock func(uint64, []feed.RawEvent)) (feed.CancelFunc, error) {
	if _, err := p.proc.Height(ctx); err != nil {
		return nil, fmt.Errorf("source %s: %w", p.id, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			wait := p.interval
			block, advanced, err := p.proc.ProcessNext(ctx)
			switch {
			case err != nil && ctx.Err() != nil:
				return
			case errors.Is(err, ErrReorgDetected):
				p.log.Warn("reorg detected, rewinding")
				wait = 0
			case err != nil:
				p.metrics.Errors()
				p.log.Error("process block", "error", err)
			case advanced:
				p.metrics.BlocksProcessed(p.id)
				if len(block.Events) > 0 {
					onBlock(block.Height, block.Events)
				}
				wait = 0
			}
			timer.Reset(wait)
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

// ResolveStart turns a start setting into a height: "" or "latest" is the safe
// head, "latest-N" is N below it, anything else is an absolute height.
func ResolveStart(start string, safe uint64) (uint64, error) {
	switch {
	case start == "" || start == "latest":
		return safe, nil
	case strings.HasPrefix(start, "latest-"):
		offsetStr := strings.TrimPrefix(start, "latest-")
		n, err := strconv.ParseUint(offsetStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse start %q: %w", start, err)
		}
		if n > safe {
			return 0, nil
		}
		return safe - n, nil
	}

	n, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse start %q: %w", start, err)
	}
	return n, nil
}
