package feed

import (
	"context"
	"errors"
)

// DefaultIcon is attached to every admitted entry.
const DefaultIcon = "bell"

// ErrMalformedEvent marks a raw event whose parameters could not be serialized.
var ErrMalformedEvent = errors.New("malformed event")

// RawEvent is a single event as delivered by a stream adapter.
type RawEvent struct {
	Section string
	Method  string
	Data    any
}

// NormalizedEvent is the display-ready form of a RawEvent.
type NormalizedEvent struct {
	DisplayName string
	Params      string
}

// Entry is one admitted line of the feed.
type Entry struct {
	Key     string `json:"key"`
	Icon    string `json:"icon"`
	Summary string `json:"summary"`
	Content string `json:"content"`
}

// CancelFunc tears down a subscription established by a Stream.
type CancelFunc func()

// Stream is the boundary to a remote node's event stream.
//
// SubscribeEvents must deliver batches serially from a single goroutine and
// may deliver the same batch more than once. The returned CancelFunc must not
// return before the delivering goroutine has stopped calling onBatch.
type Stream interface {
	SubscribeEvents(ctx context.Context, onBatch func([]RawEvent)) (CancelFunc, error)
	CurrentBlockHeight(ctx context.Context) (uint64, error)
}

// BlockStream is a Stream that knows the block every batch was read from.
// A Subscription over a BlockStream labels entries with that block instead of
// deriving it from the current height.
type BlockStream interface {
	Stream
	SubscribeBlocks(ctx context.Context, onBlock func(block uint64, batch []RawEvent)) (CancelFunc, error)
}
