package feed

import (
	"log/slog"
	"sync/atomic"

	"github.com/devblac/chain-feed/internal/metrics"
)

// Update describes a change to a feed's state.
type Update struct {
	FeedID  string  `json:"feed_id"`
	Added   []Entry `json:"added,omitempty"`
	Cleared bool    `json:"cleared,omitempty"`
}

// Notifier receives every state change that reached a feed.
type Notifier interface {
	Notify(u Update) error
}

// Feed owns the current State of one event feed. The state is replaced
// atomically: every change is computed from the state current at the moment
// it is installed, so a Clear racing an Ingest never loses either effect.
type Feed struct {
	id       string
	filter   Filter
	state    atomic.Pointer[State]
	guessed  atomic.Bool
	notifier Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// Option configures a Feed.
type Option func(*Feed)

// WithNotifier publishes state changes to n.
func WithNotifier(n Notifier) Option {
	return func(f *Feed) { f.notifier = n }
}

// WithMetrics records ingest counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Feed) { f.metrics = m }
}

// WithLogger sets the logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) { f.log = l }
}

// New creates an empty feed that drops events matching filter.
func New(id string, filter Filter, opts ...Option) *Feed {
	f := &Feed{id: id, filter: filter, log: slog.Default()}
	for _, o := range opts {
		o(f)
	}
	f.log = f.log.With("feed", id)
	f.state.Store(NewState())
	return f
}

// ID returns the feed identifier.
func (f *Feed) ID() string { return f.id }

// Snapshot returns the current state.
func (f *Feed) Snapshot() *State { return f.state.Load() }

// Entries returns the current entries, newest first.
func (f *Feed) Entries() []Entry { return f.state.Load().Entries() }

// Exclusions returns the display-name prefixes this feed drops.
func (f *Feed) Exclusions() []string { return f.filter.Prefixes() }

// Estimated reports whether any batch was labelled from the node height
// rather than from the block it was read from.
func (f *Feed) Estimated() bool { return f.guessed.Load() }

// Ingest normalizes, filters and admits one batch observed at height.
// Records whose parameters cannot be serialized are dropped; the rest of the
// batch is still processed. It returns the entries admitted by this call.
func (f *Feed) Ingest(batch []RawEvent, height uint64) []Entry {
	f.guessed.Store(true)
	return f.admit(batch, height+1)
}

// IngestBlock admits a batch read from a known block; entries carry that
// block number as is.
func (f *Feed) IngestBlock(batch []RawEvent, block uint64) []Entry {
	return f.admit(batch, block)
}

func (f *Feed) admit(batch []RawEvent, block uint64) []Entry {
	f.metrics.Batch(f.id)

	candidates := make([]NormalizedEvent, 0, len(batch))
	for _, raw := range batch {
		ev, err := normalizeAt(raw, block)
		if err != nil {
			f.metrics.Events(f.id, metrics.OutcomeMalformed, 1)
			f.log.Warn("dropping event", "error", err)
			continue
		}
		if f.filter.Excluded(ev.DisplayName) {
			f.metrics.Events(f.id, metrics.OutcomeFiltered, 1)
			continue
		}
		candidates = append(candidates, ev)
	}
	if len(candidates) == 0 {
		return nil
	}

	for {
		cur := f.state.Load()
		next := Apply(cur, candidates)
		if next == cur {
			f.metrics.Events(f.id, metrics.OutcomeDuplicate, len(candidates))
			return nil
		}
		if !f.state.CompareAndSwap(cur, next) {
			continue
		}
		added := next.entries[:next.Len()-cur.Len()]
		added = append([]Entry(nil), added...)
		f.metrics.Events(f.id, metrics.OutcomeAdmitted, len(added))
		f.metrics.Events(f.id, metrics.OutcomeDuplicate, len(candidates)-len(added))
		f.metrics.Entries(f.id, next.Len())
		f.notify(Update{FeedID: f.id, Added: added})
		return added
	}
}

// Clear replaces the state with an empty one. Batches still in flight are
// admitted against the empty history, so earlier events may reappear.
func (f *Feed) Clear() {
	f.state.Store(NewState())
	f.metrics.Cleared(f.id)
	f.metrics.Entries(f.id, 0)
	f.notify(Update{FeedID: f.id, Cleared: true})
}

func (f *Feed) dropped(n int) {
	f.metrics.Events(f.id, metrics.OutcomeDropped, n)
}

func (f *Feed) notify(u Update) {
	if f.notifier == nil {
		return
	}
	if err := f.notifier.Notify(u); err != nil {
		f.log.Error("notify update", "error", err)
	}
}
