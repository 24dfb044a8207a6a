package source

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devblac/chain-feed/internal/feed"
)

type scriptedProcessor struct {
	mu        sync.Mutex
	steps     []step
	calls     int
	height    uint64
	heightErr error
}

type step struct {
	height   uint64
	events   []feed.RawEvent
	advanced bool
	err      error
}

func (p *scriptedProcessor) ProcessNext(ctx context.Context) (Block, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.steps) == 0 {
		return Block{}, false, nil
	}
	s := p.steps[0]
	p.steps = p.steps[1:]
	return Block{Height: s.height, Events: s.events}, s.advanced, s.err
}

func (p *scriptedProcessor) Height(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.height, p.heightErr
}

func TestPollerDeliversBatchesInOrder(t *testing.T) {
	proc := &scriptedProcessor{
		height: 10,
		steps: []step{
			{events: []feed.RawEvent{{Section: "a", Method: "One"}}, advanced: true},
			{advanced: true},
			{err: ErrReorgDetected},
			{err: errors.New("rpc down")},
			{events: []feed.RawEvent{{Section: "b", Method: "Two"}}, advanced: true},
		},
	}
	p := NewPoller("src", proc, 5*time.Millisecond, nil, nil)

	var mu sync.Mutex
	var got []string
	cancel, err := p.SubscribeEvents(context.Background(), func(batch []feed.RawEvent) {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range batch {
			got = append(got, ev.Method)
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for batches, got %v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if got[0] != "One" || got[1] != "Two" {
		t.Fatalf("unexpected order: %v", got)
	}

	proc.mu.Lock()
	calls := proc.calls
	proc.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.calls != calls {
		t.Fatalf("poller kept running after cancel")
	}
}

func TestPollerLabelsEntriesWithScannedBlock(t *testing.T) {
	transfer := func(value int) []feed.RawEvent {
		return []feed.RawEvent{{Section: "usdc", Method: "Transfer", Data: []any{"a", "b", value}}}
	}
	proc := &scriptedProcessor{
		height: 100,
		steps: []step{
			{height: 97, events: transfer(1), advanced: true},
			{height: 98, events: transfer(1), advanced: true},
			{height: 99, events: transfer(1), advanced: true},
		},
	}
	f := feed.New("eth", feed.NewFilter(nil))
	sub := feed.NewSubscription(f, NewPoller("eth", proc, 5*time.Millisecond, nil, nil), nil)
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(f.Entries()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected one entry per block, got %+v", f.Entries())
		}
		time.Sleep(5 * time.Millisecond)
	}
	want := []string{
		"2 - usdc:Transfer (block: 99)",
		"1 - usdc:Transfer (block: 98)",
		"0 - usdc:Transfer (block: 97)",
	}
	for i, e := range f.Entries() {
		if e.Key != want[i] {
			t.Fatalf("entry %d = %q, want %q", i, e.Key, want[i])
		}
	}
}

func TestPollerSubscribeFailsWhenNodeUnreachable(t *testing.T) {
	proc := &scriptedProcessor{heightErr: errors.New("dial tcp: refused")}
	p := NewPoller("src", proc, time.Second, nil, nil)
	if _, err := p.SubscribeEvents(context.Background(), func([]feed.RawEvent) {}); err == nil {
		t.Fatalf("expected subscribe to fail")
	}
	if _, err := p.CurrentBlockHeight(context.Background()); err == nil {
		t.Fatalf("expected height lookup to fail")
	}
}

func TestResolveStart(t *testing.T) {
	tests := []struct {
		start   string
		safe    uint64
		want    uint64
		wantErr bool
	}{
		{"", 100, 100, false},
		{"latest", 100, 100, false},
		{"latest-10", 100, 90, false},
		{"latest-500", 100, 0, false},
		{"42", 100, 42, false},
		{"latest-x", 100, 0, true},
		{"soon", 100, 0, true},
	}
	for _, tt := range tests {
		got, err := ResolveStart(tt.start, tt.safe)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ResolveStart(%q) err = %v, wantErr %v", tt.start, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ResolveStart(%q) = %d, want %d", tt.start, got, tt.want)
		}
	}
}
