package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/devblac/chain-feed/internal/config"
	"github.com/devblac/chain-feed/internal/storage"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeClient struct {
	headers map[uint64]*types.Header
	logs    map[uint64][]types.Log
}

func (f *fakeClient) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	if number == nil {
		var max uint64
		for n := range f.headers {
			if n > max {
				max = n
			}
		}
		if h, ok := f.headers[max]; ok {
			return h, nil
		}
		return nil, fmt.Errorf("no headers")
	}
	if h, ok := f.headers[number.Uint64()]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("header %d not found", number.Uint64())
}

func (f *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	from := q.FromBlock.Uint64()
	return f.logs[from], nil
}

func TestScannerProcessesBlock(t *testing.T) {
	store := newTestStore(t)

	parent := &types.Header{Number: big.NewInt(0)}
	h1 := &types.Header{Number: big.NewInt(1), ParentHash: parent.Hash()}

	fc := &fakeClient{
		headers: map[uint64]*types.Header{0: parent, 1: h1},
		logs:    map[uint64][]types.Log{1: {transferLog(big.NewInt(1000))}},
	}

	src := config.Source{ID: "evm_main", Type: "evm", RPCURL: "stub", StartBlock: "1", Contracts: []config.Contract{usdc}}
	scanner, err := NewScanner(fc, store, src, 0, erc20ABIs(t))
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}

	block, advanced, err := scanner.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("process next: %v", err)
	}
	evs := block.Events
	if !advanced || len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d advanced=%v", len(evs), advanced)
	}
	if block.Height != 1 {
		t.Fatalf("expected block 1, got %d", block.Height)
	}
	if evs[0].Section != "usdc" || evs[0].Method != "Transfer" {
		t.Fatalf("unexpected event %+v", evs[0])
	}
	h, _, ok, _ := store.GetCursor(context.Background(), src.ID)
	if !ok || h != 1 {
		t.Fatalf("cursor not advanced, h=%d ok=%v", h, ok)
	}

	_, advanced, err = scanner.ProcessNext(context.Background())
	if err != nil || advanced {
		t.Fatalf("expected nothing new at head, advanced=%v err=%v", advanced, err)
	}
}

func TestScannerRespectsConfirmations(t *testing.T) {
	store := newTestStore(t)
	fc := &fakeClient{headers: map[uint64]*types.Header{1: {Number: big.NewInt(1)}}}
	src := config.Source{ID: "evm_main", Type: "evm", Contracts: []config.Contract{usdc}}
	scanner, err := NewScanner(fc, store, src, 5, erc20ABIs(t))
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	_, advanced, err := scanner.ProcessNext(context.Background())
	if err != nil || advanced {
		t.Fatalf("expected to wait for confirmations, advanced=%v err=%v", advanced, err)
	}
}

func TestScannerReorgDetection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.UpsertCursor(ctx, "evm_main", 1, "0xparent"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	h0 := &types.Header{Number: big.NewInt(0)}
	h2 := &types.Header{Number: big.NewInt(2), ParentHash: common.HexToHash("0xother")}
	fc := &fakeClient{headers: map[uint64]*types.Header{0: h0, 2: h2}}

	scanner, err := NewScanner(fc, store, config.Source{ID: "evm_main", Type: "evm", RPCURL: "stub"}, 0, nil)
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}

	_, _, err = scanner.ProcessNext(ctx)
	if !errors.Is(err, ErrReorgDetected) {
		t.Fatalf("expected reorg error, got %v", err)
	}
	height, hash, ok, err := store.GetCursor(ctx, "evm_main")
	if err != nil || !ok || height != 0 || hash != h0.Hash().Hex() {
		t.Fatalf("cursor not rewound: height=%d hash=%s ok=%v err=%v", height, hash, ok, err)
	}
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func addrTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}
