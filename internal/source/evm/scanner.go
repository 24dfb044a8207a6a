package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/devblac/chain-feed/internal/config"
	"github.com/devblac/chain-feed/internal/feed"
	"github.com/devblac/chain-feed/internal/source"
	"github.com/devblac/chain-feed/internal/storage"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// BlockClient captures the subset of ethclient used by the scanner.
type BlockClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// RPCClient is a thin wrapper over ethclient.Client that satisfies BlockClient.
type RPCClient struct {
	*ethclient.Client
}

// NewRPCClient builds an RPC client to an EVM node.
func NewRPCClient(rpcURL string) (*RPCClient, error) {
	c, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &RPCClient{Client: c}, nil
}

// Scanner processes blocks sequentially with confirmation safety and turns
// matching contract logs into feed events.
type Scanner struct {
	client        BlockClient
	store         *storage.Store
	source        config.Source
	confirmations uint64
	matchers      []*EventMatcher
	addresses     []common.Address
}

var _ source.Processor = (*Scanner)(nil)

// NewScanner builds a scanner for a source and its configured contracts.
func NewScanner(client BlockClient, store *storage.Store, src config.Source, confirmations uint64, abis map[string]*abi.ABI) (*Scanner, error) {
	matchers := []*EventMatcher{}
	addrSet := map[common.Address]struct{}{}
	for _, c := range src.Contracts {
		ms, err := NewMatchers(c, abis)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.ID, err)
		}
		for _, m := range ms {
			matchers = append(matchers, m)
			addrSet[m.address] = struct{}{}
		}
	}

	addresses := make([]common.Address, 0, len(addrSet))
	for a := range addrSet {
		addresses = append(addresses, a)
	}

	return &Scanner{
		client:        client,
		store:         store,
		source:        src,
		confirmations: confirmations,
		matchers:      matchers,
		addresses:     addresses,
	}, nil
}

// Height returns the latest block number.
func (s *Scanner) Height(ctx context.Context) (uint64, error) {
	latest, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("latest header: %w", err)
	}
	return latest.Number.Uint64(), nil
}

// ProcessNext handles the next eligible block (respecting confirmations) and returns matched events.
// It advances the cursor on success. If a reorg is detected, ErrReorgDetected is returned after rewinding.
func (s *Scanner) ProcessNext(ctx context.Context) (source.Block, bool, error) {
	curHeight, curHash, hasCursor, err := s.store.GetCursor(ctx, s.source.ID)
	if err != nil {
		return source.Block{}, false, err
	}

	latestHeight, err := s.Height(ctx)
	if err != nil {
		return source.Block{}, false, err
	}

	safeHeight := latestHeight
	if s.confirmations > 0 {
		if s.confirmations > safeHeight {
			return source.Block{}, false, nil
		}
		safeHeight -= s.confirmations
	}

	target := curHeight + 1
	if !hasCursor {
		start, err := source.ResolveStart(s.source.StartBlock, safeHeight)
		if err != nil {
			return source.Block{}, false, err
		}
		target = start
	}

	if target > safeHeight {
		return source.Block{}, false, nil
	}

	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(target))
	if err != nil {
		return source.Block{}, false, fmt.Errorf("header %d: %w", target, err)
	}

	if hasCursor && header.ParentHash.Hex() != curHash {
		rewindTo := uint64(0)
		if curHeight > 0 {
			rewindTo = curHeight - 1
		}
		if err := s.rewind(ctx, rewindTo); err != nil {
			return source.Block{}, false, err
		}
		return source.Block{}, false, ErrReorgDetected
	}

	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(target),
		ToBlock:   new(big.Int).SetUint64(target),
		Addresses: s.addresses,
	})
	if err != nil {
		return source.Block{}, false, fmt.Errorf("filter logs: %w", err)
	}

	events := []feed.RawEvent{}
	for _, lg := range logs {
		for _, m := range s.matchers {
			ev, ok := m.Match(lg)
			if !ok {
				continue
			}
			events = append(events, *ev)
		}
	}

	if err := s.store.UpsertCursor(ctx, s.source.ID, target, header.Hash().Hex()); err != nil {
		return source.Block{}, false, err
	}

	return source.Block{Height: target, Events: events}, true, nil
}

// rewind moves the cursor back one block, re-reading the stored hash from the chain.
func (s *Scanner) rewind(ctx context.Context, height uint64) error {
	h, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return fmt.Errorf("header %d: %w", height, err)
	}
	return s.store.UpsertCursor(ctx, s.source.ID, height, h.Hash().Hex())
}
