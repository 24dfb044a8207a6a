package algorand

import (
	"context"
	"encoding/base32"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/crypto"
	sdk "github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/algorand/go-codec/codec"
	"github.com/devblac/chain-feed/internal/config"
	"github.com/devblac/chain-feed/internal/feed"
	"github.com/devblac/chain-feed/internal/source"
	"github.com/devblac/chain-feed/internal/storage"
)

// statusGetter models the algod Status() fluent call.
type statusGetter interface {
	Do(ctx context.Context, headers ...*common.Header) (models.NodeStatus, error)
}

// blockGetter models the algod BlockRaw() fluent call.
type blockGetter interface {
	Do(ctx context.Context, headers ...*common.Header) ([]byte, error)
}

type blockHashGetter interface {
	Do(ctx context.Context, headers ...*common.Header) (models.BlockHashResponse, error)
}

// AlgodClient is the minimal subset of the algod client we need.
type AlgodClient interface {
	Status() statusGetter
	BlockRaw(round uint64) blockGetter
	GetBlockHash(round uint64) blockHashGetter
}

// NewAlgodClient constructs a real algod client.
func NewAlgodClient(url, token string) (AlgodClient, error) {
	cli, err := algod.MakeClient(url, token)
	if err != nil {
		return nil, fmt.Errorf("algod client: %w", err)
	}
	return &clientAdapter{c: cli}, nil
}

type clientAdapter struct {
	c *algod.Client
}

func (a *clientAdapter) Status() statusGetter { return a.c.Status() }
func (a *clientAdapter) BlockRaw(round uint64) blockGetter {
	return a.c.BlockRaw(round)
}
func (a *clientAdapter) GetBlockHash(round uint64) blockHashGetter {
	return a.c.GetBlockHash(round)
}

// Scanner processes Algorand rounds with confirmation safety.
type Scanner struct {
	client        AlgodClient
	store         *storage.Store
	source        config.Source
	confirmations uint64
	matcher       *TxnMatcher
}

var _ source.Processor = (*Scanner)(nil)

// NewScanner builds a scanner for an Algorand source.
func NewScanner(client AlgodClient, store *storage.Store, src config.Source, confirmations uint64) (*Scanner, error) {
	m, err := NewTxnMatcher(src)
	if err != nil {
		return nil, err
	}
	return &Scanner{
		client:        client,
		store:         store,
		source:        src,
		confirmations: confirmations,
		matcher:       m,
	}, nil
}

// Height returns the last round known to the node.
func (s *Scanner) Height(ctx context.Context) (uint64, error) {
	status, err := s.client.Status().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest status: %w", err)
	}
	return status.LastRound, nil
}

// ProcessNext handles the next eligible round (respecting confirmations) and returns matched events.
// On success advances the cursor. On reorg returns ErrReorgDetected after rewinding.
func (s *Scanner) ProcessNext(ctx context.Context) (source.Block, bool, error) {
	curRound, curHash, hasCursor, err := s.store.GetCursor(ctx, s.source.ID)
	if err != nil {
		return source.Block{}, false, err
	}

	latest, err := s.Height(ctx)
	if err != nil {
		return source.Block{}, false, err
	}
	safe := latest
	if s.confirmations > 0 {
		if safe < s.confirmations {
			return source.Block{}, false, nil
		}
		safe -= s.confirmations
	}

	target := curRound + 1
	if !hasCursor {
		start, err := source.ResolveStart(s.source.StartRound, safe)
		if err != nil {
			return source.Block{}, false, err
		}
		target = start
	}

	if target > safe {
		return source.Block{}, false, nil
	}

	raw, err := s.client.BlockRaw(target).Do(ctx)
	if err != nil {
		return source.Block{}, false, fmt.Errorf("block %d: %w", target, err)
	}
	var block sdk.Block
	if err := decodeBlock(raw, &block); err != nil {
		return source.Block{}, false, fmt.Errorf("decode block %d: %w", target, err)
	}

	if hasCursor && digestToString(block.BlockHeader.Branch[:]) != curHash {
		rewindTo := uint64(0)
		if curRound > 0 {
			rewindTo = curRound - 1
		}
		if err := s.rewind(ctx, rewindTo); err != nil {
			return source.Block{}, false, err
		}
		return source.Block{}, false, ErrReorgDetected
	}

	hashResp, err := s.client.GetBlockHash(target).Do(ctx)
	if err != nil {
		return source.Block{}, false, fmt.Errorf("block hash %d: %w", target, err)
	}

	events := s.extractEvents(block)
	if err := s.store.UpsertCursor(ctx, s.source.ID, target, hashResp.Blockhash); err != nil {
		return source.Block{}, false, err
	}
	return source.Block{Height: target, Events: events}, true, nil
}

func (s *Scanner) rewind(ctx context.Context, round uint64) error {
	resp, err := s.client.GetBlockHash(round).Do(ctx)
	if err != nil {
		return fmt.Errorf("block hash %d: %w", round, err)
	}
	return s.store.UpsertCursor(ctx, s.source.ID, round, resp.Blockhash)
}

func (s *Scanner) extractEvents(block sdk.Block) []feed.RawEvent {
	events := []feed.RawEvent{}
	for _, stib := range block.Payset {
		tx := stib.SignedTxnWithAD.SignedTxn.Txn
		apply := stib.SignedTxnWithAD.ApplyData
		ev, ok := s.matcher.MatchTxn(crypto.TransactionIDString(tx), tx, apply)
		if !ok {
			continue
		}
		events = append(events, *ev)
	}
	return events
}

func digestToString(b []byte) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
}

func decodeBlock(raw []byte, dest *sdk.Block) error {
	h := &codec.MsgpackHandle{}
	dec := codec.NewDecoderBytes(raw, h)
	return dec.Decode(dest)
}
