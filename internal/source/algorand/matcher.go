package algorand

import (
	"encoding/base64"
	"fmt"

	sdk "github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/devblac/chain-feed/internal/config"
	"github.com/devblac/chain-feed/internal/feed"
)

// TxnMatcher selects the transactions of a source that become feed events:
// calls to the configured applications and, optionally, asset transfers.
type TxnMatcher struct {
	apps           map[uint64]string
	assetTransfers bool
}

// NewTxnMatcher builds the matcher for an Algorand source.
func NewTxnMatcher(src config.Source) (*TxnMatcher, error) {
	apps := make(map[uint64]string, len(src.Apps))
	for _, a := range src.Apps {
		if a.AppID == 0 {
			return nil, fmt.Errorf("source %s: app %q: app_id is required", src.ID, a.Name)
		}
		name := a.Name
		if name == "" {
			name = fmt.Sprintf("app%d", a.AppID)
		}
		apps[a.AppID] = name
	}
	return &TxnMatcher{apps: apps, assetTransfers: src.AssetTransfers}, nil
}

// MatchTxn inspects a transaction and returns a raw feed event when matched.
func (m *TxnMatcher) MatchTxn(txid string, tx sdk.Transaction, apply sdk.ApplyData) (*feed.RawEvent, bool) {
	switch tx.Type {
	case sdk.ApplicationCallTx:
		name, ok := m.apps[uint64(tx.ApplicationID)]
		if !ok {
			return nil, false
		}
		args := map[string]any{
			"tx_id":            txid,
			"sender":           tx.Sender.String(),
			"on_completion":    tx.OnCompletion,
			"app_id":           uint64(tx.ApplicationID),
			"foreign_apps":     toAppUint64s(tx.ForeignApps),
			"foreign_assets":   toAssetUint64s(tx.ForeignAssets),
			"accounts":         toStrings(tx.Accounts),
			"application_args": encodeArgs(tx.ApplicationArgs),
		}
		if apply.ApplicationID != 0 {
			args["inner_app_id"] = apply.ApplicationID
		}
		return &feed.RawEvent{Section: name, Method: methodAppCall, Data: args}, true

	case sdk.AssetTransferTx:
		if !m.assetTransfers {
			return nil, false
		}
		args := map[string]any{
			"tx_id":          txid,
			"asset_id":       uint64(tx.XferAsset),
			"amount":         tx.AssetAmount,
			"sender":         tx.Sender.String(),
			"asset_sender":   tx.AssetSender.String(),
			"receiver":       tx.AssetReceiver.String(),
			"close_to":       tx.AssetCloseTo.String(),
			"close_amount":   apply.AssetClosingAmount,
			"closing_reward": apply.CloseRewards,
		}
		return &feed.RawEvent{Section: fmt.Sprintf("asa%d", uint64(tx.XferAsset)), Method: methodAssetTransfer, Data: args}, true
	default:
		return nil, false
	}
}

func toAssetUint64s(in []sdk.AssetIndex) []uint64 {
	out := make([]uint64, 0, len(in))
	for _, v := range in {
		out = append(out, uint64(v))
	}
	return out
}

func toAppUint64s(in []sdk.AppIndex) []uint64 {
	out := make([]uint64, 0, len(in))
	for _, v := range in {
		out = append(out, uint64(v))
	}
	return out
}

func toStrings(addrs []sdk.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func encodeArgs(args [][]byte) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, base64.StdEncoding.EncodeToString(a))
	}
	return out
}
