package algorand

import "github.com/devblac/chain-feed/internal/source"

// Chain identifier for Algorand.
const Chain = "algorand"

// ErrReorgDetected signals that the chain rewound; caller should restart from the updated cursor.
var ErrReorgDetected = source.ErrReorgDetected

const (
	methodAppCall       = "AppCall"
	methodAssetTransfer = "AssetTransfer"
)
