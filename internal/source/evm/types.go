package evm

import (
	"github.com/devblac/chain-feed/internal/source"
)

// Chain is the identifier for EVM chains.
const Chain = "evm"

// ErrReorgDetected signals that the chain rewound; caller should restart from the updated cursor.
var ErrReorgDetected = source.ErrReorgDetected
