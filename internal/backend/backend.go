// Package backend provides the blockchain clients a wallet syncs against and
// broadcasts through. Clients never see private keys; all signing happens in
// the wallet package.
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/walletbridge/internal/failure"
	"github.com/klingon-exchange/walletbridge/pkg/helpers"
)

// Common errors
var (
	ErrNotConnected     = errors.New("backend not connected")
	ErrTxNotFound       = errors.New("transaction not found")
	ErrBroadcastFailed  = errors.New("broadcast failed")
	ErrRateLimited      = errors.New("rate limited")
	ErrInvalidResponse  = errors.New("invalid backend response")
	ErrUnsupportedURL   = errors.New("unsupported backend url")
	ErrBlockNotFound    = errors.New("block not found")
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Kind is the backend protocol.
type Kind string

const (
	KindElectrum Kind = "electrum" // Electrum protocol over TCP or TLS
	KindEsplora  Kind = "esplora"  // Esplora REST API (blockstream.info, mempool.space)
)

// Defaults shared by both clients.
const (
	DefaultStopGap            = 10
	DefaultElectrumRetry      = 5
	DefaultEsploraConcurrency = 5
)

// HistoryItem is one transaction touching a script. Height is zero or
// negative while the transaction is unconfirmed.
type HistoryItem struct {
	Txid   chainhash.Hash
	Height int32
}

// Confirmed reports whether the transaction is in a block.
func (h HistoryItem) Confirmed() bool {
	return h.Height > 0
}

// BroadcastError is a transaction rejected by the backend. Reason is the
// backend's message, unmodified.
type BroadcastError struct {
	Reason string
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("%v: %s", ErrBroadcastFailed, e.Reason)
}

func (e *BroadcastError) Unwrap() error {
	return ErrBroadcastFailed
}

// Blockchain is a configured connection to a chain-data backend.
type Blockchain interface {
	// Kind returns the backend protocol.
	Kind() Kind

	// Connect establishes the connection. Calls connect lazily if needed.
	Connect(ctx context.Context) error

	// Close closes the connection.
	Close() error

	// Block operations
	Height(ctx context.Context) (uint32, error)
	BlockHash(ctx context.Context, height uint32) (*chainhash.Hash, error)
	BlockTime(ctx context.Context, height uint32) (int64, error)

	// Script and transaction operations
	ScriptHistory(ctx context.Context, script []byte) ([]HistoryItem, error)
	Transaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)

	// StopGap is the number of consecutive unused scripts that ends a scan.
	StopGap() int

	// Concurrency bounds parallel requests during a sync.
	Concurrency() int
}

// ScriptHash returns the Electrum/Esplora script hash: SHA256(script),
// byte-reversed, hex encoded.
func ScriptHash(script []byte) string {
	hash := sha256.Sum256(script)
	return hex.EncodeToString(helpers.ReverseBytes(hash[:]))
}

// Classify maps a client error onto the failure kinds reported across the
// bridge boundary.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}

	var be *BroadcastError
	switch {
	case errors.As(err, &be):
		return &failure.Error{Kind: failure.BroadcastRejected, Message: be.Reason}
	case errors.Is(err, ErrTxNotFound), errors.Is(err, ErrBlockNotFound):
		return failure.Wrap(failure.NotFound, err, "backend lookup")
	case errors.Is(err, ErrUnsupportedURL), errors.Is(err, ErrInvalidParameter):
		return failure.Wrap(failure.ValidationError, err, "backend configuration")
	default:
		return failure.Wrap(failure.NetworkUnavailable, err, "backend unavailable")
	}
}
