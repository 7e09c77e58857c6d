// Package storage provides the wallet databases: an in-memory map store, an
// embedded key-value store (badger) and a relational file store (SQLite).
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klingon-exchange/walletbridge/internal/keys"
)

// Kind selects a storage backend.
type Kind string

const (
	KindMemory Kind = "memory"
	KindKV     Kind = "kv"
	KindSQLite Kind = "sqlite"
)

// DefaultTreeName namespaces records when no tree is configured.
const DefaultTreeName = "default"

// ErrUnknownKind is returned by Open for an unsupported backend.
var ErrUnknownKind = errors.New("unknown storage kind")

// Config holds storage configuration. Path is ignored by the memory backend;
// TreeName is only used by the key-value backend.
type Config struct {
	Kind     Kind   `yaml:"kind"`
	Path     string `yaml:"path"`
	TreeName string `yaml:"tree"`
}

// MemoryConfig returns the configuration of a fresh in-memory database.
func MemoryConfig() Config {
	return Config{Kind: KindMemory}
}

// ScriptInfo records a script derived from one of the wallet's descriptors.
type ScriptInfo struct {
	Script   []byte
	Keychain keys.Keychain
	Index    uint32
}

// TxRecord is a wallet-relevant transaction with its precomputed amounts.
// Height and Timestamp are zero while the transaction is unconfirmed.
type TxRecord struct {
	Txid      string
	Raw       []byte
	Height    uint32
	Timestamp int64
	Received  uint64
	Sent      uint64
	Fee       uint64
	HasFee    bool
}

// Confirmed reports whether the transaction is in a block.
func (r *TxRecord) Confirmed() bool {
	return r.Height > 0
}

// UTXO is an output paying one of the wallet's scripts.
type UTXO struct {
	Txid     string
	Vout     uint32
	Value    uint64
	Script   []byte
	Keychain keys.Keychain
	Index    uint32
	IsSpent  bool
	Height   uint32
}

// SyncState is what the last successful sync observed.
type SyncState struct {
	Height    uint32
	BlockHash string
	SyncedAt  int64
}

// Database is the persistence contract a wallet runs against. Lookups of
// absent records return nil without an error.
type Database interface {
	// LastIndex returns the highest revealed index on the keychain; ok is
	// false when nothing was revealed yet.
	LastIndex(keychain keys.Keychain) (idx uint32, ok bool, err error)
	SetLastIndex(keychain keys.Keychain, idx uint32) error

	SaveScript(info ScriptInfo) error
	ScriptByPubKey(script []byte) (*ScriptInfo, error)
	// Scripts returns the keychain's scripts ordered by index.
	Scripts(keychain keys.Keychain) ([]ScriptInfo, error)

	SaveTx(tx *TxRecord) error
	Tx(txid string) (*TxRecord, error)
	// Txs returns every stored transaction, confirmed ones first by height.
	Txs() ([]TxRecord, error)

	// ReplaceUTXOs atomically swaps the whole UTXO set.
	ReplaceUTXOs(utxos []UTXO) error
	UTXOs() ([]UTXO, error)

	SyncState() (*SyncState, error)
	SetSyncState(state SyncState) error

	Close() error
}

// Open creates the database described by cfg for the wallet identified by
// scope. Wallets opened on the same path share one store; each only sees
// the records written under its own scope.
func Open(cfg Config, scope string) (Database, error) {
	switch cfg.Kind {
	case KindMemory, "":
		return NewMemory(), nil
	case KindKV:
		if cfg.Path == "" {
			return nil, fmt.Errorf("key-value database requires a path")
		}
		return OpenKV(expandPath(cfg.Path), treeName(cfg.TreeName), scope)
	case KindSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite database requires a path")
		}
		return OpenSQLite(expandPath(cfg.Path), scope)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

func treeName(name string) string {
	if strings.TrimSpace(name) == "" {
		return DefaultTreeName
	}
	return name
}

// ensureDir creates dir if it does not exist.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func sortScripts(list []ScriptInfo) {
	sortSlice(list, func(a, b ScriptInfo) bool { return a.Index < b.Index })
}

// sortTxs orders confirmed transactions by height, then unconfirmed ones,
// breaking ties by txid.
func sortTxs(list []TxRecord) {
	sortSlice(list, func(a, b TxRecord) bool {
		if a.Confirmed() != b.Confirmed() {
			return a.Confirmed()
		}
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		return a.Txid < b.Txid
	})
}

func sortUTXOs(list []UTXO) {
	sortSlice(list, func(a, b UTXO) bool {
		if a.Txid != b.Txid {
			return a.Txid < b.Txid
		}
		return a.Vout < b.Vout
	})
}

func sortSlice[T any](list []T, less func(a, b T) bool) {
	sort.Slice(list, func(i, j int) bool { return less(list[i], list[j]) })
}
