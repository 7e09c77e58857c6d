package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/dgraph-io/badger/v3/options"
	"github.com/timshannon/badgerhold/v4"

	"github.com/klingon-exchange/walletbridge/internal/keys"
	"github.com/klingon-exchange/walletbridge/pkg/logging"
)

// Records carry the scope of the wallet that wrote them, the tree name
// joined with the wallet key, so several wallets can share one badger
// directory. Every query filters on Scope.

type kvIndex struct {
	Scope    string
	Keychain uint32
	Index    uint32
}

type kvScript struct {
	Scope    string
	Script   []byte
	Keychain uint32
	Index    uint32
}

type kvTx struct {
	Scope  string
	Record TxRecord
}

type kvUTXO struct {
	Scope string
	UTXO  UTXO
}

type kvSyncState struct {
	Scope string
	State SyncState
}

// badger holds a directory lock, so every wallet on a directory goes
// through the same store.
var kvStores handles[*badgerhold.Store]

// KV is a Database on badger, accessed through badgerhold.
type KV struct {
	store  *badgerhold.Store
	dir    string
	tree   string
	scope  string
	closed sync.Once
}

// OpenKV opens (or joins) the badger store in dir and scopes the handle to
// tree and wallet.
func OpenKV(dir, tree, wallet string) (*KV, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}

	dir = canonicalPath(dir)
	store, err := kvStores.acquire(dir, func() (*badgerhold.Store, error) {
		return openBadger(dir)
	})
	if err != nil {
		return nil, err
	}

	tree = treeName(tree)
	scope := tree
	if wallet != "" {
		scope += "/" + wallet
	}
	return &KV{store: store, dir: dir, tree: tree, scope: scope}, nil
}

func openBadger(dir string) (*badgerhold.Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = badgerLogger{logging.GetDefault().Component("badger")}
	opts.Compression = options.ZSTD

	store, err := badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open key-value database: %w", err)
	}
	return store, nil
}

// Tree returns the tree name the handle was opened with.
func (k *KV) Tree() string {
	return k.tree
}

func (k *KV) key(kind string, id string) string {
	return k.scope + "/" + kind + "/" + id
}

func (k *KV) LastIndex(keychain keys.Keychain) (uint32, bool, error) {
	var rec kvIndex
	err := k.store.Get(k.key("index", keychain.String()), &rec)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rec.Index, true, nil
}

func (k *KV) SetLastIndex(keychain keys.Keychain, idx uint32) error {
	return k.store.Upsert(k.key("index", keychain.String()), kvIndex{
		Scope:    k.scope,
		Keychain: uint32(keychain),
		Index:    idx,
	})
}

func (k *KV) SaveScript(info ScriptInfo) error {
	return k.store.Upsert(k.key("script", hex.EncodeToString(info.Script)), kvScript{
		Scope:    k.scope,
		Script:   info.Script,
		Keychain: uint32(info.Keychain),
		Index:    info.Index,
	})
}

func (k *KV) ScriptByPubKey(script []byte) (*ScriptInfo, error) {
	var rec kvScript
	err := k.store.Get(k.key("script", hex.EncodeToString(script)), &rec)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ScriptInfo{Script: rec.Script, Keychain: keys.Keychain(rec.Keychain), Index: rec.Index}, nil
}

func (k *KV) Scripts(keychain keys.Keychain) ([]ScriptInfo, error) {
	var recs []kvScript
	query := badgerhold.Where("Scope").Eq(k.scope).
		And("Keychain").Eq(uint32(keychain))
	if err := k.store.Find(&recs, query); err != nil {
		return nil, err
	}

	out := make([]ScriptInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ScriptInfo{Script: rec.Script, Keychain: keychain, Index: rec.Index})
	}
	sortScripts(out)
	return out, nil
}

func (k *KV) SaveTx(tx *TxRecord) error {
	return k.store.Upsert(k.key("tx", tx.Txid), kvTx{Scope: k.scope, Record: *tx})
}

func (k *KV) Tx(txid string) (*TxRecord, error) {
	var rec kvTx
	err := k.store.Get(k.key("tx", txid), &rec)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec.Record, nil
}

func (k *KV) Txs() ([]TxRecord, error) {
	var recs []kvTx
	if err := k.store.Find(&recs, badgerhold.Where("Scope").Eq(k.scope)); err != nil {
		return nil, err
	}

	out := make([]TxRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Record)
	}
	sortTxs(out)
	return out, nil
}

func (k *KV) ReplaceUTXOs(utxos []UTXO) error {
	return k.store.Badger().Update(func(tx *badger.Txn) error {
		err := k.store.TxDeleteMatching(tx, kvUTXO{}, badgerhold.Where("Scope").Eq(k.scope))
		if err != nil {
			return err
		}
		for _, u := range utxos {
			key := k.key("utxo", fmt.Sprintf("%s:%d", u.Txid, u.Vout))
			if err := k.store.TxUpsert(tx, key, kvUTXO{Scope: k.scope, UTXO: u}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (k *KV) UTXOs() ([]UTXO, error) {
	var recs []kvUTXO
	if err := k.store.Find(&recs, badgerhold.Where("Scope").Eq(k.scope)); err != nil {
		return nil, err
	}

	out := make([]UTXO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.UTXO)
	}
	sortUTXOs(out)
	return out, nil
}

func (k *KV) SyncState() (*SyncState, error) {
	var rec kvSyncState
	err := k.store.Get(k.key("sync", "state"), &rec)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec.State, nil
}

func (k *KV) SetSyncState(state SyncState) error {
	return k.store.Upsert(k.key("sync", "state"), kvSyncState{Scope: k.scope, State: state})
}

// Close releases the handle. The store closes with its last handle.
func (k *KV) Close() error {
	var err error
	k.closed.Do(func() {
		err = kvStores.release(k.dir, func(store *badgerhold.Store) error {
			return store.Close()
		})
	})
	return err
}

// badgerLogger routes badger's internal logging to the component logger.
// Badger is chatty at info level, so that is demoted to debug.
type badgerLogger struct {
	log *logging.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Errorf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warnf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}
