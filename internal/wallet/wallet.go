// Package wallet tracks the scripts of a receive/change descriptor pair,
// syncs their history from a blockchain client, aggregates balances and
// signs PSBTs spending the wallet's outputs.
package wallet

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/walletbridge/internal/chain"
	"github.com/klingon-exchange/walletbridge/internal/descriptor"
	"github.com/klingon-exchange/walletbridge/internal/failure"
	"github.com/klingon-exchange/walletbridge/internal/keys"
	"github.com/klingon-exchange/walletbridge/internal/storage"
	"github.com/klingon-exchange/walletbridge/pkg/logging"
)

// AddressIndex selects how GetAddress picks an index.
type AddressIndex string

const (
	// AddressNew always reveals the next external index.
	AddressNew AddressIndex = "new"
	// AddressLastUnused returns the last revealed address unless it
	// already received funds.
	AddressLastUnused AddressIndex = "lastUnused"
)

// ParseAddressIndex parses an address index tag. Unknown tags are AddressNew.
func ParseAddressIndex(s string) AddressIndex {
	if strings.EqualFold(strings.TrimSpace(s), string(AddressLastUnused)) {
		return AddressLastUnused
	}
	return AddressNew
}

// AddressInfo is a revealed receive address.
type AddressInfo struct {
	Index   uint32 `json:"index"`
	Address string `json:"address"`
}

// Wallet is a descriptor-bound view over a storage.Database.
type Wallet struct {
	receive *descriptor.Descriptor
	change  *descriptor.Descriptor
	network chain.Network
	db      storage.Database

	// mu serialises index reveals; syncMu serialises Sync.
	mu     sync.Mutex
	syncMu sync.Mutex

	log *logging.Logger
}

// New creates a wallet. change may be nil, in which case change is paid to
// the receive descriptor. A nil db gets a fresh in-memory database.
func New(receive, change *descriptor.Descriptor, network chain.Network, db storage.Database) (*Wallet, error) {
	if receive == nil {
		return nil, failure.New(failure.ValidationError, "wallet requires a descriptor")
	}
	if receive.Network() != network {
		return nil, failure.New(failure.ValidationError,
			"descriptor is for %s, wallet is for %s", receive.Network(), network)
	}
	if change != nil {
		if change.Network() != network {
			return nil, failure.New(failure.ValidationError,
				"change descriptor is for %s, wallet is for %s", change.Network(), network)
		}
		if change.String() == receive.String() {
			return nil, failure.New(failure.ValidationError, "change descriptor equals the receive descriptor")
		}
	}
	if db == nil {
		db = storage.NewMemory()
	}

	return &Wallet{
		receive: receive,
		change:  change,
		network: network,
		db:      db,
		log:     logging.GetDefault().Component("wallet"),
	}, nil
}

// Network returns the wallet network.
func (w *Wallet) Network() chain.Network {
	return w.network
}

// Descriptor returns the receive descriptor.
func (w *Wallet) Descriptor() *descriptor.Descriptor {
	return w.receive
}

// ChangeDescriptor returns the change descriptor, or nil.
func (w *Wallet) ChangeDescriptor() *descriptor.Descriptor {
	return w.change
}

// Close releases the wallet database.
func (w *Wallet) Close() error {
	return w.db.Close()
}

// keychains returns the keychains the wallet derives scripts on.
func (w *Wallet) keychains() []keys.Keychain {
	if w.change == nil {
		return []keys.Keychain{keys.External}
	}
	return []keys.Keychain{keys.External, keys.Internal}
}

// descriptorFor returns the descriptor deriving keychain.
func (w *Wallet) descriptorFor(keychain keys.Keychain) *descriptor.Descriptor {
	if keychain == keys.Internal && w.change != nil {
		return w.change
	}
	return w.receive
}

// changeKeychain is the keychain change outputs are paid to.
func (w *Wallet) changeKeychain() keys.Keychain {
	if w.change != nil {
		return keys.Internal
	}
	return keys.External
}

// cacheScript derives and stores the script at index on keychain.
func (w *Wallet) cacheScript(keychain keys.Keychain, index uint32) ([]byte, error) {
	script, err := w.descriptorFor(keychain).ScriptAt(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive script %s/%d: %w", keychain, index, err)
	}
	if err := w.db.SaveScript(storage.ScriptInfo{Script: script, Keychain: keychain, Index: index}); err != nil {
		return nil, fmt.Errorf("failed to save script: %w", err)
	}
	return script, nil
}

// revealNext reveals the index after the last revealed one. Non-ranged
// descriptors only ever have index 0.
func (w *Wallet) revealNext(keychain keys.Keychain) (uint32, []byte, error) {
	last, ok, err := w.db.LastIndex(keychain)
	if err != nil {
		return 0, nil, err
	}

	next := uint32(0)
	if ok && w.descriptorFor(keychain).IsRange() {
		next = last + 1
	}

	script, err := w.cacheScript(keychain, next)
	if err != nil {
		return 0, nil, err
	}
	if err := w.db.SetLastIndex(keychain, next); err != nil {
		return 0, nil, err
	}
	return next, script, nil
}

// lastUnused returns the last revealed index on keychain if nothing paid
// it yet, otherwise reveals a new one.
func (w *Wallet) lastUnused(keychain keys.Keychain) (uint32, []byte, error) {
	last, ok, err := w.db.LastIndex(keychain)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return w.revealNext(keychain)
	}

	script, err := w.cacheScript(keychain, last)
	if err != nil {
		return 0, nil, err
	}
	used, err := w.isUsed(script)
	if err != nil {
		return 0, nil, err
	}
	if used && w.descriptorFor(keychain).IsRange() {
		return w.revealNext(keychain)
	}
	return last, script, nil
}

// isUsed reports whether any known output, spent or not, pays script.
func (w *Wallet) isUsed(script []byte) (bool, error) {
	utxos, err := w.db.UTXOs()
	if err != nil {
		return false, err
	}
	for _, u := range utxos {
		if bytes.Equal(u.Script, script) {
			return true, nil
		}
	}
	return false, nil
}

// GetAddress returns a receive address according to index.
func (w *Wallet) GetAddress(index AddressIndex) (*AddressInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		idx uint32
		err error
	)
	if index == AddressLastUnused {
		idx, _, err = w.lastUnused(keys.External)
	} else {
		idx, _, err = w.revealNext(keys.External)
	}
	if err != nil {
		return nil, err
	}

	addr, err := w.receive.AddressAt(idx)
	if err != nil {
		return nil, err
	}
	return &AddressInfo{Index: idx, Address: addr.EncodeAddress()}, nil
}

// ChangeOutput describes the script a change output pays.
type ChangeOutput struct {
	Script   []byte
	Keychain keys.Keychain
	Index    uint32
	Type     descriptor.Type
	Key      *descriptor.KeyInfo
}

// NextChangeScript returns the change script the next transaction should
// pay. The last change address is reused until it receives funds.
func (w *Wallet) NextChangeScript() (*ChangeOutput, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	keychain := w.changeKeychain()
	idx, script, err := w.lastUnused(keychain)
	if err != nil {
		return nil, err
	}

	d := w.descriptorFor(keychain)
	key, err := d.KeyAt(idx)
	if err != nil {
		return nil, err
	}
	return &ChangeOutput{Script: script, Keychain: keychain, Index: idx, Type: d.Type(), Key: key}, nil
}

// IsMine reports whether script was derived by the wallet.
func (w *Wallet) IsMine(script []byte) (bool, error) {
	info, err := w.db.ScriptByPubKey(script)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

// SpendableUTXOs returns the unspent outputs, confirmed or not.
func (w *Wallet) SpendableUTXOs() ([]storage.UTXO, error) {
	utxos, err := w.db.UTXOs()
	if err != nil {
		return nil, err
	}
	out := utxos[:0]
	for _, u := range utxos {
		if !u.IsSpent {
			out = append(out, u)
		}
	}
	return out, nil
}

// InputInfo is what the transaction builder needs to spend one output.
type InputInfo struct {
	UTXO         storage.UTXO
	PrevTx       *wire.MsgTx
	Type         descriptor.Type
	Key          *descriptor.KeyInfo
	RedeemScript []byte
}

// InputInfo looks up a wallet output by outpoint. Unknown outpoints are
// NotFound.
func (w *Wallet) InputInfo(op wire.OutPoint) (*InputInfo, error) {
	utxos, err := w.db.UTXOs()
	if err != nil {
		return nil, err
	}

	txid := op.Hash.String()
	for _, u := range utxos {
		if u.Txid != txid || u.Vout != op.Index {
			continue
		}

		d := w.descriptorFor(u.Keychain)
		key, err := d.KeyAt(u.Index)
		if err != nil {
			return nil, err
		}
		redeem, err := d.RedeemScriptAt(u.Index)
		if err != nil {
			return nil, err
		}
		prev, err := w.prevTx(txid)
		if err != nil {
			return nil, err
		}
		return &InputInfo{UTXO: u, PrevTx: prev, Type: d.Type(), Key: key, RedeemScript: redeem}, nil
	}
	return nil, failure.New(failure.NotFound, "outpoint %s is not a wallet output", op)
}

// prevTx loads a stored transaction, or nil if the raw bytes are missing.
func (w *Wallet) prevTx(txid string) (*wire.MsgTx, error) {
	rec, err := w.db.Tx(txid)
	if err != nil || rec == nil || len(rec.Raw) == 0 {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(rec.Raw)); err != nil {
		return nil, fmt.Errorf("failed to decode stored tx %s: %w", txid, err)
	}
	return tx, nil
}

// ParseOutPoint builds an outpoint from a display-order txid and a vout.
func ParseOutPoint(txid string, vout uint32) (wire.OutPoint, error) {
	if len(txid) != chainhash.MaxHashStringSize {
		return wire.OutPoint{}, failure.New(failure.ValidationError, "invalid txid %q", txid)
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return wire.OutPoint{}, failure.New(failure.ValidationError, "invalid txid %q", txid)
	}
	return wire.OutPoint{Hash: *hash, Index: vout}, nil
}
