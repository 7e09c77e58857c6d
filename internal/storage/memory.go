package storage

import (
	"encoding/hex"
	"sync"

	"github.com/klingon-exchange/walletbridge/internal/keys"
	"github.com/klingon-exchange/walletbridge/pkg/helpers"
)

// Memory is a Database kept entirely in process memory.
type Memory struct {
	mu       sync.RWMutex
	indexes  map[keys.Keychain]uint32
	scripts  map[string]ScriptInfo
	txs      map[string]TxRecord
	utxos    []UTXO
	syncInfo *SyncState
}

// NewMemory returns an empty in-memory database.
func NewMemory() *Memory {
	return &Memory{
		indexes: make(map[keys.Keychain]uint32),
		scripts: make(map[string]ScriptInfo),
		txs:     make(map[string]TxRecord),
	}
}

func (m *Memory) LastIndex(keychain keys.Keychain) (uint32, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[keychain]
	return idx, ok, nil
}

func (m *Memory) SetLastIndex(keychain keys.Keychain, idx uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexes[keychain] = idx
	return nil
}

func (m *Memory) SaveScript(info ScriptInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info.Script = helpers.CloneBytes(info.Script)
	m.scripts[hex.EncodeToString(info.Script)] = info
	return nil
}

func (m *Memory) ScriptByPubKey(script []byte) (*ScriptInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.scripts[hex.EncodeToString(script)]
	if !ok {
		return nil, nil
	}
	info.Script = helpers.CloneBytes(info.Script)
	return &info, nil
}

func (m *Memory) Scripts(keychain keys.Keychain) ([]ScriptInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ScriptInfo
	for _, info := range m.scripts {
		if info.Keychain == keychain {
			info.Script = helpers.CloneBytes(info.Script)
			out = append(out, info)
		}
	}
	sortScripts(out)
	return out, nil
}

func (m *Memory) SaveTx(tx *TxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := *tx
	rec.Raw = helpers.CloneBytes(tx.Raw)
	m.txs[tx.Txid] = rec
	return nil
}

func (m *Memory) Tx(txid string) (*TxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.txs[txid]
	if !ok {
		return nil, nil
	}
	rec.Raw = helpers.CloneBytes(rec.Raw)
	return &rec, nil
}

func (m *Memory) Txs() ([]TxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TxRecord, 0, len(m.txs))
	for _, rec := range m.txs {
		rec.Raw = helpers.CloneBytes(rec.Raw)
		out = append(out, rec)
	}
	sortTxs(out)
	return out, nil
}

func (m *Memory) ReplaceUTXOs(utxos []UTXO) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utxos = cloneUTXOs(utxos)
	return nil
}

func (m *Memory) UTXOs() ([]UTXO, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := cloneUTXOs(m.utxos)
	sortUTXOs(out)
	return out, nil
}

func (m *Memory) SyncState() (*SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.syncInfo == nil {
		return nil, nil
	}
	state := *m.syncInfo
	return &state, nil
}

func (m *Memory) SetSyncState(state SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncInfo = &state
	return nil
}

// Close is a no-op; the data goes away with the process.
func (m *Memory) Close() error {
	return nil
}

func cloneUTXOs(utxos []UTXO) []UTXO {
	out := make([]UTXO, len(utxos))
	for i, u := range utxos {
		u.Script = helpers.CloneBytes(u.Script)
		out[i] = u
	}
	return out
}
