// Package backendtest provides an in-memory Blockchain for tests of the
// packages built on top of backend.
package backendtest

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/walletbridge/internal/backend"
)

// BaseTime is the timestamp of block 0; every block is ten minutes later.
const BaseTime int64 = 1700000000

// Chain is a fake backend.Blockchain holding transactions in memory.
type Chain struct {
	mu       sync.Mutex
	height   uint32
	txs      map[chainhash.Hash]*wire.MsgTx
	heights  map[chainhash.Hash]int32
	history  map[string][]backend.HistoryItem
	nextSeed uint32

	// Broadcasts records every accepted transaction.
	Broadcasts []*wire.MsgTx

	// RejectReason makes Broadcast fail with a BroadcastError.
	RejectReason string

	// Err makes every network call fail.
	Err error

	stopGap     int
	concurrency int

	inflight    int
	maxInflight int
}

// Compile-time check to ensure Chain implements backend.Blockchain.
var _ backend.Blockchain = (*Chain)(nil)

// New returns an empty chain at the given tip height.
func New(height uint32) *Chain {
	return &Chain{
		height:      height,
		txs:         make(map[chainhash.Hash]*wire.MsgTx),
		heights:     make(map[chainhash.Hash]int32),
		history:     make(map[string][]backend.HistoryItem),
		stopGap:     backend.DefaultStopGap,
		concurrency: 1,
	}
}

// WithStopGap sets the stop gap reported to wallets.
func (c *Chain) WithStopGap(n int) *Chain {
	c.stopGap = n
	return c
}

// WithConcurrency sets the concurrency reported to wallets.
func (c *Chain) WithConcurrency(n int) *Chain {
	c.concurrency = n
	return c
}

// AddTx indexes tx at height (0 for the mempool) under every script it pays
// or spends from.
func (c *Chain) AddTx(tx *wire.MsgTx, height int32) chainhash.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addTx(tx, height)
}

func (c *Chain) addTx(tx *wire.MsgTx, height int32) chainhash.Hash {
	txid := tx.TxHash()
	c.txs[txid] = tx
	c.heights[txid] = height
	if height > 0 && uint32(height) > c.height {
		c.height = uint32(height)
	}

	scripts := make(map[string]struct{})
	for _, out := range tx.TxOut {
		scripts[hex.EncodeToString(out.PkScript)] = struct{}{}
	}
	for _, in := range tx.TxIn {
		prev, ok := c.txs[in.PreviousOutPoint.Hash]
		if ok && int(in.PreviousOutPoint.Index) < len(prev.TxOut) {
			scripts[hex.EncodeToString(prev.TxOut[in.PreviousOutPoint.Index].PkScript)] = struct{}{}
		}
	}
	for s := range scripts {
		c.history[s] = append(c.history[s], backend.HistoryItem{Txid: txid, Height: height})
	}
	return txid
}

// Fund creates a transaction paying value to script from an outside input
// and returns the funded outpoint.
func (c *Chain) Fund(script []byte, value int64, height int32) (wire.OutPoint, *wire.MsgTx) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSeed++
	var seed [4]byte
	binary.BigEndian.PutUint32(seed[:], c.nextSeed)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{seed[0], seed[1], seed[2], seed[3], 0xfa}, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, script))
	txid := c.addTx(tx, height)
	return wire.OutPoint{Hash: txid, Index: 0}, tx
}

// MaxInflight returns the highest number of concurrent ScriptHistory calls
// seen so far.
func (c *Chain) MaxInflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInflight
}

func (c *Chain) Kind() backend.Kind                { return backend.KindElectrum }
func (c *Chain) Connect(ctx context.Context) error { return c.Err }
func (c *Chain) Close() error                      { return nil }
func (c *Chain) StopGap() int                      { return c.stopGap }
func (c *Chain) Concurrency() int                  { return c.concurrency }

func (c *Chain) Height(ctx context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return 0, c.Err
	}
	return c.height, nil
}

// BlockHash returns a deterministic hash for height.
func (c *Chain) BlockHash(ctx context.Context, height uint32) (*chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	if height > c.height {
		return nil, backend.ErrBlockNotFound
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], height)
	hash := chainhash.DoubleHashH(b[:])
	return &hash, nil
}

func (c *Chain) BlockTime(ctx context.Context, height uint32) (int64, error) {
	if c.Err != nil {
		return 0, c.Err
	}
	return BaseTime + int64(height)*600, nil
}

func (c *Chain) ScriptHistory(ctx context.Context, script []byte) ([]backend.HistoryItem, error) {
	c.mu.Lock()
	if c.Err != nil {
		c.mu.Unlock()
		return nil, c.Err
	}
	c.inflight++
	if c.inflight > c.maxInflight {
		c.maxInflight = c.inflight
	}
	items := append([]backend.HistoryItem(nil), c.history[hex.EncodeToString(script)]...)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inflight--
		c.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return items, nil
}

func (c *Chain) Transaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	tx, ok := c.txs[*txid]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	return tx.Copy(), nil
}

// Broadcast accepts tx into the mempool unless RejectReason is set.
func (c *Chain) Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	if c.RejectReason != "" {
		return nil, &backend.BroadcastError{Reason: c.RejectReason}
	}
	c.Broadcasts = append(c.Broadcasts, tx)
	txid := c.addTx(tx, 0)
	return &txid, nil
}
