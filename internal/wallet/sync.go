package wallet

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/walletbridge/internal/backend"
	"github.com/klingon-exchange/walletbridge/internal/keys"
	"github.com/klingon-exchange/walletbridge/internal/storage"
)

// Progress receives sync progress as a percentage and a short message.
type Progress func(percent float32, message string)

// NoProgress discards progress updates.
func NoProgress(float32, string) {}

// SyncResult summarises a finished sync.
type SyncResult struct {
	Height  uint32
	Txs     int
	UTXOs   int
	Elapsed time.Duration
}

// Sync pulls the history of every wallet script from bc, stores the
// wallet transactions and recomputes the UTXO set. Concurrent calls on one
// wallet run one after the other.
func (w *Wallet) Sync(ctx context.Context, bc backend.Blockchain, progress Progress) (*SyncResult, error) {
	if progress == nil {
		progress = NoProgress
	}

	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	start := time.Now()
	w.log.Info("Starting wallet sync", "network", w.network, "backend", bc.Kind())
	progress(0, "connecting")

	if err := bc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect backend: %w", err)
	}

	// Scan external then internal scripts, collecting every txid seen.
	seen := make(map[chainhash.Hash]int32)
	keychains := w.keychains()
	for i, keychain := range keychains {
		progress(float32(10+40*i/len(keychains)), fmt.Sprintf("scanning %s scripts", keychain))
		if err := w.scanKeychain(ctx, bc, keychain, seen); err != nil {
			return nil, fmt.Errorf("failed to scan %s scripts: %w", keychain, err)
		}
	}

	progress(50, fmt.Sprintf("fetching %d transactions", len(seen)))
	records, err := w.fetchTransactions(ctx, bc, seen)
	if err != nil {
		return nil, err
	}

	progress(80, "updating unspent outputs")
	utxos, err := w.applyTransactions(records)
	if err != nil {
		return nil, err
	}

	height, err := bc.Height(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block height: %w", err)
	}
	state := storage.SyncState{Height: height, SyncedAt: time.Now().Unix()}
	if hash, err := bc.BlockHash(ctx, height); err == nil {
		state.BlockHash = hash.String()
	} else {
		w.log.Warn("Failed to get tip hash", "height", height, "error", err)
	}
	if err := w.db.SetSyncState(state); err != nil {
		return nil, fmt.Errorf("failed to save sync state: %w", err)
	}

	result := &SyncResult{Height: height, Txs: len(records), UTXOs: utxos, Elapsed: time.Since(start)}
	w.log.Info("Wallet sync complete",
		"height", height,
		"txs", result.Txs,
		"utxos", result.UTXOs,
		"elapsed", result.Elapsed.Round(time.Millisecond),
	)
	progress(100, "done")
	return result, nil
}

// scanKeychain walks keychain from index 0 in batches of the stop gap and
// stops once stopGap consecutive scripts past the last revealed index have
// no history. The highest used index is stored as the last revealed one.
func (w *Wallet) scanKeychain(ctx context.Context, bc backend.Blockchain, keychain keys.Keychain, seen map[chainhash.Hash]int32) error {
	d := w.descriptorFor(keychain)
	stopGap := bc.StopGap()
	if stopGap <= 0 {
		stopGap = backend.DefaultStopGap
	}

	lastRevealed, revealed, err := w.db.LastIndex(keychain)
	if err != nil {
		return err
	}

	var (
		lastUsed  uint32
		used      bool
		unusedRun int
		next      uint32
	)
	for {
		batch := stopGap
		if !d.IsRange() {
			batch = 1
		}

		scripts := make([][]byte, batch)
		for i := range scripts {
			script, err := w.cacheScript(keychain, next+uint32(i))
			if err != nil {
				return err
			}
			scripts[i] = script
		}

		histories := make([][]backend.HistoryItem, batch)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency(bc))
		for i := range scripts {
			i := i
			g.Go(func() error {
				h, err := bc.ScriptHistory(gctx, scripts[i])
				if err != nil {
					return err
				}
				histories[i] = h
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i, history := range histories {
			index := next + uint32(i)
			if len(history) == 0 {
				unusedRun++
				continue
			}
			unusedRun = 0
			lastUsed, used = index, true
			for _, item := range history {
				if h, ok := seen[item.Txid]; !ok || item.Height > h {
					seen[item.Txid] = item.Height
				}
			}
		}
		next += uint32(batch)

		if !d.IsRange() {
			break
		}
		if unusedRun >= stopGap && (!revealed || next > lastRevealed) {
			break
		}
	}

	if used {
		if err := w.advanceLastIndex(keychain, lastUsed); err != nil {
			return err
		}
	}
	w.log.Debug("Scanned scripts", "keychain", keychain, "scanned", next, "used", used, "last_used", lastUsed)
	return nil
}

// advanceLastIndex raises the last revealed index on keychain to idx. The
// index is re-read under mu so addresses revealed during a sync are kept.
func (w *Wallet) advanceLastIndex(keychain keys.Keychain, idx uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	last, ok, err := w.db.LastIndex(keychain)
	if err != nil {
		return err
	}
	if ok && last >= idx {
		return nil
	}
	return w.db.SetLastIndex(keychain, idx)
}

// fetchTransactions downloads every seen transaction not already stored at
// the same height, plus the block time of each confirmation height.
func (w *Wallet) fetchTransactions(ctx context.Context, bc backend.Blockchain, seen map[chainhash.Hash]int32) (map[string]*storage.TxRecord, error) {
	var (
		mu      sync.Mutex
		records = make(map[string]*storage.TxRecord, len(seen))
		times   = make(map[uint32]int64)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency(bc))

	for txid, h := range seen {
		txid := txid
		height := uint32(0)
		if h > 0 {
			height = uint32(h)
		}

		stored, err := w.db.Tx(txid.String())
		if err != nil {
			return nil, err
		}
		if stored != nil && stored.Height == height && len(stored.Raw) > 0 {
			mu.Lock()
			records[stored.Txid] = stored
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			tx, err := bc.Transaction(gctx, &txid)
			if err != nil {
				return fmt.Errorf("failed to fetch tx %s: %w", txid, err)
			}
			var buf bytes.Buffer
			if err := tx.Serialize(&buf); err != nil {
				return err
			}

			mu.Lock()
			records[txid.String()] = &storage.TxRecord{Txid: txid.String(), Raw: buf.Bytes(), Height: height}
			if height > 0 {
				times[height] = 0
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	heights := make([]uint32, 0, len(times))
	for h := range times {
		heights = append(heights, h)
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(concurrency(bc))
	for _, h := range heights {
		h := h
		g.Go(func() error {
			ts, err := bc.BlockTime(gctx, h)
			if err != nil {
				return fmt.Errorf("failed to get block time at %d: %w", h, err)
			}
			mu.Lock()
			times[h] = ts
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, rec := range records {
		if ts, ok := times[rec.Height]; ok && rec.Height > 0 {
			rec.Timestamp = ts
		}
	}
	return records, nil
}

// applyTransactions computes received/sent/fee for every record, stores
// them and replaces the UTXO set. Returns the number of unspent outputs.
func (w *Wallet) applyTransactions(records map[string]*storage.TxRecord) (int, error) {
	decoded := make(map[string]*wire.MsgTx, len(records))
	for txid, rec := range records {
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(rec.Raw)); err != nil {
			return 0, fmt.Errorf("failed to decode tx %s: %w", txid, err)
		}
		decoded[txid] = tx
	}

	spent := make(map[wire.OutPoint]bool)
	for _, tx := range decoded {
		for _, in := range tx.TxIn {
			spent[in.PreviousOutPoint] = true
		}
	}

	var utxos []storage.UTXO
	txids := make([]string, 0, len(records))
	for txid := range records {
		txids = append(txids, txid)
	}
	sort.Strings(txids)

	for _, txid := range txids {
		rec, tx := records[txid], decoded[txid]
		rec.Received, rec.Sent, rec.Fee, rec.HasFee = 0, 0, 0, true

		var inputs uint64
		for _, in := range tx.TxIn {
			prev, ok := decoded[in.PreviousOutPoint.Hash.String()]
			if !ok || int(in.PreviousOutPoint.Index) >= len(prev.TxOut) {
				rec.HasFee = false
				continue
			}
			out := prev.TxOut[in.PreviousOutPoint.Index]
			inputs += uint64(out.Value)
			info, err := w.db.ScriptByPubKey(out.PkScript)
			if err != nil {
				return 0, err
			}
			if info != nil {
				rec.Sent += uint64(out.Value)
			}
		}

		var outputs uint64
		for vout, out := range tx.TxOut {
			outputs += uint64(out.Value)
			info, err := w.db.ScriptByPubKey(out.PkScript)
			if err != nil {
				return 0, err
			}
			if info == nil {
				continue
			}
			rec.Received += uint64(out.Value)
			op := wire.OutPoint{Hash: tx.TxHash(), Index: uint32(vout)}
			utxos = append(utxos, storage.UTXO{
				Txid:     txid,
				Vout:     uint32(vout),
				Value:    uint64(out.Value),
				Script:   out.PkScript,
				Keychain: info.Keychain,
				Index:    info.Index,
				IsSpent:  spent[op],
				Height:   rec.Height,
			})
		}

		if rec.HasFee && inputs >= outputs {
			rec.Fee = inputs - outputs
		} else {
			rec.HasFee = false
		}

		if err := w.db.SaveTx(rec); err != nil {
			return 0, fmt.Errorf("failed to save tx %s: %w", txid, err)
		}
	}

	if err := w.db.ReplaceUTXOs(utxos); err != nil {
		return 0, fmt.Errorf("failed to save utxos: %w", err)
	}

	unspent := 0
	for _, u := range utxos {
		if !u.IsSpent {
			unspent++
		}
	}
	return unspent, nil
}

func concurrency(bc backend.Blockchain) int {
	if n := bc.Concurrency(); n > 0 {
		return n
	}
	return 1
}
