package txbuilder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"

	"github.com/klingon-exchange/walletbridge/internal/descriptor"
	"github.com/klingon-exchange/walletbridge/internal/failure"
	"github.com/klingon-exchange/walletbridge/internal/keys"
	"github.com/klingon-exchange/walletbridge/internal/storage"
	"github.com/klingon-exchange/walletbridge/internal/wallet"
	"github.com/klingon-exchange/walletbridge/pkg/logging"
)

// DefaultFeeRate is used when no fee policy was set, in sat/vB.
const DefaultFeeRate = 1.0

// Wallet is what Finish needs from a wallet.
type Wallet interface {
	SpendableUTXOs() ([]storage.UTXO, error)
	InputInfo(op wire.OutPoint) (*wallet.InputInfo, error)
	NextChangeScript() (*wallet.ChangeOutput, error)
	IsMine(script []byte) (bool, error)
}

// Result is a finalised, unsigned transaction.
type Result struct {
	PSBT     string  `json:"psbt"`
	Txid     string  `json:"txid"`
	Fee      uint64  `json:"fee"`
	FeeRate  float64 `json:"feeRate"`
	VSize    int     `json:"vsize"`
	Received uint64  `json:"received"`
	Sent     uint64  `json:"sent"`

	// Packet is the decoded PSBT.
	Packet *psbt.Packet `json:"-"`
}

// coin is a selectable wallet output.
type coin struct {
	op   wire.OutPoint
	info *wallet.InputInfo
}

func (c coin) value() uint64 { return c.info.UTXO.Value }

// change is the script the leftover value is paid to.
type change struct {
	script []byte
	wallet *wallet.ChangeOutput
}

// Finish selects coins, computes the fee and builds the PSBT described by b.
func Finish(b Builder, w Wallet) (*Result, error) {
	log := logging.GetDefault().Component("txbuilder")

	rate, err := b.validate()
	if err != nil {
		return nil, err
	}

	must, candidates, err := b.candidates(w)
	if err != nil {
		return nil, err
	}

	outputs, err := b.outputs()
	if err != nil {
		return nil, err
	}

	dest, err := b.changeDestination(w)
	if err != nil {
		return nil, err
	}

	sel, err := selectCoins(b.fee, rate, must, candidates, outputs, dest.script)
	if err != nil {
		return nil, err
	}

	txOuts := outputs
	changeIndex := -1
	if sel.change > 0 {
		changeIndex = len(txOuts)
		txOuts = append(txOuts, wire.NewTxOut(int64(sel.change), dest.script))
	}
	if len(txOuts) == 0 {
		return nil, failure.New(failure.InsufficientFunds, "nothing left to drain after the fee")
	}

	p, err := b.buildPacket(sel.coins, txOuts)
	if err != nil {
		return nil, err
	}
	if changeIndex >= 0 && dest.wallet != nil {
		if err := decorateOutput(&p.Outputs[changeIndex], dest.wallet.Type, dest.wallet.Key); err != nil {
			return nil, err
		}
	}

	encoded, err := p.B64Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode psbt: %w", err)
	}

	result := &Result{
		PSBT:   encoded,
		Txid:   p.UnsignedTx.TxHash().String(),
		Fee:    sel.fee,
		VSize:  sel.vsize,
		Packet: p,
	}
	if sel.vsize > 0 {
		result.FeeRate = float64(sel.fee) / float64(sel.vsize)
	}
	for _, c := range sel.coins {
		result.Sent += c.value()
	}
	for _, out := range txOuts {
		mine, err := w.IsMine(out.PkScript)
		if err != nil {
			return nil, err
		}
		if mine {
			result.Received += uint64(out.Value)
		}
	}

	log.Debug("Built transaction",
		"txid", result.Txid,
		"inputs", len(sel.coins),
		"outputs", len(txOuts),
		"fee", result.Fee,
		"vsize", result.VSize,
	)
	return result, nil
}

// validate checks the options that can only be judged as a whole and
// returns the fee rate to estimate with.
func (b Builder) validate() (float64, error) {
	rate := DefaultFeeRate
	switch b.fee.Kind {
	case FeeRate:
		r := b.fee.Rate
		if math.IsNaN(r) || math.IsInf(r, 0) || r < 0 {
			return 0, failure.New(failure.InvalidFeePolicy, "invalid fee rate %v", r)
		}
		rate = r
	case FeeAbsolute:
		if b.fee.Absolute < 0 {
			return 0, failure.New(failure.InvalidFeePolicy, "invalid absolute fee %d", b.fee.Absolute)
		}
	}

	if b.rbf.Pinned && b.rbf.Sequence >= SequenceFinal-1 {
		return 0, failure.New(failure.ValidationError, "sequence %#x does not signal replaceability", b.rbf.Sequence)
	}
	if len(b.recipients) == 0 && b.drainTo == nil {
		return 0, failure.New(failure.NoRecipients, "no recipients and no drain address")
	}
	for i, r := range b.recipients {
		if r.Amount > btcutil.MaxSatoshi {
			return 0, failure.New(failure.ValidationError, "recipient %d amount %d exceeds the supply", i, r.Amount)
		}
		if isDust(r.Amount, r.Script) {
			return 0, failure.New(failure.ValidationError, "recipient %d amount %d is dust", i, r.Amount)
		}
	}
	return rate, nil
}

// candidates splits the spendable coins into the ones that must be spent
// and the ones automatic selection may pick from.
func (b Builder) candidates(w Wallet) ([]coin, []coin, error) {
	var must []coin
	manual := make(map[wire.OutPoint]bool, len(b.utxos))
	for _, op := range b.utxos {
		if manual[op] {
			continue
		}
		info, err := w.InputInfo(op)
		if err != nil {
			return nil, nil, err
		}
		if info.UTXO.IsSpent {
			return nil, nil, failure.New(failure.ValidationError, "outpoint %s is already spent", op)
		}
		manual[op] = true
		must = append(must, coin{op: op, info: info})
	}
	if b.manualOnly {
		return must, nil, nil
	}

	excluded := make(map[wire.OutPoint]bool, len(b.unspendable))
	for _, op := range b.unspendable {
		excluded[op] = true
	}

	utxos, err := w.SpendableUTXOs()
	if err != nil {
		return nil, nil, err
	}

	var auto []coin
	for _, u := range utxos {
		op, err := wallet.ParseOutPoint(u.Txid, u.Vout)
		if err != nil {
			return nil, nil, err
		}
		if manual[op] || excluded[op] {
			continue
		}
		switch {
		case b.change == ChangeForbidden && u.Keychain == keys.Internal:
			continue
		case b.change == ChangeOnly && u.Keychain != keys.Internal:
			continue
		}

		info, err := w.InputInfo(op)
		if err != nil {
			return nil, nil, err
		}
		auto = append(auto, coin{op: op, info: info})
	}

	if b.drainWallet {
		return append(must, auto...), nil, nil
	}
	return must, auto, nil
}

// outputs returns the recipient outputs followed by the data output.
func (b Builder) outputs() ([]*wire.TxOut, error) {
	outs := make([]*wire.TxOut, 0, len(b.recipients)+1)
	for _, r := range b.recipients {
		outs = append(outs, wire.NewTxOut(int64(r.Amount), r.Script))
	}
	if b.data != nil {
		script, err := txscript.NullDataScript(b.data)
		if err != nil {
			return nil, failure.Wrap(failure.ValidationError, err, "invalid data output")
		}
		outs = append(outs, wire.NewTxOut(0, script))
	}
	return outs, nil
}

// changeDestination is the drain script when set, otherwise the wallet's
// next change script.
func (b Builder) changeDestination(w Wallet) (change, error) {
	if b.drainTo != nil {
		return change{script: b.drainTo}, nil
	}
	out, err := w.NextChangeScript()
	if err != nil {
		return change{}, fmt.Errorf("failed to get change script: %w", err)
	}
	return change{script: out.Script, wallet: out}, nil
}

// selection is the outcome of coin selection.
type selection struct {
	coins  []coin
	fee    uint64
	change uint64
	vsize  int
}

// estimateVSize returns the worst-case virtual size of a transaction
// spending coins to outputs, plus a change output when changeScriptSize is
// non-zero.
func estimateVSize(coins []coin, outputs []*wire.TxOut, changeScriptSize int) int {
	var pkh, tr, wpkh, nested int
	for _, c := range coins {
		switch c.info.Type {
		case descriptor.TypePkh:
			pkh++
		case descriptor.TypeTr:
			tr++
		case descriptor.TypeShWpkh:
			nested++
		default:
			wpkh++
		}
	}
	return txsizes.EstimateVirtualSize(pkh, tr, wpkh, nested, outputs, changeScriptSize)
}

func feeFor(policy FeePolicy, rate float64, vsize int) uint64 {
	if policy.Kind == FeeAbsolute {
		return uint64(policy.Absolute)
	}
	return uint64(math.Ceil(rate * float64(vsize)))
}

// selectCoins spends every must coin, then adds the largest candidates
// until the outputs and the fee are covered. Change below the dust limit is
// left to the fee.
func selectCoins(policy FeePolicy, rate float64, must, candidates []coin, outputs []*wire.TxOut, changeScript []byte) (*selection, error) {
	var target uint64
	for _, out := range outputs {
		target += uint64(out.Value)
	}

	pool := append([]coin(nil), candidates...)
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].value() != pool[j].value() {
			return pool[i].value() > pool[j].value()
		}
		if pool[i].op.Hash != pool[j].op.Hash {
			return pool[i].op.Hash.String() < pool[j].op.Hash.String()
		}
		return pool[i].op.Index < pool[j].op.Index
	})

	selected := append([]coin(nil), must...)
	var total uint64
	for _, c := range selected {
		total += c.value()
	}

	covered := func() bool {
		if len(selected) == 0 {
			return false
		}
		fee := feeFor(policy, rate, estimateVSize(selected, outputs, 0))
		return total >= target+fee
	}
	for !covered() && len(pool) > 0 {
		selected = append(selected, pool[0])
		total += pool[0].value()
		pool = pool[1:]
	}

	vsize := estimateVSize(selected, outputs, 0)
	fee := feeFor(policy, rate, vsize)
	if len(selected) == 0 || total < target+fee {
		return nil, &failure.Error{
			Kind:    failure.InsufficientFunds,
			Message: fmt.Sprintf("need %d sats, %d available", target+fee, total),
		}
	}

	sel := &selection{coins: selected, fee: total - target, vsize: vsize}

	withChange := estimateVSize(selected, outputs, len(changeScript))
	changeFee := feeFor(policy, rate, withChange)
	if total >= target+changeFee {
		amount := total - target - changeFee
		if !isDust(amount, changeScript) {
			sel.change = amount
			sel.fee = changeFee
			sel.vsize = withChange
		}
	}
	return sel, nil
}

// isDust applies the relay policy dust limit to an output paying amount to
// script.
func isDust(amount uint64, script []byte) bool {
	return txrules.IsDustOutput(wire.NewTxOut(int64(amount), script), txrules.DefaultRelayFeePerKb)
}

// buildPacket creates the PSBT and attaches what a signer needs for every
// input.
func (b Builder) buildPacket(coins []coin, outputs []*wire.TxOut) (*psbt.Packet, error) {
	ins := make([]*wire.OutPoint, len(coins))
	seqs := make([]uint32, len(coins))
	for i := range coins {
		op := coins[i].op
		ins[i] = &op
		seqs[i] = b.sequence()
	}

	p, err := psbt.New(ins, outputs, 2, 0, seqs)
	if err != nil {
		return nil, fmt.Errorf("failed to create psbt: %w", err)
	}

	for i, c := range coins {
		if err := decorateInput(&p.Inputs[i], c.info); err != nil {
			return nil, fmt.Errorf("input %s: %w", c.op, err)
		}
	}
	return p, nil
}

var errMissingPrevTx = errors.New("previous transaction is not stored")

// decorateInput adds the UTXO, redeem script and key origin of a wallet
// input.
func decorateInput(in *psbt.PInput, info *wallet.InputInfo) error {
	utxo := wire.NewTxOut(int64(info.UTXO.Value), info.UTXO.Script)

	switch info.Type {
	case descriptor.TypePkh:
		if info.PrevTx == nil {
			return errMissingPrevTx
		}
		in.NonWitnessUtxo = info.PrevTx
	case descriptor.TypeShWpkh:
		in.WitnessUtxo = utxo
		in.NonWitnessUtxo = info.PrevTx
		in.RedeemScript = info.RedeemScript
	default:
		in.WitnessUtxo = utxo
	}

	if info.Key == nil || info.Key.Origin == nil {
		return nil
	}
	fp, path := originFields(info.Key.Origin)
	if info.Type == descriptor.TypeTr {
		xonly := schnorr.SerializePubKey(info.Key.PubKey)
		in.TaprootInternalKey = xonly
		in.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
			XOnlyPubKey:          xonly,
			MasterKeyFingerprint: fp,
			Bip32Path:            path,
		}}
		return nil
	}
	in.Bip32Derivation = []*psbt.Bip32Derivation{{
		PubKey:               info.Key.PubKey.SerializeCompressed(),
		MasterKeyFingerprint: fp,
		Bip32Path:            path,
	}}
	return nil
}

// decorateOutput marks a wallet change output with its key origin.
func decorateOutput(out *psbt.POutput, typ descriptor.Type, key *descriptor.KeyInfo) error {
	if typ == descriptor.TypeShWpkh && key != nil {
		redeem, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).
			AddData(btcutil.Hash160(key.PubKey.SerializeCompressed())).
			Script()
		if err != nil {
			return err
		}
		out.RedeemScript = redeem
	}
	if key == nil || key.Origin == nil {
		return nil
	}

	fp, path := originFields(key.Origin)
	if typ == descriptor.TypeTr {
		xonly := schnorr.SerializePubKey(key.PubKey)
		out.TaprootInternalKey = xonly
		out.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
			XOnlyPubKey:          xonly,
			MasterKeyFingerprint: fp,
			Bip32Path:            path,
		}}
		return nil
	}
	out.Bip32Derivation = []*psbt.Bip32Derivation{{
		PubKey:               key.PubKey.SerializeCompressed(),
		MasterKeyFingerprint: fp,
		Bip32Path:            path,
	}}
	return nil
}

// originFields converts an origin to the PSBT encoding: the fingerprint is
// read little-endian so its bytes serialise in their original order.
func originFields(o *keys.Origin) (uint32, []uint32) {
	return binary.LittleEndian.Uint32(o.Fingerprint[:]), append([]uint32(nil), o.Path...)
}
