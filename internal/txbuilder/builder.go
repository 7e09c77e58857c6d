// Package txbuilder accumulates transaction options one call at a time and
// finalises them into an unsigned PSBT against a wallet.
//
// Builder is a value type. Every option method returns a new Builder and
// leaves the receiver untouched, so a registry can store the result back
// under the same id without sharing state between versions.
package txbuilder

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/walletbridge/pkg/helpers"
)

// Sequence numbers written to inputs.
const (
	SequenceFinal = wire.MaxTxInSequenceNum
	SequenceRBF   = wire.MaxTxInSequenceNum - 2
)

// Recipient is one payment output.
type Recipient struct {
	Script []byte
	Amount uint64
}

// ChangePolicy restricts automatic selection by keychain.
type ChangePolicy uint8

const (
	ChangeAllowed   ChangePolicy = iota // spend any output
	ChangeForbidden                     // never spend change outputs
	ChangeOnly                          // spend change outputs only
)

func (c ChangePolicy) String() string {
	switch c {
	case ChangeForbidden:
		return "doNotSpendChange"
	case ChangeOnly:
		return "onlySpendChange"
	default:
		return "allowChange"
	}
}

// FeeKind tags a FeePolicy.
type FeeKind uint8

const (
	FeeUnset FeeKind = iota
	FeeRate
	FeeAbsolute
)

// FeePolicy is either unset, a rate in sat/vB or an absolute amount.
type FeePolicy struct {
	Kind     FeeKind
	Rate     float64
	Absolute int64
}

// RBF is the replace-by-fee setting. Sequence is only meaningful when
// Pinned is set.
type RBF struct {
	Enabled  bool
	Pinned   bool
	Sequence uint32
}

// Builder holds transaction options. The zero value is an empty builder.
type Builder struct {
	recipients  []Recipient
	utxos       []wire.OutPoint
	unspendable []wire.OutPoint
	manualOnly  bool
	change      ChangePolicy
	fee         FeePolicy
	drainWallet bool
	drainTo     []byte
	rbf         RBF
	data        []byte
}

// New returns an empty builder.
func New() Builder {
	return Builder{}
}

// clone returns a deep copy of b.
func (b Builder) clone() Builder {
	out := b
	out.recipients = cloneRecipients(b.recipients)
	out.utxos = append([]wire.OutPoint(nil), b.utxos...)
	out.unspendable = append([]wire.OutPoint(nil), b.unspendable...)
	out.drainTo = helpers.CloneBytes(b.drainTo)
	out.data = helpers.CloneBytes(b.data)
	return out
}

func cloneRecipients(in []Recipient) []Recipient {
	if in == nil {
		return nil
	}
	out := make([]Recipient, len(in))
	for i, r := range in {
		out[i] = Recipient{Script: helpers.CloneBytes(r.Script), Amount: r.Amount}
	}
	return out
}

// AddRecipient appends a payment.
func (b Builder) AddRecipient(script []byte, amount uint64) Builder {
	out := b.clone()
	out.recipients = append(out.recipients, Recipient{Script: helpers.CloneBytes(script), Amount: amount})
	return out
}

// SetRecipients replaces the payment list.
func (b Builder) SetRecipients(list []Recipient) Builder {
	out := b.clone()
	out.recipients = cloneRecipients(list)
	return out
}

// AddUtxo adds an outpoint that must be spent.
func (b Builder) AddUtxo(op wire.OutPoint) Builder {
	return b.AddUtxos([]wire.OutPoint{op})
}

// AddUtxos adds outpoints that must be spent, in order.
func (b Builder) AddUtxos(list []wire.OutPoint) Builder {
	out := b.clone()
	out.utxos = append(out.utxos, list...)
	return out
}

// AddUnspendable excludes an outpoint from automatic selection.
func (b Builder) AddUnspendable(op wire.OutPoint) Builder {
	out := b.clone()
	out.unspendable = append(out.unspendable, op)
	return out
}

// Unspendable replaces the excluded outpoints.
func (b Builder) Unspendable(list []wire.OutPoint) Builder {
	out := b.clone()
	out.unspendable = append([]wire.OutPoint(nil), list...)
	return out
}

// ManuallySelectedOnly restricts spending to outpoints added with AddUtxo.
func (b Builder) ManuallySelectedOnly() Builder {
	out := b.clone()
	out.manualOnly = true
	return out
}

// DoNotSpendChange excludes change outputs from automatic selection.
func (b Builder) DoNotSpendChange() Builder {
	out := b.clone()
	out.change = ChangeForbidden
	return out
}

// OnlySpendChange restricts automatic selection to change outputs.
func (b Builder) OnlySpendChange() Builder {
	out := b.clone()
	out.change = ChangeOnly
	return out
}

// FeeRate sets the fee rate in sat/vB, replacing any absolute fee.
func (b Builder) FeeRate(satPerVb float64) Builder {
	out := b.clone()
	out.fee = FeePolicy{Kind: FeeRate, Rate: satPerVb}
	return out
}

// FeeAbsolute sets the fee in satoshis, replacing any fee rate.
func (b Builder) FeeAbsolute(sats int64) Builder {
	out := b.clone()
	out.fee = FeePolicy{Kind: FeeAbsolute, Absolute: sats}
	return out
}

// DrainWallet spends every available output.
func (b Builder) DrainWallet() Builder {
	out := b.clone()
	out.drainWallet = true
	return out
}

// DrainTo sends whatever is left after the recipients and the fee to
// script instead of a wallet change address.
func (b Builder) DrainTo(script []byte) Builder {
	out := b.clone()
	out.drainTo = helpers.CloneBytes(script)
	return out
}

// EnableRbf signals replaceability with the default RBF sequence.
func (b Builder) EnableRbf() Builder {
	out := b.clone()
	out.rbf = RBF{Enabled: true}
	return out
}

// EnableRbfWithSequence signals replaceability with a fixed sequence.
func (b Builder) EnableRbfWithSequence(n uint32) Builder {
	out := b.clone()
	out.rbf = RBF{Enabled: true, Pinned: true, Sequence: n}
	return out
}

// AddData sets the OP_RETURN payload.
func (b Builder) AddData(data []byte) Builder {
	out := b.clone()
	out.data = helpers.CloneBytes(data)
	if out.data == nil {
		out.data = []byte{}
	}
	return out
}

// State is a snapshot of a builder's options.
type State struct {
	Recipients  []Recipient
	Utxos       []wire.OutPoint
	Unspendable []wire.OutPoint
	ManualOnly  bool
	Change      ChangePolicy
	Fee         FeePolicy
	DrainWallet bool
	DrainTo     []byte
	RBF         RBF
	Data        []byte
}

// State returns a copy of the builder's options.
func (b Builder) State() State {
	c := b.clone()
	return State{
		Recipients:  c.recipients,
		Utxos:       c.utxos,
		Unspendable: c.unspendable,
		ManualOnly:  c.manualOnly,
		Change:      c.change,
		Fee:         c.fee,
		DrainWallet: c.drainWallet,
		DrainTo:     c.drainTo,
		RBF:         c.rbf,
		Data:        c.data,
	}
}

// sequence returns the nSequence written to every input.
func (b Builder) sequence() uint32 {
	switch {
	case b.rbf.Pinned:
		return b.rbf.Sequence
	case b.rbf.Enabled:
		return SequenceRBF
	default:
		return SequenceFinal
	}
}
