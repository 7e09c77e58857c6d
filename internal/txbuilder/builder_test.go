package txbuilder

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var outPointGen = rapid.Custom(func(t *rapid.T) wire.OutPoint {
	var hash chainhash.Hash
	copy(hash[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "hash"))
	return wire.OutPoint{Hash: hash, Index: rapid.Uint32Range(0, 3).Draw(t, "index")}
})

var recipientGen = rapid.Custom(func(t *rapid.T) Recipient {
	return Recipient{
		Script: rapid.SliceOfN(rapid.Byte(), 1, 34).Draw(t, "script"),
		Amount: rapid.Uint64Range(1, 1e8).Draw(t, "amount"),
	}
})

// normalize maps empty lists to nil so the model and the builder compare
// equal regardless of how an empty list was produced.
func normalize(s State) State {
	if len(s.Recipients) == 0 {
		s.Recipients = nil
	}
	if len(s.Utxos) == 0 {
		s.Utxos = nil
	}
	if len(s.Unspendable) == 0 {
		s.Unspendable = nil
	}
	return s
}

// TestBuilderMatchesModel applies random call sequences to a builder and to
// a plain model of its options, and checks they agree after every step and
// that earlier builder values never change.
func TestBuilderMatchesModel(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		b := New()
		var model State

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			before := b
			snapshot := b.State()

			switch rapid.IntRange(0, 15).Draw(rt, "op") {
			case 0:
				r := recipientGen.Draw(rt, "recipient")
				b = b.AddRecipient(r.Script, r.Amount)
				model.Recipients = append(model.Recipients, r)
			case 1:
				list := rapid.SliceOfN(recipientGen, 0, 4).Draw(rt, "recipients")
				b = b.SetRecipients(list)
				model.Recipients = append([]Recipient(nil), list...)
			case 2:
				op := outPointGen.Draw(rt, "utxo")
				b = b.AddUtxo(op)
				model.Utxos = append(model.Utxos, op)
			case 3:
				list := rapid.SliceOfN(outPointGen, 0, 3).Draw(rt, "utxos")
				b = b.AddUtxos(list)
				model.Utxos = append(model.Utxos, list...)
			case 4:
				op := outPointGen.Draw(rt, "unspendable")
				b = b.AddUnspendable(op)
				model.Unspendable = append(model.Unspendable, op)
			case 5:
				list := rapid.SliceOfN(outPointGen, 0, 3).Draw(rt, "unspendables")
				b = b.Unspendable(list)
				model.Unspendable = append([]wire.OutPoint(nil), list...)
			case 6:
				b = b.ManuallySelectedOnly()
				model.ManualOnly = true
			case 7:
				b = b.DoNotSpendChange()
				model.Change = ChangeForbidden
			case 8:
				b = b.OnlySpendChange()
				model.Change = ChangeOnly
			case 9:
				rate := rapid.Float64Range(0, 500).Draw(rt, "rate")
				b = b.FeeRate(rate)
				model.Fee = FeePolicy{Kind: FeeRate, Rate: rate}
			case 10:
				abs := rapid.Int64Range(0, 1e6).Draw(rt, "absolute")
				b = b.FeeAbsolute(abs)
				model.Fee = FeePolicy{Kind: FeeAbsolute, Absolute: abs}
			case 11:
				b = b.DrainWallet()
				model.DrainWallet = true
			case 12:
				script := rapid.SliceOfN(rapid.Byte(), 1, 34).Draw(rt, "drain")
				b = b.DrainTo(script)
				model.DrainTo = script
			case 13:
				b = b.EnableRbf()
				model.RBF = RBF{Enabled: true}
			case 14:
				seq := rapid.Uint32().Draw(rt, "sequence")
				b = b.EnableRbfWithSequence(seq)
				model.RBF = RBF{Enabled: true, Pinned: true, Sequence: seq}
			case 15:
				data := rapid.SliceOfN(rapid.Byte(), 0, 80).Draw(rt, "data")
				b = b.AddData(data)
				model.Data = append([]byte{}, data...)
			}

			require.Equal(rt, normalize(snapshot), normalize(before.State()))
			require.Equal(rt, normalize(model), normalize(b.State()))
		}
	})
}

func TestStateIsACopy(t *testing.T) {
	script := []byte{0x51}
	b := New().AddRecipient(script, 1000).AddData([]byte("hi"))

	script[0] = 0x00
	s := b.State()
	s.Recipients[0].Script[0] = 0x6a
	s.Data[0] = 'x'

	again := b.State()
	require.Equal(t, []byte{0x51}, again.Recipients[0].Script)
	require.Equal(t, []byte("hi"), again.Data)
}

func TestSequence(t *testing.T) {
	tests := []struct {
		name string
		b    Builder
		want uint32
	}{
		{"final", New(), SequenceFinal},
		{"rbf", New().EnableRbf(), SequenceRBF},
		{"pinned", New().EnableRbfWithSequence(42), 42},
		{"last call wins", New().EnableRbfWithSequence(42).EnableRbf(), SequenceRBF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.b.sequence())
		})
	}
}
