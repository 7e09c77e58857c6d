package txbuilder

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/klingon-exchange/walletbridge/internal/backend/backendtest"
	"github.com/klingon-exchange/walletbridge/internal/chain"
	"github.com/klingon-exchange/walletbridge/internal/descriptor"
	"github.com/klingon-exchange/walletbridge/internal/failure"
	"github.com/klingon-exchange/walletbridge/internal/keys"
	"github.com/klingon-exchange/walletbridge/internal/storage"
	"github.com/klingon-exchange/walletbridge/internal/wallet"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type fixture struct {
	w     *wallet.Wallet
	chain *backendtest.Chain
}

func newFixture(t testing.TB, tmpl descriptor.Template) *fixture {
	t.Helper()
	master, err := keys.NewDescriptorSecretKey(chain.Testnet, testMnemonic, "")
	require.NoError(t, err)
	receive, err := descriptor.NewFromTemplate(tmpl, master, keys.External, chain.Testnet)
	require.NoError(t, err)
	change, err := descriptor.NewFromTemplate(tmpl, master, keys.Internal, chain.Testnet)
	require.NoError(t, err)

	w, err := wallet.New(receive, change, chain.Testnet, storage.NewMemory())
	require.NoError(t, err)
	return &fixture{w: w, chain: backendtest.New(100)}
}

// fund pays value to the wallet script at index on keychain.
func (f *fixture) fund(t testing.TB, keychain keys.Keychain, index uint32, value int64) wire.OutPoint {
	t.Helper()
	d := f.w.Descriptor()
	if keychain == keys.Internal {
		d = f.w.ChangeDescriptor()
	}
	script, err := d.ScriptAt(index)
	require.NoError(t, err)
	op, _ := f.chain.Fund(script, value, 50)
	return op
}

func (f *fixture) sync(t testing.TB) {
	t.Helper()
	_, err := f.w.Sync(context.Background(), f.chain, nil)
	require.NoError(t, err)
}

func foreignScript(t testing.TB) []byte {
	t.Helper()
	addr, err := wallet.ParseAddress("tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", "testnet")
	require.NoError(t, err)
	script, err := addr.ScriptPubKey()
	require.NoError(t, err)
	return script
}

func inputsOf(tx *wire.MsgTx) []wire.OutPoint {
	ops := make([]wire.OutPoint, len(tx.TxIn))
	for i, in := range tx.TxIn {
		ops[i] = in.PreviousOutPoint
	}
	return ops
}

func outputTotal(tx *wire.MsgTx) uint64 {
	var total uint64
	for _, out := range tx.TxOut {
		total += uint64(out.Value)
	}
	return total
}

func TestFinishRoundTrip(t *testing.T) {
	f := newFixture(t, descriptor.BIP84)
	big := f.fund(t, keys.External, 0, 50_000)
	f.fund(t, keys.External, 1, 20_000)
	f.sync(t)

	dest := foreignScript(t)
	res, err := Finish(New().AddRecipient(dest, 1_000).FeeRate(2), f.w)
	require.NoError(t, err)

	tx := res.Packet.UnsignedTx
	require.Equal(t, []wire.OutPoint{big}, inputsOf(tx))
	require.Len(t, tx.TxOut, 2)
	assert.Equal(t, dest, tx.TxOut[0].PkScript)
	assert.Equal(t, int64(1_000), tx.TxOut[0].Value)

	mine, err := f.w.IsMine(tx.TxOut[1].PkScript)
	require.NoError(t, err)
	assert.True(t, mine)

	assert.Equal(t, uint64(50_000), res.Sent)
	assert.Equal(t, uint64(tx.TxOut[1].Value), res.Received)
	assert.Equal(t, res.Sent-outputTotal(tx), res.Fee)
	assert.Equal(t, tx.TxHash().String(), res.Txid)
	assert.InDelta(t, 2.0, res.FeeRate, 0.01)
	assert.Equal(t, SequenceFinal, tx.TxIn[0].Sequence)

	decoded, err := psbt.NewFromRawBytes(strings.NewReader(res.PSBT), true)
	require.NoError(t, err)
	assert.Equal(t, res.Txid, decoded.UnsignedTx.TxHash().String())

	complete, err := f.w.Sign(decoded)
	require.NoError(t, err)
	require.True(t, complete)

	signed, err := psbt.Extract(decoded)
	require.NoError(t, err)
	prev := decoded.Inputs[0].WitnessUtxo
	fetcher := txscript.NewCannedPrevOutputFetcher(prev.PkScript, prev.Value)
	vm, err := txscript.NewEngine(prev.PkScript, signed, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(signed, fetcher), prev.Value, fetcher)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

func TestFinishDecoratesInputsAndChange(t *testing.T) {
	tests := []struct {
		name string
		tmpl descriptor.Template
	}{
		{"p2pkh", descriptor.BIP44},
		{"p2sh-p2wpkh", descriptor.BIP49},
		{"p2wpkh", descriptor.BIP84},
		{"p2tr", descriptor.BIP86},
	}

	wantFP := binary.LittleEndian.Uint32([]byte{0x73, 0xc5, 0xda, 0x0a})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.tmpl)
			f.fund(t, keys.External, 0, 100_000)
			f.sync(t)

			res, err := Finish(New().AddRecipient(foreignScript(t), 10_000), f.w)
			require.NoError(t, err)

			in := res.Packet.Inputs[0]
			out := res.Packet.Outputs[1]
			switch tt.tmpl {
			case descriptor.BIP44:
				assert.NotNil(t, in.NonWitnessUtxo)
				assert.Nil(t, in.WitnessUtxo)
			case descriptor.BIP49:
				assert.NotNil(t, in.WitnessUtxo)
				assert.NotEmpty(t, in.RedeemScript)
				assert.NotEmpty(t, out.RedeemScript)
			default:
				assert.NotNil(t, in.WitnessUtxo)
			}

			if tt.tmpl == descriptor.BIP86 {
				require.Len(t, in.TaprootBip32Derivation, 1)
				assert.Equal(t, wantFP, in.TaprootBip32Derivation[0].MasterKeyFingerprint)
				assert.Len(t, in.TaprootInternalKey, 32)
				require.Len(t, out.TaprootBip32Derivation, 1)
				path := out.TaprootBip32Derivation[0].Bip32Path
				assert.Equal(t, []uint32{1, 0}, path[len(path)-2:])
			} else {
				require.Len(t, in.Bip32Derivation, 1)
				assert.Equal(t, wantFP, in.Bip32Derivation[0].MasterKeyFingerprint)
				assert.Len(t, in.Bip32Derivation[0].Bip32Path, 5)
				require.Len(t, out.Bip32Derivation, 1)
				path := out.Bip32Derivation[0].Bip32Path
				assert.Equal(t, []uint32{1, 0}, path[len(path)-2:])
			}

			complete, err := f.w.Sign(res.Packet)
			require.NoError(t, err)
			assert.True(t, complete)
		})
	}
}

func TestFinishFeePolicyLastCallWins(t *testing.T) {
	f := newFixture(t, descriptor.BIP84)
	f.fund(t, keys.External, 0, 100_000)
	f.sync(t)
	dest := foreignScript(t)

	res, err := Finish(New().AddRecipient(dest, 5_000).FeeRate(5).FeeAbsolute(1_234), f.w)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_234), res.Fee)

	res, err = Finish(New().AddRecipient(dest, 5_000).FeeAbsolute(1_234).FeeRate(1), f.w)
	require.NoError(t, err)
	assert.Equal(t, uint64(res.VSize), res.Fee)

	res, err = Finish(New().AddRecipient(dest, 5_000), f.w)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.Ceil(DefaultFeeRate*float64(res.VSize))), res.Fee)
}

func TestFinishManuallySelectedOnly(t *testing.T) {
	f := newFixture(t, descriptor.BIP84)
	a := f.fund(t, keys.External, 0, 10_000)
	b := f.fund(t, keys.External, 1, 20_000)
	c := f.fund(t, keys.External, 2, 500_000)
	f.sync(t)
	dest := foreignScript(t)

	res, err := Finish(New().AddRecipient(dest, 25_000).AddUtxo(a).AddUtxo(b).ManuallySelectedOnly(), f.w)
	require.NoError(t, err)
	ins := inputsOf(res.Packet.UnsignedTx)
	assert.ElementsMatch(t, []wire.OutPoint{a, b}, ins)
	assert.NotContains(t, ins, c)

	_, err = Finish(New().AddRecipient(dest, 40_000).AddUtxo(a).AddUtxo(b).ManuallySelectedOnly(), f.w)
	assert.Equal(t, failure.InsufficientFunds, failure.KindOf(err))

	// Without the restriction the large coin covers the rest.
	res, err = Finish(New().AddRecipient(dest, 40_000).AddUtxo(a), f.w)
	require.NoError(t, err)
	assert.Equal(t, []wire.OutPoint{a, c}, inputsOf(res.Packet.UnsignedTx))
}

func TestFinishExclusions(t *testing.T) {
	f := newFixture(t, descriptor.BIP84)
	ext := f.fund(t, keys.External, 0, 50_000)
	internal := f.fund(t, keys.Internal, 0, 80_000)
	f.sync(t)
	dest := foreignScript(t)

	tests := []struct {
		name string
		b    Builder
		want []wire.OutPoint
	}{
		{"largest first", New(), []wire.OutPoint{internal}},
		{"do not spend change", New().DoNotSpendChange(), []wire.OutPoint{ext}},
		{"only spend change", New().DoNotSpendChange().OnlySpendChange(), []wire.OutPoint{internal}},
		{"unspendable", New().AddUnspendable(internal), []wire.OutPoint{ext}},
		{"unspendable replaced", New().AddUnspendable(internal).Unspendable([]wire.OutPoint{ext}), []wire.OutPoint{internal}},
		{"manual overrides unspendable", New().AddUnspendable(ext).AddUtxo(ext), []wire.OutPoint{ext}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Finish(tt.b.AddRecipient(dest, 10_000), f.w)
			require.NoError(t, err)
			assert.Equal(t, tt.want, inputsOf(res.Packet.UnsignedTx))
		})
	}
}

func TestFinishOutputOrder(t *testing.T) {
	f := newFixture(t, descriptor.BIP84)
	f.fund(t, keys.External, 0, 100_000)
	f.sync(t)

	first := foreignScript(t)
	second, err := f.w.Descriptor().ScriptAt(7)
	require.NoError(t, err)

	res, err := Finish(New().
		AddRecipient(first, 1_000).
		AddRecipient(second, 2_000).
		AddData([]byte("first")).
		AddData([]byte("walletbridge")), f.w)
	require.NoError(t, err)

	outs := res.Packet.UnsignedTx.TxOut
	require.Len(t, outs, 4)
	assert.Equal(t, first, outs[0].PkScript)
	assert.Equal(t, second, outs[1].PkScript)
	assert.True(t, txscript.IsNullData(outs[2].PkScript))
	assert.Equal(t, int64(0), outs[2].Value)

	pushes, err := txscript.PushedData(outs[2].PkScript)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("walletbridge")}, pushes)

	// Index 7 was never revealed as a receive address but still pays the wallet.
	assert.Equal(t, uint64(2_000)+uint64(outs[3].Value), res.Received)
}

func TestFinishDrain(t *testing.T) {
	f := newFixture(t, descriptor.BIP84)
	f.fund(t, keys.External, 0, 50_000)
	f.fund(t, keys.External, 1, 20_000)
	f.sync(t)
	dest := foreignScript(t)

	res, err := Finish(New().DrainWallet().DrainTo(dest).FeeRate(3), f.w)
	require.NoError(t, err)
	tx := res.Packet.UnsignedTx
	assert.Len(t, tx.TxIn, 2)
	require.Len(t, tx.TxOut, 1)
	assert.Equal(t, dest, tx.TxOut[0].PkScript)
	assert.Equal(t, uint64(70_000), uint64(tx.TxOut[0].Value)+res.Fee)
	assert.Zero(t, res.Received)

	// Drain to a script with recipients: the leftover goes to the drain script.
	res, err = Finish(New().AddRecipient(dest, 5_000).DrainTo(dest), f.w)
	require.NoError(t, err)
	require.Len(t, res.Packet.UnsignedTx.TxOut, 2)
	assert.Equal(t, dest, res.Packet.UnsignedTx.TxOut[1].PkScript)
}

func TestFinishRBF(t *testing.T) {
	f := newFixture(t, descriptor.BIP84)
	f.fund(t, keys.External, 0, 50_000)
	f.sync(t)
	dest := foreignScript(t)

	res, err := Finish(New().AddRecipient(dest, 1_000).EnableRbf(), f.w)
	require.NoError(t, err)
	assert.Equal(t, SequenceRBF, res.Packet.UnsignedTx.TxIn[0].Sequence)

	res, err = Finish(New().AddRecipient(dest, 1_000).EnableRbfWithSequence(77), f.w)
	require.NoError(t, err)
	assert.Equal(t, uint32(77), res.Packet.UnsignedTx.TxIn[0].Sequence)
}

func TestFinishErrors(t *testing.T) {
	f := newFixture(t, descriptor.BIP84)
	f.fund(t, keys.External, 0, 50_000)
	f.sync(t)
	dest := foreignScript(t)

	empty := newFixture(t, descriptor.BIP84)

	tests := []struct {
		name string
		b    Builder
		w    Wallet
		want failure.Kind
	}{
		{"no recipients", New().FeeRate(1), f.w, failure.NoRecipients},
		{"drain without destination", New().DrainWallet(), f.w, failure.NoRecipients},
		{"nan rate", New().AddRecipient(dest, 1_000).FeeRate(math.NaN()), f.w, failure.InvalidFeePolicy},
		{"infinite rate", New().AddRecipient(dest, 1_000).FeeRate(math.Inf(1)), f.w, failure.InvalidFeePolicy},
		{"negative rate", New().AddRecipient(dest, 1_000).FeeRate(-1), f.w, failure.InvalidFeePolicy},
		{"negative absolute", New().AddRecipient(dest, 1_000).FeeAbsolute(-5), f.w, failure.InvalidFeePolicy},
		{"final sequence", New().AddRecipient(dest, 1_000).EnableRbfWithSequence(0xfffffffe), f.w, failure.ValidationError},
		{"dust recipient", New().AddRecipient(dest, 10), f.w, failure.ValidationError},
		{"oversized data", New().AddRecipient(dest, 1_000).AddData(make([]byte, 100)), f.w, failure.ValidationError},
		{"too much", New().AddRecipient(dest, 60_000), f.w, failure.InsufficientFunds},
		{"absolute fee too high", New().AddRecipient(dest, 1_000).FeeAbsolute(49_500), f.w, failure.InsufficientFunds},
		{"empty wallet", New().AddRecipient(dest, 1_000), empty.w, failure.InsufficientFunds},
		{"unknown utxo", New().AddRecipient(dest, 1_000).AddUtxo(wire.OutPoint{Index: 3}), f.w, failure.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Finish(tt.b, tt.w)
			require.Error(t, err)
			assert.Equal(t, tt.want, failure.KindOf(err), err.Error())
		})
	}
}

func TestIsDust(t *testing.T) {
	// 294 sats is the P2WPKH limit at the default relay fee.
	script := foreignScript(t)
	assert.True(t, isDust(10, script))
	assert.True(t, isDust(293, script))
	assert.False(t, isDust(294, script))
	assert.False(t, isDust(50_000, script))
}

func TestFinishDustChangeGoesToFee(t *testing.T) {
	f := newFixture(t, descriptor.BIP84)
	f.fund(t, keys.External, 0, 10_000)
	f.sync(t)

	res, err := Finish(New().AddRecipient(foreignScript(t), 9_700).FeeRate(1), f.w)
	require.NoError(t, err)
	require.Len(t, res.Packet.UnsignedTx.TxOut, 1)
	assert.Equal(t, uint64(300), res.Fee)
}

// TestFinishKeepsRecipientOrder checks that the leading outputs of every
// finished transaction are the recipients in call order.
func TestFinishKeepsRecipientOrder(t *testing.T) {
	f := newFixture(t, descriptor.BIP84)
	f.fund(t, keys.External, 0, 10_000_000)
	f.sync(t)

	scripts := make([][]byte, 6)
	for i := range scripts {
		script, err := f.w.ChangeDescriptor().ScriptAt(uint32(100 + i))
		require.NoError(t, err)
		scripts[i] = script
	}

	rapid.Check(t, func(rt *rapid.T) {
		b := New()
		var want []Recipient
		if rapid.Bool().Draw(rt, "startWithSet") {
			n := rapid.IntRange(0, 3).Draw(rt, "initial")
			for i := 0; i < n; i++ {
				want = append(want, Recipient{Script: scripts[i], Amount: 1_000})
			}
			b = b.SetRecipients(want)
		}
		n := rapid.IntRange(1, 5).Draw(rt, "added")
		for i := 0; i < n; i++ {
			r := Recipient{
				Script: scripts[rapid.IntRange(0, len(scripts)-1).Draw(rt, "script")],
				Amount: rapid.Uint64Range(1_000, 100_000).Draw(rt, "amount"),
			}
			b = b.AddRecipient(r.Script, r.Amount)
			want = append(want, r)
		}

		res, err := Finish(b, f.w)
		require.NoError(rt, err)
		outs := res.Packet.UnsignedTx.TxOut
		require.GreaterOrEqual(rt, len(outs), len(want))
		for i, r := range want {
			require.Equal(rt, r.Script, outs[i].PkScript)
			require.Equal(rt, int64(r.Amount), outs[i].Value)
		}
		require.LessOrEqual(rt, len(outs), len(want)+1)
	})
}
