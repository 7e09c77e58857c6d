package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/walletbridge/internal/descriptor"
	"github.com/klingon-exchange/walletbridge/internal/failure"
)

// Sign adds signatures for every input the wallet holds a private key for
// and finalises the inputs it signed. It reports whether the whole packet
// is finalised. Inputs that belong to other wallets are left untouched.
func (w *Wallet) Sign(p *psbt.Packet) (bool, error) {
	if p == nil || p.UnsignedTx == nil {
		return false, failure.New(failure.ValidationError, "empty psbt")
	}
	if len(p.Inputs) != len(p.UnsignedTx.TxIn) {
		return false, failure.New(failure.ValidationError, "psbt has %d inputs for %d tx inputs",
			len(p.Inputs), len(p.UnsignedTx.TxIn))
	}

	prevOuts, allKnown := w.prevOutputs(p)
	sigHashes := txscript.NewTxSigHashes(p.UnsignedTx, txscript.NewMultiPrevOutFetcher(prevOuts))

	var (
		signed  []int
		lastErr error
	)
	for i := range p.Inputs {
		if isFinalized(&p.Inputs[i]) {
			continue
		}

		ok, err := w.signInput(p, i, sigHashes, allKnown)
		if err != nil {
			w.log.Warn("Failed to sign input", "index", i, "error", err)
			lastErr = err
			continue
		}
		if ok {
			signed = append(signed, i)
		}
	}

	if len(signed) == 0 {
		if lastErr != nil {
			return false, failure.Wrap(failure.SigningFailure, lastErr, "no input could be signed")
		}
		return false, failure.New(failure.SigningFailure, "no input spends a wallet output")
	}

	for _, i := range signed {
		if _, err := psbt.MaybeFinalize(p, i); err != nil {
			return false, failure.Wrap(failure.SigningFailure, err, fmt.Sprintf("failed to finalize input %d", i))
		}
	}

	complete := p.IsComplete()
	w.log.Debug("Signed psbt", "signed", len(signed), "inputs", len(p.Inputs), "complete", complete)
	return complete, nil
}

// prevOutputs collects the output each input spends. Inputs without UTXO
// information get an empty placeholder so sighash midstates can still be
// computed; allKnown is false when any placeholder was needed.
func (w *Wallet) prevOutputs(p *psbt.Packet) (map[wire.OutPoint]*wire.TxOut, bool) {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(p.Inputs))
	allKnown := true
	for i, txIn := range p.UnsignedTx.TxIn {
		out := inputUtxo(p, i)
		if out == nil {
			allKnown = false
			out = wire.NewTxOut(0, nil)
		}
		prevOuts[txIn.PreviousOutPoint] = out
	}
	return prevOuts, allKnown
}

// inputUtxo returns the output spent by input i, or nil if the packet does
// not carry it.
func inputUtxo(p *psbt.Packet, i int) *wire.TxOut {
	in := &p.Inputs[i]
	if in.WitnessUtxo != nil {
		return in.WitnessUtxo
	}
	if in.NonWitnessUtxo != nil {
		idx := p.UnsignedTx.TxIn[i].PreviousOutPoint.Index
		if int(idx) < len(in.NonWitnessUtxo.TxOut) {
			return in.NonWitnessUtxo.TxOut[idx]
		}
	}
	return nil
}

func isFinalized(in *psbt.PInput) bool {
	return len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0
}

// signInput signs input i if it spends a wallet script derived from a
// secret descriptor. It returns false for inputs the wallet cannot sign.
func (w *Wallet) signInput(p *psbt.Packet, i int, sigHashes *txscript.TxSigHashes, allKnown bool) (bool, error) {
	prevOut := inputUtxo(p, i)
	if prevOut == nil {
		return false, nil
	}

	info, err := w.db.ScriptByPubKey(prevOut.PkScript)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}

	d := w.descriptorFor(info.Keychain)
	if !d.HasSecret() {
		return false, nil
	}
	priv, err := d.PrivKeyAt(info.Index)
	if err != nil {
		return false, err
	}

	switch d.Type() {
	case descriptor.TypeWpkh:
		return true, signP2WPKH(p, i, priv, prevOut, prevOut.PkScript, nil, sigHashes)
	case descriptor.TypeShWpkh:
		redeem, err := d.RedeemScriptAt(info.Index)
		if err != nil {
			return false, err
		}
		return true, signP2WPKH(p, i, priv, prevOut, redeem, redeem, sigHashes)
	case descriptor.TypePkh:
		return true, signP2PKH(p, i, priv, prevOut)
	case descriptor.TypeTr:
		if !allKnown {
			return false, fmt.Errorf("taproot input %d needs every previous output", i)
		}
		return true, signP2TR(p, i, priv, prevOut, sigHashes)
	default:
		return false, fmt.Errorf("unsupported descriptor type %s", d.Type())
	}
}

func sigHashType(in *psbt.PInput, fallback txscript.SigHashType) txscript.SigHashType {
	if in.SighashType != 0 {
		return in.SighashType
	}
	return fallback
}

// signP2WPKH signs a native or nested segwit v0 key-hash input. subScript
// is the witness program the signature commits to; redeem is set for the
// nested form.
func signP2WPKH(p *psbt.Packet, i int, priv *btcec.PrivateKey, prevOut *wire.TxOut, subScript, redeem []byte, sigHashes *txscript.TxSigHashes) error {
	sig, err := txscript.RawTxInWitnessSignature(
		p.UnsignedTx, sigHashes, i, prevOut.Value, subScript,
		sigHashType(&p.Inputs[i], txscript.SigHashAll), priv,
	)
	if err != nil {
		return err
	}
	return addPartialSig(p, i, sig, priv, redeem)
}

// signP2PKH signs a legacy key-hash input. The packet must carry the full
// previous transaction.
func signP2PKH(p *psbt.Packet, i int, priv *btcec.PrivateKey, prevOut *wire.TxOut) error {
	if p.Inputs[i].NonWitnessUtxo == nil {
		return errors.New("legacy input is missing its previous transaction")
	}
	sig, err := txscript.RawTxInSignature(
		p.UnsignedTx, i, prevOut.PkScript,
		sigHashType(&p.Inputs[i], txscript.SigHashAll), priv,
	)
	if err != nil {
		return err
	}
	return addPartialSig(p, i, sig, priv, nil)
}

// signP2TR signs a BIP86 key-path spend. The private key is tweaked with an
// empty script root.
func signP2TR(p *psbt.Packet, i int, priv *btcec.PrivateKey, prevOut *wire.TxOut, sigHashes *txscript.TxSigHashes) error {
	sig, err := txscript.RawTxInTaprootSignature(
		p.UnsignedTx, sigHashes, i, prevOut.Value, prevOut.PkScript,
		nil, sigHashType(&p.Inputs[i], txscript.SigHashDefault), priv,
	)
	if err != nil {
		return err
	}
	p.Inputs[i].TaprootKeySpendSig = sig
	return nil
}

func addPartialSig(p *psbt.Packet, i int, sig []byte, priv *btcec.PrivateKey, redeem []byte) error {
	updater, err := psbt.NewUpdater(p)
	if err != nil {
		return err
	}
	outcome, err := updater.Sign(i, sig, priv.PubKey().SerializeCompressed(), redeem, nil)
	if err != nil {
		return err
	}
	if outcome != psbt.SignSuccesful && outcome != psbt.SignFinalized {
		return fmt.Errorf("signature for input %d was not accepted", i)
	}
	return nil
}
