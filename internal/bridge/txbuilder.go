package bridge

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/walletbridge/internal/failure"
	"github.com/klingon-exchange/walletbridge/internal/txbuilder"
	"github.com/klingon-exchange/walletbridge/internal/wallet"
)

// ScriptRef refers to a stored script.
type ScriptRef struct {
	ID string `json:"id"`
}

// ScriptAmount is one entry of setRecipients.
type ScriptAmount struct {
	Script ScriptRef `json:"script"`
	Amount uint64    `json:"amount"`
}

// CreateTxBuilder stores an empty builder.
func (s *Service) CreateTxBuilder() string {
	return s.builders.Create(txbuilder.New())
}

// updateBuilder replaces the builder under id with fn's result. A failing
// fn leaves the stored builder as it was.
func (s *Service) updateBuilder(id string, fn func(txbuilder.Builder) (txbuilder.Builder, error)) (bool, error) {
	if err := s.builders.Update(id, fn); err != nil {
		return false, err
	}
	return true, nil
}

// with adapts an infallible builder step to updateBuilder.
func with(step func(txbuilder.Builder) txbuilder.Builder) func(txbuilder.Builder) (txbuilder.Builder, error) {
	return func(b txbuilder.Builder) (txbuilder.Builder, error) {
		return step(b), nil
	}
}

func (s *Service) AddRecipient(id, scriptID string, amount uint64) (bool, error) {
	script, err := s.scripts.Get(scriptID)
	if err != nil {
		return false, err
	}
	return s.updateBuilder(id, with(func(b txbuilder.Builder) txbuilder.Builder {
		return b.AddRecipient(script, amount)
	}))
}

// SetRecipients replaces the recipient list. Every script id is resolved
// before the builder changes.
func (s *Service) SetRecipients(id string, recipients []ScriptAmount) (bool, error) {
	list := make([]txbuilder.Recipient, 0, len(recipients))
	for _, r := range recipients {
		script, err := s.scripts.Get(r.Script.ID)
		if err != nil {
			return false, err
		}
		list = append(list, txbuilder.Recipient{Script: script, Amount: r.Amount})
	}
	return s.updateBuilder(id, with(func(b txbuilder.Builder) txbuilder.Builder {
		return b.SetRecipients(list)
	}))
}

func parseOutPoints(list []wallet.OutPoint) ([]wire.OutPoint, error) {
	ops := make([]wire.OutPoint, 0, len(list))
	for _, op := range list {
		parsed, err := wallet.ParseOutPoint(op.Txid, op.Vout)
		if err != nil {
			return nil, err
		}
		ops = append(ops, parsed)
	}
	return ops, nil
}

func (s *Service) AddUtxo(id string, op wallet.OutPoint) (bool, error) {
	return s.AddUtxos(id, []wallet.OutPoint{op})
}

func (s *Service) AddUtxos(id string, list []wallet.OutPoint) (bool, error) {
	ops, err := parseOutPoints(list)
	if err != nil {
		return false, err
	}
	return s.updateBuilder(id, with(func(b txbuilder.Builder) txbuilder.Builder {
		return b.AddUtxos(ops)
	}))
}

func (s *Service) AddUnspendable(id string, op wallet.OutPoint) (bool, error) {
	ops, err := parseOutPoints([]wallet.OutPoint{op})
	if err != nil {
		return false, err
	}
	return s.updateBuilder(id, with(func(b txbuilder.Builder) txbuilder.Builder {
		return b.AddUnspendable(ops[0])
	}))
}

// Unspendable replaces the excluded outpoints.
func (s *Service) Unspendable(id string, list []wallet.OutPoint) (bool, error) {
	ops, err := parseOutPoints(list)
	if err != nil {
		return false, err
	}
	return s.updateBuilder(id, with(func(b txbuilder.Builder) txbuilder.Builder {
		return b.Unspendable(ops)
	}))
}

func (s *Service) ManuallySelectedOnly(id string) (bool, error) {
	return s.updateBuilder(id, with(txbuilder.Builder.ManuallySelectedOnly))
}

func (s *Service) DoNotSpendChange(id string) (bool, error) {
	return s.updateBuilder(id, with(txbuilder.Builder.DoNotSpendChange))
}

func (s *Service) OnlySpendChange(id string) (bool, error) {
	return s.updateBuilder(id, with(txbuilder.Builder.OnlySpendChange))
}

// FeeRate sets the fee rate in sat/vB. It is validated by Finish.
func (s *Service) FeeRate(id string, satPerVb float64) (bool, error) {
	return s.updateBuilder(id, with(func(b txbuilder.Builder) txbuilder.Builder {
		return b.FeeRate(satPerVb)
	}))
}

// FeeAbsolute sets the fee in satoshis. It is validated by Finish.
func (s *Service) FeeAbsolute(id string, sats int64) (bool, error) {
	return s.updateBuilder(id, with(func(b txbuilder.Builder) txbuilder.Builder {
		return b.FeeAbsolute(sats)
	}))
}

func (s *Service) DrainWallet(id string) (bool, error) {
	return s.updateBuilder(id, with(txbuilder.Builder.DrainWallet))
}

// DrainTo sends the leftover value to a stored script.
func (s *Service) DrainTo(id, scriptID string) (bool, error) {
	script, err := s.scripts.Get(scriptID)
	if err != nil {
		return false, err
	}
	return s.updateBuilder(id, with(func(b txbuilder.Builder) txbuilder.Builder {
		return b.DrainTo(script)
	}))
}

func (s *Service) EnableRbf(id string) (bool, error) {
	return s.updateBuilder(id, with(txbuilder.Builder.EnableRbf))
}

func (s *Service) EnableRbfWithSequence(id string, sequence uint32) (bool, error) {
	return s.updateBuilder(id, with(func(b txbuilder.Builder) txbuilder.Builder {
		return b.EnableRbfWithSequence(sequence)
	}))
}

// AddData sets the OP_RETURN payload from a list of byte values.
func (s *Service) AddData(id string, data []int) (bool, error) {
	payload := make([]byte, len(data))
	for i, v := range data {
		if v < 0 || v > 0xff {
			return false, failure.New(failure.ValidationError, "data byte %d out of range: %d", i, v)
		}
		payload[i] = byte(v)
	}
	return s.updateBuilder(id, with(func(b txbuilder.Builder) txbuilder.Builder {
		return b.AddData(payload)
	}))
}

// Finish builds the PSBT described by a builder against a wallet. The
// builder is consumed on success and kept on failure.
func (s *Service) Finish(id, walletID string) (*txbuilder.Result, error) {
	w, err := s.wallet(walletID)
	if err != nil {
		return nil, err
	}

	var res *txbuilder.Result
	err = s.builders.Consume(id, func(b txbuilder.Builder) error {
		var err error
		res, err = txbuilder.Finish(b, w)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Transaction built", "builder", id, "wallet", walletID, "txid", res.Txid, "fee", res.Fee)
	return res, nil
}
