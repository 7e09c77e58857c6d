package wallet

import (
	"encoding/hex"

	"github.com/klingon-exchange/walletbridge/internal/keys"
)

// Balance splits the wallet's unspent value by trust and confirmation.
type Balance struct {
	// TrustedPending is unconfirmed value on the internal keychain (our
	// own change).
	TrustedPending uint64 `json:"trustedPending"`
	// UntrustedPending is unconfirmed value received from others.
	UntrustedPending uint64 `json:"untrustedPending"`
	Confirmed        uint64 `json:"confirmed"`
	Spendable        uint64 `json:"spendable"`
	Total            uint64 `json:"total"`
}

// Balance aggregates the stored unspent outputs.
func (w *Wallet) Balance() (*Balance, error) {
	utxos, err := w.SpendableUTXOs()
	if err != nil {
		return nil, err
	}

	var b Balance
	for _, u := range utxos {
		switch {
		case u.Height > 0:
			b.Confirmed += u.Value
		case u.Keychain == keys.Internal:
			b.TrustedPending += u.Value
		default:
			b.UntrustedPending += u.Value
		}
	}
	b.Spendable = b.Confirmed + b.TrustedPending
	b.Total = b.Spendable + b.UntrustedPending
	return &b, nil
}

// OutPoint identifies a transaction output.
type OutPoint struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// TxOut is a transaction output as reported to callers.
type TxOut struct {
	Value   uint64 `json:"value"`
	Address string `json:"address"`
	Script  string `json:"script"`
}

// LocalUTXO is an output owned by the wallet.
type LocalUTXO struct {
	Outpoint OutPoint `json:"outpoint"`
	TxOut    TxOut    `json:"txout"`
	Keychain string   `json:"keychain"`
	IsSpent  bool     `json:"isSpent"`
	Height   uint32   `json:"height,omitempty"`
}

// ListUnspent returns the wallet's unspent outputs.
func (w *Wallet) ListUnspent() ([]LocalUTXO, error) {
	utxos, err := w.SpendableUTXOs()
	if err != nil {
		return nil, err
	}

	out := make([]LocalUTXO, 0, len(utxos))
	for _, u := range utxos {
		out = append(out, LocalUTXO{
			Outpoint: OutPoint{Txid: u.Txid, Vout: u.Vout},
			TxOut: TxOut{
				Value:   u.Value,
				Address: ScriptAddress(u.Script, w.network),
				Script:  hex.EncodeToString(u.Script),
			},
			Keychain: u.Keychain.String(),
			IsSpent:  u.IsSpent,
			Height:   u.Height,
		})
	}
	return out, nil
}

// BlockTime is where and when a transaction confirmed.
type BlockTime struct {
	Height    uint32 `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

// TransactionDetails summarises a wallet transaction from the wallet's
// point of view. Fee is nil when some input is not known to the wallet.
type TransactionDetails struct {
	Txid             string     `json:"txid"`
	Received         uint64     `json:"received"`
	Sent             uint64     `json:"sent"`
	Fee              *uint64    `json:"fee"`
	ConfirmationTime *BlockTime `json:"confirmationTime"`
}

// ListTransactions returns the wallet history, oldest confirmed first and
// unconfirmed last.
func (w *Wallet) ListTransactions() ([]TransactionDetails, error) {
	txs, err := w.db.Txs()
	if err != nil {
		return nil, err
	}

	out := make([]TransactionDetails, 0, len(txs))
	for _, rec := range txs {
		d := TransactionDetails{
			Txid:     rec.Txid,
			Received: rec.Received,
			Sent:     rec.Sent,
		}
		if rec.HasFee {
			fee := rec.Fee
			d.Fee = &fee
		}
		if rec.Confirmed() {
			d.ConfirmationTime = &BlockTime{Height: rec.Height, Timestamp: rec.Timestamp}
		}
		out = append(out, d)
	}
	return out, nil
}
