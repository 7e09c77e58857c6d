package bridge

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/klingon-exchange/walletbridge/internal/backend"
	"github.com/klingon-exchange/walletbridge/internal/chain"
	"github.com/klingon-exchange/walletbridge/internal/descriptor"
	"github.com/klingon-exchange/walletbridge/internal/failure"
	"github.com/klingon-exchange/walletbridge/internal/storage"
	"github.com/klingon-exchange/walletbridge/internal/wallet"
)

// SyncProgress is the payload of a sync_progress event.
type SyncProgress struct {
	WalletID     string  `json:"walletId"`
	BlockchainID string  `json:"blockchainId"`
	Progress     float32 `json:"progress"`
	Message      string  `json:"message"`
}

// SyncComplete is the payload of a sync_complete event.
type SyncComplete struct {
	WalletID     string `json:"walletId"`
	BlockchainID string `json:"blockchainId"`
	Height       uint32 `json:"height"`
	Txs          int    `json:"txs"`
	UTXOs        int    `json:"utxos"`
	ElapsedMs    int64  `json:"elapsedMs"`
	Error        string `json:"error,omitempty"`
}

// WalletInit creates a wallet from descriptor strings on the database
// selected by the last *DBInit call.
func (s *Service) WalletInit(desc, network, changeDesc string) (string, error) {
	net := chain.Parse(network)
	receive, err := descriptor.Parse(desc, net)
	if err != nil {
		return "", err
	}
	var change *descriptor.Descriptor
	if changeDesc != "" {
		change, err = descriptor.Parse(changeDesc, net)
	} else {
		change, err = derivedChange(receive)
	}
	if err != nil {
		return "", err
	}
	return s.createWallet(receive, change, net)
}

// WalletInitWithDescriptors creates a wallet from stored descriptors. The
// wallet uses the network of the receive descriptor.
func (s *Service) WalletInitWithDescriptors(descID, changeID string) (string, error) {
	receive, err := s.descriptors.Get(descID)
	if err != nil {
		return "", err
	}
	var change *descriptor.Descriptor
	if changeID != "" {
		change, err = s.descriptors.Get(changeID)
	} else {
		change, err = derivedChange(receive)
	}
	if err != nil {
		return "", err
	}
	return s.createWallet(receive, change, receive.Network())
}

// databaseScope keys a wallet's records in a shared database by the
// checksums of its descriptors.
func databaseScope(receive, change *descriptor.Descriptor) string {
	_, scope, _ := strings.Cut(receive.String(), "#")
	if change != nil {
		_, sum, _ := strings.Cut(change.String(), "#")
		scope += "-" + sum
	}
	return scope
}

// derivedChange returns the /1/* sibling of a receive descriptor, keeping
// its private keys, or nil when there is no /0/* segment to replace.
func derivedChange(receive *descriptor.Descriptor) (*descriptor.Descriptor, error) {
	full := receive.StringPrivate()
	s := descriptor.ChangeDescriptor(full)
	if s == full {
		return nil, nil
	}
	return descriptor.Parse(s, receive.Network())
}

func (s *Service) createWallet(receive, change *descriptor.Descriptor, net chain.Network) (string, error) {
	cfg := s.currentDBConfig()
	db, err := storage.Open(cfg, databaseScope(receive, change))
	if err != nil {
		return "", failure.Wrap(failure.ValidationError, err, "failed to open wallet database")
	}

	w, err := wallet.New(receive, change, net, db)
	if err != nil {
		db.Close()
		return "", err
	}

	id := s.wallets.Create(w)
	s.log.Info("Wallet created", "id", id, "network", net, "type", receive.Type(), "db", cfg.Kind)
	return id, nil
}

// Sync updates a wallet from a blockchain client. Progress is published as
// sync_progress events and the outcome as a sync_complete event. Once
// dispatched it runs to completion even if ctx is cancelled.
func (s *Service) Sync(ctx context.Context, walletID, blockchainID string) (bool, error) {
	w, err := s.wallet(walletID)
	if err != nil {
		return false, err
	}
	bc, err := s.blockchain(blockchainID)
	if err != nil {
		return false, err
	}

	progress := func(percent float32, message string) {
		s.publish(EventSyncProgress, SyncProgress{
			WalletID:     walletID,
			BlockchainID: blockchainID,
			Progress:     percent,
			Message:      message,
		})
	}

	start := time.Now()
	var res *wallet.SyncResult
	err = detach(ctx, func(ctx context.Context) error {
		var err error
		res, err = w.Sync(ctx, bc, progress)
		return err
	})
	elapsed := time.Since(start)
	s.metrics.ObserveSync(elapsed, err)

	done := SyncComplete{WalletID: walletID, BlockchainID: blockchainID, ElapsedMs: elapsed.Milliseconds()}
	if err != nil {
		done.Error = err.Error()
		s.publish(EventSyncComplete, done)
		s.log.Warn("Wallet sync failed", "wallet", walletID, "error", err)
		return false, backend.Classify(err)
	}

	done.Height, done.Txs, done.UTXOs = res.Height, res.Txs, res.UTXOs
	s.publish(EventSyncComplete, done)
	return true, nil
}

// GetAddress reveals a receive address. index is "new" or "lastUnused".
func (s *Service) GetAddress(id, index string) (*wallet.AddressInfo, error) {
	w, err := s.wallet(id)
	if err != nil {
		return nil, err
	}
	return w.GetAddress(wallet.ParseAddressIndex(index))
}

func (s *Service) GetBalance(id string) (*wallet.Balance, error) {
	w, err := s.wallet(id)
	if err != nil {
		return nil, err
	}
	return w.Balance()
}

// GetNetwork returns the network tag the wallet was created for.
func (s *Service) GetNetwork(id string) (string, error) {
	w, err := s.wallet(id)
	if err != nil {
		return "", err
	}
	return w.Network().String(), nil
}

func (s *Service) ListUnspent(id string) ([]wallet.LocalUTXO, error) {
	w, err := s.wallet(id)
	if err != nil {
		return nil, err
	}
	return w.ListUnspent()
}

func (s *Service) ListTransactions(id string) ([]wallet.TransactionDetails, error) {
	w, err := s.wallet(id)
	if err != nil {
		return nil, err
	}
	return w.ListTransactions()
}

// Sign signs the wallet's inputs of a base64 PSBT and returns it
// re-encoded.
func (s *Service) Sign(id, psbtBase64 string) (string, error) {
	w, err := s.wallet(id)
	if err != nil {
		return "", err
	}
	p, err := decodePSBT(psbtBase64)
	if err != nil {
		return "", err
	}

	complete, err := w.Sign(p)
	if err != nil {
		return "", err
	}
	out, err := p.B64Encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode psbt: %w", err)
	}
	s.log.Debug("Signed psbt", "wallet", id, "txid", p.UnsignedTx.TxHash(), "complete", complete)
	return out, nil
}

// InitAddress stores a parsed address. An empty network accepts any.
func (s *Service) InitAddress(address, network string) (string, error) {
	addr, err := wallet.ParseAddress(address, network)
	if err != nil {
		return "", err
	}
	return s.addresses.Create(addr), nil
}

// AddressToScriptPubkeyHex stores the output script of an address and
// returns the script id.
func (s *Service) AddressToScriptPubkeyHex(addressID string) (string, error) {
	addr, err := s.addresses.Get(addressID)
	if err != nil {
		return "", err
	}
	script, err := addr.ScriptPubKey()
	if err != nil {
		return "", failure.Wrap(failure.ValidationError, err, "failed to build script")
	}
	return s.scripts.Create(script), nil
}

// ScriptToHex returns a stored script hex encoded.
func (s *Service) ScriptToHex(scriptID string) (string, error) {
	script, err := s.scripts.Get(scriptID)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(script), nil
}
