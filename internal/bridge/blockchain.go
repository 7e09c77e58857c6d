package bridge

import (
	"context"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/klingon-exchange/walletbridge/internal/backend"
	"github.com/klingon-exchange/walletbridge/internal/failure"
	"github.com/klingon-exchange/walletbridge/internal/storage"
)

// ElectrumOptions configures initElectrumBlockchain. Zero values select
// the defaults.
type ElectrumOptions struct {
	URL     string `json:"url"`
	Retry   int    `json:"retry,omitempty"`
	StopGap int    `json:"stopGap,omitempty"`
	Timeout int    `json:"timeout,omitempty"` // seconds
}

// EsploraOptions configures initEsploraBlockchain. Zero values select the
// defaults.
type EsploraOptions struct {
	URL         string `json:"url"`
	Proxy       string `json:"proxy,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	StopGap     int    `json:"stopGap,omitempty"`
	Timeout     int    `json:"timeout,omitempty"` // seconds
}

// InitElectrumBlockchain stores an Electrum client. It connects on first
// use.
func (s *Service) InitElectrumBlockchain(opts ElectrumOptions) (string, error) {
	client, err := backend.NewElectrumClient(backend.ElectrumConfig{
		URL:     opts.URL,
		Retry:   opts.Retry,
		StopGap: opts.StopGap,
		Timeout: timeoutSeconds(opts.Timeout),
	})
	if err != nil {
		return "", backend.Classify(err)
	}
	id := s.blockchains.Create(client)
	s.log.Info("Blockchain created", "id", id, "kind", client.Kind(), "url", opts.URL)
	return id, nil
}

// InitEsploraBlockchain stores an Esplora client. It connects on first use.
func (s *Service) InitEsploraBlockchain(opts EsploraOptions) (string, error) {
	client, err := backend.NewEsploraClient(backend.EsploraConfig{
		URL:         opts.URL,
		Proxy:       opts.Proxy,
		Concurrency: opts.Concurrency,
		StopGap:     opts.StopGap,
		Timeout:     timeoutSeconds(opts.Timeout),
	})
	if err != nil {
		return "", backend.Classify(err)
	}
	id := s.blockchains.Create(client)
	s.log.Info("Blockchain created", "id", id, "kind", client.Kind(), "url", client.URL())
	return id, nil
}

// AddBlockchain stores a client built outside the service, such as a
// regtest backend wired by an embedding program.
func (s *Service) AddBlockchain(bc backend.Blockchain) string {
	id := s.blockchains.Create(bc)
	s.log.Info("Blockchain added", "id", id, "kind", bc.Kind())
	return id
}

// GetBlockchainHeight returns the chain tip height.
func (s *Service) GetBlockchainHeight(ctx context.Context, id string) (uint32, error) {
	bc, err := s.blockchain(id)
	if err != nil {
		return 0, err
	}
	if err := connect(ctx, bc); err != nil {
		return 0, backend.Classify(err)
	}
	height, err := bc.Height(ctx)
	if err != nil {
		return 0, backend.Classify(err)
	}
	return height, nil
}

// GetBlockchainHash returns the hash of the block at height.
func (s *Service) GetBlockchainHash(ctx context.Context, id string, height uint32) (string, error) {
	bc, err := s.blockchain(id)
	if err != nil {
		return "", err
	}
	if err := connect(ctx, bc); err != nil {
		return "", backend.Classify(err)
	}
	hash, err := bc.BlockHash(ctx, height)
	if err != nil {
		return "", backend.Classify(err)
	}
	return hash.String(), nil
}

// Broadcast extracts the final transaction from a signed PSBT and submits
// it. Once dispatched it runs to completion even if ctx is cancelled.
func (s *Service) Broadcast(ctx context.Context, id, signedPsbtBase64 string) (string, error) {
	bc, err := s.blockchain(id)
	if err != nil {
		return "", err
	}

	p, err := decodePSBT(signedPsbtBase64)
	if err != nil {
		return "", err
	}
	tx, err := psbt.Extract(p)
	if err != nil {
		return "", failure.Wrap(failure.ValidationError, err, "psbt is not finalized")
	}

	var txid string
	err = detach(ctx, func(ctx context.Context) error {
		if err := connect(ctx, bc); err != nil {
			return err
		}
		hash, err := bc.Broadcast(ctx, tx)
		if err != nil {
			return err
		}
		txid = hash.String()
		return nil
	})
	if err != nil {
		s.log.Warn("Broadcast failed", "blockchain", id, "txid", tx.TxHash(), "error", err)
		return "", backend.Classify(err)
	}

	s.log.Info("Transaction broadcast", "blockchain", id, "txid", txid)
	return txid, nil
}

// decodePSBT parses a base64 PSBT.
func decodePSBT(b64 string) (*psbt.Packet, error) {
	p, err := psbt.NewFromRawBytes(strings.NewReader(strings.TrimSpace(b64)), true)
	if err != nil {
		return nil, failure.Wrap(failure.ValidationError, err, "invalid psbt")
	}
	return p, nil
}

// MemoryDBInit makes later wallets use a fresh in-memory database.
func (s *Service) MemoryDBInit() (bool, error) {
	s.setDBConfig(storage.MemoryConfig())
	return true, nil
}

// KeyValueDBInit makes later wallets use the embedded key-value store at
// path, namespaced by treeName.
func (s *Service) KeyValueDBInit(path, treeName string) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, failure.New(failure.ValidationError, "key-value database requires a path")
	}
	s.setDBConfig(storage.Config{Kind: storage.KindKV, Path: path, TreeName: treeName})
	return true, nil
}

// SqliteDBInit makes later wallets use the SQLite file at path.
func (s *Service) SqliteDBInit(path string) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, failure.New(failure.ValidationError, "sqlite database requires a path")
	}
	s.setDBConfig(storage.Config{Kind: storage.KindSQLite, Path: path})
	return true, nil
}

func (s *Service) setDBConfig(cfg storage.Config) {
	s.dbMu.Lock()
	s.dbConfig = cfg
	s.dbMu.Unlock()
	s.log.Debug("Database configuration set", "kind", cfg.Kind, "path", cfg.Path)
}

func (s *Service) currentDBConfig() storage.Config {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	return s.dbConfig
}
