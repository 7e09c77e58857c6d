// Package bridge owns every entity created across the call boundary and
// implements the named operations the RPC layer dispatches to.
//
// Entities live in one registry per type and are addressed by opaque
// string ids. Wallet and blockchain lookups fall back to a default
// instance for unknown ids; every other lookup is strict.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klingon-exchange/walletbridge/internal/backend"
	"github.com/klingon-exchange/walletbridge/internal/chain"
	"github.com/klingon-exchange/walletbridge/internal/descriptor"
	"github.com/klingon-exchange/walletbridge/internal/keys"
	"github.com/klingon-exchange/walletbridge/internal/metrics"
	"github.com/klingon-exchange/walletbridge/internal/registry"
	"github.com/klingon-exchange/walletbridge/internal/storage"
	"github.com/klingon-exchange/walletbridge/internal/txbuilder"
	"github.com/klingon-exchange/walletbridge/internal/wallet"
	"github.com/klingon-exchange/walletbridge/pkg/logging"
)

// DefaultWalletDescriptor backs the wallet used for unknown wallet ids.
const DefaultWalletDescriptor = "wpkh([c258d2e4/84h/1h/0h]tpubDDYkZojQFQjht8Tm4jsS3iuEmKjTiEGjG6KnuFNKKJb5A6ZUCUZKdvLdSDWofKi4ToRCwb9poe1XdqfUnP4jaJjCB2Zwv11ZLgSbnZSNecE/0/*)"

// DefaultElectrumURL backs the blockchain used for unknown blockchain ids.
const DefaultElectrumURL = "ssl://electrum.blockstream.info:60002"

// Event topics published while syncing.
const (
	EventSyncProgress = "sync_progress"
	EventSyncComplete = "sync_complete"
)

// Config describes the default instances and the initial database
// configuration.
type Config struct {
	Network           chain.Network
	DefaultDescriptor string
	Electrum          backend.ElectrumConfig
	Database          storage.Config
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Network:           chain.Testnet,
		DefaultDescriptor: DefaultWalletDescriptor,
		Electrum: backend.ElectrumConfig{
			URL:     DefaultElectrumURL,
			Retry:   backend.DefaultElectrumRetry,
			StopGap: backend.DefaultStopGap,
		},
		Database: storage.MemoryConfig(),
	}
}

// EventSink receives events for subscribers outside the process.
type EventSink interface {
	Publish(topic string, data interface{})
}

// Service holds the registries and the default instances.
type Service struct {
	secrets     *registry.Registry[*keys.DescriptorSecretKey]
	publics     *registry.Registry[*keys.DescriptorPublicKey]
	descriptors *registry.Registry[*descriptor.Descriptor]
	blockchains *registry.Registry[backend.Blockchain]
	wallets     *registry.Registry[*wallet.Wallet]
	addresses   *registry.Registry[*wallet.Address]
	scripts     *registry.Registry[[]byte]
	builders    *registry.Registry[txbuilder.Builder]

	// dbMu guards dbConfig, the storage used by the next wallet init.
	dbMu     sync.Mutex
	dbConfig storage.Config

	events  EventSink
	metrics *metrics.Metrics
	log     *logging.Logger
}

// New creates a service with its default wallet and blockchain. Neither
// default touches the network until it is used.
func New(cfg Config) (*Service, error) {
	if cfg.DefaultDescriptor == "" {
		cfg.DefaultDescriptor = DefaultWalletDescriptor
	}
	if cfg.Electrum.URL == "" {
		cfg.Electrum = DefaultConfig().Electrum
	}
	if cfg.Network == "" {
		cfg.Network = chain.Testnet
	}

	d, err := descriptor.Parse(cfg.DefaultDescriptor, cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("invalid default descriptor: %w", err)
	}
	change, err := derivedChange(d)
	if err != nil {
		return nil, fmt.Errorf("invalid default change descriptor: %w", err)
	}
	defWallet, err := wallet.New(d, change, cfg.Network, storage.NewMemory())
	if err != nil {
		return nil, fmt.Errorf("failed to create default wallet: %w", err)
	}

	defChain, err := backend.NewElectrumClient(cfg.Electrum)
	if err != nil {
		return nil, fmt.Errorf("failed to create default blockchain: %w", err)
	}

	return &Service{
		secrets:     registry.New[*keys.DescriptorSecretKey]("descriptorSecret"),
		publics:     registry.New[*keys.DescriptorPublicKey]("descriptorPublic"),
		descriptors: registry.New[*descriptor.Descriptor]("descriptor"),
		blockchains: registry.NewWithDefault[backend.Blockchain]("blockchain", defChain),
		wallets:     registry.NewWithDefault[*wallet.Wallet]("wallet", defWallet),
		addresses:   registry.New[*wallet.Address]("address"),
		scripts:     registry.New[[]byte]("script"),
		builders:    registry.New[txbuilder.Builder]("txBuilder"),
		dbConfig:    cfg.Database,
		log:         logging.GetDefault().Component("bridge"),
	}, nil
}

// SetEvents sets where sync events are published.
func (s *Service) SetEvents(sink EventSink) {
	s.events = sink
}

// SetMetrics sets the collectors sync durations are recorded in.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Service) publish(topic string, data interface{}) {
	if s.events != nil {
		s.events.Publish(topic, data)
	}
}

// RegistrySizes returns the live entry count of every registry.
func (s *Service) RegistrySizes() map[string]int {
	return map[string]int{
		s.secrets.Name():     s.secrets.Len(),
		s.publics.Name():     s.publics.Len(),
		s.descriptors.Name(): s.descriptors.Len(),
		s.blockchains.Name(): s.blockchains.Len(),
		s.wallets.Name():     s.wallets.Len(),
		s.addresses.Name():   s.addresses.Len(),
		s.scripts.Name():     s.scripts.Len(),
		s.builders.Name():    s.builders.Len(),
	}
}

// Close closes every wallet database and blockchain connection, defaults
// included.
func (s *Service) Close() error {
	var errs []error
	s.wallets.Each(func(id string, w *wallet.Wallet) {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("wallet %s: %w", id, err))
		}
	})
	s.blockchains.Each(func(id string, bc backend.Blockchain) {
		if err := bc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("blockchain %s: %w", id, err))
		}
	})
	if w, ok := s.wallets.Default(); ok {
		errs = append(errs, w.Close())
	}
	if bc, ok := s.blockchains.Default(); ok {
		errs = append(errs, bc.Close())
	}
	return errors.Join(errs...)
}

// wallet resolves a wallet id, falling back to the default wallet.
func (s *Service) wallet(id string) (*wallet.Wallet, error) {
	res, err := s.wallets.Lookup(id)
	if err != nil {
		return nil, err
	}
	if res.UsesDefault {
		s.log.Debug("Unknown wallet id, using default wallet", "id", id)
	}
	return res.Value, nil
}

// blockchain resolves a blockchain id, falling back to the default client.
func (s *Service) blockchain(id string) (backend.Blockchain, error) {
	res, err := s.blockchains.Lookup(id)
	if err != nil {
		return nil, err
	}
	if res.UsesDefault {
		s.log.Debug("Unknown blockchain id, using default blockchain", "id", id)
	}
	return res.Value, nil
}

// connected is implemented by clients that track their connection state.
type connected interface {
	IsConnected() bool
}

// connect opens bc on first use.
func connect(ctx context.Context, bc backend.Blockchain) error {
	if c, ok := bc.(connected); ok && c.IsConnected() {
		return nil
	}
	return bc.Connect(ctx)
}

// detach runs fn on a context that is not cancelled with ctx, so an
// abandoned call still runs to completion.
func detach(ctx context.Context, fn func(context.Context) error) error {
	return fn(context.WithoutCancel(ctx))
}

// timeoutSeconds converts an optional timeout in seconds.
func timeoutSeconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
