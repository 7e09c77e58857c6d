package rpc

import (
	"context"
	"encoding/json"

	"github.com/klingon-exchange/walletbridge/internal/descriptor"
)

// Version of the daemon.
const Version = "0.1.0-dev"

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Daemon
	s.handlers["version"] = s.version

	// Mnemonics and paths
	s.handlers["generateSeedFromWordCount"] = s.generateSeedFromWordCount
	s.handlers["generateSeedFromString"] = s.generateSeedFromString
	s.handlers["generateSeedFromEntropy"] = s.generateSeedFromEntropy
	s.handlers["createDerivationPath"] = s.createDerivationPath

	// Secret keys
	s.handlers["createDescriptorSecret"] = s.createDescriptorSecret
	s.handlers["descriptorSecretDerive"] = s.descriptorSecretDerive
	s.handlers["descriptorSecretExtend"] = s.descriptorSecretExtend
	s.handlers["descriptorSecretAsString"] = s.descriptorSecretAsString
	s.handlers["descriptorSecretAsPublic"] = s.descriptorSecretAsPublic
	s.handlers["descriptorSecretAsSecretBytes"] = s.descriptorSecretAsSecretBytes

	// Public keys
	s.handlers["createDescriptorPublic"] = s.createDescriptorPublic
	s.handlers["descriptorPublicDerive"] = s.descriptorPublicDerive
	s.handlers["descriptorPublicExtend"] = s.descriptorPublicExtend
	s.handlers["descriptorPublicAsString"] = s.descriptorPublicAsString

	// Descriptors
	s.handlers["createDescriptor"] = s.createDescriptor
	s.handlers["descriptorAsString"] = s.descriptorAsString
	s.handlers["descriptorAsStringPrivate"] = s.descriptorAsStringPrivate
	s.handlers["createChangeDescriptor"] = s.createChangeDescriptor
	for _, t := range []struct {
		name     string
		template descriptor.Template
	}{
		{"newBip44", descriptor.BIP44},
		{"newBip49", descriptor.BIP49},
		{"newBip84", descriptor.BIP84},
		{"newBip86", descriptor.BIP86},
	} {
		s.handlers[t.name] = s.newTemplate(t.template)
		s.handlers[t.name+"Public"] = s.newTemplatePublic(t.template)
	}

	// Blockchains and databases
	s.handlers["initElectrumBlockchain"] = s.initElectrumBlockchain
	s.handlers["initEsploraBlockchain"] = s.initEsploraBlockchain
	s.handlers["getBlockchainHeight"] = s.getBlockchainHeight
	s.handlers["getBlockchainHash"] = s.getBlockchainHash
	s.handlers["broadcast"] = s.broadcast
	s.handlers["memoryDBInit"] = s.memoryDBInit
	s.handlers["keyValueDBInit"] = s.keyValueDBInit
	s.handlers["sqliteDBInit"] = s.sqliteDBInit

	// Wallets
	s.handlers["walletInit"] = s.walletInit
	s.handlers["walletInitWithDescriptors"] = s.walletInitWithDescriptors
	s.handlers["sync"] = s.sync
	s.handlers["getAddress"] = s.getAddress
	s.handlers["getBalance"] = s.getBalance
	s.handlers["getNetwork"] = s.getNetwork
	s.handlers["listUnspent"] = s.listUnspent
	s.handlers["listTransactions"] = s.listTransactions
	s.handlers["sign"] = s.sign

	// Addresses and scripts
	s.handlers["initAddress"] = s.initAddress
	s.handlers["addressToScriptPubkeyHex"] = s.addressToScriptPubkeyHex
	s.handlers["scriptToHex"] = s.scriptToHex

	// Transaction builders
	s.handlers["createTxBuilder"] = s.createTxBuilder
	s.handlers["addRecipient"] = s.addRecipient
	s.handlers["setRecipients"] = s.setRecipients
	s.handlers["addUtxo"] = s.addUtxo
	s.handlers["addUtxos"] = s.addUtxos
	s.handlers["addUnspendable"] = s.addUnspendable
	s.handlers["unspendable"] = s.unspendable
	s.handlers["manuallySelectedOnly"] = s.builderFlag(s.service.ManuallySelectedOnly)
	s.handlers["doNotSpendChange"] = s.builderFlag(s.service.DoNotSpendChange)
	s.handlers["onlySpendChange"] = s.builderFlag(s.service.OnlySpendChange)
	s.handlers["drainWallet"] = s.builderFlag(s.service.DrainWallet)
	s.handlers["enableRbf"] = s.builderFlag(s.service.EnableRbf)
	s.handlers["feeRate"] = s.feeRate
	s.handlers["feeAbsolute"] = s.feeAbsolute
	s.handlers["drainTo"] = s.drainTo
	s.handlers["enableRbfWithSequence"] = s.enableRbfWithSequence
	s.handlers["addData"] = s.addData
	s.handlers["finish"] = s.finish
}

// VersionResult is the response for version.
type VersionResult struct {
	Version   string         `json:"version"`
	WSClients int            `json:"wsClients"`
	Entities  map[string]int `json:"entities"`
}

func (s *Server) version(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return &VersionResult{
		Version:   Version,
		WSClients: s.wsHub.ClientCount(),
		Entities:  s.service.RegistrySizes(),
	}, nil
}

// ========================================
// Key handlers
// ========================================

func (s *Server) generateSeedFromWordCount(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var words int
	if err := decodeParams(params, 1, &words); err != nil {
		return nil, err
	}
	return s.service.GenerateSeedFromWordCount(words)
}

func (s *Server) generateSeedFromString(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var mnemonic string
	if err := decodeParams(params, 1, &mnemonic); err != nil {
		return nil, err
	}
	return s.service.GenerateSeedFromString(mnemonic)
}

func (s *Server) generateSeedFromEntropy(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var length int
	if err := decodeParams(params, 1, &length); err != nil {
		return nil, err
	}
	return s.service.GenerateSeedFromEntropy(length)
}

func (s *Server) createDerivationPath(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var path string
	if err := decodeParams(params, 1, &path); err != nil {
		return nil, err
	}
	return s.service.CreateDerivationPath(path)
}

func (s *Server) createDescriptorSecret(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var network, mnemonic, password string
	if err := decodeParams(params, 2, &network, &mnemonic, &password); err != nil {
		return nil, err
	}
	return s.service.CreateDescriptorSecret(network, mnemonic, password)
}

func (s *Server) descriptorSecretDerive(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id, path string
	if err := decodeParams(params, 2, &id, &path); err != nil {
		return nil, err
	}
	return s.service.DescriptorSecretDerive(id, path)
}

func (s *Server) descriptorSecretExtend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id, path string
	if err := decodeParams(params, 2, &id, &path); err != nil {
		return nil, err
	}
	return s.service.DescriptorSecretExtend(id, path)
}

func (s *Server) descriptorSecretAsString(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	if err := decodeParams(params, 1, &id); err != nil {
		return nil, err
	}
	return s.service.DescriptorSecretAsString(id)
}

func (s *Server) descriptorSecretAsPublic(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	if err := decodeParams(params, 1, &id); err != nil {
		return nil, err
	}
	return s.service.DescriptorSecretAsPublic(id)
}

func (s *Server) descriptorSecretAsSecretBytes(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	if err := decodeParams(params, 1, &id); err != nil {
		return nil, err
	}
	return s.service.DescriptorSecretAsSecretBytes(id)
}

func (s *Server) createDescriptorPublic(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var key string
	if err := decodeParams(params, 1, &key); err != nil {
		return nil, err
	}
	return s.service.CreateDescriptorPublic(key)
}

func (s *Server) descriptorPublicDerive(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id, path string
	if err := decodeParams(params, 2, &id, &path); err != nil {
		return nil, err
	}
	return s.service.DescriptorPublicDerive(id, path)
}

func (s *Server) descriptorPublicExtend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id, path string
	if err := decodeParams(params, 2, &id, &path); err != nil {
		return nil, err
	}
	return s.service.DescriptorPublicExtend(id, path)
}

func (s *Server) descriptorPublicAsString(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	if err := decodeParams(params, 1, &id); err != nil {
		return nil, err
	}
	return s.service.DescriptorPublicAsString(id)
}

// ========================================
// Descriptor handlers
// ========================================

func (s *Server) createDescriptor(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var desc, network string
	if err := decodeParams(params, 1, &desc, &network); err != nil {
		return nil, err
	}
	return s.service.CreateDescriptor(desc, network)
}

func (s *Server) descriptorAsString(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	if err := decodeParams(params, 1, &id); err != nil {
		return nil, err
	}
	return s.service.DescriptorAsString(id)
}

func (s *Server) descriptorAsStringPrivate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	if err := decodeParams(params, 1, &id); err != nil {
		return nil, err
	}
	return s.service.DescriptorAsStringPrivate(id)
}

func (s *Server) createChangeDescriptor(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var desc string
	if err := decodeParams(params, 1, &desc); err != nil {
		return nil, err
	}
	return s.service.CreateChangeDescriptor(desc)
}

// newTemplate builds the handler of newBipNN(secretId, keychain, network).
func (s *Server) newTemplate(t descriptor.Template) Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var secretID, keychain, network string
		if err := decodeParams(params, 1, &secretID, &keychain, &network); err != nil {
			return nil, err
		}
		return s.service.NewTemplate(t, secretID, keychain, network)
	}
}

// newTemplatePublic builds the handler of
// newBipNNPublic(publicId, fingerprint, keychain, network).
func (s *Server) newTemplatePublic(t descriptor.Template) Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var publicID, fingerprint, keychain, network string
		if err := decodeParams(params, 2, &publicID, &fingerprint, &keychain, &network); err != nil {
			return nil, err
		}
		return s.service.NewTemplatePublic(t, publicID, fingerprint, keychain, network)
	}
}
