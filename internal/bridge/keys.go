package bridge

import (
	"github.com/klingon-exchange/walletbridge/internal/chain"
	"github.com/klingon-exchange/walletbridge/internal/keys"
)

// GenerateSeedFromWordCount returns a fresh mnemonic. Counts other than
// 12, 15, 18, 21 and 24 give 12 words.
func (s *Service) GenerateSeedFromWordCount(words int) (string, error) {
	return keys.GenerateMnemonic(words)
}

// GenerateSeedFromString validates a mnemonic and returns it normalised.
func (s *Service) GenerateSeedFromString(mnemonic string) (string, error) {
	return keys.ParseMnemonic(mnemonic)
}

// GenerateSeedFromEntropy encodes length random bytes as a mnemonic.
func (s *Service) GenerateSeedFromEntropy(length int) (string, error) {
	entropy, err := keys.RandomEntropy(length)
	if err != nil {
		return "", err
	}
	return keys.MnemonicFromEntropy(entropy)
}

// CreateDerivationPath validates a derivation path.
func (s *Service) CreateDerivationPath(path string) (bool, error) {
	if _, err := keys.ParseDerivationPath(path); err != nil {
		return false, err
	}
	return true, nil
}

// CreateDescriptorSecret stores the master key of a mnemonic.
func (s *Service) CreateDescriptorSecret(network, mnemonic, password string) (string, error) {
	key, err := keys.NewDescriptorSecretKey(chain.Parse(network), mnemonic, password)
	if err != nil {
		return "", err
	}
	return s.secrets.Create(key), nil
}

// DescriptorSecretDerive stores the key derived from id along path.
func (s *Service) DescriptorSecretDerive(id, path string) (string, error) {
	key, err := s.secrets.Get(id)
	if err != nil {
		return "", err
	}
	p, err := keys.ParseDerivationPath(path)
	if err != nil {
		return "", err
	}
	derived, err := key.Derive(p)
	if err != nil {
		return "", err
	}
	return s.secrets.Create(derived), nil
}

// DescriptorSecretExtend stores id with path appended but not derived.
func (s *Service) DescriptorSecretExtend(id, path string) (string, error) {
	key, err := s.secrets.Get(id)
	if err != nil {
		return "", err
	}
	p, err := keys.ParseDerivationPath(path)
	if err != nil {
		return "", err
	}
	return s.secrets.Create(key.Extend(p)), nil
}

// DescriptorSecretAsString renders a secret key as a descriptor key
// expression.
func (s *Service) DescriptorSecretAsString(id string) (string, error) {
	key, err := s.secrets.Get(id)
	if err != nil {
		return "", err
	}
	return key.String(), nil
}

// DescriptorSecretAsPublic stores the public half of a secret key.
func (s *Service) DescriptorSecretAsPublic(id string) (string, error) {
	key, err := s.secrets.Get(id)
	if err != nil {
		return "", err
	}
	pub, err := key.AsPublic()
	if err != nil {
		return "", err
	}
	return s.publics.Create(pub), nil
}

// DescriptorSecretAsSecretBytes returns the raw private key as a list of
// byte values.
func (s *Service) DescriptorSecretAsSecretBytes(id string) ([]int, error) {
	key, err := s.secrets.Get(id)
	if err != nil {
		return nil, err
	}
	raw, err := key.SecretBytes()
	if err != nil {
		return nil, err
	}
	out := make([]int, len(raw))
	for i, b := range raw {
		out[i] = int(b)
	}
	return out, nil
}

// CreateDescriptorPublic stores a parsed public key expression.
func (s *Service) CreateDescriptorPublic(key string) (string, error) {
	pub, err := keys.ParseDescriptorPublicKey(key)
	if err != nil {
		return "", err
	}
	return s.publics.Create(pub), nil
}

// DescriptorPublicDerive stores the key derived from id along path.
func (s *Service) DescriptorPublicDerive(id, path string) (string, error) {
	key, err := s.publics.Get(id)
	if err != nil {
		return "", err
	}
	p, err := keys.ParseDerivationPath(path)
	if err != nil {
		return "", err
	}
	derived, err := key.Derive(p)
	if err != nil {
		return "", err
	}
	return s.publics.Create(derived), nil
}

// DescriptorPublicExtend stores id with path appended but not derived.
func (s *Service) DescriptorPublicExtend(id, path string) (string, error) {
	key, err := s.publics.Get(id)
	if err != nil {
		return "", err
	}
	p, err := keys.ParseDerivationPath(path)
	if err != nil {
		return "", err
	}
	extended, err := key.Extend(p)
	if err != nil {
		return "", err
	}
	return s.publics.Create(extended), nil
}

func (s *Service) DescriptorPublicAsString(id string) (string, error) {
	key, err := s.publics.Get(id)
	if err != nil {
		return "", err
	}
	return key.String(), nil
}
