package bridge

import (
	"github.com/klingon-exchange/walletbridge/internal/chain"
	"github.com/klingon-exchange/walletbridge/internal/descriptor"
	"github.com/klingon-exchange/walletbridge/internal/keys"
)

// CreateDescriptor parses and stores a descriptor for network.
func (s *Service) CreateDescriptor(desc, network string) (string, error) {
	d, err := descriptor.Parse(desc, chain.Parse(network))
	if err != nil {
		return "", err
	}
	return s.descriptors.Create(d), nil
}

// DescriptorAsString renders a descriptor with public keys only.
func (s *Service) DescriptorAsString(id string) (string, error) {
	d, err := s.descriptors.Get(id)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

// DescriptorAsStringPrivate renders a descriptor with its secret keys.
func (s *Service) DescriptorAsStringPrivate(id string) (string, error) {
	d, err := s.descriptors.Get(id)
	if err != nil {
		return "", err
	}
	return d.StringPrivate(), nil
}

// NewTemplate stores the descriptor of template t over a stored secret key.
func (s *Service) NewTemplate(t descriptor.Template, secretID, keychain, network string) (string, error) {
	secret, err := s.secrets.Get(secretID)
	if err != nil {
		return "", err
	}
	d, err := descriptor.NewFromTemplate(t, secret, keys.ParseKeychain(keychain), chain.Parse(network))
	if err != nil {
		return "", err
	}
	return s.descriptors.Create(d), nil
}

// NewTemplatePublic stores the descriptor of template t over a stored
// account-level public key.
func (s *Service) NewTemplatePublic(t descriptor.Template, publicID, fingerprint, keychain, network string) (string, error) {
	public, err := s.publics.Get(publicID)
	if err != nil {
		return "", err
	}
	d, err := descriptor.NewFromTemplatePublic(t, public, fingerprint, keys.ParseKeychain(keychain), chain.Parse(network))
	if err != nil {
		return "", err
	}
	return s.descriptors.Create(d), nil
}

// CreateChangeDescriptor returns desc with its last /0/* replaced by /1/*.
func (s *Service) CreateChangeDescriptor(desc string) (string, error) {
	return descriptor.ChangeDescriptor(desc), nil
}
