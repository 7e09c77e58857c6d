package descriptor

import (
	"strings"

	"github.com/klingon-exchange/walletbridge/internal/chain"
	"github.com/klingon-exchange/walletbridge/internal/keys"
)

// Template identifies one of the standard single-key wallet layouts.
type Template uint32

const (
	BIP44 Template = 44
	BIP49 Template = 49
	BIP84 Template = 84
	BIP86 Template = 86
)

func (t Template) typ() Type {
	switch t {
	case BIP44:
		return TypePkh
	case BIP49:
		return TypeShWpkh
	case BIP86:
		return TypeTr
	default:
		return TypeWpkh
	}
}

func accountPath(t Template, network chain.Network) keys.DerivationPath {
	return keys.DerivationPath(chain.MustGet(network).AccountPath(uint32(t), 0))
}

// NewFromTemplate expands t over a master secret key:
// m/purpose'/coin'/0'/keychain/*.
func NewFromTemplate(t Template, secret *keys.DescriptorSecretKey, keychain keys.Keychain, network chain.Network) (*Descriptor, error) {
	account, err := secret.Root().Derive(accountPath(t, network))
	if err != nil {
		return nil, err
	}
	return New(t.typ(), account.Extend(keys.DerivationPath{uint32(keychain)}), network)
}

// NewFromTemplatePublic expands t over an account-level public key whose
// master fingerprint is given: [fingerprint/purpose'/coin'/0']key/keychain/*.
func NewFromTemplatePublic(t Template, public *keys.DescriptorPublicKey, fingerprint string, keychain keys.Keychain, network chain.Network) (*Descriptor, error) {
	fp, err := keys.ParseFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}
	origin := &keys.Origin{Fingerprint: fp, Path: accountPath(t, network)}
	key, err := public.WithOrigin(origin, keys.DerivationPath{uint32(keychain)})
	if err != nil {
		return nil, err
	}
	return New(t.typ(), key, network)
}

// ChangeDescriptor derives the change descriptor from a receive descriptor by
// replacing its last /0/* segment with /1/*. Descriptors without that segment
// are returned unchanged; callers should not rely on the result for them.
func ChangeDescriptor(receive string) string {
	body, sum, hasSum := strings.Cut(receive, "#")
	i := strings.LastIndex(body, "/0/*")
	if i < 0 {
		return receive
	}
	change := body[:i] + "/1/*" + body[i+len("/0/*"):]
	if !hasSum || sum == "" {
		return change
	}
	if withSum, err := AddChecksum(change); err == nil {
		return withSum
	}
	return change
}
