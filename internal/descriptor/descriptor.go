// Package descriptor implements the single-key output descriptors a wallet
// is built from: pkh, wpkh, sh(wpkh) and key-path-only tr.
package descriptor

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/walletbridge/internal/chain"
	"github.com/klingon-exchange/walletbridge/internal/failure"
	"github.com/klingon-exchange/walletbridge/internal/keys"
)

// Type is the script template of a descriptor.
type Type string

const (
	TypePkh    Type = "pkh"
	TypeWpkh   Type = "wpkh"
	TypeShWpkh Type = "sh-wpkh"
	TypeTr     Type = "tr"
)

// AddressType maps the descriptor type to the chain address type.
func (t Type) AddressType() chain.AddressType {
	switch t {
	case TypePkh:
		return chain.AddressP2PKH
	case TypeShWpkh:
		return chain.AddressP2SH_P2WPKH
	case TypeTr:
		return chain.AddressP2TR
	default:
		return chain.AddressP2WPKH
	}
}

func (t Type) wrap(key string) string {
	switch t {
	case TypePkh:
		return "pkh(" + key + ")"
	case TypeShWpkh:
		return "sh(wpkh(" + key + "))"
	case TypeTr:
		return "tr(" + key + ")"
	default:
		return "wpkh(" + key + ")"
	}
}

// Descriptor is a parsed output descriptor bound to a network.
type Descriptor struct {
	typ     Type
	key     keys.Key
	network chain.Network
}

// KeyInfo is the key material behind one derived script.
type KeyInfo struct {
	PubKey *btcec.PublicKey
	Origin *keys.Origin
}

var wrappers = []struct {
	prefix string
	suffix string
	typ    Type
}{
	{"sh(wpkh(", "))", TypeShWpkh},
	{"wpkh(", ")", TypeWpkh},
	{"pkh(", ")", TypePkh},
	{"tr(", ")", TypeTr},
}

// Parse parses a descriptor string for network. A trailing #checksum is
// verified when present.
func Parse(s string, network chain.Network) (*Descriptor, error) {
	body, err := splitChecksum(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}

	for _, w := range wrappers {
		if !strings.HasPrefix(body, w.prefix) || !strings.HasSuffix(body, w.suffix) {
			continue
		}
		inner := body[len(w.prefix) : len(body)-len(w.suffix)]
		if strings.ContainsAny(inner, "(),") {
			return nil, failure.New(failure.ValidationError, "unsupported descriptor %q", body)
		}
		key, err := keys.ParseKey(inner, network)
		if err != nil {
			return nil, err
		}
		return New(w.typ, key, network)
	}
	return nil, failure.New(failure.ValidationError, "unsupported descriptor %q", body)
}

// New builds a descriptor from a parsed key.
func New(typ Type, key keys.Key, network chain.Network) (*Descriptor, error) {
	if !key.IsForNet(network.Params()) {
		return nil, failure.New(failure.ValidationError, "descriptor key is not valid for network %s", network)
	}
	return &Descriptor{typ: typ, key: key, network: network}, nil
}

// Type returns the script template.
func (d *Descriptor) Type() Type { return d.typ }

// Network returns the network the descriptor is bound to.
func (d *Descriptor) Network() chain.Network { return d.network }

// IsRange reports whether the descriptor derives a script per index.
func (d *Descriptor) IsRange() bool { return d.key.IsRange() }

// HasSecret reports whether the descriptor carries private keys.
func (d *Descriptor) HasSecret() bool {
	_, ok := d.key.(*keys.DescriptorSecretKey)
	return ok
}

// KeyAt returns the public key and origin used at index.
func (d *Descriptor) KeyAt(index uint32) (*KeyInfo, error) {
	pub, origin, err := d.key.PublicKeyAt(index)
	if err != nil {
		return nil, err
	}
	return &KeyInfo{PubKey: pub, Origin: origin}, nil
}

// PrivKeyAt returns the private key used at index.
func (d *Descriptor) PrivKeyAt(index uint32) (*btcec.PrivateKey, error) {
	sec, ok := d.key.(*keys.DescriptorSecretKey)
	if !ok {
		return nil, failure.New(failure.SigningFailure, "descriptor has no private key")
	}
	return sec.PrivateKeyAt(index)
}

// AddressAt returns the address at index.
func (d *Descriptor) AddressAt(index uint32) (btcutil.Address, error) {
	pub, _, err := d.key.PublicKeyAt(index)
	if err != nil {
		return nil, err
	}
	return d.address(pub)
}

// ScriptAt returns the output script at index.
func (d *Descriptor) ScriptAt(index uint32) ([]byte, error) {
	addr, err := d.AddressAt(index)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// RedeemScriptAt returns the P2SH redeem script for sh(wpkh) descriptors,
// or nil for every other type.
func (d *Descriptor) RedeemScriptAt(index uint32) ([]byte, error) {
	if d.typ != TypeShWpkh {
		return nil, nil
	}
	pub, _, err := d.key.PublicKeyAt(index)
	if err != nil {
		return nil, err
	}
	return witnessProgram(pub, d.network)
}

func witnessProgram(pub *btcec.PublicKey, network chain.Network) ([]byte, error) {
	wpkh, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), network.Params())
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(wpkh)
}

func (d *Descriptor) address(pub *btcec.PublicKey) (btcutil.Address, error) {
	params := d.network.Params()
	pkHash := btcutil.Hash160(pub.SerializeCompressed())

	switch d.typ {
	case TypePkh:
		return btcutil.NewAddressPubKeyHash(pkHash, params)
	case TypeWpkh:
		return btcutil.NewAddressWitnessPubKeyHash(pkHash, params)
	case TypeShWpkh:
		redeem, err := witnessProgram(pub, d.network)
		if err != nil {
			return nil, err
		}
		return btcutil.NewAddressScriptHash(redeem, params)
	case TypeTr:
		outputKey := txscript.ComputeTaprootKeyNoScript(pub)
		return btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params)
	default:
		return nil, fmt.Errorf("unknown descriptor type %s", d.typ)
	}
}

func (d *Descriptor) publicKey() (keys.Key, error) {
	sec, ok := d.key.(*keys.DescriptorSecretKey)
	if !ok {
		return d.key, nil
	}
	return sec.AsPublic()
}

// String returns the public descriptor with its checksum.
func (d *Descriptor) String() string {
	pub, err := d.publicKey()
	if err != nil {
		return ""
	}
	s, _ := AddChecksum(d.typ.wrap(pub.String()))
	return s
}

// StringPrivate returns the descriptor including private keys when it has
// them, otherwise the same as String.
func (d *Descriptor) StringPrivate() string {
	s, _ := AddChecksum(d.typ.wrap(d.key.String()))
	return s
}

// ZeroSecrets clears any private key material held by the descriptor.
func (d *Descriptor) ZeroSecrets() {
	if sec, ok := d.key.(*keys.DescriptorSecretKey); ok {
		sec.Zero()
	}
}
