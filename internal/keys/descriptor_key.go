package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/walletbridge/internal/chain"
	"github.com/klingon-exchange/walletbridge/internal/failure"
	"github.com/klingon-exchange/walletbridge/pkg/helpers"
)

// Origin is the key source written in front of a descriptor key:
// the master key fingerprint and the path from the master.
type Origin struct {
	Fingerprint [4]byte
	Path        DerivationPath
}

func (o *Origin) String() string {
	if o == nil {
		return ""
	}
	if len(o.Path) == 0 {
		return fmt.Sprintf("[%x]", o.Fingerprint)
	}
	return fmt.Sprintf("[%x/%s]", o.Fingerprint, o.Path)
}

// Key is a key expression usable inside an output descriptor.
type Key interface {
	fmt.Stringer

	// PublicKeyAt returns the public key for a child index together with
	// its full origin. Fixed keys ignore the index.
	PublicKeyAt(index uint32) (*btcec.PublicKey, *Origin, error)

	// IsRange reports whether the key ends in a /* wildcard.
	IsRange() bool

	// IsForNet reports whether the key is encoded for the network.
	IsForNet(net *chaincfg.Params) bool
}

// extendedKey is the part shared by secret and public descriptor keys.
type extendedKey struct {
	origin   *Origin
	key      *hdkeychain.ExtendedKey
	path     DerivationPath
	wildcard bool
}

// Fingerprint returns the first four bytes of HASH160 of the key's public key.
func Fingerprint(k *hdkeychain.ExtendedKey) ([4]byte, error) {
	var fp [4]byte
	pub, err := k.ECPubKey()
	if err != nil {
		return fp, fmt.Errorf("failed to get public key: %w", err)
	}
	copy(fp[:], btcutil.Hash160(pub.SerializeCompressed())[:4])
	return fp, nil
}

func derivePath(k *hdkeychain.ExtendedKey, path DerivationPath) (*hdkeychain.ExtendedKey, error) {
	var err error
	for _, step := range path {
		k, err = k.Derive(step)
		if err != nil {
			if errors.Is(err, hdkeychain.ErrDeriveHardFromPublic) {
				return nil, failure.New(failure.ValidationError, "cannot derive hardened step from a public key")
			}
			return nil, fmt.Errorf("failed to derive step %d: %w", step, err)
		}
	}
	return k, nil
}

// origined returns the origin for a key reached from x.key via path.
func (x *extendedKey) origined(path DerivationPath) (*Origin, error) {
	if x.origin != nil {
		return &Origin{Fingerprint: x.origin.Fingerprint, Path: x.origin.Path.Extend(path)}, nil
	}
	fp, err := Fingerprint(x.key)
	if err != nil {
		return nil, err
	}
	return &Origin{Fingerprint: fp, Path: path.Extend(nil)}, nil
}

// childPath returns the path from x.key to the key at index.
func (x *extendedKey) childPath(index uint32) DerivationPath {
	if !x.wildcard {
		return x.path.Extend(nil)
	}
	return x.path.Extend(DerivationPath{index})
}

func (x *extendedKey) at(index uint32) (*hdkeychain.ExtendedKey, *Origin, error) {
	path := x.childPath(index)
	child, err := derivePath(x.key, path)
	if err != nil {
		return nil, nil, err
	}
	origin, err := x.origined(path)
	if err != nil {
		return nil, nil, err
	}
	return child, origin, nil
}

func (x *extendedKey) derive(path DerivationPath) (*extendedKey, error) {
	full := x.path.Extend(path)
	derived, err := derivePath(x.key, full)
	if err != nil {
		return nil, err
	}
	origin, err := x.origined(full)
	if err != nil {
		return nil, err
	}
	return &extendedKey{origin: origin, key: derived, wildcard: true}, nil
}

func (x *extendedKey) extend(path DerivationPath) *extendedKey {
	return &extendedKey{
		origin:   x.origin,
		key:      x.key,
		path:     x.path.Extend(path),
		wildcard: x.wildcard,
	}
}

func (x *extendedKey) string() string {
	var b strings.Builder
	b.WriteString(x.origin.String())
	b.WriteString(x.key.String())
	if len(x.path) > 0 {
		b.WriteString("/")
		b.WriteString(x.path.String())
	}
	if x.wildcard {
		b.WriteString("/*")
	}
	return b.String()
}

// DescriptorSecretKey is an extended private key with optional origin and path.
type DescriptorSecretKey struct {
	x       *extendedKey
	network chain.Network
}

// NewDescriptorSecretKey creates the master key for a mnemonic and optional password.
func NewDescriptorSecretKey(network chain.Network, mnemonic, password string) (*DescriptorSecretKey, error) {
	mnemonic, err := ParseMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}

	seed := bip39.NewSeed(mnemonic, password)
	defer helpers.Zero(seed)

	master, err := hdkeychain.NewMaster(seed, network.Params())
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &DescriptorSecretKey{
		x:       &extendedKey{key: master, wildcard: true},
		network: network,
	}, nil
}

// Network returns the network the key was created for.
func (k *DescriptorSecretKey) Network() chain.Network {
	return k.network
}

// Derive returns a key derived along path, recording the origin.
func (k *DescriptorSecretKey) Derive(path DerivationPath) (*DescriptorSecretKey, error) {
	x, err := k.x.derive(path)
	if err != nil {
		return nil, err
	}
	return &DescriptorSecretKey{x: x, network: k.network}, nil
}

// Extend appends path to the key's derivation path without deriving.
func (k *DescriptorSecretKey) Extend(path DerivationPath) *DescriptorSecretKey {
	return &DescriptorSecretKey{x: k.x.extend(path), network: k.network}
}

// AsPublic returns the matching public key.
func (k *DescriptorSecretKey) AsPublic() (*DescriptorPublicKey, error) {
	pub, err := k.x.key.Neuter()
	if err != nil {
		return nil, fmt.Errorf("failed to neuter key: %w", err)
	}
	return &DescriptorPublicKey{x: &extendedKey{
		origin:   k.x.origin,
		key:      pub,
		path:     k.x.path,
		wildcard: k.x.wildcard,
	}}, nil
}

// SecretBytes returns the 32-byte private key of the extended key itself.
func (k *DescriptorSecretKey) SecretBytes() ([]byte, error) {
	priv, err := k.x.key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return priv.Serialize(), nil
}

// PrivateKeyAt returns the private key for a child index.
func (k *DescriptorSecretKey) PrivateKeyAt(index uint32) (*btcec.PrivateKey, error) {
	child, _, err := k.x.at(index)
	if err != nil {
		return nil, err
	}
	return child.ECPrivKey()
}

// PublicKeyAt implements Key.
func (k *DescriptorSecretKey) PublicKeyAt(index uint32) (*btcec.PublicKey, *Origin, error) {
	child, origin, err := k.x.at(index)
	if err != nil {
		return nil, nil, err
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, nil, err
	}
	return pub, origin, nil
}

// IsRange implements Key.
func (k *DescriptorSecretKey) IsRange() bool {
	return k.x.wildcard
}

// IsForNet implements Key.
func (k *DescriptorSecretKey) IsForNet(net *chaincfg.Params) bool {
	return k.x.key.IsForNet(net)
}

// Origin returns the key origin, or nil for a master key.
func (k *DescriptorSecretKey) Origin() *Origin {
	return k.x.origin
}

// String renders the key as [fingerprint/path]tprv.../path/*.
func (k *DescriptorSecretKey) String() string {
	return k.x.string()
}

// Zero clears the private key material.
func (k *DescriptorSecretKey) Zero() {
	k.x.key.Zero()
}

// DescriptorPublicKey is an extended public key or a single public key.
type DescriptorPublicKey struct {
	x      *extendedKey
	single *btcec.PublicKey
	xonly  bool
	origin *Origin
}

// Derive returns a key derived along path. Hardened steps are rejected.
func (k *DescriptorPublicKey) Derive(path DerivationPath) (*DescriptorPublicKey, error) {
	if k.x == nil {
		return nil, failure.New(failure.ValidationError, "cannot derive from a single public key")
	}
	if path.HasHardened() {
		return nil, failure.New(failure.ValidationError, "cannot derive hardened step from a public key")
	}
	x, err := k.x.derive(path)
	if err != nil {
		return nil, err
	}
	return &DescriptorPublicKey{x: x}, nil
}

// Extend appends path to the key's derivation path without deriving.
func (k *DescriptorPublicKey) Extend(path DerivationPath) (*DescriptorPublicKey, error) {
	if k.x == nil {
		return nil, failure.New(failure.ValidationError, "cannot extend a single public key")
	}
	return &DescriptorPublicKey{x: k.x.extend(path)}, nil
}

// PublicKeyAt implements Key.
func (k *DescriptorPublicKey) PublicKeyAt(index uint32) (*btcec.PublicKey, *Origin, error) {
	if k.x == nil {
		return k.single, k.origin, nil
	}
	child, origin, err := k.x.at(index)
	if err != nil {
		return nil, nil, err
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, nil, err
	}
	return pub, origin, nil
}

// IsRange implements Key.
func (k *DescriptorPublicKey) IsRange() bool {
	return k.x != nil && k.x.wildcard
}

// IsForNet implements Key. Single keys are valid on every network.
func (k *DescriptorPublicKey) IsForNet(net *chaincfg.Params) bool {
	if k.x == nil {
		return true
	}
	return k.x.key.IsForNet(net)
}

// IsXOnly reports whether the key was written as a 32-byte x-only key.
func (k *DescriptorPublicKey) IsXOnly() bool {
	return k.xonly
}

// Origin returns the key origin, if any.
func (k *DescriptorPublicKey) Origin() *Origin {
	if k.x == nil {
		return k.origin
	}
	return k.x.origin
}

func (k *DescriptorPublicKey) String() string {
	if k.x != nil {
		return k.x.string()
	}
	if k.xonly {
		return k.origin.String() + hex.EncodeToString(schnorr.SerializePubKey(k.single))
	}
	return k.origin.String() + hex.EncodeToString(k.single.SerializeCompressed())
}

// Keychain selects the external (receive) or internal (change) branch.
type Keychain uint32

const (
	External Keychain = 0
	Internal Keychain = 1
)

// ParseKeychain parses "external" or "internal". Anything else is External.
func ParseKeychain(s string) Keychain {
	if strings.EqualFold(strings.TrimSpace(s), "internal") {
		return Internal
	}
	return External
}

func (k Keychain) String() string {
	if k == Internal {
		return "internal"
	}
	return "external"
}

// ParseFingerprint parses an 8-character hex master key fingerprint.
func ParseFingerprint(s string) ([4]byte, error) {
	var fp [4]byte
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != 4 {
		return fp, failure.New(failure.ValidationError, "invalid fingerprint %q", s)
	}
	copy(fp[:], raw)
	return fp, nil
}

// Root returns the bare extended key, without origin or path.
func (k *DescriptorSecretKey) Root() *DescriptorSecretKey {
	return &DescriptorSecretKey{x: &extendedKey{key: k.x.key, wildcard: true}, network: k.network}
}

// WithOrigin returns the bare extended key re-rooted at origin, followed by
// path and a wildcard.
func (k *DescriptorPublicKey) WithOrigin(origin *Origin, path DerivationPath) (*DescriptorPublicKey, error) {
	if k.x == nil {
		return nil, failure.New(failure.ValidationError, "single public keys cannot be used in templates")
	}
	return &DescriptorPublicKey{x: &extendedKey{
		origin:   origin,
		key:      k.x.key,
		path:     path.Extend(nil),
		wildcard: true,
	}}, nil
}
