// Package chain defines the Bitcoin networks a wallet or descriptor can be bound to,
// together with the parameters needed for address encoding and BIP44-style paths.
// All values are hardcoded here; no external configuration is needed.
package chain

import (
	"sort"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network is the tag a caller passes across the boundary.
type Network string

const (
	Bitcoin Network = "bitcoin"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

// DefaultNetwork is used whenever a caller supplies an unknown tag.
const DefaultNetwork = Testnet

// AddressType represents the script family a descriptor produces.
type AddressType string

const (
	AddressP2PKH       AddressType = "p2pkh"       // pkh(...)
	AddressP2SH_P2WPKH AddressType = "p2sh-p2wpkh" // sh(wpkh(...))
	AddressP2WPKH      AddressType = "p2wpkh"      // wpkh(...)
	AddressP2TR        AddressType = "p2tr"        // tr(...)

	// Address-only types; no supported descriptor produces them.
	AddressP2SH  AddressType = "p2sh"
	AddressP2WSH AddressType = "p2wsh"
)

// Purpose returns the BIP43 purpose used by the standard template for the type.
func (a AddressType) Purpose() uint32 {
	switch a {
	case AddressP2PKH:
		return 44
	case AddressP2SH_P2WPKH:
		return 49
	case AddressP2TR:
		return 86
	default:
		return 84
	}
}

// Params contains everything network-specific.
type Params struct {
	Network Network
	Name    string

	// CoinType is the BIP44 coin type: 0 on mainnet, 1 on every test network.
	CoinType uint32

	// Net is the btcd parameter set used for address and key encoding.
	Net *chaincfg.Params
}

// DerivationPath returns m/purpose'/coin'/account'/change/index as child numbers.
func (p *Params) DerivationPath(purpose, account, change, index uint32) []uint32 {
	return []uint32{
		purpose + 0x80000000,
		p.CoinType + 0x80000000,
		account + 0x80000000,
		change,
		index,
	}
}

// AccountPath returns m/purpose'/coin'/account' as child numbers.
func (p *Params) AccountPath(purpose, account uint32) []uint32 {
	return p.DerivationPath(purpose, account, 0, 0)[:3]
}

var registry = make(map[Network]*Params)

// Register adds network params to the registry.
func Register(params *Params) {
	registry[params.Network] = params
}

// Get returns params for a network.
func Get(network Network) (*Params, bool) {
	p, ok := registry[network]
	return p, ok
}

// MustGet returns params for a network, falling back to the default network.
func MustGet(network Network) *Params {
	if p, ok := registry[network]; ok {
		return p
	}
	return registry[DefaultNetwork]
}

// List returns all registered networks in a stable order.
func List() []Network {
	nets := make([]Network, 0, len(registry))
	for n := range registry {
		nets = append(nets, n)
	}
	sort.Slice(nets, func(i, j int) bool { return nets[i] < nets[j] })
	return nets
}

// Lookup parses a network tag strictly.
func Lookup(s string) (Network, bool) {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	_, ok := registry[n]
	return n, ok
}

// Parse parses a network tag leniently: unknown or empty tags yield the
// default network.
func Parse(s string) Network {
	if n, ok := Lookup(s); ok {
		return n
	}
	return DefaultNetwork
}

// FromParams maps btcd parameters back to a network tag.
func FromParams(net *chaincfg.Params) (Network, bool) {
	for n, p := range registry {
		if p.Net.Net == net.Net && p.Net.Name == net.Name {
			return n, true
		}
	}
	return "", false
}

// String implements fmt.Stringer.
func (n Network) String() string {
	return string(n)
}

// Params returns the btcd parameters for the network.
func (n Network) Params() *chaincfg.Params {
	return MustGet(n).Net
}

// IsMainnet reports whether n is the bitcoin main network.
func (n Network) IsMainnet() bool {
	return n == Bitcoin
}
