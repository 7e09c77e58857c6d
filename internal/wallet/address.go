package wallet

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/walletbridge/internal/chain"
	"github.com/klingon-exchange/walletbridge/internal/failure"
)

// Address is a decoded Bitcoin address together with the network it was
// validated against.
type Address struct {
	addr    btcutil.Address
	network chain.Network
}

// addressNetworks is the order networks are tried in when no network is
// given. Testnet and signet share encodings, so testnet wins.
var addressNetworks = []chain.Network{chain.Bitcoin, chain.Testnet, chain.Regtest, chain.Signet}

// ParseAddress decodes address. With an empty network tag every known
// network is tried; otherwise the address must belong to that network.
func ParseAddress(address string, network string) (*Address, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, failure.New(failure.ValidationError, "empty address")
	}

	candidates := addressNetworks
	if network != "" {
		candidates = []chain.Network{chain.Parse(network)}
	}

	var lastErr error
	for _, n := range candidates {
		params := n.Params()
		decoded, err := btcutil.DecodeAddress(address, params)
		if err != nil {
			lastErr = err
			continue
		}
		if !decoded.IsForNet(params) {
			lastErr = fmt.Errorf("address is not for %s", n)
			continue
		}
		return &Address{addr: decoded, network: n}, nil
	}
	return nil, failure.Wrap(failure.ValidationError, lastErr, fmt.Sprintf("invalid address %q", address))
}

// String returns the encoded address.
func (a *Address) String() string {
	return a.addr.EncodeAddress()
}

// Network returns the network the address was decoded for.
func (a *Address) Network() chain.Network {
	return a.network
}

// ScriptPubKey returns the output script paying the address.
func (a *Address) ScriptPubKey() ([]byte, error) {
	return txscript.PayToAddrScript(a.addr)
}

// Type returns the address type.
func (a *Address) Type() chain.AddressType {
	switch a.addr.(type) {
	case *btcutil.AddressPubKeyHash:
		return chain.AddressP2PKH
	case *btcutil.AddressScriptHash:
		return chain.AddressP2SH
	case *btcutil.AddressWitnessPubKeyHash:
		return chain.AddressP2WPKH
	case *btcutil.AddressWitnessScriptHash:
		return chain.AddressP2WSH
	case *btcutil.AddressTaproot:
		return chain.AddressP2TR
	default:
		return "unknown"
	}
}

// ScriptAddress renders script as an address on network, or returns an
// empty string for scripts without one (OP_RETURN, bare multisig).
func ScriptAddress(script []byte, network chain.Network) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, network.Params())
	if err != nil || len(addrs) != 1 {
		return ""
	}
	return addrs[0].EncodeAddress()
}
