package keys

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/klingon-exchange/walletbridge/internal/chain"
	"github.com/klingon-exchange/walletbridge/internal/failure"
)

// keyExpr is a split key expression: [origin]body/path/*.
type keyExpr struct {
	origin   *Origin
	body     string
	path     DerivationPath
	wildcard bool
}

func splitKeyExpr(s string) (*keyExpr, error) {
	s = strings.TrimSpace(s)
	expr := &keyExpr{}

	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, failure.New(failure.ValidationError, "unterminated key origin in %q", s)
		}
		origin, err := parseOrigin(s[1:end])
		if err != nil {
			return nil, err
		}
		expr.origin = origin
		s = s[end+1:]
	}

	parts := strings.Split(s, "/")
	expr.body = parts[0]
	if expr.body == "" {
		return nil, failure.New(failure.ValidationError, "missing key")
	}

	steps := parts[1:]
	if n := len(steps); n > 0 {
		switch steps[n-1] {
		case "*":
			expr.wildcard = true
			steps = steps[:n-1]
		case "*'", "*h", "*H":
			return nil, failure.New(failure.ValidationError, "hardened wildcards are not supported")
		}
	}
	if len(steps) > 0 {
		path, err := ParseDerivationPath(strings.Join(steps, "/"))
		if err != nil {
			return nil, err
		}
		expr.path = path
	}
	return expr, nil
}

func parseOrigin(s string) (*Origin, error) {
	fpHex, rest, _ := strings.Cut(s, "/")
	fp, err := hex.DecodeString(fpHex)
	if err != nil || len(fp) != 4 {
		return nil, failure.New(failure.ValidationError, "invalid key origin fingerprint %q", fpHex)
	}

	origin := &Origin{Path: DerivationPath{}}
	copy(origin.Fingerprint[:], fp)
	if rest != "" {
		path, err := ParseDerivationPath(rest)
		if err != nil {
			return nil, err
		}
		origin.Path = path
	}
	return origin, nil
}

// ParseKey parses a descriptor key expression, returning a
// *DescriptorSecretKey for extended private keys and a *DescriptorPublicKey
// otherwise.
func ParseKey(s string, network chain.Network) (Key, error) {
	expr, err := splitKeyExpr(s)
	if err != nil {
		return nil, err
	}

	if isHex(expr.body) {
		return parseSingle(expr)
	}

	xkey, err := hdkeychain.NewKeyFromString(expr.body)
	if err != nil {
		return nil, failure.Wrap(failure.ValidationError, err, "invalid extended key")
	}
	x := &extendedKey{
		origin:   expr.origin,
		key:      xkey,
		path:     expr.path,
		wildcard: expr.wildcard,
	}
	if xkey.IsPrivate() {
		return &DescriptorSecretKey{x: x, network: network}, nil
	}
	return &DescriptorPublicKey{x: x}, nil
}

// ParseDescriptorPublicKey parses a public key expression such as
// [c258d2e4/84'/1'/0']tpub.../0/*.
func ParseDescriptorPublicKey(s string) (*DescriptorPublicKey, error) {
	key, err := ParseKey(s, chain.DefaultNetwork)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*DescriptorPublicKey)
	if !ok {
		return nil, failure.New(failure.ValidationError, "expected a public key, got a private key")
	}
	return pub, nil
}

// ParseDescriptorSecretKey parses a private key expression for network.
func ParseDescriptorSecretKey(s string, network chain.Network) (*DescriptorSecretKey, error) {
	key, err := ParseKey(s, network)
	if err != nil {
		return nil, err
	}
	sec, ok := key.(*DescriptorSecretKey)
	if !ok {
		return nil, failure.New(failure.ValidationError, "expected a private key")
	}
	if !sec.IsForNet(network.Params()) {
		return nil, failure.New(failure.ValidationError, "key is not for network %s", network)
	}
	return sec, nil
}

func parseSingle(expr *keyExpr) (*DescriptorPublicKey, error) {
	if len(expr.path) > 0 || expr.wildcard {
		return nil, failure.New(failure.ValidationError, "single keys cannot have a derivation path")
	}

	raw, _ := hex.DecodeString(expr.body)
	switch len(raw) {
	case 33, 65:
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, failure.Wrap(failure.ValidationError, err, "invalid public key")
		}
		return &DescriptorPublicKey{single: pub, origin: expr.origin}, nil
	case 32:
		pub, err := schnorr.ParsePubKey(raw)
		if err != nil {
			return nil, failure.Wrap(failure.ValidationError, err, "invalid x-only public key")
		}
		return &DescriptorPublicKey{single: pub, xonly: true, origin: expr.origin}, nil
	default:
		return nil, failure.New(failure.ValidationError, "invalid public key length %d", len(raw))
	}
}

func isHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
