package keys

import (
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/klingon-exchange/walletbridge/internal/failure"
)

// DerivationPath is a BIP32 path as child numbers. Hardened steps carry
// hdkeychain.HardenedKeyStart.
type DerivationPath []uint32

// ParseDerivationPath parses paths such as "m/84'/1'/0'/0". The "m/" prefix
// is optional and hardened steps may be marked with ', h or H.
func ParseDerivationPath(s string) (DerivationPath, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "m" || s == "":
		return DerivationPath{}, nil
	case strings.HasPrefix(s, "m/"):
		s = s[2:]
	}

	parts := strings.Split(s, "/")
	path := make(DerivationPath, 0, len(parts))
	for _, part := range parts {
		step, err := parseStep(part)
		if err != nil {
			return nil, err
		}
		path = append(path, step)
	}
	return path, nil
}

func parseStep(part string) (uint32, error) {
	hardened := false
	if n := len(part); n > 0 {
		switch part[n-1] {
		case '\'', 'h', 'H':
			hardened = true
			part = part[:n-1]
		}
	}

	v, err := strconv.ParseUint(part, 10, 32)
	if err != nil || v >= hdkeychain.HardenedKeyStart {
		return 0, failure.New(failure.ValidationError, "invalid derivation step %q", part)
	}

	step := uint32(v)
	if hardened {
		step += hdkeychain.HardenedKeyStart
	}
	return step, nil
}

// String renders the path without the "m/" prefix, using ' for hardened steps.
func (p DerivationPath) String() string {
	parts := make([]string, len(p))
	for i, step := range p {
		if step >= hdkeychain.HardenedKeyStart {
			parts[i] = strconv.FormatUint(uint64(step-hdkeychain.HardenedKeyStart), 10) + "'"
		} else {
			parts[i] = strconv.FormatUint(uint64(step), 10)
		}
	}
	return strings.Join(parts, "/")
}

// Extend returns p followed by next, without aliasing either.
func (p DerivationPath) Extend(next DerivationPath) DerivationPath {
	out := make(DerivationPath, 0, len(p)+len(next))
	out = append(out, p...)
	return append(out, next...)
}

// HasHardened reports whether any step is hardened.
func (p DerivationPath) HasHardened() bool {
	for _, step := range p {
		if step >= hdkeychain.HardenedKeyStart {
			return true
		}
	}
	return false
}
