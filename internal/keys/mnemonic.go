// Package keys provides BIP39 mnemonics, BIP32 derivation paths and the
// extended keys used inside output descriptors.
package keys

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/walletbridge/internal/failure"
)

// DefaultWordCount is used for unsupported word counts.
const DefaultWordCount = 12

// entropyBits maps a mnemonic length to its entropy size.
var entropyBits = map[int]int{
	12: 128,
	15: 160,
	18: 192,
	21: 224,
	24: 256,
}

// GenerateMnemonic generates a new mnemonic with the given number of words.
// Unsupported counts fall back to DefaultWordCount.
func GenerateMnemonic(words int) (string, error) {
	bits, ok := entropyBits[words]
	if !ok {
		bits = entropyBits[DefaultWordCount]
	}

	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ParseMnemonic validates a mnemonic and returns it with normalised spacing.
func ParseMnemonic(s string) (string, error) {
	mnemonic := strings.Join(strings.Fields(strings.ToLower(s)), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", failure.New(failure.ValidationError, "invalid mnemonic")
	}
	return mnemonic, nil
}

// MnemonicFromEntropy encodes 16, 20, 24, 28 or 32 bytes of entropy.
func MnemonicFromEntropy(entropy []byte) (string, error) {
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", failure.Wrap(failure.ValidationError, err,
			fmt.Sprintf("invalid entropy length %d", len(entropy)))
	}
	return mnemonic, nil
}

// RandomEntropy returns length random bytes.
func RandomEntropy(length int) ([]byte, error) {
	if length <= 0 {
		return nil, failure.New(failure.ValidationError, "invalid entropy length %d", length)
	}
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read entropy: %w", err)
	}
	return b, nil
}
