package descriptor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/walletbridge/internal/chain"
	"github.com/klingon-exchange/walletbridge/internal/failure"
	"github.com/klingon-exchange/walletbridge/internal/keys"
)

const (
	testMnemonic   = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testDescriptor = "wpkh([c258d2e4/84h/1h/0h]tpubDDYkZojQFQjht8Tm4jsS3iuEmKjTiEGjG6KnuFNKKJb5A6ZUCUZKdvLdSDWofKi4ToRCwb9poe1XdqfUnP4jaJjCB2Zwv11ZLgSbnZSNecE/0/*)"
)

func masterKey(t *testing.T, network chain.Network) *keys.DescriptorSecretKey {
	t.Helper()
	key, err := keys.NewDescriptorSecretKey(network, testMnemonic, "")
	require.NoError(t, err)
	return key
}

func TestChecksum(t *testing.T) {
	sum, err := Checksum("raw(deadbeef)")
	require.NoError(t, err)
	assert.Equal(t, "89f8spxm", sum)

	_, err = Checksum("wpkh(é)")
	assert.Error(t, err)
}

func TestParseDefaultDescriptor(t *testing.T) {
	d, err := Parse(testDescriptor, chain.Testnet)
	require.NoError(t, err)
	assert.Equal(t, TypeWpkh, d.Type())
	assert.True(t, d.IsRange())
	assert.False(t, d.HasSecret())

	addr, err := d.AddressAt(0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr.EncodeAddress(), "tb1q"), addr.EncodeAddress())

	other, err := d.AddressAt(1)
	require.NoError(t, err)
	assert.NotEqual(t, addr.EncodeAddress(), other.EncodeAddress())

	s := d.String()
	assert.Contains(t, s, "#")
	again, err := Parse(s, chain.Testnet)
	require.NoError(t, err)
	assert.Equal(t, s, again.String())
	assert.Equal(t, s, d.StringPrivate())
}

func TestParseRejectsBadChecksum(t *testing.T) {
	d, err := Parse(testDescriptor, chain.Testnet)
	require.NoError(t, err)

	s := d.String()
	broken := s[:len(s)-1] + "q"
	if broken == s {
		broken = s[:len(s)-1] + "p"
	}
	_, err = Parse(broken, chain.Testnet)
	require.Error(t, err)
	assert.Equal(t, failure.ValidationError, failure.KindOf(err))
}

func TestParseRejectsWrongNetwork(t *testing.T) {
	_, err := Parse(testDescriptor, chain.Bitcoin)
	require.Error(t, err)
	assert.Equal(t, failure.ValidationError, failure.KindOf(err))

	_, err = Parse(testDescriptor, chain.Signet)
	assert.NoError(t, err)
}

func TestParseRejectsUnsupported(t *testing.T) {
	for _, in := range []string{
		"",
		"wsh(multi(1,tpubDDYkZojQFQjht8Tm4jsS3iuEmKjTiEGjG6KnuFNKKJb5A6ZUCUZKdvLdSDWofKi4ToRCwb9poe1XdqfUnP4jaJjCB2Zwv11ZLgSbnZSNecE))",
		"wpkh(notakey)",
		"pkh(",
	} {
		_, err := Parse(in, chain.Testnet)
		assert.Error(t, err, in)
	}
}

func TestTemplatesMatchKnownAddresses(t *testing.T) {
	tests := []struct {
		name     string
		template Template
		network  chain.Network
		keychain keys.Keychain
		index    uint32
		want     string
	}{
		{"bip44", BIP44, chain.Bitcoin, keys.External, 0, "1LqBGSKuX5yYUonjxT5qGfpUsXKYYWeabA"},
		{"bip49", BIP49, chain.Testnet, keys.External, 0, "2Mww8dCYPUpKHofjgcXcBCEGmniw9CoaiD2"},
		{"bip84", BIP84, chain.Bitcoin, keys.External, 0, "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"},
		{"bip84 second", BIP84, chain.Bitcoin, keys.External, 1, "bc1qnjg0jd8228aq7egyzacy8cys3knf9xvrerkf9g"},
		{"bip84 change", BIP84, chain.Bitcoin, keys.Internal, 0, "bc1q8c6fshw2dlwun7ekn9qwf37cu2rn755upcp6el"},
		{"bip86", BIP86, chain.Bitcoin, keys.External, 0, "bc1p5cyxnuxmeuwuvkwfem96lqzszd02n6xdcjrs20cac6yqjjwudpxqkedrcr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewFromTemplate(tt.template, masterKey(t, tt.network), tt.keychain, tt.network)
			require.NoError(t, err)
			assert.True(t, d.HasSecret())

			addr, err := d.AddressAt(tt.index)
			require.NoError(t, err)
			assert.Equal(t, tt.want, addr.EncodeAddress())

			priv, err := d.PrivKeyAt(tt.index)
			require.NoError(t, err)
			info, err := d.KeyAt(tt.index)
			require.NoError(t, err)
			assert.True(t, priv.PubKey().IsEqual(info.PubKey))
			assert.Len(t, info.Origin.Path, 5)
		})
	}
}

func TestPublicTemplateMatchesSecretTemplate(t *testing.T) {
	master := masterKey(t, chain.Testnet)
	secret, err := NewFromTemplate(BIP84, master, keys.External, chain.Testnet)
	require.NoError(t, err)

	path, _ := keys.ParseDerivationPath("m/84'/1'/0'")
	account, err := master.Derive(path)
	require.NoError(t, err)
	pub, err := account.AsPublic()
	require.NoError(t, err)

	public, err := NewFromTemplatePublic(BIP84, pub, "73c5da0a", keys.External, chain.Testnet)
	require.NoError(t, err)
	assert.False(t, public.HasSecret())
	assert.Equal(t, secret.String(), public.String())

	for i := uint32(0); i < 3; i++ {
		a, err := secret.AddressAt(i)
		require.NoError(t, err)
		b, err := public.AddressAt(i)
		require.NoError(t, err)
		assert.Equal(t, a.EncodeAddress(), b.EncodeAddress())
	}

	_, err = public.PrivKeyAt(0)
	assert.Equal(t, failure.SigningFailure, failure.KindOf(err))

	_, err = NewFromTemplatePublic(BIP84, pub, "xyz", keys.External, chain.Testnet)
	assert.Equal(t, failure.ValidationError, failure.KindOf(err))
}

func TestStringPrivate(t *testing.T) {
	d, err := NewFromTemplate(BIP86, masterKey(t, chain.Regtest), keys.Internal, chain.Regtest)
	require.NoError(t, err)

	assert.Contains(t, d.StringPrivate(), "tprv")
	assert.NotContains(t, d.String(), "tprv")
	assert.True(t, strings.HasPrefix(d.StringPrivate(), "tr([73c5da0a/86'/1'/0']tprv"), d.StringPrivate())

	again, err := Parse(d.StringPrivate(), chain.Regtest)
	require.NoError(t, err)
	assert.True(t, again.HasSecret())

	a, _ := d.ScriptAt(4)
	b, _ := again.ScriptAt(4)
	assert.Equal(t, a, b)
}

func TestRedeemScript(t *testing.T) {
	d, err := NewFromTemplate(BIP49, masterKey(t, chain.Testnet), keys.External, chain.Testnet)
	require.NoError(t, err)
	redeem, err := d.RedeemScriptAt(0)
	require.NoError(t, err)
	assert.Len(t, redeem, 22)

	w, err := NewFromTemplate(BIP84, masterKey(t, chain.Testnet), keys.External, chain.Testnet)
	require.NoError(t, err)
	redeem, err = w.RedeemScriptAt(0)
	require.NoError(t, err)
	assert.Nil(t, redeem)
}

func TestChangeDescriptor(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{
			"wpkh([c258d2e4/84h/1h/0h]tpubX/0/*)",
			"wpkh([c258d2e4/84h/1h/0h]tpubX/1/*)",
		},
		{
			"wpkh(tpubX/0/0/*)",
			"wpkh(tpubX/0/1/*)",
		},
		{
			"wpkh(tpubX/1/*)",
			"wpkh(tpubX/1/*)",
		},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ChangeDescriptor(tt.in), tt.in)
	}
}

func TestChangeDescriptorRecomputesChecksum(t *testing.T) {
	d, err := Parse(testDescriptor, chain.Testnet)
	require.NoError(t, err)

	change := ChangeDescriptor(d.String())
	c, err := Parse(change, chain.Testnet)
	require.NoError(t, err)
	assert.Contains(t, c.String(), "/1/*")
}
