package chain

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllNetworksRegistered(t *testing.T) {
	for _, n := range []Network{Bitcoin, Testnet, Signet, Regtest} {
		_, ok := Get(n)
		assert.True(t, ok, "expected %s to be registered", n)
	}
	assert.Len(t, List(), 4)
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Network
	}{
		{"bitcoin", Bitcoin},
		{"testnet", Testnet},
		{"signet", Signet},
		{"regtest", Regtest},
		{"REGTEST", Regtest},
		{" signet ", Signet},
		{"", Testnet},
		{"mainnet", Testnet},
		{"litecoin", Testnet},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Parse(tt.in), "Parse(%q)", tt.in)
	}
}

func TestLookupStrict(t *testing.T) {
	_, ok := Lookup("mainnet")
	assert.False(t, ok)

	n, ok := Lookup("bitcoin")
	assert.True(t, ok)
	assert.Equal(t, Bitcoin, n)
}

func TestBitcoinParams(t *testing.T) {
	params, ok := Get(Bitcoin)
	require.True(t, ok)
	assert.Equal(t, uint32(0), params.CoinType)
	assert.Equal(t, "bc", params.Net.Bech32HRPSegwit)
	assert.True(t, Bitcoin.IsMainnet())
	assert.False(t, Testnet.IsMainnet())
}

func TestTestNetworksUseCoinTypeOne(t *testing.T) {
	for _, n := range []Network{Testnet, Signet, Regtest} {
		assert.Equal(t, uint32(1), MustGet(n).CoinType, n.String())
	}
	assert.Equal(t, "bcrt", Regtest.Params().Bech32HRPSegwit)
}

func TestDerivationPath(t *testing.T) {
	p := MustGet(Testnet)

	want := []uint32{84 + 0x80000000, 1 + 0x80000000, 0x80000000, 1, 5}
	assert.Equal(t, want, p.DerivationPath(84, 0, 1, 5))

	account := []uint32{86 + 0x80000000, 1 + 0x80000000, 2 + 0x80000000}
	assert.Equal(t, account, p.AccountPath(86, 2))
}

func TestAddressTypePurpose(t *testing.T) {
	tests := map[AddressType]uint32{
		AddressP2PKH:       44,
		AddressP2SH_P2WPKH: 49,
		AddressP2WPKH:      84,
		AddressP2TR:        86,
	}
	for typ, want := range tests {
		assert.Equal(t, want, typ.Purpose(), string(typ))
	}
}

func TestFromParams(t *testing.T) {
	n, ok := FromParams(&chaincfg.SigNetParams)
	assert.True(t, ok)
	assert.Equal(t, Signet, n)
}
