package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{0, 8, "0"},
		{100000000, 8, "1"},
		{150000000, 8, "1.5"},
		{1, 8, "0.00000001"},
		{2100000000000000, 8, "21000000"},
		{42, 0, "42"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatAmount(tt.amount, tt.decimals), "FormatAmount(%d, %d)", tt.amount, tt.decimals)
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    uint64
		wantErr bool
	}{
		{"whole", "1", 100000000, false},
		{"fraction", "0.5", 50000000, false},
		{"leading dot", ".00000001", 1, false},
		{"one sat", "0.00000001", 1, false},
		{"too precise", "0.000000001", 0, true},
		{"empty", "", 0, true},
		{"letters", "1btc", 0, true},
		{"negative", "-1", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BTCToSatoshis(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAmountRoundTrip(t *testing.T) {
	for _, sats := range []uint64{0, 1, 546, 99999, SatsPerBTC, 123456789} {
		back, err := BTCToSatoshis(SatoshisToBTC(sats))
		require.NoError(t, err)
		assert.Equal(t, sats, back)
	}
}

func TestReverseBytes(t *testing.T) {
	tests := []struct {
		in   []byte
		want []byte
	}{
		{[]byte{0x01, 0x02, 0x03, 0x04}, []byte{0x04, 0x03, 0x02, 0x01}},
		{[]byte{0xab}, []byte{0xab}},
		{[]byte{}, []byte{}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ReverseBytes(tt.in), "ReverseBytes(%x)", tt.in)
	}
}

func TestReverseBytesDoesNotAlias(t *testing.T) {
	in := []byte{1, 2, 3}
	out := ReverseBytes(in)
	out[0] = 9
	assert.Equal(t, byte(3), in[2])
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Zero(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}

func TestCloneBytes(t *testing.T) {
	assert.Nil(t, CloneBytes(nil))

	src := []byte{7, 8}
	dst := CloneBytes(src)
	dst[0] = 0
	assert.Equal(t, byte(7), src[0])
}
