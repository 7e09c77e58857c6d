package backend

import (
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/walletbridge/internal/failure"
)

const (
	genesisHeaderHex = "0100000000000000000000000000000000000000000000000000000000000000000000003ba3edfd7a7b12b27ac72c3e67768f617fc81bc3888a51323a9fb8aa4b1e5e4a29ab5f49ffff001d1dac2b7c"
	genesisHash      = "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"
	genesisTime      = 1231006505
)

// sampleTx returns a small valid transaction.
func sampleTx() *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{1}, Index: 3}, nil, nil))
	script := append([]byte{0x00, 0x14}, make([]byte, 20)...)
	tx.AddTxOut(wire.NewTxOut(1000, script))
	return tx
}

func TestScriptHash(t *testing.T) {
	// P2PKH script of 1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa, from the Electrum protocol docs.
	script := []byte{0x76, 0xa9, 0x14,
		0x62, 0xe9, 0x07, 0xb1, 0x5c, 0xbf, 0x27, 0xd5, 0x42, 0x53,
		0x99, 0xeb, 0xf6, 0xf0, 0xfb, 0x50, 0xeb, 0xb8, 0x8f, 0x18,
		0x88, 0xac}
	want := "8b01df4e368ea28f8dc0423bcf7a4923e3a12d307c875e47a0cfbf90b5c39161"
	assert.Equal(t, want, ScriptHash(script))
}

func TestParseBlockHeader(t *testing.T) {
	header, err := parseBlockHeader(genesisHeaderHex)
	require.NoError(t, err)
	assert.Equal(t, genesisHash, header.BlockHash().String())
	assert.Equal(t, int64(genesisTime), header.Timestamp.Unix())
	assert.Equal(t, uint32(0x1d00ffff), header.Bits)
}

func TestParseBlockHeaderErrors(t *testing.T) {
	tests := []struct {
		name string
		hex  string
	}{
		{"invalid hex", "zz"},
		{"too short", "0100"},
		{"too long", genesisHeaderHex + "00"},
	}
	for _, tt := range tests {
		_, err := parseBlockHeader(tt.hex)
		assert.ErrorIs(t, err, ErrInvalidResponse, tt.name)
	}
}

func TestEncodeDecodeTx(t *testing.T) {
	tx := sampleTx()
	rawHex, err := encodeTx(tx)
	require.NoError(t, err)
	back, err := decodeTx(rawHex)
	require.NoError(t, err)
	assert.Equal(t, tx.TxHash(), back.TxHash())

	_, err = decodeTx("00zz")
	assert.Error(t, err)
}

func TestHistoryItemConfirmed(t *testing.T) {
	assert.False(t, HistoryItem{Height: 0}.Confirmed())
	assert.False(t, HistoryItem{Height: -1}.Confirmed())
	assert.True(t, HistoryItem{Height: 10}.Confirmed())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want failure.Kind
	}{
		{"broadcast", &BroadcastError{Reason: "min relay fee not met"}, failure.BroadcastRejected},
		{"wrapped broadcast", fmt.Errorf("send: %w", &BroadcastError{Reason: "x"}), failure.BroadcastRejected},
		{"not connected", fmt.Errorf("%w: refused", ErrNotConnected), failure.NetworkUnavailable},
		{"rate limited", ErrRateLimited, failure.NetworkUnavailable},
		{"tx not found", fmt.Errorf("%w: abc", ErrTxNotFound), failure.NotFound},
		{"bad url", fmt.Errorf("%w: ftp://x", ErrUnsupportedURL), failure.ValidationError},
		{"already classified", failure.New(failure.SigningFailure, "x"), failure.SigningFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, failure.KindOf(Classify(tt.err)), tt.name)
	}

	assert.NoError(t, Classify(nil))

	var fe *failure.Error
	require.True(t, errors.As(Classify(&BroadcastError{Reason: "bad-txns-inputs-missingorspent"}), &fe))
	assert.Equal(t, "bad-txns-inputs-missingorspent", fe.Message, "backend reason is kept verbatim")
}
