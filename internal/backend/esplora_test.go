package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/walletbridge/internal/failure"
)

func newTestEsplora(t *testing.T, handler http.Handler) *EsploraClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewEsploraClient(EsploraConfig{URL: srv.URL + "/"})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewEsploraClient(t *testing.T) {
	c, err := NewEsploraClient(EsploraConfig{URL: "https://blockstream.info/testnet/api/"})
	require.NoError(t, err)
	assert.Equal(t, KindEsplora, c.Kind())
	assert.Equal(t, "https://blockstream.info/testnet/api", c.URL())
	assert.Equal(t, DefaultEsploraConcurrency, c.Concurrency())
	assert.Equal(t, DefaultStopGap, c.StopGap())

	c, err = NewEsploraClient(EsploraConfig{
		URL:         "https://mempool.space/api",
		Proxy:       "socks5://127.0.0.1:9050",
		Concurrency: 8,
		StopGap:     30,
	})
	require.NoError(t, err)
	assert.Equal(t, 8, c.Concurrency())
	assert.Equal(t, 30, c.StopGap())
}

func TestNewEsploraClientRejectsBadURLs(t *testing.T) {
	for _, cfg := range []EsploraConfig{
		{URL: ""},
		{URL: "ssl://electrum.blockstream.info:60002"},
		{URL: "https://blockstream.info/api", Proxy: "::"},
	} {
		_, err := NewEsploraClient(cfg)
		assert.ErrorIs(t, err, ErrUnsupportedURL, "%+v", cfg)
	}
}

func TestEsploraBlocks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "2500000\n")
	})
	mux.HandleFunc("/block-height/0", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, genesisHash)
	})
	mux.HandleFunc("/block/"+genesisHash, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"id": genesisHash, "timestamp": genesisTime})
	})
	c := newTestEsplora(t, mux)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.IsConnected())

	height, err := c.Height(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2500000), height)

	hash, err := c.BlockHash(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, genesisHash, hash.String())

	ts, err := c.BlockTime(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(genesisTime), ts)

	_, err = c.BlockHash(ctx, 7)
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

func TestEsploraScriptHistoryPaginates(t *testing.T) {
	script := []byte{0x00, 0x14, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	base := "/scripthash/" + ScriptHash(script) + "/txs"

	txid := func(i int) string {
		var h chainhash.Hash
		h[0] = byte(i)
		return h.String()
	}
	entry := func(i int, confirmed bool) map[string]interface{} {
		status := map[string]interface{}{"confirmed": confirmed}
		if confirmed {
			status["block_height"] = 1000 - i
		}
		return map[string]interface{}{"txid": txid(i), "status": status}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		page := []map[string]interface{}{entry(100, false)}
		for i := 1; i <= esploraPageSize; i++ {
			page = append(page, entry(i, true))
		}
		json.NewEncoder(w).Encode(page)
	})
	mux.HandleFunc(base+"/chain/"+txid(esploraPageSize), func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{entry(26, true), entry(27, true)})
	})
	c := newTestEsplora(t, mux)

	history, err := c.ScriptHistory(context.Background(), script)
	require.NoError(t, err)
	require.Len(t, history, 1+esploraPageSize+2)
	assert.False(t, history[0].Confirmed(), "mempool entry should be unconfirmed")
	assert.EqualValues(t, 1000-27, history[len(history)-1].Height)
}

func TestEsploraScriptHistoryUnknownScript(t *testing.T) {
	c := newTestEsplora(t, http.NotFoundHandler())
	history, err := c.ScriptHistory(context.Background(), []byte{0x51})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEsploraTransaction(t *testing.T) {
	tx := sampleTx()
	rawHex, _ := encodeTx(tx)
	txid := tx.TxHash()

	mux := http.NewServeMux()
	mux.HandleFunc("/tx/"+txid.String()+"/hex", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rawHex)
	})
	c := newTestEsplora(t, mux)
	ctx := context.Background()

	got, err := c.Transaction(ctx, &txid)
	require.NoError(t, err)
	assert.Equal(t, txid, got.TxHash())

	missing := chainhash.Hash{9}
	_, err = c.Transaction(ctx, &missing)
	assert.Equal(t, failure.NotFound, failure.KindOf(Classify(err)), "err = %v", err)
}

func TestEsploraBroadcast(t *testing.T) {
	tx := sampleTx()
	rawHex, _ := encodeTx(tx)

	var status atomic.Int32
	status.Store(http.StatusOK)
	mux := http.NewServeMux()
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if strings.TrimSpace(string(body)) != rawHex {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, "unexpected body")
			return
		}
		switch code := int(status.Load()); code {
		case http.StatusOK:
			fmt.Fprint(w, tx.TxHash().String())
		case http.StatusBadRequest:
			w.WriteHeader(code)
			fmt.Fprint(w, `sendrawtransaction RPC error: {"code":-26,"message":"dust"}`)
		default:
			w.WriteHeader(code)
		}
	})
	c := newTestEsplora(t, mux)
	ctx := context.Background()

	txid, err := c.Broadcast(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, tx.TxHash(), *txid)

	status.Store(http.StatusBadRequest)
	_, err = c.Broadcast(ctx, tx)
	var fe *failure.Error
	require.True(t, errors.As(Classify(err), &fe), "err = %v", err)
	assert.Equal(t, failure.BroadcastRejected, fe.Kind)
	assert.Equal(t, `sendrawtransaction RPC error: {"code":-26,"message":"dust"}`, fe.Message, "body is kept verbatim")

	status.Store(http.StatusServiceUnavailable)
	_, err = c.Broadcast(ctx, tx)
	assert.Equal(t, failure.NetworkUnavailable, failure.KindOf(Classify(err)))
}

func TestEsploraRateLimited(t *testing.T) {
	c := newTestEsplora(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	_, err := c.Height(context.Background())
	assert.ErrorIs(t, err, ErrRateLimited)
}
