package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/walletbridge/internal/failure"
)

type electrumHandler func(method string, params []json.RawMessage) (interface{}, *electrumError)

// fakeElectrum is a newline-delimited JSON-RPC server speaking enough of the
// Electrum protocol for client tests.
type fakeElectrum struct {
	ln      net.Listener
	handler electrumHandler

	// drop closes this many connections on their first non-handshake request.
	drop atomic.Int32
	// notify sends a header notification before every response.
	notify bool

	mu    sync.Mutex
	conns int
}

func newFakeElectrum(t *testing.T, handler electrumHandler) *fakeElectrum {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeElectrum{ln: ln, handler: handler}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.conns++
			f.mu.Unlock()
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeElectrum) url() string {
	return "tcp://" + f.ln.Addr().String()
}

func (f *fakeElectrum) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns
}

func (f *fakeElectrum) serve(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return
		}

		var (
			result interface{}
			rpcErr *electrumError
		)
		if req.Method == "server.version" {
			result = []string{"fake 1.0", "1.4"}
		} else {
			if f.drop.Load() > 0 {
				f.drop.Add(-1)
				return
			}
			result, rpcErr = f.handler(req.Method, req.Params)
		}

		if f.notify {
			note := map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "blockchain.headers.subscribe",
				"params":  []interface{}{map[string]interface{}{"height": 1, "hex": ""}},
			}
			data, _ := json.Marshal(note)
			conn.Write(append(data, '\n'))
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		data, _ := json.Marshal(resp)
		if _, err := conn.Write(append(data, '\n')); err != nil {
			return
		}
	}
}

func newTestElectrumClient(t *testing.T, url string, retry int) *ElectrumClient {
	t.Helper()
	c, err := NewElectrumClient(ElectrumConfig{URL: url, Retry: retry, Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestParseElectrumURL(t *testing.T) {
	tests := []struct {
		url     string
		addr    string
		useTLS  bool
		wantErr bool
	}{
		{"ssl://electrum.blockstream.info:60002", "electrum.blockstream.info:60002", true, false},
		{"tcp://localhost:50001", "localhost:50001", false, false},
		{"localhost:50001", "localhost:50001", false, false},
		{"http://localhost:50001", "", false, true},
		{"ssl://no-port", "", false, true},
		{"", "", false, true},
	}

	for _, tt := range tests {
		addr, useTLS, err := parseElectrumURL(tt.url)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnsupportedURL, tt.url)
			continue
		}
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.addr, addr, tt.url)
		assert.Equal(t, tt.useTLS, useTLS, tt.url)
	}
}

func TestNewElectrumClientDefaults(t *testing.T) {
	c, err := NewElectrumClient(ElectrumConfig{URL: "ssl://electrum.blockstream.info:60002"})
	require.NoError(t, err)
	assert.Equal(t, KindElectrum, c.Kind())
	assert.Equal(t, DefaultStopGap, c.StopGap())
	assert.Equal(t, DefaultElectrumRetry, c.cfg.Retry)
	assert.False(t, c.IsConnected(), "client should connect lazily")
}

func TestElectrumHeightSkipsNotifications(t *testing.T) {
	f := newFakeElectrum(t, func(method string, _ []json.RawMessage) (interface{}, *electrumError) {
		if method != "blockchain.headers.subscribe" {
			return nil, &electrumError{Code: -1, Message: "unexpected " + method}
		}
		return map[string]interface{}{"height": 800000, "hex": genesisHeaderHex}, nil
	})
	f.notify = true

	c := newTestElectrumClient(t, f.url(), 1)
	height, err := c.Height(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(800000), height)
	assert.True(t, c.IsConnected())
}

func TestElectrumBlockHashAndTime(t *testing.T) {
	f := newFakeElectrum(t, func(method string, params []json.RawMessage) (interface{}, *electrumError) {
		if method != "blockchain.block.header" {
			return nil, &electrumError{Code: -1, Message: "unexpected " + method}
		}
		if string(params[0]) != "0" {
			return nil, &electrumError{Code: 1, Message: "height out of range"}
		}
		return genesisHeaderHex, nil
	})
	c := newTestElectrumClient(t, f.url(), 1)
	ctx := context.Background()

	hash, err := c.BlockHash(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, genesisHash, hash.String())

	ts, err := c.BlockTime(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(genesisTime), ts)

	_, err = c.BlockHash(ctx, 99)
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

func TestElectrumScriptHistoryAndTransaction(t *testing.T) {
	tx := sampleTx()
	rawHex, _ := encodeTx(tx)
	script := tx.TxOut[0].PkScript

	f := newFakeElectrum(t, func(method string, params []json.RawMessage) (interface{}, *electrumError) {
		switch method {
		case "blockchain.scripthash.get_history":
			var sh string
			json.Unmarshal(params[0], &sh)
			if sh != ScriptHash(script) {
				return []interface{}{}, nil
			}
			return []map[string]interface{}{
				{"tx_hash": tx.TxHash().String(), "height": 120},
				{"tx_hash": tx.TxHash().String(), "height": 0},
			}, nil
		case "blockchain.transaction.get":
			return rawHex, nil
		}
		return nil, &electrumError{Code: -1, Message: "unexpected " + method}
	})
	c := newTestElectrumClient(t, f.url(), 1)
	ctx := context.Background()

	history, err := c.ScriptHistory(ctx, script)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Confirmed())
	assert.False(t, history[1].Confirmed())

	txid := tx.TxHash()
	got, err := c.Transaction(ctx, &txid)
	require.NoError(t, err)
	assert.Equal(t, txid, got.TxHash())

	empty, err := c.ScriptHistory(ctx, []byte{0x51})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestElectrumBroadcast(t *testing.T) {
	tx := sampleTx()
	var reject atomic.Bool
	f := newFakeElectrum(t, func(method string, _ []json.RawMessage) (interface{}, *electrumError) {
		if reject.Load() {
			return nil, &electrumError{Code: 1, Message: "min relay fee not met, 100 < 141"}
		}
		return tx.TxHash().String(), nil
	})
	c := newTestElectrumClient(t, f.url(), 3)
	ctx := context.Background()

	txid, err := c.Broadcast(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, tx.TxHash(), *txid)

	reject.Store(true)
	_, err = c.Broadcast(ctx, tx)
	var be *BroadcastError
	require.True(t, errors.As(err, &be), "error = %v, want *BroadcastError", err)
	assert.Equal(t, "min relay fee not met, 100 < 141", be.Reason)
	assert.Equal(t, 1, f.connections(), "rejections must not be retried")
}

func TestElectrumRetriesTransportFailures(t *testing.T) {
	f := newFakeElectrum(t, func(string, []json.RawMessage) (interface{}, *electrumError) {
		return map[string]interface{}{"height": 42, "hex": genesisHeaderHex}, nil
	})
	f.drop.Store(2)

	c := newTestElectrumClient(t, f.url(), 3)
	height, err := c.Height(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(42), height)
	assert.Equal(t, 3, f.connections())
}

func TestElectrumGivesUpAfterRetryCount(t *testing.T) {
	f := newFakeElectrum(t, func(string, []json.RawMessage) (interface{}, *electrumError) {
		return map[string]interface{}{"height": 42}, nil
	})
	f.drop.Store(10)

	c := newTestElectrumClient(t, f.url(), 2)
	_, err := c.Height(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.NetworkUnavailable, failure.KindOf(Classify(err)))
	assert.Equal(t, 2, f.connections())
}

func TestElectrumUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := newTestElectrumClient(t, "tcp://"+addr, 1)
	err = c.Connect(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, failure.NetworkUnavailable, failure.KindOf(Classify(err)))
}
