package backend

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/walletbridge/pkg/logging"
)

// ElectrumConfig configures an Electrum client.
type ElectrumConfig struct {
	// URL is ssl://host:port or tcp://host:port. A bare host:port means tcp.
	URL string

	// Retry is the number of attempts per request on transport failures.
	Retry int

	// Timeout bounds each request. Zero means 30 seconds.
	Timeout time.Duration

	// StopGap is the gap limit used when syncing against this client.
	StopGap int
}

// ElectrumClient implements Blockchain using the Electrum protocol.
// Supports both TCP and SSL connections.
type ElectrumClient struct {
	cfg     ElectrumConfig
	address string // host:port
	useTLS  bool

	conn      net.Conn
	reader    *bufio.Reader
	mu        sync.Mutex
	connected bool
	requestID atomic.Uint64

	log *logging.Logger
}

// electrumError is an error object returned by the server.
type electrumError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *electrumError) Error() string {
	return fmt.Sprintf("electrum error %d: %s", e.Code, e.Message)
}

// parseElectrumURL splits an Electrum URL into host:port and TLS mode.
func parseElectrumURL(raw string) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "ssl://"):
		return checkHostPort(strings.TrimPrefix(raw, "ssl://"), true)
	case strings.HasPrefix(raw, "tcp://"):
		return checkHostPort(strings.TrimPrefix(raw, "tcp://"), false)
	case strings.Contains(raw, "://"):
		return "", false, fmt.Errorf("%w: %s", ErrUnsupportedURL, raw)
	default:
		return checkHostPort(raw, false)
	}
}

func checkHostPort(hostport string, useTLS bool) (string, bool, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil || host == "" || port == "" {
		return "", false, fmt.Errorf("%w: %s", ErrUnsupportedURL, hostport)
	}
	return hostport, useTLS, nil
}

// NewElectrumClient creates an Electrum client. No connection is made until
// the first request or an explicit Connect.
func NewElectrumClient(cfg ElectrumConfig) (*ElectrumClient, error) {
	address, useTLS, err := parseElectrumURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Retry <= 0 {
		cfg.Retry = DefaultElectrumRetry
	}
	if cfg.StopGap <= 0 {
		cfg.StopGap = DefaultStopGap
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &ElectrumClient{
		cfg:     cfg,
		address: address,
		useTLS:  useTLS,
		log:     logging.GetDefault().Component("electrum"),
	}, nil
}

// Kind returns KindElectrum.
func (e *ElectrumClient) Kind() Kind {
	return KindElectrum
}

// StopGap returns the configured gap limit.
func (e *ElectrumClient) StopGap() int {
	return e.cfg.StopGap
}

// Concurrency returns 1: requests share a single connection.
func (e *ElectrumClient) Concurrency() int {
	return 1
}

// URL returns the configured server URL.
func (e *ElectrumClient) URL() string {
	return e.cfg.URL
}

// Connect establishes the connection to the Electrum server.
func (e *ElectrumClient) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connectLocked(ctx)
}

func (e *ElectrumClient) connectLocked(ctx context.Context) error {
	if e.connected {
		return nil
	}

	dialer := &net.Dialer{Timeout: e.cfg.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if e.useTLS {
		host, _, _ := net.SplitHostPort(e.address)
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", e.address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", e.address)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	e.conn = conn
	e.reader = bufio.NewReader(conn)
	e.connected = true

	// Test connection with server.version
	if _, err := e.callLocked(ctx, "server.version", []interface{}{"walletbridge", "1.4"}); err != nil {
		e.closeLocked()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Close closes the connection.
func (e *ElectrumClient) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked()
	return nil
}

func (e *ElectrumClient) closeLocked() {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.reader = nil
	e.connected = false
}

// IsConnected returns true if connected.
func (e *ElectrumClient) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Height returns the current chain tip height.
func (e *ElectrumClient) Height(ctx context.Context) (uint32, error) {
	var tip struct {
		Height uint32 `json:"height"`
		Hex    string `json:"hex"`
	}
	if err := e.request(ctx, "blockchain.headers.subscribe", []interface{}{}, &tip); err != nil {
		return 0, err
	}
	return tip.Height, nil
}

func (e *ElectrumClient) header(ctx context.Context, height uint32) (*wire.BlockHeader, error) {
	var headerHex string
	if err := e.request(ctx, "blockchain.block.header", []interface{}{height}, &headerHex); err != nil {
		var rpcErr *electrumError
		if errors.As(err, &rpcErr) {
			return nil, fmt.Errorf("%w: height %d: %s", ErrBlockNotFound, height, rpcErr.Message)
		}
		return nil, err
	}
	return parseBlockHeader(headerHex)
}

// BlockHash returns the hash of the block at height.
func (e *ElectrumClient) BlockHash(ctx context.Context, height uint32) (*chainhash.Hash, error) {
	header, err := e.header(ctx, height)
	if err != nil {
		return nil, err
	}
	hash := header.BlockHash()
	return &hash, nil
}

// BlockTime returns the header timestamp of the block at height.
func (e *ElectrumClient) BlockTime(ctx context.Context, height uint32) (int64, error) {
	header, err := e.header(ctx, height)
	if err != nil {
		return 0, err
	}
	return header.Timestamp.Unix(), nil
}

// ScriptHistory returns every transaction touching script.
func (e *ElectrumClient) ScriptHistory(ctx context.Context, script []byte) ([]HistoryItem, error) {
	var history []struct {
		TxHash string `json:"tx_hash"`
		Height int32  `json:"height"`
	}
	if err := e.request(ctx, "blockchain.scripthash.get_history", []interface{}{ScriptHash(script)}, &history); err != nil {
		return nil, err
	}

	items := make([]HistoryItem, 0, len(history))
	for _, h := range history {
		txid, err := chainhash.NewHashFromStr(h.TxHash)
		if err != nil {
			return nil, fmt.Errorf("%w: tx_hash %q", ErrInvalidResponse, h.TxHash)
		}
		items = append(items, HistoryItem{Txid: *txid, Height: h.Height})
	}
	return items, nil
}

// Transaction returns a transaction by id.
func (e *ElectrumClient) Transaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	var rawHex string
	if err := e.request(ctx, "blockchain.transaction.get", []interface{}{txid.String(), false}, &rawHex); err != nil {
		var rpcErr *electrumError
		if errors.As(err, &rpcErr) {
			return nil, fmt.Errorf("%w: %s: %s", ErrTxNotFound, txid, rpcErr.Message)
		}
		return nil, err
	}
	return decodeTx(rawHex)
}

// Broadcast submits a signed transaction.
func (e *ElectrumClient) Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	rawHex, err := encodeTx(tx)
	if err != nil {
		return nil, err
	}

	var txidStr string
	if err := e.request(ctx, "blockchain.transaction.broadcast", []interface{}{rawHex}, &txidStr); err != nil {
		var rpcErr *electrumError
		if errors.As(err, &rpcErr) {
			return nil, &BroadcastError{Reason: rpcErr.Message}
		}
		return nil, err
	}

	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		// Some servers return the rejection reason in place of the txid.
		return nil, &BroadcastError{Reason: txidStr}
	}
	return txid, nil
}

// request performs a call, reconnecting and retrying transport failures up
// to the configured retry count. Server-side errors are returned at once.
func (e *ElectrumClient) request(ctx context.Context, method string, params []interface{}, out interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= e.cfg.Retry; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := e.connectLocked(ctx); err != nil {
			lastErr = err
			e.log.Warn("Electrum connect failed", "server", e.address, "attempt", attempt, "error", err)
			continue
		}

		result, err := e.callLocked(ctx, method, params)
		if err != nil {
			var rpcErr *electrumError
			if errors.As(err, &rpcErr) {
				return err
			}
			lastErr = err
			e.closeLocked()
			e.log.Warn("Electrum request failed", "method", method, "attempt", attempt, "error", err)
			continue
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(result, out); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, method, err)
		}
		return nil
	}
	return lastErr
}

// callLocked makes one Electrum JSON-RPC call. Notifications received while
// waiting for the response are skipped.
func (e *ElectrumClient) callLocked(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if !e.connected || e.conn == nil {
		return nil, ErrNotConnected
	}

	id := e.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	// Set deadline
	deadline := time.Now().Add(e.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	e.conn.SetDeadline(deadline)

	// Send request (newline delimited)
	if _, err := e.conn.Write(append(data, '\n')); err != nil {
		e.connected = false
		return nil, err
	}

	for {
		line, err := e.reader.ReadBytes('\n')
		if err != nil {
			e.connected = false
			return nil, err
		}

		var response struct {
			ID     *uint64         `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *electrumError  `json:"error"`
		}
		if err := json.Unmarshal(bytes.TrimSpace(line), &response); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}

		if response.ID == nil || *response.ID != id {
			continue
		}
		if response.Error != nil {
			return nil, response.Error
		}
		return response.Result, nil
	}
}

// parseBlockHeader parses an 80-byte Bitcoin block header from hex.
func parseBlockHeader(headerHex string) (*wire.BlockHeader, error) {
	headerBytes, err := hex.DecodeString(headerHex)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid header hex: %v", ErrInvalidResponse, err)
	}

	if len(headerBytes) != wire.MaxBlockHeaderPayload {
		return nil, fmt.Errorf("%w: invalid header length: expected %d, got %d",
			ErrInvalidResponse, wire.MaxBlockHeaderPayload, len(headerBytes))
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(headerBytes)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &header, nil
}

func decodeTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(rawHex))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid transaction hex: %v", ErrInvalidResponse, err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return tx, nil
}

func encodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// Ensure ElectrumClient implements Blockchain
var _ Blockchain = (*ElectrumClient)(nil)
