package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// esploraPageSize is the number of confirmed transactions Esplora returns
// per /scripthash/:hash/txs page.
const esploraPageSize = 25

// EsploraConfig configures an Esplora client.
type EsploraConfig struct {
	// URL is the API base, e.g. https://blockstream.info/testnet/api.
	URL string

	// Proxy is an optional HTTP or SOCKS5 proxy URL.
	Proxy string

	// Concurrency bounds parallel requests during a sync.
	Concurrency int

	// StopGap is the gap limit used when syncing against this client.
	StopGap int

	// Timeout bounds each HTTP request. Zero means 10 seconds.
	Timeout time.Duration
}

// EsploraClient implements Blockchain using the Esplora REST API.
// Compatible with blockstream.info, mempool.space and self-hosted instances.
type EsploraClient struct {
	cfg        EsploraConfig
	baseURL    string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
}

// NewEsploraClient creates a new Esplora client.
func NewEsploraClient(cfg EsploraConfig) (*EsploraClient, error) {
	// Remove trailing slash
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.URL), "/")
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedURL, cfg.URL)
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultEsploraConcurrency
	}
	if cfg.StopGap <= 0 {
		cfg.StopGap = DefaultStopGap
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil || proxyURL.Host == "" {
			return nil, fmt.Errorf("%w: proxy %s", ErrUnsupportedURL, cfg.Proxy)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &EsploraClient{
		cfg:     cfg,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}, nil
}

// Kind returns KindEsplora.
func (e *EsploraClient) Kind() Kind {
	return KindEsplora
}

// StopGap returns the configured gap limit.
func (e *EsploraClient) StopGap() int {
	return e.cfg.StopGap
}

// Concurrency returns the configured request concurrency.
func (e *EsploraClient) Concurrency() int {
	return e.cfg.Concurrency
}

// URL returns the configured base URL.
func (e *EsploraClient) URL() string {
	return e.baseURL
}

// Connect tests the connection to the API.
func (e *EsploraClient) Connect(ctx context.Context) error {
	if _, err := e.Height(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

// Close releases idle connections.
func (e *EsploraClient) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	e.httpClient.CloseIdleConnections()
	return nil
}

// IsConnected returns true once Connect has succeeded.
func (e *EsploraClient) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// Height returns the current chain tip height.
func (e *EsploraClient) Height(ctx context.Context) (uint32, error) {
	body, err := e.getText(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseUint(body, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: height %q", ErrInvalidResponse, body)
	}
	return uint32(height), nil
}

// BlockHash returns the hash of the block at height.
func (e *EsploraClient) BlockHash(ctx context.Context, height uint32) (*chainhash.Hash, error) {
	body, err := e.getText(ctx, fmt.Sprintf("/block-height/%d", height))
	if err != nil {
		if err == errNotFound {
			return nil, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
		}
		return nil, err
	}
	hash, err := chainhash.NewHashFromStr(body)
	if err != nil {
		return nil, fmt.Errorf("%w: block hash %q", ErrInvalidResponse, body)
	}
	return hash, nil
}

// BlockTime returns the header timestamp of the block at height.
func (e *EsploraClient) BlockTime(ctx context.Context, height uint32) (int64, error) {
	hash, err := e.BlockHash(ctx, height)
	if err != nil {
		return 0, err
	}

	var block struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := e.getJSON(ctx, "/block/"+hash.String(), &block); err != nil {
		return 0, err
	}
	return block.Timestamp, nil
}

// esploraTx is the subset of the Esplora transaction format we need.
type esploraTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int32 `json:"block_height"`
	} `json:"status"`
}

// ScriptHistory returns every transaction touching script, following the
// confirmed-history pagination.
func (e *EsploraClient) ScriptHistory(ctx context.Context, script []byte) ([]HistoryItem, error) {
	base := "/scripthash/" + ScriptHash(script) + "/txs"

	var page []esploraTx
	if err := e.getJSON(ctx, base, &page); err != nil {
		if err == errNotFound {
			return nil, nil
		}
		return nil, err
	}

	var items []HistoryItem
	for {
		confirmed := 0
		var lastConfirmed string
		for _, tx := range page {
			txid, err := chainhash.NewHashFromStr(tx.TxID)
			if err != nil {
				return nil, fmt.Errorf("%w: txid %q", ErrInvalidResponse, tx.TxID)
			}
			item := HistoryItem{Txid: *txid}
			if tx.Status.Confirmed {
				item.Height = tx.Status.BlockHeight
				confirmed++
				lastConfirmed = tx.TxID
			}
			items = append(items, item)
		}

		if confirmed < esploraPageSize {
			return items, nil
		}

		page = nil
		if err := e.getJSON(ctx, base+"/chain/"+lastConfirmed, &page); err != nil {
			return nil, err
		}
	}
}

// Transaction returns a transaction by id.
func (e *EsploraClient) Transaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	body, err := e.getText(ctx, "/tx/"+txid.String()+"/hex")
	if err != nil {
		if err == errNotFound {
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
		}
		return nil, err
	}
	return decodeTx(body)
}

// Broadcast submits a signed transaction.
func (e *EsploraClient) Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	rawHex, err := encodeTx(tx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/tx", strings.NewReader(rawHex))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	reason := strings.TrimSpace(string(body))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d: %s", ErrNotConnected, resp.StatusCode, reason)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &BroadcastError{Reason: reason}
	}

	// Response is the txid
	txid, err := chainhash.NewHashFromStr(reason)
	if err != nil {
		return nil, fmt.Errorf("%w: txid %q", ErrInvalidResponse, reason)
	}
	return txid, nil
}

// errNotFound marks a 404 from the API; callers translate it.
var errNotFound = fmt.Errorf("%w: not found", ErrInvalidResponse)

func (e *EsploraClient) do(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	// Add cache-busting headers to avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (e *EsploraClient) getText(ctx context.Context, path string) (string, error) {
	body, err := e.do(ctx, path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (e *EsploraClient) getJSON(ctx context.Context, path string, result interface{}) error {
	body, err := e.do(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, path, err)
	}
	return nil
}

// Ensure EsploraClient implements Blockchain
var _ Blockchain = (*EsploraClient)(nil)
