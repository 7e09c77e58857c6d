package rpc

import (
	"context"
	"encoding/json"

	"github.com/klingon-exchange/walletbridge/internal/bridge"
)

// ========================================
// Blockchain handlers
// ========================================

func (s *Server) initElectrumBlockchain(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var url string
	var retry, stopGap, timeout int
	if err := decodeParams(params, 1, &url, &retry, &stopGap, &timeout); err != nil {
		return nil, err
	}
	return s.service.InitElectrumBlockchain(bridge.ElectrumOptions{
		URL:     url,
		Retry:   retry,
		StopGap: stopGap,
		Timeout: timeout,
	})
}

func (s *Server) initEsploraBlockchain(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var url, proxy string
	var concurrency, stopGap, timeout int
	if err := decodeParams(params, 1, &url, &proxy, &concurrency, &stopGap, &timeout); err != nil {
		return nil, err
	}
	return s.service.InitEsploraBlockchain(bridge.EsploraOptions{
		URL:         url,
		Proxy:       proxy,
		Concurrency: concurrency,
		StopGap:     stopGap,
		Timeout:     timeout,
	})
}

func (s *Server) getBlockchainHeight(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	if err := decodeParams(params, 0, &id); err != nil {
		return nil, err
	}
	return s.service.GetBlockchainHeight(ctx, id)
}

func (s *Server) getBlockchainHash(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	var height uint32
	if err := decodeParams(params, 2, &id, &height); err != nil {
		return nil, err
	}
	return s.service.GetBlockchainHash(ctx, id, height)
}

func (s *Server) broadcast(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id, signed string
	if err := decodeParams(params, 2, &id, &signed); err != nil {
		return nil, err
	}
	return s.service.Broadcast(ctx, id, signed)
}

func (s *Server) memoryDBInit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := decodeParams(params, 0); err != nil {
		return nil, err
	}
	return s.service.MemoryDBInit()
}

func (s *Server) keyValueDBInit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var path, tree string
	if err := decodeParams(params, 1, &path, &tree); err != nil {
		return nil, err
	}
	return s.service.KeyValueDBInit(path, tree)
}

func (s *Server) sqliteDBInit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var path string
	if err := decodeParams(params, 1, &path); err != nil {
		return nil, err
	}
	return s.service.SqliteDBInit(path)
}

// ========================================
// Wallet handlers
// ========================================

func (s *Server) walletInit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var desc, network, change string
	if err := decodeParams(params, 1, &desc, &network, &change); err != nil {
		return nil, err
	}
	return s.service.WalletInit(desc, network, change)
}

func (s *Server) walletInitWithDescriptors(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var descID, changeID string
	if err := decodeParams(params, 1, &descID, &changeID); err != nil {
		return nil, err
	}
	return s.service.WalletInitWithDescriptors(descID, changeID)
}

// sync blocks until the wallet is synced. Progress goes out as WebSocket
// events while the call is pending.
func (s *Server) sync(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var walletID, blockchainID string
	if err := decodeParams(params, 0, &walletID, &blockchainID); err != nil {
		return nil, err
	}
	return s.service.Sync(ctx, walletID, blockchainID)
}

func (s *Server) getAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id, index string
	if err := decodeParams(params, 0, &id, &index); err != nil {
		return nil, err
	}
	return s.service.GetAddress(id, index)
}

func (s *Server) getBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	if err := decodeParams(params, 0, &id); err != nil {
		return nil, err
	}
	return s.service.GetBalance(id)
}

func (s *Server) getNetwork(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	if err := decodeParams(params, 0, &id); err != nil {
		return nil, err
	}
	return s.service.GetNetwork(id)
}

func (s *Server) listUnspent(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	if err := decodeParams(params, 0, &id); err != nil {
		return nil, err
	}
	return s.service.ListUnspent(id)
}

func (s *Server) listTransactions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	if err := decodeParams(params, 0, &id); err != nil {
		return nil, err
	}
	return s.service.ListTransactions(id)
}

func (s *Server) sign(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id, unsigned string
	if err := decodeParams(params, 2, &id, &unsigned); err != nil {
		return nil, err
	}
	return s.service.Sign(id, unsigned)
}

// ========================================
// Address and script handlers
// ========================================

func (s *Server) initAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var address, network string
	if err := decodeParams(params, 1, &address, &network); err != nil {
		return nil, err
	}
	return s.service.InitAddress(address, network)
}

func (s *Server) addressToScriptPubkeyHex(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	if err := decodeParams(params, 1, &id); err != nil {
		return nil, err
	}
	return s.service.AddressToScriptPubkeyHex(id)
}

func (s *Server) scriptToHex(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	if err := decodeParams(params, 1, &id); err != nil {
		return nil, err
	}
	return s.service.ScriptToHex(id)
}
