package rpc

import (
	"context"
	"encoding/json"

	"github.com/klingon-exchange/walletbridge/internal/bridge"
	"github.com/klingon-exchange/walletbridge/internal/wallet"
)

// ========================================
// Transaction builder handlers
// ========================================

func (s *Server) createTxBuilder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := decodeParams(params, 0); err != nil {
		return nil, err
	}
	return s.service.CreateTxBuilder(), nil
}

// builderFlag adapts a builder operation that only takes the builder id.
func (s *Server) builderFlag(op func(id string) (bool, error)) Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var id string
		if err := decodeParams(params, 1, &id); err != nil {
			return nil, err
		}
		return op(id)
	}
}

func (s *Server) addRecipient(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id, scriptID string
	var amount uint64
	if err := decodeParams(params, 3, &id, &scriptID, &amount); err != nil {
		return nil, err
	}
	return s.service.AddRecipient(id, scriptID, amount)
}

func (s *Server) setRecipients(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	var recipients []bridge.ScriptAmount
	if err := decodeParams(params, 2, &id, &recipients); err != nil {
		return nil, err
	}
	return s.service.SetRecipients(id, recipients)
}

func (s *Server) addUtxo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	var op wallet.OutPoint
	if err := decodeParams(params, 2, &id, &op); err != nil {
		return nil, err
	}
	return s.service.AddUtxo(id, op)
}

func (s *Server) addUtxos(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	var ops []wallet.OutPoint
	if err := decodeParams(params, 2, &id, &ops); err != nil {
		return nil, err
	}
	return s.service.AddUtxos(id, ops)
}

func (s *Server) addUnspendable(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	var op wallet.OutPoint
	if err := decodeParams(params, 2, &id, &op); err != nil {
		return nil, err
	}
	return s.service.AddUnspendable(id, op)
}

func (s *Server) unspendable(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	var ops []wallet.OutPoint
	if err := decodeParams(params, 2, &id, &ops); err != nil {
		return nil, err
	}
	return s.service.Unspendable(id, ops)
}

func (s *Server) feeRate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	var rate float64
	if err := decodeParams(params, 2, &id, &rate); err != nil {
		return nil, err
	}
	return s.service.FeeRate(id, rate)
}

func (s *Server) feeAbsolute(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	var sats int64
	if err := decodeParams(params, 2, &id, &sats); err != nil {
		return nil, err
	}
	return s.service.FeeAbsolute(id, sats)
}

func (s *Server) drainTo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id, scriptID string
	if err := decodeParams(params, 2, &id, &scriptID); err != nil {
		return nil, err
	}
	return s.service.DrainTo(id, scriptID)
}

func (s *Server) enableRbfWithSequence(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	var sequence uint32
	if err := decodeParams(params, 2, &id, &sequence); err != nil {
		return nil, err
	}
	return s.service.EnableRbfWithSequence(id, sequence)
}

func (s *Server) addData(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id string
	var data []int
	if err := decodeParams(params, 2, &id, &data); err != nil {
		return nil, err
	}
	return s.service.AddData(id, data)
}

func (s *Server) finish(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var id, walletID string
	if err := decodeParams(params, 1, &id, &walletID); err != nil {
		return nil, err
	}
	return s.service.Finish(id, walletID)
}
