package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/walletbridge/internal/failure"
)

// decodeParams decodes a positional parameter array into dst. The first
// required entries must be present; the rest are optional and keep their
// zero value when omitted. A null or absent params member counts as an
// empty array.
func decodeParams(raw json.RawMessage, required int, dst ...interface{}) error {
	var list []json.RawMessage
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return failure.Wrap(failure.ValidationError, err, "params must be a positional array")
		}
	}

	if len(list) < required {
		return failure.New(failure.ValidationError, "expected at least %d params, got %d", required, len(list))
	}
	if len(list) > len(dst) {
		return failure.New(failure.ValidationError, "expected at most %d params, got %d", len(dst), len(list))
	}

	for i, item := range list {
		if bytes.Equal(bytes.TrimSpace(item), []byte("null")) {
			continue
		}
		if err := json.Unmarshal(item, dst[i]); err != nil {
			return failure.Wrap(failure.ValidationError, err, fmt.Sprintf("invalid param %d", i))
		}
	}
	return nil
}
