package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New(NotFound, "wallet %s", "abc")
	assert.Equal(t, NotFound, KindOf(err))

	wrapped := fmt.Errorf("lookup: %w", err)
	assert.Equal(t, NotFound, KindOf(wrapped))

	assert.Equal(t, Internal, KindOf(errors.New("plain")))
}

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(InsufficientFunds, "need 10, have 5"))
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestWrap(t *testing.T) {
	require.Nil(t, Wrap(NetworkUnavailable, nil, "dial"))

	cause := errors.New("connection refused")
	err := Wrap(NetworkUnavailable, cause, "dial electrum")
	require.Error(t, err)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "NetworkUnavailable: dial electrum: connection refused", err.Error())
}

func TestDataOf(t *testing.T) {
	d := DataOf(Wrap(BroadcastRejected, errors.New("min relay fee not met"), "broadcast"))
	assert.Equal(t, BroadcastRejected, d.Kind)
	assert.Equal(t, "broadcast", d.Message)
	assert.Equal(t, "min relay fee not met", d.Cause)

	d = DataOf(errors.New("boom"))
	assert.Equal(t, Internal, d.Kind)
	assert.Equal(t, "boom", d.Message)
}

func TestCodesAreDistinct(t *testing.T) {
	kinds := []Kind{ValidationError, NotFound, InsufficientFunds, InvalidFeePolicy,
		NoRecipients, BroadcastRejected, NetworkUnavailable, SigningFailure, Internal}
	seen := make(map[int]Kind)
	for _, k := range kinds {
		code := k.Code()
		if other, ok := seen[code]; ok {
			t.Fatalf("%s and %s share code %d", k, other, code)
		}
		seen[code] = k
		assert.LessOrEqual(t, code, -32000)
		assert.GreaterOrEqual(t, code, -32099)
	}
}
