package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/walletbridge/internal/failure"
)

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 10_000; i++ {
		id := NewID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestGetStrict(t *testing.T) {
	r := New[int]("thing")
	_, err := r.Get("missing")
	require.Error(t, err)
	assert.Equal(t, failure.NotFound, failure.KindOf(err))

	id := r.Create(7)
	v, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestLookupFallsBackToDefault(t *testing.T) {
	r := NewWithDefault("wallet", "default")
	res, err := r.Lookup("unknown")
	require.NoError(t, err)
	assert.True(t, res.UsesDefault)
	assert.Equal(t, "default", res.Value)

	id := r.Create("mine")
	res, err = r.Lookup(id)
	require.NoError(t, err)
	assert.False(t, res.UsesDefault)
	assert.Equal(t, "mine", res.Value)
}

func TestLookupStrictWithoutDefault(t *testing.T) {
	r := New[string]("script")
	_, err := r.Lookup("unknown")
	assert.Equal(t, failure.NotFound, failure.KindOf(err))
}

func TestDeletedIDsAreNeverReused(t *testing.T) {
	r := New[int]("builder")
	id := r.Create(1)
	r.Delete(id)

	_, err := r.Get(id)
	assert.Equal(t, failure.NotFound, failure.KindOf(err))

	err = r.Put(id, 2)
	require.Error(t, err)
	assert.Equal(t, failure.ValidationError, failure.KindOf(err))
	assert.Equal(t, 0, r.Len())
}

func TestPutRejectsLiveID(t *testing.T) {
	r := New[int]("builder")
	require.NoError(t, r.Put("a", 1))
	require.Error(t, r.Put("a", 2))
	require.Error(t, r.Put("", 2))
}

func TestUpdateKeepsValueOnError(t *testing.T) {
	r := New[int]("builder")
	id := r.Create(5)

	boom := errors.New("boom")
	err := r.Update(id, func(v int) (int, error) { return v + 1, boom })
	require.ErrorIs(t, err, boom)

	v, _ := r.Get(id)
	assert.Equal(t, 5, v)
}

func TestConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	r := New[int]("builder")
	id := r.Create(0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Update(id, func(v int) (int, error) { return v + 1, nil })
		}()
	}
	wg.Wait()

	v, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 50, v)
}

func TestConsume(t *testing.T) {
	r := New[int]("builder")
	id := r.Create(3)

	err := r.Consume(id, func(int) error { return errors.New("insufficient") })
	require.Error(t, err)
	assert.Equal(t, 1, r.Len(), "failed consume must keep the entry")

	require.NoError(t, r.Consume(id, func(int) error { return nil }))
	assert.Equal(t, 0, r.Len())

	err = r.Consume(id, func(int) error { return nil })
	assert.Equal(t, failure.NotFound, failure.KindOf(err))
}

func TestConsumeRunsOnce(t *testing.T) {
	r := New[int]("builder")
	id := r.Create(3)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ran int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Consume(id, func(int) error {
				mu.Lock()
				ran++
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ran)
}

func TestEach(t *testing.T) {
	r := New[int]("key")
	r.Create(1)
	r.Create(2)

	sum := 0
	r.Each(func(_ string, v int) { sum += v })
	assert.Equal(t, 3, sum)
	assert.Len(t, r.IDs(), 2)
}
