package storage

import (
	"path/filepath"
	"sync"
)

// handles shares one open store per path between the wallets using it. The
// store is closed when the last wallet releases it.
type handles[T any] struct {
	mu   sync.Mutex
	open map[string]*handle[T]
}

type handle[T any] struct {
	store T
	refs  int
}

func (h *handles[T]) acquire(path string, open func() (T, error)) (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e, ok := h.open[path]; ok {
		e.refs++
		return e.store, nil
	}

	store, err := open()
	if err != nil {
		var zero T
		return zero, err
	}
	if h.open == nil {
		h.open = make(map[string]*handle[T])
	}
	h.open[path] = &handle[T]{store: store, refs: 1}
	return store, nil
}

func (h *handles[T]) release(path string, closeStore func(T) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.open[path]
	if !ok {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(h.open, path)
	return closeStore(e.store)
}

// canonicalPath keys the handle tables so that two spellings of one path
// share a store.
func canonicalPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
