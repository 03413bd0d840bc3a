// Package store holds the shared documents the voice clients coordinate on.
// Writes that depend on the current value go through Transact so that racing
// clients never both observe the same state and both win.
package store

import (
	"context"
	"errors"
	"sync"
)

// ErrConflict is returned when a transaction kept losing races and gave up.
var ErrConflict = errors.New("store: too much contention")

// TransactFunc maps the current document to its replacement. cur is nil when
// the key does not exist. Returning a nil slice with a nil error leaves the
// document untouched; returning an error aborts without writing and the
// error is handed back to the Transact caller unchanged.
type TransactFunc func(cur []byte) ([]byte, error)

// CompareAndSetStore is the key-value contract floor arbitration needs.
type CompareAndSetStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Transact(ctx context.Context, key string, fn TransactFunc) error
}

// Memory is an in-process store. It is shared by every client in the same
// process, which is enough for tests and single-machine demos.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.docs[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	observeTransact("memory", "set")
	return nil
}

// Transact runs fn with the store locked; fn must not call back into m.
func (m *Memory) Transact(ctx context.Context, key string, fn TransactFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur []byte
	if v, ok := m.docs[key]; ok {
		cur = append([]byte(nil), v...)
	}
	next, err := fn(cur)
	if err != nil {
		observeTransact("memory", "aborted")
		return err
	}
	if next == nil {
		observeTransact("memory", "noop")
		return nil
	}
	m.docs[key] = append([]byte(nil), next...)
	observeTransact("memory", "committed")
	return nil
}

// Keys lists stored keys; used by the control API and tests.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.docs))
	for k := range m.docs {
		out = append(out, k)
	}
	return out
}
