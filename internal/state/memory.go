package state

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Memory is a map-backed Store for tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	data   map[string][]byte
	failOn func(key string) error
}

func NewMemory() *Memory { return &Memory{data: map[string][]byte{}} }

// FailWith makes every subsequent write for which fn returns an error fail
// with that error. Pass nil to clear.
func (m *Memory) FailWith(fn func(key string) error) {
	m.mu.Lock()
	m.failOn = fn
	m.mu.Unlock()
}

func (m *Memory) check(key string) error {
	if m.failOn != nil {
		return m.failOn(key)
	}
	return nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(key); err != nil {
		return err
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrAbsent
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Update(ctx context.Context, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(key); err != nil {
		return err
	}
	cur, ok := m.data[key]
	next, err := fn(append([]byte(nil), cur...), ok)
	if err != nil {
		return err
	}
	m.data[key] = next
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

var errInjected = errors.New("injected store failure")

// FailAll is a FailWith helper that rejects every write.
func FailAll(string) error { return errInjected }
