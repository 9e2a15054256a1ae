// Package state persists coordinator state in a key-value store.
package state

import (
	"context"
	"errors"
	"fmt"
)

// ErrAbsent is returned by Get for keys that were never written or deleted.
var ErrAbsent = errors.New("state: key absent")

// UpdateFunc computes a new value from the current one. exists is false
// when the key is absent.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Store is a durable key-value store. Every write is atomic per key.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Update runs an atomic read-modify-write on one key.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend string // sqlite, nats or memory
	Path    string // sqlite database file
	Bucket  string // NATS KV bucket
}

// Open builds the configured backend. The nats backend needs a JetStream
// handle and is opened with OpenNATS instead.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", "sqlite":
		return OpenSQLite(ctx, opts.Path)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", opts.Backend)
	}
}
