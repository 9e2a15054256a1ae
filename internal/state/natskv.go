package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSKV is a Store backed by a JetStream KeyValue bucket.
type NATSKV struct {
	nc       *nats.Conn
	kv       jetstream.KeyValue
	attempts int
}

// OpenNATS creates or opens the bucket. NATS KV keys cannot hold ':', so
// keys are stored with ':' mapped to '.'.
func OpenNATS(ctx context.Context, nc *nats.Conn, bucket string) (*NATSKV, error) {
	if bucket == "" {
		bucket = "commensal"
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	cfg := jetstream.KeyValueConfig{Bucket: bucket, History: 5, Storage: jetstream.FileStorage}

	var kv jetstream.KeyValue
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		kv, lastErr = js.CreateKeyValue(ctx, cfg)
		if errors.Is(lastErr, jetstream.ErrBucketExists) {
			kv, lastErr = js.KeyValue(ctx, bucket)
		}
		if lastErr == nil {
			return &NATSKV{nc: nc, kv: kv, attempts: 20}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(1<<uint(attempt)) * 10 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("open KV bucket %s: %w", bucket, lastErr)
}

func toNATSKey(key string) string   { return strings.ReplaceAll(key, ":", ".") }
func fromNATSKey(key string) string { return strings.ReplaceAll(key, ".", ":") }

func (s *NATSKV) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.kv.Put(ctx, toNATSKey(key), value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *NATSKV) Get(ctx context.Context, key string) ([]byte, error) {
	e, err := s.kv.Get(ctx, toNATSKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, ErrAbsent
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return e.Value(), nil
}

// Update is a compare-and-set loop on the entry revision.
func (s *NATSKV) Update(ctx context.Context, key string, fn UpdateFunc) error {
	k := toNATSKey(key)
	for attempt := 0; attempt < s.attempts; attempt++ {
		var cur []byte
		var rev uint64
		e, err := s.kv.Get(ctx, k)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted):
		case err != nil:
			return fmt.Errorf("get %s: %w", key, err)
		default:
			cur, rev = e.Value(), e.Revision()
		}
		next, err := fn(cur, rev != 0)
		if err != nil {
			return err
		}
		if rev == 0 {
			_, err = s.kv.Create(ctx, k, next)
		} else {
			_, err = s.kv.Update(ctx, k, next, rev)
		}
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return fmt.Errorf("update %s: %w", key, err)
		}
	}
	return fmt.Errorf("update %s: too many concurrent writers", key)
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") || strings.Contains(msg, "10071")
}

func (s *NATSKV) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, toNATSKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *NATSKV) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = fromNATSKey(k)
	}
	return out, nil
}

func (s *NATSKV) Ping(ctx context.Context) error {
	if s.nc == nil || !s.nc.IsConnected() {
		return errors.New("nats not connected")
	}
	_, err := s.kv.Status(ctx)
	return err
}

// Close leaves the connection to its owner.
func (s *NATSKV) Close() error { return nil }
