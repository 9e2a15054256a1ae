package state

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/3cpo-dev/commensal/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	sq, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "state", "commensal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	_, nc := testutil.StartEmbeddedNATS(t)
	kv, err := OpenNATS(ctx, nc, "commensal-test")
	require.NoError(t, err)

	return map[string]Store{"memory": NewMemory(), "sqlite": sq, "nats": kv}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "array_1:state")
			require.ErrorIs(t, err, ErrAbsent)

			require.NoError(t, s.Put(ctx, "array_1:state", []byte(`{"a":1}`)))
			require.NoError(t, s.Put(ctx, "free_instances", []byte(`[]`)))
			v, err := s.Get(ctx, "array_1:state")
			require.NoError(t, err)
			assert.JSONEq(t, `{"a":1}`, string(v))

			keys, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"array_1:state", "free_instances"}, keys)

			require.NoError(t, s.Update(ctx, "counter", func(cur []byte, ok bool) ([]byte, error) {
				assert.False(t, ok)
				return []byte("1"), nil
			}))
			require.NoError(t, s.Update(ctx, "counter", func(cur []byte, ok bool) ([]byte, error) {
				assert.True(t, ok)
				return append(cur, '1'), nil
			}))
			v, err = s.Get(ctx, "counter")
			require.NoError(t, err)
			assert.Equal(t, "11", string(v))

			boom := errors.New("boom")
			err = s.Update(ctx, "counter", func([]byte, bool) ([]byte, error) { return nil, boom })
			require.ErrorIs(t, err, boom)
			v, _ = s.Get(ctx, "counter")
			assert.Equal(t, "11", string(v))

			require.NoError(t, s.Delete(ctx, "array_1:state"))
			_, err = s.Get(ctx, "array_1:state")
			require.ErrorIs(t, err, ErrAbsent)
			require.NoError(t, s.Ping(ctx))
		})
	}
}

func TestStoreUpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 5; j++ {
						err := s.Update(ctx, "n", func(cur []byte, ok bool) ([]byte, error) {
							return append(cur, 'x'), nil
						})
						assert.NoError(t, err)
					}
				}()
			}
			wg.Wait()
			v, err := s.Get(ctx, "n")
			require.NoError(t, err)
			assert.Len(t, v, 20)
		})
	}
}

func TestSQLiteRevisionAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "c.db")
	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", []byte("1")))
	require.NoError(t, s.Put(ctx, "k", []byte("2")))
	rev, err := s.Revision(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "etcd"})
	require.Error(t, err)
}
