package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3cpo-dev/commensal/internal/pool"
	"github.com/3cpo-dev/commensal/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStore remembers the order of writes.
type recordingStore struct {
	*Memory
	order []string
}

func (r *recordingStore) Put(ctx context.Context, key string, value []byte) error {
	r.order = append(r.order, key)
	return r.Memory.Put(ctx, key, value)
}

func sampleSnapshot() SubarraySnapshot {
	return SubarraySnapshot{
		Pools: pool.Snapshot{
			Subarray:    "array_1",
			Subscribed:  []api.InstanceID{"blpn0/0", "blpn0/1", "blpn1/0"},
			Ready:       []api.InstanceID{"blpn1/0"},
			Recording:   []api.InstanceID{"blpn0/0", "blpn0/1"},
			Free:        []api.InstanceID{"blpn2/0"},
			Quarantined: []api.InstanceID{"blpn3/0"},
		},
		FreeSubState:     "SUBSCRIBED",
		RecProcState:     "RECORDING",
		RecordingStarted: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPersistSnapshotWriteOrder(t *testing.T) {
	rs := &recordingStore{Memory: NewMemory()}
	ss := NewSnapshotStore(rs)
	require.NoError(t, ss.PersistSnapshot(context.Background(), sampleSnapshot()))
	assert.Equal(t, []string{KeyFree, KeyQuarantined, "array_1:freesub_state", "array_1:state"}, rs.order)
}

func TestPersistThenLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	ss := NewSnapshotStore(NewMemory())
	snap := sampleSnapshot()
	require.NoError(t, ss.PersistSnapshot(ctx, snap))

	loaded, err := ss.LoadAll(ctx, []string{"array_1", "array_2"})
	require.NoError(t, err)
	assert.True(t, loaded.FreePresent)
	assert.Equal(t, snap.Pools.Free, loaded.Free)
	assert.Equal(t, snap.Pools.Quarantined, loaded.Quarantined)
	require.Len(t, loaded.Subarrays, 2)

	a1 := loaded.Subarrays[0]
	require.NotNil(t, a1.Record)
	assert.Equal(t, "SUBSCRIBED", a1.FreeSubState)
	assert.Equal(t, RecordVersion, a1.Record.Version)
	assert.Equal(t, "RECORDING", a1.Record.RecProcState)
	assert.Equal(t, snap.Pools.Subscribed, a1.Record.Subscribed)
	assert.Equal(t, snap.Pools.Recording, a1.Record.Recording)
	assert.Empty(t, a1.Record.Processing)
	require.NotNil(t, a1.Record.RecordingStarted)
	assert.True(t, snap.RecordingStarted.Equal(*a1.Record.RecordingStarted))

	a2 := loaded.Subarrays[1]
	assert.Equal(t, "array_2", a2.Name)
	assert.Nil(t, a2.Record)
	assert.Empty(t, a2.FreeSubState)
}

func TestLoadAllDiscoversUnlistedSubarrays(t *testing.T) {
	ctx := context.Background()
	ss := NewSnapshotStore(NewMemory())
	snap := sampleSnapshot()
	snap.Pools.Subarray = "array_9"
	require.NoError(t, ss.PersistSnapshot(ctx, snap))

	loaded, err := ss.LoadAll(ctx, []string{"array_1"})
	require.NoError(t, err)
	require.Len(t, loaded.Subarrays, 2)
	assert.Equal(t, "array_1", loaded.Subarrays[0].Name)
	assert.Equal(t, "array_9", loaded.Subarrays[1].Name)
}

func TestLoadAllReportsMalformedRecord(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, StateKey("array_1"), []byte("{not json")))
	loaded, err := NewSnapshotStore(m).LoadAll(ctx, []string{"array_1"})
	require.NoError(t, err)
	assert.False(t, loaded.FreePresent)
	require.Len(t, loaded.Subarrays, 1)
	assert.Error(t, loaded.Subarrays[0].Err)
	assert.Nil(t, loaded.Subarrays[0].Record)
}

func TestLoadAllKeepsRecordBesideMalformedFreeSub(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ss := NewSnapshotStore(m)
	require.NoError(t, ss.PersistSnapshot(ctx, sampleSnapshot()))
	sa := sampleSnapshot().Pools.Subarray
	require.NoError(t, m.Put(ctx, FreeSubKey(sa), []byte("SUBSCRIBED")))

	loaded, err := ss.LoadAll(ctx, []string{sa})
	require.NoError(t, err)
	require.Len(t, loaded.Subarrays, 1)
	ls := loaded.Subarrays[0]
	assert.Error(t, ls.FreeSubErr)
	assert.NoError(t, ls.Err)
	require.NotNil(t, ls.Record)
	assert.Equal(t, sampleSnapshot().RecProcState, ls.Record.RecProcState)
}

func TestPersistFailureIsPersistenceError(t *testing.T) {
	m := NewMemory()
	m.FailWith(FailAll)
	err := NewSnapshotStore(m).PersistSnapshot(context.Background(), sampleSnapshot())
	var perr *api.PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, KeyFree, perr.Key)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ss := NewSnapshotStore(m)
	require.NoError(t, ss.PersistSnapshot(ctx, sampleSnapshot()))

	deleted, err := ss.Reset(ctx, []string{"array_1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"array_1:freesub_state", "array_1:state"}, deleted)
	keys, _ := m.Keys(ctx)
	assert.Equal(t, []string{KeyFree, KeyQuarantined}, keys)

	_, err = ss.Reset(ctx, nil)
	require.NoError(t, err)
	keys, _ = m.Keys(ctx)
	assert.Empty(t, keys)
}
