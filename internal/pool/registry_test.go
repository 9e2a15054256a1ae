package pool

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/3cpo-dev/commensal/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(n int) []api.InstanceID {
	out := make([]api.InstanceID, n)
	for i := range out {
		out[i] = api.InstanceID(fmt.Sprintf("blpn%d/0", i))
	}
	return out
}

func newTestRegistry(t *testing.T, n int) *Registry {
	t.Helper()
	r, err := NewRegistry(ids(n))
	require.NoError(t, err)
	return r
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]api.InstanceID{"blpn0/0", "blpn0/0"})
	require.Error(t, err)
}

func TestConfigureTwoSubarrays(t *testing.T) {
	r := newTestRegistry(t, 7)
	all := ids(7)

	tx := r.Begin()
	got, err := tx.Take(Free(), Subscribed("array_1"), 2)
	require.NoError(t, err)
	require.NoError(t, r.Commit(tx, nil))
	assert.Equal(t, all[:2], got)

	tx = r.Begin()
	got, err = tx.Take(Free(), Subscribed("array_2"), 2)
	require.NoError(t, err)
	require.NoError(t, r.Commit(tx, nil))
	assert.Equal(t, all[2:4], got)

	assert.Equal(t, all[:2], r.SubscribedSet("array_1"))
	assert.Equal(t, all[2:4], r.SubscribedSet("array_2"))
	assert.Equal(t, all[4:], r.Members(Free()))
	assert.Empty(t, r.SubscribedSet("array_3"))
	require.NoError(t, r.Partition())
}

func TestTakeInsufficientLeavesFreeUnchanged(t *testing.T) {
	r := newTestRegistry(t, 3)
	tx := r.Begin()
	_, err := tx.Take(Free(), Subscribed("array_1"), 5)
	var allocErr *api.AllocationError
	require.True(t, errors.As(err, &allocErr))
	assert.Equal(t, 5, allocErr.Requested)
	assert.Equal(t, 3, allocErr.Available)
	assert.True(t, tx.Empty())
	assert.Len(t, r.Members(Free()), 3)
}

func TestMoveInstancesIsAllOrNothing(t *testing.T) {
	r := newTestRegistry(t, 4)
	all := ids(4)
	require.NoError(t, r.MoveInstances(Free(), Ready("a"), all[:2]))

	err := r.MoveInstances(Free(), Ready("a"), []api.InstanceID{all[2], all[0]})
	var allocErr *api.AllocationError
	require.True(t, errors.As(err, &allocErr))
	assert.Equal(t, []api.InstanceID{all[0]}, allocErr.Missing)
	assert.Equal(t, all[2:], r.Members(Free()))
	assert.Equal(t, all[:2], r.Members(Ready("a")))

	// duplicates are rejected too
	err = r.MoveInstances(Free(), Ready("a"), []api.InstanceID{all[2], all[2]})
	require.Error(t, err)
}

func TestCommitPersistFailureKeepsMembership(t *testing.T) {
	r := newTestRegistry(t, 3)
	tx := r.Begin()
	_, err := tx.Take(Free(), Subscribed("a"), 2)
	require.NoError(t, err)

	var seen Snapshot
	err = r.Commit(tx, func(v View) error {
		seen = SnapshotOf(v, "a")
		return errors.New("disk full")
	})
	var perr *api.PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Len(t, seen.Subscribed, 2)
	assert.Len(t, seen.Free, 1)
	assert.Len(t, r.Members(Free()), 3)
	assert.Empty(t, r.SubscribedSet("a"))
}

func TestCommitRevalidates(t *testing.T) {
	r := newTestRegistry(t, 2)
	tx := r.Begin()
	_, err := tx.Take(Free(), Subscribed("a"), 2)
	require.NoError(t, err)

	// a concurrent commit wins one of the instances first
	require.NoError(t, r.MoveInstances(Free(), Subscribed("b"), ids(2)[:1]))

	err = r.Commit(tx, func(View) error {
		t.Fatal("persist must not run for an invalid transaction")
		return nil
	})
	var allocErr *api.AllocationError
	require.True(t, errors.As(err, &allocErr))
	assert.Equal(t, ids(2)[1:], r.Members(Free()))
}

func TestTxChainsMoves(t *testing.T) {
	r := newTestRegistry(t, 3)
	tx := r.Begin()
	got, err := tx.Take(Free(), Subscribed("a"), 3)
	require.NoError(t, err)
	moved := tx.MoveAll(Subscribed("a"), Ready("a"))
	assert.Equal(t, got, moved)
	require.NoError(t, tx.Move(Ready("a"), Quarantine(), got[:1]))
	require.NoError(t, r.Commit(tx, nil))

	snap := r.Snapshot("a")
	assert.Equal(t, got[1:], snap.Ready)
	assert.Equal(t, got[1:], snap.Subscribed)
	assert.Equal(t, got[:1], snap.Quarantined)
	assert.False(t, r.Healthy(got[0]))
	assert.True(t, r.Healthy(got[1]))
}

func TestResetPlacesMissingInFree(t *testing.T) {
	r := newTestRegistry(t, 3)
	all := ids(3)
	r.Reset(map[api.InstanceID]PoolRef{all[0]: Recording("a"), all[1]: Quarantine()})
	assert.Equal(t, []api.InstanceID{all[0]}, r.Members(Recording("a")))
	assert.Equal(t, []api.InstanceID{all[2]}, r.Members(Free()))
	assert.Equal(t, []string{"a"}, r.Subarrays())
}

func TestConcurrentTakesNeverOverlap(t *testing.T) {
	r := newTestRegistry(t, 40)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(sa string) {
			defer wg.Done()
			for {
				tx := r.Begin()
				if _, err := tx.Take(Free(), Subscribed(sa), 1); err != nil {
					return
				}
				// a lost race on revalidation is fine, retry
				_ = r.Commit(tx, nil)
			}
		}(fmt.Sprintf("array_%d", i))
	}
	wg.Wait()

	total := 0
	for _, sa := range r.Subarrays() {
		total += len(r.SubscribedSet(sa))
	}
	assert.Equal(t, 40, total)
	assert.Empty(t, r.Members(Free()))
	require.NoError(t, r.Partition())
}
