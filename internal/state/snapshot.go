package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/3cpo-dev/commensal/internal/pool"
	"github.com/3cpo-dev/commensal/pkg/api"
)

// Persisted key layout.
const (
	KeyFree        = "free_instances"
	KeyQuarantined = "quarantined_instances"

	suffixFreeSub = ":freesub_state"
	suffixState   = ":state"
)

// RecordVersion is the current snapshot record layout.
const RecordVersion = 1

func FreeSubKey(subarray string) string { return subarray + suffixFreeSub }
func StateKey(subarray string) string   { return subarray + suffixState }

// Record is the persisted `<subarray>:state` object.
type Record struct {
	Version          int              `json:"version"`
	RecProcState     string           `json:"recproc_state"`
	Subscribed       []api.InstanceID `json:"subscribed"`
	Ready            []api.InstanceID `json:"ready"`
	Recording        []api.InstanceID `json:"recording"`
	Processing       []api.InstanceID `json:"processing"`
	Timestamp        time.Time        `json:"timestamp"`
	RecordingStarted *time.Time       `json:"recording_started"`
}

// SubarraySnapshot is everything persisted for one subarray.
type SubarraySnapshot struct {
	Pools            pool.Snapshot
	FreeSubState     string
	RecProcState     string
	RecordingStarted time.Time
}

// Record builds the persisted record.
func (s SubarraySnapshot) Record(at time.Time) Record {
	rec := Record{
		Version:      RecordVersion,
		RecProcState: s.RecProcState,
		Subscribed:   nonNil(s.Pools.Subscribed),
		Ready:        nonNil(s.Pools.Ready),
		Recording:    nonNil(s.Pools.Recording),
		Processing:   nonNil(s.Pools.Processing),
		Timestamp:    at.UTC(),
	}
	if !s.RecordingStarted.IsZero() {
		t := s.RecordingStarted.UTC()
		rec.RecordingStarted = &t
	}
	return rec
}

func nonNil(ids []api.InstanceID) []api.InstanceID {
	if ids == nil {
		return []api.InstanceID{}
	}
	return ids
}

// SnapshotStore writes and reads coordinator snapshots on top of a Store.
type SnapshotStore struct {
	store Store
	now   func() time.Time
}

func NewSnapshotStore(store Store) *SnapshotStore {
	return &SnapshotStore{store: store, now: time.Now}
}

// Store returns the underlying key-value store.
func (s *SnapshotStore) Store() Store { return s.store }

// PersistSnapshot writes the free list, quarantine list, freesub_state and
// state record, in that order. A crash between writes leaves a newer free
// list beside a stale record, which restore resolves in favor of the list.
func (s *SnapshotStore) PersistSnapshot(ctx context.Context, snap SubarraySnapshot) error {
	if err := s.PersistPools(ctx, snap.Pools.Free, snap.Pools.Quarantined); err != nil {
		return err
	}
	sa := snap.Pools.Subarray
	if err := s.putJSON(ctx, FreeSubKey(sa), snap.FreeSubState); err != nil {
		return err
	}
	return s.putJSON(ctx, StateKey(sa), snap.Record(s.now()))
}

// PersistPools writes only the two global lists.
func (s *SnapshotStore) PersistPools(ctx context.Context, free, quarantined []api.InstanceID) error {
	if err := s.putJSON(ctx, KeyFree, nonNil(free)); err != nil {
		return err
	}
	return s.putJSON(ctx, KeyQuarantined, nonNil(quarantined))
}

func (s *SnapshotStore) putJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return &api.PersistenceError{Op: "encode", Key: key, Err: err}
	}
	if err := s.store.Put(ctx, key, raw); err != nil {
		return &api.PersistenceError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// LoadedSubarray is what the store holds for one subarray. Record is nil
// when the state key is absent. Err is set when the state record could not
// be decoded, FreeSubErr when the freesub_state value could not.
type LoadedSubarray struct {
	Name         string
	FreeSubState string
	Record       *Record
	Err          error
	FreeSubErr   error
}

// Loaded is the raw content of the store.
type Loaded struct {
	Free        []api.InstanceID
	FreePresent bool
	Quarantined []api.InstanceID
	Subarrays   []LoadedSubarray
}

// LoadAll reads the global lists and the records of the named subarrays
// plus any other subarray found in the store. Named subarrays come first,
// in the given order.
func (s *SnapshotStore) LoadAll(ctx context.Context, subarrays []string) (Loaded, error) {
	var out Loaded
	var err error
	out.FreePresent, err = s.getJSON(ctx, KeyFree, &out.Free)
	if err != nil {
		return out, err
	}
	if _, err := s.getJSON(ctx, KeyQuarantined, &out.Quarantined); err != nil {
		return out, err
	}

	names, err := s.subarrayNames(ctx, subarrays)
	if err != nil {
		return out, err
	}
	for _, name := range names {
		ls := LoadedSubarray{Name: name}
		if _, err := s.getJSON(ctx, FreeSubKey(name), &ls.FreeSubState); err != nil {
			if !isDecode(err) {
				return out, err
			}
			ls.FreeSubErr = err
		}
		var rec Record
		ok, err := s.getJSON(ctx, StateKey(name), &rec)
		switch {
		case err != nil && !isDecode(err):
			return out, err
		case err != nil:
			ls.Err = err
		case ok:
			ls.Record = &rec
		}
		out.Subarrays = append(out.Subarrays, ls)
	}
	return out, nil
}

func (s *SnapshotStore) subarrayNames(ctx context.Context, named []string) ([]string, error) {
	keys, err := s.store.Keys(ctx)
	if err != nil {
		return nil, &api.PersistenceError{Op: "keys", Err: err}
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(named))
	for _, n := range named {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	var extra []string
	for _, k := range keys {
		var name string
		switch {
		case strings.HasSuffix(k, suffixFreeSub):
			name = strings.TrimSuffix(k, suffixFreeSub)
		case strings.HasSuffix(k, suffixState):
			name = strings.TrimSuffix(k, suffixState)
		default:
			continue
		}
		if name != "" && !seen[name] {
			seen[name] = true
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(out, extra...), nil
}

type decodeError struct {
	key string
	err error
}

func (e *decodeError) Error() string { return fmt.Sprintf("decode %s: %v", e.key, e.err) }
func (e *decodeError) Unwrap() error { return e.err }

func isDecode(err error) bool {
	var d *decodeError
	return errors.As(err, &d)
}

func (s *SnapshotStore) getJSON(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, ErrAbsent) {
		return false, nil
	}
	if err != nil {
		return false, &api.PersistenceError{Op: "get", Key: key, Err: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, &decodeError{key: key, err: err}
	}
	return true, nil
}

// Reset deletes the keys of the named subarrays, or every key when
// subarrays is empty.
func (s *SnapshotStore) Reset(ctx context.Context, subarrays []string) ([]string, error) {
	var keys []string
	if len(subarrays) == 0 {
		all, err := s.store.Keys(ctx)
		if err != nil {
			return nil, &api.PersistenceError{Op: "keys", Err: err}
		}
		keys = all
	} else {
		for _, sa := range subarrays {
			keys = append(keys, FreeSubKey(sa), StateKey(sa))
		}
	}
	for _, k := range keys {
		if err := s.store.Delete(ctx, k); err != nil {
			return nil, &api.PersistenceError{Op: "delete", Key: k, Err: err}
		}
	}
	return keys, nil
}
