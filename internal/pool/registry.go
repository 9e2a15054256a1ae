// Package pool holds the single-owner registry of instance pool membership.
// No other component reads or writes pool membership except through it.
package pool

import (
	"fmt"
	"sync"

	"github.com/3cpo-dev/commensal/pkg/api"
)

// Kind names a pool.
type Kind string

const (
	KindFree       Kind = "free"
	KindQuarantine Kind = "quarantine"
	KindSubscribed Kind = "subscribed"
	KindReady      Kind = "ready"
	KindRecording  Kind = "recording"
	KindProcessing Kind = "processing"
)

// SubarrayKinds lists the per-subarray pools.
var SubarrayKinds = []Kind{KindSubscribed, KindReady, KindRecording, KindProcessing}

// PoolRef addresses one pool. Global pools have an empty Subarray.
type PoolRef struct {
	Subarray string
	Kind     Kind
}

func (p PoolRef) String() string {
	if p.Subarray == "" {
		return string(p.Kind)
	}
	return p.Subarray + ":" + string(p.Kind)
}

// Free is the global free pool.
func Free() PoolRef { return PoolRef{Kind: KindFree} }

// Quarantine is the global pool of unhealthy instances.
func Quarantine() PoolRef { return PoolRef{Kind: KindQuarantine} }

// Subscribed is a subarray's staging pool of subscribed instances that have
// not been adopted into a lifecycle phase yet.
func Subscribed(subarray string) PoolRef { return PoolRef{Subarray: subarray, Kind: KindSubscribed} }

func Ready(subarray string) PoolRef      { return PoolRef{Subarray: subarray, Kind: KindReady} }
func Recording(subarray string) PoolRef  { return PoolRef{Subarray: subarray, Kind: KindRecording} }
func Processing(subarray string) PoolRef { return PoolRef{Subarray: subarray, Kind: KindProcessing} }

// View is read access to pool membership.
type View interface {
	Members(p PoolRef) []api.InstanceID
	Locate(id api.InstanceID) (PoolRef, bool)
}

// Registry maps every instance of a fixed universe to exactly one pool.
type Registry struct {
	mu       sync.RWMutex
	universe []api.InstanceID
	loc      map[api.InstanceID]PoolRef
	healthy  map[api.InstanceID]bool
	commitMu sync.Mutex
}

// NewRegistry places every instance in the free pool.
func NewRegistry(universe []api.InstanceID) (*Registry, error) {
	r := &Registry{
		loc:     make(map[api.InstanceID]PoolRef, len(universe)),
		healthy: make(map[api.InstanceID]bool, len(universe)),
	}
	for _, id := range universe {
		if _, dup := r.loc[id]; dup {
			return nil, fmt.Errorf("duplicate instance %s", id)
		}
		r.loc[id] = Free()
		r.healthy[id] = true
		r.universe = append(r.universe, id)
	}
	api.SortInstances(r.universe)
	return r, nil
}

// Universe returns every known instance in identifier order.
func (r *Registry) Universe() []api.InstanceID {
	out := make([]api.InstanceID, len(r.universe))
	copy(out, r.universe)
	return out
}

// Members returns a sorted copy of the pool's membership.
func (r *Registry) Members(p PoolRef) []api.InstanceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.membersLocked(p)
}

func (r *Registry) membersLocked(p PoolRef) []api.InstanceID {
	var out []api.InstanceID
	for _, id := range r.universe {
		if r.loc[id] == p {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the pool size.
func (r *Registry) Len(p PoolRef) int { return len(r.Members(p)) }

// Locate returns the pool currently holding id.
func (r *Registry) Locate(id api.InstanceID) (PoolRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.loc[id]
	return p, ok
}

// Healthy reports the instance health flag.
func (r *Registry) Healthy(id api.InstanceID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy[id]
}

// SubscribedSet returns every instance held by the subarray in any phase.
func (r *Registry) SubscribedSet(subarray string) []api.InstanceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return subscribedSet(lockedView{r}, subarray)
}

// Subarrays returns the names of subarrays that currently hold instances.
func (r *Registry) Subarrays() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, id := range r.universe {
		if s := r.loc[id].Subarray; s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// MoveInstances atomically moves ids from one pool to another. If any id is
// not currently in from, nothing moves and an AllocationError is returned.
func (r *Registry) MoveInstances(from, to PoolRef, ids []api.InstanceID) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLocked(from, ids); err != nil {
		return err
	}
	for _, id := range ids {
		r.place(id, to)
	}
	return nil
}

func (r *Registry) checkLocked(from PoolRef, ids []api.InstanceID) error {
	var missing []api.InstanceID
	seen := make(map[api.InstanceID]bool, len(ids))
	for _, id := range ids {
		if seen[id] || r.loc[id] != from {
			missing = append(missing, id)
		}
		seen[id] = true
	}
	if len(missing) > 0 {
		return &api.AllocationError{Pool: from.String(), Requested: len(ids), Available: len(ids) - len(missing), Missing: missing}
	}
	return nil
}

func (r *Registry) place(id api.InstanceID, to PoolRef) {
	r.loc[id] = to
	r.healthy[id] = to.Kind != KindQuarantine
}

// Snapshot is an immutable copy of one subarray's pools plus the global ones.
type Snapshot struct {
	Subarray    string
	Subscribed  []api.InstanceID
	Staged      []api.InstanceID
	Ready       []api.InstanceID
	Recording   []api.InstanceID
	Processing  []api.InstanceID
	Free        []api.InstanceID
	Quarantined []api.InstanceID
}

// Snapshot copies the current membership for persistence or display.
func (r *Registry) Snapshot(subarray string) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshotOf(lockedView{r}, subarray)
}

func snapshotOf(v View, subarray string) Snapshot {
	return Snapshot{
		Subarray:    subarray,
		Subscribed:  subscribedSet(v, subarray),
		Staged:      v.Members(Subscribed(subarray)),
		Ready:       v.Members(Ready(subarray)),
		Recording:   v.Members(Recording(subarray)),
		Processing:  v.Members(Processing(subarray)),
		Free:        v.Members(Free()),
		Quarantined: v.Members(Quarantine()),
	}
}

func subscribedSet(v View, subarray string) []api.InstanceID {
	var out []api.InstanceID
	for _, k := range SubarrayKinds {
		out = append(out, v.Members(PoolRef{Subarray: subarray, Kind: k})...)
	}
	return api.SortInstances(out)
}

// SnapshotOf builds a Snapshot from any view, e.g. a pending transaction.
func SnapshotOf(v View, subarray string) Snapshot { return snapshotOf(v, subarray) }

// Partition verifies that every universe member sits in exactly one pool.
// The map representation makes overlap impossible; it guards against ids
// that went missing.
func (r *Registry) Partition() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.loc) != len(r.universe) {
		return fmt.Errorf("registry tracks %d instances, universe has %d", len(r.loc), len(r.universe))
	}
	for _, id := range r.universe {
		if _, ok := r.loc[id]; !ok {
			return fmt.Errorf("instance %s is in no pool", id)
		}
	}
	return nil
}

// locked view used while persisting a commit
type lockedView struct{ r *Registry }

func (v lockedView) Members(p PoolRef) []api.InstanceID { return v.r.membersLocked(p) }
func (v lockedView) Locate(id api.InstanceID) (PoolRef, bool) {
	p, ok := v.r.loc[id]
	return p, ok
}
