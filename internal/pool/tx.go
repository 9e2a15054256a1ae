package pool

import (
	"github.com/3cpo-dev/commensal/pkg/api"
)

type move struct {
	from, to PoolRef
	ids      []api.InstanceID
}

// Tx stages a sequence of moves over a copy-on-write overlay. Nothing is
// visible to other readers until Commit succeeds.
type Tx struct {
	r       *Registry
	overlay map[api.InstanceID]PoolRef
	moves   []move
}

// Begin opens a transaction against the registry.
func (r *Registry) Begin() *Tx {
	return &Tx{r: r, overlay: map[api.InstanceID]PoolRef{}}
}

// Locate returns the pool holding id as seen by the transaction.
func (tx *Tx) Locate(id api.InstanceID) (PoolRef, bool) {
	if p, ok := tx.overlay[id]; ok {
		return p, true
	}
	return tx.r.Locate(id)
}

// Members lists a pool as seen by the transaction.
func (tx *Tx) Members(p PoolRef) []api.InstanceID {
	var out []api.InstanceID
	for _, id := range tx.r.universe {
		if loc, _ := tx.Locate(id); loc == p {
			out = append(out, id)
		}
	}
	return out
}

// Empty reports whether the transaction stages no moves.
func (tx *Tx) Empty() bool { return len(tx.moves) == 0 }

// Move stages moving ids from one pool to another. It fails without staging
// anything if any id is not in from.
func (tx *Tx) Move(from, to PoolRef, ids []api.InstanceID) error {
	if len(ids) == 0 {
		return nil
	}
	var missing []api.InstanceID
	seen := make(map[api.InstanceID]bool, len(ids))
	for _, id := range ids {
		if loc, ok := tx.Locate(id); !ok || loc != from || seen[id] {
			missing = append(missing, id)
		}
		seen[id] = true
	}
	if len(missing) > 0 {
		return &api.AllocationError{Pool: from.String(), Requested: len(ids), Available: len(ids) - len(missing), Missing: missing}
	}
	cp := make([]api.InstanceID, len(ids))
	copy(cp, ids)
	for _, id := range cp {
		tx.overlay[id] = to
	}
	tx.moves = append(tx.moves, move{from: from, to: to, ids: cp})
	return nil
}

// MoveAll stages moving the whole pool and returns what moved.
func (tx *Tx) MoveAll(from, to PoolRef) []api.InstanceID {
	ids := tx.Members(from)
	// ids come from the same view, Move cannot reject them
	_ = tx.Move(from, to, ids)
	return ids
}

// Take stages moving the first n instances of from, in identifier order.
// When fewer than n are available it returns an AllocationError and stages
// nothing.
func (tx *Tx) Take(from, to PoolRef, n int) ([]api.InstanceID, error) {
	avail := tx.Members(from)
	if n > len(avail) {
		return nil, &api.AllocationError{Pool: from.String(), Requested: n, Available: len(avail)}
	}
	ids := avail[:n]
	if err := tx.Move(from, to, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// pendingView overlays staged moves on the registry while its lock is held.
type pendingView struct {
	base    lockedView
	overlay map[api.InstanceID]PoolRef
}

func (v pendingView) Locate(id api.InstanceID) (PoolRef, bool) {
	if p, ok := v.overlay[id]; ok {
		return p, true
	}
	return v.base.Locate(id)
}

func (v pendingView) Members(p PoolRef) []api.InstanceID {
	var out []api.InstanceID
	for _, id := range v.base.r.universe {
		if loc, _ := v.Locate(id); loc == p {
			out = append(out, id)
		}
	}
	return out
}

// Commit re-validates the staged moves against the current membership,
// hands the prospective view to persist, and applies the moves only when
// persist succeeds. Commits are serialized. A persist failure is returned
// as a PersistenceError and leaves membership untouched.
func (r *Registry) Commit(tx *Tx, persist func(View) error) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	r.mu.RLock()
	view := pendingView{base: lockedView{r}, overlay: map[api.InstanceID]PoolRef{}}
	for _, m := range tx.moves {
		var missing []api.InstanceID
		for _, id := range m.ids {
			if loc, _ := view.Locate(id); loc != m.from {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			r.mu.RUnlock()
			return &api.AllocationError{Pool: m.from.String(), Requested: len(m.ids), Available: len(m.ids) - len(missing), Missing: missing}
		}
		for _, id := range m.ids {
			view.overlay[id] = m.to
		}
	}
	var err error
	if persist != nil {
		err = persist(view)
	}
	r.mu.RUnlock()
	if err != nil {
		if _, ok := err.(*api.PersistenceError); ok {
			return err
		}
		return &api.PersistenceError{Op: "commit", Err: err}
	}

	r.mu.Lock()
	for id, to := range view.overlay {
		r.place(id, to)
	}
	r.mu.Unlock()
	return nil
}

// Reset replaces all membership at once. Instances missing from placement
// land in the free pool. Used when restoring persisted state.
func (r *Registry) Reset(placement map[api.InstanceID]PoolRef) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.universe {
		to, ok := placement[id]
		if !ok {
			to = Free()
		}
		r.place(id, to)
	}
}
