package machine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/commensal/internal/pool"
	"github.com/3cpo-dev/commensal/internal/state"
	"github.com/3cpo-dev/commensal/pkg/api"
)

// Restored is the outcome of Restore.
type Restored struct {
	// Subarrays holds every loaded subarray, in load order.
	Subarrays []*Subarray
	// Inconsistent lists the subarrays that fell back to defaults.
	Inconsistent []*api.StateInconsistencyError
	// Dropped lists persisted ids that are not part of the universe.
	Dropped []api.InstanceID
}

// Active returns the restored subarrays that hold instances.
func (r Restored) Active() []*Subarray {
	var out []*Subarray
	for _, s := range r.Subarrays {
		if !s.Idle() {
			out = append(out, s)
		}
	}
	return out
}

// Persist writes a normalized snapshot for every restored subarray, idle
// and inconsistent ones included, replacing whatever record they were
// restored from.
func (r Restored) Persist(ctx context.Context) error {
	for _, s := range r.Subarrays {
		if err := s.Persist(ctx); err != nil {
			return fmt.Errorf("persist restored %s: %w", s.Name(), err)
		}
	}
	return nil
}

// restorer places instances one claim at a time.
type restorer struct {
	known     map[api.InstanceID]bool
	placement map[api.InstanceID]pool.PoolRef
	dropped   []api.InstanceID
}

// keep reports whether id belongs to the universe and records it as
// dropped otherwise.
func (r *restorer) keep(id api.InstanceID) bool {
	if r.known[id] {
		return true
	}
	r.dropped = append(r.dropped, id)
	return false
}

func (r *restorer) free(id api.InstanceID) bool {
	_, taken := r.placement[id]
	return !taken
}

// Restore rebuilds the registry membership and the machine states from
// stored snapshots. Global lists win over subarray records, and earlier
// subarrays win over later ones. A subarray whose record breaks the pool
// partition falls back to READY with whatever instances it can still
// claim.
func Restore(d *Deps, loaded state.Loaded) Restored {
	r := &restorer{
		known:     map[api.InstanceID]bool{},
		placement: map[api.InstanceID]pool.PoolRef{},
	}
	for _, id := range d.Registry.Universe() {
		r.known[id] = true
	}
	var out Restored

	for _, id := range loaded.Quarantined {
		if r.keep(id) && r.free(id) {
			r.placement[id] = pool.Quarantine()
		}
	}
	for _, id := range loaded.Free {
		if r.keep(id) && r.free(id) {
			r.placement[id] = pool.Free()
		}
	}

	for _, ls := range loaded.Subarrays {
		s := NewSubarray(ls.Name, d)
		reason := restoreSubarray(r, s, ls)
		if reason != "" {
			ie := &api.StateInconsistencyError{Subarray: ls.Name, Reason: reason}
			out.Inconsistent = append(out.Inconsistent, ie)
			log.Error().Str("subarray", ls.Name).Str("reason", reason).Msg("INCONSISTENT STATE, falling back to defaults")
		}
		out.Subarrays = append(out.Subarrays, s)
	}

	d.Registry.Reset(r.placement)
	out.Dropped = r.dropped
	if len(r.dropped) > 0 {
		log.Warn().Interface("instances", r.dropped).Msg("dropped unknown instances from stored state")
	}

	for _, s := range out.Subarrays {
		fs := StateFree
		if len(d.Registry.SubscribedSet(s.name)) > 0 {
			fs = StateSubscribed
		}
		s.fs = fs
		snap := d.Registry.Snapshot(s.name)
		publishGauges(d.Metrics, snap)
	}
	for i, ls := range loaded.Subarrays {
		s := out.Subarrays[i]
		if ls.FreeSubErr != nil {
			log.Warn().Err(ls.FreeSubErr).Str("subarray", s.name).Str("derived", string(s.fs)).Msg("ignoring unreadable freesub_state")
			continue
		}
		if ls.FreeSubState != "" && ls.FreeSubState != string(s.fs) {
			log.Warn().Str("subarray", s.name).Str("stored", ls.FreeSubState).Str("derived", string(s.fs)).Msg("freesub_state does not match subscribed pool")
		}
	}
	return out
}

// restoreSubarray claims the instances of one record and sets the RecProc
// state. It returns a non-empty reason when the record was inconsistent.
func restoreSubarray(r *restorer, s *Subarray, ls state.LoadedSubarray) string {
	if ls.Err != nil {
		return ls.Err.Error()
	}
	rec := ls.Record
	if rec == nil {
		return ""
	}

	var reasons []string
	rp := RecProcState(rec.RecProcState)
	if !rp.valid() {
		reasons = append(reasons, fmt.Sprintf("unknown recproc_state %q", rec.RecProcState))
		rp = StateReady
	}

	subscribed := map[api.InstanceID]bool{}
	for _, id := range rec.Subscribed {
		if subscribed[id] {
			reasons = append(reasons, fmt.Sprintf("%s listed twice", id))
		}
		subscribed[id] = true
	}
	phase := map[api.InstanceID]pool.Kind{}
	for _, p := range []struct {
		kind pool.Kind
		ids  []api.InstanceID
	}{
		{pool.KindReady, rec.Ready},
		{pool.KindRecording, rec.Recording},
		{pool.KindProcessing, rec.Processing},
	} {
		kind := p.kind
		for _, id := range p.ids {
			if !subscribed[id] {
				reasons = append(reasons, fmt.Sprintf("%s %s but not subscribed", id, kind))
				continue
			}
			if prev, dup := phase[id]; dup {
				reasons = append(reasons, fmt.Sprintf("%s in both %s and %s", id, prev, kind))
				continue
			}
			phase[id] = kind
		}
	}

	if rp != StateRecording && len(rec.Recording) > 0 {
		reasons = append(reasons, fmt.Sprintf("%s with a non-empty recording pool", rp))
	}
	if rp != StateProcessing && len(rec.Processing) > 0 {
		reasons = append(reasons, fmt.Sprintf("%s with a non-empty processing pool", rp))
	}

	// claim in identifier order so conflicts resolve deterministically
	var claimed []api.InstanceID
	for _, id := range api.SortInstances(keys(subscribed)) {
		if !r.keep(id) {
			continue
		}
		if !r.free(id) {
			reasons = append(reasons, fmt.Sprintf("%s already held by %s", id, r.placement[id]))
			continue
		}
		claimed = append(claimed, id)
	}

	if len(reasons) > 0 {
		for _, id := range claimed {
			r.placement[id] = pool.Ready(s.name)
		}
		s.rp = StateReady
		return joinReasons(reasons)
	}

	count := map[pool.Kind]int{}
	for _, id := range claimed {
		kind, ok := phase[id]
		if !ok {
			kind = pool.KindSubscribed
		}
		r.placement[id] = pool.PoolRef{Subarray: s.name, Kind: kind}
		count[kind]++
	}
	if (rp == StateRecording && count[pool.KindRecording] == 0) ||
		(rp == StateProcessing && count[pool.KindProcessing] == 0) {
		rp = StateReady
	}
	if rp == StateReady {
		for _, id := range claimed {
			if r.placement[id].Kind == pool.KindSubscribed {
				r.placement[id] = pool.Ready(s.name)
			}
		}
	}
	s.rp = rp
	if rp == StateRecording {
		s.started = rec.Timestamp
		if rec.RecordingStarted != nil {
			s.started = *rec.RecordingStarted
		}
		if s.started.IsZero() {
			s.started = s.d.now()
		}
	}
	return ""
}

func keys(m map[api.InstanceID]bool) []api.InstanceID {
	out := make([]api.InstanceID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

func joinReasons(reasons []string) string {
	const limit = 5
	if len(reasons) > limit {
		return fmt.Sprintf("%s and %d more", joinReasons(reasons[:limit]), len(reasons)-limit)
	}
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}
