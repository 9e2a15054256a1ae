package machine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/commensal/internal/bus"
	"github.com/3cpo-dev/commensal/internal/pool"
	"github.com/3cpo-dev/commensal/pkg/api"
)

// FreeSubscribedMachine moves instances between the free pool and a
// subarray's subscribed set.
type FreeSubscribedMachine struct {
	s *Subarray
}

// State returns the current FreeSubscribed state.
func (m *FreeSubscribedMachine) State() FreeSubState {
	fs, _, _ := m.s.State()
	return fs
}

// Configure subscribes n more free instances to the subarray and splits
// groups between them. Instances whose subscribe command fails are
// quarantined. When RecProc is READY the new instances join the ready
// pool at once; otherwise they stay staged until it returns to READY.
func (m *FreeSubscribedMachine) Configure(ctx context.Context, n int, groups []string) error {
	s := m.s
	if n <= 0 {
		return s.invalid("configure needs a positive instance count, got %d", n)
	}
	tx := s.d.Registry.Begin()
	ids, err := tx.Take(pool.Free(), s.ref(pool.KindSubscribed), n)
	if err != nil {
		var ae *api.AllocationError
		if errors.As(err, &ae) {
			bus.Notifyf(ctx, s.d.Notifier, s.name, bus.LevelError, "configure requested %d instances, %d free", ae.Requested, ae.Available)
		}
		return err
	}

	assign := Apportion(groups, ids, s.d.Settings.StreamsPerInstance)
	res := s.d.Nodes.Fanout(ctx, api.CmdSubscribe, ids, func(id api.InstanceID) api.Params {
		return api.Params{"subarray": s.name, "multicast_groups": assign[id]}
	})
	s.quarantine(ctx, tx, s.ref(pool.KindSubscribed), res, api.CmdSubscribe)

	_, rp, started := s.State()
	if rp == StateReady {
		s.adoptStaged(tx)
	}
	if err := s.commit(ctx, tx, s.freeSubFor(tx), rp, started); err != nil {
		return err
	}
	log.Info().Str("subarray", s.name).Int("requested", n).Int("subscribed", len(res.Succeeded)).Msg("configured")
	if len(res.Succeeded) > 0 {
		bus.Notifyf(ctx, s.d.Notifier, s.name, bus.LevelInfo, "subscribed %d instance(s): %v", len(res.Succeeded), res.Succeeded)
	}
	return nil
}

// Deconfigure unsubscribes every instance of the subarray and returns them
// to the free pool. Instances that fail to unsubscribe are quarantined.
// It is a no-op on a FREE subarray and refused unless RecProc is READY.
func (m *FreeSubscribedMachine) Deconfigure(ctx context.Context) error {
	s := m.s
	fs, rp, _ := s.State()
	if fs == StateFree && len(s.d.Registry.SubscribedSet(s.name)) == 0 {
		return nil
	}
	if rp != StateReady {
		return s.invalid("cannot deconfigure while %s", rp)
	}

	tx := s.d.Registry.Begin()
	held := pool.SnapshotOf(tx, s.name).Subscribed
	res := s.d.Nodes.Fanout(ctx, api.CmdUnsubscribe, held, func(api.InstanceID) api.Params {
		return api.Params{"subarray": s.name}
	})
	failed := res.Failed
	for _, k := range pool.SubarrayKinds {
		from := s.ref(k)
		for _, id := range tx.Members(from) {
			to := pool.Free()
			if _, bad := failed[id]; bad {
				to = pool.Quarantine()
			}
			if err := tx.Move(from, to, []api.InstanceID{id}); err != nil {
				return err
			}
		}
	}
	for _, id := range res.FailedIDs() {
		log.Warn().Err(failed[id]).Str("subarray", s.name).Str("instance", id.String()).Msg("quarantining instance")
	}
	if len(failed) > 0 {
		bus.Notifyf(ctx, s.d.Notifier, s.name, bus.LevelWarn, "unsubscribe failed on %d instance(s), quarantined: %v", len(failed), res.FailedIDs())
	}

	if err := s.commit(ctx, tx, StateFree, StateReady, time.Time{}); err != nil {
		return err
	}
	s.d.Metrics.ForgetSubarray(s.name)
	log.Info().Str("subarray", s.name).Int("released", len(res.Succeeded)).Msg("deconfigured")
	return nil
}

// Apportion splits groups between ids in identifier order. Each instance
// takes per groups and the last one also takes the remainder. When per is
// zero or less the groups are spread evenly. Instances beyond the groups
// get none.
func Apportion(groups []string, ids []api.InstanceID, per int) map[api.InstanceID][]string {
	out := make(map[api.InstanceID][]string, len(ids))
	if len(ids) == 0 {
		return out
	}
	if per <= 0 {
		per = (len(groups) + len(ids) - 1) / len(ids)
	}
	for i, id := range ids {
		lo := i * per
		hi := lo + per
		if i == len(ids)-1 || hi > len(groups) {
			hi = len(groups)
		}
		if lo >= len(groups) || lo >= hi {
			out[id] = []string{}
			continue
		}
		out[id] = append([]string(nil), groups[lo:hi]...)
	}
	return out
}
