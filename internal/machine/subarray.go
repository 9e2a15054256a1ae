// Package machine implements the per-subarray FreeSubscribed and RecProc
// state machines on top of the pool registry.
package machine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/commensal/internal/bus"
	"github.com/3cpo-dev/commensal/internal/node"
	"github.com/3cpo-dev/commensal/internal/pool"
	"github.com/3cpo-dev/commensal/internal/retry"
	"github.com/3cpo-dev/commensal/internal/state"
	"github.com/3cpo-dev/commensal/internal/telemetry"
	"github.com/3cpo-dev/commensal/pkg/api"
)

// FreeSubState is the FreeSubscribedMachine state.
type FreeSubState string

const (
	StateFree       FreeSubState = "FREE"
	StateSubscribed FreeSubState = "SUBSCRIBED"
)

// RecProcState is the RecProcMachine state.
type RecProcState string

const (
	StateReady      RecProcState = "READY"
	StateRecording  RecProcState = "RECORDING"
	StateProcessing RecProcState = "PROCESSING"
)

func (s RecProcState) valid() bool {
	return s == StateReady || s == StateRecording || s == StateProcessing
}

// Commander issues node commands to a batch of instances.
type Commander interface {
	Fanout(ctx context.Context, cmd api.Command, ids []api.InstanceID, paramsFor func(api.InstanceID) api.Params) node.Results
}

// SnapshotWriter persists coordinator state.
type SnapshotWriter interface {
	PersistSnapshot(ctx context.Context, snap state.SubarraySnapshot) error
	PersistPools(ctx context.Context, free, quarantined []api.InstanceID) error
}

// Settings are the machine tunables.
type Settings struct {
	// StreamsPerInstance is how many multicast groups each subscribed
	// instance receives. Zero spreads the groups evenly.
	StreamsPerInstance int
	// MaxRecording bounds a recording before it is stopped by the
	// coordinator.
	MaxRecording time.Duration
	// ProcessingEnabled runs post-recording processing.
	ProcessingEnabled bool
}

// Deps are the collaborators shared by every subarray.
type Deps struct {
	Registry *pool.Registry
	Store    SnapshotWriter
	Nodes    Commander
	Notifier bus.Notifier
	Metrics  *telemetry.Metrics
	Settings Settings
	// Retry governs re-persisting a commit whose snapshot write failed.
	// The zero value writes once.
	Retry retry.Config
	Now   func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

var subarrayName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName reports whether name can be used as a subarray name and as a
// store key prefix.
func ValidName(name string) error {
	if !subarrayName.MatchString(name) {
		return &api.ConfigurationError{Subarray: name, Reason: "subarray names may only contain letters, digits, '_' and '-'"}
	}
	return nil
}

// Subarray pairs the two machines of one observation subarray. Its
// operations must be called from one goroutine at a time; State may be
// called from anywhere.
type Subarray struct {
	name string
	d    *Deps

	mu      sync.Mutex
	fs      FreeSubState
	rp      RecProcState
	started time.Time
}

// NewSubarray returns a subarray in its initial FREE/READY state.
func NewSubarray(name string, d *Deps) *Subarray {
	return &Subarray{name: name, d: d, fs: StateFree, rp: StateReady}
}

func (s *Subarray) Name() string { return s.name }

// State returns both machine states and the recording start time.
func (s *Subarray) State() (FreeSubState, RecProcState, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fs, s.rp, s.started
}

// FreeSub returns the FreeSubscribedMachine view.
func (s *Subarray) FreeSub() *FreeSubscribedMachine { return &FreeSubscribedMachine{s: s} }

// RecProc returns the RecProcMachine view.
func (s *Subarray) RecProc() *RecProcMachine { return &RecProcMachine{s: s} }

// Quiescent reports whether RecProc is READY.
func (s *Subarray) Quiescent() bool {
	_, rp, _ := s.State()
	return rp == StateReady
}

// Idle reports whether the subarray holds no instances and can retire.
func (s *Subarray) Idle() bool {
	fs, rp, _ := s.State()
	return fs == StateFree && rp == StateReady && len(s.d.Registry.SubscribedSet(s.name)) == 0
}

// RecordingDeadline returns when the current recording must be stopped.
func (s *Subarray) RecordingDeadline() (time.Time, bool) {
	_, rp, started := s.State()
	if rp != StateRecording || s.d.Settings.MaxRecording <= 0 {
		return time.Time{}, false
	}
	return started.Add(s.d.Settings.MaxRecording), true
}

// Snapshot returns the subarray pools and states as they would be persisted.
func (s *Subarray) Snapshot() state.SubarraySnapshot {
	fs, rp, started := s.State()
	return state.SubarraySnapshot{
		Pools:            s.d.Registry.Snapshot(s.name),
		FreeSubState:     string(fs),
		RecProcState:     string(rp),
		RecordingStarted: started,
	}
}

// Persist writes the current snapshot without changing anything.
func (s *Subarray) Persist(ctx context.Context) error {
	fs, rp, started := s.State()
	return s.commit(ctx, s.d.Registry.Begin(), fs, rp, started)
}

func (s *Subarray) ref(k pool.Kind) pool.PoolRef { return pool.PoolRef{Subarray: s.name, Kind: k} }

// adoptStaged moves subscribed instances that are not in a phase into
// ready. Called whenever RecProc lands in READY.
func (s *Subarray) adoptStaged(tx *pool.Tx) {
	tx.MoveAll(s.ref(pool.KindSubscribed), s.ref(pool.KindReady))
}

// freeSubFor derives the FreeSubscribed state from the pending membership.
func (s *Subarray) freeSubFor(v pool.View) FreeSubState {
	if len(pool.SnapshotOf(v, s.name).Subscribed) > 0 {
		return StateSubscribed
	}
	return StateFree
}

// commit persists the prospective snapshot and, once durable, applies the
// moves and the new machine states.
func (s *Subarray) commit(ctx context.Context, tx *pool.Tx, fs FreeSubState, rp RecProcState, started time.Time) error {
	if rp != StateRecording {
		started = time.Time{}
	}
	var snap pool.Snapshot
	persist := func(v pool.View) error {
		snap = pool.SnapshotOf(v, s.name)
		return s.d.Store.PersistSnapshot(ctx, state.SubarraySnapshot{
			Pools:            snap,
			FreeSubState:     string(fs),
			RecProcState:     string(rp),
			RecordingStarted: started,
		})
	}
	// only the write is retried; node commands already ran
	retryable := func(err error) bool {
		var pe *api.PersistenceError
		if errors.As(err, &pe) {
			s.d.Metrics.PersistRetry()
			return true
		}
		return false
	}
	err := retry.Do(ctx, s.d.Retry, "persist "+s.name, retryable, func() error {
		return s.d.Registry.Commit(tx, persist)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	oldFS, oldRP := s.fs, s.rp
	s.fs, s.rp, s.started = fs, rp, started
	s.mu.Unlock()

	if oldFS != fs {
		s.d.Metrics.Transition("freesub", string(oldFS), string(fs))
		log.Info().Str("subarray", s.name).Str("from", string(oldFS)).Str("to", string(fs)).Msg("freesub transition")
	}
	if oldRP != rp {
		s.d.Metrics.Transition("recproc", string(oldRP), string(rp))
		log.Info().Str("subarray", s.name).Str("from", string(oldRP)).Str("to", string(rp)).Msg("recproc transition")
	}
	publishGauges(s.d.Metrics, snap)
	return nil
}

func publishGauges(m *telemetry.Metrics, snap pool.Snapshot) {
	if m == nil {
		return
	}
	m.SetPoolSize("", string(pool.KindFree), len(snap.Free))
	m.SetQuarantined(len(snap.Quarantined))
	if snap.Subarray == "" {
		return
	}
	m.SetPoolSize(snap.Subarray, string(pool.KindSubscribed), len(snap.Subscribed))
	m.SetPoolSize(snap.Subarray, string(pool.KindReady), len(snap.Ready))
	m.SetPoolSize(snap.Subarray, string(pool.KindRecording), len(snap.Recording))
	m.SetPoolSize(snap.Subarray, string(pool.KindProcessing), len(snap.Processing))
}

// quarantine stages failed instances out of from and alerts about them.
func (s *Subarray) quarantine(ctx context.Context, tx *pool.Tx, from pool.PoolRef, res node.Results, cmd api.Command) {
	failed := res.FailedIDs()
	if len(failed) == 0 {
		return
	}
	if err := tx.Move(from, pool.Quarantine(), failed); err != nil {
		// ids came from the same transaction
		log.Error().Err(err).Str("subarray", s.name).Msg("stage quarantine")
		return
	}
	for _, id := range failed {
		log.Warn().Err(res.Failed[id]).Str("subarray", s.name).Str("instance", id.String()).Str("command", string(cmd)).Msg("quarantining instance")
	}
	bus.Notifyf(ctx, s.d.Notifier, s.name, bus.LevelWarn, "%s failed on %d instance(s), quarantined: %v", cmd, len(failed), failed)
}

func (s *Subarray) invalid(format string, args ...any) error {
	return &api.ConfigurationError{Subarray: s.name, Reason: fmt.Sprintf(format, args...)}
}

// Handle applies one event to the subarray's machines.
func (s *Subarray) Handle(ctx context.Context, ev api.Event) error {
	switch ev.Type {
	case api.EventConfigure:
		var p api.ConfigurePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return s.FreeSub().Configure(ctx, p.N, p.MulticastGroups)
	case api.EventDeconfigure:
		return s.FreeSub().Deconfigure(ctx)
	case api.EventStartObservation:
		return s.RecProc().StartRecording(ctx, ev.Payload)
	case api.EventStopObservation:
		var p api.StopObservationPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return s.RecProc().StopRecording(ctx, StopOptions{PrimaryTime: p.PrimaryTime})
	case api.EventProcessingDone:
		var p api.ProcessingDonePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return s.RecProc().ProcessingComplete(ctx, p.Instance, p.ReturnCode)
	case api.EventRecordingTimeout:
		return s.RecProc().Timeout(ctx, s.d.now())
	case api.EventHealthUpdate:
		var p api.HealthUpdatePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return s.HealthUpdate(ctx, p.Instance, p.Healthy)
	}
	return s.invalid("unsupported event %q", ev.Type)
}

// HealthUpdate quarantines an unhealthy instance owned by the subarray. A
// phase pool emptied this way returns RecProc to READY.
func (s *Subarray) HealthUpdate(ctx context.Context, id api.InstanceID, healthy bool) error {
	loc, ok := s.d.Registry.Locate(id)
	if !ok {
		return s.invalid("unknown instance %s", id)
	}
	if loc.Subarray != s.name {
		return s.invalid("instance %s is not held by this subarray", id)
	}
	if healthy {
		return nil
	}
	tx := s.d.Registry.Begin()
	if err := tx.Move(loc, pool.Quarantine(), []api.InstanceID{id}); err != nil {
		return err
	}
	fs, rp, started := s.State()
	if (rp == StateRecording && len(tx.Members(s.ref(pool.KindRecording))) == 0) ||
		(rp == StateProcessing && len(tx.Members(s.ref(pool.KindProcessing))) == 0) {
		rp = StateReady
	}
	if rp == StateReady {
		s.adoptStaged(tx)
	}
	fs = s.freeSubFor(tx)
	if err := s.commit(ctx, tx, fs, rp, started); err != nil {
		return err
	}
	bus.Notifyf(ctx, s.d.Notifier, s.name, bus.LevelWarn, "instance %s reported unhealthy, quarantined", id)
	return nil
}

// GlobalHealthUpdate moves an instance between free and quarantine. It
// handles instances that no subarray holds.
func GlobalHealthUpdate(ctx context.Context, d *Deps, id api.InstanceID, healthy bool) error {
	loc, ok := d.Registry.Locate(id)
	if !ok {
		return &api.ConfigurationError{Reason: fmt.Sprintf("unknown instance %s", id)}
	}
	if loc.Subarray != "" {
		return &api.ConfigurationError{Subarray: loc.Subarray, Reason: fmt.Sprintf("instance %s is held by a subarray", id)}
	}
	from, to := pool.Free(), pool.Quarantine()
	if healthy {
		from, to = pool.Quarantine(), pool.Free()
	}
	if loc != from {
		return nil
	}
	tx := d.Registry.Begin()
	if err := tx.Move(from, to, []api.InstanceID{id}); err != nil {
		return err
	}
	var snap pool.Snapshot
	err := d.Registry.Commit(tx, func(v pool.View) error {
		snap = pool.SnapshotOf(v, "")
		return d.Store.PersistPools(ctx, snap.Free, snap.Quarantined)
	})
	if err != nil {
		return err
	}
	publishGauges(d.Metrics, snap)
	if healthy {
		bus.Notifyf(ctx, d.Notifier, "", bus.LevelInfo, "instance %s healthy again, returned to free pool", id)
	} else {
		bus.Notifyf(ctx, d.Notifier, "", bus.LevelWarn, "instance %s reported unhealthy, quarantined", id)
	}
	return nil
}
