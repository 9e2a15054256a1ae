package machine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/commensal/internal/bus"
	"github.com/3cpo-dev/commensal/internal/pool"
	"github.com/3cpo-dev/commensal/pkg/api"
)

// RecProcMachine drives a subarray's ready instances through recording
// and post-processing.
type RecProcMachine struct {
	s *Subarray
}

// State returns the current RecProc state.
func (m *RecProcMachine) State() RecProcState {
	_, rp, _ := m.s.State()
	return rp
}

// StopOptions qualify a stop.
type StopOptions struct {
	// PrimaryTime skips post-processing: the telescope's primary user
	// keeps the nodes.
	PrimaryTime bool
	// Forced marks a stop raised by the recording time limit.
	Forced bool
}

// StartRecording starts a recording on every ready instance. Instances that
// fail to start are quarantined. When none starts, RecProc stays READY and
// an error is returned.
func (m *RecProcMachine) StartRecording(ctx context.Context, params api.Params) error {
	s := m.s
	_, rp, _ := s.State()
	if rp != StateReady {
		return s.invalid("cannot start recording while %s", rp)
	}
	tx := s.d.Registry.Begin()
	s.adoptStaged(tx)
	ready := tx.Members(s.ref(pool.KindReady))
	if len(ready) == 0 {
		return s.invalid("no ready instances to record with")
	}

	res := s.d.Nodes.Fanout(ctx, api.CmdStartRecording, ready, func(api.InstanceID) api.Params {
		return withSubarray(params, s.name)
	})
	s.quarantine(ctx, tx, s.ref(pool.KindReady), res, api.CmdStartRecording)
	if len(res.Succeeded) == 0 {
		if err := s.commit(ctx, tx, s.freeSubFor(tx), StateReady, time.Time{}); err != nil {
			return err
		}
		bus.Notifyf(ctx, s.d.Notifier, s.name, bus.LevelError, "recording did not start on any instance")
		return fmt.Errorf("%s: start_recording failed on all %d instance(s)", s.name, len(ready))
	}
	if err := tx.Move(s.ref(pool.KindReady), s.ref(pool.KindRecording), res.Succeeded); err != nil {
		return err
	}
	now := s.d.now()
	if err := s.commit(ctx, tx, s.freeSubFor(tx), StateRecording, now); err != nil {
		return err
	}
	log.Info().Str("subarray", s.name).Int("instances", len(res.Succeeded)).Msg("recording started")
	bus.Notifyf(ctx, s.d.Notifier, s.name, bus.LevelInfo, "recording started on %d instance(s)", len(res.Succeeded))
	return nil
}

// StopRecording stops the recording. Unless the stop is on primary time or
// processing is disabled, the stopped instances start processing.
func (m *RecProcMachine) StopRecording(ctx context.Context, opts StopOptions) error {
	s := m.s
	_, rp, _ := s.State()
	if rp != StateRecording {
		return s.invalid("cannot stop recording while %s", rp)
	}
	tx := s.d.Registry.Begin()
	recording := s.ref(pool.KindRecording)
	res := s.d.Nodes.Fanout(ctx, api.CmdStopRecording, tx.Members(recording), func(api.InstanceID) api.Params {
		return api.Params{"subarray": s.name}
	})
	s.quarantine(ctx, tx, recording, res, api.CmdStopRecording)

	next := StateReady
	stopped := res.Succeeded
	if s.d.Settings.ProcessingEnabled && !opts.PrimaryTime && len(stopped) > 0 {
		pres := s.d.Nodes.Fanout(ctx, api.CmdStartProcessing, stopped, func(api.InstanceID) api.Params {
			return api.Params{"subarray": s.name}
		})
		s.quarantine(ctx, tx, recording, pres, api.CmdStartProcessing)
		if len(pres.Succeeded) > 0 {
			if err := tx.Move(recording, s.ref(pool.KindProcessing), pres.Succeeded); err != nil {
				return err
			}
			next = StateProcessing
		}
	} else if err := tx.Move(recording, s.ref(pool.KindReady), stopped); err != nil {
		return err
	}
	if next == StateReady {
		s.adoptStaged(tx)
	}
	if err := s.commit(ctx, tx, s.freeSubFor(tx), next, time.Time{}); err != nil {
		return err
	}
	log.Info().Str("subarray", s.name).Bool("primary_time", opts.PrimaryTime).Bool("forced", opts.Forced).Str("next", string(next)).Msg("recording stopped")
	bus.Notifyf(ctx, s.d.Notifier, s.name, bus.LevelInfo, "recording stopped, %s", next)
	return nil
}

// ProcessingComplete returns a finished instance to the ready pool, or the
// whole processing pool when instance is empty. A return code of 2 or more
// quarantines instead. RecProc becomes READY once nothing is processing.
func (m *RecProcMachine) ProcessingComplete(ctx context.Context, instance api.InstanceID, returnCode int) error {
	s := m.s
	_, rp, _ := s.State()
	if rp != StateProcessing {
		return s.invalid("processing_done while %s", rp)
	}
	tx := s.d.Registry.Begin()
	processing := s.ref(pool.KindProcessing)
	done := tx.Members(processing)
	if instance != "" {
		if loc, ok := tx.Locate(instance); !ok || loc != processing {
			return s.invalid("instance %s is not processing", instance)
		}
		done = []api.InstanceID{instance}
	}
	to := s.ref(pool.KindReady)
	if returnCode >= 2 {
		to = pool.Quarantine()
	}
	if err := tx.Move(processing, to, done); err != nil {
		return err
	}
	next := StateProcessing
	if len(tx.Members(processing)) == 0 {
		next = StateReady
		s.adoptStaged(tx)
	}
	if err := s.commit(ctx, tx, s.freeSubFor(tx), next, time.Time{}); err != nil {
		return err
	}
	if returnCode >= 2 {
		bus.Notifyf(ctx, s.d.Notifier, s.name, bus.LevelWarn, "processing returned %d on %v, quarantined", returnCode, done)
	}
	if next == StateReady {
		log.Info().Str("subarray", s.name).Msg("processing complete")
		bus.Notifyf(ctx, s.d.Notifier, s.name, bus.LevelInfo, "processing complete")
	}
	return nil
}

// Timeout stops a recording that has run past the limit, with processing.
// It does nothing when not recording or still within the limit.
func (m *RecProcMachine) Timeout(ctx context.Context, now time.Time) error {
	s := m.s
	deadline, ok := s.RecordingDeadline()
	if !ok || now.Before(deadline) {
		return nil
	}
	bus.Notifyf(ctx, s.d.Notifier, s.name, bus.LevelWarn, "recording exceeded %s, stopping", s.d.Settings.MaxRecording)
	return m.StopRecording(ctx, StopOptions{Forced: true})
}

// Abort cancels the current phase and returns every instance to ready.
// Instances that do not acknowledge the stop are quarantined.
func (m *RecProcMachine) Abort(ctx context.Context) error {
	s := m.s
	_, rp, _ := s.State()
	var from pool.PoolRef
	var cmd api.Command
	switch rp {
	case StateRecording:
		from, cmd = s.ref(pool.KindRecording), api.CmdStopRecording
	case StateProcessing:
		from, cmd = s.ref(pool.KindProcessing), api.CmdStopProcessing
	default:
		return nil
	}
	tx := s.d.Registry.Begin()
	res := s.d.Nodes.Fanout(ctx, cmd, tx.Members(from), func(api.InstanceID) api.Params {
		return api.Params{"subarray": s.name}
	})
	s.quarantine(ctx, tx, from, res, cmd)
	if err := tx.Move(from, s.ref(pool.KindReady), res.Succeeded); err != nil {
		return err
	}
	s.adoptStaged(tx)
	if err := s.commit(ctx, tx, s.freeSubFor(tx), StateReady, time.Time{}); err != nil {
		return err
	}
	bus.Notifyf(ctx, s.d.Notifier, s.name, bus.LevelWarn, "%s aborted", rp)
	return nil
}

func withSubarray(params api.Params, subarray string) api.Params {
	out := make(api.Params, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["subarray"] = subarray
	return out
}
