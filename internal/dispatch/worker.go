package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/commensal/internal/bus"
	"github.com/3cpo-dev/commensal/internal/machine"
	"github.com/3cpo-dev/commensal/pkg/api"
)

// eventAbort is raised internally when a drain times out.
const eventAbort api.EventType = "abort"

type request struct {
	ev   api.Event
	done chan error
}

func (r request) finish(err error) {
	if r.done != nil {
		r.done <- err
	}
}

// worker serializes the events of one subarray. sub is nil for the global
// lane.
type worker struct {
	d    *Dispatcher
	name string
	sub  *machine.Subarray
	wake chan struct{}

	mu    sync.Mutex
	queue []request

	// owned by the worker goroutine
	draining   bool
	deconfig   request
	deferred   []request
	drainTimer *time.Timer
	recTimer   *time.Timer
	recAt      time.Time
}

func (w *worker) enqueue(r request) {
	w.mu.Lock()
	w.queue = append(w.queue, r)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) pop() (request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return request{}, false
	}
	r := w.queue[0]
	w.queue = w.queue[1:]
	return r, true
}

// requeue puts rs back at the head of the queue, in order.
func (w *worker) requeue(rs []request) {
	w.mu.Lock()
	w.queue = append(append([]request(nil), rs...), w.queue...)
	w.mu.Unlock()
}

func (w *worker) run() {
	defer w.d.wg.Done()
	defer w.stopTimers()
	ctx := context.Background()
	w.armRecordingTimer()

	for {
		var drainC, recC <-chan time.Time
		if w.drainTimer != nil {
			drainC = w.drainTimer.C
		}
		if w.recTimer != nil {
			recC = w.recTimer.C
		}

		select {
		case <-w.d.stop:
			w.shutdown()
			return
		case <-w.wake:
		case <-drainC:
			w.drainTimer = nil
			log.Warn().Str("subarray", w.name).Dur("timeout", w.d.opts.DrainTimeout).Msg("drain timed out, aborting")
			bus.Notifyf(ctx, w.d.deps.Notifier, w.name, bus.LevelWarn, "deconfigure drain timed out after %s, aborting", w.d.opts.DrainTimeout)
			_ = w.d.run(ctx, w, api.Event{Type: eventAbort, Subarray: w.name, Timestamp: time.Now()})
			w.finishDrain(ctx)
		case <-recC:
			w.recTimer = nil
			w.recAt = time.Time{}
			_ = w.d.run(ctx, w, api.Event{Type: api.EventRecordingTimeout, Subarray: w.name, Timestamp: time.Now()})
			w.afterEvent(ctx)
		}

		for {
			select {
			case <-w.d.stop:
				w.shutdown()
				return
			default:
			}
			r, ok := w.pop()
			if !ok {
				break
			}
			w.handle(ctx, r)
		}
		if w.retire() {
			return
		}
	}
}

// handle routes one queued request through the drain logic.
func (w *worker) handle(ctx context.Context, r request) {
	ev := r.ev
	if w.draining {
		switch ev.Type {
		case api.EventConfigure, api.EventDeconfigure, api.EventStartObservation:
			log.Debug().Str("subarray", w.name).Str("event", string(ev.Type)).Msg("deferred until drained")
			w.deferred = append(w.deferred, r)
			return
		}
	}
	if ev.Type == api.EventDeconfigure && w.sub != nil && !w.sub.Quiescent() {
		_, rp, _ := w.sub.State()
		log.Info().Str("subarray", w.name).Str("state", string(rp)).Dur("timeout", w.d.opts.DrainTimeout).Msg("draining before deconfigure")
		w.draining = true
		w.deconfig = r
		w.drainTimer = time.NewTimer(w.d.opts.DrainTimeout)
		return
	}
	r.finish(w.d.run(ctx, w, ev))
	w.afterEvent(ctx)
}

// afterEvent completes a drain once RecProc is READY and keeps the
// recording timer in step with the machine.
func (w *worker) afterEvent(ctx context.Context) {
	if w.draining && w.sub.Quiescent() {
		if w.drainTimer != nil {
			w.drainTimer.Stop()
			w.drainTimer = nil
		}
		w.finishDrain(ctx)
	}
	w.armRecordingTimer()
}

// finishDrain runs the pending deconfigure and replays deferred events.
func (w *worker) finishDrain(ctx context.Context) {
	w.draining = false
	deconfig, deferred := w.deconfig, w.deferred
	w.deconfig, w.deferred = request{}, nil
	deconfig.finish(w.d.run(ctx, w, deconfig.ev))
	w.requeue(deferred)
	w.armRecordingTimer()
}

func (w *worker) armRecordingTimer() {
	if w.sub == nil {
		return
	}
	at, ok := w.sub.RecordingDeadline()
	if !ok {
		if w.recTimer != nil {
			w.recTimer.Stop()
			w.recTimer, w.recAt = nil, time.Time{}
		}
		return
	}
	if w.recTimer != nil && at.Equal(w.recAt) {
		return
	}
	if w.recTimer != nil {
		w.recTimer.Stop()
	}
	w.recTimer, w.recAt = time.NewTimer(time.Until(at)), at
}

func (w *worker) stopTimers() {
	if w.drainTimer != nil {
		w.drainTimer.Stop()
	}
	if w.recTimer != nil {
		w.recTimer.Stop()
	}
}

// retire reports whether the worker left the dispatcher.
func (w *worker) retire() bool {
	if w.draining || w.recTimer != nil {
		return false
	}
	if w.sub != nil && !w.sub.Idle() {
		return false
	}
	return w.d.retire(w)
}

// shutdown fails everything still queued or deferred.
func (w *worker) shutdown() {
	w.mu.Lock()
	queued := w.queue
	w.queue = nil
	w.mu.Unlock()
	for _, r := range queued {
		r.finish(ErrClosed)
	}
	for _, r := range w.deferred {
		r.finish(ErrClosed)
	}
	w.deconfig.finish(ErrClosed)
}

// apply hands ev to the subarray, or to the global health handler.
func (w *worker) apply(ctx context.Context, ev api.Event) error {
	if ev.Type == eventAbort {
		return w.sub.RecProc().Abort(ctx)
	}
	if ev.Type == api.EventHealthUpdate {
		var p api.HealthUpdatePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		loc, ok := w.d.deps.Registry.Locate(p.Instance)
		if w.sub == nil || !ok || loc.Subarray != w.name {
			return machine.GlobalHealthUpdate(ctx, w.d.deps, p.Instance, p.Healthy)
		}
		return w.sub.HealthUpdate(ctx, p.Instance, p.Healthy)
	}
	if w.sub == nil {
		return &api.ConfigurationError{Reason: "event routed to the global lane"}
	}
	return w.sub.Handle(ctx, ev)
}
