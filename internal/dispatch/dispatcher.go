// Package dispatch routes notification events to per-subarray workers.
//
// Each active subarray has one worker goroutine that handles its events in
// arrival order. Handlers that can move instances in or out of the free
// pool run inside one critical section shared by every worker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/commensal/internal/bus"
	"github.com/3cpo-dev/commensal/internal/machine"
	"github.com/3cpo-dev/commensal/pkg/api"
)

// ErrClosed is returned for events submitted to, or still queued in, a
// closed dispatcher.
var ErrClosed = errors.New("dispatcher closed")

// globalLane is the worker name for health events on unallocated instances.
const globalLane = ""

// Options tune a Dispatcher.
type Options struct {
	// DrainTimeout bounds how long a deconfigure waits for RecProc to
	// reach READY before the phase is aborted.
	DrainTimeout time.Duration
}

// Dispatcher owns the subarray workers.
type Dispatcher struct {
	deps *machine.Deps
	opts Options

	// freeMu is the free pool critical section
	freeMu sync.Mutex

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(deps *machine.Deps, opts Options) *Dispatcher {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 60 * time.Second
	}
	return &Dispatcher{
		deps:    deps,
		opts:    opts,
		workers: map[string]*worker{},
		stop:    make(chan struct{}),
	}
}

// Adopt starts workers for restored subarrays.
func (d *Dispatcher) Adopt(subs ...*machine.Subarray) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range subs {
		if _, ok := d.workers[s.Name()]; ok || d.closed {
			continue
		}
		d.startLocked(s.Name(), s)
	}
}

// Subarrays returns the active subarrays.
func (d *Dispatcher) Subarrays() []*machine.Subarray {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*machine.Subarray, 0, len(d.workers))
	for name, w := range d.workers {
		if name != globalLane {
			out = append(out, w.sub)
		}
	}
	return out
}

// Submit queues ev and returns a channel that receives the handler result
// once the event has been handled. Events that cannot be routed are
// reported to the operator and fail immediately.
func (d *Dispatcher) Submit(ev api.Event) <-chan error {
	req := request{ev: ev, done: make(chan error, 1)}
	if err := d.enqueue(req); err != nil {
		if !errors.Is(err, ErrClosed) {
			d.deps.Metrics.Event(string(ev.Type), "rejected")
			d.report(context.Background(), ev, err)
		}
		req.finish(err)
	}
	return req.done
}

func (d *Dispatcher) enqueue(req request) error {
	ev := req.ev
	if !ev.Type.Valid() || ev.Type == api.EventRecordingTimeout {
		return &api.ConfigurationError{Subarray: ev.Subarray, Reason: fmt.Sprintf("unknown event type %q", ev.Type)}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	name, err := d.routeLocked(ev)
	if err != nil {
		return err
	}
	w, ok := d.workers[name]
	if !ok {
		var sub *machine.Subarray
		if name != globalLane {
			sub = machine.NewSubarray(name, d.deps)
		}
		w = d.startLocked(name, sub)
	}
	w.enqueue(req)
	return nil
}

// routeLocked picks the worker for ev. Health events go to the subarray
// holding the instance, or to the global lane.
func (d *Dispatcher) routeLocked(ev api.Event) (string, error) {
	if ev.Type == api.EventHealthUpdate {
		var p api.HealthUpdatePayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		loc, ok := d.deps.Registry.Locate(p.Instance)
		if !ok {
			return "", &api.ConfigurationError{Subarray: ev.Subarray, Reason: fmt.Sprintf("unknown instance %q", p.Instance)}
		}
		if _, active := d.workers[loc.Subarray]; loc.Subarray != "" && active {
			return loc.Subarray, nil
		}
		return globalLane, nil
	}

	if ev.Subarray == "" {
		return "", &api.ConfigurationError{Reason: fmt.Sprintf("%s event without a subarray", ev.Type)}
	}
	if _, ok := d.workers[ev.Subarray]; ok {
		return ev.Subarray, nil
	}
	if ev.Type != api.EventConfigure {
		return "", &api.ConfigurationError{Subarray: ev.Subarray, Reason: fmt.Sprintf("%s for a subarray that is not configured", ev.Type)}
	}
	if err := machine.ValidName(ev.Subarray); err != nil {
		return "", err
	}
	return ev.Subarray, nil
}

func (d *Dispatcher) startLocked(name string, sub *machine.Subarray) *worker {
	w := &worker{
		d:    d,
		name: name,
		sub:  sub,
		wake: make(chan struct{}, 1),
	}
	d.workers[name] = w
	d.wg.Add(1)
	go w.run()
	log.Debug().Str("subarray", name).Msg("worker started")
	return w
}

// retire removes an idle subarray worker. It reports false when events
// arrived in the meantime.
func (d *Dispatcher) retire(w *worker) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) > 0 {
		return false
	}
	delete(d.workers, w.name)
	log.Info().Str("subarray", w.name).Msg("subarray retired")
	return true
}

// Close stops accepting events, lets every worker finish the event it is
// handling, and fails the rest with ErrClosed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.stop)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run applies ev, inside the free pool critical section when needed.
func (d *Dispatcher) run(ctx context.Context, w *worker, ev api.Event) error {
	if ev.Type.TouchesFree() {
		d.freeMu.Lock()
		defer d.freeMu.Unlock()
	}
	err := w.apply(ctx, ev)

	result := "ok"
	if err != nil {
		result = "error"
		d.report(ctx, ev, err)
	}
	d.deps.Metrics.Event(string(ev.Type), result)
	return err
}

func (d *Dispatcher) report(ctx context.Context, ev api.Event, err error) {
	log.Error().Err(err).Str("subarray", ev.Subarray).Str("event", string(ev.Type)).Str("id", ev.ID).Msg("event failed")
	var ae *api.AllocationError
	if errors.As(err, &ae) {
		// the machine already alerted
		return
	}
	level := bus.LevelWarn
	var pe *api.PersistenceError
	if errors.As(err, &pe) {
		level = bus.LevelError
	}
	bus.Notifyf(ctx, d.deps.Notifier, ev.Subarray, level, "%s failed: %v", ev.Type, err)
}
