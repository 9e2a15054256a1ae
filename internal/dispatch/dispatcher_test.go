package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/commensal/internal/bus"
	"github.com/3cpo-dev/commensal/internal/machine"
	"github.com/3cpo-dev/commensal/internal/node"
	"github.com/3cpo-dev/commensal/internal/pool"
	"github.com/3cpo-dev/commensal/internal/retry"
	"github.com/3cpo-dev/commensal/internal/state"
	"github.com/3cpo-dev/commensal/internal/testutil"
	"github.com/3cpo-dev/commensal/pkg/api"
)

type harness struct {
	d      *Dispatcher
	reg    *pool.Registry
	nodes  *node.Loopback
	mem    *state.Memory
	deps   *machine.Deps
	alerts *alertLog
}

type alertLog struct {
	mu   sync.Mutex
	msgs []string
}

func (a *alertLog) Notify(_ context.Context, subarray, level, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, level+" "+subarray+": "+msg)
}

func (a *alertLog) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.msgs...)
}

func inst(i int) api.InstanceID { return api.InstanceID(fmt.Sprintf("blpn%d/0", i)) }

func insts(idx ...int) []api.InstanceID {
	out := make([]api.InstanceID, len(idx))
	for i, n := range idx {
		out[i] = inst(n)
	}
	return out
}

func newHarness(t *testing.T, n int, settings machine.Settings, opts Options) *harness {
	t.Helper()
	universe := make([]api.InstanceID, n)
	for i := range universe {
		universe[i] = inst(i)
	}
	reg, err := pool.NewRegistry(universe)
	require.NoError(t, err)
	h := &harness{reg: reg, nodes: node.NewLoopback(), mem: state.NewMemory(), alerts: &alertLog{}}
	h.deps = &machine.Deps{
		Notifier: h.alerts,
		Registry: reg,
		Store:    state.NewSnapshotStore(h.mem),
		Nodes:    node.NewClient(h.nodes, node.Options{Timeout: 100 * time.Millisecond}),
		Settings: settings,
		Retry:    retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2},
	}
	h.d = New(h.deps, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.d.Close(ctx)
	})
	return h
}

func ev(typ api.EventType, sa string, payload api.Params) api.Event {
	return api.Event{Type: typ, Subarray: sa, Payload: payload, Timestamp: time.Now()}
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("event not handled in time")
		return nil
	}
}

func TestConcurrentConfigureNeverShares(t *testing.T) {
	h := newHarness(t, 7, machine.Settings{}, Options{})
	c1 := h.d.Submit(ev(api.EventConfigure, "array_1", api.Params{"n": 2}))
	c2 := h.d.Submit(ev(api.EventConfigure, "array_2", api.Params{"n": 3}))
	require.NoError(t, wait(t, c1))
	require.NoError(t, wait(t, c2))

	s1 := h.reg.SubscribedSet("array_1")
	s2 := h.reg.SubscribedSet("array_2")
	assert.Len(t, s1, 2)
	assert.Len(t, s2, 3)
	assert.Len(t, h.reg.Members(pool.Free()), 2)
	for _, id := range s1 {
		assert.NotContains(t, s2, id)
	}
	assert.Len(t, h.d.Subarrays(), 2)
}

func TestRejectsUnroutableEvents(t *testing.T) {
	h := newHarness(t, 2, machine.Settings{}, Options{})
	var ce *api.ConfigurationError

	require.ErrorAs(t, wait(t, h.d.Submit(ev(api.EventStartObservation, "nobody", nil))), &ce)
	require.ErrorAs(t, wait(t, h.d.Submit(ev(api.EventConfigure, "bad.name", api.Params{"n": 1}))), &ce)
	require.ErrorAs(t, wait(t, h.d.Submit(ev(api.EventConfigure, "", api.Params{"n": 1}))), &ce)
	require.ErrorAs(t, wait(t, h.d.Submit(ev("explode", "a", nil))), &ce)
	require.ErrorAs(t, wait(t, h.d.Submit(ev(api.EventHealthUpdate, "", api.Params{"instance": "ghost/1"}))), &ce)
	assert.Empty(t, h.d.Subarrays())

	alerts := h.alerts.all()
	require.Len(t, alerts, 5)
	assert.Contains(t, alerts[0], "nobody")
	assert.Contains(t, alerts[1], "bad.name")
	assert.Contains(t, alerts[3], "explode")
	assert.Contains(t, alerts[4], "ghost/1")
}

func TestAllocationFailureRetiresSubarray(t *testing.T) {
	h := newHarness(t, 2, machine.Settings{}, Options{})
	var ae *api.AllocationError
	require.ErrorAs(t, wait(t, h.d.Submit(ev(api.EventConfigure, "array_3", api.Params{"n": 4}))), &ae)
	assert.Equal(t, insts(0, 1), h.reg.Members(pool.Free()))
	require.Eventually(t, func() bool { return len(h.d.Subarrays()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDeconfigureWaitsForReady(t *testing.T) {
	h := newHarness(t, 3, machine.Settings{}, Options{DrainTimeout: 10 * time.Second})
	require.NoError(t, wait(t, h.d.Submit(ev(api.EventConfigure, "array_1", api.Params{"n": 2}))))
	require.NoError(t, wait(t, h.d.Submit(ev(api.EventStartObservation, "array_1", nil))))

	deconf := h.d.Submit(ev(api.EventDeconfigure, "array_1", nil))
	reconf := h.d.Submit(ev(api.EventConfigure, "array_1", api.Params{"n": 1}))
	select {
	case err := <-deconf:
		t.Fatalf("deconfigure finished while recording: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Len(t, h.reg.Members(pool.Recording("array_1")), 2)

	require.NoError(t, wait(t, h.d.Submit(ev(api.EventStopObservation, "array_1", nil))))
	require.NoError(t, wait(t, deconf))
	require.NoError(t, wait(t, reconf), "deferred configure replays after the drain")

	assert.Equal(t, insts(0), h.reg.SubscribedSet("array_1"))
	assert.Equal(t, insts(1, 2), h.reg.Members(pool.Free()))
	assert.Equal(t, insts(0, 1), h.nodes.Sent(api.CmdUnsubscribe))
}

func TestDrainTimeoutAborts(t *testing.T) {
	h := newHarness(t, 2, machine.Settings{}, Options{DrainTimeout: 50 * time.Millisecond})
	require.NoError(t, wait(t, h.d.Submit(ev(api.EventConfigure, "array_1", api.Params{"n": 2}))))
	require.NoError(t, wait(t, h.d.Submit(ev(api.EventStartObservation, "array_1", nil))))

	start := time.Now()
	require.NoError(t, wait(t, h.d.Submit(ev(api.EventDeconfigure, "array_1", nil))))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	assert.Equal(t, insts(0, 1), h.nodes.Sent(api.CmdStopRecording))
	assert.Equal(t, insts(0, 1), h.reg.Members(pool.Free()))
	require.Eventually(t, func() bool { return len(h.d.Subarrays()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPersistenceFailuresAreRetried(t *testing.T) {
	h := newHarness(t, 2, machine.Settings{}, Options{})
	var failures atomic.Int32
	h.mem.FailWith(func(key string) error {
		if failures.Add(1) <= 2 {
			return errors.New("disk unavailable")
		}
		return nil
	})
	require.NoError(t, wait(t, h.d.Submit(ev(api.EventConfigure, "a", api.Params{"n": 1}))))
	assert.Equal(t, insts(0), h.reg.Members(pool.Ready("a")))
	assert.Equal(t, insts(0), h.nodes.Sent(api.CmdSubscribe), "subscribe is sent once across persist retries")

	h.mem.FailWith(state.FailAll)
	var pe *api.PersistenceError
	require.ErrorAs(t, wait(t, h.d.Submit(ev(api.EventConfigure, "a", api.Params{"n": 1}))), &pe)
	assert.Equal(t, insts(1), h.reg.Members(pool.Free()), "failed persist leaves memory untouched")
}

func TestRecordingTimerStopsRecording(t *testing.T) {
	h := newHarness(t, 1, machine.Settings{MaxRecording: 50 * time.Millisecond}, Options{})
	require.NoError(t, wait(t, h.d.Submit(ev(api.EventConfigure, "a", api.Params{"n": 1}))))
	require.NoError(t, wait(t, h.d.Submit(ev(api.EventStartObservation, "a", nil))))

	require.Eventually(t, func() bool {
		return len(h.reg.Members(pool.Ready("a"))) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, insts(0), h.nodes.Sent(api.CmdStopRecording))
}

func TestHealthRouting(t *testing.T) {
	h := newHarness(t, 3, machine.Settings{}, Options{})
	require.NoError(t, wait(t, h.d.Submit(ev(api.EventConfigure, "a", api.Params{"n": 1}))))

	health := func(i int, healthy bool) error {
		return wait(t, h.d.Submit(ev(api.EventHealthUpdate, "", api.Params{"instance": string(inst(i)), "healthy": healthy})))
	}
	require.NoError(t, health(2, false))
	require.NoError(t, health(0, false))
	assert.Equal(t, insts(0, 2), h.reg.Members(pool.Quarantine()))
	assert.Empty(t, h.reg.SubscribedSet("a"))

	require.NoError(t, health(2, true))
	assert.Equal(t, insts(1, 2), h.reg.Members(pool.Free()))
}

func TestCloseRejectsNewEvents(t *testing.T) {
	h := newHarness(t, 1, machine.Settings{}, Options{})
	require.NoError(t, wait(t, h.d.Submit(ev(api.EventConfigure, "a", api.Params{"n": 1}))))
	require.NoError(t, h.d.Close(context.Background()))
	require.ErrorIs(t, wait(t, h.d.Submit(ev(api.EventDeconfigure, "a", nil))), ErrClosed)
}

func TestAdoptRestoredSubarray(t *testing.T) {
	h := newHarness(t, 2, machine.Settings{}, Options{})
	s := machine.NewSubarray("a", h.deps)
	require.NoError(t, s.FreeSub().Configure(context.Background(), 1, nil))
	h.d.Adopt(s)

	require.NoError(t, wait(t, h.d.Submit(ev(api.EventStartObservation, "a", nil))))
	assert.Equal(t, insts(0), h.reg.Members(pool.Recording("a")))
}

func TestSourceDeliversNATSEvents(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	h := newHarness(t, 2, machine.Settings{}, Options{})
	src := NewSource(h.d, nc, "")
	require.NoError(t, src.Start())
	defer src.Stop(context.Background())

	require.NoError(t, nc.Publish(bus.DefaultEventsSubject, []byte("garbage")))
	pub := bus.NewEventPublisher(nc, "")
	require.NoError(t, pub.Publish(context.Background(), api.Event{Type: api.EventConfigure, Subarray: "a", Payload: api.Params{"n": 2}}))
	require.Eventually(t, func() bool {
		return len(h.reg.SubscribedSet("a")) == 2
	}, 5*time.Second, 20*time.Millisecond)

	alerts := h.alerts.all()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "dropped malformed event")
}

func TestSourceStopDrainsDelivered(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	h := newHarness(t, 4, machine.Settings{}, Options{})
	src := NewSource(h.d, nc, "")
	require.NoError(t, src.Start())

	pub := bus.NewEventPublisher(nc, "")
	for _, sa := range []string{"a", "b", "c", "d"} {
		require.NoError(t, pub.Publish(context.Background(), api.Event{Type: api.EventConfigure, Subarray: sa, Payload: api.Params{"n": 1}}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, src.Stop(ctx))
	assert.False(t, src.sub.IsValid())

	// every delivered event was submitted before Stop returned
	require.Eventually(t, func() bool {
		return len(h.reg.Members(pool.Free())) == 0
	}, 5*time.Second, 20*time.Millisecond)
}
