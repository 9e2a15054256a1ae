package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/3cpo-dev/commensal/internal/bus"
	"github.com/3cpo-dev/commensal/internal/config"
	"github.com/3cpo-dev/commensal/internal/machine"
	"github.com/3cpo-dev/commensal/internal/pool"
	"github.com/3cpo-dev/commensal/internal/state"
	"github.com/3cpo-dev/commensal/pkg/api"
)

// SubarrayStatus is the reported state of one subarray.
type SubarrayStatus struct {
	Name             string           `yaml:"name" json:"name"`
	FreeSubState     string           `yaml:"freesub_state" json:"freesub_state"`
	RecProcState     string           `yaml:"recproc_state" json:"recproc_state"`
	RecordingStarted *time.Time       `yaml:"recording_started,omitempty" json:"recording_started,omitempty"`
	Staged           []api.InstanceID `yaml:"staged,omitempty" json:"staged,omitempty"`
	Ready            []api.InstanceID `yaml:"ready,omitempty" json:"ready,omitempty"`
	Recording        []api.InstanceID `yaml:"recording,omitempty" json:"recording,omitempty"`
	Processing       []api.InstanceID `yaml:"processing,omitempty" json:"processing,omitempty"`
	Inconsistent     string           `yaml:"inconsistent,omitempty" json:"inconsistent,omitempty"`
}

// Status is a point-in-time view of pools and machines.
type Status struct {
	Free        []api.InstanceID `yaml:"free" json:"free"`
	Quarantined []api.InstanceID `yaml:"quarantined" json:"quarantined"`
	Dropped     []api.InstanceID `yaml:"dropped,omitempty" json:"dropped,omitempty"`
	Subarrays   []SubarrayStatus `yaml:"subarrays" json:"subarrays"`
}

// Status reports the live coordinator state.
func (c *Coordinator) Status() Status {
	return buildStatus(c.registry, c.disp.Subarrays(), nil, nil)
}

// ReadStatus reconstructs the state a coordinator would restore from the
// configured store, without writing anything back.
func ReadStatus(ctx context.Context, cfg config.Config) (Status, error) {
	var st Status
	store, closeFn, err := openStandalone(ctx, cfg, "commensal-status")
	if err != nil {
		return st, err
	}
	defer closeFn()

	universe, err := cfg.Universe()
	if err != nil {
		return st, err
	}
	reg, err := pool.NewRegistry(universe)
	if err != nil {
		return st, err
	}
	loaded, err := state.NewSnapshotStore(store).LoadAll(ctx, cfg.Subarrays)
	if err != nil {
		return st, fmt.Errorf("load state: %w", err)
	}
	restored := machine.Restore(&machine.Deps{Registry: reg, Settings: cfg.MachineSettings()}, loaded)
	return buildStatus(reg, restored.Subarrays, restored.Inconsistent, restored.Dropped), nil
}

// ResetState deletes the persisted keys of the named subarrays, or every
// key when none are named.
func ResetState(ctx context.Context, cfg config.Config, subarrays []string) ([]string, error) {
	store, closeFn, err := openStandalone(ctx, cfg, "commensal-reset")
	if err != nil {
		return nil, err
	}
	defer closeFn()
	return state.NewSnapshotStore(store).Reset(ctx, subarrays)
}

// openStandalone opens the store outside a running coordinator, connecting
// to NATS only when the store lives there.
func openStandalone(ctx context.Context, cfg config.Config, name string) (state.Store, func(), error) {
	var nc *nats.Conn
	if cfg.Store.Backend == "nats" {
		conn, err := bus.Connect(bus.ConnOptions{URL: cfg.NATS.URL, Token: cfg.NATS.Token, Name: name})
		if err != nil {
			return nil, nil, err
		}
		nc = conn
	}
	store, err := OpenStore(ctx, cfg, nc)
	if err != nil {
		if nc != nil {
			nc.Close()
		}
		return nil, nil, err
	}
	return store, func() {
		_ = store.Close()
		if nc != nil {
			nc.Close()
		}
	}, nil
}

func buildStatus(reg *pool.Registry, subs []*machine.Subarray, inconsistent []*api.StateInconsistencyError, dropped []api.InstanceID) Status {
	global := reg.Snapshot("")
	st := Status{Free: global.Free, Quarantined: global.Quarantined, Dropped: dropped}
	reasons := map[string]string{}
	for _, ie := range inconsistent {
		reasons[ie.Subarray] = ie.Reason
	}
	for _, s := range subs {
		snap := s.Snapshot()
		ss := SubarrayStatus{
			Name:         s.Name(),
			FreeSubState: snap.FreeSubState,
			RecProcState: snap.RecProcState,
			Staged:       snap.Pools.Staged,
			Ready:        snap.Pools.Ready,
			Recording:    snap.Pools.Recording,
			Processing:   snap.Pools.Processing,
			Inconsistent: reasons[s.Name()],
		}
		if !snap.RecordingStarted.IsZero() && snap.RecProcState == string(machine.StateRecording) {
			t := snap.RecordingStarted.UTC()
			ss.RecordingStarted = &t
		}
		st.Subarrays = append(st.Subarrays, ss)
	}
	sort.Slice(st.Subarrays, func(i, j int) bool { return st.Subarrays[i].Name < st.Subarrays[j].Name })
	return st
}
