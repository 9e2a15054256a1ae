package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/commensal/internal/dispatch"
	"github.com/3cpo-dev/commensal/internal/machine"
	"github.com/3cpo-dev/commensal/internal/pool"
	"github.com/3cpo-dev/commensal/pkg/api"
)

// Submitter accepts events for dispatch.
type Submitter interface {
	Submit(ev api.Event) <-chan error
}

// Prober periodically sends the health command to quarantined instances and
// reports the ones that answer as healthy.
type Prober struct {
	reg      *pool.Registry
	nodes    machine.Commander
	events   Submitter
	interval time.Duration
}

func NewProber(reg *pool.Registry, nodes machine.Commander, events Submitter, interval time.Duration) *Prober {
	return &Prober{reg: reg, nodes: nodes, events: events, interval: interval}
}

// Run probes until ctx ends.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe runs one round and returns the instances reported healthy. It waits
// for the resulting events to be handled.
func (p *Prober) Probe(ctx context.Context) []api.InstanceID {
	quarantined := p.reg.Members(pool.Quarantine())
	if len(quarantined) == 0 {
		return nil
	}
	res := p.nodes.Fanout(ctx, api.CmdHealth, quarantined, nil)
	var released []api.InstanceID
	for _, id := range api.SortInstances(res.Succeeded) {
		err := wait(ctx, p.events.Submit(api.Event{
			ID:        uuid.NewString(),
			Type:      api.EventHealthUpdate,
			Payload:   api.Params{"instance": string(id), "healthy": true},
			Timestamp: time.Now().UTC(),
		}))
		if err != nil {
			if !errors.Is(err, dispatch.ErrClosed) && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Str("instance", id.String()).Msg("release quarantined instance")
			}
			continue
		}
		released = append(released, id)
	}
	if len(released) > 0 {
		log.Info().Int("released", len(released)).Int("still_quarantined", len(quarantined)-len(released)).Msg("health probe")
	}
	return released
}

func wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
