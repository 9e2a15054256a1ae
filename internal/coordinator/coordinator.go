// Package coordinator wires the registry, store, node client, dispatcher
// and event source into a running coordinator process.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/commensal/internal/bus"
	"github.com/3cpo-dev/commensal/internal/config"
	"github.com/3cpo-dev/commensal/internal/dispatch"
	"github.com/3cpo-dev/commensal/internal/machine"
	"github.com/3cpo-dev/commensal/internal/node"
	"github.com/3cpo-dev/commensal/internal/pool"
	"github.com/3cpo-dev/commensal/internal/retry"
	"github.com/3cpo-dev/commensal/internal/state"
	"github.com/3cpo-dev/commensal/internal/telemetry"
)

// Coordinator is one running coordinator.
type Coordinator struct {
	cfg      config.Config
	nc       *nats.Conn
	store    state.Store
	snaps    *state.SnapshotStore
	registry *pool.Registry
	client   *node.Client
	deps     *machine.Deps
	disp     *dispatch.Dispatcher
	source   *dispatch.Source
	monitor  *telemetry.MonitoringServer
	prober   *Prober
	metrics  *telemetry.Metrics
	restored machine.Restored

	errs      chan error
	stopProbe context.CancelFunc
}

// New connects to NATS and the store, restores persisted state and prepares
// the dispatcher. Nothing is consumed until Run.
func New(ctx context.Context, cfg config.Config) (*Coordinator, error) {
	c := &Coordinator{cfg: cfg, metrics: telemetry.NewMetrics()}
	ok := false
	defer func() {
		if !ok {
			c.closeConnections()
		}
	}()

	if cfg.NATS.URL != "" {
		nc, err := bus.Connect(bus.ConnOptions{URL: cfg.NATS.URL, Token: cfg.NATS.Token, Name: "commensal-coordinator"})
		if err != nil {
			return nil, err
		}
		c.nc = nc
	}

	store, err := OpenStore(ctx, cfg, c.nc)
	if err != nil {
		return nil, err
	}
	c.store = store
	c.snaps = state.NewSnapshotStore(store)

	universe, err := cfg.Universe()
	if err != nil {
		return nil, err
	}
	if c.registry, err = pool.NewRegistry(universe); err != nil {
		return nil, err
	}

	transport, err := NewTransport(cfg, c.nc)
	if err != nil {
		return nil, err
	}
	c.client = node.NewClient(transport, node.Options{
		Timeout:     cfg.Transport.Timeout,
		Concurrency: cfg.Transport.Concurrency,
		Metrics:     c.metrics,
	})

	c.deps = &machine.Deps{
		Registry: c.registry,
		Store:    c.snaps,
		Nodes:    c.client,
		Notifier: bus.NewAlerter(c.nc, cfg.NATS.AlertsSubject, "commensal"),
		Metrics:  c.metrics,
		Settings: cfg.MachineSettings(),
		Retry:    persistRetry(cfg),
	}

	if err := c.restore(ctx); err != nil {
		return nil, err
	}

	c.disp = dispatch.New(c.deps, dispatch.Options{DrainTimeout: cfg.Dispatch.DrainTimeout})
	c.disp.Adopt(c.restored.Active()...)

	if c.nc != nil {
		c.source = dispatch.NewSource(c.disp, c.nc, cfg.NATS.EventsSubject)
	}
	if cfg.Telemetry.MonitoringAddr != "" {
		c.monitor = telemetry.NewMonitoringServer(cfg.Telemetry.MonitoringAddr, c.metrics)
		c.monitor.RegisterHealthCheck("store", telemetry.PingCheck("store", c.store.Ping))
		if c.nc != nil {
			c.monitor.RegisterHealthCheck("nats", telemetry.PingCheck("nats", func(context.Context) error {
				if !c.nc.IsConnected() {
					return fmt.Errorf("nats %s", c.nc.Status())
				}
				return nil
			}))
		}
	}
	if cfg.Health.ProbeInterval > 0 {
		c.prober = NewProber(c.registry, c.client, c.disp, cfg.Health.ProbeInterval)
	}

	ok = true
	return c, nil
}

func persistRetry(cfg config.Config) retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxRetries = cfg.Persistence.Retries
	return rc
}

// restore rebuilds pools and machine states from the store and writes the
// normalized result back.
func (c *Coordinator) restore(ctx context.Context) error {
	loaded, err := c.snaps.LoadAll(ctx, c.cfg.Subarrays)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	c.restored = machine.Restore(c.deps, loaded)
	for _, ie := range c.restored.Inconsistent {
		bus.Notifyf(ctx, c.deps.Notifier, ie.Subarray, bus.LevelError, "restored with defaults: %v", ie)
	}
	if err := c.restored.Persist(ctx); err != nil {
		return err
	}
	snap := c.registry.Snapshot("")
	if err := c.snaps.PersistPools(ctx, snap.Free, snap.Quarantined); err != nil {
		return fmt.Errorf("persist pools: %w", err)
	}
	log.Info().
		Int("instances", len(c.registry.Universe())).
		Int("free", len(snap.Free)).
		Int("quarantined", len(snap.Quarantined)).
		Int("active_subarrays", len(c.restored.Active())).
		Msg("state restored")
	return nil
}

// Dispatcher returns the event dispatcher.
func (c *Coordinator) Dispatcher() *dispatch.Dispatcher { return c.disp }

// Registry returns the pool registry.
func (c *Coordinator) Registry() *pool.Registry { return c.registry }

// Metrics returns the coordinator metrics.
func (c *Coordinator) Metrics() *telemetry.Metrics { return c.metrics }

// Start begins consuming events and serving the monitoring endpoints.
func (c *Coordinator) Start(ctx context.Context) error {
	c.errs = make(chan error, 1)
	if c.monitor != nil {
		go func() {
			if err := c.monitor.Start(); err != nil {
				c.errs <- fmt.Errorf("monitoring server: %w", err)
			}
		}()
	}
	if c.source != nil {
		if err := c.source.Start(); err != nil {
			return fmt.Errorf("subscribe events: %w", err)
		}
	} else {
		log.Warn().Msg("no NATS configured, running without an event source")
	}
	var probeCtx context.Context
	probeCtx, c.stopProbe = context.WithCancel(ctx)
	if c.prober != nil {
		go c.prober.Run(probeCtx)
	}
	log.Info().Msg("coordinator running")
	return nil
}

// Run starts the coordinator and blocks until ctx ends or the monitoring
// server fails, then shuts down.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		c.Stop()
		return err
	}
	var err error
	select {
	case <-ctx.Done():
	case err = <-c.errs:
	}
	c.Stop()
	return err
}

// Stop drains the event source, lets in-flight handlers finish and closes
// every connection.
func (c *Coordinator) Stop() {
	if c.stopProbe != nil {
		c.stopProbe()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if c.source != nil {
		if err := c.source.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("stop event source")
		}
	}
	if err := c.disp.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("dispatcher did not stop in time")
	}
	if c.monitor != nil {
		if err := c.monitor.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("stop monitoring server")
		}
	}
	c.closeConnections()
	log.Info().Msg("coordinator stopped")
}

func (c *Coordinator) closeConnections() {
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}
	if c.nc != nil {
		c.nc.Close()
	}
}

// OpenStore opens the configured state backend. nc is required for the
// nats backend.
func OpenStore(ctx context.Context, cfg config.Config, nc *nats.Conn) (state.Store, error) {
	if cfg.Store.Backend == "nats" {
		if nc == nil {
			return nil, errors.New("store backend nats needs a NATS connection")
		}
		return state.OpenNATS(ctx, nc, cfg.Store.Bucket)
	}
	return state.Open(ctx, state.Options{Backend: cfg.Store.Backend, Path: cfg.Store.Path, Bucket: cfg.Store.Bucket})
}
