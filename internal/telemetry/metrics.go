package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the coordinator and agent collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	poolSize        *prometheus.GaugeVec
	quarantined     prometheus.Gauge
	events          *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	agentCommands   *prometheus.CounterVec
	persistRetries  prometheus.Counter
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		poolSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "commensal_pool_instances",
			Help: "Instances per pool",
		}, []string{"subarray", "pool"}),
		quarantined: f.NewGauge(prometheus.GaugeOpts{
			Name: "commensal_quarantined_instances",
			Help: "Instances held in quarantine",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commensal_events_total",
			Help: "Events handled by type and result",
		}, []string{"type", "result"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commensal_transitions_total",
			Help: "State machine transitions",
		}, []string{"machine", "from", "to"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "commensal_command_duration_seconds",
			Help:    "Node command round trip time",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"command", "result"}),
		agentCommands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commensal_agent_commands_total",
			Help: "Commands executed by the node agent",
		}, []string{"command", "result"}),
		persistRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "commensal_persist_retries_total",
			Help: "Handler retries after a persistence failure",
		}),
	}
}

// Registry exposes the private registry for serving and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetPoolSize(subarray, pool string, n int) {
	if m == nil {
		return
	}
	m.poolSize.WithLabelValues(subarray, pool).Set(float64(n))
}

// ForgetSubarray drops the pool gauges of a retired subarray.
func (m *Metrics) ForgetSubarray(subarray string) {
	if m == nil {
		return
	}
	m.poolSize.DeletePartialMatch(prometheus.Labels{"subarray": subarray})
}

func (m *Metrics) SetQuarantined(n int) {
	if m == nil {
		return
	}
	m.quarantined.Set(float64(n))
}

func (m *Metrics) Event(eventType, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) Transition(machine, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(machine, from, to).Inc()
}

func (m *Metrics) ObserveCommand(command, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.commandDuration.WithLabelValues(command, result).Observe(d.Seconds())
}

func (m *Metrics) AgentCommand(command, result string) {
	if m == nil {
		return
	}
	m.agentCommands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) PersistRetry() {
	if m == nil {
		return
	}
	m.persistRetries.Inc()
}
