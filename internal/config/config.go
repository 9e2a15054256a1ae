// Package config loads the coordinator and node agent YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/commensal/internal/agent"
	"github.com/3cpo-dev/commensal/internal/machine"
	"github.com/3cpo-dev/commensal/pkg/api"
)

// Node is one processing host and the instance slots it runs.
type Node struct {
	Name  string `yaml:"name"`
	Slots int    `yaml:"slots"`
	// Host overrides the address used by the ssh and http transports.
	Host string `yaml:"host"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // sqlite, nats, memory
	Path    string `yaml:"path"`
	Bucket  string `yaml:"bucket"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	EventsSubject string `yaml:"events_subject"`
	AlertsSubject string `yaml:"alerts_subject"`
	CommandPrefix string `yaml:"command_prefix"`
}

type HTTPTransportConfig struct {
	URLTemplate string `yaml:"url_template"`
	BasePort    int    `yaml:"base_port"`
	Token       string `yaml:"token"`
}

type SSHTransportConfig struct {
	User       string `yaml:"user"`
	Port       int    `yaml:"port"`
	Key        string `yaml:"key"`
	KnownHosts string `yaml:"known_hosts"`
	AgentPath  string `yaml:"agent_path"`
	RemoteDir  string `yaml:"remote_dir"`
}

type TransportConfig struct {
	Kind        string              `yaml:"kind"` // nats, http, ssh, loopback
	Timeout     time.Duration       `yaml:"timeout"`
	Concurrency int                 `yaml:"concurrency"`
	HTTP        HTTPTransportConfig `yaml:"http"`
	SSH         SSHTransportConfig  `yaml:"ssh"`
}

type RecordingConfig struct {
	BufferSeconds       int   `yaml:"buffer_seconds"`
	SafetyMarginSeconds int   `yaml:"safety_margin_seconds"`
	StreamsPerInstance  int   `yaml:"streams_per_instance"`
	Processing          *bool `yaml:"processing"`
}

// MaxRecording is the longest a recording may run: the buffer capacity
// minus the safety margin.
func (r RecordingConfig) MaxRecording() time.Duration {
	return time.Duration(r.BufferSeconds-r.SafetyMarginSeconds) * time.Second
}

// ProcessingEnabled defaults to true.
func (r RecordingConfig) ProcessingEnabled() bool {
	return r.Processing == nil || *r.Processing
}

type DispatchConfig struct {
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

type PersistenceConfig struct {
	Retries int `yaml:"retries"`
}

type HealthConfig struct {
	// ProbeInterval is how often quarantined instances are probed. Zero
	// disables probing.
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

type TelemetryConfig struct {
	MonitoringAddr string `yaml:"monitoring_addr"`
}

// Config is the coordinator configuration.
type Config struct {
	Nodes       []Node            `yaml:"nodes"`
	Instances   []api.InstanceID  `yaml:"instances"`
	Subarrays   []string          `yaml:"subarrays"`
	Store       StoreConfig       `yaml:"store"`
	NATS        NATSConfig        `yaml:"nats"`
	Transport   TransportConfig   `yaml:"transport"`
	Recording   RecordingConfig   `yaml:"recording"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Health      HealthConfig      `yaml:"health"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// DefaultPath resolves $XDG_CONFIG_HOME/commensal/<name> or
// ~/.config/commensal/<name>.
func DefaultPath(name string) string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "commensal", name)
}

// Load reads, defaults and validates the coordinator configuration. If path
// is empty, DefaultPath("coordinator.yaml") is used. Secrets are merged
// from secrets.env next to the file and from the environment.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = DefaultPath("coordinator.yaml")
	}
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}

	secrets, _ := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	overlayEnv(secrets, "NATS_TOKEN", "COMMENSAL_AGENT_TOKEN")
	if t := secrets["NATS_TOKEN"]; t != "" {
		cfg.NATS.Token = t
	}
	if t := secrets["COMMENSAL_AGENT_TOKEN"]; t != "" {
		cfg.Transport.HTTP.Token = t
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func readYAML(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, out); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func overlayEnv(secrets map[string]string, keys ...string) {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		c.Store.Path = filepath.Join(filepath.Dir(DefaultPath("coordinator.yaml")), "state.db")
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = "nats"
	}
	if c.Transport.Timeout <= 0 {
		c.Transport.Timeout = 10 * time.Second
	}
	if c.Transport.Concurrency <= 0 {
		c.Transport.Concurrency = 16
	}
	if c.Recording.BufferSeconds == 0 {
		c.Recording.BufferSeconds = 300
	}
	if c.Recording.SafetyMarginSeconds == 0 {
		c.Recording.SafetyMarginSeconds = 10
	}
	if c.Dispatch.DrainTimeout <= 0 {
		c.Dispatch.DrainTimeout = 60 * time.Second
	}
	if c.Persistence.Retries <= 0 {
		c.Persistence.Retries = 3
	}
}

// Validate rejects configurations the coordinator cannot run with.
func (c Config) Validate() error {
	universe, err := c.Universe()
	if err != nil {
		return err
	}
	if len(universe) == 0 {
		return invalid("no instances configured")
	}
	seen := map[string]bool{}
	for _, sa := range c.Subarrays {
		if err := machine.ValidName(sa); err != nil {
			return err
		}
		if seen[sa] {
			return invalid("subarray %q listed twice", sa)
		}
		seen[sa] = true
	}
	switch c.Store.Backend {
	case "sqlite", "memory":
	case "nats":
		if c.NATS.URL == "" {
			return invalid("store backend nats needs nats.url")
		}
	default:
		return invalid("unknown store backend %q", c.Store.Backend)
	}
	switch c.Transport.Kind {
	case "http", "ssh", "loopback":
	case "nats":
		if c.NATS.URL == "" {
			return invalid("transport nats needs nats.url")
		}
	default:
		return invalid("unknown transport %q", c.Transport.Kind)
	}
	if c.Transport.Kind == "ssh" && (c.Transport.SSH.Key == "" || c.Transport.SSH.KnownHosts == "") {
		return invalid("transport ssh needs ssh.key and ssh.known_hosts")
	}
	if c.Recording.MaxRecording() <= 0 {
		return invalid("recording.buffer_seconds must exceed recording.safety_margin_seconds")
	}
	if c.Recording.StreamsPerInstance < 0 {
		return invalid("recording.streams_per_instance must not be negative")
	}
	return nil
}

// Universe expands nodes and explicit instances into the sorted instance
// universe.
func (c Config) Universe() ([]api.InstanceID, error) {
	var out []api.InstanceID
	seen := map[api.InstanceID]bool{}
	add := func(id api.InstanceID) error {
		if _, err := api.ParseInstanceID(string(id)); err != nil {
			return invalid("%v", err)
		}
		if seen[id] {
			return invalid("instance %s configured twice", id)
		}
		seen[id] = true
		out = append(out, id)
		return nil
	}
	for _, n := range c.Nodes {
		if n.Slots <= 0 {
			return nil, invalid("node %q needs at least one slot", n.Name)
		}
		for slot := 0; slot < n.Slots; slot++ {
			if err := add(api.InstanceID(fmt.Sprintf("%s/%d", n.Name, slot))); err != nil {
				return nil, err
			}
		}
	}
	for _, id := range c.Instances {
		if err := add(id); err != nil {
			return nil, err
		}
	}
	return api.SortInstances(out), nil
}

// Hosts maps node names to address overrides.
func (c Config) Hosts() map[string]string {
	out := map[string]string{}
	for _, n := range c.Nodes {
		if n.Host != "" {
			out[n.Name] = n.Host
		}
	}
	return out
}

// MachineSettings derives the state machine tunables.
func (c Config) MachineSettings() machine.Settings {
	return machine.Settings{
		StreamsPerInstance: c.Recording.StreamsPerInstance,
		MaxRecording:       c.Recording.MaxRecording(),
		ProcessingEnabled:  c.Recording.ProcessingEnabled(),
	}
}

func invalid(format string, args ...any) error {
	return &api.ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// AgentConfig is the node agent configuration.
type AgentConfig struct {
	Instance    api.InstanceID         `yaml:"instance"`
	Listen      string                 `yaml:"listen"`
	Token       string                 `yaml:"token"`
	TLS         agent.MTLSConfig       `yaml:"tls"`
	NATS        NATSConfig             `yaml:"nats"`
	Hooks       map[api.Command]string `yaml:"hooks"`
	HookTimeout time.Duration          `yaml:"hook_timeout"`
}

// LoadAgent reads the agent configuration. A missing file at the default
// location yields an empty configuration.
func LoadAgent(path string) (AgentConfig, error) {
	var cfg AgentConfig
	explicit := path != ""
	if !explicit {
		path = DefaultPath("agent.yaml")
	}
	if err := readYAML(path, &cfg); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	secrets, _ := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	overlayEnv(secrets, "NATS_TOKEN", "COMMENSAL_AGENT_TOKEN")
	if t := secrets["NATS_TOKEN"]; t != "" {
		cfg.NATS.Token = t
	}
	if t := secrets["COMMENSAL_AGENT_TOKEN"]; t != "" {
		cfg.Token = t
	}
	for cmd := range cfg.Hooks {
		if !cmd.Valid() {
			return cfg, invalid("hook for unknown command %q", cmd)
		}
	}
	return cfg, nil
}
