package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/commensal/internal/agent"
	"github.com/3cpo-dev/commensal/internal/bus"
	"github.com/3cpo-dev/commensal/internal/config"
	"github.com/3cpo-dev/commensal/internal/telemetry"
	"github.com/3cpo-dev/commensal/pkg/api"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "commensal-agent",
		Short:         "Node agent executing coordinator commands for one instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: debug, info, warn, error")
	cmd.PersistentFlags().String("config", "", "agent config file (default $XDG_CONFIG_HOME/commensal/agent.yaml)")
	cmd.PersistentFlags().String("instance", "", "instance identifier, e.g. blpn0/1 (overrides the config)")
	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		lvl, err := zerolog.ParseLevel(mustString(c, "log"))
		if err != nil {
			lvl = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(lvl)
	}
	cmd.AddCommand(newServeCmd(), newExecCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("commensal-agent %s\n", version)
		},
	})
	return cmd
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func loadAgentConfig(cmd *cobra.Command) (config.AgentConfig, error) {
	cfg, err := config.LoadAgent(mustString(cmd, "config"))
	if err != nil {
		return cfg, err
	}
	if id := mustString(cmd, "instance"); id != "" {
		cfg.Instance = api.InstanceID(id)
	}
	if _, err := api.ParseInstanceID(string(cfg.Instance)); err != nil {
		return cfg, fmt.Errorf("instance: %w", err)
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve commands over HTTP and NATS until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAgentConfig(cmd)
			if err != nil {
				return err
			}
			metrics := telemetry.NewMetrics()
			opts := agent.Options{
				Instance:    cfg.Instance,
				Hooks:       cfg.Hooks,
				HookTimeout: cfg.HookTimeout,
				Metrics:     metrics,
				Version:     version,
			}

			var nc *nats.Conn
			if cfg.NATS.URL != "" {
				nc, err = bus.Connect(bus.ConnOptions{URL: cfg.NATS.URL, Token: cfg.NATS.Token, Name: "commensal-agent-" + cfg.Instance.String()})
				if err != nil {
					return err
				}
				defer nc.Close()
				opts.Publisher = bus.NewEventPublisher(nc, cfg.NATS.EventsSubject)
			}
			a := agent.New(opts)
			if nc != nil {
				sub, err := a.ServeNATS(nc, cfg.NATS.CommandPrefix)
				if err != nil {
					return fmt.Errorf("serve nats: %w", err)
				}
				defer func() { _ = sub.Drain() }()
			}

			listen := cfg.Listen
			if listen == "" {
				listen = ":" + strconv.Itoa(8600+cfg.Instance.Slot())
			}
			srv := &agent.Server{Agent: a, Token: cfg.Token}
			errCh := make(chan error, 2)
			go func() {
				if cfg.TLS.Enabled() {
					errCh <- srv.ListenAndServeTLS(listen, cfg.TLS)
				} else {
					errCh <- srv.ListenAndServe(listen)
				}
			}()
			log.Info().Str("instance", cfg.Instance.String()).Str("addr", listen).Msg("agent listening")

			var monitor *telemetry.MonitoringServer
			if addr := mustString(cmd, "metrics-addr"); addr != "" {
				monitor = telemetry.NewMonitoringServer(addr, metrics)
				go func() {
					if err := monitor.Start(); err != nil {
						errCh <- err
					}
				}()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			select {
			case <-ctx.Done():
			case err = <-errCh:
			}
			log.Info().Msg("agent shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			if monitor != nil {
				_ = monitor.Shutdown(shutdownCtx)
			}
			return err
		},
	}
	cmd.Flags().String("metrics-addr", "", "serve /metrics and /health on this address")
	return cmd
}

func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run one command and print the JSON reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAgentConfig(cmd)
			if err != nil {
				return err
			}
			command := api.Command(mustString(cmd, "command"))
			if !command.Valid() {
				return fmt.Errorf("unknown command %q", command)
			}
			req := api.CommandRequest{Instance: cfg.Instance, Command: command}
			if path := mustString(cmd, "params"); path != "" {
				raw, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read params: %w", err)
				}
				if err := json.Unmarshal(raw, &req.Params); err != nil {
					return fmt.Errorf("decode params: %w", err)
				}
			}

			a := agent.New(agent.Options{
				Instance:    cfg.Instance,
				Hooks:       cfg.Hooks,
				HookTimeout: cfg.HookTimeout,
				Detach:      true,
				Version:     version,
			})
			reply := a.Handle(cmd.Context(), req)
			return json.NewEncoder(os.Stdout).Encode(reply)
		},
	}
	cmd.Flags().String("command", "", "command to run")
	cmd.Flags().String("params", "", "JSON file holding the command parameters")
	_ = cmd.MarkFlagRequired("command")
	return cmd
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
