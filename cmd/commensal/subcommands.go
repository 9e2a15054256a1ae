package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/commensal/internal/bus"
	"github.com/3cpo-dev/commensal/internal/config"
	"github.com/3cpo-dev/commensal/internal/coordinator"
	gssh "github.com/3cpo-dev/commensal/internal/ssh"
	"github.com/3cpo-dev/commensal/pkg/api"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// Run the coordinator
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the coordinator until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
				cfg.Store.Backend = "memory"
				cfg.Transport.Kind = "loopback"
				log.Warn().Msg("dry run: in-memory state, node commands are not sent")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			c, err := coordinator.New(ctx, cfg)
			if err != nil {
				return err
			}
			return c.Run(ctx)
		},
	}
	cmd.Flags().Bool("dry-run", false, "keep state in memory and answer node commands locally")
	return cmd
}

// Show persisted state
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the pools and machine states restored from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := coordinator.ReadStatus(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(st)
		},
	}
	cmd.Flags().Bool("json", false, "print JSON instead of YAML")
	return cmd
}

// Delete persisted keys
func newResetStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-state",
		Short: "Delete persisted coordinator state",
		Long:  "Delete the persisted keys of the given subarrays, or every key with --all. Stop the coordinator first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			subarrays, _ := cmd.Flags().GetStringSlice("subarray")
			if all == (len(subarrays) > 0) {
				return errors.New("pass either --all or at least one --subarray")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			keys, err := coordinator.ResetState(cmd.Context(), cfg, subarrays)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Printf("deleted %s\n", k)
			}
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "delete every key")
	cmd.Flags().StringSlice("subarray", nil, "subarray whose keys are deleted (repeatable)")
	return cmd
}

// Publish an event
func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an event on the notification channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, _ := cmd.Flags().GetString("type")
			subarray, _ := cmd.Flags().GetString("subarray")
			raw, _ := cmd.Flags().GetString("payload")
			ev := api.Event{ID: uuid.NewString(), Type: api.EventType(typ), Subarray: subarray, Timestamp: time.Now().UTC()}
			if !ev.Type.Valid() || ev.Type == api.EventRecordingTimeout {
				return fmt.Errorf("unknown event type %q", typ)
			}
			if raw != "" {
				if err := json.Unmarshal([]byte(raw), &ev.Payload); err != nil {
					return fmt.Errorf("payload: %w", err)
				}
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.NATS.URL == "" {
				return errors.New("publish needs nats.url")
			}
			nc, err := bus.Connect(bus.ConnOptions{URL: cfg.NATS.URL, Token: cfg.NATS.Token, Name: "commensal-publish"})
			if err != nil {
				return err
			}
			defer nc.Close()
			if err := bus.NewEventPublisher(nc, cfg.NATS.EventsSubject).Publish(cmd.Context(), ev); err != nil {
				return err
			}
			fmt.Printf("published %s %s\n", ev.Type, ev.ID)
			return nil
		},
	}
	cmd.Flags().String("type", "", "event type, e.g. configure or start_observation")
	cmd.Flags().String("subarray", "", "subarray name")
	cmd.Flags().String("payload", "", `event payload as JSON, e.g. '{"n":2}'`)
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// Generate the coordinator SSH key
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the ed25519 key used by the ssh transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				out = filepath.Join(filepath.Dir(config.DefaultPath("coordinator.yaml")), "ssh", "id_ed25519")
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}
			pub, err := gssh.GenerateEd25519Keypair(out)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "private key written to %s\n", out)
			fmt.Println(pub)
			return nil
		},
	}
	cmd.Flags().String("out", "", "private key path")
	return cmd
}

// Record a node host key
func newTrustHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust-host ADDR KEY",
		Short: "Add a node host key to the ssh transport known_hosts file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := cfg.Transport.SSH.KnownHosts
			if path == "" {
				return errors.New("transport.ssh.known_hosts is not set")
			}
			if err := gssh.AppendKnownHost(path, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("trusted %s\n", args[0])
			return nil
		},
	}
	return cmd
}
