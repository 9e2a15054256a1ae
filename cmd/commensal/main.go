package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commensal",
		Short: "Commensal: recording and processing coordinator for commensal observing",
		Long:  "Commensal allocates processing instances to telescope subarrays and drives them through subscribe, record and process phases.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "coordinator config file (default $XDG_CONFIG_HOME/commensal/coordinator.yaml)")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		setLevel(levelStr)
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newResetStateCmd())
	cmd.AddCommand(newPublishCmd())
	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newTrustHostCmd())
	return cmd
}

func setLevel(levelStr string) {
	switch levelStr {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("commensal %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// Setup the logger
func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	setupLogger()
	root := newRootCmd()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
