package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/godzie44/dgramtest/config"
	"github.com/godzie44/dgramtest/supervisor"
)

const (
	backendUring    = "uring"
	backendLoopback = "loopback"
)

var (
	// Global flags
	cfgFile     string
	logLevel    string
	backend     string
	fill        string
	timeout     time.Duration
	ringEntries uint32

	// Shared state set during PersistentPreRun
	log *logrus.Logger

	// replaced by tests
	exit = os.Exit
)

// rootCmd is the base command for dgramtest.
var rootCmd = &cobra.Command{
	Use:   "dgramtest",
	Short: "Datagram conformance tests over an asynchronous socket runtime",
	Long: `dgramtest drives push/pop datagram scenarios between an initiator and a responder.
Each process plays the role selected by the PEER environment variable; the loopback
backend runs both roles in-process.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		lvl, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}

		log = logrus.New()
		log.SetOutput(cmd.ErrOrStderr())
		log.SetLevel(lvl)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, supervisor.ErrLivenessTimeout) {
			exit(supervisor.ExitLivenessTimeout)
			return
		}
		exit(1)
	}
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv(config.PathEnv), "config file (default is $"+config.PathEnv+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", backendUring, "socket runtime: uring or loopback")
	rootCmd.PersistentFlags().StringVar(&fill, "fill", "a", "payload fill byte")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", supervisor.DefaultDeadline, "deadline of a protected receive wait")
	rootCmd.PersistentFlags().Uint32Var(&ringEntries, "ring-entries", 256, "io_uring submission queue entries")
}
