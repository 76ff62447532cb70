package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/godzie44/dgramtest/config"
	"github.com/godzie44/dgramtest/libos"
	"github.com/godzie44/dgramtest/libos/loopback"
	"github.com/godzie44/dgramtest/scenario"
	"github.com/godzie44/dgramtest/supervisor"
)

var (
	nsends int
	npongs int
)

type runner func(ctx context.Context, env scenario.Env) (scenario.Report, error)

//runtime is a libos backend owning resources released by Shutdown.
type runtime interface {
	libos.LibOS
	Shutdown() error
}

//serving tells whether the responder of a scenario runs until cancelled.
type serving bool

var pushPopCmd = &cobra.Command{
	Use:   "push-pop",
	Short: "Bulk transfer: initiator sends, responder verifies a 10% sample",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if nsends < 0 {
			return fmt.Errorf("invalid --nsends %d", nsends)
		}
		return runScenario(cmd, false, func(ctx context.Context, env scenario.Env) (scenario.Report, error) {
			return scenario.PushPop(ctx, env, nsends)
		})
	},
}

var pingPongCmd = &cobra.Command{
	Use:   "ping-pong",
	Short: "Round trips: initiator pipelines sends and receives, responder echoes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if npongs < 0 {
			return fmt.Errorf("invalid --npongs %d", npongs)
		}
		return runScenario(cmd, true, func(ctx context.Context, env scenario.Env) (scenario.Report, error) {
			return scenario.PingPong(ctx, env, npongs)
		})
	},
}

func init() {
	pushPopCmd.Flags().IntVar(&nsends, "nsends", 1000, "datagrams sent by the initiator")
	pingPongCmd.Flags().IntVar(&npongs, "npongs", 1000, "round trips observed by the initiator")

	rootCmd.AddCommand(pushPopCmd)
	rootCmd.AddCommand(pingPongCmd)
}

func fillByte() (byte, error) {
	if len(fill) != 1 {
		return 0, fmt.Errorf("invalid --fill %q: must be a single byte", fill)
	}
	return fill[0], nil
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, &config.ConfigurationError{Field: "config", Reason: "not set, use --config or $" + config.PathEnv}
	}
	return config.Load(cfgFile)
}

func runScenario(cmd *cobra.Command, endless serving, run runner) error {
	fb, err := fillByte()
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	switch backend {
	case backendUring:
		return runUring(ctx, cmd.OutOrStdout(), cfg, fb, run)
	case backendLoopback:
		return runLoopback(ctx, cmd.OutOrStdout(), cfg, fb, endless, run)
	}
	return fmt.Errorf("unknown backend %q", backend)
}

func newEnv(sockets libos.LibOS, run config.Run, fb byte) scenario.Env {
	l := log.WithField("role", run.Role.String())
	return scenario.Env{
		OS:         sockets,
		Run:        run,
		Fill:       fb,
		Supervisor: supervisor.New(timeout, supervisor.WithLogger(l)),
		Counters:   &scenario.Counters{},
		Log:        l,
	}
}

func runUring(ctx context.Context, out io.Writer, cfg *config.Config, fb byte, run runner) error {
	role, err := config.RoleFromEnv(os.LookupEnv)
	if err != nil {
		return err
	}
	setup, err := cfg.Resolve(role)
	if err != nil {
		return err
	}

	l, err := startUring(ringEntries, setup.MSS, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Shutdown(); err != nil {
			log.WithError(err).Warn("libos shutdown")
		}
	}()

	env := newEnv(l, setup, fb)
	stop := onInterrupt(env.Counters)
	defer stop()

	report, err := run(ctx, env)
	if err != nil {
		return err
	}
	printReport(out, report)
	return nil
}

//runLoopback run responder and initiator in-process over a loopback network.
func runLoopback(ctx context.Context, out io.Writer, cfg *config.Config, fb byte, endless serving, run runner) error {
	initiatorRun, err := cfg.Resolve(config.Initiator)
	if err != nil {
		return err
	}
	responderRun, err := cfg.Resolve(config.Responder)
	if err != nil {
		return err
	}

	network := loopback.NewNetwork(loopback.WithLogger(log))
	initiator := newEnv(network.NewLibOS(), initiatorRun, fb)
	responder := newEnv(network.NewLibOS(), responderRun, fb)

	stop := onInterrupt(initiator.Counters, responder.Counters)
	defer stop()

	responderCtx, stopResponder := context.WithCancel(ctx)
	defer stopResponder()

	bound := make(chan struct{})
	responder.OnBound = func(libos.Endpoint) { close(bound) }

	var (
		responderReport scenario.Report
		responderErr    error
	)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		responderReport, responderErr = run(responderCtx, responder)
	}()

	select {
	case <-bound:
	case <-finished:
		return fmt.Errorf("responder: %w", responderErr)
	}

	initiatorReport, initiatorErr := run(ctx, initiator)

	if !endless && initiatorErr == nil {
		select {
		case <-finished:
		case <-time.After(timeout):
		}
	}
	stopResponder()
	<-finished

	if responderErr != nil {
		responderErr = fmt.Errorf("responder: %w", responderErr)
	}
	if err := errors.Join(initiatorErr, responderErr); err != nil {
		return err
	}

	printReport(out, responderReport)
	printReport(out, initiatorReport)
	return nil
}

//onInterrupt log counters and exit with status 0 on SIGINT or SIGTERM.
func onInterrupt(counters ...*scenario.Counters) (stop func()) {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			for _, c := range counters {
				log.WithFields(logrus.Fields{
					"signal":   sig.String(),
					"sent":     c.Sent(),
					"received": c.Received(),
				}).Info("interrupted")
			}
			exit(0)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func printReport(out io.Writer, r scenario.Report) {
	fmt.Fprintf(out, "%s %s: sent=%d received=%d elapsed=%s", r.Scenario, r.Role, r.Sent, r.Received, r.Elapsed)
	if r.Latency.Count > 0 {
		fmt.Fprintf(out, " recv-wait min=%s mean=%s max=%s", r.Latency.Min, r.Latency.Mean(), r.Latency.Max)
	}
	fmt.Fprintln(out)
}
