// Package scenario runs the bulk transfer and ping-pong datagram scenarios for one role.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/godzie44/dgramtest/config"
	"github.com/godzie44/dgramtest/driver"
	"github.com/godzie44/dgramtest/libos"
	"github.com/godzie44/dgramtest/payload"
	"github.com/godzie44/dgramtest/supervisor"
)

const (
	NamePushPop  = "push-pop"
	NamePingPong = "ping-pong"
)

//Counters track completed operations, safe to read while a scenario runs.
type Counters struct {
	sent     atomic.Uint64
	received atomic.Uint64
}

func (c *Counters) Sent() uint64 {
	return c.sent.Load()
}

func (c *Counters) Received() uint64 {
	return c.received.Load()
}

func (c *Counters) observe(out driver.Outcome) {
	switch out.Kind {
	case driver.PushComplete:
		c.sent.Add(1)
	case driver.PopComplete:
		c.received.Add(1)
	}
}

//Env is everything a scenario needs, resolved once before it starts.
type Env struct {
	OS         libos.LibOS
	Run        config.Run
	Fill       byte
	Supervisor *supervisor.Supervisor
	Counters   *Counters
	Log        logrus.FieldLogger

	//OnBound, if set, is called once the scenario socket is bound.
	OnBound func(local libos.Endpoint)
}

type Report struct {
	Scenario string
	Role     config.Role
	Sent     uint64
	Received uint64
	Elapsed  time.Duration
	Latency  driver.Latency
}

func (r Report) Fields() logrus.Fields {
	f := logrus.Fields{
		"scenario": r.Scenario,
		"role":     r.Role.String(),
		"sent":     r.Sent,
		"received": r.Received,
		"elapsed":  r.Elapsed,
	}
	if r.Latency.Count > 0 {
		f["recv_wait_min"] = r.Latency.Min
		f["recv_wait_mean"] = r.Latency.Mean()
		f["recv_wait_max"] = r.Latency.Max
	}
	return f
}

type session struct {
	env    Env
	qd     libos.QDesc
	drv    *driver.Driver
	buf    []byte
	log    logrus.FieldLogger
	start  time.Time
	close  func() error
	report Report
}

func (e *Env) defaults() {
	if e.Counters == nil {
		e.Counters = &Counters{}
	}
	if e.Supervisor == nil {
		e.Supervisor = supervisor.New(supervisor.DefaultDeadline)
	}
	if e.Log == nil {
		e.Log = logrus.StandardLogger()
	}
}

//open create and bind the scenario socket and build the expected payload.
func open(env Env, name string, opts ...driver.Option) (*session, error) {
	env.defaults()

	if env.Run.BufferSize < 0 {
		return nil, &config.ConfigurationError{Field: "buffer_size", Reason: "must not be negative"}
	}
	if env.Run.BufferSize > env.Run.MSS {
		return nil, &config.ConfigurationError{Field: "buffer_size", Reason: fmt.Sprintf("%d exceeds mss %d", env.Run.BufferSize, env.Run.MSS)}
	}

	qd, err := env.OS.Socket(syscall.AF_INET, syscall.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := env.OS.Bind(qd, env.Run.Local); err != nil {
		_ = env.OS.Close(qd)
		return nil, fmt.Errorf("bind %s: %w", env.Run.Local, err)
	}

	log := env.Log.WithFields(logrus.Fields{
		"scenario": name,
		"role":     env.Run.Role.String(),
		"local":    env.Run.Local.String(),
		"remote":   env.Run.Remote.String(),
	})

	opts = append([]driver.Option{
		driver.WithCompletionHook(env.Counters.observe),
		driver.WithLogger(log),
	}, opts...)

	var once sync.Once
	var closeErr error

	s := &session{
		env:   env,
		qd:    qd,
		drv:   driver.New(env.OS, qd, env.Run.Role, opts...),
		buf:   payload.Make(env.Fill, env.Run.BufferSize),
		log:   log,
		start: time.Now(),
		close: func() error {
			once.Do(func() { closeErr = env.OS.Close(qd) })
			return closeErr
		},
		report: Report{Scenario: name, Role: env.Run.Role},
	}

	if env.OnBound != nil {
		env.OnBound(env.Run.Local)
	}
	return s, nil
}

//closeOnDone close the socket once ctx is done so that a pending wait fails instead of hanging.
func (s *session) closeOnDone(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() { _ = s.close() })
}

func (s *session) finish(err error) (Report, error) {
	if cerr := s.close(); cerr != nil && !errors.Is(cerr, libos.ErrBadQDesc) {
		err = errors.Join(err, fmt.Errorf("close: %w", cerr))
	}

	s.report.Sent = s.env.Counters.Sent()
	s.report.Received = s.env.Counters.Received()
	s.report.Elapsed = time.Since(s.start)

	if err != nil {
		s.log.WithError(err).Error("scenario failed")
	} else {
		s.log.WithFields(s.report.Fields()).Info("scenario finished")
	}
	return s.report, err
}
