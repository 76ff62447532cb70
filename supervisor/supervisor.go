// Package supervisor bounds the duration of blocking waits and terminates the process when one hangs.
package supervisor

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	//ExitLivenessTimeout is the process exit status after a protected wait exceeded its deadline.
	ExitLivenessTimeout = 124

	DefaultDeadline = 60 * time.Second
)

//ErrLivenessTimeout is returned by Protect only when the installed exit function returns.
var ErrLivenessTimeout = errors.New("liveness timeout")

type Supervisor struct {
	deadline time.Duration
	exit     func(code int)
	log      logrus.FieldLogger
}

type Option func(s *Supervisor)

//WithExit replace os.Exit, used by tests.
func WithExit(fn func(code int)) Option {
	return func(s *Supervisor) {
		s.exit = fn
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Supervisor) {
		s.log = l
	}
}

//New create supervisor, non-positive deadline means DefaultDeadline.
func New(deadline time.Duration, opts ...Option) *Supervisor {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	s := &Supervisor{
		deadline: deadline,
		exit:     os.Exit,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Deadline() time.Duration {
	return s.deadline
}

//Protect run wait on the calling goroutine while a watcher races it against the deadline.
//When wait returns first the watcher is stopped and joined before Protect returns.
//When the deadline elapses first the process exits with ExitLivenessTimeout.
func (s *Supervisor) Protect(wait func()) error {
	done := make(chan struct{})
	var expired bool

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		timer := time.NewTimer(s.deadline)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			expired = true
			s.log.WithFields(logrus.Fields{
				"function": "Protect",
				"deadline": s.deadline,
			}).Error("wait did not complete before deadline, exiting")
			s.exit(ExitLivenessTimeout)
		}
	}()

	wait()
	close(done)
	wg.Wait()

	if expired {
		return ErrLivenessTimeout
	}
	return nil
}

//Await run fn under s protection and return its result.
func Await[T any](s *Supervisor, fn func() (T, error)) (T, error) {
	var (
		v   T
		err error
	)

	if perr := s.Protect(func() { v, err = fn() }); perr != nil {
		return v, perr
	}
	return v, err
}
