package scenario

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/godzie44/dgramtest/config"
	"github.com/godzie44/dgramtest/driver"
	"github.com/godzie44/dgramtest/supervisor"
)

//PingPong run round trips. The initiator runs the driver reactive loop until npongs verified replies.
//The responder echoes the expected buffer back to the configured remote until ctx is done,
//every receive wait is protected by the supervisor.
func PingPong(ctx context.Context, env Env, npongs int) (Report, error) {
	s, err := open(env, NamePingPong)
	if err != nil {
		return Report{}, err
	}

	if env.Run.Role == config.Responder {
		return s.finish(s.pingPongResponder(ctx))
	}
	return s.finish(s.pingPongInitiator(npongs))
}

func (s *session) pingPongInitiator(npongs int) error {
	stats, err := s.drv.PingPong(s.buf, s.env.Run.Remote, npongs)
	s.report.Latency = stats.Latency
	return err
}

func (s *session) pingPongResponder(ctx context.Context) error {
	defer s.closeOnDone(ctx)()

	s.log.WithField("function", "pingPongResponder").Info("serving")

	for ctx.Err() == nil {
		p, err := s.drv.IssueReceive()
		if err != nil {
			return s.stopped(ctx, err)
		}

		out, err := supervisor.Await(s.env.Supervisor, func() (driver.Outcome, error) {
			return s.drv.AwaitOne(p)
		})
		if err != nil {
			return s.stopped(ctx, err)
		}

		if err := s.drv.Verify(s.buf, out.Buf); err != nil {
			return err
		}

		send, err := s.drv.IssueSend(s.buf, s.env.Run.Remote)
		if err != nil {
			return s.stopped(ctx, err)
		}
		if _, err := s.drv.AwaitOne(send); err != nil {
			return s.stopped(ctx, err)
		}
	}
	return nil
}

//stopped hide failures caused by the socket being closed on cancellation.
func (s *session) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(err, supervisor.ErrLivenessTimeout) {
		s.log.WithFields(logrus.Fields{
			"function": "pingPongResponder",
			"cause":    err,
		}).Debug("stopped")
		return nil
	}
	return err
}
