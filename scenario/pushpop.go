package scenario

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/godzie44/dgramtest/config"
)

//Receives return how many datagrams the responder waits for when the initiator sends nsends.
func Receives(nsends int) int {
	return 10 * nsends / 100
}

//PushPop run bulk transfer. The initiator sends nsends datagrams one at a time, each awaited before the next.
//The responder receives and verifies Receives(nsends) of them, the rest is dropped with the socket.
func PushPop(ctx context.Context, env Env, nsends int) (Report, error) {
	s, err := open(env, NamePushPop)
	if err != nil {
		return Report{}, err
	}

	if env.Run.Role == config.Responder {
		return s.finish(s.pushPopResponder(ctx, Receives(nsends)))
	}
	return s.finish(s.pushPopInitiator(ctx, nsends))
}

func (s *session) pushPopResponder(ctx context.Context, nreceives int) error {
	s.log.WithFields(logrus.Fields{
		"function":  "pushPopResponder",
		"nreceives": nreceives,
	}).Info("receiving")

	defer s.closeOnDone(ctx)()

	for i := 0; i < nreceives; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		p, err := s.drv.IssueReceive()
		if err != nil {
			return cancelled(ctx, err)
		}
		out, err := s.drv.AwaitOne(p)
		if err != nil {
			return cancelled(ctx, err)
		}
		if err := s.drv.Verify(s.buf, out.Buf); err != nil {
			return err
		}
	}
	return nil
}

//cancelled report ctx error instead of the failure caused by closing the socket on cancellation.
func cancelled(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (s *session) pushPopInitiator(ctx context.Context, nsends int) error {
	s.log.WithFields(logrus.Fields{
		"function": "pushPopInitiator",
		"nsends":   nsends,
	}).Info("sending")

	for i := 0; i < nsends; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		p, err := s.drv.IssueSend(s.buf, s.env.Run.Remote)
		if err != nil {
			return err
		}
		if _, err := s.drv.AwaitOne(p); err != nil {
			return err
		}
	}
	return nil
}
