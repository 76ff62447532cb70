// Package driver issues pushes and pops against a libos socket and resolves their handles.
package driver

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/godzie44/dgramtest/config"
	"github.com/godzie44/dgramtest/libos"
	"github.com/godzie44/dgramtest/payload"
)

type OutcomeKind int

const (
	PushComplete OutcomeKind = iota + 1
	PopComplete
)

func (k OutcomeKind) String() string {
	switch k {
	case PushComplete:
		return "push"
	case PopComplete:
		return "pop"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

//Pending is an issued, not yet resolved operation.
type Pending struct {
	Token  libos.QToken
	Kind   OutcomeKind
	Issued time.Time
}

//Outcome of a resolved operation. Source and Buf are set only for PopComplete.
type Outcome struct {
	Kind   OutcomeKind
	Source libos.Endpoint
	Buf    []byte
}

type Driver struct {
	os   libos.LibOS
	qd   libos.QDesc
	role config.Role

	waitHook     func(set *OutstandingSet)
	completeHook func(out Outcome)
	log          logrus.FieldLogger
}

type Option func(d *Driver)

//WithWaitHook install function observing the outstanding set before every wait in PingPong.
func WithWaitHook(fn func(set *OutstandingSet)) Option {
	return func(d *Driver) {
		d.waitHook = fn
	}
}

//WithCompletionHook install function called for every successful completion.
func WithCompletionHook(fn func(out Outcome)) Option {
	return func(d *Driver) {
		d.completeHook = fn
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Driver) {
		d.log = l
	}
}

//New create driver for socket qd, role is reported by verification errors.
func New(os libos.LibOS, qd libos.QDesc, role config.Role, opts ...Option) *Driver {
	d := &Driver{
		os:   os,
		qd:   qd,
		role: role,
		log:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

//IssueSend request asynchronous transmission of buf to remote.
//buf must stay unchanged until the returned handle resolves.
func (d *Driver) IssueSend(buf []byte, remote libos.Endpoint) (Pending, error) {
	qt, err := d.os.PushTo(d.qd, buf, remote)
	if err != nil {
		return Pending{}, &IssueError{Kind: PushComplete, Err: err}
	}
	return Pending{Token: qt, Kind: PushComplete, Issued: time.Now()}, nil
}

//IssueReceive request asynchronous receive of the next datagram from any sender.
func (d *Driver) IssueReceive() (Pending, error) {
	qt, err := d.os.Pop(d.qd)
	if err != nil {
		return Pending{}, &IssueError{Kind: PopComplete, Err: err}
	}
	return Pending{Token: qt, Kind: PopComplete, Issued: time.Now()}, nil
}

//AwaitOne block until p resolves.
func (d *Driver) AwaitOne(p Pending) (Outcome, error) {
	res, err := d.os.Wait(p.Token)
	if err != nil {
		return Outcome{}, &CompletionError{Kind: p.Kind, Err: err}
	}
	return d.outcome(p, res)
}

//AwaitAny block until at least one member of set resolves.
//The resolved member is removed from set before return; index is its position before removal.
func (d *Driver) AwaitAny(set *OutstandingSet) (int, Pending, Outcome, error) {
	if set.Len() == 0 {
		return -1, Pending{}, Outcome{}, ErrEmptySet
	}

	i, res, err := d.os.WaitAny(set.Tokens())
	if err != nil {
		return -1, Pending{}, Outcome{}, &CompletionError{Err: err}
	}

	p := set.Remove(i)
	out, err := d.outcome(p, res)
	return i, p, out, err
}

func (d *Driver) outcome(p Pending, res libos.OperationResult) (Outcome, error) {
	var out Outcome
	switch res.Opcode {
	case libos.OpPush:
		out = Outcome{Kind: PushComplete}
	case libos.OpPop:
		out = Outcome{Kind: PopComplete, Source: res.Source, Buf: res.Buf}
	case libos.OpFailed:
		return Outcome{}, &CompletionError{Kind: p.Kind, Err: res.Err}
	default:
		return Outcome{}, &CompletionError{Kind: p.Kind, Err: fmt.Errorf("unexpected opcode %s", res.Opcode)}
	}

	if out.Kind != p.Kind {
		return Outcome{}, &CompletionError{Kind: p.Kind, Err: fmt.Errorf("resolved as %s", out.Kind)}
	}

	if d.completeHook != nil {
		d.completeHook(out)
	}
	return out, nil
}

//Verify check got against expected byte for byte, side names the role observing the buffer.
func Verify(side config.Role, expected, got []byte) error {
	if payload.Equal(expected, got) {
		return nil
	}
	return &VerificationError{
		Side:        side,
		Offset:      payload.FirstMismatch(expected, got),
		ExpectedLen: len(expected),
		GotLen:      len(got),
	}
}

//Verify check got against expected as seen by the driver role.
func (d *Driver) Verify(expected, got []byte) error {
	return Verify(d.role, expected, got)
}
