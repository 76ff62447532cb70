//go:build linux

// Package uringos implements the libos contract over kernel UDP sockets driven by io_uring:
// push is IORING_OP_SENDMSG with a destination name, pop is IORING_OP_RECVMSG.
package uringos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"

	sockaddrnet "github.com/libp2p/go-sockaddr/net"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/godzie44/dgramtest/libos"
	"github.com/godzie44/dgramtest/reactor"
	"github.com/godzie44/dgramtest/uring"
)

const defaultRecvBufferSize = 1 << 16

type socket struct {
	fd     int
	bound  bool
	closed bool
	local  libos.Endpoint
}

type LibOS struct {
	reactor *reactor.Reactor
	comp    *libos.Completions

	mu       sync.Mutex
	sockets  map[libos.QDesc]*socket
	inflight map[libos.QToken]uring.Operation

	recvSize int
	log      logrus.FieldLogger

	stop func() error
}

var _ libos.LibOS = (*LibOS)(nil)

type Option func(l *LibOS)

//WithRecvBufferSize set pop buffer size, datagrams longer than size are truncated by the kernel.
func WithRecvBufferSize(size int) Option {
	return func(l *LibOS) {
		l.recvSize = size
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(l *LibOS) {
		l.log = log
	}
}

//New create LibOS over running reactor.
func New(r *reactor.Reactor, opts ...Option) *LibOS {
	l := &LibOS{
		reactor:  r,
		comp:     libos.NewCompletions(),
		sockets:  make(map[libos.QDesc]*socket),
		inflight: make(map[libos.QToken]uring.Operation),
		recvSize: defaultRecvBufferSize,
		log:      logrus.StandardLogger(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

//Start create ring with given entries count, start reactor loop and return LibOS over it.
//Shutdown must be called to release the ring.
func Start(entries uint32, opts ...Option) (*LibOS, error) {
	ring, err := uring.New(entries)
	if err != nil {
		return nil, fmt.Errorf("create ring: %w", err)
	}

	if probe, err := ring.Probe(); err == nil {
		if !probe.Supported(uring.SendMsgCode) || !probe.Supported(uring.RecvMsgCode) {
			_ = ring.Close()
			return nil, fmt.Errorf("%w: IORING_OP_SENDMSG/IORING_OP_RECVMSG", libos.ErrNotSupported)
		}
	}

	l := New(nil, opts...)
	l.reactor = reactor.New(ring, reactor.WithLogger(l.log))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.reactor.Run(ctx)
	}()

	l.stop = func() error {
		cancel()
		return errors.Join(<-done, ring.Close())
	}

	l.log.WithFields(logrus.Fields{
		"function":  "Start",
		"entries":   entries,
		"fast_poll": ring.Params.FastPollFeature(),
	}).Debug("io_uring libos started")

	return l, nil
}

//Shutdown close all sockets and stop the reactor if it was started by Start.
//Operations not completed by then resolve with libos.ErrClosed.
func (l *LibOS) Shutdown() error {
	l.mu.Lock()
	var errs []error
	for qd, sock := range l.sockets {
		errs = append(errs, l.closeLocked(qd, sock))
	}
	l.mu.Unlock()

	if l.stop != nil {
		errs = append(errs, l.stop())

		// reactor is gone, completions still in flight will never be dispatched
		l.mu.Lock()
		for qt := range l.inflight {
			l.comp.Fail(qt, libos.ErrClosed)
		}
		l.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (l *LibOS) Socket(domain, typ, protocol int) (libos.QDesc, error) {
	if domain != syscall.AF_INET || typ != syscall.SOCK_DGRAM {
		return 0, libos.ErrNotSupported
	}

	fd, err := syscall.Socket(domain, typ|syscall.SOCK_CLOEXEC, protocol)
	if err != nil {
		return 0, fmt.Errorf("socket: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	qd := libos.QDesc(fd)
	l.sockets[qd] = &socket{fd: fd}
	return qd, nil
}

func (l *LibOS) Bind(qd libos.QDesc, local libos.Endpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sock, ok := l.sockets[qd]
	if !ok {
		return libos.ErrBadQDesc
	}
	if sock.bound {
		return libos.ErrAlreadyBound
	}

	sa := sockaddrnet.UDPAddrToSockaddr(local.UDPAddr())
	if sa == nil {
		return fmt.Errorf("%w: %s", libos.ErrNotIPv4, local)
	}

	if err := unix.Bind(sock.fd, sa); err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			return fmt.Errorf("bind %s: %w", local, libos.ErrAddrInUse)
		}
		return fmt.Errorf("bind %s: %w", local, err)
	}

	sock.local, sock.bound = local, true
	return nil
}

func (l *LibOS) PushTo(qd libos.QDesc, buf []byte, remote libos.Endpoint) (libos.QToken, error) {
	sock, err := l.boundSocket(qd)
	if err != nil {
		return 0, err
	}

	sa := sockaddrnet.UDPAddrToSockaddr(remote.UDPAddr())
	if sa == nil {
		return 0, fmt.Errorf("%w: %s", libos.ErrNotIPv4, remote)
	}

	op, err := uring.SendTo(sock.fd, buf, sa)
	if err != nil {
		return 0, err
	}

	return l.queue(op, func(event uring.CQEvent) libos.OperationResult {
		if err := event.Error(); err != nil {
			return libos.OperationResult{Opcode: libos.OpFailed, Err: fmt.Errorf("sendmsg: %w", err)}
		}
		if int(event.Res) != len(buf) {
			return libos.OperationResult{Opcode: libos.OpFailed, Err: io.ErrShortWrite}
		}
		return libos.OperationResult{Opcode: libos.OpPush}
	})
}

func (l *LibOS) Pop(qd libos.QDesc) (libos.QToken, error) {
	sock, err := l.boundSocket(qd)
	if err != nil {
		return 0, err
	}

	op := uring.RecvFrom(sock.fd, make([]byte, l.recvSize))

	return l.queue(op, func(event uring.CQEvent) libos.OperationResult {
		if err := event.Error(); err != nil {
			return libos.OperationResult{Opcode: libos.OpFailed, Err: fmt.Errorf("recvmsg: %w", err)}
		}
		if l.isClosed(sock) {
			return libos.OperationResult{Opcode: libos.OpFailed, Err: libos.ErrClosed}
		}

		src, err := op.Source()
		if err != nil {
			return libos.OperationResult{Opcode: libos.OpFailed, Err: err}
		}
		ep, err := libos.EndpointFromUDPAddr(src)
		if err != nil {
			return libos.OperationResult{Opcode: libos.OpFailed, Err: err}
		}

		return libos.OperationResult{Opcode: libos.OpPop, Source: ep, Buf: op.Buffer()[:event.Res]}
	})
}

func (l *LibOS) Wait(qt libos.QToken) (libos.OperationResult, error) {
	return l.comp.Wait(qt)
}

func (l *LibOS) WaitAny(qts []libos.QToken) (int, libos.OperationResult, error) {
	return l.comp.WaitAny(qts)
}

//Close shut socket down and close it, pending pops resolve with libos.ErrClosed.
func (l *LibOS) Close(qd libos.QDesc) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sock, ok := l.sockets[qd]
	if !ok {
		return libos.ErrBadQDesc
	}
	return l.closeLocked(qd, sock)
}

func (l *LibOS) closeLocked(qd libos.QDesc, sock *socket) error {
	sock.closed = true
	delete(l.sockets, qd)

	// wakes up pending recvmsg even on unconnected socket, ENOTCONN is expected
	if err := syscall.Shutdown(sock.fd, syscall.SHUT_RDWR); err != nil && !errors.Is(err, syscall.ENOTCONN) {
		l.log.WithError(err).WithField("fd", sock.fd).Warn("socket shutdown failed")
	}
	return syscall.Close(sock.fd)
}

func (l *LibOS) isClosed(sock *socket) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sock.closed
}

func (l *LibOS) boundSocket(qd libos.QDesc) (*socket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sock, ok := l.sockets[qd]
	if !ok {
		return nil, libos.ErrBadQDesc
	}
	if !sock.bound {
		return nil, libos.ErrNotBound
	}
	return sock, nil
}

type resultFn func(event uring.CQEvent) libos.OperationResult

func (l *LibOS) queue(op uring.Operation, result resultFn) (libos.QToken, error) {
	qt := l.comp.Issue()

	// operation holds msghdr, iovec and buffers referenced by the kernel until completion
	l.mu.Lock()
	l.inflight[qt] = op
	l.mu.Unlock()

	_, err := l.reactor.Queue(op, func(event uring.CQEvent) {
		res := result(event)

		l.mu.Lock()
		delete(l.inflight, qt)
		l.mu.Unlock()

		l.comp.Complete(qt, res)
	})
	if err != nil {
		l.mu.Lock()
		delete(l.inflight, qt)
		l.mu.Unlock()

		l.comp.Cancel(qt)
		return 0, err
	}

	return qt, nil
}
