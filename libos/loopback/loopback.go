// Package loopback is an in-process datagram network implementing the libos contract.
// Several LibOS instances attached to one Network exchange datagrams like hosts on a lossy link:
// datagrams to unbound endpoints are dropped, full inboxes drop new datagrams.
package loopback

import (
	"sync"
	"syscall"

	"github.com/godzie44/dgramtest/libos"
	"github.com/sirupsen/logrus"
)

const defaultInboxSize = 1024

//DropFunc decide whether a datagram is lost in transit.
type DropFunc func(from, to libos.Endpoint, buf []byte) bool

type Network struct {
	mu      sync.Mutex
	ports   map[libos.Endpoint]*socket
	drop    DropFunc
	inboxSz int
	log     logrus.FieldLogger
}

type Option func(n *Network)

//WithDrop install datagram loss filter.
func WithDrop(fn DropFunc) Option {
	return func(n *Network) {
		n.drop = fn
	}
}

//WithInboxSize limit count of queued, not popped datagrams per socket.
func WithInboxSize(sz int) Option {
	return func(n *Network) {
		n.inboxSz = sz
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(n *Network) {
		n.log = l
	}
}

func NewNetwork(opts ...Option) *Network {
	n := &Network{
		ports:   make(map[libos.Endpoint]*socket),
		inboxSz: defaultInboxSize,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

type datagram struct {
	from libos.Endpoint
	buf  []byte
}

type socket struct {
	owner  *LibOS
	local  libos.Endpoint
	bound  bool
	closed bool

	inbox   []datagram
	waiters []libos.QToken
}

//LibOS is a single host attached to the Network.
type LibOS struct {
	net  *Network
	comp *libos.Completions

	mu      sync.Mutex
	sockets map[libos.QDesc]*socket
	nextQD  libos.QDesc
}

var _ libos.LibOS = (*LibOS)(nil)

//NewLibOS attach a new host to the network.
func (n *Network) NewLibOS() *LibOS {
	return &LibOS{
		net:     n,
		comp:    libos.NewCompletions(),
		sockets: make(map[libos.QDesc]*socket),
	}
}

func (l *LibOS) Socket(domain, typ, protocol int) (libos.QDesc, error) {
	if domain != syscall.AF_INET || typ != syscall.SOCK_DGRAM || (protocol != 0 && protocol != syscall.IPPROTO_UDP) {
		return 0, libos.ErrNotSupported
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextQD++
	l.sockets[l.nextQD] = &socket{owner: l}
	return l.nextQD, nil
}

func (l *LibOS) Bind(qd libos.QDesc, local libos.Endpoint) error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	sock, err := l.socketLocked(qd)
	if err != nil {
		return err
	}
	if sock.bound {
		return libos.ErrAlreadyBound
	}
	if _, busy := l.net.ports[local]; busy {
		return libos.ErrAddrInUse
	}

	sock.local, sock.bound = local, true
	l.net.ports[local] = sock
	return nil
}

func (l *LibOS) PushTo(qd libos.QDesc, buf []byte, remote libos.Endpoint) (libos.QToken, error) {
	l.mu.Lock()
	sock, err := l.boundSocketLocked(qd)
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}

	qt := l.comp.Issue()

	data := make([]byte, len(buf))
	copy(data, buf)
	l.net.deliver(sock.local, remote, data)

	l.comp.Complete(qt, libos.OperationResult{Opcode: libos.OpPush})
	return qt, nil
}

func (l *LibOS) Pop(qd libos.QDesc) (libos.QToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sock, err := l.boundSocketLocked(qd)
	if err != nil {
		return 0, err
	}

	qt := l.comp.Issue()
	if len(sock.inbox) > 0 {
		dgram := sock.inbox[0]
		sock.inbox = sock.inbox[1:]
		l.comp.Complete(qt, libos.OperationResult{Opcode: libos.OpPop, Source: dgram.from, Buf: dgram.buf})
		return qt, nil
	}

	sock.waiters = append(sock.waiters, qt)
	return qt, nil
}

func (l *LibOS) Wait(qt libos.QToken) (libos.OperationResult, error) {
	return l.comp.Wait(qt)
}

func (l *LibOS) WaitAny(qts []libos.QToken) (int, libos.OperationResult, error) {
	return l.comp.WaitAny(qts)
}

//Close release socket, pending pops resolve with libos.ErrClosed.
func (l *LibOS) Close(qd libos.QDesc) error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	sock, err := l.socketLocked(qd)
	if err != nil {
		return err
	}
	l.closeLocked(qd, sock)
	return nil
}

//Shutdown close all host sockets.
func (l *LibOS) Shutdown() {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	for qd, sock := range l.sockets {
		l.closeLocked(qd, sock)
	}
}

func (l *LibOS) closeLocked(qd libos.QDesc, sock *socket) {
	sock.closed = true
	if sock.bound && l.net.ports[sock.local] == sock {
		delete(l.net.ports, sock.local)
	}
	for _, qt := range sock.waiters {
		l.comp.Fail(qt, libos.ErrClosed)
	}
	sock.waiters, sock.inbox = nil, nil
	delete(l.sockets, qd)
}

func (l *LibOS) socketLocked(qd libos.QDesc) (*socket, error) {
	sock, ok := l.sockets[qd]
	if !ok {
		return nil, libos.ErrBadQDesc
	}
	return sock, nil
}

func (l *LibOS) boundSocketLocked(qd libos.QDesc) (*socket, error) {
	sock, err := l.socketLocked(qd)
	if err != nil {
		return nil, err
	}
	if !sock.bound {
		return nil, libos.ErrNotBound
	}
	return sock, nil
}

func (n *Network) deliver(from, to libos.Endpoint, buf []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.drop != nil && n.drop(from, to, buf) {
		return
	}

	dst, ok := n.ports[to]
	if !ok {
		n.log.WithFields(logrus.Fields{"from": from, "to": to}).Trace("datagram to unbound endpoint dropped")
		return
	}

	dst.owner.enqueue(dst, datagram{from: from, buf: buf}, n.inboxSz)
}

func (l *LibOS) enqueue(sock *socket, dgram datagram, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sock.closed {
		return
	}

	if len(sock.waiters) > 0 {
		qt := sock.waiters[0]
		sock.waiters = sock.waiters[1:]
		l.comp.Complete(qt, libos.OperationResult{Opcode: libos.OpPop, Source: dgram.from, Buf: dgram.buf})
		return
	}

	if len(sock.inbox) >= limit {
		return
	}
	sock.inbox = append(sock.inbox, dgram)
}
