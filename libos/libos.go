// Package libos declares the datagram socket contract of an asynchronous I/O runtime:
// sockets are identified by queue descriptors, every push or pop returns a queue token,
// and tokens are resolved by Wait or WaitAny.
package libos

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

//QDesc identifies a socket inside a LibOS instance.
type QDesc int

//QToken is an opaque handle of an issued, not yet resolved operation.
//A token is consumed exactly once by Wait or WaitAny.
type QToken uint64

type Opcode int

const (
	OpPush Opcode = iota + 1
	OpPop
	OpFailed
)

func (op Opcode) String() string {
	switch op {
	case OpPush:
		return "push"
	case OpPop:
		return "pop"
	case OpFailed:
		return "failed"
	}
	return fmt.Sprintf("opcode(%d)", int(op))
}

//OperationResult is the outcome of a resolved token.
//Source and Buf are set for OpPop, Err is set for OpFailed.
type OperationResult struct {
	Opcode Opcode
	Source Endpoint
	Buf    []byte
	Err    error
}

//Endpoint is an IPv4 address and port pair.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

//NewEndpoint create endpoint, addr must be an IPv4 address.
func NewEndpoint(addr netip.Addr, port uint16) (Endpoint, error) {
	if !addr.Is4() {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNotIPv4, addr)
	}
	return Endpoint{Addr: addr, Port: port}, nil
}

//EndpointFromUDPAddr convert net.UDPAddr into Endpoint.
func EndpointFromUDPAddr(addr *net.UDPAddr) (Endpoint, error) {
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNotIPv4, addr.IP)
	}
	if addr.Port < 0 || addr.Port > 0xffff {
		return Endpoint{}, fmt.Errorf("port %d out of range", addr.Port)
	}
	return NewEndpoint(ip.Unmap(), uint16(addr.Port))
}

func (e Endpoint) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(e.AddrPort())
}

func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.Addr, e.Port)
}

func (e Endpoint) String() string {
	return e.AddrPort().String()
}

var (
	ErrNotSupported = errors.New("operation not supported")
	ErrNotIPv4      = errors.New("not an IPv4 address")
	ErrBadQDesc     = errors.New("bad queue descriptor")
	ErrNotBound     = errors.New("socket not bound")
	ErrAlreadyBound = errors.New("socket already bound")
	ErrAddrInUse    = errors.New("address already in use")
	ErrClosed       = errors.New("socket closed")
	ErrUnknownToken = errors.New("unknown queue token")
	ErrNoTokens     = errors.New("no queue tokens to wait on")
)

//LibOS is the datagram socket API of an asynchronous I/O runtime.
//Only AF_INET/SOCK_DGRAM sockets are required.
type LibOS interface {
	Socket(domain, typ, protocol int) (QDesc, error)
	Bind(qd QDesc, local Endpoint) error
	//PushTo issue asynchronous send of buf to remote. buf must not be modified until the token resolves.
	PushTo(qd QDesc, buf []byte, remote Endpoint) (QToken, error)
	//Pop issue asynchronous receive of the next datagram arriving on qd from any sender.
	Pop(qd QDesc) (QToken, error)
	//Wait block until qt resolves.
	Wait(qt QToken) (OperationResult, error)
	//WaitAny block until at least one of qts resolves, return its position in qts.
	WaitAny(qts []QToken) (int, OperationResult, error)
	Close(qd QDesc) error
}
