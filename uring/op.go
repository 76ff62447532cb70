//go:build linux

package uring

import (
	"errors"
	"net"
	"unsafe"

	sockaddr "github.com/libp2p/go-sockaddr"
	sockaddrnet "github.com/libp2p/go-sockaddr/net"
	"golang.org/x/sys/unix"
)

type OpCode uint8

const (
	NopCode OpCode = iota
	ReadVCode
	WriteVCode
	FSyncCode
	ReadFixedCode
	WriteFixedCode
	PollAddCode
	PollRemoveCode
	SyncFileRangeCode
	SendMsgCode
	RecvMsgCode
	TimeoutCode
	TimeoutRemoveCode
	AcceptCode
	AsyncCancelCode
	LinkTimeoutCode
	ConnectCode
)

//NopOp - do not perform any I/O. This is useful for testing the performance of the io_uring implementation itself.
type NopOp struct {
}

func Nop() *NopOp {
	return &NopOp{}
}

func (op *NopOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(NopCode, -1, uintptr(unsafe.Pointer(nil)), 0, 0)
}

func (op *NopOp) Code() OpCode {
	return NopCode
}

//SendMsgOp send a datagram to the destination address, similar to sendmsg(2) with msg_name set.
type SendMsgOp struct {
	fd    int
	msg   unix.Msghdr
	iov   unix.Iovec
	inet4 unix.RawSockaddrInet4
	name  *unix.RawSockaddrAny
	buff  []byte
}

//SendTo create SendMsgOp, buff must not be modified until operation completes.
func SendTo(fd int, buff []byte, to unix.Sockaddr) (*SendMsgOp, error) {
	op := &SendMsgOp{fd: fd, buff: buff}

	if sa, ok := to.(*unix.SockaddrInet4); ok {
		// encoded in place, msg_name must not point outside of the op
		op.inet4.Family = unix.AF_INET
		port := (*[2]byte)(unsafe.Pointer(&op.inet4.Port))
		port[0], port[1] = byte(sa.Port>>8), byte(sa.Port)
		op.inet4.Addr = sa.Addr

		op.msg.Name = (*byte)(unsafe.Pointer(&op.inet4))
		op.msg.Namelen = unix.SizeofSockaddrInet4
	} else {
		name, nameLen, err := sockaddr.SockaddrToAny(to)
		if err != nil {
			return nil, err
		}
		op.name = name
		op.msg.Name = (*byte)(unsafe.Pointer(name))
		op.msg.Namelen = uint32(nameLen)
	}

	if len(buff) > 0 {
		op.iov.Base = &buff[0]
	}
	op.iov.SetLen(len(buff))
	op.msg.Iov = &op.iov
	op.msg.SetIovlen(1)

	return op, nil
}

func (op *SendMsgOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(SendMsgCode, int32(op.fd), uintptr(unsafe.Pointer(&op.msg)), 1, 0)
}

func (op *SendMsgOp) Code() OpCode {
	return SendMsgCode
}

func (op *SendMsgOp) Fd() int {
	return op.fd
}

//RecvMsgOp receive a datagram and its source address, similar to recvmsg(2).
type RecvMsgOp struct {
	fd   int
	msg  unix.Msghdr
	iov  unix.Iovec
	name unix.RawSockaddrAny
	buff []byte
}

//RecvFrom create RecvMsgOp, received payload will be written into buff.
func RecvFrom(fd int, buff []byte) *RecvMsgOp {
	op := &RecvMsgOp{fd: fd, buff: buff}
	if len(buff) > 0 {
		op.iov.Base = &buff[0]
	}
	op.iov.SetLen(len(buff))
	op.msg.Iov = &op.iov
	op.msg.SetIovlen(1)
	op.msg.Name = (*byte)(unsafe.Pointer(&op.name))

	return op
}

func (op *RecvMsgOp) PrepSQE(sqe *SQEntry) {
	op.msg.Namelen = unix.SizeofSockaddrAny
	sqe.fill(RecvMsgCode, int32(op.fd), uintptr(unsafe.Pointer(&op.msg)), 1, 0)
}

func (op *RecvMsgOp) Code() OpCode {
	return RecvMsgCode
}

func (op *RecvMsgOp) Fd() int {
	return op.fd
}

//Buffer return receive buffer.
func (op *RecvMsgOp) Buffer() []byte {
	return op.buff
}

var ErrUnsupportedAddr = errors.New("unsupported source address family")

//Source return datagram source address, valid after operation completes.
func (op *RecvMsgOp) Source() (*net.UDPAddr, error) {
	sa, err := sockaddr.AnyToSockaddr(&op.name)
	if err != nil {
		return nil, err
	}

	addr := sockaddrnet.SockaddrToUDPAddr(sa)
	if addr == nil {
		return nil, ErrUnsupportedAddr
	}
	return addr, nil
}
