//go:build linux

package uring

import (
	"net"
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var str = "This is a test of sendmsg and recvmsg over io_uring!"

func udpSocket(t *testing.T) (int, *net.UDPAddr) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })

	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))

	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port

	return fd, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestSendToRecvFrom(t *testing.T) {
	ring := newTestRing(t, 8)
	defer ring.Close()

	senderFd, senderAddr := udpSocket(t)
	receiverFd, receiverAddr := udpSocket(t)

	buff := make([]byte, 128)
	recvOp := RecvFrom(receiverFd, buff)
	require.NoError(t, ring.QueueSQE(recvOp, 0, 2))

	sendOp, err := SendTo(senderFd, []byte(str), &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: receiverAddr.Port})
	require.NoError(t, err)
	require.NoError(t, ring.QueueSQE(sendOp, 0, 1))

	_, err = ring.Submit()
	require.NoError(t, err)

	results := map[uint64]int32{}
	for len(results) < 2 {
		cqe, err := ring.WaitCQEvents(1)
		if err == syscall.EINTR || err == syscall.EAGAIN {
			continue
		}
		require.NoError(t, err)

		if cqe.Error() == syscall.EINVAL {
			t.Skipf("Skipped, sendmsg/recvmsg not supported on this kernel")
		}
		require.NoError(t, cqe.Error())

		results[cqe.UserData] = cqe.Res
		ring.SeenCQE(cqe)
	}

	assert.Equal(t, int32(len(str)), results[1])
	assert.Equal(t, int32(len(str)), results[2])
	assert.Equal(t, []byte(str), recvOp.Buffer()[:len(str)])

	src, err := recvOp.Source()
	require.NoError(t, err)
	assert.Equal(t, senderAddr.Port, src.Port)
	assert.True(t, src.IP.Equal(senderAddr.IP))
}

func TestSendToEncodesInet4Name(t *testing.T) {
	op, err := SendTo(3, []byte("x"), &unix.SockaddrInet4{Addr: [4]byte{10, 1, 2, 3}, Port: 0x1234})
	require.NoError(t, err)

	assert.Nil(t, op.name)
	assert.Equal(t, uint32(unix.SizeofSockaddrInet4), op.msg.Namelen)
	assert.Equal(t, uint16(unix.AF_INET), op.inet4.Family)
	assert.Equal(t, [4]byte{10, 1, 2, 3}, op.inet4.Addr)

	port := (*[2]byte)(unsafe.Pointer(&op.inet4.Port))
	assert.Equal(t, [2]byte{0x12, 0x34}, *port)
	assert.Equal(t, (*byte)(unsafe.Pointer(&op.inet4)), op.msg.Name)
}
