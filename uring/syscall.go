//go:build linux

package uring

import (
	"syscall"
	"unsafe"
)

const (
	sysRingSetup    uintptr = 425
	sysRingEnter    uintptr = 426
	sysRingRegister uintptr = 427

	//copied from signal_unix.numSig
	numSig = 65
)

// mmap offsets
const (
	offSQRing uint64 = 0
	offCQRing uint64 = 0x8000000
	offSQEs   uint64 = 0x10000000
)

// io_uring_setup(2) features
const (
	featSingleMMap uint32 = 1 << 0
	featNoDrop     uint32 = 1 << 1
	featFastPoll   uint32 = 1 << 5
	featExtArg     uint32 = 1 << 8
)

// sqRing ring flags
const (
	sqNeedWakeup uint32 = 1 << 0 // needs io_uring_enter wakeup
	sqCQOverflow uint32 = 1 << 1 // cq ring is overflown
)

// io_uring_enter(2) flags
const (
	sysRingEnterGetEvents uint32 = 1 << 0
)

const setupCQSize uint32 = 1 << 3

type sqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	resv2       uint64
}

type cqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	resv2       uint64
}

type ringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFD         uint32
	resv         [3]uint32

	sqOff sqRingOffsets
	cqOff cqRingOffsets
}

//FastPollFeature report IORING_FEAT_FAST_POLL availability.
func (p *ringParams) FastPollFeature() bool {
	return p.features&featFastPoll != 0
}

//NoDropFeature report IORING_FEAT_NODROP availability.
func (p *ringParams) NoDropFeature() bool {
	return p.features&featNoDrop != 0
}

//ExtArgFeature report IORING_FEAT_EXT_ARG availability.
func (p *ringParams) ExtArgFeature() bool {
	return p.features&featExtArg != 0
}

func sysEnter(ringFD int, toSubmit uint32, minComplete uint32, flags uint32) (uint, error) {
	consumed, _, errno := syscall.Syscall6(
		sysRingEnter,
		uintptr(ringFD),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags),
		uintptr(unsafe.Pointer(nil)),
		uintptr(numSig/8),
	)
	if errno != 0 {
		return 0, errno
	}

	return uint(consumed), nil
}

func sysSetup(entries uint32, params *ringParams) (int, error) {
	fd, _, errno := syscall.Syscall(sysRingSetup, uintptr(entries), uintptr(unsafe.Pointer(params)), 0)
	if errno != 0 {
		return int(fd), errno
	}

	return int(fd), nil
}

func sysRegister(ringFD int, op int, arg unsafe.Pointer, nrArg int) error {
	_, _, errno := syscall.Syscall6(
		sysRingRegister,
		uintptr(ringFD),
		uintptr(op),
		uintptr(arg),
		uintptr(nrArg),
		0,
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

//SQEntry is a submission queue entry, layout matches struct io_uring_sqe.
type SQEntry struct {
	OpCode      uint8
	Flags       uint8
	IOPrio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpcodeFlags uint32
	UserData    uint64

	BufIG       uint16
	Personality uint16
	SpliceFdIn  int32
	_pad2       [2]uint64
}

//go:uintptrescapes
func (sqe *SQEntry) fill(op OpCode, fd int32, addr uintptr, len uint32, offset uint64) {
	sqe.OpCode = uint8(op)
	sqe.Flags = 0
	sqe.IOPrio = 0
	sqe.Fd = fd
	sqe.Off = offset
	sqe.Addr = uint64(addr)
	sqe.Len = len
	sqe.OpcodeFlags = 0
	sqe.UserData = 0
	sqe.BufIG = 0
	sqe.Personality = 0
	sqe.SpliceFdIn = 0
	sqe._pad2[0] = 0
	sqe._pad2[1] = 0
}

//CQEvent is a completion queue event, layout matches struct io_uring_cqe.
type CQEvent struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

//Error return operation error if Res is negative errno.
func (cqe *CQEvent) Error() error {
	if cqe.Res < 0 {
		return syscall.Errno(uintptr(-cqe.Res))
	}
	return nil
}
