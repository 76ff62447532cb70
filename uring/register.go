//go:build linux

package uring

import (
	"unsafe"
)

// io_uring_register(2) opcodes and arguments
const (
	sysRingRegisterProbe = 8
)

type (
	Probe struct {
		lastOp uint8
		opsLen uint8
		_res   uint16
		_res2  [3]uint32
		ops    [256]probeOp
	}
	probeOp struct {
		Op    uint8
		_res  uint8
		Flags uint16
		_res2 uint32
	}
)

const OpSupportedFlag uint16 = 1 << 0

func (p *Probe) GetOP(n int) *probeOp {
	return &p.ops[n]
}

//Supported report whether the kernel supports operation with given code.
func (p *Probe) Supported(code OpCode) bool {
	if uint8(code) > p.lastOp {
		return false
	}
	return p.GetOP(int(code)).Flags&OpSupportedFlag != 0
}

//Probe return ring's supported operations, IORING_REGISTER_PROBE.
func (r *Ring) Probe() (*Probe, error) {
	probe := &Probe{}
	err := sysRegister(r.fd, sysRingRegisterProbe, unsafe.Pointer(probe), 256)

	return probe, err
}
