//go:build linux

package uring

import (
	"errors"
	"syscall"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

type sq struct {
	buff         []byte
	sqeBuff      []byte
	ringSize     uint64
	kHead        *uint32
	kTail        *uint32
	kRingMask    *uint32
	kRingEntries *uint32
	kFlags       *uint32
	kDropped     *uint32
	kArray       *uint32

	sqeTail, sqeHead uint32
}

func (s *sq) cqNeedFlush() bool {
	return atomic.LoadUint32(s.kFlags)&sqCQOverflow != 0
}

type cq struct {
	buff         []byte
	ringSize     uint64
	kHead        *uint32
	kTail        *uint32
	kRingMask    *uint32
	kRingEntries *uint32
	kOverflow    *uint32
	cqeBuff      *CQEvent
}

func (c *cq) readyCount() uint32 {
	return atomic.LoadUint32(c.kTail) - atomic.LoadUint32(c.kHead)
}

const MaxEntries uint32 = 1 << 15

//Ring is an io_uring instance: submission and completion queues shared with the kernel.
//Ring is not safe for concurrent submission, callers must serialize QueueSQE/Submit.
type Ring struct {
	fd int

	Params *ringParams

	cqRing *cq
	sqRing *sq
}

var ErrRingSetup = errors.New("ring setup")

type SetupOption func(params *ringParams)

//WithCQSize set completion queue size, by default it is twice the submission queue size.
func WithCQSize(sz uint32) SetupOption {
	return func(params *ringParams) {
		params.flags = params.flags | setupCQSize
		params.cqEntries = sz
	}
}

//New create io_uring instance with at least entries SQ entries.
func New(entries uint32, opts ...SetupOption) (*Ring, error) {
	if entries > MaxEntries {
		return nil, ErrRingSetup
	}

	params := ringParams{}

	for _, opt := range opts {
		opt(&params)
	}

	fd, err := sysSetup(entries, &params)
	if err != nil {
		return nil, err
	}

	r := &Ring{Params: &params, fd: fd, sqRing: &sq{}, cqRing: &cq{}}
	if err = r.allocRing(&params); err != nil {
		_ = syscall.Close(fd)
		return nil, err
	}

	return r, nil
}

func (r *Ring) allocRing(params *ringParams) (err error) {
	sqRing, cqRing := r.sqRing, r.cqRing

	sqRing.ringSize = uint64(params.sqOff.array) + uint64(params.sqEntries)*uint64(unsafe.Sizeof(uint32(0)))
	cqRing.ringSize = uint64(params.cqOff.cqes) + uint64(params.cqEntries)*uint64(unsafe.Sizeof(CQEvent{}))

	singleMMap := params.features&featSingleMMap != 0
	if singleMMap {
		if cqRing.ringSize > sqRing.ringSize {
			sqRing.ringSize = cqRing.ringSize
		}
		cqRing.ringSize = sqRing.ringSize
	}

	sqRing.buff, err = mmap(r.fd, offSQRing, int(sqRing.ringSize))
	if err != nil {
		return err
	}

	if singleMMap {
		cqRing.buff = sqRing.buff
	} else {
		cqRing.buff, err = mmap(r.fd, offCQRing, int(cqRing.ringSize))
		if err != nil {
			_ = r.freeRing()
			return err
		}
	}

	sqRing.kHead = (*uint32)(unsafe.Pointer(&sqRing.buff[params.sqOff.head]))
	sqRing.kTail = (*uint32)(unsafe.Pointer(&sqRing.buff[params.sqOff.tail]))
	sqRing.kRingMask = (*uint32)(unsafe.Pointer(&sqRing.buff[params.sqOff.ringMask]))
	sqRing.kRingEntries = (*uint32)(unsafe.Pointer(&sqRing.buff[params.sqOff.ringEntries]))
	sqRing.kFlags = (*uint32)(unsafe.Pointer(&sqRing.buff[params.sqOff.flags]))
	sqRing.kDropped = (*uint32)(unsafe.Pointer(&sqRing.buff[params.sqOff.dropped]))
	sqRing.kArray = (*uint32)(unsafe.Pointer(&sqRing.buff[params.sqOff.array]))

	sqRing.sqeBuff, err = mmap(r.fd, offSQEs, int(params.sqEntries)*int(unsafe.Sizeof(SQEntry{})))
	if err != nil {
		_ = r.freeRing()
		return err
	}

	cqRing.kHead = (*uint32)(unsafe.Pointer(&cqRing.buff[params.cqOff.head]))
	cqRing.kTail = (*uint32)(unsafe.Pointer(&cqRing.buff[params.cqOff.tail]))
	cqRing.kRingMask = (*uint32)(unsafe.Pointer(&cqRing.buff[params.cqOff.ringMask]))
	cqRing.kRingEntries = (*uint32)(unsafe.Pointer(&cqRing.buff[params.cqOff.ringEntries]))
	cqRing.kOverflow = (*uint32)(unsafe.Pointer(&cqRing.buff[params.cqOff.overflow]))
	cqRing.cqeBuff = (*CQEvent)(unsafe.Pointer(&cqRing.buff[params.cqOff.cqes]))

	return nil
}

func mmap(fd int, offset uint64, length int) ([]byte, error) {
	return unix.Mmap(fd, int64(offset), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
}

func (r *Ring) freeRing() error {
	var errs []error
	if r.sqRing.sqeBuff != nil {
		errs = append(errs, unix.Munmap(r.sqRing.sqeBuff))
	}

	sharedCQ := r.cqRing.buff != nil && r.sqRing.buff != nil && &r.cqRing.buff[0] == &r.sqRing.buff[0]
	if r.sqRing.buff != nil {
		errs = append(errs, unix.Munmap(r.sqRing.buff))
	}
	if r.cqRing.buff != nil && !sharedCQ {
		errs = append(errs, unix.Munmap(r.cqRing.buff))
	}

	r.sqRing.sqeBuff, r.sqRing.buff, r.cqRing.buff = nil, nil, nil
	return errors.Join(errs...)
}

func (r *Ring) Fd() int {
	return r.fd
}

func (r *Ring) Close() error {
	err := r.freeRing()
	return errors.Join(err, syscall.Close(r.fd))
}

var ErrSQRingOverflow = errors.New("sq ring overflow")

//NextSQE return next free SQE, caller fill it and later call Submit.
func (r *Ring) NextSQE() (entry *SQEntry, err error) {
	head := atomic.LoadUint32(r.sqRing.kHead)
	next := r.sqRing.sqeTail + 1

	if next-head <= *r.sqRing.kRingEntries {
		idx := r.sqRing.sqeTail & *r.sqRing.kRingMask * uint32(unsafe.Sizeof(SQEntry{}))
		entry = (*SQEntry)(unsafe.Pointer(&r.sqRing.sqeBuff[idx]))
		r.sqRing.sqeTail = next
	} else {
		err = ErrSQRingOverflow
	}

	return entry, err
}

//Operation must be implemented by all operations queued into the Ring.
type Operation interface {
	PrepSQE(*SQEntry)
	Code() OpCode
}

//QueueSQE put operation into SQ, operation will be sent to the kernel by the next Submit call.
func (r *Ring) QueueSQE(op Operation, flags uint8, userData uint64) error {
	sqe, err := r.NextSQE()
	if err != nil {
		return err
	}

	op.PrepSQE(sqe)
	sqe.Flags = flags
	sqe.UserData = userData
	return nil
}

//Submit all queued SQEs, return number of SQEs consumed by the kernel.
func (r *Ring) Submit() (uint, error) {
	flushed := r.flushSQ()
	return sysEnter(r.fd, flushed, 0, 0)
}

var _sizeOfUint32 = unsafe.Sizeof(uint32(0))

func (r *Ring) flushSQ() uint32 {
	mask := *r.sqRing.kRingMask
	tail := atomic.LoadUint32(r.sqRing.kTail)
	subCnt := r.sqRing.sqeTail - r.sqRing.sqeHead

	if subCnt == 0 {
		return tail - atomic.LoadUint32(r.sqRing.kHead)
	}

	for i := subCnt; i > 0; i-- {
		*(*uint32)(unsafe.Add(unsafe.Pointer(r.sqRing.kArray), tail&mask*uint32(_sizeOfUint32))) = r.sqRing.sqeHead & mask
		tail++
		r.sqRing.sqeHead++
	}

	atomic.StoreUint32(r.sqRing.kTail, tail)

	return tail - atomic.LoadUint32(r.sqRing.kHead)
}

//WaitCQEvents block until at least count CQEs are ready, return the first of them.
//With count == 0 it is a non-blocking peek, syscall.EAGAIN returned if CQ is empty.
func (r *Ring) WaitCQEvents(count uint32) (*CQEvent, error) {
	if count == 0 {
		if _, cqe := r.peekCQEvent(); cqe != nil {
			return cqe, nil
		}
		if r.sqRing.cqNeedFlush() {
			if _, err := sysEnter(r.fd, 0, 0, sysRingEnterGetEvents); err != nil {
				return nil, err
			}
			if _, cqe := r.peekCQEvent(); cqe != nil {
				return cqe, nil
			}
		}
		return nil, syscall.EAGAIN
	}

	for {
		available, cqe := r.peekCQEvent()
		if cqe != nil && available >= count {
			return cqe, nil
		}

		if _, err := sysEnter(r.fd, 0, count, sysRingEnterGetEvents); err != nil {
			return nil, err
		}
	}
}

//PeekCQE return first ready CQE without blocking.
func (r *Ring) PeekCQE() (*CQEvent, error) {
	return r.WaitCQEvents(0)
}

//SeenCQE mark CQE as processed, cqe must be the oldest unprocessed event.
func (r *Ring) SeenCQE(cqe *CQEvent) {
	r.AdvanceCQ(1)
}

func (r *Ring) AdvanceCQ(n uint32) {
	atomic.AddUint32(r.cqRing.kHead, n)
}

func (r *Ring) peekCQEvent() (uint32, *CQEvent) {
	mask := *r.cqRing.kRingMask

	tail := atomic.LoadUint32(r.cqRing.kTail)
	head := atomic.LoadUint32(r.cqRing.kHead)

	available := tail - head
	if available == 0 {
		return 0, nil
	}

	return available, (*CQEvent)(unsafe.Add(unsafe.Pointer(r.cqRing.cqeBuff), uintptr(head&mask)*unsafe.Sizeof(CQEvent{})))
}

func (r *Ring) peekCQEventBatch(buff []*CQEvent) int {
	ready := r.cqRing.readyCount()
	count := min(uint32(len(buff)), ready)

	if ready != 0 {
		head := atomic.LoadUint32(r.cqRing.kHead)
		mask := *r.cqRing.kRingMask

		last := head + count
		for i := 0; head != last; head, i = head+1, i+1 {
			buff[i] = (*CQEvent)(unsafe.Add(unsafe.Pointer(r.cqRing.cqeBuff), uintptr(head&mask)*unsafe.Sizeof(CQEvent{})))
		}
	}
	return int(count)
}

//PeekCQEventBatch fill buff with ready CQEs, return their count.
//Caller must call AdvanceCQ with this count after processing.
func (r *Ring) PeekCQEventBatch(buff []*CQEvent) int {
	n := r.peekCQEventBatch(buff)
	if n == 0 {
		if r.sqRing.cqNeedFlush() {
			_, _ = sysEnter(r.fd, 0, 0, sysRingEnterGetEvents)
			n = r.peekCQEventBatch(buff)
		}
	}

	return n
}
