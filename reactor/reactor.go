//go:build linux

package reactor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/godzie44/dgramtest/uring"
	"github.com/sirupsen/logrus"
)

const (
	wakeupNonce = math.MaxUint64

	cqeBuffSize = 1 << 7
)

//RequestID identifier of SQE queued into Reactor.
type RequestID uint64

//Callback receive operation completion. Callbacks are called from the Reactor loop goroutine and must not block.
type Callback func(event uring.CQEvent)

//Reactor is an event loop over a single ring: it submits operations and dispatches their
//completions to callbacks registered with Queue.
type Reactor struct {
	ring *uring.Ring

	queueMu sync.Mutex

	registry *cbRegistry

	currentNonce uint64

	log logrus.FieldLogger
}

type ReactorOption func(r *Reactor)

//WithLogger set reactor logger, by default logrus standard logger is used.
func WithLogger(l logrus.FieldLogger) ReactorOption {
	return func(r *Reactor) {
		r.log = l
	}
}

//WithGranularity set callback registry granularity.
func WithGranularity(n int) ReactorOption {
	return func(r *Reactor) {
		r.registry = newCbRegistry(n)
	}
}

//New create Reactor instance.
func New(ring *uring.Ring, opts ...ReactorOption) *Reactor {
	r := &Reactor{
		ring:     ring,
		registry: newCbRegistry(4),
		log:      logrus.StandardLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.log = r.log.WithField("ring_fd", ring.Fd())

	return r
}

//Run start completion loop, it returns when ctx is done or the ring fails.
func (r *Reactor) Run(ctx context.Context) error {
	stop := make(chan struct{})

	// waker is joined before return, the ring may be closed right after Run
	var wg sync.WaitGroup
	defer wg.Wait()
	defer close(stop)

	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			if err := r.queueSQE(uring.Nop(), wakeupNonce); err != nil {
				r.log.WithError(err).Error("reactor wakeup failed")
			}
		case <-stop:
		}
	}()

	r.log.Debug("reactor started")

	cqeBuff := make([]*uring.CQEvent, cqeBuffSize)
	for {
		_, err := r.ring.WaitCQEvents(1)
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
			runtime.Gosched()
			continue
		}
		if err != nil {
			return fmt.Errorf("wait cqe: %w", err)
		}

		wakeup := false
		for n := r.ring.PeekCQEventBatch(cqeBuff); n > 0; n = r.ring.PeekCQEventBatch(cqeBuff) {
			for i := 0; i < n; i++ {
				event := *cqeBuff[i]

				if event.UserData == wakeupNonce {
					wakeup = true
					continue
				}

				cb := r.registry.pop(RequestID(event.UserData))
				if cb == nil {
					r.log.WithField("request_id", event.UserData).Warn("completion for unknown request")
					continue
				}
				cb(event)
			}

			r.ring.AdvanceCQ(uint32(n))
		}

		if wakeup && ctx.Err() != nil {
			r.log.WithField("inflight", r.registry.len()).Debug("reactor stopped")
			return nil
		}
	}
}

//Queue io_uring operation, cb will be called once with operation's CQE.
//Return RequestID which can be used as the SQE identifier.
func (r *Reactor) Queue(op uring.Operation, cb Callback) (RequestID, error) {
	id := RequestID(atomic.AddUint64(&r.currentNonce, 1))
	r.registry.add(id, cb)

	if err := r.queueSQE(op, uint64(id)); err != nil {
		r.registry.pop(id)
		return 0, err
	}
	return id, nil
}

//Inflight return count of queued operations without completion.
func (r *Reactor) Inflight() int {
	return r.registry.len()
}

type RingQueueError struct {
	Err    error
	RingFd int
	OpCode uring.OpCode
}

func (e *RingQueueError) Error() string {
	return fmt.Sprintf("%s, ring fd: %d, opcode: %d", e.Err.Error(), e.RingFd, e.OpCode)
}

func (e *RingQueueError) Unwrap() error {
	return e.Err
}

func (r *Reactor) queueSQE(op uring.Operation, userData uint64) error {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	err := r.ring.QueueSQE(op, 0, userData)
	if errors.Is(err, uring.ErrSQRingOverflow) {
		// SQ is full of not yet consumed entries, push them to the kernel and retry once
		if _, err = r.submit(); err == nil {
			err = r.ring.QueueSQE(op, 0, userData)
		}
	}
	if err == nil {
		_, err = r.submit()
	}

	if err != nil {
		return &RingQueueError{Err: err, RingFd: r.ring.Fd(), OpCode: op.Code()}
	}
	return nil
}

func (r *Reactor) submit() (uint, error) {
	for {
		n, err := r.ring.Submit()
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return n, err
	}
}
