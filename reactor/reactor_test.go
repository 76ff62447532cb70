//go:build linux

package reactor

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/godzie44/dgramtest/uring"
	"github.com/stretchr/testify/suite"
)

type ReactorTestSuite struct {
	suite.Suite
	ring    *uring.Ring
	reactor *Reactor

	stopReactor context.CancelFunc
	runErr      error
	wg          *sync.WaitGroup
}

func (ts *ReactorTestSuite) SetupTest() {
	ring, err := uring.New(64)
	if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPERM) {
		ts.T().Skipf("Skipped, io_uring not available: %s", err)
	}
	ts.Require().NoError(err)
	ts.ring = ring

	ts.reactor = New(ts.ring)

	ctx, cancel := context.WithCancel(context.Background())
	ts.stopReactor = cancel

	ts.wg = &sync.WaitGroup{}
	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		ts.runErr = ts.reactor.Run(ctx)
	}()
}

func (ts *ReactorTestSuite) TearDownTest() {
	if ts.ring == nil {
		return
	}
	ts.stopReactor()
	ts.wg.Wait()
	ts.Require().NoError(ts.runErr)

	ts.Require().NoError(ts.ring.Close())
	ts.ring = nil
}

func (ts *ReactorTestSuite) TestQueueNop() {
	done := make(chan uring.CQEvent, 1)

	id, err := ts.reactor.Queue(uring.Nop(), func(event uring.CQEvent) {
		done <- event
	})
	ts.Require().NoError(err)

	select {
	case cqe := <-done:
		ts.Require().NoError(cqe.Error())
		ts.Require().Equal(uint64(id), cqe.UserData)
	case <-time.After(3 * time.Second):
		ts.Fail("no completion at 3 seconds")
	}
	ts.Require().Equal(0, ts.reactor.Inflight())
}

func (ts *ReactorTestSuite) TestQueueManyFromGoroutines() {
	const workers, perWorker = 8, 100

	var completed sync.WaitGroup
	completed.Add(workers * perWorker)

	var start sync.WaitGroup
	start.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			start.Done()
			start.Wait()
			for i := 0; i < perWorker; i++ {
				_, err := ts.reactor.Queue(uring.Nop(), func(event uring.CQEvent) {
					completed.Done()
				})
				ts.Require().NoError(err)
			}
		}()
	}

	waitChan := make(chan struct{})
	go func() {
		completed.Wait()
		close(waitChan)
	}()

	select {
	case <-waitChan:
	case <-time.After(5 * time.Second):
		ts.Fail("not all completions at 5 seconds")
	}
}

func (ts *ReactorTestSuite) TestUniqueRequestIDs() {
	ids := map[RequestID]bool{}
	done := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		id, err := ts.reactor.Queue(uring.Nop(), func(event uring.CQEvent) { done <- struct{}{} })
		ts.Require().NoError(err)
		ts.Require().False(ids[id])
		ids[id] = true
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestReactor(t *testing.T) {
	suite.Run(t, new(ReactorTestSuite))
}

func TestRunReturnsOnCancelledContext(t *testing.T) {
	ring, err := uring.New(8)
	if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPERM) {
		t.Skipf("Skipped, io_uring not available: %s", err)
	}
	if err != nil {
		t.Fatal(err)
	}
	defer ring.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errChan := make(chan error, 1)
	go func() { errChan <- New(ring).Run(ctx) }()

	select {
	case err := <-errChan:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reactor did not stop")
	}
}

func TestRingCloseRightAfterRun(t *testing.T) {
	for i := 0; i < 20; i++ {
		ring, err := uring.New(8)
		if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPERM) {
			t.Skipf("Skipped, io_uring not available: %s", err)
		}
		if err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		errChan := make(chan error, 1)
		go func() { errChan <- New(ring).Run(ctx) }()

		cancel()
		if err := <-errChan; err != nil {
			t.Fatal(err)
		}
		// waker goroutine is joined, nothing touches the ring any more
		if err := ring.Close(); err != nil {
			t.Fatal(err)
		}
	}
}
