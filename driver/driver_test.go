package driver

import (
	"net/netip"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godzie44/dgramtest/config"
	"github.com/godzie44/dgramtest/libos"
	"github.com/godzie44/dgramtest/libos/loopback"
	"github.com/godzie44/dgramtest/payload"
)

func endpoint(port uint16) libos.Endpoint {
	return libos.Endpoint{Addr: netip.MustParseAddr("127.0.0.1"), Port: port}
}

func bind(t *testing.T, os *loopback.LibOS, port uint16) libos.QDesc {
	qd, err := os.Socket(syscall.AF_INET, syscall.SOCK_DGRAM, 0)
	require.NoError(t, err)
	require.NoError(t, os.Bind(qd, endpoint(port)))
	return qd
}

//echo pop datagrams on qd and push them back to the source through mutate until the socket is closed.
func echo(os libos.LibOS, qd libos.QDesc, mutate func([]byte) []byte) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d := New(os, qd, config.Responder)
		for {
			p, err := d.IssueReceive()
			if err != nil {
				return
			}
			out, err := d.AwaitOne(p)
			if err != nil {
				return
			}
			s, err := d.IssueSend(mutate(out.Buf), out.Source)
			if err != nil {
				return
			}
			if _, err := d.AwaitOne(s); err != nil {
				return
			}
		}
	}()
	return &wg
}

func identity(b []byte) []byte { return b }

func TestPingPong(t *testing.T) {
	network := loopback.NewNetwork()
	initiator, responder := network.NewLibOS(), network.NewLibOS()
	qi := bind(t, initiator, 23456)
	qr := bind(t, responder, 12345)

	wg := echo(responder, qr, identity)

	waits := 0
	d := New(initiator, qi, config.Initiator, WithWaitHook(func(set *OutstandingSet) {
		waits++
		assert.Equal(t, 2, set.Len())
		assert.Equal(t, 1, set.Count(PushComplete))
		assert.Equal(t, 1, set.Count(PopComplete))
	}))

	buf := payload.Make('a', 64)
	stats, err := d.PingPong(buf, endpoint(12345), 100)
	require.NoError(t, err)

	assert.Equal(t, 100, stats.Receives)
	assert.Equal(t, stats.Sends+stats.Receives, stats.Completions)
	assert.Equal(t, stats.Completions, waits)
	assert.GreaterOrEqual(t, stats.Sends, 100)
	assert.Equal(t, 100, stats.Latency.Count)
	assert.LessOrEqual(t, stats.Latency.Min, stats.Latency.Mean())
	assert.LessOrEqual(t, stats.Latency.Mean(), stats.Latency.Max)

	responder.Shutdown()
	wg.Wait()
}

func TestPingPongZero(t *testing.T) {
	network := loopback.NewNetwork()
	initiator := network.NewLibOS()
	qi := bind(t, initiator, 23456)

	stats, err := New(initiator, qi, config.Initiator).PingPong(payload.Make('a', 8), endpoint(1), 0)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestPingPongVerificationFailure(t *testing.T) {
	network := loopback.NewNetwork()
	initiator, responder := network.NewLibOS(), network.NewLibOS()
	qi := bind(t, initiator, 23456)
	qr := bind(t, responder, 12345)

	wg := echo(responder, qr, func(b []byte) []byte {
		corrupted := append([]byte(nil), b...)
		corrupted[5] = 'b'
		return corrupted
	})

	d := New(initiator, qi, config.Initiator)
	_, err := d.PingPong(payload.Make('a', 16), endpoint(12345), 10)

	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, config.Initiator, verr.Side)
	assert.Equal(t, 5, verr.Offset)

	responder.Shutdown()
	wg.Wait()
}

func TestIssueErrors(t *testing.T) {
	network := loopback.NewNetwork()
	os := network.NewLibOS()

	qd, err := os.Socket(syscall.AF_INET, syscall.SOCK_DGRAM, 0)
	require.NoError(t, err)

	d := New(os, qd, config.Initiator)

	_, err = d.IssueSend([]byte("x"), endpoint(1))
	var ierr *IssueError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, PushComplete, ierr.Kind)
	assert.ErrorIs(t, err, libos.ErrNotBound)

	_, err = d.IssueReceive()
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, PopComplete, ierr.Kind)

	_, err = d.PingPong([]byte("x"), endpoint(1), 1)
	assert.ErrorAs(t, err, &ierr)

	require.NoError(t, os.Close(qd))
	_, err = d.IssueReceive()
	assert.ErrorIs(t, err, libos.ErrBadQDesc)
}

func TestAwait(t *testing.T) {
	network := loopback.NewNetwork()
	a, b := network.NewLibOS(), network.NewLibOS()
	qa := bind(t, a, 1000)
	qb := bind(t, b, 2000)

	completed := 0
	da := New(a, qa, config.Initiator, WithCompletionHook(func(Outcome) { completed++ }))
	db := New(b, qb, config.Responder)

	_, _, _, err := da.AwaitAny(&OutstandingSet{})
	assert.ErrorIs(t, err, ErrEmptySet)

	recv, err := db.IssueReceive()
	require.NoError(t, err)

	send, err := da.IssueSend([]byte("ping"), endpoint(2000))
	require.NoError(t, err)
	out, err := da.AwaitOne(send)
	require.NoError(t, err)
	assert.Equal(t, PushComplete, out.Kind)
	assert.Equal(t, 1, completed)

	set := &OutstandingSet{}
	set.Add(recv)
	i, p, out, err := db.AwaitAny(set)
	require.NoError(t, err)
	assert.Equal(t, 0, i)
	assert.Equal(t, recv, p)
	assert.Equal(t, 0, set.Len())
	assert.Equal(t, PopComplete, out.Kind)
	assert.Equal(t, []byte("ping"), out.Buf)
	assert.Equal(t, endpoint(1000), out.Source)

	pending, err := db.IssueReceive()
	require.NoError(t, err)
	b.Shutdown()

	_, err = db.AwaitOne(pending)
	var cerr *CompletionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, PopComplete, cerr.Kind)
	assert.ErrorIs(t, err, libos.ErrClosed)
}

func TestOutstandingSet(t *testing.T) {
	set := &OutstandingSet{}
	for i, kind := range []OutcomeKind{PushComplete, PopComplete, PushComplete} {
		set.Add(Pending{Token: libos.QToken(i + 1), Kind: kind})
	}

	assert.Equal(t, 3, set.Len())
	assert.Equal(t, 2, set.Count(PushComplete))
	assert.Equal(t, []libos.QToken{1, 2, 3}, set.Tokens())

	p := set.Remove(1)
	assert.Equal(t, libos.QToken(2), p.Token)
	assert.Equal(t, []libos.QToken{1, 3}, set.Tokens())
	assert.Equal(t, 0, set.Count(PopComplete))
}

func TestVerify(t *testing.T) {
	expected := payload.Make('a', 4)
	assert.NoError(t, Verify(config.Responder, expected, payload.Make('a', 4)))

	err := Verify(config.Responder, expected, []byte("aaa"))
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, config.Responder, verr.Side)
	assert.Equal(t, 3, verr.GotLen)
	assert.Contains(t, err.Error(), "responder")
}

func TestPingPongRecordsReceiveWait(t *testing.T) {
	network := loopback.NewNetwork()
	initiator, responder := network.NewLibOS(), network.NewLibOS()
	qi := bind(t, initiator, 23456)
	qr := bind(t, responder, 12345)

	const delay = 20 * time.Millisecond
	wg := echo(responder, qr, func(b []byte) []byte {
		time.Sleep(delay)
		return b
	})

	stats, err := New(initiator, qi, config.Initiator).PingPong(payload.Make('a', 8), endpoint(12345), 3)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Latency.Count)
	// every reply is held back by the responder, so each receive waits for it
	assert.GreaterOrEqual(t, stats.Latency.Min, delay/2)

	responder.Shutdown()
	wg.Wait()
}

func TestLatency(t *testing.T) {
	var l Latency
	assert.Equal(t, time.Duration(0), l.Mean())

	for _, d := range []time.Duration{30, 10, 20} {
		l.Observe(d)
	}
	assert.Equal(t, 3, l.Count)
	assert.Equal(t, time.Duration(10), l.Min)
	assert.Equal(t, time.Duration(30), l.Max)
	assert.Equal(t, time.Duration(20), l.Mean())
}
