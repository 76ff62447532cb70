package driver

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/godzie44/dgramtest/libos"
)

//Latency summarize how long receives waited, from issue to Pop-Complete.
//With sends pipelined ahead of receives this is the gap between replies, not the end-to-end round trip.
type Latency struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Total time.Duration
}

func (l *Latency) Observe(d time.Duration) {
	if l.Count == 0 || d < l.Min {
		l.Min = d
	}
	if d > l.Max {
		l.Max = d
	}
	l.Count++
	l.Total += d
}

func (l Latency) Mean() time.Duration {
	if l.Count == 0 {
		return 0
	}
	return l.Total / time.Duration(l.Count)
}

type Stats struct {
	Sends       int
	Receives    int
	Completions int
	Latency     Latency
}

//PingPong run reactive loop until npongs buffers equal to buf are received.
//One send and one receive are kept in flight: a completed send is replaced by the next send,
//a completed receive is verified and replaced by the next receive while pongs remain.
//Operations still in flight when the loop ends are abandoned.
func (d *Driver) PingPong(buf []byte, remote libos.Endpoint, npongs int) (Stats, error) {
	var stats Stats
	if npongs <= 0 {
		return stats, nil
	}

	set := &OutstandingSet{}

	send, err := d.IssueSend(buf, remote)
	if err != nil {
		return stats, err
	}
	set.Add(send)

	recv, err := d.IssueReceive()
	if err != nil {
		return stats, err
	}
	set.Add(recv)

	remaining := npongs
	for remaining > 0 {
		if d.waitHook != nil {
			d.waitHook(set)
		}

		_, p, out, err := d.AwaitAny(set)
		if err != nil {
			return stats, err
		}
		stats.Completions++

		switch out.Kind {
		case PushComplete:
			stats.Sends++

			next, err := d.IssueSend(buf, remote)
			if err != nil {
				return stats, err
			}
			set.Add(next)

		case PopComplete:
			if err := d.Verify(buf, out.Buf); err != nil {
				return stats, err
			}
			stats.Receives++
			stats.Latency.Observe(time.Since(p.Issued))
			remaining--

			if remaining > 0 {
				next, err := d.IssueReceive()
				if err != nil {
					return stats, err
				}
				set.Add(next)
			}
		}
	}

	d.log.WithFields(logrus.Fields{
		"function":    "PingPong",
		"sends":       stats.Sends,
		"receives":    stats.Receives,
		"completions": stats.Completions,
		"abandoned":   set.Len(),
	}).Debug("ping-pong finished")

	return stats, nil
}
