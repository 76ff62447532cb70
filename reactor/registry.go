//go:build linux

package reactor

import (
	"sync"
)

type (
	cbMap   map[RequestID]Callback
	granule struct {
		callbacks cbMap

		sync.Mutex
	}
	cbRegistry struct {
		granules []*granule
		granCnt  uint64
	}
)

func newGranule(fCap int) *granule {
	return &granule{
		callbacks: make(cbMap, fCap),
	}
}

func (g *granule) add(id RequestID, cb Callback) {
	g.Lock()
	g.callbacks[id] = cb
	g.Unlock()
}

func (g *granule) pop(id RequestID) Callback {
	g.Lock()
	cb := g.callbacks[id]
	delete(g.callbacks, id)
	g.Unlock()
	return cb
}

func (g *granule) len() int {
	g.Lock()
	defer g.Unlock()
	return len(g.callbacks)
}

//cbRegistry spread callbacks over granules to reduce lock contention between
//submitting goroutines and the completion loop.
func newCbRegistry(granularity int) *cbRegistry {
	if granularity < 1 {
		granularity = 1
	}

	granules := make([]*granule, granularity)
	for i := 0; i < granularity; i++ {
		granules[i] = newGranule(16)
	}

	return &cbRegistry{
		granCnt:  uint64(granularity),
		granules: granules,
	}
}

func (r *cbRegistry) add(id RequestID, cb Callback) {
	r.granules[uint64(id)%r.granCnt].add(id, cb)
}

func (r *cbRegistry) pop(id RequestID) Callback {
	return r.granules[uint64(id)%r.granCnt].pop(id)
}

func (r *cbRegistry) len() (n int) {
	for _, g := range r.granules {
		n += g.len()
	}
	return n
}
