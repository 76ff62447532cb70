package libos

import (
	"sync"
)

type slot struct {
	done bool
	res  OperationResult
}

//Completions is a table of issued queue tokens shared by LibOS backends.
//Backends Issue a token when an operation is accepted and Complete it from any goroutine;
//callers consume it with Wait or WaitAny.
type Completions struct {
	mu      sync.Mutex
	next    QToken
	pending map[QToken]*slot

	// closed and replaced on every completion, waiters block on it
	changed chan struct{}
}

func NewCompletions() *Completions {
	return &Completions{
		pending: make(map[QToken]*slot),
		changed: make(chan struct{}),
	}
}

//Issue allocate a new unresolved token.
func (c *Completions) Issue() QToken {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.next++
	c.pending[c.next] = &slot{}
	return c.next
}

//Complete resolve qt. Completing an unknown or already completed token is a no-op.
func (c *Completions) Complete(qt QToken, res OperationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.pending[qt]
	if !ok || s.done {
		return
	}
	s.done, s.res = true, res

	close(c.changed)
	c.changed = make(chan struct{})
}

//Fail resolve qt as failed operation.
func (c *Completions) Fail(qt QToken, err error) {
	c.Complete(qt, OperationResult{Opcode: OpFailed, Err: err})
}

//Cancel forget qt, used when operation could not be issued after token allocation.
func (c *Completions) Cancel(qt QToken) {
	c.mu.Lock()
	delete(c.pending, qt)
	c.mu.Unlock()
}

//Wait block until qt resolves and consume it.
func (c *Completions) Wait(qt QToken) (OperationResult, error) {
	_, res, err := c.WaitAny([]QToken{qt})
	return res, err
}

//WaitAny block until one of qts resolves, consume it and return its index.
//When several tokens are resolved, the first one in qts order is returned.
func (c *Completions) WaitAny(qts []QToken) (int, OperationResult, error) {
	if len(qts) == 0 {
		return -1, OperationResult{}, ErrNoTokens
	}

	c.mu.Lock()
	for {
		for i, qt := range qts {
			s, ok := c.pending[qt]
			if !ok {
				c.mu.Unlock()
				return -1, OperationResult{}, ErrUnknownToken
			}
			if s.done {
				delete(c.pending, qt)
				c.mu.Unlock()
				return i, s.res, nil
			}
		}

		changed := c.changed
		c.mu.Unlock()
		<-changed
		c.mu.Lock()
	}
}

//Pending return count of issued but not consumed tokens.
func (c *Completions) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
