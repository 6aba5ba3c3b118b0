package engine

import "sync"

// caseLocks serializes mutating commands per case key. The lock is held for
// the whole command including the dispatch loop and the batch flush, so one
// command's token advances are fully durable before the next may begin.
// Snapshot reads never take it.
type caseLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newCaseLocks() *caseLocks {
	return &caseLocks{locks: map[int64]*sync.Mutex{}}
}

func (c *caseLocks) lock(caseKey int64) func() {
	c.mu.Lock()
	l, ok := c.locks[caseKey]
	if !ok {
		l = &sync.Mutex{}
		c.locks[caseKey] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}
