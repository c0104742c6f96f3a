package worker

import "sync"

// Token identifies a lock owner: a pool worker or a message-receive context.
type Token struct {
	name string
}

// NewToken creates an owner token for lock acquisition.
func NewToken(name string) *Token { return &Token{name: name} }

// LockHandler is the engine-wide execution lock. It must be held while
// running any step or touching host keys. Acquisitions are counted per
// owner, so a callback that re-enters through the same worker nests safely
// and releases balance.
type LockHandler struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner *Token
	depth int
}

// NewLockHandler creates the global lock.
func NewLockHandler() *LockHandler {
	l := &LockHandler{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire takes the lock for owner, incrementing the depth when owner
// already holds it.
func (l *LockHandler) Acquire(owner *Token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == owner {
		l.depth++
		return
	}
	for l.owner != nil {
		l.cond.Wait()
	}
	l.owner = owner
	l.depth = 1
}

// Release drops one acquisition for owner; the final release wakes the next
// waiter. Releasing a lock the owner does not hold panics — that is a bug,
// not a runtime condition.
func (l *LockHandler) Release(owner *Token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != owner {
		panic("worker: lock released by non-owner")
	}
	l.depth--
	if l.depth == 0 {
		l.owner = nil
		l.cond.Signal()
	}
}
