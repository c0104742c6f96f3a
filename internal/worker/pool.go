// Package worker provides the named pools of cooperative workers that drive
// executions. Every execution is pinned to one worker for the duration of a
// step evaluation; a worker pops one notification at a time, takes the
// engine lock, runs the action, and releases the lock.
package worker

import (
	"fmt"
	"sync"

	"github.com/oriys/pulsar/internal/logging"
)

// Job is one scheduled action.
type Job func()

// Worker owns a FIFO notification queue and an owner token for the engine
// lock.
type Worker struct {
	name  string
	token *Token
	lock  *LockHandler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Job
	stopped bool

	// external pools deliver jobs through addJob instead of a queue.
	addJob func(Job)
}

func newWorker(name string, lock *LockHandler) *Worker {
	w := &Worker{name: name, token: NewToken(name), lock: lock}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// Enqueue appends a notification at the queue tail and wakes the worker.
func (w *Worker) Enqueue(job Job) {
	if w.addJob != nil {
		w.addJob(func() {
			w.lock.Acquire(w.token)
			defer w.lock.Release(w.token)
			job()
		})
		return
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, job)
	w.mu.Unlock()
	w.cond.Signal()
}

func (w *Worker) loop(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if w.stopped && len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		job := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.lock.Acquire(w.token)
		job()
		w.lock.Release(w.token)
	}
}

func (w *Worker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cond.Broadcast()
}

// Pool is a named set of workers.
type Pool struct {
	name    string
	workers []*Worker
	wg      sync.WaitGroup

	mu   sync.Mutex
	next int
}

// NewThreadPool creates a pool of size in-process workers and starts them.
func NewThreadPool(name string, size int, lock *LockHandler) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{name: name}
	for i := 0; i < size; i++ {
		w := newWorker(fmt.Sprintf("%s-%d", name, i), lock)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go w.loop(&p.wg)
	}
	logging.Op().Info("worker pool started", "pool", name, "size", size)
	return p
}

// NewExternalPool creates a pool whose jobs are handed to addJob instead of
// in-process threads. The engine never spawns goroutines for it; the
// implementer's scheduler runs the produced jobs.
func NewExternalPool(name string, lock *LockHandler, addJob func(Job)) *Pool {
	w := newWorker(name+"-external", lock)
	w.addJob = addJob
	return &Pool{name: name, workers: []*Worker{w}}
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Size returns the worker count.
func (p *Pool) Size() int { return len(p.workers) }

// NextWorker assigns a worker round-robin. An execution keeps the worker it
// is first assigned until terminal.
func (p *Pool) NextWorker() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.workers[p.next%len(p.workers)]
	p.next++
	return w
}

// Stop drains and stops all workers. External pools are a no-op.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		if w.addJob == nil {
			w.stop()
		}
	}
	p.wg.Wait()
}

var (
	poolsMu sync.RWMutex
	pools   = make(map[string]*Pool)
)

// RegisterPool adds a pool to the process-wide table. Pools are looked up by
// name when a plan names its owning pool.
func RegisterPool(p *Pool) error {
	poolsMu.Lock()
	defer poolsMu.Unlock()
	if _, ok := pools[p.name]; ok {
		return fmt.Errorf("worker pool %q already registered", p.name)
	}
	pools[p.name] = p
	return nil
}

// GetPool resolves a pool by name.
func GetPool(name string) (*Pool, bool) {
	poolsMu.RLock()
	defer poolsMu.RUnlock()
	p, ok := pools[name]
	return p, ok
}

// UnregisterPool removes a pool from the table, for teardown.
func UnregisterPool(name string) {
	poolsMu.Lock()
	defer poolsMu.Unlock()
	delete(pools, name)
}
