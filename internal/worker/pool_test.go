package worker

import (
	"sync"
	"testing"
	"time"
)

func TestLockReentry(t *testing.T) {
	l := NewLockHandler()
	tok := NewToken("t1")
	l.Acquire(tok)
	l.Acquire(tok) // nested acquisition by the same owner
	l.Release(tok)

	acquired := make(chan struct{})
	other := NewToken("t2")
	go func() {
		l.Acquire(other)
		close(acquired)
		l.Release(other)
	}()
	select {
	case <-acquired:
		t.Fatal("lock handed over while still held")
	case <-time.After(20 * time.Millisecond):
	}
	l.Release(tok)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock never handed over")
	}
}

func TestLockReleaseByNonOwnerPanics(t *testing.T) {
	l := NewLockHandler()
	l.Acquire(NewToken("owner"))
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on foreign release")
		}
	}()
	l.Release(NewToken("stranger"))
}

func TestThreadPoolRunsJobsInOrder(t *testing.T) {
	l := NewLockHandler()
	p := NewThreadPool("test-order", 1, l)
	defer p.Stop()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	w := p.NextWorker()
	for i := 0; i < 5; i++ {
		i := i
		w.Enqueue(func() {
			mu.Lock()
			got = append(got, i)
			if len(got) == 5 {
				close(done)
			}
			mu.Unlock()
		})
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("jobs did not run")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("jobs ran out of order: %v", got)
		}
	}
}

func TestPoolRoundRobin(t *testing.T) {
	l := NewLockHandler()
	p := NewThreadPool("test-rr", 3, l)
	defer p.Stop()

	seen := map[*Worker]bool{}
	for i := 0; i < 3; i++ {
		seen[p.NextWorker()] = true
	}
	if len(seen) != 3 {
		t.Fatalf("round robin visited %d workers, want 3", len(seen))
	}
	if p.Size() != 3 {
		t.Fatalf("size: %d", p.Size())
	}
}

func TestJobsHoldTheLock(t *testing.T) {
	l := NewLockHandler()
	p := NewThreadPool("test-lock", 2, l)
	defer p.Stop()

	// While a job runs, an outside owner cannot take the lock.
	inJob := make(chan struct{})
	release := make(chan struct{})
	p.NextWorker().Enqueue(func() {
		close(inJob)
		<-release
	})
	<-inJob
	tok := NewToken("outside")
	acquired := make(chan struct{})
	go func() {
		l.Acquire(tok)
		close(acquired)
		l.Release(tok)
	}()
	select {
	case <-acquired:
		t.Fatal("lock acquired while a job held it")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock never released after job")
	}
}

func TestExternalPool(t *testing.T) {
	l := NewLockHandler()
	var jobs []Job
	p := NewExternalPool("test-ext", l, func(j Job) { jobs = append(jobs, j) })

	ran := false
	p.NextWorker().Enqueue(func() { ran = true })
	if ran {
		t.Fatal("external pool must not run jobs itself")
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs produced: %d", len(jobs))
	}
	jobs[0]()
	if !ran {
		t.Fatal("produced job did not run the notification")
	}
}

func TestPoolRegistry(t *testing.T) {
	l := NewLockHandler()
	p := NewThreadPool("test-registry", 1, l)
	defer p.Stop()

	if err := RegisterPool(p); err != nil {
		t.Fatal(err)
	}
	defer UnregisterPool("test-registry")
	if err := RegisterPool(p); err == nil {
		t.Fatal("duplicate pool registration must error")
	}
	got, ok := GetPool("test-registry")
	if !ok || got != p {
		t.Fatal("pool lookup failed")
	}
}
