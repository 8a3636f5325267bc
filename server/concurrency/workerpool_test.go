package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	pool := NewWorkerPool(4, 8)
	defer pool.Stop()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if !pool.Schedule(func() {
			count.Add(1)
			wg.Done()
		}) {
			t.Fatal("Schedule returned false on a live pool")
		}
	}
	wg.Wait()
	if got := count.Load(); got != 100 {
		t.Errorf("ran %d tasks, want 100", got)
	}
}

func TestWorkerPoolStopRejectsWork(t *testing.T) {
	pool := NewWorkerPool(1, 0)
	pool.Stop()
	if pool.Schedule(func() {}) {
		t.Error("Schedule must return false after Stop")
	}
	// Stop is idempotent.
	pool.Stop()
}
