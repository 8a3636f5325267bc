/******************************************************************************
 *
 *  Description :
 *    A bounded pool of worker goroutines. Actions queue for a worker rather
 *    than spawning unbounded goroutines; pool size is the natural limit on
 *    concurrent blocking storage operations.
 *
 *****************************************************************************/
package concurrency

import "sync"

// Task represents a unit of work to be run on the pool.
type Task func()

type WorkerPool struct {
	// Work queue, buffered.
	work chan Task
	// Closed to signal workers to drain and exit.
	stop chan struct{}
	wg   sync.WaitGroup

	stopOnce sync.Once
}

// NewWorkerPool starts numWorkers goroutines sharing a queue of queueDepth
// pending tasks.
func NewWorkerPool(numWorkers, queueDepth int) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	p := &WorkerPool{
		work: make(chan Task, queueDepth),
		stop: make(chan struct{}),
	}
	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.worker()
	}
	return p
}

// Schedule enqueues a task. Blocks while the queue is full: callers queue for
// a worker instead of exhausting storage connections.
func (p *WorkerPool) Schedule(task Task) bool {
	select {
	case <-p.stop:
		return false
	case p.work <- task:
		return true
	}
}

// Stop signals the workers to exit and waits for the ones mid-task.
// Queued but unstarted tasks are dropped.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case task := <-p.work:
			task()
		}
	}
}
