package pools

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Task represents a unit of work
type Task func()

// WorkerPool implements a work-stealing goroutine pool. Suspended exchanges
// use it to finish their responses off the connection goroutine.
type WorkerPool struct {
	numWorkers int
	queues     []*workerQueue
	workers    []*worker

	// mu orders Submit against Close so a send never hits a closed queue.
	mu     sync.RWMutex
	closed atomic.Bool

	// Statistics
	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		stealsSuccess  atomic.Uint64
		stealsFailed   atomic.Uint64
		scheduled      atomic.Uint64
	}
}

// workerQueue is a buffered queue owned by a single worker
type workerQueue struct {
	tasks chan Task
	id    int
}

// worker represents a goroutine that processes tasks
type worker struct {
	id    int
	pool  *WorkerPool
	queue *workerQueue
}

// NewWorkerPool creates a new work-stealing worker pool
func NewWorkerPool(numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	pool := &WorkerPool{
		numWorkers: numWorkers,
		queues:     make([]*workerQueue, numWorkers),
		workers:    make([]*worker, numWorkers),
	}

	for i := 0; i < numWorkers; i++ {
		pool.queues[i] = &workerQueue{
			tasks: make(chan Task, 256),
			id:    i,
		}
	}

	for i := 0; i < numWorkers; i++ {
		w := &worker{
			id:    i,
			pool:  pool,
			queue: pool.queues[i],
		}
		pool.workers[i] = w
		go w.run()
	}

	return pool
}

// Submit submits a task to the pool using round-robin. When every queue it
// tries is full the task runs inline on the caller.
func (p *WorkerPool) Submit(task Task) bool {
	p.mu.RLock()
	if p.closed.Load() {
		p.mu.RUnlock()
		return false
	}

	n := p.stats.tasksSubmitted.Add(1)
	idx := int(n % uint64(p.numWorkers))

	select {
	case p.queues[idx].tasks <- task:
		p.mu.RUnlock()
		return true
	default:
	}

	idx = (idx + 1) % p.numWorkers
	select {
	case p.queues[idx].tasks <- task:
		p.mu.RUnlock()
		return true
	default:
	}
	p.mu.RUnlock()

	task()
	p.stats.tasksCompleted.Add(1)
	return true
}

// Go runs fn on the pool and returns a Future that can cancel it.
func (p *WorkerPool) Go(fn func(ctx context.Context)) *Future {
	f := newFuture()
	if !p.Submit(func() { f.run(fn) }) {
		f.Cancel()
	}
	return f
}

// Schedule runs fn on the pool once delay has elapsed. Cancelling the
// returned Future before the delay stops the timer; cancelling it while fn
// runs cancels the context handed to fn.
func (p *WorkerPool) Schedule(delay time.Duration, fn func(ctx context.Context)) *Future {
	f := newFuture()
	if p.closed.Load() {
		f.Cancel()
		return f
	}

	p.stats.scheduled.Add(1)
	f.timer = time.AfterFunc(delay, func() {
		if f.IsDone() {
			return
		}
		if !p.Submit(func() { f.run(fn) }) {
			f.Cancel()
		}
	})
	return f
}

func (w *worker) run() {
	for {
		select {
		case task, ok := <-w.queue.tasks:
			if !ok || task == nil {
				return
			}
			task()
			w.pool.stats.tasksCompleted.Add(1)
			continue
		default:
		}

		// Own queue is empty, try to steal from other workers
		if w.trySteal() {
			continue
		}

		task, ok := <-w.queue.tasks
		if !ok || task == nil {
			return
		}

		task()
		w.pool.stats.tasksCompleted.Add(1)
	}
}

// trySteal attempts to steal work from another worker
func (w *worker) trySteal() bool {
	numWorkers := w.pool.numWorkers
	start := (w.id + 1) % numWorkers

	for i := 0; i < numWorkers-1; i++ {
		victim := w.pool.queues[(start+i)%numWorkers]

		select {
		case task, ok := <-victim.tasks:
			if ok && task != nil {
				w.pool.stats.stealsSuccess.Add(1)
				task()
				w.pool.stats.tasksCompleted.Add(1)
				return true
			}
		default:
		}
	}

	w.pool.stats.stealsFailed.Add(1)
	return false
}

// Close shuts down the worker pool. Queued tasks still run; new
// submissions are refused.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	for _, q := range p.queues {
		close(q.tasks)
	}
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	submitted := p.stats.tasksSubmitted.Load()
	completed := p.stats.tasksCompleted.Load()
	pending := uint64(0)
	if submitted > completed {
		pending = submitted - completed
	}
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		TasksSubmitted: submitted,
		TasksCompleted: completed,
		TasksPending:   pending,
		TasksScheduled: p.stats.scheduled.Load(),
		StealsSuccess:  p.stats.stealsSuccess.Load(),
		StealsFailed:   p.stats.stealsFailed.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int
	TasksSubmitted uint64
	TasksCompleted uint64
	TasksPending   uint64
	TasksScheduled uint64
	StealsSuccess  uint64
	StealsFailed   uint64
}
