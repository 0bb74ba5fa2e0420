// Package worker provides a fixed-size goroutine pool used to run inbound
// client message handling off each connection's read loop, adapted from the
// teacher's WorkerPool (src/worker_pool.go): same fixed-worker/bounded-
// queue/drop-on-full design, plus panic recovery so one failing task
// cannot take the whole pool down.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a unit of work submitted to the pool.
type Task func()

// Pool runs Tasks across a fixed number of worker goroutines, backed by a
// bounded queue. When the queue is full, Submit drops the task rather than
// spawning unbounded goroutines or blocking the caller.
type Pool struct {
	log zerolog.Logger

	workerCount  int
	queue        chan Task
	wg           sync.WaitGroup
	droppedTasks int64
}

// New builds a Pool with workerCount workers and a queue sized
// workerCount*100, matching the teacher's sizing rationale (bursts of
// fan-out work during traffic spikes).
func New(workerCount int, log zerolog.Logger) *Pool {
	return &Pool{
		log:         log,
		workerCount: workerCount,
		queue:       make(chan Task, workerCount*100),
	}
}

// Start launches the worker goroutines. After ctx is cancelled each worker
// finishes the task it is running and exits; tasks still queued are not
// guaranteed to run. It is not safe to call Start twice.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runSafely(task)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) runSafely(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("worker pool: recovered panic in task")
		}
	}()
	task()
}

// Submit enqueues task for asynchronous execution. If the queue is full the
// task is dropped and the drop counter incremented, trading lost work for
// bounded memory and goroutine count.
func (p *Pool) Submit(task Task) {
	select {
	case p.queue <- task:
	default:
		atomic.AddInt64(&p.droppedTasks, 1)
	}
}

// Stop closes the queue and waits for the workers to exit. Workers still
// running drain the queued tasks first; if ctx was already cancelled, the
// workers may have exited and queued tasks are left unrun.
func (p *Pool) Stop() {
	close(p.queue)
	p.wg.Wait()
}

// DroppedTasks reports how many tasks have been dropped due to a full
// queue, a backpressure signal worth exporting as a metric.
func (p *Pool) DroppedTasks() int64 {
	return atomic.LoadInt64(&p.droppedTasks)
}
