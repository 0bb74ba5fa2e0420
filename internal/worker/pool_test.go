package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPool_SubmitRunsTasksConcurrently(t *testing.T) {
	p := New(4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	var wg sync.WaitGroup
	var n int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&n, 1)
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submitted tasks")
	}
	if got := atomic.LoadInt64(&n); got != 50 {
		t.Fatalf("ran %d tasks, want 50", got)
	}
}

func TestPool_PanicInTaskIsRecoveredAndDoesNotKillWorker(t *testing.T) {
	p := New(1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	p.Submit(func() { panic("boom") })

	done := make(chan struct{})
	p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestPool_SubmitDropsWhenQueueIsFull(t *testing.T) {
	p := New(1, zerolog.Nop())
	// No Start(): nothing drains the queue, so it fills up and further
	// submits are dropped rather than blocking the caller.
	block := make(chan struct{})
	defer close(block)

	filled := 0
	for i := 0; i < 10000; i++ {
		p.Submit(func() { <-block })
		filled++
		if p.DroppedTasks() > 0 {
			break
		}
	}
	if p.DroppedTasks() == 0 {
		t.Fatal("expected Submit to drop at least one task once the queue filled up")
	}
}
