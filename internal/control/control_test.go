package control

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jturner53/forest-router/internal/packet"
)

func echoHandler(calls *int64) Handler {
	return func(ctx context.Context, w *Worker, req Request) packet.Index {
		atomic.AddInt64(calls, 1)
		return req.Px
	}
}

func TestDispatchNonComtreeUsesAnyIdleWorker(t *testing.T) {
	var calls int64
	p := NewPool(PoolConfig{NumWorkers: 2, Handler: echoHandler(&calls)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	if err := p.Dispatch(Request{Px: 5}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case rep := <-p.Replies():
		if rep.Px != 5 {
			t.Fatalf("expected echoed px=5, got %v", rep.Px)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for reply")
	}
}

func TestDispatchNoIdleWorkerReturnsError(t *testing.T) {
	blockCh := make(chan struct{})
	handler := func(ctx context.Context, w *Worker, req Request) packet.Index {
		<-blockCh
		return 0
	}
	p := NewPool(PoolConfig{NumWorkers: 1, Handler: handler})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	if err := p.Dispatch(Request{Px: 1}); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	// Give the worker goroutine a chance to pick up the request and go Busy.
	time.Sleep(50 * time.Millisecond)

	if err := p.Dispatch(Request{Px: 2}); err != ErrNoIdleWorker {
		t.Fatalf("expected ErrNoIdleWorker, got %v", err)
	}
	close(blockCh)
}

func TestComtreeAffinityBindsToSameWorker(t *testing.T) {
	var calls int64
	p := NewPool(PoolConfig{NumWorkers: 4, QueueDepth: 4, Handler: echoHandler(&calls)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// nextReply skips the release sentinels a bound worker emits once
	// its queue drains.
	nextReply := func() Reply {
		for {
			if rep := <-p.Replies(); !rep.Release {
				return rep
			}
		}
	}

	if err := p.Dispatch(Request{Px: 1, Comtree: 100, IsCtlComt: true}); err != nil {
		t.Fatalf("Dispatch 1: %v", err)
	}
	rep1 := nextReply()

	// A second control request on the same comtree should still be
	// accepted even though Dispatch re-derives the bound worker id
	// (the release sentinel frees it between requests here, but a
	// worker still mid-comtree would be reused instead of re-bound).
	if err := p.Dispatch(Request{Px: 2, Comtree: 100, IsCtlComt: true}); err != nil {
		t.Fatalf("Dispatch 2: %v", err)
	}
	rep2 := nextReply()

	if atomic.LoadInt64(&calls) != 2 {
		t.Fatalf("expected 2 handler invocations, got %d", calls)
	}
	if rep1.WorkerID != rep2.WorkerID {
		t.Fatalf("expected both requests on one worker, got %d and %d", rep1.WorkerID, rep2.WorkerID)
	}
}

func TestWorkerStateTransitions(t *testing.T) {
	block := make(chan struct{})
	handler := func(ctx context.Context, w *Worker, req Request) packet.Index {
		if w.State() != Busy {
			t.Errorf("expected worker to be Busy during handler, got %v", w.State())
		}
		<-block
		return 0
	}
	p := NewPool(PoolConfig{NumWorkers: 1, Handler: handler})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	if st, err := p.WorkerState(1); err != nil || st != Idle {
		t.Fatalf("expected initially Idle, got %v err=%v", st, err)
	}
	p.Dispatch(Request{Px: 9})
	time.Sleep(50 * time.Millisecond)
	if st, _ := p.WorkerState(1); st != Busy {
		t.Fatalf("expected Busy while handler blocks, got %v", st)
	}
	close(block)
}
