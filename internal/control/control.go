// Package control implements the RouterControl worker pool (C11, spec.md
// §4.7): a fixed set of workers that execute control-packet transactions,
// with comtree-affinity binding so that every control request for a
// given comtree is serialized onto one worker.
//
// Grounded on the teacher's device/room/server.go for the
// config-struct + slog.Logger + context.Context shape of a long-lived
// service object, and on golang.org/x/sync/semaphore (already an
// indirect teacher dependency) to bound the number of simultaneously
// busy workers the way a real thread pool would.
package control

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/jturner53/forest-router/internal/packet"
)

var (
	ErrNoIdleWorker = errors.New("control: no idle worker available")
	ErrUnknownWorker = errors.New("control: worker id not recognized")
)

// State is a control transaction's state from RouterInProc's point of
// view (§4.7's state machine).
type State int

const (
	Idle State = iota
	Busy
	WaitingReply
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Busy:
		return "BUSY"
	case WaitingReply:
		return "WAITING_REPLY"
	default:
		return "UNKNOWN"
	}
}

// Request is one control packet dispatched to a worker.
type Request struct {
	Px         packet.Index
	Comtree    uint32
	IsCtlComt  bool // true if Comtree is a designated comtree-control comtree
	RcvSeqNum  uint64
}

// Reply is what a worker hands back on the shared outgoing queue: either
// an actual reply packet, a self-originated outgoing request, or a
// release sentinel freeing the worker.
type Reply struct {
	Px         packet.Index
	WorkerID   int
	Originated bool   // true: Px is a fresh request this router is sending, not a reply
	Release    bool   // true: sentinel, worker has no more work on its comtree
	Comtree    uint32 // comtree the sentinel applies to, when Release is true
}

// Handler executes one control request against the router tables and
// returns the reply packet to send (0 if none). Handlers may call
// Pool.Originate to issue their own outgoing requests, then
// Worker.AwaitReply to block for the matching response.
type Handler func(ctx context.Context, w *Worker, req Request) packet.Index

// Originate lets a handler push a self-originated outgoing request (not
// a reply to the packet it is currently processing) onto the shared
// reply queue. RouterInProc is responsible for registering it with the
// Repeater before sending it, per §4.4/§4.7's WAITING_REPLY transition.
func (p *Pool) Originate(workerID int, px packet.Index) {
	p.out <- Reply{Px: px, WorkerID: workerID, Originated: true}
}

// Worker is one control worker: a bounded inbound queue plus the
// comtree, if any, it is currently bound to.
type Worker struct {
	ID      int
	in      chan Request
	replyCh chan packet.Index
	state   State
	comtree uint32
	bound   bool
}

func (w *Worker) State() State { return w.state }

// AwaitReply registers seqNum as awaited by w with the pool, then blocks
// until a matching reply (or synthesized NO_REPLY) is delivered via
// Pool.DeliverReply/GiveUp, or ctx is cancelled. Implements §4.7's
// BUSY -> WAITING_REPLY -> BUSY transition for a worker that issued its
// own outgoing request mid-handler.
func (w *Worker) AwaitReply(ctx context.Context, p *Pool, seqNum uint64) (packet.Index, bool) {
	p.awaitReply(w, seqNum)
	select {
	case px := <-w.replyCh:
		return px, true
	case <-ctx.Done():
		return 0, false
	}
}

// Pool is the fixed worker pool (§4.7).
type Pool struct {
	log     *slog.Logger
	handler Handler
	out     chan Reply
	sem     *semaphore.Weighted

	mu       sync.Mutex
	workers  []*Worker
	freeList []int          // idle worker ids
	byComt   map[uint32]int // comtree -> bound worker id
	awaiting map[uint64]int // seqNum -> id of worker awaiting its reply
}

// PoolConfig configures a worker Pool.
type PoolConfig struct {
	NumWorkers int
	QueueDepth int // per-worker inbound queue capacity
	Handler    Handler
	Logger     *slog.Logger
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 100
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		log:      logger.WithGroup("control"),
		handler:  cfg.Handler,
		out:      make(chan Reply, cfg.NumWorkers*2),
		sem:      semaphore.NewWeighted(int64(cfg.NumWorkers)),
		byComt:   make(map[uint32]int),
		awaiting: make(map[uint64]int),
	}
	p.workers = make([]*Worker, cfg.NumWorkers)
	for i := range p.workers {
		w := &Worker{ID: i + 1, in: make(chan Request, cfg.QueueDepth), replyCh: make(chan packet.Index, 1)}
		p.workers[i] = w
		p.freeList = append(p.freeList, w.ID)
	}
	return p
}

// Replies returns the shared outgoing reply queue consumed by RouterInProc.
func (p *Pool) Replies() <-chan Reply { return p.out }

// Run starts every worker's processing loop; it returns once ctx is
// cancelled and all workers have drained their queues.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			p.runWorker(ctx, w)
		}(w)
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, w *Worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-w.in:
			if !ok {
				return
			}
			p.process(ctx, w, req)
		}
	}
}

func (p *Pool) process(ctx context.Context, w *Worker, req Request) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	w.state = Busy
	rx := p.handler(ctx, w, req)
	w.state = Idle
	if rx != 0 {
		p.out <- Reply{Px: rx, WorkerID: w.ID}
	}
	p.mu.Lock()
	if !w.bound {
		// An unbound worker holds only the one request Dispatch gave it.
		p.freeList = append(p.freeList, w.ID)
		p.mu.Unlock()
		return
	}
	stillBound := w.bound && len(w.in) == 0
	if stillBound {
		p.freeList = append(p.freeList, w.ID)
		delete(p.byComt, w.comtree)
		w.bound = false
		comt := w.comtree
		p.mu.Unlock()
		p.out <- Reply{WorkerID: w.ID, Release: true, Comtree: comt}
		return
	}
	p.mu.Unlock()
}

// awaitReply records that w is now waiting on seqNum and flips its state
// to WaitingReply.
func (p *Pool) awaitReply(w *Worker, seqNum uint64) {
	p.mu.Lock()
	p.awaiting[seqNum] = w.ID
	p.mu.Unlock()
	w.state = WaitingReply
}

// DeliverReply routes an inbound reply packet to the worker awaiting
// seqNum, if any, moving it back to Busy and unblocking its
// Worker.AwaitReply call. Reports whether a waiting worker was found.
func (p *Pool) DeliverReply(seqNum uint64, px packet.Index) bool {
	p.mu.Lock()
	id, ok := p.awaiting[seqNum]
	if ok {
		delete(p.awaiting, seqNum)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	w := p.worker(id)
	w.state = Busy
	w.replyCh <- px
	return true
}

// GiveUp delivers a synthesized NO_REPLY packet to the worker awaiting
// seqNum, the WAITING_REPLY -> BUSY transition §4.7 describes for a
// Repeater that has exhausted its retries. Reports whether a waiting
// worker was found.
func (p *Pool) GiveUp(seqNum uint64, px packet.Index) bool {
	return p.DeliverReply(seqNum, px)
}

// Dispatch implements §4.7's dispatch policy. Non-comtree-control
// requests take any idle worker (ErrNoIdleWorker if none — caller
// should reply NEG_REPLY "too busy"). Comtree-control requests bind by
// comtree: if a worker is already bound to req.Comtree it is reused
// (preserving per-comtree ordering), else an idle worker is claimed and
// bound.
func (p *Pool) Dispatch(req Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.IsCtlComt {
		if id, ok := p.byComt[req.Comtree]; ok {
			w := p.worker(id)
			w.in <- req
			return nil
		}
	}

	n := len(p.freeList)
	if n == 0 {
		return ErrNoIdleWorker
	}
	id := p.freeList[n-1]
	p.freeList = p.freeList[:n-1]
	w := p.worker(id)
	if req.IsCtlComt {
		w.bound = true
		w.comtree = req.Comtree
		p.byComt[req.Comtree] = id
	}
	w.in <- req
	return nil
}

func (p *Pool) worker(id int) *Worker {
	return p.workers[id-1]
}

// WorkerState reports the current state of worker id, for tests and
// telemetry.
func (p *Pool) WorkerState(id int) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 1 || id > len(p.workers) {
		return Idle, ErrUnknownWorker
	}
	return p.worker(id).state, nil
}

// IdleCount returns how many workers are currently on the free-list.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.freeList)
}
