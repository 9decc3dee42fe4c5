// Package reliable implements the reliable request/reply substrate: the
// Repeater (C7) for outgoing control-packet retransmission and the
// RepeatHandler (C8) for incoming duplicate suppression (spec.md §4.6).
//
// Grounded on original_source/cpp/common/Repeater.cpp and
// trunk/cpp/common/RepeatHandler.cpp, which keep a hash map from sequence
// number to a saved packet index plus a deadline min-heap. Translated to
// Go using a mutex-guarded map and a container/heap, in the style of
// internal/sched's queueHeap and the teacher's core/ack.Tracker
// (sentAt/retries bookkeeping, nowFn injection for tests).
package reliable

import (
	"container/heap"
	"sync"

	"github.com/jturner53/forest-router/internal/packet"
)

const (
	// reqTimeout is the retry interval for outgoing requests
	// (Repeater::saveReq's "now + 1000000000" in nanoseconds).
	reqTimeout = 1_000_000_000
	// maxRetries matches Repeater::overdue's repeat count of 3.
	maxRetries = 3
	// repeatHandlerTTL is how long an incoming request is remembered for
	// duplicate suppression (RepeatHandler::saveReq's 20-second hold).
	repeatHandlerTTL = 20_000_000_000
)

// --- Repeater (C7): outgoing request retransmission ---

type reqEntry struct {
	seqNum   uint64
	px       packet.Index
	retries  int // remaining retry attempts, mirrors the original's count
	deadline uint64
	heapIdx  int
}

type deadlineHeap []*reqEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].heapIdx = i; h[j].heapIdx = j }
func (h *deadlineHeap) Push(x any) {
	e := x.(*reqEntry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}

// Repeater tracks outgoing control packets awaiting a reply, retrying up
// to maxRetries times before giving up.
type Repeater struct {
	mu       sync.Mutex
	bySeq    map[uint64]*reqEntry
	deadlines deadlineHeap
}

func NewRepeater() *Repeater {
	return &Repeater{bySeq: make(map[uint64]*reqEntry)}
}

// SaveReq records a copy of an outgoing request, returning false if
// seqNum is already tracked.
func (r *Repeater) SaveReq(px packet.Index, seqNum, now uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bySeq[seqNum]; exists {
		return false
	}
	e := &reqEntry{seqNum: seqNum, px: px, retries: maxRetries, deadline: now + reqTimeout}
	r.bySeq[seqNum] = e
	heap.Push(&r.deadlines, e)
	return true
}

// DeleteMatch removes and returns the saved packet for seqNum, matching
// an incoming reply (Repeater::deleteMatch). Returns (0, false) if there
// was no matching saved request.
func (r *Repeater) DeleteMatch(seqNum uint64) (packet.Index, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySeq[seqNum]
	if !ok {
		return 0, false
	}
	delete(r.bySeq, seqNum)
	if e.heapIdx >= 0 {
		heap.Remove(&r.deadlines, e.heapIdx)
	}
	return e.px, true
}

// Overdue checks for a request whose deadline has passed (Repeater::overdue).
// If retries remain, its deadline is pushed back one interval and the
// saved packet index is returned for resending. Once retries are
// exhausted, the entry is dropped and giveUp is true, signalling the
// caller should abandon the request (the original negates the packet
// index for this; Go returns an explicit bool instead).
func (r *Repeater) Overdue(now uint64) (px packet.Index, giveUp bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.deadlines) == 0 {
		return 0, false, false
	}
	e := r.deadlines[0]
	if now < e.deadline {
		return 0, false, false
	}
	if e.retries <= 0 {
		heap.Remove(&r.deadlines, e.heapIdx)
		delete(r.bySeq, e.seqNum)
		return e.px, true, true
	}
	e.retries--
	e.deadline = now + reqTimeout
	heap.Fix(&r.deadlines, e.heapIdx)
	return e.px, false, true
}

// --- RepeatHandler (C8): incoming duplicate suppression ---

type repKey struct {
	peerAdr packet.FAdr
	seqNum  uint64
}

type repEntry struct {
	key      repKey
	px       packet.Index
	replied  bool // true once SaveRep has overwritten px with the reply
	deadline uint64
	heapIdx  int
}

type repHeap []*repEntry

func (h repHeap) Len() int           { return len(h) }
func (h repHeap) Less(i, j int) bool { return h[i].deadline < h[j].deadline }
func (h repHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].heapIdx = i; h[j].heapIdx = j }
func (h *repHeap) Push(x any) {
	e := x.(*repEntry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}
func (h *repHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}

// RepeatHandler remembers recently received requests, keyed by
// (peerAdr, seqNum), so a duplicate retransmission can be answered from
// cache instead of reprocessed (RepeatHandler.cpp).
type RepeatHandler struct {
	mu        sync.Mutex
	cap       int
	byKey     map[repKey]*repEntry
	deadlines repHeap
}

func NewRepeatHandler(capacity int) *RepeatHandler {
	return &RepeatHandler{cap: capacity, byKey: make(map[repKey]*repEntry)}
}

// Find returns the saved packet for (peerAdr,seqNum) and whether it has
// already been answered: replied=false means a request with this seqNum
// is still in flight (a duplicate should be dropped silently); replied=true
// means px is the cached reply (a duplicate should get that reply resent).
// found=false means seqNum is not currently tracked at all.
func (h *RepeatHandler) Find(peerAdr packet.FAdr, seqNum uint64) (px packet.Index, replied bool, found bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.byKey[repKey{peerAdr, seqNum}]
	if !ok {
		return 0, false, false
	}
	return e.px, e.replied, true
}

// SaveReq records a freshly received request. If the handler is at
// capacity, the oldest entry (by deadline) is evicted first
// (RepeatHandler::saveReq's "when full, remove the oldest").
func (h *RepeatHandler) SaveReq(px packet.Index, peerAdr packet.FAdr, seqNum, now uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := repKey{peerAdr, seqNum}
	if _, exists := h.byKey[k]; exists {
		return
	}
	if h.cap > 0 && len(h.byKey) >= h.cap {
		oldest := heap.Pop(&h.deadlines).(*repEntry)
		delete(h.byKey, oldest.key)
	}
	e := &repEntry{key: k, px: px, deadline: now + repeatHandlerTTL}
	h.byKey[k] = e
	heap.Push(&h.deadlines, e)
}

// SaveRep replaces a saved request with its reply's packet index once the
// reply has been sent, mirroring RepeatHandler::saveRep's in-place
// replacement semantics; the entry keeps its original expiry, so Expired
// still returns it (now holding the reply) once that passes. Returns the
// packet index of the original saved request, or (0, false).
func (h *RepeatHandler) SaveRep(cx packet.Index, peerAdr packet.FAdr, seqNum uint64) (packet.Index, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := repKey{peerAdr, seqNum}
	e, ok := h.byKey[k]
	if !ok {
		return 0, false
	}
	origPx := e.px
	e.px = cx
	e.replied = true
	return origPx, true
}

// Expired returns the packet index of the oldest expired entry and
// removes it, or (0, false) if nothing is due.
func (h *RepeatHandler) Expired(now uint64) (packet.Index, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.deadlines) == 0 {
		return 0, false
	}
	e := h.deadlines[0]
	if now < e.deadline {
		return 0, false
	}
	heap.Remove(&h.deadlines, e.heapIdx)
	delete(h.byKey, e.key)
	return e.px, true
}
