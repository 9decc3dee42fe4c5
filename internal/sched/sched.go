// Package sched implements the per-link WDRR packet scheduler with
// virtual-time enqueue (QuManager, C6, spec.md §4.3). Grounded on
// original_source/cpp/include/QuManager.h's enq/deq contract and rate
// clamps, using a real min-heap (container/heap) in place of the
// teacher's O(n) scan (device/router/queue.go's SendQueue) so P9
// (work-conservation) holds under many queues.
package sched

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/jturner53/forest-router/internal/packet"
)

const (
	maxBitRate = 8_000_000   // clamp ceiling, matches QuManager.h
	maxPktRate = 1_000_000_000
)

var (
	ErrInvalidQueue = errors.New("sched: invalid queue id")
	ErrInvalidLink  = errors.New("sched: invalid link number")
)

// RateSpec as seen by the scheduler (bits/sec, packets/sec).
type RateSpec struct {
	BitRate int
	PktRate int
}

// nsPerByte / minDelta derivation, matching QuManager::setQRates.
func rateToDelays(r RateSpec) (nsPerByte, minDelta uint64) {
	br := r.BitRate
	if br < 1 {
		br = 1
	}
	if br > maxBitRate {
		br = maxBitRate
	}
	pr := r.PktRate
	if pr < 1 {
		pr = 1
	}
	if pr > maxPktRate {
		pr = maxPktRate
	}
	nsPerByte = 8_000_000_000 / uint64(br)
	minDelta = 1_000_000_000 / uint64(pr)
	return
}

type queueEntry struct {
	px  packet.Index
	len int // byte length, used to advance vft on enqueue
}

type queue struct {
	id       int
	link     int
	nsPerByte uint64
	minDelta  uint64
	pktLim    int
	byteLim   int
	byteCount int
	vft       uint64 // virtual finish time of the queue's current head
	items     []queueEntry

	heapIdx int // index into the link's active-heap, -1 if not active
}

// linkState tracks link-wide virtual time and the heap of its active
// queues, ordered by each queue's head eligible time (vft).
type linkState struct {
	vt     uint64
	queues map[int]*queue
	active queueHeap
}

// Manager is the per-router QuManager: one WDRR scheduler per link.
type Manager struct {
	mu       sync.Mutex
	store    *packet.Store
	links    map[int]*linkState
	queues   map[int]*queue
	nextQID  int
	discards map[int]int
}

func New(store *packet.Store) *Manager {
	return &Manager{
		store:    store,
		links:    make(map[int]*linkState),
		queues:   make(map[int]*queue),
		discards: make(map[int]int),
	}
}

func (m *Manager) linkFor(lnk int) *linkState {
	ls, ok := m.links[lnk]
	if !ok {
		ls = &linkState{queues: make(map[int]*queue)}
		m.links[lnk] = ls
	}
	return ls
}

// AllocQ allocates a new queue bound to link lnk, returning its id.
func (m *Manager) AllocQ(lnk int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextQID++
	qid := m.nextQID
	q := &queue{id: qid, link: lnk, heapIdx: -1, pktLim: 1 << 30, byteLim: 1 << 30}
	q.nsPerByte, q.minDelta = rateToDelays(RateSpec{BitRate: 1_000_000, PktRate: 1000})
	m.queues[qid] = q
	m.linkFor(lnk).queues[qid] = q
	return qid
}

// FreeQ releases a queue and drops any packets still enqueued on it.
func (m *Manager) FreeQ(qid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[qid]
	if !ok {
		return
	}
	for _, it := range q.items {
		m.store.Free(it.px)
	}
	ls := m.links[q.link]
	if ls != nil {
		if q.heapIdx >= 0 {
			heap.Remove(&ls.active, q.heapIdx)
		}
		delete(ls.queues, qid)
	}
	delete(m.queues, qid)
}

// ValidQ reports whether qid currently identifies a live queue.
func (m *Manager) ValidQ(qid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[qid]
	return ok
}

// SetQRates sets a queue's per-byte/per-packet pacing.
func (m *Manager) SetQRates(qid int, r RateSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[qid]
	if !ok {
		return ErrInvalidQueue
	}
	q.nsPerByte, q.minDelta = rateToDelays(r)
	return nil
}

// SetQLimits bounds a queue's packet and byte occupancy (§4.3 step 1).
func (m *Manager) SetQLimits(qid, pktLim, byteLim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[qid]
	if !ok {
		return ErrInvalidQueue
	}
	if pktLim < 0 {
		pktLim = 0
	}
	if byteLim < 0 {
		byteLim = 0
	}
	q.pktLim, q.byteLim = pktLim, byteLim
	return nil
}

// Discards returns the number of packets Enq has rejected for qid for
// exceeding a packet or byte limit (§4.3 step 1, §7 kind 3).
func (m *Manager) Discards(qid int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discards[qid]
}

// Enq implements QuManager::enq (§4.3): reject on limit, append, advance
// virtual time, recompute the queue's virtual finish time, and (if the
// queue was empty) insert it into the link's active heap.
func (m *Manager) Enq(px packet.Index, qid int, now uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[qid]
	if !ok {
		m.store.Free(px)
		return
	}
	plen := len(m.store.Raw(px))

	if len(q.items) >= q.pktLim || q.byteCount+plen > q.byteLim {
		m.store.Free(px)
		m.discards[qid]++
		return
	}

	wasEmpty := len(q.items) == 0
	q.items = append(q.items, queueEntry{px: px, len: plen})
	q.byteCount += plen

	ls := m.linkFor(q.link)
	if now > ls.vt {
		ls.vt = now
	}
	delay := q.nsPerByte * uint64(plen)
	if q.minDelta > delay {
		delay = q.minDelta
	}
	base := q.vft
	if ls.vt > base {
		base = ls.vt
	}
	q.vft = base + delay

	if wasEmpty {
		heap.Push(&ls.active, q)
	} else {
		heap.Fix(&ls.active, q.heapIdx)
	}
}

// Deq implements QuManager::deq (§4.3): across all links, pop the
// earliest-eligible head whose eligible time is <= now, tie-broken by
// queue id. Returns (0, 0) if nothing is eligible (P9).
func (m *Manager) Deq(now uint64) (px packet.Index, lnk int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var bestLink *linkState
	var bestQ *queue
	for _, ls := range m.links {
		if len(ls.active) == 0 {
			continue
		}
		cand := ls.active[0]
		if cand.vft > now {
			continue
		}
		if bestQ == nil || cand.vft < bestQ.vft ||
			(cand.vft == bestQ.vft && cand.id < bestQ.id) {
			bestQ = cand
			bestLink = ls
		}
	}
	if bestQ == nil {
		return 0, 0
	}

	entry := bestQ.items[0]
	bestQ.items = bestQ.items[1:]
	bestQ.byteCount -= entry.len

	if len(bestQ.items) == 0 {
		heap.Remove(&bestLink.active, bestQ.heapIdx)
	} else {
		next := bestQ.items[0]
		delay := bestQ.nsPerByte * uint64(next.len)
		if bestQ.minDelta > delay {
			delay = bestQ.minDelta
		}
		base := bestQ.vft
		if bestLink.vt > base {
			base = bestLink.vt
		}
		bestQ.vft = base + delay
		heap.Fix(&bestLink.active, bestQ.heapIdx)
	}

	return entry.px, bestQ.link
}

// Stats reports link/queue packet and byte counts (QuManager::getStats).
func (m *Manager) Stats(qid int) (pktCount, byteCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[qid]
	if !ok {
		return 0, 0
	}
	return len(q.items), q.byteCount
}

// queueHeap is a container/heap of *queue ordered by virtual finish time,
// tie-broken by queue id for deterministic tests.
type queueHeap []*queue

func (h queueHeap) Len() int { return len(h) }
func (h queueHeap) Less(i, j int) bool {
	if h[i].vft != h[j].vft {
		return h[i].vft < h[j].vft
	}
	return h[i].id < h[j].id
}
func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *queueHeap) Push(x any) {
	q := x.(*queue)
	q.heapIdx = len(*h)
	*h = append(*h, q)
}
func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	q := old[n-1]
	old[n-1] = nil
	q.heapIdx = -1
	*h = old[:n-1]
	return q
}
