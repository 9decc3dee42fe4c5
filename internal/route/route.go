// Package route implements the route table (C5): (comtree, destination)
// to comtree-link mappings, and the leaf-address allocation pool
// (spec.md §3). A zip-reachability index backed by github.com/gaissmai/bart
// answers "which neighbour links lead toward this zip"; nothing outside
// this package populates or queries it.
package route

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/gaissmai/bart"
	"github.com/jturner53/forest-router/internal/comtree"
	"github.com/jturner53/forest-router/internal/packet"
)

var (
	ErrInvalidDest   = errors.New("route: destination address is invalid")
	ErrTypeMismatch  = errors.New("route: unicast route for multicast destination or vice versa")
	ErrNoSuchRoute   = errors.New("route: no such route")
)

type key struct {
	comt uint32
	dest packet.FAdr
}

// Entry is one route-table row: a unicast route names exactly one link;
// a multicast route names a set.
type Entry struct {
	Dest      packet.FAdr
	Comtree   uint32
	Multicast bool
	links     map[int]struct{} // for unicast routes, always exactly one key
}

func (e *Entry) Links() []int {
	out := make([]int, 0, len(e.links))
	for l := range e.links {
		out = append(out, l)
	}
	return out
}

func (e *Entry) SoleLink() (int, bool) {
	if len(e.links) != 1 {
		return 0, false
	}
	for l := range e.links {
		return l, true
	}
	return 0, false
}

// Table is the (comtree,destination)-keyed route table plus the
// zip-reachability index.
type Table struct {
	mu      sync.Mutex
	entries map[key]*Entry
	comt    *comtree.Table

	zipIdx bart.Table[map[int]struct{}] // zip(16-bit) -> set of links leading that way
}

func New(comt *comtree.Table) *Table {
	return &Table{
		entries: make(map[key]*Entry),
		comt:    comt,
	}
}

func zipPrefix(zip uint16) netip.Prefix {
	addr := netip.AddrFrom4([4]byte{byte(zip >> 8), byte(zip), 0, 0})
	return netip.PrefixFrom(addr, 16)
}

// IndexNeighbourZip records that lnk leads toward peerZip, for
// LinksTowardZip queries. internal/runtime's forwarder does not consult
// this index; its flooding reads peer zips from the link table.
func (t *Table) IndexNeighbourZip(peerZip uint16, lnk int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pfx := zipPrefix(peerZip)
	set, ok := t.zipIdx.Get(pfx)
	if !ok {
		set = make(map[int]struct{})
	}
	set[lnk] = struct{}{}
	t.zipIdx.Insert(pfx, set)
}

func (t *Table) RemoveNeighbourZip(peerZip uint16, lnk int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pfx := zipPrefix(peerZip)
	set, ok := t.zipIdx.Get(pfx)
	if !ok {
		return
	}
	delete(set, lnk)
	if len(set) == 0 {
		t.zipIdx.Delete(pfx)
	} else {
		t.zipIdx.Insert(pfx, set)
	}
}

// LinksTowardZip returns the known links whose peer is in the given zip.
func (t *Table) LinksTowardZip(zip uint16) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.zipIdx.Get(zipPrefix(zip))
	if !ok {
		return nil
	}
	out := make([]int, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	return out
}

// Lookup returns the route entry for (comt,dest), or nil.
func (t *Table) Lookup(comt uint32, dest packet.FAdr) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[key{comt, dest}]
}

// AddUnicast creates or overwrites a unicast route (comt,dest) -> lnk.
func (t *Table) AddUnicast(comt uint32, dest packet.FAdr, lnk int) error {
	if !dest.IsUnicast() {
		return ErrTypeMismatch
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{comt, dest}
	if e, ok := t.entries[k]; ok {
		if e.Multicast {
			return ErrTypeMismatch
		}
		for old := range e.links {
			t.comt.DecRouteRefs(comt, old)
		}
		e.links = map[int]struct{}{lnk: {}}
	} else {
		t.entries[k] = &Entry{Dest: dest, Comtree: comt, links: map[int]struct{}{lnk: {}}}
	}
	t.comt.IncRouteRefs(comt, lnk)
	return nil
}

// Subscribe adds lnk to the multicast route (comt,dest)'s link set,
// creating the route if absent. Returns (created, alreadyPresent) so
// callers can implement SUB_UNSUB propagation semantics (§4.5: only
// propagate on create, R4: double-subscribe is a propagation no-op).
func (t *Table) Subscribe(comt uint32, dest packet.FAdr, lnk int) (created bool, already bool, err error) {
	if !dest.IsMulticast() {
		return false, false, ErrTypeMismatch
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{comt, dest}
	e, ok := t.entries[k]
	if !ok {
		e = &Entry{Dest: dest, Comtree: comt, Multicast: true, links: map[int]struct{}{}}
		t.entries[k] = e
		created = true
	}
	if _, present := e.links[lnk]; present {
		return created, true, nil
	}
	e.links[lnk] = struct{}{}
	t.comt.IncRouteRefs(comt, lnk)
	return created, false, nil
}

// Unsubscribe removes lnk from the multicast route (comt,dest). Returns
// (removed, emptied) — emptied means the whole route entry was dropped
// because its link set became empty (§3 "Lifecycles").
func (t *Table) Unsubscribe(comt uint32, dest packet.FAdr, lnk int) (removed bool, emptied bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{comt, dest}
	e, ok := t.entries[k]
	if !ok {
		return false, false
	}
	if _, present := e.links[lnk]; !present {
		return false, false
	}
	delete(e.links, lnk)
	t.comt.DecRouteRefs(comt, lnk)
	if len(e.links) == 0 {
		delete(t.entries, k)
		return true, true
	}
	return true, false
}

// RemoveLink drops lnk from every route of comt (used when a link is
// purged from a comtree), reporting which destinations lost their last
// link and so were deleted.
func (t *Table) RemoveLink(comt uint32, lnk int) []packet.FAdr {
	t.mu.Lock()
	defer t.mu.Unlock()
	var emptied []packet.FAdr
	for k, e := range t.entries {
		if k.comt != comt {
			continue
		}
		if _, ok := e.links[lnk]; !ok {
			continue
		}
		delete(e.links, lnk)
		t.comt.DecRouteRefs(comt, lnk)
		if len(e.links) == 0 {
			delete(t.entries, k)
			emptied = append(emptied, k.dest)
		}
	}
	return emptied
}

// --- Leaf address pool (Design Notes: two-list in-use/free partition) ---

// LeafPool allocates forest addresses from a fixed [first,last] range.
type LeafPool struct {
	mu          sync.Mutex
	first, last packet.FAdr
	inUse       map[packet.FAdr]struct{}
	free        []packet.FAdr
}

func NewLeafPool(first, last packet.FAdr) *LeafPool {
	p := &LeafPool{first: first, last: last, inUse: make(map[packet.FAdr]struct{})}
	for a := last; a >= first; a-- {
		p.free = append(p.free, a)
		if a == first {
			break
		}
	}
	return p
}

// InRange reports whether a falls within the pool's configured
// [first,last] range, in or out of use — this is the local-leaf test
// RouterOutProc uses to decide between UNKNOWN_DEST and flooding, not
// an allocation check.
func (p *LeafPool) InRange(a packet.FAdr) bool {
	return a >= p.first && a <= p.last
}

// Alloc returns any free address, or ok=false if the pool is exhausted.
func (p *LeafPool) Alloc() (packet.FAdr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return 0, false
	}
	a := p.free[n-1]
	p.free = p.free[:n-1]
	p.inUse[a] = struct{}{}
	return a, true
}

// Claim marks a as in-use, for callers that need a specific address
// (e.g. a pre-configured leaf). Returns false if a is already in use or
// is not on the pool's free list.
func (p *LeafPool) Claim(a packet.FAdr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, used := p.inUse[a]; used {
		return false
	}
	for i, f := range p.free {
		if f == a {
			p.free = append(p.free[:i], p.free[i+1:]...)
			p.inUse[a] = struct{}{}
			return true
		}
	}
	return false
}

// Release returns a to the free list.
func (p *LeafPool) Release(a packet.FAdr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, used := p.inUse[a]; !used {
		return
	}
	delete(p.inUse, a)
	p.free = append(p.free, a)
}
