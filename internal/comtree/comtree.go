// Package comtree implements the comtree table (C4): per-comtree
// forwarding state keyed by a 32-bit comtree number (spec.md §3, §4.2).
//
// Grounded directly on original_source/ComtreeTable.h/.cpp: link
// membership is kept as three tiers (Links, RtrLinks, CoreLinks) rather
// than collapsed into one set, since P1-P3 are stated in terms of that
// distinction. A comtree-table entry is only "valid" once it owns a
// scheduler queue (original's qn != 0), so AddEntry allocates one via
// internal/sched.
package comtree

import (
	"errors"
	"sync"

	"github.com/jturner53/forest-router/internal/iftbl"
	"github.com/jturner53/forest-router/internal/linktbl"
	"github.com/jturner53/forest-router/internal/sched"
)

var (
	ErrInvalidComtree   = errors.New("comtree: invalid comtree number")
	ErrDuplicate        = errors.New("comtree: comtree already registered")
	ErrUnknownLink      = errors.New("comtree: link not a member of this comtree")
	ErrNotRouterLink    = errors.New("comtree: link's peer is not a router")
	ErrCoreNotRtrLink   = errors.New("comtree: core link must first be a router link")
	ErrParentNotRtrLink = errors.New("comtree: parent link must be a router link")
	ErrParentCoreMismatch = errors.New(
		"comtree: non-core comtree's sole core link must equal its parent")
	ErrHasSubscriptions = errors.New("comtree: comtree-link still has subscribed routes")
)

// LinkState is per-(comtree,link) forwarding state (§3 "Comtree entry").
type LinkState struct {
	Dest    uint32 // default destination override, 0 if none
	Rates   iftbl.RateSpec
	QueueID int
}

// Entry is one comtree table row.
type Entry struct {
	Comtree  uint32
	ParentLink int
	InCore   bool
	ParentQueueID int

	links     map[int]*LinkState // every link participating (comtree-links)
	rtrLinks  map[int]struct{}   // subset that lead to routers
	coreLinks map[int]struct{}   // subset that lead to core routers (⊆ rtrLinks)

	// subscribedRoutes tracks, per link, how many route entries still
	// reference it — used to refuse RemoveEntry / link removal while
	// routes remain (Open Question (b): refuse, don't silently drop).
	subscribedRoutes map[int]int
}

func (e *Entry) Links() map[int]*LinkState {
	out := make(map[int]*LinkState, len(e.links))
	for k, v := range e.links {
		cp := *v
		out[k] = &cp
	}
	return out
}

func (e *Entry) IsLink(lnk int) bool     { _, ok := e.links[lnk]; return ok }
func (e *Entry) IsRtrLink(lnk int) bool  { _, ok := e.rtrLinks[lnk]; return ok }
func (e *Entry) IsCoreLink(lnk int) bool { _, ok := e.coreLinks[lnk]; return ok }

func (e *Entry) RtrLinks() []int {
	out := make([]int, 0, len(e.rtrLinks))
	for l := range e.rtrLinks {
		out = append(out, l)
	}
	return out
}

func (e *Entry) CoreLinks() []int {
	out := make([]int, 0, len(e.coreLinks))
	for l := range e.coreLinks {
		out = append(out, l)
	}
	return out
}

// Table is the mutex-guarded comtree collection.
type Table struct {
	mu      sync.RWMutex
	entries map[uint32]*Entry
	links   *linktbl.Table
	qm      *sched.Manager
}

func New(links *linktbl.Table, qm *sched.Manager) *Table {
	return &Table{
		entries: make(map[uint32]*Entry),
		links:   links,
		qm:      qm,
	}
}

// AddEntry creates a comtree entry with a freshly allocated parent queue
// (original_source's `qn = 1`, generalized to a real queue id rather than
// a placeholder constant).
func (t *Table) AddEntry(comt uint32) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[comt]; exists {
		return nil, ErrDuplicate
	}
	// The parent queue is bound to link 0 (no link yet); SetParentLink
	// does not rebind it to the parent link.
	qid := t.qm.AllocQ(0)
	e := &Entry{
		Comtree:          comt,
		ParentQueueID:    qid,
		links:            make(map[int]*LinkState),
		rtrLinks:         make(map[int]struct{}),
		coreLinks:        make(map[int]struct{}),
		subscribedRoutes: make(map[int]int),
	}
	t.entries[comt] = e
	return e, nil
}

// Valid reports whether comt has a registered, queue-backed entry.
func (t *Table) Valid(comt uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[comt]
	return ok && e.ParentQueueID != 0
}

// Get returns the entry for comt, or nil.
func (t *Table) Get(comt uint32) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[comt]
}

// AddLink adds lnk to comt's comtree-link set, optionally marking it as a
// router link and/or core link (§3 invariants P1/P2).
//
//   - rflag: peer is a router (required before cflag may be set).
//   - cflag: peer is a core router for this comtree.
func (t *Table) AddLink(comt uint32, lnk int, rflag, cflag bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[comt]
	if !ok {
		return ErrInvalidComtree
	}
	if cflag && !rflag {
		return ErrCoreNotRtrLink
	}
	if rflag {
		l := t.links.Get(lnk)
		if l == nil || l.PeerType != linktbl.PeerRouter {
			return ErrNotRouterLink
		}
	}
	if _, ok := e.links[lnk]; !ok {
		e.links[lnk] = &LinkState{QueueID: t.qm.AllocQ(lnk)}
		t.links.AddComtreeMembership(lnk, comt)
	}
	if rflag {
		e.rtrLinks[lnk] = struct{}{}
	}
	if cflag {
		if err := t.checkCoreAssignment(e, lnk, true); err != nil {
			delete(e.coreLinks, lnk)
			return err
		}
		e.coreLinks[lnk] = struct{}{}
	}
	return nil
}

// checkCoreAssignment enforces Open Question (a): a non-core comtree may
// have at most one core link, and if it has exactly one, that link must
// equal the parent link (per spec.md P3, taken literally — parent may
// still be unset (0) while the comtree has zero core links).
func (t *Table) checkCoreAssignment(e *Entry, addingLnk int, adding bool) error {
	if e.InCore {
		return nil
	}
	core := make(map[int]struct{}, len(e.coreLinks))
	for l := range e.coreLinks {
		core[l] = struct{}{}
	}
	if adding {
		core[addingLnk] = struct{}{}
	}
	if len(core) > 1 {
		return ErrParentCoreMismatch
	}
	for l := range core {
		if e.ParentLink != 0 && l != e.ParentLink {
			return ErrParentCoreMismatch
		}
	}
	return nil
}

// RemoveLink drops lnk from comt's comtree-link set entirely (all three
// tiers), refusing if it still has subscribed routes (Open Question (b)).
// If that was the comtree's last link, the entry itself is dropped too
// (§3 "Lifecycles": removing the last link drops the entry), freeing its
// parent queue the same way RemoveEntry does.
func (t *Table) RemoveLink(comt uint32, lnk int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[comt]
	if !ok {
		return ErrInvalidComtree
	}
	if e.subscribedRoutes[lnk] > 0 {
		return ErrHasSubscriptions
	}
	if ls, ok := e.links[lnk]; ok {
		t.qm.FreeQ(ls.QueueID)
	}
	delete(e.links, lnk)
	delete(e.rtrLinks, lnk)
	delete(e.coreLinks, lnk)
	delete(e.subscribedRoutes, lnk)
	t.links.RemoveComtreeMembership(lnk, comt)
	if len(e.links) == 0 {
		t.qm.FreeQ(e.ParentQueueID)
		delete(t.entries, comt)
	}
	return nil
}

// SetLinkDest sets a comtree-link's default-destination override, used
// when a comtree table row names a per-link destination different from
// the comtree's own default (§6 comtree table grammar).
func (t *Table) SetLinkDest(comt uint32, lnk int, dest uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[comt]
	if !ok {
		return ErrInvalidComtree
	}
	ls, ok := e.links[lnk]
	if !ok {
		return ErrUnknownLink
	}
	ls.Dest = dest
	return nil
}

// SetLinkRates sets a comtree-link's queue rate and pushes it down to
// the underlying scheduler queue (§4.3's per-queue pacing).
func (t *Table) SetLinkRates(comt uint32, lnk int, rates iftbl.RateSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[comt]
	if !ok {
		return ErrInvalidComtree
	}
	ls, ok := e.links[lnk]
	if !ok {
		return ErrUnknownLink
	}
	ls.Rates = rates
	return t.qm.SetQRates(ls.QueueID, sched.RateSpec{BitRate: rates.BitRate, PktRate: rates.PktRate})
}

// SetParentLink sets comt's parent link, which must already be a router
// link, and re-validates the core/parent invariant.
func (t *Table) SetParentLink(comt uint32, lnk int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[comt]
	if !ok {
		return ErrInvalidComtree
	}
	if lnk != 0 {
		if _, ok := e.rtrLinks[lnk]; !ok {
			return ErrParentNotRtrLink
		}
	}
	prev := e.ParentLink
	e.ParentLink = lnk
	if err := t.checkCoreAssignment(e, 0, false); err != nil {
		e.ParentLink = prev
		return err
	}
	return nil
}

// SetCoreFlag sets whether this router itself is in the comtree's core,
// and re-validates the core/parent invariant.
func (t *Table) SetCoreFlag(comt uint32, inCore bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[comt]
	if !ok {
		return ErrInvalidComtree
	}
	prev := e.InCore
	e.InCore = inCore
	if err := t.checkCoreAssignment(e, 0, false); err != nil {
		e.InCore = prev
		return err
	}
	return nil
}

// IncRouteRefs/DecRouteRefs track how many subscribed routes reference a
// comtree-link, used by internal/route to enforce Open Question (b).
func (t *Table) IncRouteRefs(comt uint32, lnk int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[comt]; ok {
		e.subscribedRoutes[lnk]++
	}
}

func (t *Table) DecRouteRefs(comt uint32, lnk int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[comt]; ok && e.subscribedRoutes[lnk] > 0 {
		e.subscribedRoutes[lnk]--
	}
}

// RemoveEntry deletes comt outright. Refuses if any comtree-link still
// has subscribed routes, applied uniformly regardless of caller (Open
// Question (b): both the single control-path and worker-driven paths
// share this one implementation).
func (t *Table) RemoveEntry(comt uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[comt]
	if !ok {
		return ErrInvalidComtree
	}
	for lnk, n := range e.subscribedRoutes {
		if n > 0 {
			return ErrHasSubscriptions
		}
		_ = lnk
	}
	for lnk, ls := range e.links {
		t.qm.FreeQ(ls.QueueID)
		t.links.RemoveComtreeMembership(lnk, comt)
	}
	t.qm.FreeQ(e.ParentQueueID)
	delete(t.entries, comt)
	return nil
}

// PurgeLink removes lnk from every comtree it belongs to. Implements Open
// Question (c): snapshot comtree membership first, then drop — never
// iterate the link's membership list while mutating it.
func (t *Table) PurgeLink(lnk int) []uint32 {
	comts := t.links.MembershipSnapshot(lnk)
	purged := make([]uint32, 0, len(comts))
	for _, comt := range comts {
		if err := t.RemoveLink(comt, lnk); err == nil {
			purged = append(purged, comt)
		}
	}
	return purged
}

// All returns a snapshot of every comtree entry.
func (t *Table) All() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}
