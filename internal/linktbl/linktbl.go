// Package linktbl implements the link table (C3): virtual link state
// keyed by a dense link number, with (peerIP,peerPort) and nonce as
// secondary unique lookup keys (spec.md §3, §4.2).
package linktbl

import (
	"errors"
	"net"
	"sync"

	"github.com/jturner53/forest-router/internal/iftbl"
	"github.com/jturner53/forest-router/internal/packet"
)

// PeerType classifies the far end of a link (§3).
type PeerType int

const (
	PeerUnknown PeerType = iota
	PeerClient
	PeerRouter
	PeerController
	PeerTrusted
)

var (
	ErrInvalidLink   = errors.New("linktbl: invalid link number")
	ErrDuplicatePeer = errors.New("linktbl: peer ip:port already has a link")
	ErrDuplicateNonce = errors.New("linktbl: nonce already in use")
	ErrStillInComtrees = errors.New("linktbl: link still belongs to one or more comtrees")
)

// Link is one entry of the link table.
type Link struct {
	LinkNum  int
	Iface    int
	PeerIP   net.IP
	PeerPort uint16
	PeerType PeerType
	PeerAdr  packet.FAdr
	Rates    iftbl.RateSpec
	Avail    iftbl.RateSpec
	Nonce    uint64
	Connected bool

	comtrees map[uint32]struct{} // set of comtree numbers this link participates in
}

// Valid reports whether the link is usable: non-zero interface and a
// peer address in the unicast range (§3).
func (l *Link) Valid() bool {
	return l.Iface != 0 && l.PeerAdr.IsUnicast()
}

// Comtrees returns a snapshot of the comtree numbers this link belongs to.
func (l *Link) Comtrees() []uint32 {
	out := make([]uint32, 0, len(l.comtrees))
	for c := range l.comtrees {
		out = append(out, c)
	}
	return out
}

// Table is the mutex-guarded link collection.
type Table struct {
	mu sync.RWMutex

	links     map[int]*Link
	nextLink  int
	byPeer    map[peerKey]int
	byNonce   map[uint64]int
}

type peerKey struct {
	ip   string
	port uint16
}

func New() *Table {
	return &Table{
		links:   make(map[int]*Link),
		byPeer:  make(map[peerKey]int),
		byNonce: make(map[uint64]int),
	}
}

// AddLink creates a new link entry (local mode, or upon a CONNECT
// handshake in remote mode, §3 "Lifecycles"). linkNum==0 auto-assigns the
// next free number.
func (t *Table) AddLink(linkNum int, iface int, peerIP net.IP, peerPort uint16,
	peerType PeerType, peerAdr packet.FAdr, rates iftbl.RateSpec, nonce uint64) (*Link, error) {

	t.mu.Lock()
	defer t.mu.Unlock()

	pk := peerKey{ip: peerIP.String(), port: peerPort}
	if _, exists := t.byPeer[pk]; exists {
		return nil, ErrDuplicatePeer
	}
	if nonce != 0 {
		if _, exists := t.byNonce[nonce]; exists {
			return nil, ErrDuplicateNonce
		}
	}

	if linkNum == 0 {
		t.nextLink++
		linkNum = t.nextLink
	} else if linkNum > t.nextLink {
		t.nextLink = linkNum
	}

	l := &Link{
		LinkNum:  linkNum,
		Iface:    iface,
		PeerIP:   peerIP,
		PeerPort: peerPort,
		PeerType: peerType,
		PeerAdr:  peerAdr,
		Rates:    rates,
		Avail:    rates,
		Nonce:    nonce,
		comtrees: make(map[uint32]struct{}),
	}
	t.links[linkNum] = l
	t.byPeer[pk] = linkNum
	if nonce != 0 {
		t.byNonce[nonce] = linkNum
	}
	return l, nil
}

// Get returns the link for linkNum, or nil.
func (t *Table) Get(linkNum int) *Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.links[linkNum]
}

// LookupByPeer finds a link by its (ip,port) pair — the first-choice
// lookup for an inbound datagram (§4.4 step 2).
func (t *Table) LookupByPeer(ip net.IP, port uint16) *Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	num, ok := t.byPeer[peerKey{ip: ip.String(), port: port}]
	if !ok {
		return nil
	}
	return t.links[num]
}

// LookupByNonce finds the "startup" link entry awaiting a CONNECT that
// carries this nonce (§4.4 step 2).
func (t *Table) LookupByNonce(nonce uint64) *Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	num, ok := t.byNonce[nonce]
	if !ok {
		return nil
	}
	return t.links[num]
}

// MarkConnected flips a link's connected flag and rekeys its (ip,port) if
// the CONNECT arrived from a different source than initially provisioned
// (common for NAT'd clients).
func (t *Table) MarkConnected(linkNum int, ip net.IP, port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[linkNum]
	if !ok {
		return ErrInvalidLink
	}
	oldKey := peerKey{ip: l.PeerIP.String(), port: l.PeerPort}
	delete(t.byPeer, oldKey)
	l.PeerIP, l.PeerPort = ip, port
	t.byPeer[peerKey{ip: ip.String(), port: port}] = linkNum
	l.Connected = true
	return nil
}

// AddComtreeMembership/RemoveComtreeMembership are called by
// internal/comtree to keep the link's reverse index of comtree
// membership in sync with the comtree table's own link sets.
func (t *Table) AddComtreeMembership(linkNum int, comt uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.links[linkNum]; ok {
		l.comtrees[comt] = struct{}{}
	}
}

func (t *Table) RemoveComtreeMembership(linkNum int, comt uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.links[linkNum]; ok {
		delete(l.comtrees, comt)
	}
}

// RemoveLink deletes linkNum outright. Callers are responsible for
// purging comtree membership first (see PurgeLink) — RemoveLink refuses
// if any membership remains, matching the comtree-table's analogous
// refuse-while-referenced rule (Open Question (b) in SPEC_FULL.md).
func (t *Table) RemoveLink(linkNum int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[linkNum]
	if !ok {
		return ErrInvalidLink
	}
	if len(l.comtrees) > 0 {
		return ErrStillInComtrees
	}
	delete(t.byPeer, peerKey{ip: l.PeerIP.String(), port: l.PeerPort})
	if l.Nonce != 0 {
		delete(t.byNonce, l.Nonce)
	}
	delete(t.links, linkNum)
	return nil
}

// MembershipSnapshot returns the comtree numbers linkNum belongs to, for
// PurgeLink's two-phase removal (snapshot then drop, Open Question (c)).
func (t *Table) MembershipSnapshot(linkNum int) []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.links[linkNum]
	if !ok {
		return nil
	}
	out := make([]uint32, 0, len(l.comtrees))
	for c := range l.comtrees {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot slice of every link.
func (t *Table) All() []*Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Link, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, l)
	}
	return out
}
