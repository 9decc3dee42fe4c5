package route

import (
	"net"
	"testing"

	"github.com/jturner53/forest-router/internal/comtree"
	"github.com/jturner53/forest-router/internal/iftbl"
	"github.com/jturner53/forest-router/internal/linktbl"
	"github.com/jturner53/forest-router/internal/packet"
	"github.com/jturner53/forest-router/internal/sched"
)

func setup(t *testing.T) (*Table, *comtree.Table, int) {
	t.Helper()
	lt := linktbl.New()
	store := packet.NewStore(8, 8)
	qm := sched.New(store)
	ct := comtree.New(lt, qm)
	ct.AddEntry(100)

	rates := iftbl.RateSpec{BitRate: 1000, PktRate: 10}
	l1, _ := lt.AddLink(0, 1, net.ParseIP("10.0.0.1"), 5001, linktbl.PeerRouter, packet.FAdr(0x00010001), rates, 0)
	if err := ct.AddLink(100, l1.LinkNum, true, false); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	return New(ct), ct, l1.LinkNum
}

func TestAddUnicastAndLookup(t *testing.T) {
	rt, _, l1 := setup(t)
	dest := packet.NewFAdr(7, 3)
	if err := rt.AddUnicast(100, dest, l1); err != nil {
		t.Fatalf("AddUnicast: %v", err)
	}
	e := rt.Lookup(100, dest)
	if e == nil {
		t.Fatalf("expected route entry")
	}
	lnk, ok := e.SoleLink()
	if !ok || lnk != l1 {
		t.Fatalf("expected sole link %d, got %d ok=%v", l1, lnk, ok)
	}
}

func TestAddUnicastRejectsMulticastDest(t *testing.T) {
	rt, _, l1 := setup(t)
	mcast := packet.NewFAdr(0x8000, 7) // zip high bit set => multicast
	if err := rt.AddUnicast(100, mcast, l1); err != ErrTypeMismatch {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestSubscribeUnsubscribeLifecycle(t *testing.T) {
	rt, _, l1 := setup(t)
	mcast := packet.NewFAdr(0x8000, 42)

	created, already, err := rt.Subscribe(100, mcast, l1)
	if err != nil || !created || already {
		t.Fatalf("expected fresh create, got created=%v already=%v err=%v", created, already, err)
	}

	created2, already2, err := rt.Subscribe(100, mcast, l1)
	if err != nil || created2 || !already2 {
		t.Fatalf("expected double-subscribe no-op, got created=%v already=%v err=%v", created2, already2, err)
	}

	removed, emptied := rt.Unsubscribe(100, mcast, l1)
	if !removed || !emptied {
		t.Fatalf("expected removal to empty the route, got removed=%v emptied=%v", removed, emptied)
	}
	if rt.Lookup(100, mcast) != nil {
		t.Fatalf("expected route entry gone after last unsubscribe")
	}
}

func TestRemoveLinkDropsRoutesAndReportsEmptied(t *testing.T) {
	rt, _, l1 := setup(t)
	dest := packet.NewFAdr(7, 3)
	rt.AddUnicast(100, dest, l1)

	emptied := rt.RemoveLink(100, l1)
	if len(emptied) != 1 || emptied[0] != dest {
		t.Fatalf("expected dest emptied, got %v", emptied)
	}
	if rt.Lookup(100, dest) != nil {
		t.Fatalf("expected route removed")
	}
}

func TestZipIndex(t *testing.T) {
	rt, _, l1 := setup(t)
	rt.IndexNeighbourZip(7, l1)

	links := rt.LinksTowardZip(7)
	if len(links) != 1 || links[0] != l1 {
		t.Fatalf("expected [%d], got %v", l1, links)
	}

	rt.RemoveNeighbourZip(7, l1)
	if links := rt.LinksTowardZip(7); len(links) != 0 {
		t.Fatalf("expected no links after removal, got %v", links)
	}
}

func TestLeafPoolAllocClaimRelease(t *testing.T) {
	first := packet.NewFAdr(1, 1)
	last := packet.NewFAdr(1, 3)
	p := NewLeafPool(first, last)

	seen := map[packet.FAdr]bool{}
	for i := 0; i < 3; i++ {
		a, ok := p.Alloc()
		if !ok {
			t.Fatalf("expected alloc to succeed at i=%d", i)
		}
		seen[a] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct addresses, got %d", len(seen))
	}
	if _, ok := p.Alloc(); ok {
		t.Fatalf("expected pool exhausted")
	}

	var any packet.FAdr
	for a := range seen {
		any = a
		break
	}
	p.Release(any)
	if ok := p.Claim(any); !ok {
		t.Fatalf("expected claim to succeed after release")
	}
	if ok := p.Claim(any); ok {
		t.Fatalf("expected second claim of same address to fail")
	}
}
