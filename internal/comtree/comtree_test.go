package comtree

import (
	"net"
	"testing"

	"github.com/jturner53/forest-router/internal/iftbl"
	"github.com/jturner53/forest-router/internal/linktbl"
	"github.com/jturner53/forest-router/internal/packet"
	"github.com/jturner53/forest-router/internal/sched"
)

func setup(t *testing.T) (*Table, *linktbl.Table, int, int) {
	t.Helper()
	lt := linktbl.New()
	store := packet.NewStore(8, 8)
	qm := sched.New(store)
	ct := New(lt, qm)

	rates := iftbl.RateSpec{BitRate: 1000, PktRate: 10}
	l1, _ := lt.AddLink(0, 1, net.ParseIP("10.0.0.1"), 5001, linktbl.PeerRouter, packet.FAdr(0x00010001), rates, 0)
	l2, _ := lt.AddLink(0, 1, net.ParseIP("10.0.0.2"), 5002, linktbl.PeerRouter, packet.FAdr(0x00020001), rates, 0)
	return ct, lt, l1.LinkNum, l2.LinkNum
}

func TestAddEntryAndLink(t *testing.T) {
	ct, _, l1, _ := setup(t)
	e, err := ct.AddEntry(100)
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if !ct.Valid(100) {
		t.Fatalf("expected valid entry")
	}
	if err := ct.AddLink(100, l1, true, false); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if !e.IsLink(l1) || !e.IsRtrLink(l1) || e.IsCoreLink(l1) {
		t.Fatalf("unexpected membership state: %+v", e)
	}
}

func TestCoreLinkRequiresRouterLink(t *testing.T) {
	ct, _, l1, _ := setup(t)
	ct.AddEntry(100)
	if err := ct.AddLink(100, l1, false, true); err != ErrCoreNotRtrLink {
		t.Fatalf("expected ErrCoreNotRtrLink, got %v", err)
	}
}

func TestNonCoreCoreLinkMustMatchParent(t *testing.T) {
	ct, _, l1, l2 := setup(t)
	ct.AddEntry(100)
	ct.AddLink(100, l1, true, false)
	ct.AddLink(100, l2, true, false)

	if err := ct.SetParentLink(100, l1); err != nil {
		t.Fatalf("SetParentLink: %v", err)
	}
	// l1 is parent; marking l1 as core is fine.
	if err := ct.AddLink(100, l1, true, true); err != nil {
		t.Fatalf("expected parent==core link to be accepted: %v", err)
	}
	// Marking l2 as a second core link must be rejected (P3).
	if err := ct.AddLink(100, l2, true, true); err != ErrParentCoreMismatch {
		t.Fatalf("expected ErrParentCoreMismatch, got %v", err)
	}
}

func TestRemoveEntryRefusesWithSubscriptions(t *testing.T) {
	ct, _, l1, _ := setup(t)
	ct.AddEntry(100)
	ct.AddLink(100, l1, true, false)
	ct.IncRouteRefs(100, l1)

	if err := ct.RemoveEntry(100); err != ErrHasSubscriptions {
		t.Fatalf("expected ErrHasSubscriptions, got %v", err)
	}
	ct.DecRouteRefs(100, l1)
	if err := ct.RemoveEntry(100); err != nil {
		t.Fatalf("RemoveEntry after refs cleared: %v", err)
	}
}

func TestPurgeLinkIsTwoPhase(t *testing.T) {
	ct, lt, l1, _ := setup(t)
	ct.AddEntry(100)
	ct.AddEntry(200)
	ct.AddLink(100, l1, true, false)
	ct.AddLink(200, l1, true, false)

	purged := ct.PurgeLink(l1)
	if len(purged) != 2 {
		t.Fatalf("expected both comtrees purged, got %v", purged)
	}
	if len(lt.MembershipSnapshot(l1)) != 0 {
		t.Fatalf("expected no remaining membership after purge")
	}
}

func TestSetLinkDestAndRates(t *testing.T) {
	ct, _, l1, _ := setup(t)
	ct.AddEntry(100)
	if err := ct.AddLink(100, l1, true, false); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	if err := ct.SetLinkDest(100, l1, 0x00030001); err != nil {
		t.Fatalf("SetLinkDest: %v", err)
	}
	rates := iftbl.RateSpec{BitRate: 5000, PktRate: 50}
	if err := ct.SetLinkRates(100, l1, rates); err != nil {
		t.Fatalf("SetLinkRates: %v", err)
	}

	ls := ct.Get(100).Links()[l1]
	if ls.Dest != 0x00030001 {
		t.Fatalf("Dest = %v, want 0x00030001", ls.Dest)
	}
	if ls.Rates != rates {
		t.Fatalf("Rates = %+v, want %+v", ls.Rates, rates)
	}
}

func TestSetLinkDestUnknownLink(t *testing.T) {
	ct, _, l1, l2 := setup(t)
	ct.AddEntry(100)
	if err := ct.AddLink(100, l1, true, false); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if err := ct.SetLinkDest(100, l2, 1); err != ErrUnknownLink {
		t.Fatalf("SetLinkDest on non-member link = %v, want ErrUnknownLink", err)
	}
	if err := ct.SetLinkRates(999, l1, iftbl.RateSpec{}); err != ErrInvalidComtree {
		t.Fatalf("SetLinkRates on unknown comtree = %v, want ErrInvalidComtree", err)
	}
}
