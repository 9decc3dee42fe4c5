package linktbl

import (
	"net"
	"testing"

	"github.com/jturner53/forest-router/internal/iftbl"
	"github.com/jturner53/forest-router/internal/packet"
)

func TestAddLinkUniqueKeys(t *testing.T) {
	tbl := New()
	rates := iftbl.RateSpec{BitRate: 1000, PktRate: 10}
	ip := net.ParseIP("10.0.0.1")

	l1, err := tbl.AddLink(0, 1, ip, 5000, PeerRouter, packet.FAdr(0x00010001), rates, 0xdead)
	if err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if !l1.Valid() {
		t.Fatalf("expected valid link")
	}

	if _, err := tbl.AddLink(0, 1, ip, 5000, PeerRouter, packet.FAdr(0x00010002), rates, 0xbeef); err != ErrDuplicatePeer {
		t.Fatalf("expected ErrDuplicatePeer, got %v", err)
	}
	if _, err := tbl.AddLink(0, 1, net.ParseIP("10.0.0.2"), 5001, PeerRouter, packet.FAdr(0x00010003), rates, 0xdead); err != ErrDuplicateNonce {
		t.Fatalf("expected ErrDuplicateNonce, got %v", err)
	}

	if got := tbl.LookupByPeer(ip, 5000); got != l1 {
		t.Fatalf("LookupByPeer failed")
	}
	if got := tbl.LookupByNonce(0xdead); got != l1 {
		t.Fatalf("LookupByNonce failed")
	}
}

func TestRemoveLinkRefusesWithMembership(t *testing.T) {
	tbl := New()
	rates := iftbl.RateSpec{BitRate: 1000, PktRate: 10}
	l, _ := tbl.AddLink(0, 1, net.ParseIP("10.0.0.1"), 5000, PeerRouter, packet.FAdr(0x00010001), rates, 0)

	tbl.AddComtreeMembership(l.LinkNum, 100)
	if err := tbl.RemoveLink(l.LinkNum); err != ErrStillInComtrees {
		t.Fatalf("expected ErrStillInComtrees, got %v", err)
	}

	tbl.RemoveComtreeMembership(l.LinkNum, 100)
	if err := tbl.RemoveLink(l.LinkNum); err != nil {
		t.Fatalf("RemoveLink after membership cleared: %v", err)
	}
	if tbl.Get(l.LinkNum) != nil {
		t.Fatalf("link should be gone")
	}
}
