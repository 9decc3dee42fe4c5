package sched

import (
	"testing"

	"github.com/jturner53/forest-router/internal/packet"
)

func allocPacket(t *testing.T, store *packet.Store, payload string) packet.Index {
	t.Helper()
	px, err := store.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	h := packet.Header{Type: packet.ClientData, Comtree: 1, SrcAdr: 1, DstAdr: 2}
	if err := store.WriteHeader(px, h, []byte(payload)); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	return px
}

func TestEnqDeqFIFOSingleQueue(t *testing.T) {
	store := packet.NewStore(16, 16)
	m := New(store)
	qid := m.AllocQ(1)
	m.SetQLimits(qid, 10, 10000)

	p1 := allocPacket(t, store, "first")
	p2 := allocPacket(t, store, "second")
	m.Enq(p1, qid, 1000)
	m.Enq(p2, qid, 1000)

	got1, lnk := m.Deq(1_000_000_000)
	if got1 != p1 || lnk != 1 {
		t.Fatalf("expected p1 first, got px=%v lnk=%v", got1, lnk)
	}
	got2, _ := m.Deq(1_000_000_000)
	if got2 != p2 {
		t.Fatalf("expected p2 second, got %v", got2)
	}
}

func TestDeqReturnsZeroWhenNotEligible(t *testing.T) {
	store := packet.NewStore(16, 16)
	m := New(store)
	qid := m.AllocQ(1)
	m.SetQLimits(qid, 10, 10000)
	m.SetQRates(qid, RateSpec{BitRate: 1000, PktRate: 1}) // minDelta = 1s

	p1 := allocPacket(t, store, "x")
	m.Enq(p1, qid, 0)

	if px, _ := m.Deq(0); px != 0 {
		t.Fatalf("expected nothing eligible at t=0 with 1s minDelta, got %v", px)
	}
	px, lnk := m.Deq(2_000_000_000)
	if px != p1 || lnk != 1 {
		t.Fatalf("expected p1 eligible by t=2s, got px=%v lnk=%v", px, lnk)
	}
}

func TestEnqRejectsOverLimit(t *testing.T) {
	store := packet.NewStore(16, 16)
	m := New(store)
	qid := m.AllocQ(1)
	m.SetQLimits(qid, 1, 10000)

	p1 := allocPacket(t, store, "a")
	p2 := allocPacket(t, store, "b")
	m.Enq(p1, qid, 0)
	m.Enq(p2, qid, 0) // should be dropped (freed) — pktLim=1

	if d := m.Discards(qid); d != 1 {
		t.Fatalf("expected 1 discard, got %d", d)
	}
	pktCount, _ := m.Stats(qid)
	if pktCount != 1 {
		t.Fatalf("expected 1 packet remaining in queue, got %d", pktCount)
	}
}

func TestQueueIDTieBreak(t *testing.T) {
	store := packet.NewStore(16, 16)
	m := New(store)
	qA := m.AllocQ(1)
	qB := m.AllocQ(1)
	m.SetQLimits(qA, 10, 10000)
	m.SetQLimits(qB, 10, 10000)

	// Both enqueued at the same virtual time so their eligible times tie;
	// the lower queue id must come out first.
	pB := allocPacket(t, store, "b")
	pA := allocPacket(t, store, "a")
	m.Enq(pB, qB, 0)
	m.Enq(pA, qA, 0)

	first, _ := m.Deq(1_000_000_000)
	if first != pA {
		t.Fatalf("expected lower queue id (qA) to win the tie, got px=%v", first)
	}
}
