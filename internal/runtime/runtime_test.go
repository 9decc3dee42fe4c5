package runtime

import (
	"net"
	"testing"
	"time"

	"github.com/jturner53/forest-router/internal/comtree"
	"github.com/jturner53/forest-router/internal/iftbl"
	"github.com/jturner53/forest-router/internal/linktbl"
	"github.com/jturner53/forest-router/internal/packet"
	"github.com/jturner53/forest-router/internal/reliable"
	"github.com/jturner53/forest-router/internal/route"
	"github.com/jturner53/forest-router/internal/sched"
)

// testRig wires up one Router with two interfaces/links in a comtree,
// enough to exercise the forwarder without a control pool or boot
// sequence.
type testRig struct {
	r   *Router
	ift *iftbl.Table
	lt  *linktbl.Table
	ct  *comtree.Table
	rt  *route.Table
	qm  *sched.Manager
	st  *packet.Store

	l1, l2 int
	conn2  *net.UDPConn // the "peer" socket for link 2, to observe sends

	clock uint64
}

// advanceAndDrain moves the rig's injected clock forward, past any queue's
// minimum eligible-send spacing, then drains.
func (rg *testRig) advanceAndDrain() bool {
	rg.clock += 10_000_000 // 10ms, well past QuManager's default minDelta
	return rg.r.drainScheduled()
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	ift := iftbl.New()
	lt := linktbl.New()
	st := packet.NewStore(64, 64)
	qm := sched.New(st)
	ct := comtree.New(lt, qm)
	rt := route.New(ct)

	rates := iftbl.RateSpec{BitRate: 1_000_000, PktRate: 1000}
	if1, err := ift.AddEntry(1, net.ParseIP("127.0.0.1"), 0, rates)
	if err != nil {
		t.Fatalf("AddEntry if1: %v", err)
	}

	conn2, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen conn2: %v", err)
	}
	peer2 := conn2.LocalAddr().(*net.UDPAddr)

	ct.AddEntry(100)
	l1, err := lt.AddLink(0, if1.IfNum, net.ParseIP("10.0.0.1"), 6001, linktbl.PeerClient, packet.NewFAdr(7, 1), rates, 0)
	if err != nil {
		t.Fatalf("AddLink l1: %v", err)
	}
	l2, err := lt.AddLink(0, if1.IfNum, net.ParseIP(peer2.IP.String()), uint16(peer2.Port), linktbl.PeerRouter, packet.NewFAdr(9, 1), rates, 0)
	if err != nil {
		t.Fatalf("AddLink l2: %v", err)
	}
	if err := ct.AddLink(100, l2.LinkNum, true, false); err != nil {
		t.Fatalf("AddLink comtree: %v", err)
	}
	if err := ct.AddLink(100, l1.LinkNum, false, false); err != nil {
		t.Fatalf("AddLink comtree l1: %v", err)
	}

	rig := &testRig{ift: ift, lt: lt, ct: ct, rt: rt, qm: qm, st: st, l1: l1.LinkNum, l2: l2.LinkNum, conn2: conn2}
	rig.r = New(Config{
		MyAdr:      packet.NewFAdr(7, 0),
		Iftbl:      ift,
		Linktbl:    lt,
		Comtree:    ct,
		Route:      rt,
		LeafPool:   route.NewLeafPool(packet.NewFAdr(7, 50), packet.NewFAdr(7, 200)),
		Sched:      qm,
		Store:      st,
		Repeater:   reliable.NewRepeater(),
		RepHandler: reliable.NewRepeatHandler(16),
		Now:        func() uint64 { return rig.clock },
	})
	return rig
}

func (rg *testRig) allocClientData(t *testing.T, comt uint32, src, dst packet.FAdr, payload string) packet.Index {
	t.Helper()
	px, err := rg.st.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	h := packet.Header{Type: packet.ClientData, Comtree: comt, SrcAdr: src, DstAdr: dst}
	if err := rg.st.WriteHeader(px, h, []byte(payload)); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	return px
}

func TestForwardUnicastWithRoute(t *testing.T) {
	rg := newRig(t)
	dst := packet.NewFAdr(9, 5)
	if err := rg.rt.AddUnicast(100, dst, rg.l2); err != nil {
		t.Fatalf("AddUnicast: %v", err)
	}

	px := rg.allocClientData(t, 100, packet.NewFAdr(7, 1), dst, "hello")
	rg.st.Aux(px).InLink = rg.l1
	rg.r.forwardOne(px)

	if !rg.advanceAndDrain() {
		t.Fatalf("expected a scheduled packet to drain")
	}

	rg.conn2.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, packet.MaxBufferLen)
	n, err := rg.conn2.Read(buf)
	if err != nil {
		t.Fatalf("expected to receive forwarded packet: %v", err)
	}
	h, payload, err := packet.ReadFrom(buf[:n], true)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if h.DstAdr != dst || string(payload) != "hello" {
		t.Fatalf("unexpected forwarded packet: %+v payload=%q", h, payload)
	}
}

func TestForwardUnicastNoRouteLocalLeafRepliesUnknownDest(t *testing.T) {
	rg := newRig(t)
	localLeaf := packet.NewFAdr(7, 99) // same zip as MyAdr (7)

	px := rg.allocClientData(t, 100, packet.NewFAdr(7, 1), localLeaf, "x")
	rg.st.Aux(px).InLink = rg.l1
	rg.r.forwardOne(px)

	if !rg.advanceAndDrain() {
		t.Fatalf("expected the UNKNOWN_DEST reply to be scheduled")
	}
}

func TestForwardUnicastNoRouteElsewhereFloods(t *testing.T) {
	rg := newRig(t)
	elsewhere := packet.NewFAdr(42, 1)

	px := rg.allocClientData(t, 100, packet.NewFAdr(7, 1), elsewhere, "x")
	rg.st.Aux(px).InLink = rg.l1
	rg.r.forwardOne(px)

	if !rg.advanceAndDrain() {
		t.Fatalf("expected a flooded copy toward the only router-peer link")
	}
}

func TestSubUnsubCreateRouteAndAck(t *testing.T) {
	rg := newRig(t)
	mcast := packet.NewFAdr(0x8001, 1)
	payload := encodeSubUnsub(1, []packet.FAdr{mcast}, nil)

	px, err := rg.st.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	h := packet.Header{Type: packet.SubUnsub, Comtree: 100, SrcAdr: packet.NewFAdr(7, 1)}
	if err := rg.st.WriteHeader(px, h, payload); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	rg.st.Aux(px).InLink = rg.l1

	rg.r.forwardOne(px)

	e := rg.rt.Lookup(100, mcast)
	if e == nil {
		t.Fatalf("expected route created by SUB_UNSUB add")
	}
	if !rg.advanceAndDrain() {
		t.Fatalf("expected an ACK scheduled back to the sender")
	}
}
