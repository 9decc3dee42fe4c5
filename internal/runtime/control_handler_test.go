package runtime

import (
	"context"
	"encoding/binary"
	"net"
	"testing"

	"github.com/jturner53/forest-router/internal/comtree"
	"github.com/jturner53/forest-router/internal/control"
	"github.com/jturner53/forest-router/internal/iftbl"
	"github.com/jturner53/forest-router/internal/linktbl"
	"github.com/jturner53/forest-router/internal/packet"
	"github.com/jturner53/forest-router/internal/route"
	"github.com/jturner53/forest-router/internal/sched"
)

func newHandlerTables(t *testing.T) HandlerTables {
	t.Helper()
	store := packet.NewStore(64, 64)
	lt := linktbl.New()
	qm := sched.New(store)
	ct := comtree.New(lt, qm)
	rt := route.New(ct)
	return HandlerTables{
		MyAdr:   packet.NewFAdr(1, 1),
		Store:   store,
		Iftbl:   iftbl.New(),
		Linktbl: lt,
		Comtree: ct,
		Route:   rt,
	}
}

func addLinkArgs(linkNum, iface int, peerType linktbl.PeerType, peerAdr packet.FAdr, nonce uint64) []byte {
	args := make([]byte, 40)
	binary.BigEndian.PutUint32(args[0:4], uint32(linkNum))
	binary.BigEndian.PutUint32(args[4:8], uint32(iface))
	copy(args[8:12], net.IPv4(10, 0, 0, 5).To4())
	binary.BigEndian.PutUint32(args[12:16], 30000)
	binary.BigEndian.PutUint32(args[16:20], uint32(peerType))
	binary.BigEndian.PutUint32(args[20:24], uint32(peerAdr))
	binary.BigEndian.PutUint32(args[24:28], 1_000_000)
	binary.BigEndian.PutUint32(args[28:32], 1000)
	binary.BigEndian.PutUint64(args[32:40], nonce)
	return args
}

func requestPacket(t *testing.T, store *packet.Store, opType uint32, seqNum uint64, args []byte) packet.Index {
	t.Helper()
	px, err := store.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	body := encodeControlEnvelope(opType, modeRequest, seqNum, args)
	h := packet.Header{Type: packet.NetSig, Comtree: 0, SrcAdr: packet.NewFAdr(2, 1), DstAdr: packet.NewFAdr(1, 1)}
	if err := store.WriteHeader(px, h, body); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	return px
}

func TestControlHandlerAddLinkThenAddComtreeThenJoin(t *testing.T) {
	ht := newHandlerTables(t)
	handler := NewControlHandler(ht)
	w := &control.Worker{}

	px := requestPacket(t, ht.Store, OpAddLink, 1, addLinkArgs(7, 1, linktbl.PeerRouter, packet.NewFAdr(2, 1), 0xdead))
	rx := handler(context.Background(), w, control.Request{Px: px})
	if rx == 0 {
		t.Fatal("expected a reply packet")
	}
	if _, _, ok := decodeControlEnvelope(ht.Store.Payload(rx)); !ok {
		t.Fatal("reply envelope did not decode")
	}
	replyHdr := ht.Store.Header(rx)
	if replyHdr.SrcAdr != ht.MyAdr {
		t.Fatalf("reply SrcAdr = %v, want %v", replyHdr.SrcAdr, ht.MyAdr)
	}
	if ht.Linktbl.Get(7) == nil {
		t.Fatal("expected link 7 to be registered")
	}
	ht.Store.Free(rx)

	comtArgs := make([]byte, 4)
	binary.BigEndian.PutUint32(comtArgs, 100)
	px2 := requestPacket(t, ht.Store, OpAddComtree, 2, comtArgs)
	rx2 := handler(context.Background(), w, control.Request{Px: px2})
	if rx2 == 0 {
		t.Fatal("expected a reply packet for AddComtree")
	}
	if !ht.Comtree.Valid(100) {
		t.Fatal("expected comtree 100 to be valid")
	}
	ht.Store.Free(rx2)

	joinArgs := make([]byte, 16)
	binary.BigEndian.PutUint32(joinArgs[0:4], 100)
	binary.BigEndian.PutUint32(joinArgs[4:8], 7)
	binary.BigEndian.PutUint32(joinArgs[8:12], 1) // rflag
	binary.BigEndian.PutUint32(joinArgs[12:16], 0) // cflag
	px3 := requestPacket(t, ht.Store, OpJoinComtree, 3, joinArgs)
	rx3 := handler(context.Background(), w, control.Request{Px: px3})
	if rx3 == 0 {
		t.Fatal("expected a reply packet for JoinComtree")
	}
	e := ht.Comtree.Get(100)
	if e == nil || !e.IsRtrLink(7) {
		t.Fatal("expected link 7 to be a router link of comtree 100")
	}
	ht.Store.Free(rx3)
}

func TestControlHandlerUnknownOpReturnsNegReply(t *testing.T) {
	ht := newHandlerTables(t)
	handler := NewControlHandler(ht)
	w := &control.Worker{}

	px := requestPacket(t, ht.Store, 9999, 1, nil)
	rx := handler(context.Background(), w, control.Request{Px: px})
	if rx == 0 {
		t.Fatal("expected a reply packet even on failure")
	}
	_, mode, ok := decodeControlEnvelope(ht.Store.Payload(rx))
	if !ok || mode != modeNegReply {
		t.Fatalf("expected NEG_REPLY, got mode=%v ok=%v", mode, ok)
	}
	ht.Store.Free(rx)
}
