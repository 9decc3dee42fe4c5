package runtime

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/jturner53/forest-router/internal/packet"
)

// maxSubUnsubCount caps the combined add+drop count in a SUB_UNSUB
// payload (§4.5).
const maxSubUnsubCount = 350

// forwardSendLoop implements RouterOutProc (§4.5): drain one packet from
// the transfer queue, forward it, then drain everything the scheduler
// says is ready to send. Sleeps 1ms only when a full iteration did
// nothing, matching the spec's work-conserving, low-latency loop shape.
func (r *Router) forwardSendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		didWork := false

		select {
		case px := <-r.transferQ:
			r.forwardOne(px)
			didWork = true
		default:
		}

		if r.drainScheduled() {
			didWork = true
		}

		if !didWork {
			time.Sleep(time.Millisecond)
		}
	}
}

// drainScheduled pops every packet the scheduler says is eligible to
// send right now and writes it to its link's socket, tolerating EAGAIN
// up to 10 retries (§4.5 step 2).
func (r *Router) drainScheduled() bool {
	now := r.cfg.Now()
	any := false
	for {
		px, lnk := r.cfg.Sched.Deq(now)
		if px == 0 {
			return any
		}
		any = true
		r.send(lnk, px)
	}
}

func (r *Router) send(lnkNum int, px packet.Index) {
	defer r.cfg.Store.Free(px)
	lnk := r.cfg.Linktbl.Get(lnkNum)
	if lnk == nil {
		return
	}
	conn := r.cfg.Iftbl.Conn(lnk.Iface)
	if conn == nil {
		return
	}
	raw := r.cfg.Store.Raw(px)
	dst := &net.UDPAddr{IP: lnk.PeerIP, Port: int(lnk.PeerPort)}
	for attempt := 0; attempt < 10; attempt++ {
		_, err := conn.WriteToUDP(raw, dst)
		if err == nil {
			r.addOut(lnkNum)
			return
		}
	}
}

// forwardOne implements §4.5 step 1: route or flood a packet arriving
// from RouterInProc with no outLink already set, or send it directly to
// an explicit outLink.
func (r *Router) forwardOne(px packet.Index) {
	aux := r.cfg.Store.Aux(px)
	if aux.OutLink != 0 {
		r.enqueueOnLink(px, aux.OutLink)
		return
	}
	h := r.cfg.Store.Header(px)
	if h.Type == packet.SubUnsub {
		r.handleSubUnsub(px, h)
		return
	}

	if h.DstAdr.IsMulticast() {
		r.forwardMulticast(px, h)
		return
	}
	r.forwardUnicast(px, h)
}

func (r *Router) enqueueOnLink(px packet.Index, lnk int) {
	ls := r.cfg.Comtree.Get(r.cfg.Store.Header(px).Comtree)
	qid := 0
	if ls != nil {
		if st, ok := ls.Links()[lnk]; ok {
			qid = st.QueueID
		}
	}
	if qid == 0 {
		r.cfg.Store.Free(px)
		return
	}
	r.cfg.Sched.Enq(px, qid, r.cfg.Now())
}

func (r *Router) forwardUnicast(px packet.Index, h packet.Header) {
	aux := r.cfg.Store.Aux(px)
	rt := r.cfg.Route.Lookup(h.Comtree, h.DstAdr)
	if rt != nil {
		lnk, ok := rt.SoleLink()
		if ok {
			if lnk == aux.InLink {
				r.cfg.Store.Free(px)
				return
			}
			if h.HasFlag(packet.FlagRteReq) {
				r.sendRouteReply(px, h)
				h.ClearFlag(packet.FlagRteReq)
				r.cfg.Store.SetHeader(px, h)
			}
			r.enqueueOnLink(px, lnk)
			return
		}
	}

	if r.isLocalLeaf(h.DstAdr) {
		r.replyUnknownDest(px, h)
		return
	}

	h.SetFlag(packet.FlagRteReq)
	r.cfg.Store.SetHeader(px, h)
	r.floodTowardZip(px, h)
}

// floodTowardZip implements the zip-constrained flooding rule of §4.5:
// multicast to router neighbours in the comtree except those sharing
// our own zip when the destination's zip equals ours.
func (r *Router) floodTowardZip(px packet.Index, h packet.Header) {
	e := r.cfg.Comtree.Get(h.Comtree)
	if e == nil {
		r.cfg.Store.Free(px)
		return
	}
	aux := r.cfg.Store.Aux(px)
	ownZip := r.cfg.MyAdr.Zip()
	sameZipAsDest := h.DstAdr.Zip() == ownZip

	sent := false
	for _, lnk := range e.RtrLinks() {
		if lnk == aux.InLink {
			continue
		}
		if sameZipAsDest {
			l := r.cfg.Linktbl.Get(lnk)
			if l == nil || l.PeerAdr.Zip() != ownZip {
				continue
			}
		}
		r.sendClone(px, lnk, &sent)
	}
	_ = sent
	r.cfg.Store.Free(px)
}

// forwardMulticast implements §4.5's multicast fan-out: one copy to
// every core neighbour except the inbound link and the parent, one copy
// to the parent if present, and one copy to every subscribed downstream
// link.
func (r *Router) forwardMulticast(px packet.Index, h packet.Header) {
	e := r.cfg.Comtree.Get(h.Comtree)
	if e == nil {
		r.cfg.Store.Free(px)
		return
	}
	aux := r.cfg.Store.Aux(px)
	sent := false

	for _, lnk := range e.CoreLinks() {
		if lnk == aux.InLink || lnk == e.ParentLink {
			continue
		}
		r.sendClone(px, lnk, &sent)
	}
	if e.ParentLink != 0 && e.ParentLink != aux.InLink {
		r.sendClone(px, e.ParentLink, &sent)
	}
	if rt := r.cfg.Route.Lookup(h.Comtree, h.DstAdr); rt != nil {
		for _, lnk := range rt.Links() {
			if lnk == aux.InLink {
				continue
			}
			r.sendClone(px, lnk, &sent)
		}
	}
	_ = sent
	r.cfg.Store.Free(px)
}

// sendClone clones px onto lnk's comtree queue, sharing the underlying
// buffer via the packet store's refcount (§4.1/§4.5). Clone already
// copies px's descriptor (header and aux fields) verbatim; only OutLink
// needs to change to route the copy to lnk.
func (r *Router) sendClone(px packet.Index, lnk int, sent *bool) {
	cx, err := r.cfg.Store.Clone(px)
	if err != nil {
		return
	}
	r.cfg.Store.Aux(cx).OutLink = lnk
	r.enqueueOnLink(cx, lnk)
	*sent = true
}

// isLocalLeaf reports whether dst falls within this router's configured
// leaf address range (RouterOutProc.cpp: firstLeafAdr <= dstAdr <=
// lastLeafAdr), not merely whether it shares our zip. A remote-mode
// router has no leaf range configured, so it never claims a destination
// as local and always falls through to flooding.
func (r *Router) isLocalLeaf(dst packet.FAdr) bool {
	if r.cfg.LeafPool == nil {
		return false
	}
	return r.cfg.LeafPool.InRange(dst)
}

func (r *Router) replyUnknownDest(px packet.Index, h packet.Header) {
	aux := r.cfg.Store.Aux(px)
	reply, err := r.cfg.Store.Alloc()
	if err != nil {
		r.cfg.Store.Free(px)
		return
	}
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(h.DstAdr))
	rh := packet.Header{Type: packet.UnknownDest, Comtree: h.Comtree, SrcAdr: r.cfg.MyAdr, DstAdr: h.SrcAdr}
	r.cfg.Store.WriteHeader(reply, rh, payload)
	r.cfg.Store.Aux(reply).OutLink = aux.InLink
	r.cfg.Store.Free(px)
	r.forwardOne(reply)
}

func (r *Router) sendRouteReply(px packet.Index, h packet.Header) {
	aux := r.cfg.Store.Aux(px)
	reply, err := r.cfg.Store.Alloc()
	if err != nil {
		return
	}
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(h.DstAdr))
	rh := packet.Header{Type: packet.RteReply, Comtree: h.Comtree, SrcAdr: r.cfg.MyAdr, DstAdr: h.SrcAdr}
	r.cfg.Store.WriteHeader(reply, rh, payload)
	r.cfg.Store.Aux(reply).OutLink = aux.InLink
	r.forwardOne(reply)
}

// handleSubUnsub implements §4.5's SUB_UNSUB protocol.
func (r *Router) handleSubUnsub(px packet.Index, h packet.Header) {
	aux := r.cfg.Store.Aux(px)
	inLnk := aux.InLink
	payload := r.cfg.Store.Payload(px)

	e := r.cfg.Comtree.Get(h.Comtree)
	suppress := e != nil && (inLnk == e.ParentLink || e.IsCoreLink(inLnk))

	adds, drops, ok := decodeSubUnsub(payload)
	if !ok || len(adds)+len(drops) > maxSubUnsubCount {
		r.cfg.Store.Free(px)
		return
	}

	var propagateAdds, propagateDrops []packet.FAdr
	for _, a := range adds {
		created, _, err := r.cfg.Route.Subscribe(h.Comtree, a, inLnk)
		if err == nil && created && !suppress {
			propagateAdds = append(propagateAdds, a)
		}
	}
	for _, a := range drops {
		_, emptied := r.cfg.Route.Unsubscribe(h.Comtree, a, inLnk)
		if emptied && !suppress {
			propagateDrops = append(propagateDrops, a)
		}
	}

	r.ackSubUnsub(px, h, inLnk)

	if len(propagateAdds) > 0 || len(propagateDrops) > 0 {
		if e != nil && !e.InCore && e.ParentLink != 0 {
			r.propagateSubUnsub(h.Comtree, e.ParentLink, propagateAdds, propagateDrops)
		}
	}
	r.cfg.Store.Free(px)
}

func (r *Router) ackSubUnsub(px packet.Index, h packet.Header, inLnk int) {
	ack, err := r.cfg.Store.Alloc()
	if err != nil {
		return
	}
	ah := h
	ah.SrcAdr, ah.DstAdr = h.DstAdr, h.SrcAdr
	ah.SetFlag(packet.FlagAck)
	r.cfg.Store.WriteHeader(ack, ah, r.cfg.Store.Payload(px))
	r.cfg.Store.Aux(ack).OutLink = inLnk
	r.forwardOne(ack)
}

// propagateSubUnsub rewrites and forwards a SUB_UNSUB payload containing
// only the addresses actually newly added or fully removed, stamping a
// fresh sequence number and sending it upward through the Repeater
// (§4.5's propagation rule). The Repeater's copy keeps the packet alive
// for retransmission; a clone is what actually gets scheduled and sent.
func (r *Router) propagateSubUnsub(comt uint32, parentLnk int, adds, drops []packet.FAdr) {
	seqNum := r.cfg.Now()
	payload := encodeSubUnsub(seqNum, adds, drops)
	h := packet.Header{Type: packet.SubUnsub, Comtree: comt, SrcAdr: r.cfg.MyAdr}

	px, err := r.cfg.Store.Alloc()
	if err != nil {
		return
	}
	if err := r.cfg.Store.WriteHeader(px, h, payload); err != nil {
		r.cfg.Store.Free(px)
		return
	}
	r.cfg.Repeater.SaveReq(px, seqNum, r.cfg.Now())

	cx, err := r.cfg.Store.Clone(px)
	if err != nil {
		return
	}
	r.cfg.Store.Aux(cx).OutLink = parentLnk
	r.forwardOne(cx)
}

func decodeSubUnsub(payload []byte) (adds, drops []packet.FAdr, ok bool) {
	if len(payload) < 8 {
		return nil, nil, false
	}
	pos := 8 // skip sender sequence number (two words, §4.5)
	if pos > len(payload) {
		return nil, nil, false
	}
	readList := func() ([]packet.FAdr, bool) {
		if pos+4 > len(payload) {
			return nil, false
		}
		count := binary.BigEndian.Uint32(payload[pos : pos+4])
		pos += 4
		if int(count) > maxSubUnsubCount || pos+int(count)*4 > len(payload) {
			return nil, false
		}
		out := make([]packet.FAdr, count)
		for i := range out {
			out[i] = packet.FAdr(binary.BigEndian.Uint32(payload[pos : pos+4]))
			pos += 4
		}
		return out, true
	}
	var good bool
	if adds, good = readList(); !good {
		return nil, nil, false
	}
	if drops, good = readList(); !good {
		return nil, nil, false
	}
	return adds, drops, true
}

func encodeSubUnsub(seqNum uint64, adds, drops []packet.FAdr) []byte {
	out := make([]byte, 8+4+len(adds)*4+4+len(drops)*4)
	binary.BigEndian.PutUint64(out[0:8], seqNum)
	pos := 8
	binary.BigEndian.PutUint32(out[pos:], uint32(len(adds)))
	pos += 4
	for _, a := range adds {
		binary.BigEndian.PutUint32(out[pos:], uint32(a))
		pos += 4
	}
	binary.BigEndian.PutUint32(out[pos:], uint32(len(drops)))
	pos += 4
	for _, a := range drops {
		binary.BigEndian.PutUint32(out[pos:], uint32(a))
		pos += 4
	}
	return out
}

