// Package runtime implements RouterInProc (C9, receive+dispatch) and
// RouterOutProc (C10, forward+schedule+send), spec.md §4.4/§4.5.
//
// Grounded on the teacher's device/router/router.go: a Config struct,
// a New constructor defaulting unset fields, and a ticker-driven drain
// loop supervised by context cancellation. golang.org/x/sync/errgroup
// (promoted from the teacher's indirect dependency) replaces the
// teacher's single drainDone channel, since Router here supervises
// several goroutines (one receiver per interface, one forwarder/sender,
// one control-reply drain, one stats/expiry ticker) that must all exit
// cleanly together.
package runtime

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jturner53/forest-router/internal/comtree"
	"github.com/jturner53/forest-router/internal/control"
	"github.com/jturner53/forest-router/internal/iftbl"
	"github.com/jturner53/forest-router/internal/linktbl"
	"github.com/jturner53/forest-router/internal/packet"
	"github.com/jturner53/forest-router/internal/reliable"
	"github.com/jturner53/forest-router/internal/route"
	"github.com/jturner53/forest-router/internal/sched"
)

// Config configures a Router.
type Config struct {
	MyAdr packet.FAdr

	Iftbl     *iftbl.Table
	Linktbl   *linktbl.Table
	Comtree   *comtree.Table
	Route     *route.Table
	LeafPool  *route.LeafPool // local leaf address range, local mode only (nil in remote mode)
	Sched     *sched.Manager
	Store     *packet.Store
	Repeater  *reliable.Repeater
	RepHandler *reliable.RepeatHandler
	Control   *control.Pool

	// SignalComtrees are well-known comtrees that control packets may
	// arrive on even when not the link's configured comtree (§4.4 step 3).
	SignalComtrees map[uint32]struct{}

	// TransferQueueDepth bounds RouterInProc -> RouterOutProc handoff.
	TransferQueueDepth int

	StatsInterval time.Duration // default 300ms, per §4.4
	Logger        *slog.Logger

	// Now is injectable for tests; defaults to a monotonic nanosecond
	// clock derived from time.Now().
	Now func() uint64
}

// Router owns the receive/dispatch and forward/schedule/send loops.
type Router struct {
	cfg Config
	log *slog.Logger

	transferQ chan packet.Index

	// countsMu guards discards/inCounts/outCounts, which are written from
	// every per-interface receiveLoop goroutine plus the single
	// forwardSendLoop goroutine, and read by telemetry.
	countsMu  sync.Mutex
	discards  uint64
	inCounts  map[int]uint64
	outCounts map[int]uint64
}

func defaultNow() uint64 { return uint64(time.Now().UnixNano()) }

func New(cfg Config) *Router {
	if cfg.TransferQueueDepth <= 0 {
		cfg.TransferQueueDepth = 1024
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 300 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = defaultNow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:       cfg,
		log:       logger.WithGroup("runtime"),
		transferQ: make(chan packet.Index, cfg.TransferQueueDepth),
		inCounts:  make(map[int]uint64),
		outCounts: make(map[int]uint64),
	}
}

// Run starts one receiver goroutine per configured interface, the
// forwarder/sender loop, and the 300ms stats/expiry ticker, and blocks
// until ctx is cancelled or a goroutine returns an error.
func (r *Router) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, ifc := range r.cfg.Iftbl.All() {
		ifc := ifc
		g.Go(func() error {
			r.receiveLoop(ctx, ifc)
			return nil
		})
	}
	g.Go(func() error {
		r.forwardSendLoop(ctx)
		return nil
	})
	g.Go(func() error {
		r.controlRepliesLoop(ctx)
		return nil
	})
	g.Go(func() error {
		r.statsLoop(ctx)
		return nil
	})

	return g.Wait()
}

// receiveLoop implements RouterInProc for one interface's UDP socket
// (§4.4). Go's blocking per-socket read, one goroutine per interface,
// is the idiomatic equivalent of the spec's single-thread multiplexed
// non-blocking read: every interface is serviced independently and
// concurrently instead of being polled from one select loop.
func (r *Router) receiveLoop(ctx context.Context, ifc *iftbl.Entry) {
	conn := r.cfg.Iftbl.Conn(ifc.IfNum)
	if conn == nil {
		return
	}
	buf := make([]byte, packet.MaxBufferLen)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}
		r.handleDatagram(ifc, addr, buf[:n])
	}
}

func (r *Router) handleDatagram(ifc *iftbl.Entry, addr *net.UDPAddr, raw []byte) {
	px, err := r.cfg.Store.Alloc()
	if err != nil {
		r.addDiscard()
		return
	}
	if err := r.cfg.Store.ParseInto(px, raw, true); err != nil {
		r.cfg.Store.Free(px)
		r.addDiscard()
		return
	}
	h := r.cfg.Store.Header(px)

	lnk := r.cfg.Linktbl.LookupByPeer(addr.IP, uint16(addr.Port))
	if lnk == nil && h.Type == packet.Connect {
		payload := r.cfg.Store.Payload(px)
		if len(payload) >= 8 {
			nonce := uint64(payload[0])<<56 | uint64(payload[1])<<48 | uint64(payload[2])<<40 | uint64(payload[3])<<32 |
				uint64(payload[4])<<24 | uint64(payload[5])<<16 | uint64(payload[6])<<8 | uint64(payload[7])
			lnk = r.cfg.Linktbl.LookupByNonce(nonce)
		}
	}
	if lnk == nil {
		r.cfg.Store.Free(px)
		r.addDiscard()
		return
	}

	if !r.passesTrustFilter(lnk, h) {
		r.cfg.Store.Free(px)
		r.addDiscard()
		return
	}

	aux := r.cfg.Store.Aux(px)
	aux.InLink = lnk.LinkNum
	r.addIn(lnk.LinkNum)

	r.dispatch(lnk, px, h)
}

// passesTrustFilter implements §4.4 step 3.
func (r *Router) passesTrustFilter(lnk *linktbl.Link, h packet.Header) bool {
	if lnk.PeerType != linktbl.PeerClient {
		return true
	}
	switch h.Type {
	case packet.ClientData, packet.Connect, packet.Disconnect, packet.SubUnsub, packet.ClientSig:
	default:
		return false
	}
	if h.SrcAdr != lnk.PeerAdr {
		return false
	}
	if _, signal := r.cfg.SignalComtrees[h.Comtree]; signal {
		return true
	}
	for _, c := range lnk.Comtrees() {
		if c == h.Comtree {
			return true
		}
	}
	return false
}

// dispatch implements §4.4 step 4.
func (r *Router) dispatch(lnk *linktbl.Link, px packet.Index, h packet.Header) {
	switch h.Type {
	case packet.NetSig, packet.ClientSig:
		if h.DstAdr == r.cfg.MyAdr {
			seqNum, mode, ok := decodeControlEnvelope(r.cfg.Store.Payload(px))
			if !ok {
				r.cfg.Store.Free(px)
				r.addDiscard()
				return
			}
			if mode == modeRequest {
				r.dispatchControlRequest(lnk, px, h)
				return
			}
			// A reply (or NO_REPLY, once giveUp synthesizes one) to a
			// control packet this router originated.
			if origPx, found := r.cfg.Repeater.DeleteMatch(seqNum); found {
				r.cfg.Store.Free(origPx)
			}
			if !r.cfg.Control.DeliverReply(seqNum, px) {
				r.cfg.Store.Free(px)
			}
			return
		}
	case packet.Connect, packet.Disconnect, packet.SubUnsub, packet.RteReply:
		r.enqueueForward(px)
		return
	}
	r.enqueueForward(px)
}

// dispatchControlRequest implements §4.6/scenario S5's duplicate
// suppression: a retransmitted request with a cached reply is answered
// from cache immediately, one still in flight is dropped silently, and
// only a genuinely new request reaches the worker pool.
func (r *Router) dispatchControlRequest(lnk *linktbl.Link, px packet.Index, h packet.Header) {
	seqNum, _, ok := decodeControlEnvelope(r.cfg.Store.Payload(px))
	if !ok {
		r.cfg.Store.Free(px)
		r.addDiscard()
		return
	}

	if cached, replied, found := r.cfg.RepHandler.Find(h.SrcAdr, seqNum); found {
		if replied {
			r.resendCachedReply(cached)
		}
		r.cfg.Store.Free(px)
		return
	}
	r.cfg.RepHandler.SaveReq(px, h.SrcAdr, seqNum, r.cfg.Now())

	isCtl := false
	if _, ok := r.cfg.SignalComtrees[h.Comtree]; ok {
		isCtl = true
	}
	req := control.Request{Px: px, Comtree: h.Comtree, IsCtlComt: isCtl}
	if err := r.cfg.Control.Dispatch(req); err != nil {
		r.cfg.Store.Free(px)
		r.addDiscard()
	}
}

func (r *Router) resendCachedReply(cached packet.Index) {
	cx, err := r.cfg.Store.Clone(cached)
	if err != nil {
		return
	}
	r.enqueueForward(cx)
}

// controlRepliesLoop drains the RouterControl worker pool's outgoing
// queue (§4.7): every POS_REPLY/NEG_REPLY a worker produces, and every
// request a worker self-originates via Pool.Originate, passes through
// here on its way to the wire.
func (r *Router) controlRepliesLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rep, ok := <-r.cfg.Control.Replies():
			if !ok {
				return
			}
			r.handleControlReply(rep)
		}
	}
}

func (r *Router) handleControlReply(rep control.Reply) {
	if rep.Release || rep.Px == 0 {
		return
	}
	if rep.Originated {
		r.registerOriginated(rep.Px)
		return
	}
	payload := r.cfg.Store.Payload(rep.Px)
	if seqNum, mode, ok := decodeControlEnvelope(payload); ok && mode != modeRequest {
		h := r.cfg.Store.Header(rep.Px)
		if cached, err := r.cfg.Store.Clone(rep.Px); err == nil {
			r.cfg.RepHandler.SaveRep(cached, h.DstAdr, seqNum)
		}
	}
	r.enqueueForward(rep.Px)
}

// registerOriginated implements the BUSY -> WAITING_REPLY transition of
// §4.7/§4.4 step 3 for a handler's self-issued outgoing request: the
// original copy is handed to the Repeater for retransmission bookkeeping,
// and a clone actually goes out on the wire.
func (r *Router) registerOriginated(px packet.Index) {
	seqNum, mode, ok := decodeControlEnvelope(r.cfg.Store.Payload(px))
	if !ok || mode != modeRequest {
		r.enqueueForward(px)
		return
	}
	r.cfg.Repeater.SaveReq(px, seqNum, r.cfg.Now())
	cx, err := r.cfg.Store.Clone(px)
	if err != nil {
		return
	}
	r.enqueueForward(cx)
}

func (r *Router) enqueueForward(px packet.Index) {
	select {
	case r.transferQ <- px:
	default:
		r.cfg.Store.Free(px)
		r.addDiscard()
	}
}

// statsLoop scans the Repeater/RepeatHandler for expired entries every
// StatsInterval (default 300ms, §4.4).
func (r *Router) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := r.cfg.Now()
			for {
				px, giveUp, ok := r.cfg.Repeater.Overdue(now)
				if !ok {
					break
				}
				if giveUp {
					r.handleRepeaterGiveUp(px)
					continue
				}
				r.enqueueForward(px)
			}
			for {
				px, ok := r.cfg.RepHandler.Expired(now)
				if !ok {
					break
				}
				r.cfg.Store.Free(px)
			}
		}
	}
}

// handleRepeaterGiveUp implements §4.7 scenario S4: once the Repeater
// abandons an outgoing control request after maxRetries, the worker that
// issued it (if any) is woken with a synthesized NO_REPLY rather than
// left blocked in WAITING_REPLY forever. Non-control originated packets
// (e.g. propagated SUB_UNSUB) have no waiting worker and are just freed.
func (r *Router) handleRepeaterGiveUp(px packet.Index) {
	h := r.cfg.Store.Header(px)
	if h.Type != packet.NetSig && h.Type != packet.ClientSig {
		r.cfg.Store.Free(px)
		return
	}
	payload := r.cfg.Store.Payload(px)
	seqNum, mode, ok := decodeControlEnvelope(payload)
	if !ok || mode != modeRequest {
		r.cfg.Store.Free(px)
		return
	}
	noReply, err := r.cfg.Store.Alloc()
	if err != nil {
		r.cfg.Store.Free(px)
		return
	}
	opType := binary.BigEndian.Uint32(payload[0:4])
	body := encodeControlEnvelope(opType, modeNoReply, seqNum, nil)
	if err := r.cfg.Store.WriteHeader(noReply, h, body); err != nil {
		r.cfg.Store.Free(noReply)
		r.cfg.Store.Free(px)
		return
	}
	if !r.cfg.Control.GiveUp(seqNum, noReply) {
		r.cfg.Store.Free(noReply)
	}
	r.cfg.Store.Free(px)
}

func (r *Router) addDiscard() {
	r.countsMu.Lock()
	r.discards++
	r.countsMu.Unlock()
}

func (r *Router) addIn(lnk int) {
	r.countsMu.Lock()
	r.inCounts[lnk]++
	r.countsMu.Unlock()
}

func (r *Router) addOut(lnk int) {
	r.countsMu.Lock()
	r.outCounts[lnk]++
	r.countsMu.Unlock()
}

// Discards reports the running count of dropped-packet events, for
// telemetry.
func (r *Router) Discards() uint64 {
	r.countsMu.Lock()
	defer r.countsMu.Unlock()
	return r.discards
}

// InCounts returns a snapshot of per-link inbound packet counts.
func (r *Router) InCounts() map[int]uint64 { return r.snapshotCounts(r.inCounts) }

// OutCounts returns a snapshot of per-link outbound packet counts.
func (r *Router) OutCounts() map[int]uint64 { return r.snapshotCounts(r.outCounts) }

func (r *Router) snapshotCounts(m map[int]uint64) map[int]uint64 {
	r.countsMu.Lock()
	defer r.countsMu.Unlock()
	out := make(map[int]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StoreStats reports the packet store's current utilization, for telemetry.
func (r *Router) StoreStats() packet.Stats { return r.cfg.Store.Stats() }

// Now exposes the router's injectable clock as a plain int64 timestamp,
// for telemetry.
func (r *Router) Now() int64 { return int64(r.cfg.Now()) }
