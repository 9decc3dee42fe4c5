package runtime

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"

	"github.com/jturner53/forest-router/internal/comtree"
	"github.com/jturner53/forest-router/internal/control"
	"github.com/jturner53/forest-router/internal/iftbl"
	"github.com/jturner53/forest-router/internal/linktbl"
	"github.com/jturner53/forest-router/internal/packet"
	"github.com/jturner53/forest-router/internal/route"
)

var (
	errUnknownOp = errors.New("runtime: unknown control op")
	errShortArgs = errors.New("runtime: control op payload too short")
)

// Control op codes carried in a NET_SIG payload's opType word (§4.7): the
// topology-mutating operations a RouterControl worker executes against
// the router tables. Distinct from the boot handshake's op codes
// (internal/boot), which run before any of these tables exist.
const (
	OpAddLink      uint32 = 1
	OpDropLink     uint32 = 2
	OpAddComtree   uint32 = 3
	OpDropComtree  uint32 = 4
	OpJoinComtree  uint32 = 5
	OpLeaveComtree uint32 = 6
	OpAddRoute     uint32 = 7
)

// HandlerTables bundles the tables a control.Handler mutates (§4.7: "each
// worker executes the requested operation against the router tables
// under their locks").
type HandlerTables struct {
	MyAdr   packet.FAdr
	Store   *packet.Store
	Iftbl   *iftbl.Table
	Linktbl *linktbl.Table
	Comtree *comtree.Table
	Route   *route.Table
	Logger  *slog.Logger
}

// NewControlHandler builds the control.Handler a RouterControl worker
// pool runs: decode the opType out of the request's NET_SIG payload,
// mutate the matching table, and produce a POS_REPLY/NEG_REPLY echo.
// Table mutation order (link, then comtree, then route) follows §5's
// strict lock-acquisition ordering; each table already serializes its
// own mutations internally, so the handler just calls them in that
// sequence.
func NewControlHandler(t HandlerTables) control.Handler {
	log := t.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.WithGroup("control")

	return func(ctx context.Context, w *control.Worker, req control.Request) packet.Index {
		h := t.Store.Header(req.Px)
		payload := t.Store.Payload(req.Px)
		_, mode, ok := decodeControlEnvelope(payload)
		if !ok || mode != modeRequest {
			t.Store.Free(req.Px)
			return 0
		}
		opType := binary.BigEndian.Uint32(payload[0:4])
		seqNum := binary.BigEndian.Uint64(payload[8:16])
		args := payload[16:]

		replyMode := modePosReply
		if err := t.apply(opType, args); err != nil {
			log.Debug("control op failed", "op", opType, "error", err)
			replyMode = modeNegReply
		}

		t.Store.Free(req.Px)
		return t.buildReply(h, opType, replyMode, seqNum)
	}
}

func (t HandlerTables) apply(opType uint32, args []byte) error {
	switch opType {
	case OpAddLink:
		return t.applyAddLink(args)
	case OpDropLink:
		return t.applyDropLink(args)
	case OpAddComtree:
		return t.applyAddComtree(args)
	case OpDropComtree:
		return t.applyDropComtree(args)
	case OpJoinComtree:
		return t.applyJoinComtree(args)
	case OpLeaveComtree:
		return t.applyLeaveComtree(args)
	case OpAddRoute:
		return t.applyAddRoute(args)
	default:
		return errUnknownOp
	}
}

// applyAddLink decodes: linkNum(4) iface(4) peerIP(4) peerPort(4)
// peerType(4) peerAdr(4) bitRate(4) pktRate(4) nonce(8) = 40 bytes.
func (t HandlerTables) applyAddLink(args []byte) error {
	if len(args) < 40 {
		return errShortArgs
	}
	linkNum := int(binary.BigEndian.Uint32(args[0:4]))
	iface := int(binary.BigEndian.Uint32(args[4:8]))
	peerIP := net.IPv4(args[8], args[9], args[10], args[11])
	peerPort := uint16(binary.BigEndian.Uint32(args[12:16]))
	peerType := linktbl.PeerType(binary.BigEndian.Uint32(args[16:20]))
	peerAdr := packet.FAdr(binary.BigEndian.Uint32(args[20:24]))
	rates := iftbl.RateSpec{
		BitRate: int(binary.BigEndian.Uint32(args[24:28])),
		PktRate: int(binary.BigEndian.Uint32(args[28:32])),
	}
	nonce := binary.BigEndian.Uint64(args[32:40])
	_, err := t.Linktbl.AddLink(linkNum, iface, peerIP, peerPort, peerType, peerAdr, rates, nonce)
	return err
}

// applyDropLink decodes: linkNum(4).
func (t HandlerTables) applyDropLink(args []byte) error {
	if len(args) < 4 {
		return errShortArgs
	}
	linkNum := int(binary.BigEndian.Uint32(args[0:4]))
	t.Comtree.PurgeLink(linkNum)
	return t.Linktbl.RemoveLink(linkNum)
}

// applyAddComtree decodes: comtree(4).
func (t HandlerTables) applyAddComtree(args []byte) error {
	if len(args) < 4 {
		return errShortArgs
	}
	comt := binary.BigEndian.Uint32(args[0:4])
	_, err := t.Comtree.AddEntry(comt)
	return err
}

// applyDropComtree decodes: comtree(4).
func (t HandlerTables) applyDropComtree(args []byte) error {
	if len(args) < 4 {
		return errShortArgs
	}
	comt := binary.BigEndian.Uint32(args[0:4])
	return t.Comtree.RemoveEntry(comt)
}

// applyJoinComtree decodes: comtree(4) link(4) rflag(4) cflag(4).
func (t HandlerTables) applyJoinComtree(args []byte) error {
	if len(args) < 16 {
		return errShortArgs
	}
	comt := binary.BigEndian.Uint32(args[0:4])
	lnk := int(binary.BigEndian.Uint32(args[4:8]))
	rflag := binary.BigEndian.Uint32(args[8:12]) != 0
	cflag := binary.BigEndian.Uint32(args[12:16]) != 0
	return t.Comtree.AddLink(comt, lnk, rflag, cflag)
}

// applyLeaveComtree decodes: comtree(4) link(4).
func (t HandlerTables) applyLeaveComtree(args []byte) error {
	if len(args) < 8 {
		return errShortArgs
	}
	comt := binary.BigEndian.Uint32(args[0:4])
	lnk := int(binary.BigEndian.Uint32(args[4:8]))
	return t.Comtree.RemoveLink(comt, lnk)
}

// applyAddRoute decodes: comtree(4) dest(4) link(4).
func (t HandlerTables) applyAddRoute(args []byte) error {
	if len(args) < 12 {
		return errShortArgs
	}
	comt := binary.BigEndian.Uint32(args[0:4])
	dest := packet.FAdr(binary.BigEndian.Uint32(args[4:8]))
	lnk := int(binary.BigEndian.Uint32(args[8:12]))
	if dest.IsMulticast() {
		_, _, err := t.Route.Subscribe(comt, dest, lnk)
		return err
	}
	return t.Route.AddUnicast(comt, dest, lnk)
}

func (t HandlerTables) buildReply(reqHdr packet.Header, opType uint32, mode controlMode, seqNum uint64) packet.Index {
	rx, err := t.Store.Alloc()
	if err != nil {
		return 0
	}
	replyHdr := packet.Header{
		Type:    reqHdr.Type,
		Comtree: reqHdr.Comtree,
		SrcAdr:  t.MyAdr,
		DstAdr:  reqHdr.SrcAdr,
	}
	body := encodeControlEnvelope(opType, mode, seqNum, nil)
	if err := t.Store.WriteHeader(rx, replyHdr, body); err != nil {
		t.Store.Free(rx)
		return 0
	}
	return rx
}
