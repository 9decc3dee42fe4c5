// Package boot implements the remote-mode boot handshake (C12, spec §4.8):
// a short exchange with a network manager that hands this router its own
// forest address, its upstream router peer's address, and a connect nonce,
// before the input/output/worker loops in internal/runtime start.
//
// Grounded on original_source/cpp/include/Substrate.h: a dedicated boot
// socket, a fixed seqNum for matching replies, and a bounded retry loop run
// once before the rest of the router comes up. The retry/backoff shape
// (fixed interval, bounded attempts, give up) mirrors internal/reliable's
// Repeater, but boot has no worker pool yet to hand packets to, so it is a
// simple blocking loop on its own socket rather than a shared substrate.
package boot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jturner53/forest-router/internal/packet"
)

// Boot handshake op types, carried in a NET_SIG payload's opType word
// alongside internal/runtime's control envelope format (opType, mode,
// seqNum, attrs).
const (
	opBootRouter    uint32 = 1
	opConfig        uint32 = 2
	opBootComplete  uint32 = 3
	opBootAbort     uint32 = 4
)

const (
	modeRequest  uint32 = 0
	modePosReply uint32 = 1
	modeNegReply uint32 = 2
)

// Attribute codes for the CONFIG reply's TLV-encoded attrs.
const (
	attrMyAdr  uint32 = 1 // 4 bytes, fAdr
	attrNmAdr  uint32 = 2 // 4 bytes, fAdr
	attrRtrAdr uint32 = 3 // 4 bytes, fAdr
	attrRtrIP  uint32 = 4 // 4 bytes, IPv4
	attrRtrPort uint32 = 5 // 4 bytes (port in low 16 bits)
	attrNonce  uint32 = 6 // 8 bytes
)

const (
	retryBatches   = 4
	retriesPerBatch = 10
	retryPacing    = 100 * time.Millisecond
)

var (
	// ErrBootTimeout is returned when the net manager never answers
	// BOOT_ROUTER within the retry budget (§7 kind 6: fatal boot failure).
	ErrBootTimeout = errors.New("boot: network manager unreachable")
	// ErrBootAborted is returned when the net manager sends BOOT_ABORT.
	ErrBootAborted = errors.New("boot: aborted by network manager")
)

// Config configures a Boot handshake.
type Config struct {
	// MyAdr is the router's pre-configured address, or 0 to let the net
	// manager assign one.
	MyAdr packet.FAdr

	BootIP net.IP
	NmIP   net.IP
	NmPort uint16

	Logger *slog.Logger
}

// Result is what a successful handshake yields: the router's own address,
// the net manager's address, the upstream router peer to CONNECT to, and
// the nonce to present when doing so.
type Result struct {
	MyAdr   packet.FAdr
	NmAdr   packet.FAdr
	RtrAdr  packet.FAdr
	RtrIP   net.IP
	RtrPort uint16
	Nonce   uint64
}

// Boot runs the handshake over its own UDP socket.
type Boot struct {
	cfg  Config
	log  *slog.Logger
	conn *net.UDPConn
}

func New(cfg Config) (*Boot, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: cfg.BootIP})
	if err != nil {
		return nil, fmt.Errorf("boot: bind boot socket: %w", err)
	}
	return &Boot{cfg: cfg, log: logger.WithGroup("boot"), conn: conn}, nil
}

// Conn returns the boot socket, so the caller can fold it into the
// interface table once the handshake completes.
func (b *Boot) Conn() *net.UDPConn { return b.conn }

func (b *Boot) Close() error { return b.conn.Close() }

func (b *Boot) nmAddr() *net.UDPAddr { return &net.UDPAddr{IP: b.cfg.NmIP, Port: int(b.cfg.NmPort)} }

// Run drives the handshake to completion: BOOT_ROUTER retried up to
// 4*10 times at 100ms pacing until a CONFIG reply arrives, a POS_REPLY
// echo, then a block for BOOT_COMPLETE (success) or BOOT_ABORT (fatal).
func (b *Boot) Run(ctx context.Context) (Result, error) {
	seqNum := uint64(1)
	res, err := b.negotiateConfig(ctx, seqNum)
	if err != nil {
		return Result{}, err
	}

	if err := b.sendEnvelope(res.NmAdr, res.MyAdr, opConfig, modePosReply, seqNum, nil); err != nil {
		return Result{}, fmt.Errorf("boot: ack CONFIG: %w", err)
	}

	if err := b.awaitComplete(ctx, res.NmAdr, res.MyAdr); err != nil {
		return Result{}, err
	}
	b.log.Info("boot handshake complete", "myAdr", res.MyAdr, "rtrAdr", res.RtrAdr)
	return res, nil
}

func (b *Boot) negotiateConfig(ctx context.Context, seqNum uint64) (Result, error) {
	buf := make([]byte, packet.MaxBufferLen)
	for batch := 0; batch < retryBatches; batch++ {
		for attempt := 0; attempt < retriesPerBatch; attempt++ {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			default:
			}
			attrs := encodeAttrs(map[uint32][]byte{attrMyAdr: u32bytes(uint32(b.cfg.MyAdr))})
			if err := b.sendEnvelope(0, b.cfg.MyAdr, opBootRouter, modeRequest, seqNum, attrs); err != nil {
				return Result{}, fmt.Errorf("boot: send BOOT_ROUTER: %w", err)
			}

			b.conn.SetReadDeadline(time.Now().Add(retryPacing))
			n, _, err := b.conn.ReadFromUDP(buf)
			if err != nil {
				continue // timeout or transient error: retry
			}
			h, payload, err := packet.ReadFrom(buf[:n], true)
			if err != nil || h.Type != packet.NetSig {
				continue
			}
			gotSeq, op, mode, attrVals, ok := decodeEnvelope(payload)
			if !ok || gotSeq != seqNum || op != opConfig || mode != modePosReply {
				continue
			}
			return resultFromAttrs(attrVals), nil
		}
	}
	return Result{}, ErrBootTimeout
}

func (b *Boot) awaitComplete(ctx context.Context, nmAdr, myAdr packet.FAdr) error {
	buf := make([]byte, packet.MaxBufferLen)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		b.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		h, payload, err := packet.ReadFrom(buf[:n], true)
		if err != nil || h.Type != packet.NetSig {
			continue
		}
		seqNum, op, _, _, ok := decodeEnvelope(payload)
		if !ok {
			continue
		}
		switch op {
		case opBootComplete:
			return b.sendEnvelope(nmAdr, myAdr, opBootComplete, modePosReply, seqNum, nil)
		case opBootAbort:
			return ErrBootAborted
		}
	}
}

func (b *Boot) sendEnvelope(dst, src packet.FAdr, op, mode uint32, seqNum uint64, attrs []byte) error {
	h := packet.Header{Type: packet.NetSig, Comtree: 0, SrcAdr: src, DstAdr: dst}
	payload := encodeEnvelope(op, mode, seqNum, attrs)
	buf := make([]byte, packet.HeaderLen+len(payload))
	if _, err := packet.WriteTo(buf, &h, payload); err != nil {
		return err
	}
	_, err := b.conn.WriteToUDP(buf, b.nmAddr())
	return err
}

func encodeEnvelope(op, mode uint32, seqNum uint64, attrs []byte) []byte {
	out := make([]byte, 16+len(attrs))
	binary.BigEndian.PutUint32(out[0:4], op)
	binary.BigEndian.PutUint32(out[4:8], mode)
	binary.BigEndian.PutUint64(out[8:16], seqNum)
	copy(out[16:], attrs)
	return out
}

func decodeEnvelope(payload []byte) (seqNum uint64, op, mode uint32, attrs map[uint32][]byte, ok bool) {
	if len(payload) < 16 {
		return 0, 0, 0, nil, false
	}
	op = binary.BigEndian.Uint32(payload[0:4])
	mode = binary.BigEndian.Uint32(payload[4:8])
	seqNum = binary.BigEndian.Uint64(payload[8:16])
	attrs = decodeAttrs(payload[16:])
	return seqNum, op, mode, attrs, true
}

// encodeAttrs writes a sequence of code(4) len(4) value(len, zero-padded
// to a 4-byte boundary) triples.
func encodeAttrs(m map[uint32][]byte) []byte {
	var out []byte
	for code, v := range m {
		padded := (len(v) + 3) &^ 3
		hdr := make([]byte, 8)
		binary.BigEndian.PutUint32(hdr[0:4], code)
		binary.BigEndian.PutUint32(hdr[4:8], uint32(len(v)))
		out = append(out, hdr...)
		out = append(out, v...)
		out = append(out, make([]byte, padded-len(v))...)
	}
	return out
}

func decodeAttrs(buf []byte) map[uint32][]byte {
	out := make(map[uint32][]byte)
	for len(buf) >= 8 {
		code := binary.BigEndian.Uint32(buf[0:4])
		n := int(binary.BigEndian.Uint32(buf[4:8]))
		padded := (n + 3) &^ 3
		if 8+padded > len(buf) {
			break
		}
		out[code] = buf[8 : 8+n]
		buf = buf[8+padded:]
	}
	return out
}

func u32bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func resultFromAttrs(attrs map[uint32][]byte) Result {
	var res Result
	if v, ok := attrs[attrMyAdr]; ok && len(v) >= 4 {
		res.MyAdr = packet.FAdr(binary.BigEndian.Uint32(v))
	}
	if v, ok := attrs[attrNmAdr]; ok && len(v) >= 4 {
		res.NmAdr = packet.FAdr(binary.BigEndian.Uint32(v))
	}
	if v, ok := attrs[attrRtrAdr]; ok && len(v) >= 4 {
		res.RtrAdr = packet.FAdr(binary.BigEndian.Uint32(v))
	}
	if v, ok := attrs[attrRtrIP]; ok && len(v) >= 4 {
		res.RtrIP = net.IPv4(v[0], v[1], v[2], v[3])
	}
	if v, ok := attrs[attrRtrPort]; ok && len(v) >= 4 {
		res.RtrPort = uint16(binary.BigEndian.Uint32(v))
	}
	if v, ok := attrs[attrNonce]; ok && len(v) >= 8 {
		res.Nonce = binary.BigEndian.Uint64(v)
	}
	return res
}
