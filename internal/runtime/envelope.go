package runtime

import "encoding/binary"

// controlMode is the NET_SIG/CLIENT_SIG payload's mode word (§6).
type controlMode uint32

const (
	modeRequest controlMode = iota
	modePosReply
	modeNegReply
	modeNoReply
)

// decodeControlEnvelope reads the fixed-size prefix of a NET_SIG/CLIENT_SIG
// payload: opType(4) mode(4) seqNum(8), followed by attribute pairs this
// package does not need to interpret. Returns ok=false if the payload is
// too short to hold the prefix.
func decodeControlEnvelope(payload []byte) (seqNum uint64, mode controlMode, ok bool) {
	if len(payload) < 16 {
		return 0, 0, false
	}
	mode = controlMode(binary.BigEndian.Uint32(payload[4:8]))
	seqNum = binary.BigEndian.Uint64(payload[8:16])
	return seqNum, mode, true
}

// encodeControlEnvelope writes a control-packet payload prefix with the
// given opType, mode and seqNum; attrs is appended as-is (already encoded
// by the caller as attribute pairs).
func encodeControlEnvelope(opType uint32, mode controlMode, seqNum uint64, attrs []byte) []byte {
	out := make([]byte, 16+len(attrs))
	binary.BigEndian.PutUint32(out[0:4], opType)
	binary.BigEndian.PutUint32(out[4:8], uint32(mode))
	binary.BigEndian.PutUint64(out[8:16], seqNum)
	copy(out[16:], attrs)
	return out
}
