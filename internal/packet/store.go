package packet

import (
	"errors"
	"sync"
)

// ErrOutOfPackets is returned by Alloc/Clone/FullCopy when the store has
// exhausted descriptors or buffers (§4.1, §7 kind 3).
var ErrOutOfPackets = errors.New("packet: out of packets")

// Index identifies a packet descriptor within a Store. The zero value
// means "no packet" and callers must treat it as such (§4.1).
type Index int

// Descriptor is the per-packet state held by the store: a parsed header
// view over one shared buffer, plus auxiliary forwarding fields.
type Descriptor struct {
	Header Header

	bufIdx int // index into Store.buffers
	length int // bytes used in the buffer (header + payload)

	// Auxiliary fields (§4.1).
	InLink    int
	OutLink   int
	TunIP     [4]byte
	TunPort   uint16
	RcvSeqNum uint64
}

// Payload returns the payload bytes for this descriptor's current buffer
// contents. The slice is only valid until the descriptor is freed or its
// buffer is rewritten.
func (s *Store) Payload(px Index) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &s.descs[px]
	buf := s.buffers[d.bufIdx]
	return buf[HeaderLen:d.length]
}

// Raw returns the full wire-format bytes (header+payload) for px.
func (s *Store) Raw(px Index) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &s.descs[px]
	return s.buffers[d.bufIdx][:d.length]
}

// Store is a fixed-capacity pool of packet descriptors and a smaller pool
// of fixed-size buffers, serialized by a single lock per §4.1.
type Store struct {
	mu sync.Mutex

	descs   []Descriptor
	buffers [][]byte
	refs    []int

	freeDescs []int
	freeBufs  []int
}

// NewStore creates a Store with room for nDescs descriptors and nBufs
// buffers (descriptor index 0 is reserved to mean "no packet").
func NewStore(nDescs, nBufs int) *Store {
	s := &Store{
		descs:   make([]Descriptor, nDescs+1),
		buffers: make([][]byte, nBufs+1),
		refs:    make([]int, nBufs+1),
	}
	for i := nDescs; i >= 1; i-- {
		s.freeDescs = append(s.freeDescs, i)
	}
	for i := nBufs; i >= 1; i-- {
		s.buffers[i] = make([]byte, MaxBufferLen)
		s.freeBufs = append(s.freeBufs, i)
	}
	return s
}

func (s *Store) popFreeDesc() (int, bool) {
	n := len(s.freeDescs)
	if n == 0 {
		return 0, false
	}
	d := s.freeDescs[n-1]
	s.freeDescs = s.freeDescs[:n-1]
	return d, true
}

func (s *Store) popFreeBuf() (int, bool) {
	n := len(s.freeBufs)
	if n == 0 {
		return 0, false
	}
	b := s.freeBufs[n-1]
	s.freeBufs = s.freeBufs[:n-1]
	return b, true
}

// Alloc returns a fresh descriptor pointing at a newly-owned buffer, with
// refcount 1. Returns (0, ErrOutOfPackets) when exhausted; callers must
// treat 0 as "drop the packet" (§4.1).
func (s *Store) Alloc() (Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.popFreeDesc()
	if !ok {
		return 0, ErrOutOfPackets
	}
	b, ok := s.popFreeBuf()
	if !ok {
		s.freeDescs = append(s.freeDescs, d)
		return 0, ErrOutOfPackets
	}
	s.refs[b] = 1
	s.descs[d] = Descriptor{bufIdx: b}
	return Index(d), nil
}

// Clone returns a new descriptor pointing at the same buffer as px,
// incrementing its refcount (O(1), no data copy — used for multicast
// fan-out, §4.1/§4.5).
func (s *Store) Clone(px Index) (Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.descs[px]
	d, ok := s.popFreeDesc()
	if !ok {
		return 0, ErrOutOfPackets
	}
	s.refs[src.bufIdx]++
	clone := src
	s.descs[d] = clone
	return Index(d), nil
}

// FullCopy allocates a new buffer and copies px's bytes into it, for
// callers that must mutate a clone's contents independently.
func (s *Store) FullCopy(px Index) (Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.descs[px]
	d, ok := s.popFreeDesc()
	if !ok {
		return 0, ErrOutOfPackets
	}
	b, ok := s.popFreeBuf()
	if !ok {
		s.freeDescs = append(s.freeDescs, d)
		return 0, ErrOutOfPackets
	}
	copy(s.buffers[b], s.buffers[src.bufIdx][:src.length])
	s.refs[b] = 1
	cp := src
	cp.bufIdx = b
	s.descs[d] = cp
	return Index(d), nil
}

// Free decrements the buffer refcount and releases both the descriptor
// and (once the refcount reaches zero) the buffer back to the free lists.
func (s *Store) Free(px Index) {
	if px == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &s.descs[px]
	b := d.bufIdx
	s.refs[b]--
	if s.refs[b] <= 0 {
		s.freeBufs = append(s.freeBufs, b)
	}
	*d = Descriptor{}
	s.freeDescs = append(s.freeDescs, int(px))
}

// RefCount returns the current refcount of px's underlying buffer,
// primarily for tests validating P6.
func (s *Store) RefCount(px Index) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[s.descs[px].bufIdx]
}

// WriteHeader encodes h and payload into px's buffer, stamping checksums,
// and updates the descriptor's Header and length.
func (s *Store) WriteHeader(px Index, h Header, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &s.descs[px]
	buf := s.buffers[d.bufIdx]
	n, err := WriteTo(buf, &h, payload)
	if err != nil {
		return err
	}
	d.Header = h
	d.length = n
	return nil
}

// ParseInto decodes raw wire bytes into px's buffer and descriptor header.
func (s *Store) ParseInto(px Index, raw []byte, verifyChecksums bool) error {
	h, payload, err := ReadFrom(raw, verifyChecksums)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &s.descs[px]
	buf := s.buffers[d.bufIdx]
	n := copy(buf, raw)
	d.length = n
	d.Header = h
	_ = payload
	return nil
}

// Header returns a copy of px's current parsed header.
func (s *Store) Header(px Index) Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descs[px].Header
}

// SetHeader updates px's header fields without touching the payload bytes
// already in the buffer (used to flip flags like RteReq/Ack in place).
func (s *Store) SetHeader(px Index, h Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descs[px].Header = h
}

// Aux returns a pointer to px's auxiliary forwarding fields (InLink,
// OutLink, ...) for in-place mutation by the forwarder.
func (s *Store) Aux(px Index) *Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &s.descs[px]
}

// Stats reports current utilization, for telemetry.
type Stats struct {
	DescsFree, DescsTotal int
	BufsFree, BufsTotal   int
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		DescsFree:  len(s.freeDescs),
		DescsTotal: len(s.descs) - 1,
		BufsFree:   len(s.freeBufs),
		BufsTotal:  len(s.buffers) - 1,
	}
}
