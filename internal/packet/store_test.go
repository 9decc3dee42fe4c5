package packet

import "testing"

func TestAllocCloneFree(t *testing.T) {
	s := NewStore(4, 2)

	px, err := s.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	h := Header{Type: ClientData, Comtree: 1, SrcAdr: 1, DstAdr: 2}
	if err := s.WriteHeader(px, h, []byte("hi")); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if got := s.RefCount(px); got != 1 {
		t.Fatalf("expected refcount 1, got %d", got)
	}

	clone, err := s.Clone(px)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if got := s.RefCount(px); got != 2 {
		t.Fatalf("expected refcount 2 after clone, got %d", got)
	}
	if !bytesEqual(s.Payload(px), s.Payload(clone)) {
		t.Fatalf("clone should share payload bytes")
	}

	s.Free(px)
	if got := s.RefCount(clone); got != 1 {
		t.Fatalf("expected refcount 1 after freeing original, got %d", got)
	}
	s.Free(clone)

	stats := s.Stats()
	if stats.DescsFree != stats.DescsTotal || stats.BufsFree != stats.BufsTotal {
		t.Fatalf("expected all resources returned to pool: %+v", stats)
	}
}

func TestOutOfPackets(t *testing.T) {
	s := NewStore(1, 1)
	if _, err := s.Alloc(); err != nil {
		t.Fatalf("first alloc should succeed: %v", err)
	}
	if _, err := s.Alloc(); err != ErrOutOfPackets {
		t.Fatalf("expected ErrOutOfPackets, got %v", err)
	}
}

func TestFullCopyIndependentBuffer(t *testing.T) {
	s := NewStore(4, 4)
	px, _ := s.Alloc()
	h := Header{Type: ClientData, Comtree: 1, SrcAdr: 1, DstAdr: 2}
	s.WriteHeader(px, h, []byte("original"))

	cp, err := s.FullCopy(px)
	if err != nil {
		t.Fatalf("FullCopy: %v", err)
	}
	s.WriteHeader(cp, h, []byte("mutated!"))

	if bytesEqual(s.Payload(px), s.Payload(cp)) {
		t.Fatalf("full copy must not share the original's buffer")
	}
	if s.RefCount(px) != 1 {
		t.Fatalf("original buffer refcount should be unaffected by full copy")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
