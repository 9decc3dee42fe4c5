package packet

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	payload := []byte("XYZ")
	h := Header{
		Version: 1,
		Type:    ClientData,
		Flags:   FlagAck,
		Comtree: 100,
		SrcAdr:  FAdr(0x00010002),
		DstAdr:  FAdr(0x00010003),
	}
	buf := make([]byte, MaxBufferLen)
	n, err := WriteTo(buf, &h, payload)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, gotPayload, err := ReadFrom(buf[:n], true)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if got.Type != ClientData || got.Flags != FlagAck || got.Comtree != 100 ||
		got.SrcAdr != h.SrcAdr || got.DstAdr != h.DstAdr {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch: %q != %q", gotPayload, payload)
	}
}

func TestHeaderChecksumFailsOnCorruption(t *testing.T) {
	h := Header{Type: ClientData, Comtree: 1, SrcAdr: 1, DstAdr: 2}
	buf := make([]byte, MaxBufferLen)
	n, err := WriteTo(buf, &h, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	buf[5] ^= 0xFF // corrupt comtree field
	if _, _, err := ReadFrom(buf[:n], true); err != ErrHeaderChecksum {
		t.Fatalf("expected header checksum failure, got %v", err)
	}
}

func TestPayloadChecksumFailsOnCorruption(t *testing.T) {
	h := Header{Type: ClientData, Comtree: 1, SrcAdr: 1, DstAdr: 2}
	buf := make([]byte, MaxBufferLen)
	n, err := WriteTo(buf, &h, []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	buf[HeaderLen] ^= 0xFF // corrupt payload
	if _, _, err := ReadFrom(buf[:n], true); err != ErrPayloadChecksum {
		t.Fatalf("expected payload checksum failure, got %v", err)
	}
}

func TestLengthMismatch(t *testing.T) {
	h := Header{Type: ClientData}
	buf := make([]byte, MaxBufferLen)
	n, err := WriteTo(buf, &h, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	// Truncate the slice passed to ReadFrom so it disagrees with Length.
	if _, _, err := ReadFrom(buf[:n-1], false); err != ErrLengthMismatch {
		t.Fatalf("expected length mismatch, got %v", err)
	}
}

func TestFAdr(t *testing.T) {
	a := NewFAdr(0x0001, 0x0002)
	if a.Zip() != 1 || a.Local() != 2 {
		t.Fatalf("unexpected zip/local: %v/%v", a.Zip(), a.Local())
	}
	mc := NewFAdr(0x8001, 0x0001)
	if !mc.IsMulticast() || mc.IsUnicast() {
		t.Fatalf("expected multicast address")
	}
	if !a.IsUnicast() || a.IsMulticast() {
		t.Fatalf("expected unicast address")
	}
	if FAdr(0).Valid() {
		t.Fatalf("zero address must be invalid")
	}
}
