package wire

import (
	"bytes"
	"testing"
)

func TestPacketFillRejectsOverCapacity(t *testing.T) {
	p := NewPacket(4)
	if err := p.Fill([]byte("12345")); err == nil {
		t.Fatalf("expected fill beyond capacity to fail")
	}
	if err := p.Fill([]byte("ab")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if p.Size() != 2 {
		t.Fatalf("expected size 2, got %d", p.Size())
	}
	if !bytes.Equal(p.Bytes(), []byte("ab")) {
		t.Fatalf("bytes mismatch: %q", p.Bytes())
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	p := NewPacket(16)
	if err := Pack[uint32](p, 42); err != nil {
		t.Fatalf("pack: %v", err)
	}
	if err := Pack[uint16](p, 7); err != nil {
		t.Fatalf("pack: %v", err)
	}
	v32, err := Unpack[uint32](p, 0)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if v32 != 42 {
		t.Fatalf("expected 42, got %d", v32)
	}
	v16, err := Unpack[uint16](p, 4)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if v16 != 7 {
		t.Fatalf("expected 7, got %d", v16)
	}
}

func TestUnpackOutOfRange(t *testing.T) {
	p := NewPacket(16)
	_ = Pack[uint32](p, 1)
	if _, err := Unpack[uint32](p, 8); err == nil {
		t.Fatalf("expected out-of-range unpack to fail")
	}
}
