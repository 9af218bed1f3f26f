package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestRegisterChunkFrame(t *testing.T) {
	b := EncodeRegisterChunk(0x12, 0x34)
	if len(b) != 3 || b[0] != OpRegisterChunk || b[1] != 0x12 || b[2] != 0x34 {
		t.Fatalf("frame=%x", b)
	}
	cx, cy, ok := DecodeRegisterChunk(b)
	if !ok || cx != 0x12 || cy != 0x34 {
		t.Fatalf("decode: cx=%d cy=%d ok=%v", cx, cy, ok)
	}
}

func TestDecodeFrame_PixelUpdate(t *testing.T) {
	in := PixelUpdate{ChunkX: 128, ChunkY: 255, Offset: 65535, Color: 7}
	got, ok := DecodeFrame(EncodePixelUpdate(in))
	if !ok {
		t.Fatalf("expected pixel update")
	}
	if got != in {
		t.Fatalf("got=%+v want=%+v", got, in)
	}
}

func TestDecodeFrame_IgnoresOtherFrames(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{0xA7, 0, 1},
		{OpPixelUpdate, 0, 1, 0, 2},
		{OpRegisterChunk, 0, 0},
	}
	for _, c := range cases {
		if _, ok := DecodeFrame(c); ok {
			t.Fatalf("expected frame %x to be ignored", c)
		}
	}
}

func TestNewPlaceRequest_Checksum(t *testing.T) {
	r := NewPlaceRequest(-10, 25, 3, "fp")
	if r.A != 7 {
		t.Fatalf("a=%d want=7", r.A)
	}
	if r.Token != nil {
		t.Fatalf("token should serialize as null")
	}
}

func TestOutcomeClassification(t *testing.T) {
	cases := []struct {
		kind      OutcomeKind
		fatal     bool
		retryable bool
	}{
		{OutcomeSuccess, false, false},
		{OutcomeCooldown, false, false},
		{OutcomeForbidden, true, false},
		{OutcomeChallenge, true, false},
		{OutcomeServerError, false, true},
		{OutcomeTransportError, false, true},
		{OutcomeUnknown, false, true},
	}
	for _, c := range cases {
		o := Outcome{Kind: c.kind}
		if o.Fatal() != c.fatal || o.Retryable() != c.retryable {
			t.Fatalf("%s: fatal=%v retryable=%v", c.kind, o.Fatal(), o.Retryable())
		}
		if c.fatal && !IsFatal(o.Err()) {
			t.Fatalf("%s: Err()=%v should be fatal", c.kind, o.Err())
		}
	}
}

func TestIsFatal_Wrapped(t *testing.T) {
	if !IsFatal(fmt.Errorf("fetch chunk 1,2: %w", ErrForbidden)) {
		t.Fatalf("wrapped forbidden should be fatal")
	}
	if IsFatal(fmt.Errorf("x: %w", ErrMalformed)) || IsFatal(errors.New("boom")) {
		t.Fatalf("non-fatal errors classified as fatal")
	}
}
