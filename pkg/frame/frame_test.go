package frame_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bmwdiag/ediag/pkg/frame"
)

func TestBuildPackedLength(t *testing.T) {
	b, err := frame.Build(0xF1, 0x12, []byte{0x18, 0x02, 0xFF, 0x00})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if b[0] != 0x84 || b[1] != 0x12 || b[2] != 0xF1 {
		t.Fatalf("unexpected header: % X", b[:3])
	}
}

func TestBuildSeparateLength(t *testing.T) {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	b, err := frame.Build(0xF1, 0x12, data)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if b[0] != 0x80 {
		t.Fatalf("expected fmt=0x80, got 0x%02X", b[0])
	}
	if int(b[3]) != len(data) {
		t.Fatalf("length byte mismatch: got %d want %d", b[3], len(data))
	}
}

func TestBuildRejectsBadLength(t *testing.T) {
	if _, err := frame.Build(0xF1, 0x12, nil); !errors.Is(err, frame.ErrDataLength) {
		t.Fatalf("expected ErrDataLength for empty data, got %v", err)
	}
	big := make([]byte, 256)
	if _, err := frame.Build(0xF1, 0x12, big); !errors.Is(err, frame.ErrDataLength) {
		t.Fatalf("expected ErrDataLength for oversize data, got %v", err)
	}
}

// Parsed-then-re-encoded frames yield the exact original bytes.
func TestRoundTripPacked(t *testing.T) {
	want, _ := frame.Build(0xF1, 0x12, []byte{0x58, 0x00})
	f, consumed, err := frame.Parse(want)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if consumed != len(want) {
		t.Fatalf("consumed %d want %d", consumed, len(want))
	}
	got, err := frame.Build(f.Source, f.Target, f.Data)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got % X want % X", got, want)
	}
}

func TestRoundTripSeparateLength(t *testing.T) {
	data := make([]byte, 120)
	for i := range data {
		data[i] = byte(i * 3)
	}
	want, _ := frame.Build(0xF1, 0x12, data)
	f, consumed, err := frame.Parse(want)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if consumed != len(want) {
		t.Fatalf("consumed %d want %d", consumed, len(want))
	}
	got, err := frame.Build(f.Source, f.Target, f.Data)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch")
	}
}

func TestParseIncomplete(t *testing.T) {
	full, _ := frame.Build(0xF1, 0x12, []byte{0x58, 0x00})
	_, consumed, err := frame.Parse(full[:2])
	if !errors.Is(err, frame.ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if consumed != 0 {
		t.Fatalf("incomplete must consume 0 bytes, got %d", consumed)
	}
}

func TestParseBadStartResyncs(t *testing.T) {
	good, _ := frame.Build(0xF1, 0x12, []byte{0x58, 0x00})
	buf := append([]byte{0x00, 0x01}, good...)

	_, consumed, err := frame.Parse(buf)
	if !errors.Is(err, frame.ErrBadStart) {
		t.Fatalf("expected ErrBadStart, got %v", err)
	}
	if consumed != 1 {
		t.Fatalf("bad start must consume exactly 1 byte, got %d", consumed)
	}
	buf = buf[consumed:]

	_, consumed, err = frame.Parse(buf)
	if !errors.Is(err, frame.ErrBadStart) {
		t.Fatalf("expected second ErrBadStart, got %v", err)
	}
	buf = buf[consumed:]

	f, consumed, err := frame.Parse(buf)
	if err != nil {
		t.Fatalf("expected frame after resync, got error %v", err)
	}
	if consumed != len(good) {
		t.Fatalf("consumed %d want %d", consumed, len(good))
	}
	if f.Target != 0x12 || f.Source != 0xF1 {
		t.Fatalf("wrong frame recovered: %+v", f)
	}
}

func TestParseBadChecksum(t *testing.T) {
	good, _ := frame.Build(0xF1, 0x12, []byte{0x58, 0x00})
	bad := append([]byte(nil), good...)
	bad[len(bad)-1] ^= 0xFF

	_, consumed, err := frame.Parse(bad)
	var bc *frame.BadChecksumError
	if !errors.As(err, &bc) {
		t.Fatalf("expected BadChecksumError, got %v", err)
	}
	if consumed != len(bad) {
		t.Fatalf("bad checksum should consume the whole candidate frame")
	}
}

func TestParseRejectsLengthZeroSeparateEncoding(t *testing.T) {
	// fmt=0x80 exactly, with an explicit zero length byte: must be
	// treated as invalid, not as a zero-length frame.
	buf := []byte{0x80, 0x12, 0xF1, 0x00, 0x00}
	_, consumed, err := frame.Parse(buf)
	if !errors.Is(err, frame.ErrBadStart) {
		t.Fatalf("expected ErrBadStart for length-zero frame, got %v", err)
	}
	if consumed != 1 {
		t.Fatalf("expected to discard exactly 1 byte, got %d", consumed)
	}
}
