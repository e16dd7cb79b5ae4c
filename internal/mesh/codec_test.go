package mesh

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xaa}, 150)
	frame := EncodeFrame(payload)

	d := NewDecoder()
	d.Write(frame)
	got, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("expected complete frame, got ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %d bytes want %d bytes", len(got), len(payload))
	}
}

func TestFrameResyncSkipsGarbagePrefix(t *testing.T) {
	payload := []byte("hello")
	frame := EncodeFrame(payload)
	garbage := []byte{0x00, 0x11, 0x22, 0x94, 0x33} // contains a lone, non-matching 0x94

	d := NewDecoder()
	d.Write(append(garbage, frame...))
	got, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("expected frame recovered after garbage prefix, got ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch after resync: got %q want %q", got, payload)
	}
}

func TestFrameStraddledMagicBytes(t *testing.T) {
	frame := EncodeFrame([]byte("straddle me"))
	d := NewDecoder()

	// Feed the magic sequence split across two writes.
	d.Write(frame[:1])
	_, ok, err := d.Next()
	if ok || err != nil {
		t.Fatalf("expected no frame yet after partial magic, got ok=%v err=%v", ok, err)
	}
	d.Write(frame[1:])
	got, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("expected frame after completing magic sequence, got ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, []byte("straddle me")) {
		t.Fatalf("payload mismatch: got %q", got)
	}
}

func TestFrameOversizedLengthRejectedAndResynced(t *testing.T) {
	var bogus []byte
	bogus = append(bogus, magic0, magic1, 0xff, 0xff) // length field = 65535, way over MaxFrameLength
	good := EncodeFrame([]byte("after the bogus header"))

	d := NewDecoder()
	d.Write(append(bogus, good...))

	_, ok, err := d.Next()
	if ok || !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got ok=%v err=%v", ok, err)
	}
	got, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("expected recovery to the following valid frame, got ok=%v err=%v", ok, err)
	}
	if string(got) != "after the bogus header" {
		t.Fatalf("payload mismatch: got %q", got)
	}
}

func TestFrameByteAtATime(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 233)
	frame := EncodeFrame(payload)

	d := NewDecoder()
	var recovered [][]byte
	for i := range frame {
		d.Write(frame[i : i+1])
		d.Drain(func(p []byte) { recovered = append(recovered, p) }, func(error) {})
	}
	if len(recovered) != 1 || !bytes.Equal(recovered[0], payload) {
		t.Fatalf("byte-at-a-time feed did not yield frame: %d frames", len(recovered))
	}
}

func TestFrameRejectsPayloadOverMaxOnEncode(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic encoding an oversized payload")
		}
	}()
	EncodeFrame(make([]byte, MaxFrameLength+1))
}
