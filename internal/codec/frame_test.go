package codec

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestFrameDecoder_WholeFrames(t *testing.T) {
	d := NewFrameDecoder()
	frame := Encode([]byte("hello"))
	got := d.Push(frame)
	if len(got) != 1 || string(got[0]) != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestFrameDecoder_EmptyPayloadIsLegal(t *testing.T) {
	d := NewFrameDecoder()
	got := d.Push(Encode(nil))
	if len(got) != 1 || len(got[0]) != 0 {
		t.Fatalf("expected one empty payload, got %v", got)
	}
}

func TestFrameDecoder_ShortReadEmitsNothing(t *testing.T) {
	d := NewFrameDecoder()
	frame := Encode([]byte("payload"))
	got := d.Push(frame[:3]) // not even the full length prefix
	if len(got) != 0 {
		t.Fatalf("expected no payloads on short read, got %v", got)
	}
	got = d.Push(frame[3:])
	if len(got) != 1 || string(got[0]) != "payload" {
		t.Fatalf("expected reassembled payload, got %v", got)
	}
}

func TestFrameDecoder_ArbitraryChunking(t *testing.T) {
	payloads := [][]byte{
		[]byte("a"),
		[]byte("bcdefg"),
		{},
		[]byte("trailing message with some length"),
	}
	var wire []byte
	for _, p := range payloads {
		wire = append(wire, Encode(p)...)
	}

	rng := rand.New(rand.NewSource(1))
	d := NewFrameDecoder()
	var got [][]byte
	for len(wire) > 0 {
		n := 1 + rng.Intn(len(wire))
		got = append(got, d.Push(wire[:n])...)
		wire = wire[n:]
	}

	if len(got) != len(payloads) {
		t.Fatalf("expected %d payloads, got %d", len(payloads), len(got))
	}
	for i := range payloads {
		if !bytes.Equal(got[i], payloads[i]) {
			t.Fatalf("payload %d: expected %q got %q", i, payloads[i], got[i])
		}
	}
}

func TestFrameDecoder_ReplayedPartialFrameDoesNotGrowUnbounded(t *testing.T) {
	d := NewFrameDecoder()
	frame := Encode(bytes.Repeat([]byte("x"), 1000))

	// Feed the same short prefix repeatedly; tail should never exceed the
	// bytes actually pushed so far (no leak across repeated partials).
	for i := 0; i < 50; i++ {
		d.Push(frame[:2])
		if len(d.tail) > 2 {
			t.Fatalf("tail grew unexpectedly: %d bytes", len(d.tail))
		}
		d.tail = d.tail[:0] // reset for the next short-prefix probe
	}
}
