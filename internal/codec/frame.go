// Package codec deframes provider A's length-prefixed TCP byte stream
// (spec §4.1). Each frame is a 4-byte big-endian length L followed by
// exactly L payload bytes; payload decoding itself (protobuf) is out of
// scope here and left to the ctrader package.
package codec

import "encoding/binary"

const lengthPrefixSize = 4

// FrameDecoder reassembles length-prefixed frames from arbitrary TCP reads.
// It holds only the unconsumed tail between calls, so memory does not grow
// unboundedly across repeated partial pushes of the same frame.
type FrameDecoder struct {
	tail []byte
}

// NewFrameDecoder returns an empty decoder.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Push appends newly-read bytes and returns every payload that can be fully
// reassembled from the buffer so far, in order. Bytes belonging to an
// incomplete trailing frame are retained internally as the new tail.
func (d *FrameDecoder) Push(chunk []byte) [][]byte {
	d.tail = append(d.tail, chunk...)

	var payloads [][]byte
	for {
		if len(d.tail) < lengthPrefixSize {
			break
		}
		length := binary.BigEndian.Uint32(d.tail[:lengthPrefixSize])
		total := lengthPrefixSize + int(length)
		if len(d.tail) < total {
			break
		}

		payload := make([]byte, length)
		copy(payload, d.tail[lengthPrefixSize:total])
		payloads = append(payloads, payload)

		// Shrink the tail in place rather than re-slicing forever, so a
		// decoder fed many small chunks of one giant frame doesn't retain
		// the whole history via an ever-growing backing array.
		remaining := len(d.tail) - total
		copy(d.tail, d.tail[total:])
		d.tail = d.tail[:remaining]
	}

	return payloads
}

// Encode builds a length-prefixed frame for a payload. Used by tests and by
// any outbound framing the ctrader transport needs.
func Encode(payload []byte) []byte {
	buf := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:lengthPrefixSize], uint32(len(payload)))
	copy(buf[lengthPrefixSize:], payload)
	return buf
}
