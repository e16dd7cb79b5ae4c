package mesh

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/cot-relay/internal/metrics"
)

// Magic bytes that open every radio-link frame.
const (
	magic0 = 0x94
	magic1 = 0xc3
)

// MaxFrameLength is the largest payload a frame may declare; a length field
// exceeding this is a protocol violation rather than a truncated frame.
const MaxFrameLength = 512

// ErrTruncated means a complete frame has not arrived yet. Decoder.Next
// does not return it: it reports an incomplete frame as ok=false with a
// nil error, and the caller reads more bytes and calls Next again.
var ErrTruncated = errors.New("mesh: truncated frame")

// ErrFrameTooLarge means a declared length exceeded MaxFrameLength.
var ErrFrameTooLarge = errors.New("mesh: frame too large")

var magicSeq = []byte{magic0, magic1}

// EncodeFrame wraps payload (a marshalled Envelope) in the magic/length
// header. It panics if payload exceeds MaxFrameLength, which callers must
// never hit given the chunking policy caps fragments well under that.
func EncodeFrame(payload []byte) []byte {
	if len(payload) > MaxFrameLength {
		panic(fmt.Sprintf("mesh: payload length %d exceeds max frame length %d", len(payload), MaxFrameLength))
	}
	out := make([]byte, 4+len(payload))
	out[0] = magic0
	out[1] = magic1
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}

// Decoder extracts frames from a growing byte buffer fed by a stream
// transport (serial port or TCP socket to a radio). Bytes preceding a
// recognized magic sequence are silently discarded; a declared length
// exceeding MaxFrameLength is treated as corruption and the decoder resyncs
// past it rather than waiting for bytes that will never complete a valid
// frame.
type Decoder struct {
	buf bytes.Buffer
}

// NewDecoder returns a ready-to-use frame decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Write appends newly-read bytes to the accumulation buffer.
func (d *Decoder) Write(p []byte) {
	d.buf.Write(p)
}

// Next extracts at most one frame's payload. ok is false when no complete
// frame is available yet (more bytes are needed); this is the only case
// where err is nil and ok is false. A malformed leading length causes Next
// to resync internally and return ErrFrameTooLarge so the caller can count
// the rejection, while retaining enough buffered bytes to keep scanning.
func (d *Decoder) Next() (payload []byte, ok bool, err error) {
	for {
		data := d.buf.Bytes()
		idx := bytes.Index(data, magicSeq)
		if idx < 0 {
			// No magic sequence found. Keep the trailing byte in case it is
			// the first half of a magic sequence split across reads.
			if d.buf.Len() > 1 {
				last := data[len(data)-1]
				d.buf.Reset()
				d.buf.WriteByte(last)
			}
			return nil, false, nil
		}
		if idx > 0 {
			d.buf.Next(idx)
			data = d.buf.Bytes()
		}
		if len(data) < 4 {
			return nil, false, nil
		}
		length := int(binary.BigEndian.Uint16(data[2:4]))
		if length > MaxFrameLength {
			// Corrupt length field: this cannot be a real header. Advance
			// past the whole bogus header and keep scanning for the next
			// occurrence instead of stalling forever.
			d.buf.Next(4)
			metrics.IncMalformed()
			return nil, false, fmt.Errorf("%w: declared length %d", ErrFrameTooLarge, length)
		}
		if len(data) < 4+length {
			return nil, false, nil
		}
		out := make([]byte, length)
		copy(out, data[4:4+length])
		d.buf.Next(4 + length)
		metrics.IncMeshRx()
		return out, true, nil
	}
}

// Drain calls onFrame for every complete frame currently buffered and
// onError for every rejected malformed header encountered along the way.
func (d *Decoder) Drain(onFrame func(payload []byte), onError func(error)) {
	for {
		payload, ok, err := d.Next()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			continue
		}
		if !ok {
			return
		}
		if onFrame != nil {
			onFrame(payload)
		}
	}
}
