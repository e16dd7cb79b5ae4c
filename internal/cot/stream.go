package cot

import (
	"bytes"
	"fmt"

	"github.com/kstaniek/cot-relay/internal/metrics"
)

const eventEnd = "</event>"
const eventStart = "<event"

// StreamDecoder accumulates bytes from a CoT TCP/TLS stream and yields
// complete events each time a "</event>" boundary is observed. A CoT stream
// is the concatenation of well-formed event documents with no length prefix;
// whitespace and stray prologs between events are permitted and discarded.
// This deliberately does not run a general XML parser over the stream — a
// substring split on "</event>" is sufficient because CoT events never
// nest an "event" element.
type StreamDecoder struct {
	buf bytes.Buffer
}

// NewStreamDecoder returns a ready-to-use decoder.
func NewStreamDecoder() *StreamDecoder { return &StreamDecoder{} }

// Write appends bytes read from the socket to the accumulation buffer.
func (d *StreamDecoder) Write(p []byte) {
	d.buf.Write(p)
}

// Next extracts at most one complete event from the buffer. ok is false when
// no "</event>" boundary is present yet; err is non-nil when a boundary was
// found but the bytes up to it did not parse, in which case the malformed
// span is still consumed so parsing resumes past it.
func (d *StreamDecoder) Next() (ev Event, ok bool, err error) {
	data := d.buf.Bytes()
	idx := bytes.Index(data, []byte(eventEnd))
	if idx < 0 {
		return Event{}, false, nil
	}
	end := idx + len(eventEnd)
	startIdx := bytes.LastIndex(data[:end], []byte(eventStart))
	if startIdx < 0 {
		d.buf.Next(end)
		metrics.IncCotError()
		return Event{}, false, fmt.Errorf("%w: unmatched </event>", ErrBadFormat)
	}
	raw := make([]byte, end-startIdx)
	copy(raw, data[startIdx:end])
	d.buf.Next(end)
	parsed, perr := Decode(raw)
	if perr != nil {
		metrics.IncCotError()
		return Event{}, false, perr
	}
	return parsed, true, nil
}

// Drain calls onEvent for every complete event currently buffered and
// onError for every malformed span encountered along the way.
func (d *StreamDecoder) Drain(onEvent func(Event), onError func(error)) {
	for {
		ev, ok, err := d.Next()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			continue
		}
		if !ok {
			return
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
}
