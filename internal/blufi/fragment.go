package blufi

import (
	"encoding/binary"
	"fmt"
)

// Fragment splits data into chunks that each fit a single frame's payload.
// The first chunk is prefixed with the big-endian u16 total content length,
// per the BLUFI fragmentation rule. maxChunk bounds the content bytes per
// fragment (the first fragment carries maxChunk-2 content bytes to make room
// for the length prefix). Returns nil for empty data; a single chunk with no
// prefix when data already fits.
func Fragment(data []byte, maxChunk int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if maxChunk <= 2 || maxChunk > MaxPayload {
		maxChunk = MaxPayload
	}
	if len(data) <= maxChunk {
		return [][]byte{data}
	}

	var chunks [][]byte
	total := len(data)
	first := make([]byte, 2, maxChunk)
	binary.BigEndian.PutUint16(first, uint16(total))
	take := maxChunk - 2
	first = append(first, data[:take]...)
	chunks = append(chunks, first)
	data = data[take:]

	for len(data) > 0 {
		n := maxChunk
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// FragmentControl returns the frame-control byte for fragment i of n,
// including the checksum bit.
func FragmentControl(i, n int) byte {
	if n <= 1 {
		return CtrlChecksum
	}
	fc := CtrlChecksum | CtrlFragmented
	if i == 0 {
		fc |= CtrlFirstFragment
	}
	if i == n-1 {
		fc |= CtrlLastFragment
	}
	return fc
}

// Reassembler collects fragments of one logical buffer in arrival order.
// The first fragment declares the total content length in its leading two
// bytes (big-endian). Reassembly completes when the last-fragment bit is
// seen or the running total reaches the declared length, whichever comes
// first. The device has been observed to mark the final fragment
// ambiguously.
type Reassembler struct {
	buf     []byte
	total   int
	started bool
}

// Started reports whether at least one fragment has been accepted.
func (r *Reassembler) Started() bool { return r.started }

// Add consumes one frame. For non-fragmented frames the whole data field is
// the buffer and Add completes immediately. Returns done=true when the
// buffer is complete; call Bytes to take it.
func (r *Reassembler) Add(f *Frame) (done bool, err error) {
	if !f.Fragmented() {
		if r.started {
			return false, fmt.Errorf("blufi: unfragmented frame in the middle of reassembly")
		}
		r.buf = append([]byte(nil), f.Data...)
		r.total = len(r.buf)
		r.started = true
		return true, nil
	}

	data := f.Data
	if !r.started {
		if len(data) < 2 {
			return false, fmt.Errorf("%w: first fragment too short for total length", ErrMalformedFrame)
		}
		r.total = int(binary.BigEndian.Uint16(data))
		data = data[2:]
		r.started = true
	}
	r.buf = append(r.buf, data...)
	if f.Last() || len(r.buf) >= r.total {
		return true, nil
	}
	return false, nil
}

// Bytes returns the reassembled buffer, truncated to the declared total when
// the device over-delivered, and resets the reassembler for the next buffer.
func (r *Reassembler) Bytes() []byte {
	buf := r.buf
	if r.total > 0 && len(buf) > r.total {
		buf = buf[:r.total]
	}
	r.buf = nil
	r.total = 0
	r.started = false
	return buf
}
