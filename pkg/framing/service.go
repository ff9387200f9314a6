// Package framing turns the raw byte chunks delivered by the radio link
// into complete newline-terminated lines. The transport gives no framing
// guarantee: a chunk may hold half a line, several lines, or both.
package framing

import "bytes"

// LineFramer accumulates chunks and splits out completed lines. The
// trailing unterminated tail stays buffered between Feed calls until its
// newline arrives.
//
// No maximum buffer length is enforced. A stream that never sends a
// newline will grow the pending buffer without bound; that is a known
// limitation of the wire protocol, which has no other delimiter to cap on.
type LineFramer struct {
	pending []byte
}

func NewLineFramer() *LineFramer {
	return &LineFramer{}
}

// Feed appends chunk to the pending buffer and returns every line
// completed by it, in arrival order. Lines come back without their
// newline terminator and untrimmed; empty lines are returned too and are
// the caller's to skip.
func (f *LineFramer) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	f.pending = append(f.pending, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(f.pending, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(f.pending[:i]))
		f.pending = f.pending[i+1:]
	}
	return lines
}

// Pending returns a copy of the buffered unterminated tail.
func (f *LineFramer) Pending() []byte {
	out := make([]byte, len(f.pending))
	copy(out, f.pending)
	return out
}

// Reset discards the buffered partial line. Runs when a session ends so
// stale bytes never leak into the next connection.
func (f *LineFramer) Reset() {
	f.pending = nil
}
