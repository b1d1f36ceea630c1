package player

// compactThreshold is the consumed prefix size above which the accumulator
// moves its unread bytes back to the start of the backing array.
const compactThreshold = 4096

// Accumulator is an append/consume byte queue. It keeps bytes received from
// the connection until a complete frame can be cut from its front.
//
// An Accumulator is not safe for concurrent use; it belongs to one Session.
type Accumulator struct {
	buf []byte
	off int // read offset into buf
}

// Put appends a copy of p.
func (a *Accumulator) Put(p []byte) {
	if len(p) == 0 {
		return
	}
	a.compact()
	a.buf = append(a.buf, p...)
}

// Len returns the number of unconsumed bytes.
func (a *Accumulator) Len() int {
	return len(a.buf) - a.off
}

// Peek returns the first n unconsumed bytes without removing them.
// The returned slice aliases internal storage and is valid until the next Put.
// It panics if n > Len().
func (a *Accumulator) Peek(n int) []byte {
	if n > a.Len() {
		panic("player: accumulator peek beyond length")
	}
	return a.buf[a.off : a.off+n]
}

// Cut removes the first n bytes and returns them as an owned slice.
// It panics if n > Len().
func (a *Accumulator) Cut(n int) []byte {
	out := make([]byte, n)
	copy(out, a.Peek(n))
	a.Discard(n)
	return out
}

// Discard drops the first n bytes. It panics if n > Len().
func (a *Accumulator) Discard(n int) {
	if n > a.Len() {
		panic("player: accumulator discard beyond length")
	}
	a.off += n
	if a.off == len(a.buf) {
		a.buf = a.buf[:0]
		a.off = 0
	}
}

// Reset drops every unconsumed byte.
func (a *Accumulator) Reset() {
	a.buf = a.buf[:0]
	a.off = 0
}

func (a *Accumulator) compact() {
	if a.off < compactThreshold {
		return
	}
	n := copy(a.buf, a.buf[a.off:])
	a.buf = a.buf[:n]
	a.off = 0
}
