package tcp

// before reports whether a precedes b in the modular 32-bit sequence
// space, spec.md §4.M: before(a,b) ≡ (int32)(a-b) < 0.
func before(a, b uint32) bool { return int32(a-b) < 0 }

// after is before with its arguments reversed.
func after(a, b uint32) bool { return before(b, a) }

// beforeEq is before-or-equal.
func beforeEq(a, b uint32) bool { return a == b || before(a, b) }

// afterEq is after-or-equal.
func afterEq(a, b uint32) bool { return a == b || after(a, b) }

// between reports whether b lies in the half-open modular range
// (a, c]: a < b <= c.
func between(a, b, c uint32) bool { return before(a, b) && beforeEq(b, c) }

// ring is the fixed-capacity byte ring buffer backing each
// connection's send and receive queues, spec.md §4.M
// "{data, count, size, in, out}". read_to_pktbuf/remove/
// write_from_pktbuf map to peek/remove/write below.
type ring struct {
	data       []byte
	count      int // bytes currently held
	in, out    int // next write/read index, mod len(data)
}

func newRing(size int) *ring {
	return &ring{data: make([]byte, size)}
}

func (r *ring) free() int { return len(r.data) - r.count }

// write appends up to len(p) bytes, bounded by free space, and
// reports how many were actually written.
func (r *ring) write(p []byte) int {
	n := len(p)
	if n > r.free() {
		n = r.free()
	}
	for i := 0; i < n; i++ {
		r.data[r.in] = p[i]
		r.in = (r.in + 1) % len(r.data)
	}
	r.count += n
	return n
}

// peek copies up to n bytes starting at offset from the front of the
// ring into out, without removing them (read_to_pktbuf: data must
// survive for retransmission until acked).
func (r *ring) peek(out []byte, offset, n int) int {
	if offset >= r.count {
		return 0
	}
	if offset+n > r.count {
		n = r.count - offset
	}
	start := (r.out + offset) % len(r.data)
	for i := 0; i < n; i++ {
		out[i] = r.data[(start+i)%len(r.data)]
	}
	return n
}

// remove advances out by n bytes (after the peer has acked them).
func (r *ring) remove(n int) {
	if n > r.count {
		n = r.count
	}
	r.out = (r.out + n) % len(r.data)
	r.count -= n
}
