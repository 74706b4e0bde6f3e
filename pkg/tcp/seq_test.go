package tcp

import "testing"

func TestBeforeAfterWrap(t *testing.T) {
	if !before(0xfffffff0, 0x00000010) {
		t.Fatal("before should hold across a 32-bit wraparound")
	}
	if !after(0x00000010, 0xfffffff0) {
		t.Fatal("after should be before with arguments reversed")
	}
	if before(10, 10) {
		t.Fatal("before(a, a) must be false")
	}
	if !beforeEq(10, 10) {
		t.Fatal("beforeEq(a, a) must be true")
	}
	if !afterEq(10, 10) {
		t.Fatal("afterEq(a, a) must be true")
	}
}

func TestBetweenHalfOpenRange(t *testing.T) {
	// between(a, b, c): a < b <= c
	if !between(100, 101, 200) {
		t.Fatal("101 should lie in (100, 200]")
	}
	if !between(100, 200, 200) {
		t.Fatal("the upper bound is inclusive")
	}
	if between(100, 100, 200) {
		t.Fatal("the lower bound is exclusive")
	}
	if between(100, 201, 200) {
		t.Fatal("201 lies outside (100, 200]")
	}
}

func TestBetweenAcrossWraparound(t *testing.T) {
	a := uint32(0xfffffff0)
	c := uint32(0x00000010)
	if !between(a, 0xfffffff8, c) {
		t.Fatal("between should handle a window that wraps past 2^32-1")
	}
	if !between(a, 0x00000008, c) {
		t.Fatal("between should handle a value past the wrap")
	}
	if between(a, 0x00000020, c) {
		t.Fatal("a value past c should not be between")
	}
}

func TestRingWriteAndPeekRoundTrip(t *testing.T) {
	r := newRing(8)
	n := r.write([]byte("hello"))
	if n != 5 {
		t.Fatalf("write() = %d, want 5", n)
	}
	if r.free() != 3 {
		t.Fatalf("free() = %d, want 3", r.free())
	}

	out := make([]byte, 5)
	if got := r.peek(out, 0, 5); got != 5 || string(out) != "hello" {
		t.Fatalf("peek() = %d %q, want 5 %q", got, out, "hello")
	}
	// peek must not consume bytes.
	if got := r.peek(out, 0, 5); got != 5 || string(out) != "hello" {
		t.Fatalf("second peek() = %d %q, want unchanged", got, out)
	}
}

func TestRingWriteBoundedByFreeSpace(t *testing.T) {
	r := newRing(4)
	n := r.write([]byte("abcdef"))
	if n != 4 {
		t.Fatalf("write() = %d, want 4 (capacity-bounded)", n)
	}
	if r.free() != 0 {
		t.Fatalf("free() = %d, want 0", r.free())
	}
}

func TestRingRemoveAdvancesWindow(t *testing.T) {
	r := newRing(8)
	r.write([]byte("abcdef"))
	r.remove(3)
	if r.count != 3 {
		t.Fatalf("count after remove(3) = %d, want 3", r.count)
	}
	out := make([]byte, 3)
	if got := r.peek(out, 0, 3); got != 3 || string(out) != "def" {
		t.Fatalf("peek after remove = %d %q, want 3 %q", got, out, "def")
	}
}

func TestRingWrapsAroundBuffer(t *testing.T) {
	r := newRing(4)
	r.write([]byte("ab"))
	r.remove(2)
	n := r.write([]byte("cdef"))
	if n != 4 {
		t.Fatalf("write() after wraparound = %d, want 4", n)
	}
	out := make([]byte, 4)
	if got := r.peek(out, 0, 4); got != 4 || string(out) != "cdef" {
		t.Fatalf("peek after wraparound = %d %q, want 4 %q", got, out, "cdef")
	}
}

func TestRingPeekOffsetPastCountReturnsZero(t *testing.T) {
	r := newRing(8)
	r.write([]byte("abc"))
	out := make([]byte, 4)
	if got := r.peek(out, 3, 4); got != 0 {
		t.Fatalf("peek at offset == count returned %d, want 0", got)
	}
}
