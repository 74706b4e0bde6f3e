package timer

import "testing"

// TestDeltaSumMatchesAbsoluteExpiry checks the invariant the delta
// list exists to preserve: walking the list from front to back and
// accumulating currTicks reproduces each timer's original absolute
// delay, regardless of insertion order.
func TestDeltaSumMatchesAbsoluteExpiry(t *testing.T) {
	w := New()
	delays := []int{300, 100, 500, 100, 200}
	timers := make([]*Timer, len(delays))
	for i, d := range delays {
		timers[i] = &Timer{}
		if err := w.Add(timers[i], "t", func(*Timer, any) {}, nil, d, 0); err != nil {
			t.Fatalf("Add(%d): %v", d, err)
		}
	}

	if w.Len() != len(delays) {
		t.Fatalf("Len() = %d, want %d", w.Len(), len(delays))
	}

	want := make(map[*Timer]int, len(timers))
	for i, tm := range timers {
		want[tm] = delays[i]
	}

	acc := 0
	seen := 0
	for n := w.timers.Front(); n != nil; n = n.Next() {
		acc += n.Value.currTicks
		if acc != want[n.Value] {
			t.Fatalf("cumulative delay for %p = %d, want %d", n.Value, acc, want[n.Value])
		}
		seen++
	}
	if seen != len(delays) {
		t.Fatalf("walked %d nodes, want %d", seen, len(delays))
	}
}

func TestCheckTimeoutFiresInOrder(t *testing.T) {
	w := New()
	var fired []string
	mk := func(name string) Handle {
		return func(tm *Timer, arg any) { fired = append(fired, name) }
	}

	a, b, c := &Timer{}, &Timer{}, &Timer{}
	w.Add(a, "a", mk("a"), nil, 100, 0)
	w.Add(b, "b", mk("b"), nil, 250, 0)
	w.Add(c, "c", mk("c"), nil, 300, 0)

	if err := w.CheckTimeout(100); err != nil {
		t.Fatal(err)
	}
	if got := fired; len(got) != 1 || got[0] != "a" {
		t.Fatalf("after 100ms fired = %v, want [a]", got)
	}
	if w.Len() != 2 {
		t.Fatalf("Len() after first fire = %d, want 2", w.Len())
	}

	if err := w.CheckTimeout(150); err != nil {
		t.Fatal(err)
	}
	if got := fired; len(got) != 2 || got[1] != "b" {
		t.Fatalf("after 250ms fired = %v, want [a b]", got)
	}

	if err := w.CheckTimeout(50); err != nil {
		t.Fatal(err)
	}
	if got := fired; len(got) != 3 || got[2] != "c" {
		t.Fatalf("after 300ms fired = %v, want [a b c]", got)
	}
	if w.Len() != 0 {
		t.Fatalf("Len() after all fired = %d, want 0", w.Len())
	}
}

func TestReloadRearms(t *testing.T) {
	w := New()
	fires := 0
	tm := &Timer{}
	w.Add(tm, "periodic", func(*Timer, any) { fires++ }, nil, 100, Reload)

	for i := 0; i < 3; i++ {
		if err := w.CheckTimeout(100); err != nil {
			t.Fatal(err)
		}
	}
	if fires != 3 {
		t.Fatalf("fires = %d, want 3", fires)
	}
	if w.Len() != 1 {
		t.Fatalf("Len() after reload = %d, want 1 (still armed)", w.Len())
	}
	if w.FirstTimeout() != 100 {
		t.Fatalf("FirstTimeout() = %d, want 100", w.FirstTimeout())
	}
}

func TestRemoveRedistributesRemainder(t *testing.T) {
	w := New()
	a, b := &Timer{}, &Timer{}
	w.Add(a, "a", func(*Timer, any) {}, nil, 100, 0)
	w.Add(b, "b", func(*Timer, any) {}, nil, 300, 0)

	if b.currTicks != 200 {
		t.Fatalf("b.currTicks before remove = %d, want 200", b.currTicks)
	}
	w.Remove(a)
	if b.currTicks != 300 {
		t.Fatalf("b.currTicks after removing a = %d, want 300 (absorbed a's remainder)", b.currTicks)
	}
	if a.active {
		t.Fatalf("a.active after Remove = true")
	}
}

func TestFirstTimeoutEmptyWheel(t *testing.T) {
	w := New()
	if got := w.FirstTimeout(); got != 0 {
		t.Fatalf("FirstTimeout() on empty wheel = %d, want 0", got)
	}
}

func TestAddRejectsInvalidArgs(t *testing.T) {
	w := New()
	if err := w.Add(nil, "x", func(*Timer, any) {}, nil, 10, 0); err == nil {
		t.Fatal("expected error for nil timer")
	}
	if err := w.Add(&Timer{}, "x", nil, nil, 10, 0); err == nil {
		t.Fatal("expected error for nil handle")
	}
	if err := w.Add(&Timer{}, "x", func(*Timer, any) {}, nil, -1, 0); err == nil {
		t.Fatal("expected error for negative delay")
	}
}

func TestCheckTimeoutRejectsNonPositiveDiff(t *testing.T) {
	w := New()
	if err := w.CheckTimeout(0); err == nil {
		t.Fatal("expected error for zero diff_ms")
	}
	if err := w.CheckTimeout(-5); err == nil {
		t.Fatal("expected error for negative diff_ms")
	}
}
