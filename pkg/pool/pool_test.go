package pool

import (
	"testing"

	"github.com/go-netstack/netstack/pkg/neterr"
)

func TestFreeInUseInvariant(t *testing.T) {
	p := New[int](8, LockingThread)
	var idxs []int32
	for i := 0; i < 5; i++ {
		idx, _, err := p.Alloc(-1)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		idxs = append(idxs, idx)
		if p.FreeCount()+p.InUse() != p.Capacity() {
			t.Fatalf("free(%d) + in_use(%d) != capacity(%d)", p.FreeCount(), p.InUse(), p.Capacity())
		}
	}
	for _, idx := range idxs {
		p.Free(idx)
		if p.FreeCount()+p.InUse() != p.Capacity() {
			t.Fatalf("free + in_use != capacity after Free")
		}
	}
	if p.InUse() != 0 {
		t.Fatalf("InUse = %d after freeing everything, want 0", p.InUse())
	}
}

func TestAllocExhaustionNonBlocking(t *testing.T) {
	p := New[int](2, LockingThread)
	if _, _, err := p.Alloc(-1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Alloc(-1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Alloc(-1); !neterr.Is(err, neterr.KindResourceExhausted) {
		t.Fatalf("Alloc on exhausted pool = %v, want KindResourceExhausted", err)
	}
}

func TestAllocTimeout(t *testing.T) {
	p := New[int](1, LockingThread)
	if _, _, err := p.Alloc(-1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Alloc(20); !neterr.Is(err, neterr.KindTimeout) {
		t.Fatalf("Alloc(20) on exhausted pool = %v, want KindTimeout", err)
	}
}

func TestFreeZeroesSlot(t *testing.T) {
	p := New[int](1, LockingNone)
	idx, v, err := p.Alloc(-1)
	if err != nil {
		t.Fatal(err)
	}
	*v = 42
	p.Free(idx)
	idx2, v2, err := p.Alloc(-1)
	if err != nil {
		t.Fatal(err)
	}
	if idx2 != idx {
		t.Fatalf("re-alloc got different slot: %d vs %d", idx2, idx)
	}
	if *v2 != 0 {
		t.Fatalf("re-allocated slot not zeroed, got %d", *v2)
	}
}

func TestLockingNoneEnforcesCapacity(t *testing.T) {
	p := New[int](1, LockingNone)
	if _, _, err := p.Alloc(-1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Alloc(-1); !neterr.Is(err, neterr.KindResourceExhausted) {
		t.Fatalf("LockingNone pool should still enforce capacity, got %v", err)
	}
}
