// Package pool implements the fixed-block allocator: O(1) typed pools
// of equal-sized records, carved once from a preallocated slice so the
// hot packet path never calls into the Go allocator. It is grounded on
// mblock.c/mblock.h from the original implementation: mblock_init,
// mblock_alloc(wait_ms), mblock_free, and the two locking modes
// (single-threaded NONE, and THREAD with a mutex plus a counting
// semaphore gating allocation).
package pool

import (
	"sync"
	"time"

	"github.com/go-netstack/netstack/pkg/neterr"
)

// Locking selects whether a Pool protects its free list. NIC
// reader/writer threads and the application threads that reach into
// packet-buffer pools need LockingThread; every pool reachable only
// from the single worker goroutine uses LockingNone and skips the
// mutex and semaphore entirely.
type Locking int

const (
	LockingNone Locking = iota
	LockingThread
)

// Pool is a fixed-capacity set of preallocated T values. The zero
// value is not usable; construct with New.
type Pool[T any] struct {
	locking Locking
	mu      sync.Mutex
	slots   []T
	free    []int32 // indices into slots, used as a stack
	sem     chan struct{}
}

// New carves count elements of T into a pool. With LockingThread, sem
// is a buffered channel of capacity count used as a counting
// semaphore: one token per free slot, exactly mirroring
// sys_sem_create(blk_cnt) in the original.
func New[T any](count int, locking Locking) *Pool[T] {
	p := &Pool[T]{
		locking: locking,
		slots:   make([]T, count),
		free:    make([]int32, count),
	}
	for i := range p.free {
		p.free[i] = int32(i)
	}
	if locking == LockingThread {
		p.sem = make(chan struct{}, count)
		for i := 0; i < count; i++ {
			p.sem <- struct{}{}
		}
	}
	return p
}

// Alloc returns the index of a free slot and a pointer to its value.
// waitMs follows the stack-wide timeout convention: negative means
// fail immediately if nothing is free, zero blocks forever, positive
// blocks up to that many milliseconds before returning
// neterr.ErrTimeout.
func (p *Pool[T]) Alloc(waitMs int) (int32, *T, error) {
	if p.locking == LockingNone {
		return p.allocLocked()
	}

	switch {
	case waitMs < 0:
		select {
		case <-p.sem:
			return p.allocLocked()
		default:
			return -1, nil, neterr.ErrPoolExhausted
		}
	case waitMs == 0:
		<-p.sem
		return p.allocLocked()
	default:
		t := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
		defer t.Stop()
		select {
		case <-p.sem:
			return p.allocLocked()
		case <-t.C:
			return -1, nil, neterr.ErrTimeout
		}
	}
}

func (p *Pool[T]) allocLocked() (int32, *T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return -1, nil, neterr.ErrPoolExhausted
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	return idx, &p.slots[idx], nil
}

// Free returns idx to the pool, zeroing its value so a stale
// reference can't observe the previous occupant's data.
func (p *Pool[T]) Free(idx int32) {
	p.mu.Lock()
	var zero T
	p.slots[idx] = zero
	p.free = append(p.free, idx)
	p.mu.Unlock()

	if p.locking == LockingThread {
		p.sem <- struct{}{}
	}
}

// FreeCount reports the number of currently unallocated slots.
func (p *Pool[T]) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Capacity reports the total number of slots the pool was created with.
func (p *Pool[T]) Capacity() int { return len(p.slots) }

// InUse reports Capacity - FreeCount, the invariant checked by tests:
// for all pools, free + in_use == capacity at all times.
func (p *Pool[T]) InUse() int { return p.Capacity() - p.FreeCount() }

// At returns a pointer to the slot at idx without allocating it. Used
// by owners that already hold an index (e.g. a packet buffer's block
// chain) to reach the underlying value.
func (p *Pool[T]) At(idx int32) *T { return &p.slots[idx] }
