// Package pktbuf implements the packet buffer: a scatter-gather,
// block-chained byte sequence with reference counting, header
// push/pop, resizing, joining, a cursor-based read/write API, and
// Internet checksumming. Every protocol layer in this module passes
// buffers by *Buffer without copying their payload.
//
// It is grounded on pktbuf.c/pktbuf.h and test/test_pktbuf.c from the
// original implementation: alloc/free/ref, header_add/header_remove
// with CONT/UNCONT policy, resize, join, set_cont, and the cursor
// operations (acc_reset, seek, read, write, fill, copy).
package pktbuf

import (
	"sync/atomic"

	"github.com/go-netstack/netstack/pkg/neterr"
	"github.com/go-netstack/netstack/pkg/pool"
)

// BlockSize is the payload capacity of one block (PKTBUF_BLK_SIZE in
// the spec's configuration knobs).
const BlockSize = 128

// HeaderPolicy controls how header_add may satisfy a request for
// leading space.
type HeaderPolicy int

const (
	// HeaderCont demands the first n bytes live in a single block,
	// prepending a new block when the leading slack is insufficient.
	HeaderCont HeaderPolicy = iota
	// HeaderUncont allows the new header to straddle block boundaries.
	HeaderUncont
)

type block struct {
	payload  [BlockSize]byte
	dataOff  int   // offset into payload where data begins
	dataSize int   // number of valid bytes starting at dataOff
	poolIdx  int32 // index in blockPool, or -1 if allocated off-pool
}

func (b *block) headSlack() int { return b.dataOff }
func (b *block) tailSlack() int { return BlockSize - b.dataOff - b.dataSize }

// Buffer is a reference-counted, block-chained byte sequence with a
// read/write cursor.
type Buffer struct {
	blocks    []*block
	totalSize int
	refCount  int32

	curBlock int // index into blocks
	curOff   int // offset within blocks[curBlock]'s payload region
	curRem   int // bytes remaining from cursor to end of buffer
}

// blockPool backs every Buffer's blocks. THREAD locking: NIC
// reader/writer goroutines and application goroutines all allocate
// packet buffers outside the single worker goroutine.
var blockPool = pool.New[block](4096, pool.LockingThread)

func allocBlock() *block {
	idx, b, err := blockPool.Alloc(-1)
	if err != nil {
		// Pool is sized generously for this module's scale; construction
		// of a fresh, off-pool block on the rare exhaustion path keeps
		// callers from having to handle block-level allocation failure
		// separately from buffer-level allocation failure.
		return &block{poolIdx: -1}
	}
	b.dataOff = 0
	b.dataSize = 0
	b.poolIdx = idx
	return b
}

// blocksNeeded returns how many blocks are needed to hold size bytes,
// each centered so both header growth and tail growth have slack.
func blocksNeeded(size int) int {
	if size == 0 {
		return 1
	}
	n := (size + BlockSize - 1) / BlockSize
	if n == 0 {
		n = 1
	}
	return n
}

// Alloc acquires enough blocks to hold size logical bytes, centers
// each block's data region so header_add and tail growth both have
// slack, and resets the cursor to offset zero. The reference count
// starts at 1.
func Alloc(size int) (*Buffer, error) {
	if size < 0 {
		return nil, neterr.New(neterr.KindParameter, "negative size")
	}
	n := blocksNeeded(size)
	buf := &Buffer{blocks: make([]*block, 0, n), refCount: 1}

	remaining := size
	for i := 0; i < n; i++ {
		b := allocBlock()
		take := remaining
		if take > BlockSize {
			take = BlockSize
		}
		// Center the data in the block: half the slack leads, half trails,
		// so a header_add or a tail grow both have room without a copy.
		slack := BlockSize - take
		b.dataOff = slack / 2
		b.dataSize = take
		buf.blocks = append(buf.blocks, b)
		remaining -= take
	}
	buf.totalSize = size
	buf.AccReset()
	return buf, nil
}

// Ref increments the reference count, used when the same buffer is
// queued to more than one consumer.
func (b *Buffer) Ref() { atomic.AddInt32(&b.refCount, 1) }

// RefCount reports the current reference count.
func (b *Buffer) RefCount() int32 { return atomic.LoadInt32(&b.refCount) }

// Free decrements the reference count; at zero every block is
// returned to the pool.
func (b *Buffer) Free() {
	if atomic.AddInt32(&b.refCount, -1) > 0 {
		return
	}
	for _, blk := range b.blocks {
		if blk.poolIdx >= 0 {
			blockPool.Free(blk.poolIdx)
		}
	}
	b.blocks = nil
	b.totalSize = 0
}

// TotalSize returns the logical size of the buffer.
func (b *Buffer) TotalSize() int { return b.totalSize }

// BlockCount returns the number of blocks currently chained.
func (b *Buffer) BlockCount() int { return len(b.blocks) }

// RemainSize returns the unused tail slack summed across all blocks;
// leading (header) slack is not counted.
func (b *Buffer) RemainSize() int {
	r := 0
	for _, blk := range b.blocks {
		r += blk.tailSlack()
	}
	return r
}

// HeaderAdd reserves n bytes at the logical front of the buffer.
func (b *Buffer) HeaderAdd(n int, policy HeaderPolicy) error {
	if n < 0 {
		return neterr.New(neterr.KindParameter, "negative header size")
	}
	if n == 0 {
		return nil
	}
	if len(b.blocks) == 0 {
		nb := allocBlock()
		nb.dataOff = BlockSize
		nb.dataSize = 0
		b.blocks = append(b.blocks, nb)
	}
	first := b.blocks[0]

	switch policy {
	case HeaderCont:
		if n > BlockSize {
			return neterr.New(neterr.KindParameter, "header larger than one block")
		}
		if first.headSlack() < n {
			nb := allocBlock()
			nb.dataOff = BlockSize - n
			nb.dataSize = n
			b.blocks = append([]*block{nb}, b.blocks...)
		} else {
			first.dataOff -= n
			first.dataSize += n
		}
	case HeaderUncont:
		remaining := n
		for remaining > 0 {
			first = b.blocks[0]
			take := first.headSlack()
			if take == 0 {
				nb := allocBlock()
				nb.dataOff = BlockSize
				nb.dataSize = 0
				b.blocks = append([]*block{nb}, b.blocks...)
				continue
			}
			if take > remaining {
				take = remaining
			}
			first.dataOff -= take
			first.dataSize += take
			remaining -= take
		}
	}
	b.totalSize += n
	b.AccReset()
	return nil
}

// HeaderRemove advances the logical start of the buffer by n bytes,
// freeing any leading block whose payload becomes fully consumed.
func (b *Buffer) HeaderRemove(n int) error {
	if n < 0 || n > b.totalSize {
		return neterr.New(neterr.KindParameter, "invalid header_remove size")
	}
	remaining := n
	for remaining > 0 && len(b.blocks) > 0 {
		first := b.blocks[0]
		if first.dataSize <= remaining {
			remaining -= first.dataSize
			b.blocks = b.blocks[1:]
			continue
		}
		first.dataOff += remaining
		first.dataSize -= remaining
		remaining = 0
	}
	b.totalSize -= n
	b.AccReset()
	return nil
}

// Resize grows the buffer by appending blocks (new payload is
// logically owned but uninitialised) or shrinks it by dropping tail
// bytes/blocks.
func (b *Buffer) Resize(newSize int) error {
	if newSize < 0 {
		return neterr.New(neterr.KindParameter, "negative size")
	}
	if newSize == b.totalSize {
		return nil
	}
	if newSize > b.totalSize {
		grow := newSize - b.totalSize
		if len(b.blocks) > 0 {
			last := b.blocks[len(b.blocks)-1]
			slack := last.tailSlack()
			take := grow
			if take > slack {
				take = slack
			}
			last.dataSize += take
			grow -= take
		}
		for grow > 0 {
			nb := allocBlock()
			take := grow
			if take > BlockSize {
				take = BlockSize
			}
			nb.dataOff = 0
			nb.dataSize = take
			b.blocks = append(b.blocks, nb)
			grow -= take
		}
	} else {
		shrink := b.totalSize - newSize
		for shrink > 0 && len(b.blocks) > 0 {
			last := b.blocks[len(b.blocks)-1]
			if last.dataSize <= shrink {
				shrink -= last.dataSize
				b.blocks = b.blocks[:len(b.blocks)-1]
				continue
			}
			last.dataSize -= shrink
			shrink = 0
		}
	}
	b.totalSize = newSize
	b.AccReset()
	return nil
}

// Join transfers ownership of src's blocks onto the tail of dst and
// frees src's (now empty) header.
func (dst *Buffer) Join(src *Buffer) error {
	dst.blocks = append(dst.blocks, src.blocks...)
	dst.totalSize += src.totalSize
	src.blocks = nil
	src.totalSize = 0
	dst.AccReset()
	return nil
}

// SetCont guarantees the first n bytes of the buffer live in a single
// contiguous block, copying from subsequent blocks as needed. It fails
// if n exceeds one block's capacity.
func (b *Buffer) SetCont(n int) error {
	if n > BlockSize {
		return neterr.New(neterr.KindParameter, "set_cont exceeds block size")
	}
	if len(b.blocks) == 0 || n <= 0 {
		return nil
	}
	first := b.blocks[0]
	if first.dataSize >= n {
		return nil
	}

	need := n - first.dataSize
	// Make room by sliding this block's data to the front of its
	// payload, maximizing available tail slack before pulling bytes in.
	copy(first.payload[0:], first.payload[first.dataOff:first.dataOff+first.dataSize])
	first.dataOff = 0
	if first.tailSlack() < need {
		return neterr.New(neterr.KindParameter, "set_cont exceeds block size")
	}

	taken := 0
	for taken < need && len(b.blocks) > 1 {
		second := b.blocks[1]
		take := need - taken
		if take > second.dataSize {
			take = second.dataSize
		}
		copy(first.payload[first.dataOff+first.dataSize:], second.payload[second.dataOff:second.dataOff+take])
		first.dataSize += take
		second.dataOff += take
		second.dataSize -= take
		taken += take
		if second.dataSize == 0 {
			b.blocks = append(b.blocks[:1], b.blocks[2:]...)
		}
	}
	b.AccReset()
	return nil
}
