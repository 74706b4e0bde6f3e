package pktbuf

import "github.com/go-netstack/netstack/pkg/neterr"

// AccReset resets the access cursor to the logical start of the
// buffer (offset zero).
func (b *Buffer) AccReset() {
	b.curBlock = 0
	b.curOff = 0
	b.curRem = b.totalSize
	if len(b.blocks) > 0 {
		b.curOff = b.blocks[0].dataOff
	}
}

// Seek repositions the cursor to an absolute logical offset.
func (b *Buffer) Seek(offset int) error {
	if offset < 0 || offset > b.totalSize {
		return neterr.New(neterr.KindParameter, "seek out of range")
	}
	b.AccReset()
	if offset == 0 {
		return nil
	}
	remaining := offset
	for remaining > 0 {
		blk := b.blocks[b.curBlock]
		avail := blk.dataSize - (b.curOff - blk.dataOff)
		if avail > remaining {
			b.curOff += remaining
			b.curRem -= remaining
			remaining = 0
		} else {
			b.curRem -= avail
			remaining -= avail
			b.curBlock++
			if b.curBlock < len(b.blocks) {
				b.curOff = b.blocks[b.curBlock].dataOff
			}
		}
	}
	return nil
}

// advance walks the cursor forward by n bytes without copying data,
// used after a checksum pass that must not disturb positioning, or by
// callers that only need to skip.
func (b *Buffer) advance(n int) {
	for n > 0 && b.curBlock < len(b.blocks) {
		blk := b.blocks[b.curBlock]
		avail := blk.dataSize - (b.curOff - blk.dataOff)
		take := n
		if take > avail {
			take = avail
		}
		b.curOff += take
		b.curRem -= take
		n -= take
		if b.curOff-blk.dataOff >= blk.dataSize {
			b.curBlock++
			if b.curBlock < len(b.blocks) {
				b.curOff = b.blocks[b.curBlock].dataOff
			}
		}
	}
}

// Read copies n bytes from the cursor into out, advancing the cursor.
// Reads that straddle a block boundary iterate across blocks
// internally.
func (b *Buffer) Read(out []byte, n int) error {
	if n > b.curRem || n > len(out) {
		return neterr.New(neterr.KindParameter, "read past end of buffer")
	}
	off := 0
	remaining := n
	for remaining > 0 {
		blk := b.blocks[b.curBlock]
		avail := blk.dataSize - (b.curOff - blk.dataOff)
		take := remaining
		if take > avail {
			take = avail
		}
		copy(out[off:off+take], blk.payload[b.curOff:b.curOff+take])
		off += take
		remaining -= take
		b.curOff += take
		b.curRem -= take
		if b.curOff-blk.dataOff >= blk.dataSize {
			b.curBlock++
			if b.curBlock < len(b.blocks) {
				b.curOff = b.blocks[b.curBlock].dataOff
			}
		}
	}
	return nil
}

// Write copies n bytes from in to the cursor position, advancing the
// cursor. Writes that straddle a block boundary iterate internally.
func (b *Buffer) Write(in []byte, n int) error {
	if n > b.curRem || n > len(in) {
		return neterr.New(neterr.KindParameter, "write past end of buffer")
	}
	off := 0
	remaining := n
	for remaining > 0 {
		blk := b.blocks[b.curBlock]
		avail := blk.dataSize - (b.curOff - blk.dataOff)
		take := remaining
		if take > avail {
			take = avail
		}
		copy(blk.payload[b.curOff:b.curOff+take], in[off:off+take])
		off += take
		remaining -= take
		b.curOff += take
		b.curRem -= take
		if b.curOff-blk.dataOff >= blk.dataSize {
			b.curBlock++
			if b.curBlock < len(b.blocks) {
				b.curOff = b.blocks[b.curBlock].dataOff
			}
		}
	}
	return nil
}

// Fill writes n copies of v starting at the cursor, advancing it.
func (b *Buffer) Fill(v byte, n int) error {
	if n > b.curRem {
		return neterr.New(neterr.KindParameter, "fill past end of buffer")
	}
	remaining := n
	for remaining > 0 {
		blk := b.blocks[b.curBlock]
		avail := blk.dataSize - (b.curOff - blk.dataOff)
		take := remaining
		if take > avail {
			take = avail
		}
		for i := 0; i < take; i++ {
			blk.payload[b.curOff+i] = v
		}
		remaining -= take
		b.curOff += take
		b.curRem -= take
		if b.curOff-blk.dataOff >= blk.dataSize {
			b.curBlock++
			if b.curBlock < len(b.blocks) {
				b.curOff = b.blocks[b.curBlock].dataOff
			}
		}
	}
	return nil
}

// Copy copies n bytes from src's cursor to dst's cursor, advancing
// both.
func Copy(dst, src *Buffer, n int) error {
	buf := make([]byte, n)
	if err := src.Read(buf, n); err != nil {
		return err
	}
	return dst.Write(buf, n)
}

// checksum16 computes the one's-complement running sum of b as
// 16-bit big-endian words, folding any final odd byte as the spec's
// Internet checksum requires.
func checksum16(data []byte, initial uint32) uint32 {
	sum := initial
	n := len(data)
	i := 0
	for ; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if i < n {
		sum += uint32(data[i]) << 8
	}
	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Checksum16 computes the one's-complement Internet checksum over the
// next n bytes starting at the cursor. initial seeds the running sum
// (so pseudo-header and segment checksums can be stitched together
// across calls). If takeBack is true the cursor is restored to its
// position before the call; otherwise it is left advanced past the n
// bytes, matching the original's take_back parameter.
func (b *Buffer) Checksum16(n int, initial uint32, takeBack bool) (uint16, error) {
	savedBlock, savedOff, savedRem := b.curBlock, b.curOff, b.curRem
	buf := make([]byte, n)
	if err := b.Read(buf, n); err != nil {
		return 0, err
	}
	sum := checksum16(buf, initial)
	if takeBack {
		b.curBlock, b.curOff, b.curRem = savedBlock, savedOff, savedRem
	}
	return foldChecksum(sum), nil
}

// ChecksumPseudoHeader seeds a running checksum with the IPv4/TCP/UDP
// pseudo-header {src_ip, dst_ip, zero, proto, tcp_len}, per §6's "TCP/
// UDP wire" checksum definition. It does not touch the buffer cursor;
// callers pass the returned partial sum as Checksum16's initial value.
func ChecksumPseudoHeader(srcIP, dstIP [4]byte, proto uint8, length uint16) uint32 {
	var sum uint32
	sum += uint32(srcIP[0])<<8 | uint32(srcIP[1])
	sum += uint32(srcIP[2])<<8 | uint32(srcIP[3])
	sum += uint32(dstIP[0])<<8 | uint32(dstIP[1])
	sum += uint32(dstIP[2])<<8 | uint32(dstIP[3])
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}
