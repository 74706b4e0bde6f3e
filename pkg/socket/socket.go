// Package socket implements spec.md §4.K: the fixed-size fd table,
// the socket base vtable, and the wait-object primitive every
// blocking call suspends on. It is grounded on spec.md's own socket
// layer description; there is no single teacher file for this (the
// teacher repo wraps already-open kernel sockets rather than
// implementing socket() itself), so the vtable shape follows
// spec.md §4.K directly and the wait object reuses this module's
// timeout convention from pkg/pool and pkg/queue.
package socket

import (
	"sync"
	"time"

	"github.com/go-netstack/netstack/pkg/neterr"
	"github.com/go-netstack/netstack/pkg/sockaddr"
)

// Family/Type/Proto mirror the BSD constants spec.md §6 names.
const (
	AFInet = 2

	SockRaw    = 1
	SockDgram  = 2
	SockStream = 3

	IPProtoICMP = 1
	IPProtoTCP  = 6
	IPProtoUDP  = 17
)

// setsockopt levels and names (spec.md §6).
const (
	SolSocket = 1
	SolTCP    = 2

	SoRcvTimeo   = 1
	SoSndTimeo   = 2
	SoKeepAlive  = 3
	TCPKeepIdle  = 4
	TCPKeepIntvl = 5
	TCPKeepCnt   = 6
)

// Socket is the vtable every protocol variant (raw, UDP, TCP)
// implements. Variants may implement Send/Recv by deferring to
// SendTo/RecvFrom with the bound remote address — see DefaultSend/
// DefaultRecv.
type Socket interface {
	Bind(addr sockaddr.Addr) error
	Connect(addr sockaddr.Addr, waitMs int) error
	Close() error
	SendTo(data []byte, addr sockaddr.Addr, waitMs int) (int, error)
	RecvFrom(buf []byte, waitMs int) (int, sockaddr.Addr, error)
	Send(data []byte, waitMs int) (int, error)
	Recv(buf []byte, waitMs int) (int, error)
	SetOpt(level, name int, value int) error
}

// RemoteAddr is implemented by variants that track a connected/bound
// remote address, letting DefaultSend/DefaultRecv find it.
type RemoteAddr interface {
	BoundRemote() (sockaddr.Addr, bool)
}

// DefaultSend implements the "send defers to sendto with the bound
// remote address" rule from spec.md §4.K.
func DefaultSend(s Socket, r RemoteAddr, data []byte, waitMs int) (int, error) {
	addr, ok := r.BoundRemote()
	if !ok {
		return 0, neterr.New(neterr.KindParameter, "socket has no connected remote for send")
	}
	return s.SendTo(data, addr, waitMs)
}

// DefaultRecv implements the symmetric rule for recv.
func DefaultRecv(s Socket, buf []byte, waitMs int) (int, error) {
	n, _, err := s.RecvFrom(buf, waitMs)
	return n, err
}

// WaitObject is a counting semaphore plus a stored wake reason,
// spec.md §4.K. The worker wakes it by recording a reason and
// signalling; the caller's blocking shim reads the reason back.
// conn_wait/send_wait/recv_wait are each a distinct WaitObject so
// concurrent readers and writers on one fd don't interfere.
type WaitObject struct {
	sem    chan struct{}
	mu     sync.Mutex
	reason error
}

// NewWaitObject returns an unsignalled wait object.
func NewWaitObject() *WaitObject {
	return &WaitObject{sem: make(chan struct{}, 1)}
}

// Wake records reason and signals one waiter. Repeated wakes before a
// Wait collapse to the most recent reason, since the semaphore only
// ever needs to convey "something happened, check the reason".
func (w *WaitObject) Wake(reason error) {
	w.mu.Lock()
	w.reason = reason
	w.mu.Unlock()
	select {
	case w.sem <- struct{}{}:
	default:
	}
}

// Wait suspends following this module's timeout convention: negative
// fails immediately if unsignalled, zero blocks forever, positive
// blocks up to that many milliseconds.
func (w *WaitObject) Wait(waitMs int) error {
	switch {
	case waitMs < 0:
		select {
		case <-w.sem:
			return w.reasonLocked()
		default:
			return neterr.ErrWouldBlock
		}
	case waitMs == 0:
		<-w.sem
		return w.reasonLocked()
	default:
		t := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
		defer t.Stop()
		select {
		case <-w.sem:
			return w.reasonLocked()
		case <-t.C:
			return neterr.ErrTimeout
		}
	}
}

func (w *WaitObject) reasonLocked() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}

// Table is the fixed-size fd table: small non-negative integers map
// to socket records.
type Table struct {
	mu    sync.Mutex
	slots []Socket
}

// NewTable returns an fd table with room for maxCnt open sockets.
func NewTable(maxCnt int) *Table {
	return &Table{slots: make([]Socket, maxCnt)}
}

// Alloc installs s in the first free slot and returns its fd.
func (t *Table) Alloc(s Socket) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, slot := range t.slots {
		if slot == nil {
			t.slots[i] = s
			return i, nil
		}
	}
	return -1, neterr.New(neterr.KindResourceExhausted, "socket table full")
}

// Get returns the socket bound to fd.
func (t *Table) Get(fd int) (Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return nil, neterr.New(neterr.KindParameter, "bad file descriptor")
	}
	return t.slots[fd], nil
}

// Free removes fd's socket from the table, closing it first.
func (t *Table) Free(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return neterr.New(neterr.KindParameter, "bad file descriptor")
	}
	s := t.slots[fd]
	t.slots[fd] = nil
	return s.Close()
}
