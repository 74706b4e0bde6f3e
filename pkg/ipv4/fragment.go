package ipv4

import (
	"sync"

	"github.com/go-netstack/netstack/internal/dlist"
	"github.com/go-netstack/netstack/pkg/pktbuf"
	"github.com/go-netstack/netstack/pkg/timer"
)

type fragKey struct {
	srcIP [4]byte
	id    uint16
}

type piece struct {
	offset int
	size   int
	last   bool // this fragment carries MF=0
	buf    *pktbuf.Buffer
}

type fragEntry struct {
	key     fragKey
	pieces  []piece // kept sorted by offset
	seenEnd bool     // a fragment with MF=0 has been seen
	node    *dlist.Node[*fragEntry]
	wdog    *timer.Timer
}

// fragTable is the table of in-progress reassemblies, kept in
// least-recently-used order: an entry moves to the front whenever one
// of its fragments arrives. Starting a new reassembly while the table
// is full discards the least recently used entry; otherwise an
// incomplete reassembly is discarded when its watchdog timer expires.
type fragTable struct {
	mu    sync.Mutex
	wheel *timer.Wheel
	byKey map[fragKey]*dlist.Node[*fragEntry]
	list  *dlist.List[*fragEntry]
}

func newFragTable(wheel *timer.Wheel) *fragTable {
	return &fragTable{
		wheel: wheel,
		byKey: make(map[fragKey]*dlist.Node[*fragEntry]),
		list:  dlist.New[*fragEntry](),
	}
}

// Occupied reports how many reassemblies are currently in progress,
// for pkg/stats.
func (t *fragTable) Occupied() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list.Len()
}

func (t *fragTable) discard(entry *fragEntry) {
	t.mu.Lock()
	n, ok := t.byKey[entry.key]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.byKey, entry.key)
	t.list.Remove(n)
	t.mu.Unlock()

	for _, p := range entry.pieces {
		p.buf.Free()
	}
}

// insert adds one fragment to its reassembly entry. It returns a
// non-nil buffer once a contiguous run from offset 0 through a
// fragment with MF=0 is present, having spliced every fragment's data
// into one buffer in offset order and removed the entry.
func (t *fragTable) insert(h Header, buf *pktbuf.Buffer) (*pktbuf.Buffer, error) {
	key := fragKey{srcIP: h.SrcIP, id: h.ID}

	t.mu.Lock()
	n, ok := t.byKey[key]
	var entry *fragEntry
	if !ok {
		const maxEntries = 10
		if t.list.Len() >= maxEntries {
			old := t.list.Back().Value
			t.wheel.Remove(old.wdog)
			delete(t.byKey, old.key)
			t.list.Remove(old.node)
			for _, p := range old.pieces {
				p.buf.Free()
			}
		}
		entry = &fragEntry{key: key}
		entry.node = t.list.PushFront(entry)
		t.byKey[key] = entry.node
		wd := &timer.Timer{}
		entry.wdog = wd
		e := entry
		t.wheel.Add(wd, "ip-frag", func(*timer.Timer, any) { t.discard(e) }, nil, fragWatchdog, 0)
	} else {
		entry = n.Value
		t.list.MoveToFront(n)
	}

	entry.pieces = append(entry.pieces, piece{offset: h.FragOffset, size: buf.TotalSize(), last: !h.MF, buf: buf})
	sortPieces(entry.pieces)
	if !h.MF {
		entry.seenEnd = true
	}

	complete := entry.contiguousComplete()
	if complete == nil {
		t.mu.Unlock()
		return nil, nil
	}

	t.wheel.Remove(entry.wdog)
	delete(t.byKey, key)
	t.list.Remove(entry.node)
	t.mu.Unlock()

	return complete, nil
}

func sortPieces(p []piece) {
	for i := 1; i < len(p); i++ {
		for j := i; j > 0 && p[j-1].offset > p[j].offset; j-- {
			p[j-1], p[j] = p[j], p[j-1]
		}
	}
}

// contiguousComplete checks whether the pieces collected so far form
// an unbroken run from offset 0 through the fragment marked MF=0, and
// if so joins them into a single buffer. It returns nil if the
// reassembly is still incomplete.
func (e *fragEntry) contiguousComplete() *pktbuf.Buffer {
	if !e.seenEnd || len(e.pieces) == 0 || e.pieces[0].offset != 0 {
		return nil
	}
	expect := 0
	lastIdx := -1
	for i, p := range e.pieces {
		if p.offset != expect {
			return nil
		}
		expect += p.size
		if p.last {
			lastIdx = i
			break
		}
	}
	if lastIdx < 0 {
		return nil
	}
	whole := e.pieces[0].buf
	for _, rest := range e.pieces[1 : lastIdx+1] {
		whole.Join(rest.buf)
	}
	return whole
}
