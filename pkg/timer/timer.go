// Package timer implements the delta-list timer wheel: a single sorted
// list of timers where each node's tick count is relative to its
// predecessor's, so scanning for expired timers and re-sorting on
// insert both stay O(n) over live timers rather than over the full
// range of possible delays. It is grounded on timer.c/timer.h from the
// original implementation: net_timer_add, the insert_timer delta
// rebalancing, net_timer_remove, net_timer_check_tmo, and
// net_timer_first_tmo.
package timer

import (
	"github.com/go-netstack/netstack/internal/dlist"
	"github.com/go-netstack/netstack/pkg/neterr"
)

// Reload, when set on a Timer, causes it to be re-armed with its
// original delay immediately after its handler runs.
const Reload = 1 << 0

// Handle is a timer's expiry callback, invoked by Wheel.CheckTimeout on
// the goroutine that calls it (pkg/stack's housekeeping goroutine).
type Handle func(t *Timer, arg any)

// Timer is one entry in a Wheel. currTicks is relative to the timer
// immediately ahead of it in the list, mirroring the original's
// delta-encoded net_timer_t.
type Timer struct {
	Name       string
	flags      int
	active     bool
	currTicks  int
	reloadTick int
	handle     Handle
	arg        any

	node *dlist.Node[*Timer]
}

// Wheel holds every active timer in delta order, plus a scratch list
// of timers that fired during the most recent CheckTimeout pass.
type Wheel struct {
	timers   *dlist.List[*Timer]
	overtime *dlist.List[*Timer]
}

// New returns an empty timer wheel.
func New() *Wheel {
	return &Wheel{
		timers:   dlist.New[*Timer](),
		overtime: dlist.New[*Timer](),
	}
}

// Add arms a timer for ms milliseconds from now, calling handle(arg)
// on expiry. flags may include Reload to keep the timer firing
// periodically.
func (w *Wheel) Add(timer *Timer, name string, handle Handle, arg any, ms int, flags int) error {
	if timer == nil || handle == nil {
		return neterr.New(neterr.KindParameter, "timer or handle is nil")
	}
	if ms < 0 {
		return neterr.New(neterr.KindParameter, "negative timer delay")
	}
	timer.Name = name
	timer.flags = flags
	timer.currTicks = ms
	timer.reloadTick = ms
	timer.handle = handle
	timer.arg = arg
	timer.active = true
	w.insert(timer)
	return nil
}

// insert walks the delta list, subtracting elapsed ticks from timer's
// remaining delay as it passes each live timer, until it finds where
// timer belongs; every successor's currTicks is rebased relative to
// timer's insertion point.
func (w *Wheel) insert(timer *Timer) {
	remaining := timer.currTicks
	var node *dlist.Node[*Timer]
	for n := w.timers.Front(); n != nil; n = n.Next() {
		cur := n.Value
		if remaining >= cur.currTicks {
			remaining -= cur.currTicks
			continue
		}
		cur.currTicks -= remaining
		node = n
		break
	}
	timer.currTicks = remaining
	if node != nil {
		timer.node = w.timers.InsertBefore(timer, node)
		return
	}
	timer.node = w.timers.PushBack(timer)
}

// Remove disarms timer. If it was active, the timer immediately
// following it in the delta list absorbs its remaining ticks so the
// list's total delay is unchanged.
func (w *Wheel) Remove(timer *Timer) {
	if timer == nil || !timer.active {
		return
	}
	next := timer.node.Next()
	w.timers.Remove(timer.node)
	timer.node = nil
	timer.active = false
	if next != nil {
		next.Value.currTicks += timer.currTicks
	}
}

// CheckTimeout advances the wheel by diffMs milliseconds, firing every
// timer whose cumulative delay has elapsed. Reload timers are rearmed
// before CheckTimeout returns. Handlers run synchronously on the
// caller's goroutine.
func (w *Wheel) CheckTimeout(diffMs int) error {
	if diffMs <= 0 {
		return neterr.New(neterr.KindParameter, "non-positive diff_ms")
	}

	diff := diffMs
	for n := w.timers.Front(); n != nil; {
		t := n.Value
		next := n.Next()
		if t.currTicks <= diff {
			diff -= t.currTicks
			t.currTicks = 0
			w.Remove(t)
			w.overtime.PushBack(t)
		} else {
			t.currTicks -= diff
			break
		}
		n = next
	}

	for n := w.overtime.Front(); n != nil; n = w.overtime.Front() {
		t := n.Value
		w.overtime.Remove(n)
		t.handle(t, t.arg)
		if t.flags&Reload != 0 {
			t.currTicks = t.reloadTick
			t.active = true
			w.insert(t)
		}
	}
	return nil
}

// FirstTimeout reports the remaining ticks on the soonest-due timer,
// or 0 if the wheel is empty.
func (w *Wheel) FirstTimeout() int {
	front := w.timers.Front()
	if front == nil {
		return 0
	}
	return front.Value.currTicks
}

// Len reports the number of currently active timers.
func (w *Wheel) Len() int { return w.timers.Len() }
