// Package sched implements the cycle-stamped callback queue that drives the
// stream engine tiers. Design Note 9 ("Cooperative scheduling"): a single
// priority queue of (cycle, generation, callback) entries, callbacks are
// plain function values, and the generation counter orders same-cycle
// entries by insertion. Cancellation removes an entry from the live set, so
// it is skipped when popped rather than removed from the heap.
package sched

import "container/heap"

// Cycle is a simulated cycle count.
type Cycle uint64

// Callback runs when its scheduled cycle is reached.
type Callback func()

type entry struct {
	cycle Cycle
	gen   uint64
	fn    Callback
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].cycle != h[j].cycle {
		return h[i].cycle < h[j].cycle
	}
	return h[i].gen < h[j].gen
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Handle cancels a previously scheduled event.
type Handle struct {
	e *entry
}

// Scheduler is a single-threaded, discrete-event callback queue. It is not
// safe for concurrent use: every component in the stream engine is driven
// by the same simulator event loop (Section 5, "Single-threaded,
// discrete-event, cooperative").
type Scheduler struct {
	cur     Cycle
	gen     uint64
	pending entryHeap
	live    map[*entry]bool
}

// New creates a scheduler starting at cycle 0.
func New() *Scheduler {
	return &Scheduler{live: make(map[*entry]bool)}
}

// CurCycle returns the current simulated cycle.
func (s *Scheduler) CurCycle() Cycle { return s.cur }

// Schedule requests re-entry after delta cycles (delta==0 fires on the next
// AdvanceTo or Tick, stamped with the current cycle). Returns a handle usable with Deschedule.
func (s *Scheduler) Schedule(delta Cycle, fn Callback) Handle {
	s.gen++
	e := &entry{cycle: s.cur + delta, gen: s.gen, fn: fn}
	s.live[e] = true
	heap.Push(&s.pending, e)
	return Handle{e: e}
}

// Deschedule cancels a pending event. Safe to call on an already-fired or
// already-cancelled handle.
func (s *Scheduler) Deschedule(h Handle) {
	delete(s.live, h.e)
}

// AdvanceTo moves the current cycle forward and runs every callback whose
// scheduled cycle is <= cycle, in (cycle, insertion-order) order. A tick
// body always runs to completion; callbacks never yield mid-way (Section 5,
// "Suspension points").
func (s *Scheduler) AdvanceTo(cycle Cycle) {
	for s.pending.Len() > 0 && s.pending[0].cycle <= cycle {
		e := heap.Pop(&s.pending).(*entry)
		if !s.live[e] {
			continue
		}
		delete(s.live, e)
		s.cur = e.cycle
		e.fn()
	}
	if cycle > s.cur {
		s.cur = cycle
	}
}

// Tick advances exactly one cycle, running any callbacks due this cycle.
func (s *Scheduler) Tick() {
	s.AdvanceTo(s.cur + 1)
}

// Empty reports whether there is no pending work left.
func (s *Scheduler) Empty() bool {
	return len(s.live) == 0
}
