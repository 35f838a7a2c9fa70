package fifo

import (
	"github.com/cacheaccel/streamengine/sched"
	"github.com/cacheaccel/streamengine/stream"
)

// DynStream is a dynamic stream instance: a specific activation of a
// static stream bounded by a configure/end pair (spec Section 3, "Dynamic
// stream instance (dynS)"). This is the core-tier view; it owns the FIFO
// elements until release (spec Section 3, "Ownership").
type DynStream struct {
	StaticID stream.ID
	Instance uint64
	Static   *stream.Static
	Cfg      stream.Config

	// Elements is the live window, oldest (tail) first, most recent
	// (head) last. Elements[0:SteppedCount] have been stepped by the
	// core; Elements[SteppedCount:] are address-computed (or pending)
	// but not yet consumed (spec Section 4.2 invariant).
	Elements     []*Element
	SteppedCount int

	NextAllocIdx uint64

	// MaxSize mirrors Static.MaxRunAhead at configure time and is
	// mutated in place by the throttler (spec Section 4.3).
	MaxSize int

	LateFetchCount int

	Configured bool
}

// ID is the compound (staticId, instance) identity (spec Section 3).
func (d *DynStream) ID() uint64 {
	return Key(uint64(d.StaticID), d.Instance)
}

// AllocSize is the number of live (unreleased) elements.
func (d *DynStream) AllocSize() int { return len(d.Elements) }

// StepSize is the number of elements that have been stepped.
func (d *DynStream) StepSize() int { return d.SteppedCount }

// CanStep reports whether at least two allocated elements are still
// unstepped, so stepping this dynS once more leaves at least one element
// of run-ahead (spec Section 4.3: "true iff for every step-dependent,
// allocSize - stepSize >= 2").
func (d *DynStream) CanStep() bool {
	return d.AllocSize()-d.StepSize() >= 2
}

// CanAllocate reports whether this dynS may allocate one more element
// without exceeding MaxSize, and without allocating past a known trip
// count (spec Section 3, invariant #1; Section 3, dynS "total trip
// count").
func (d *DynStream) CanAllocate() bool {
	if d.AllocSize() >= d.MaxSize {
		return false
	}
	if d.Cfg.TripCountKnown && d.NextAllocIdx >= d.Cfg.TripCount {
		return false
	}
	return true
}

// Allocate pulls one element from pool, assigns it the next FIFO index,
// and appends it to the live window.
func (d *DynStream) Allocate(pool *Pool, now sched.Cycle) (*Element, bool) {
	if !d.CanAllocate() {
		return nil, false
	}
	e, ok := pool.Alloc()
	if !ok {
		return nil, false
	}
	e.DynStreamID = d.ID()
	e.Idx = d.NextAllocIdx
	e.AllocCycle = now
	d.NextAllocIdx++
	d.Elements = append(d.Elements, e)
	return e, true
}

// Step advances the stepped cursor by one, marking the newly-stepped
// element (spec Section 4.3, "dispatchStep").
func (d *DynStream) Step() (*Element, bool) {
	if d.SteppedCount >= len(d.Elements) {
		return nil, false
	}
	e := d.Elements[d.SteppedCount]
	e.State = Stepped
	d.SteppedCount++
	return e, true
}

// ReleaseSuperseded releases the oldest stepped element once a second
// stepped element exists to retain in its place (spec Section 4.3,
// "commitStep ... Releases the newly-superseded element"). Step-once
// retention: exactly one stepped element is always kept resident for
// pending consumers.
func (d *DynStream) ReleaseSuperseded(pool *Pool) (*Element, bool) {
	if d.SteppedCount <= 1 {
		return nil, false
	}
	e := d.Elements[0]
	e.State = Released
	pool.Release(e)
	d.Elements = d.Elements[1:]
	d.SteppedCount--
	return e, true
}

// ReleaseUnstepped releases every allocated-but-unstepped element (spec
// Section 4.3, "dispatchConfig ... flushes allocated-but-unstepped
// elements").
func (d *DynStream) ReleaseUnstepped(pool *Pool) {
	for len(d.Elements) > d.SteppedCount {
		last := len(d.Elements) - 1
		e := d.Elements[last]
		e.State = Released
		pool.Release(e)
		d.Elements = d.Elements[:last]
	}
}

// End applies step-once retention and releases everything else (spec
// Section 4.3, "dispatchEnd"): retain at most the single most-recently
// stepped element, release every other live element.
func (d *DynStream) End(pool *Pool) {
	d.ReleaseUnstepped(pool)
	for d.SteppedCount > 1 {
		if _, ok := d.ReleaseSuperseded(pool); !ok {
			break
		}
	}
	d.Configured = false
}

// Head returns the most recently allocated element, if any.
func (d *DynStream) Head() (*Element, bool) {
	if len(d.Elements) == 0 {
		return nil, false
	}
	return d.Elements[len(d.Elements)-1], true
}
