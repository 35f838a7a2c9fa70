// Package fifo implements the core-side stream FIFO and the base-stream /
// step-root dependency graph (spec Section 4.2).
package fifo

import (
	"github.com/cacheaccel/streamengine/delegator"
	"github.com/cacheaccel/streamengine/sched"
)

// MaxCacheBlocks bounds how many cache-line breakdowns a single element
// may span (spec Section 3: "set of cache-block breakdowns it spans (<=
// MAX_CACHE_BLOCKS per element)").
const MaxCacheBlocks = 4

// State is an element's lifecycle stage (spec Section 3: "free ->
// allocated -> address-ready -> value-ready -> stepped -> released").
type State uint8

const (
	Free State = iota
	Allocated
	AddrReady
	ValueReady
	Stepped
	Released
)

// BlockStatus is the fetch state of one of an element's cache-block
// breakdowns (spec Section 4.3, "Issue algorithm").
type BlockStatus uint8

const (
	BlockNone BlockStatus = iota
	BlockFetching
	BlockFetched
)

// CacheBlock is one sub-line access an element was split into at issue
// time.
type CacheBlock struct {
	LineAddr delegator.VAddr
	Status   BlockStatus
}

// Element is a single iteration of a dynS on the core side (spec Section
// 3, "Element").
type Element struct {
	DynStreamID uint64
	Idx         uint64 // FIFO / element index within the dynS

	Addr      delegator.VAddr
	AddrReady bool

	Value      []byte
	ValueReady bool

	State State

	// BaseElements this element depends on for address or value
	// computation (spec Section 4.2, "Base-readiness rule").
	BaseElements []*Element

	// Blocks this element was split into at issue time.
	Blocks []CacheBlock
	// PendingAccesses counts in-flight block fetches; the element turns
	// value-ready on the last response (spec Section 4.3).
	PendingAccesses int

	FirstUserSeq uint64
	HasFirstUser bool

	Stored bool

	AllocCycle      sched.Cycle
	ValueReadyCycle sched.Cycle
	FirstCheckCycle sched.Cycle
	HasFirstCheck   bool
}

// BaseReady reports whether every base element this element depends on is
// value-ready (spec Section 4.2, "Base-readiness rule").
func (e *Element) BaseReady() bool {
	for _, b := range e.BaseElements {
		if !b.ValueReady {
			return false
		}
	}
	return true
}

// reset restores an element to the Free state for pool reuse.
func (e *Element) reset() {
	*e = Element{State: Free}
}
