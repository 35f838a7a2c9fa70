// Package stream holds the static stream declaration (spec Section 3,
// "Static stream (S)") and the per-activation configuration carried on a
// STREAM_CONFIGURE message (spec Section 6).
package stream

import (
	"errors"

	"github.com/cacheaccel/streamengine/delegator"
)

// Kind is the stream's access pattern classification.
type Kind uint8

const (
	// Load streams fetch data for the core to read.
	Load Kind = iota
	// Store streams write core-produced data out.
	Store
	// AtomicCompute streams perform a read-modify-write close to memory.
	AtomicCompute
	// LoadCompute streams apply a transform to fetched data before it
	// reaches the core.
	LoadCompute
	// IV is an induction-variable stream: it has no base streams and
	// drives the step-root relation for its dependents.
	IV
	// PointerChase streams compute element N's address from element
	// N-1's value, forbidding request parallelism.
	PointerChase
)

func (k Kind) String() string {
	switch k {
	case Load:
		return "load"
	case Store:
		return "store"
	case AtomicCompute:
		return "atomic-compute"
	case LoadCompute:
		return "load-compute"
	case IV:
		return "iv"
	case PointerChase:
		return "pointer-chase"
	}
	return "unknown"
}

// ID identifies a static stream within a region.
type ID uint32

var (
	// ErrCycleInGraph is raised at initialization when the step-graph or
	// base-dependency graph contains a cycle (spec Section 4.2, 4.3:
	// "Cycle in the step-graph -> fatal at initialization").
	ErrCycleInGraph = errors.New("streamengine: cycle in stream dependency graph")
)

// Static is a static stream declaration (spec Section 3).
type Static struct {
	ID          ID
	Kind        Kind
	AddrGen     delegator.AddrGen
	ElementSize int
	// BaseStreams this stream reads to compute its address or value.
	BaseStreams []ID
	// StepRoot is the IV stream that advances this stream.
	StepRoot ID
	// MaxRunAhead is this stream's maxSize, mutable via throttling
	// (spec Section 4.3, "Throttling").
	MaxRunAhead int
}

// IsIV reports whether this is the step-root of its own group.
func (s *Static) IsIV() bool { return s.Kind == IV }

// EdgeKind is the kind of an Edge: a SendTo or UsedBy dependency between
// streams (spec Section 6).
type EdgeKind uint8

const (
	// SendTo: this stream's value is forwarded to an indirect
	// dependent's address computation.
	SendTo EdgeKind = iota
	// UsedBy: this stream's element is consumed by an instruction
	// belonging to another stream's use set.
	UsedBy
)

// Edge is a dependency edge recorded on a dynamic-stream configuration.
type Edge struct {
	Kind EdgeKind
	To   ID
}

// Config is the per-activation configuration carried on a STREAM_CONFIGURE
// message (spec Section 6).
type Config struct {
	StaticID ID

	IsPointerChase bool
	IsPseudoOffload bool

	InitVAddr delegator.VAddr
	InitPAddr delegator.PAddr

	// FirstFloatElementIdx records the first offloaded element of a
	// midway-offload stream. No tier reads it or HasFirstFloatElementIdx:
	// InitPAddr is not recomputed from that element's address, and the
	// Core SE issues every element the same way whether or not it is set.
	FirstFloatElementIdx uint64
	HasFirstFloatElementIdx bool

	MLCBufferNumSlices int
	ElementSize        int
	RangeSync          bool

	Edges []Edge

	// TripCount is the total element count, or 0 if unknown until a loop
	// bound resolves later (spec Section 3, dynS "total trip count").
	TripCount    uint64
	TripCountKnown bool

	// OneIterationBehind marks an indirect stream whose promoted ready
	// index is the base index shifted by +1 (spec Section 4.5).
	OneIterationBehind bool
}
