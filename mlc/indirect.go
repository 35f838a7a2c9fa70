package mlc

import "github.com/cacheaccel/streamengine/delegator"

// IndirectStream is the MLC-side indirect variant: its element addresses
// are computed from a base stream's delivered values rather than a
// closed-form address generator (spec Section 4.4, "Indirect
// notification"; Section 4.5, "promote every dependent indirect stream's
// index").
type IndirectStream struct {
	*Stream

	// baseValues holds the base element value for every index the base
	// stream has delivered but this stream has not yet consumed into an
	// address.
	baseValues map[uint64][]byte

	// oneIterationBehind shifts the promoted ready index by +1 (spec
	// Section 4.5, "On receive-element-data").
	oneIterationBehind bool

	decodeAddr func(value []byte) delegator.VAddr
}

// NewIndirect wraps an MLC Stream as an indirect variant.
func NewIndirect(base *Stream, oneIterationBehind bool, decodeAddr func([]byte) delegator.VAddr) *IndirectStream {
	return &IndirectStream{
		Stream:             base,
		baseValues:         make(map[uint64][]byte),
		oneIterationBehind: oneIterationBehind,
		decodeAddr:         decodeAddr,
	}
}

// ReceiveBaseStreamData implements IndirectReceiver: the base stream
// delivered elementIdx's value, so this indirect stream's address at
// elementIdx (or elementIdx+1 if one-iteration-behind) is now computable
// (spec Section 4.4, "Indirect notification"; Section 4.5,
// "one iteration behind").
func (s *IndirectStream) ReceiveBaseStreamData(elementIdx uint64, value []byte) {
	idx := elementIdx
	if s.oneIterationBehind {
		idx++
	}
	s.baseValues[idx] = value
}

// ReadyIndices returns every index whose address can now be computed from
// a delivered base value, in ascending order. The indices stay pending
// until ResolveAddr consumes them.
func (s *IndirectStream) ReadyIndices() []uint64 {
	var ready []uint64
	for idx := range s.baseValues {
		ready = append(ready, idx)
	}
	// simple ascending sort without importing sort for a handful of
	// elements per tick
	for i := 1; i < len(ready); i++ {
		for j := i; j > 0 && ready[j-1] > ready[j]; j-- {
			ready[j-1], ready[j] = ready[j], ready[j-1]
		}
	}
	return ready
}

// ResolveAddr computes and clears the pending base value for idx.
func (s *IndirectStream) ResolveAddr(idx uint64) (delegator.VAddr, bool) {
	v, ok := s.baseValues[idx]
	if !ok {
		return 0, false
	}
	delete(s.baseValues, idx)
	return s.decodeAddr(v), true
}
