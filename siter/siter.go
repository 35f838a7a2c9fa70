// Package siter implements the sliced-stream iterator (spec Section 4.1):
// given an address generator, element size, and trip count, it produces a
// lazy, finite, restartable sequence of cache-line-aligned slices.
package siter

import (
	"github.com/cacheaccel/streamengine/delegator"
)

// Slice is one (elementIdx-range, lineVaddr, sliceVaddr, size) unit
// produced by the iterator. StartIdx/EndIdx is a half-open element range;
// EndIdx == StartIdx+1 unless consecutive elements of a non-pointer-chase
// stream were merged because they share a line.
type Slice struct {
	StartIdx   uint64
	EndIdx     uint64
	LineVAddr  delegator.VAddr
	SliceVAddr delegator.VAddr
	Size       int
}

// Iterator produces the slice sequence for one dynS activation. It is not
// safe for concurrent use.
type Iterator struct {
	addrGen      delegator.AddrGen
	elemSize     int
	lineSize     uint64
	tripCount    uint64
	tripKnown    bool
	pointerChase bool

	nextIdx uint64

	hasPending       bool
	pendingIdx       uint64
	pendingVAddr     delegator.VAddr
	pendingRemaining int

	peeked *Slice
}

// New creates an iterator. tripKnown false means the trip count is
// unresolved (spec Section 3: "total trip count (possibly unknown until a
// loop bound is resolved)"); the iterator then runs until AddrGen returns
// an error, treated as end-of-stream, or SetTripCount is called.
func New(addrGen delegator.AddrGen, elemSize int, lineSize uint64, tripCount uint64, tripKnown, pointerChase bool) *Iterator {
	return &Iterator{
		addrGen:      addrGen,
		elemSize:     elemSize,
		lineSize:     lineSize,
		tripCount:    tripCount,
		tripKnown:    tripKnown,
		pointerChase: pointerChase,
	}
}

// SetTripCount resolves a previously-unknown trip count (e.g. once the
// enclosing loop bound is known), truncating the iterator if elements
// already beyond the bound were never produced (callers on the live path
// enforce that via llcCut instead; this only governs future Next calls).
func (it *Iterator) SetTripCount(n uint64) {
	it.tripCount = n
	it.tripKnown = true
}

func (it *Iterator) lineAlign(v delegator.VAddr) delegator.VAddr {
	return delegator.VAddr(uint64(v) &^ (it.lineSize - 1))
}

// Reset restarts the iterator at element 0 (spec 4.1: "restartable").
func (it *Iterator) Reset() {
	it.nextIdx = 0
	it.hasPending = false
	it.peeked = nil
}

// Peek returns the next slice without advancing the iterator.
func (it *Iterator) Peek() (Slice, bool, error) {
	if it.peeked != nil {
		return *it.peeked, true, nil
	}
	s, ok, err := it.produce()
	if err != nil || !ok {
		return Slice{}, ok, err
	}
	it.peeked = &s
	return s, true, nil
}

// Next returns and consumes the next slice.
func (it *Iterator) Next() (Slice, bool, error) {
	if it.peeked != nil {
		s := *it.peeked
		it.peeked = nil
		return s, true, nil
	}
	return it.produce()
}

func (it *Iterator) produce() (Slice, bool, error) {
	if it.hasPending {
		s := Slice{
			StartIdx:   it.pendingIdx,
			EndIdx:     it.pendingIdx + 1,
			LineVAddr:  it.lineAlign(it.pendingVAddr),
			SliceVAddr: it.pendingVAddr,
			Size:       it.pendingRemaining,
		}
		it.hasPending = false
		return s, true, nil
	}

	if it.tripKnown && it.nextIdx >= it.tripCount {
		return Slice{}, false, nil
	}

	idx := it.nextIdx
	addr, err := it.addrGen.Addr(idx)
	if err != nil {
		return Slice{}, false, err
	}
	it.nextIdx++

	lineVAddr := it.lineAlign(addr)
	endOfLine := lineVAddr + delegator.VAddr(it.lineSize)

	if uint64(addr)+uint64(it.elemSize) <= uint64(endOfLine) {
		s := Slice{StartIdx: idx, EndIdx: idx + 1, LineVAddr: lineVAddr, SliceVAddr: addr, Size: it.elemSize}

		if !it.pointerChase {
			for {
				if it.tripKnown && it.nextIdx >= it.tripCount {
					break
				}
				nAddr, nErr := it.addrGen.Addr(it.nextIdx)
				if nErr != nil {
					break
				}
				if it.lineAlign(nAddr) != lineVAddr {
					break
				}
				if uint64(nAddr)+uint64(it.elemSize) > uint64(endOfLine) {
					break
				}
				s.EndIdx = it.nextIdx + 1
				s.Size += it.elemSize
				it.nextIdx++
			}
		}

		return s, true, nil
	}

	// The element crosses a cache-line boundary: split it into two
	// fragments, emit the first now and buffer the second.
	firstFragSize := int(endOfLine) - int(addr)
	secondFragSize := it.elemSize - firstFragSize

	it.hasPending = true
	it.pendingIdx = idx
	it.pendingVAddr = endOfLine
	it.pendingRemaining = secondFragSize

	return Slice{StartIdx: idx, EndIdx: idx + 1, LineVAddr: lineVAddr, SliceVAddr: addr, Size: firstFragSize}, true, nil
}
