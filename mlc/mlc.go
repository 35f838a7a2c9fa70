// Package mlc implements the MLC dynamic stream, direct variant (spec
// Section 4.4): slice buffering, credit segmentation, range-sync commit,
// and indirect notification. Grounded on the teacher's Stream
// (stream.go), which owns an ordered pending/output buffer pair and
// drains buffered output in FIFO order to its downstream consumer; here
// the buffer holds MLCStreamSlice instead of streams.Record, and
// draining additionally respects the ack-ordering rule of Section 4.4.
package mlc

import (
	"github.com/cacheaccel/streamengine/bank"
	"github.com/cacheaccel/streamengine/config"
	"github.com/cacheaccel/streamengine/delegator"
	"github.com/cacheaccel/streamengine/message"
	"github.com/cacheaccel/streamengine/stream"
)

// Config bundles the per-bank MLC slice-buffer resource caps read from
// config.Config at construction (spec Section 5, "Resource caps").
type Config struct {
	MaxNumSlices           int // default 16
	MaxNumSlicesPerSegment int // default 4
}

// FromConfig reads the mlc.maxNumSlices/mlc.maxNumSlicesPerSegment paths
// from c, falling back to the spec-mandated defaults for any path not set.
func FromConfig(c config.Config) Config {
	return Config{
		MaxNumSlices:           c.Get("mlc", "maxNumSlices").Int(16),
		MaxNumSlicesPerSegment: c.Get("mlc", "maxNumSlicesPerSegment").Int(4),
	}
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return FromConfig(config.NewConfig(nil))
}

// CoreStatus is a slice's status as observed from the core side (spec
// Section 4.4, "Receiving data").
type CoreStatus uint8

const (
	WaitData CoreStatus = iota
	WaitAck
	AckReady
	Done
)

// SegmentStatus is a credit segment's lifecycle stage (spec Section 4.4).
type SegmentStatus uint8

const (
	SegmentAllocated SegmentStatus = iota
	SegmentCreditSent
	SegmentCommitting
	SegmentCommitted
)

// Slice is one MLCStreamSlice: the MLC-side mirror of a core element
// range, tracked through data arrival and (if range-sync) commit/ack
// (spec Section 4.4).
type Slice struct {
	StartIdx, EndIdx uint64
	VAddr            delegator.VAddr
	LineAddr         delegator.VAddr

	Faulted bool

	Data       []byte
	CoreStatus CoreStatus
}

// Segment is one LLCSegment: a batch of slices credited to the LLC bank
// that currently owns the dynS (spec Section 4.4, "Credit segments").
type Segment struct {
	StartIdx, EndIdx uint64
	StartPAddr       delegator.PAddr
	Status           SegmentStatus
	OwningBank       int
}

// Stream is the MLC-tier dynamic stream (direct variant).
type Stream struct {
	DynStreamID uint64
	Static      *stream.Static
	Cfg         stream.Config

	BufCfg Config

	Slices   []Slice
	Segments []Segment

	headIdx uint64
	tailIdx uint64

	// elementInitWaiters holds the index this stream is suspended on while
	// waiting for a SendTo receiver to initialize that element (spec
	// Section 4.4, "Credit delivery").
	elementInitWaiters map[uint64]bool

	// indirectDeps are the indirect streams that read this stream's value
	// for address computation (spec Section 4.4, "Indirect notification").
	indirectDeps []IndirectReceiver

	toLLC *message.Mailbox
	toCore func(Slice)
}

// IndirectReceiver is the narrow callback surface an indirect MLC stream
// exposes so a direct stream can notify it without a full type import
// cycle (spec Section 4.4, "receiveBaseStreamData").
type IndirectReceiver interface {
	ReceiveBaseStreamData(elementIdx uint64, value []byte)
}

// New creates an MLC direct-variant stream. bufCfg bounds the slice buffer
// and its per-segment credit granularity (spec Section 5, "Resource
// caps"); toCore is invoked once per slice, in slice order, when the slice
// reaches done; toLLC carries STREAM_FLOW / STREAM_COMMIT
// traffic to the owning LLC bank.
func New(dynStreamID uint64, static *stream.Static, cfg stream.Config, bufCfg Config, toLLC *message.Mailbox, toCore func(Slice)) *Stream {
	s := &Stream{
		DynStreamID:        dynStreamID,
		Static:             static,
		Cfg:                cfg,
		BufCfg:             bufCfg,
		elementInitWaiters: make(map[uint64]bool),
		toLLC:              toLLC,
		toCore:             toCore,
	}
	s.Segments = append(s.Segments, Segment{StartIdx: 0, EndIdx: 0})
	return s
}

// AddIndirectDep registers an indirect stream dependent on this stream's
// values for address computation.
func (s *Stream) AddIndirectDep(r IndirectReceiver) {
	s.indirectDeps = append(s.indirectDeps, r)
}

// CanAllocate reports whether another slice may be buffered without
// exceeding BufCfg.MaxNumSlices.
func (s *Stream) CanAllocate() bool {
	return len(s.Slices) < s.BufCfg.MaxNumSlices
}

// AllocateSlice appends a new slice covering [startIdx, endIdx) and grows
// the current segment, opening a new one if the per-segment cap is
// reached (spec Section 4.4, "Credit segments").
func (s *Stream) AllocateSlice(startIdx, endIdx uint64, vaddr delegator.VAddr, faulted bool) *Slice {
	sl := Slice{StartIdx: startIdx, EndIdx: endIdx, VAddr: vaddr, Faulted: faulted}
	s.Slices = append(s.Slices, sl)
	s.tailIdx = endIdx

	cur := &s.Segments[len(s.Segments)-1]
	if cur.EndIdx-cur.StartIdx >= uint64(s.BufCfg.MaxNumSlicesPerSegment) {
		s.Segments = append(s.Segments, Segment{StartIdx: endIdx, EndIdx: endIdx})
		cur = &s.Segments[len(s.Segments)-1]
	}
	cur.EndIdx = endIdx

	return &s.Slices[len(s.Slices)-1]
}

// CutAt shortens the stream at idx (spec Section 4.4: "an external cut
// (loop-bound resolution, llcCut) shortens the stream"), truncating any
// slice and segment beyond idx.
func (s *Stream) CutAt(idx uint64) {
	kept := s.Slices[:0]
	for _, sl := range s.Slices {
		if sl.StartIdx >= idx {
			continue
		}
		if sl.EndIdx > idx {
			sl.EndIdx = idx
		}
		kept = append(kept, sl)
	}
	s.Slices = kept

	keptSeg := s.Segments[:0]
	for _, seg := range s.Segments {
		if seg.StartIdx >= idx {
			continue
		}
		if seg.EndIdx > idx {
			seg.EndIdx = idx
		}
		keptSeg = append(keptSeg, seg)
	}
	s.Segments = keptSeg
	if s.tailIdx > idx {
		s.tailIdx = idx
	}
}

// NotifyElementInit clears the record that credit delivery is waiting for
// elementIdx to initialize on a SendTo receiver. It does not send any
// credit itself: a suspended segment is sent only by a later SendCredit
// call whose sendToReady check passes, whether or not NotifyElementInit
// was called.
func (s *Stream) NotifyElementInit(elementIdx uint64) {
	delete(s.elementInitWaiters, elementIdx)
}

// SendCredit attempts to deliver credit for every allocated segment to
// the LLC bank that owns segment.startPAddr, provided every SendTo
// receiver has already initialized the element at the segment's tail
// index (spec Section 4.4, "Credit delivery"). mapper resolves the owning
// bank so callers can route the STREAM_FLOW message to that bank's
// mailbox.
func (s *Stream) SendCredit(mapper *bank.Mapper, sendToReady func(tailIdx uint64) bool) {
	for i := range s.Segments {
		seg := &s.Segments[i]
		if seg.Status != SegmentAllocated {
			continue
		}
		if !sendToReady(seg.EndIdx) {
			s.elementInitWaiters[seg.EndIdx] = true
			continue
		}
		bankIdx := mapper.MapAddressToLLC(uint64(seg.StartPAddr), bank.LLCTier)
		if s.toLLC != nil {
			s.toLLC.Enqueue(message.Message{
				Type: message.Flow,
				Payload: message.FlowPayload{
					DynStreamID: s.DynStreamID,
					Range:       message.ElementRange{StartIdx: seg.StartIdx, EndIdx: seg.EndIdx},
				},
			}, 1)
		}
		seg.OwningBank = bankIdx
		seg.Status = SegmentCreditSent
	}
}

// ReceiveStreamData implements receiveStreamData: scan slices in reverse
// for a match on (startIdx, vaddr), set data, and advance the slice's
// core-observed status (spec Section 4.4, "Receiving data").
func (s *Stream) ReceiveStreamData(startIdx uint64, vaddr delegator.VAddr, data []byte) {
	for i := len(s.Slices) - 1; i >= 0; i-- {
		sl := &s.Slices[i]
		if sl.StartIdx != startIdx || sl.VAddr != vaddr {
			continue
		}
		sl.Data = data

		switch sl.CoreStatus {
		case WaitData:
			// Delivered to the core by drainInOrder, in slice order.
			sl.CoreStatus = Done
		case WaitAck:
			sl.CoreStatus = AckReady
		case Done:
			// already done: ignore (spec Section 4.4).
		}

		s.notifyIndirect(sl)
		s.drainInOrder()
		return
	}
}

// notifyIndirect calls ReceiveBaseStreamData on every indirect dependent
// once for each element index the slice covers (spec Section 4.4,
// "Indirect notification"). Every call receives the slice's whole data
// block: the element's own bytes are not extracted from a coalesced
// slice, and an element split across two slices is notified once per
// slice.
func (s *Stream) notifyIndirect(sl *Slice) {
	for idx := sl.StartIdx; idx < sl.EndIdx; idx++ {
		for _, dep := range s.indirectDeps {
			dep.ReceiveBaseStreamData(idx, sl.Data)
		}
	}
}

// drainInOrder delivers buffered done slices to the core in slice order,
// stopping at the first not-yet-done slice so the core never observes
// completion out of order (spec Section 4.4: "Out-of-order acks are
// buffered; they are drained to the core in slice order"). Range-sync
// slices reach Done only via ReceiveDone, after commit - ack-ready alone
// is not sufficient.
func (s *Stream) drainInOrder() {
	for len(s.Slices) > 0 {
		sl := &s.Slices[0]
		if sl.CoreStatus != Done {
			return
		}
		if s.toCore != nil {
			s.toCore(*sl)
		}
		s.Slices = s.Slices[1:]
	}
}

// Ack promotes every ack-ready slice not gated by range-sync to Done and
// drains it to the core (spec Section 4.4, "ack aggregation"). Range-sync
// segments instead reach Done through ReceiveDone once the LLC has
// confirmed the commit.
func (s *Stream) Ack() {
	for i := range s.Slices {
		if s.Slices[i].CoreStatus == AckReady && !s.Cfg.RangeSync {
			s.Slices[i].CoreStatus = Done
		}
	}
	s.drainInOrder()
}

// CommitRangeSync advances a committing segment when the core's commit
// cursor (commitIdx) crosses the segment's end-element, sending
// STREAM_COMMIT to the owning bank (spec Section 4.4, "Range-sync
// commit").
func (s *Stream) CommitRangeSync(commitIdx uint64) {
	if !s.Cfg.RangeSync {
		return
	}
	for i := range s.Segments {
		seg := &s.Segments[i]
		if seg.Status != SegmentCreditSent {
			continue
		}
		if commitIdx < seg.EndIdx {
			continue
		}
		seg.Status = SegmentCommitting
		if s.toLLC != nil {
			s.toLLC.Enqueue(message.Message{
				Type: message.Commit,
				Payload: message.RangePayload{
					DynStreamID: s.DynStreamID,
					Range:       message.ElementRange{StartIdx: seg.StartIdx, EndIdx: seg.EndIdx},
				},
			}, 1)
		}
	}
}

// ReceiveDone transitions the committing segment covering rng to
// committed and notifies the core (spec Section 4.4: "on receipt of
// STREAM_DONE for that element range the segment transitions to
// committed and the core is notified").
func (s *Stream) ReceiveDone(rng message.ElementRange) {
	for i := range s.Segments {
		seg := &s.Segments[i]
		if seg.Status == SegmentCommitting && seg.StartIdx == rng.StartIdx && seg.EndIdx == rng.EndIdx {
			seg.Status = SegmentCommitted
			for j := range s.Slices {
				if s.Slices[j].StartIdx >= rng.StartIdx && s.Slices[j].EndIdx <= rng.EndIdx {
					s.Slices[j].CoreStatus = Done
				}
			}
			s.drainInOrder()
			return
		}
	}
	panic("mlc: STREAM_DONE received for a non-committing segment")
}
