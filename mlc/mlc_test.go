package mlc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cacheaccel/streamengine/bank"
	"github.com/cacheaccel/streamengine/delegator"
	"github.com/cacheaccel/streamengine/message"
	"github.com/cacheaccel/streamengine/sched"
	"github.com/cacheaccel/streamengine/stream"
)

func newTestStream(t *testing.T, rangeSync bool, delivered *[]Slice) *Stream {
	sc := sched.New()
	toLLC := message.NewMailbox(sc, func(message.Message) {})
	st := &stream.Static{ID: 1, Kind: stream.AtomicCompute}
	cfg := stream.Config{StaticID: 1, RangeSync: rangeSync}
	return New(1, st, cfg, DefaultConfig(), toLLC, func(sl Slice) {
		*delivered = append(*delivered, sl)
	})
}

// TestRangeSyncCommitOrdering exercises scenario S5: the core must
// observe wait-data -> wait-ack -> ack-ready -> done for every slice, with
// STREAM_COMMIT preceding STREAM_DONE preceding the final core ack, and
// segments released only after committed.
func TestRangeSyncCommitOrdering(t *testing.T) {
	var delivered []Slice
	s := newTestStream(t, true, &delivered)

	for i := uint64(0); i < 8; i++ {
		sl := s.AllocateSlice(i, i+1, delegator.VAddr(0x1000+i*4), false)
		sl.CoreStatus = WaitAck
	}

	mapper := bank.NewMapper(64, 1, 1)
	s.SendCredit(mapper, func(tailIdx uint64) bool { return true })

	for i := uint64(0); i < 8; i++ {
		s.ReceiveStreamData(i, delegator.VAddr(0x1000+i*4), []byte{byte(i)})
	}
	assert.Empty(t, delivered, "ack-ready slices must not reach the core before commit")

	s.CommitRangeSync(8)
	for _, seg := range s.Segments {
		if seg.EndIdx > 0 {
			assert.Equal(t, SegmentCommitting, seg.Status)
		}
	}

	for _, seg := range s.Segments {
		if seg.Status == SegmentCommitting {
			s.ReceiveDone(message.ElementRange{StartIdx: seg.StartIdx, EndIdx: seg.EndIdx})
		}
	}

	assert.Len(t, delivered, 8, "every committed slice must reach the core exactly once")
	for _, sl := range delivered {
		assert.Equal(t, Done, sl.CoreStatus)
	}
}

// TestIndirectNotificationFiresOncePerElement exercises the indirect
// notification rule: receiving a direct slice's data must invoke
// ReceiveBaseStreamData exactly once per element it covers, even when a
// slice spans multiple elements.
func TestIndirectNotificationFiresOncePerElement(t *testing.T) {
	var delivered []Slice
	base := newTestStream(t, false, &delivered)

	indirectBase := newTestStream(t, false, &delivered)
	indirect := NewIndirect(indirectBase, false, func(v []byte) delegator.VAddr {
		return delegator.VAddr(v[0])
	})
	base.AddIndirectDep(indirect)

	sl := base.AllocateSlice(0, 2, delegator.VAddr(0x2000), false)
	sl.CoreStatus = WaitData
	base.ReceiveStreamData(0, delegator.VAddr(0x2000), []byte{7})

	ready := indirect.ReadyIndices()
	assert.ElementsMatch(t, []uint64{0, 1}, ready, "both covered elements must be notified exactly once")

	for _, idx := range ready {
		addr, ok := indirect.ResolveAddr(idx)
		assert.True(t, ok)
		assert.Equal(t, delegator.VAddr(7), addr)
	}
	assert.Empty(t, indirect.ReadyIndices(), "resolved indices must not be notified again")
}

// TestOneIterationBehindShiftsPromotedIndex verifies that an indirect
// stream declared one-iteration-behind is notified at elementIdx+1 (spec
// Section 4.5).
func TestOneIterationBehindShiftsPromotedIndex(t *testing.T) {
	var delivered []Slice
	indirectBase := newTestStream(t, false, &delivered)
	indirect := NewIndirect(indirectBase, true, func(v []byte) delegator.VAddr { return 0 })

	indirect.ReceiveBaseStreamData(3, []byte{1})
	assert.ElementsMatch(t, []uint64{4}, indirect.ReadyIndices())
}

func TestCreditSuspendsUntilElementInit(t *testing.T) {
	var delivered []Slice
	s := newTestStream(t, false, &delivered)
	mapper := bank.NewMapper(64, 1, 1)

	sl := s.AllocateSlice(0, 1, delegator.VAddr(0x3000), false)
	sl.CoreStatus = WaitData
	s.Segments[0].StartPAddr = 0x3000

	notReady := false
	s.SendCredit(mapper, func(tailIdx uint64) bool { return notReady })
	assert.Equal(t, SegmentAllocated, s.Segments[0].Status, "credit must not send while waiting on element init")

	s.SendCredit(mapper, func(tailIdx uint64) bool { return true })
	assert.Equal(t, SegmentCreditSent, s.Segments[0].Status)
}

// TestReceiveDonePanicsOnNonCommittingSegment verifies the protocol
// violation guard: STREAM_DONE for a range that matches no committing
// segment must panic rather than silently drop (spec Section 7).
func TestReceiveDonePanicsOnNonCommittingSegment(t *testing.T) {
	var delivered []Slice
	s := newTestStream(t, true, &delivered)

	assert.Panics(t, func() {
		s.ReceiveDone(message.ElementRange{StartIdx: 0, EndIdx: 8})
	})
}
