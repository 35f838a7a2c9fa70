package llc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cacheaccel/streamengine/bank"
	"github.com/cacheaccel/streamengine/delegator"
	"github.com/cacheaccel/streamengine/llc/bankstore"
	"github.com/cacheaccel/streamengine/message"
	"github.com/cacheaccel/streamengine/stream"
)

// twoBankMapper assigns lines [0x10000, 0x10100) to bank 0 and everything
// at or above 0x10100 to bank 1, matching scenario S2's fixture exactly
// rather than via the jump-hash (a dedicated test mapper keeps the
// migration trigger deterministic and independent of the hash's bucket
// assignment).
type twoBankMapper struct{ lineSize uint64 }

func (m twoBankMapper) MapAddressToLLC(paddr uint64, tier bank.Tier) int {
	if paddr < 0x10100 {
		return 0
	}
	return 1
}

func TestMigratableFalseWhileOnOwningBank(t *testing.T) {
	s := &Stream{
		Cfg: stream.Config{InitPAddr: 0x100F0, ElementSize: 4},
	}
	mapper := twoBankMapper{}
	assert.False(t, s.Migratable(0, mapper, 64),
		"a stream already on its owning bank must not be migratable")
}

func TestMigrationAfterFourthSlice(t *testing.T) {
	var migrateMsgs []message.Message
	store, err := bankstore.Open(0)
	assert.Nil(t, err)
	defer store.Close()
	e := NewEngine(0, twoBankMapper{}, 64, DefaultConfig(), store,
		func(toBank int, msg message.Message) { migrateMsgs = append(migrateMsgs, msg) },
		func(dynStreamID, elementIdx uint64, paddr delegator.PAddr) {},
		func(toBank int, dynStreamID, elementIdx uint64, paddr delegator.PAddr) {},
	)

	s := e.NewStream(1, nil, stream.Config{InitPAddr: 0x10000, ElementSize: 4})
	s.Credit = 64
	e.streams[1] = s

	for i := 0; i < 32 && len(migrateMsgs) == 0; i++ {
		e.Wakeup()
		s.InFlight = 0 // simulate immediate completion so issuing never stalls on cap
	}

	assert.Len(t, migrateMsgs, 1, "exactly one STREAM_MIGRATE message must be sent once the next line crosses banks")
	migPayload, ok := migrateMsgs[0].Payload.(message.MigratePayload)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), migPayload.DynStreamID)
	assert.Equal(t, uint64(64), s.AllocatedIdx, "migration must happen after exactly 4 lines (64 elements) on bank 0")

	snap, ok := migPayload.Handle.(Snapshot)
	assert.True(t, ok, "the migrate handle must be a value-typed Snapshot, never the live *Stream")
	assert.Len(t, migPayload.Records, 64, "one shadow record per issued element must travel with the migration")

	snap.Credit = 999 // mutate the copy
	assert.NotEqual(t, snap.Credit, s.Credit, "mutating the snapshot must never affect the source bank's Stream")
}

func TestReceiveMigrateRejectsWrongBank(t *testing.T) {
	e := NewEngine(1, twoBankMapper{}, 64, DefaultConfig(), nil, nil, nil, nil)
	s := &Stream{DynStreamID: 1, Cfg: stream.Config{InitPAddr: 0x0, ElementSize: 4}}

	assert.Panics(t, func() { e.ReceiveMigrate(s, nil) }, "a stream migrated to the wrong bank is a fatal coherence bug")
}

func TestReceiveMigrateDropsPendingEndedStream(t *testing.T) {
	e := NewEngine(0, twoBankMapper{}, 64, DefaultConfig(), nil, nil, nil, nil)
	e.ReceiveEnd(1)

	s := &Stream{DynStreamID: 1, Cfg: stream.Config{InitPAddr: 0x0, ElementSize: 4}}
	e.ReceiveMigrate(s, nil)

	_, resident := e.streams[1]
	assert.False(t, resident, "a stream ended before it arrived must be dropped, not re-admitted")
}

// TestReceiveMigrateReplaysRecords verifies that a migrating stream's
// shadow records are replayed into the destination bank's Store (spec
// Section 4.5, "migration").
func TestReceiveMigrateReplaysRecords(t *testing.T) {
	store, err := bankstore.Open(1)
	assert.Nil(t, err)
	defer store.Close()
	e := NewEngine(1, twoBankMapper{}, 64, DefaultConfig(), store, nil, nil, nil)

	s := &Stream{DynStreamID: 1, Cfg: stream.Config{InitPAddr: 0x10100, ElementSize: 4}}
	records := []bankstore.Record{
		{DynStreamID: 1, ElementIdx: 0, Size: 4, Filled: true, Value: []byte{1, 2, 3, 4}},
	}
	e.ReceiveMigrate(s, records)

	rec, err := store.Get(1, 0)
	assert.Nil(t, err)
	assert.True(t, rec.Filled)
	assert.Equal(t, []byte{1, 2, 3, 4}, rec.Value)
}

// TestMigrationRoundTripViaSnapshot drives a full migration handoff
// end-to-end: bank 0 migrates a stream, bank 1 rebuilds it from the
// Snapshot via FromSnapshot and replays its records, and the two Streams
// must agree on state while sharing no backing map/slice.
func TestMigrationRoundTripViaSnapshot(t *testing.T) {
	srcStore, err := bankstore.Open(0)
	assert.Nil(t, err)
	defer srcStore.Close()
	dstStore, err := bankstore.Open(1)
	assert.Nil(t, err)
	defer dstStore.Close()

	var toDst message.Message
	src := NewEngine(0, twoBankMapper{}, 64, DefaultConfig(), srcStore,
		func(toBank int, msg message.Message) { toDst = msg },
		func(dynStreamID, elementIdx uint64, paddr delegator.PAddr) {},
		nil,
	)
	dst := NewEngine(1, twoBankMapper{}, 64, DefaultConfig(), dstStore, nil, nil, nil)

	s := src.NewStream(1, nil, stream.Config{InitPAddr: 0x10000, ElementSize: 4})
	s.Credit = 64
	src.streams[1] = s

	for i := 0; i < 32 && toDst.Payload == nil; i++ {
		src.Wakeup()
		s.InFlight = 0
	}

	payload := toDst.Payload.(message.MigratePayload)
	snap := payload.Handle.(Snapshot)
	rebuilt := FromSnapshot(snap)
	dst.ReceiveMigrate(rebuilt, payload.Records)

	got, resident := dst.streams[1]
	assert.True(t, resident)
	assert.Equal(t, s.AllocatedIdx, got.AllocatedIdx)
	assert.Equal(t, s.Credit, got.Credit)

	got.WaitingIndirect[999] = []uint64{1}
	_, leaked := s.WaitingIndirect[999]
	assert.False(t, leaked, "the rebuilt stream's map must not alias the source bank's map")

	for i := uint64(0); i < 64; i++ {
		_, err := dstStore.Get(1, i)
		assert.Nil(t, err, "every migrated element record must be replayed into the destination bank's store")
	}
}

func TestPointerChaseBlocksMigrationWhileRequestOutstanding(t *testing.T) {
	s := &Stream{
		Cfg:                     stream.Config{InitPAddr: 0x10100, ElementSize: 4, IsPointerChase: true},
		WaitingDataBaseRequests: 1,
	}
	assert.False(t, s.Migratable(0, twoBankMapper{}, 64), "pointer-chase migration must wait for the outstanding request")
}

func TestFlowControlOnlyDrainsMatchingAllocatedIdx(t *testing.T) {
	e := NewEngine(0, bank.NewMapper(64, 1, 1), 64, DefaultConfig(), nil, nil, nil, nil)
	s := &Stream{DynStreamID: 1, AllocatedIdx: 4}
	e.streams[1] = s

	e.ReceiveFlowControl(message.FlowPayload{DynStreamID: 1, Range: message.ElementRange{StartIdx: 0, EndIdx: 4}})
	e.drainFlowControl()
	assert.Equal(t, uint64(0), s.Credit, "a stale flow-control message must stay pending, not grant credit")
	assert.Len(t, e.pendingStreamFlowControlMsgs, 1)

	e.pendingStreamFlowControlMsgs = nil
	e.ReceiveFlowControl(message.FlowPayload{DynStreamID: 1, Range: message.ElementRange{StartIdx: 4, EndIdx: 8}})
	e.drainFlowControl()
	assert.Equal(t, uint64(4), s.Credit)
	assert.Empty(t, e.pendingStreamFlowControlMsgs)
}

// TestReceiveElementDataFillsRecordAndPromotesIndirect verifies that
// received data is persisted into the bank's shadow store and marked
// filled once all of the element's bytes arrive, and that dependent
// indirect streams are promoted (spec Section 3, Section 4.5).
func TestReceiveElementDataFillsRecordAndPromotesIndirect(t *testing.T) {
	store, err := bankstore.Open(0)
	assert.Nil(t, err)
	defer store.Close()
	e := NewEngine(0, bank.NewMapper(64, 1, 1), 64, DefaultConfig(), store, nil, nil, nil)

	s := &Stream{DynStreamID: 1, InFlight: 1, WaitingDataBaseRequests: 1, WaitingIndirect: map[uint64][]uint64{0: {0}}}
	e.streams[1] = s
	assert.Nil(t, store.Put(bankstore.Record{DynStreamID: 1, ElementIdx: 0, Size: 4}))

	dep := &Stream{}
	e.ReceiveElementData(1, 0, []byte{1, 2, 3, 4}, []*Stream{dep})

	assert.Equal(t, 0, s.InFlight)
	assert.Equal(t, 0, s.WaitingDataBaseRequests)
	assert.ElementsMatch(t, []uint64{0}, dep.ReadyIndirect)

	rec, err := store.Get(1, 0)
	assert.Nil(t, err)
	assert.True(t, rec.Filled, "a record must be marked filled once all size bytes have arrived")
}

// TestReceiveElementDataPanicsOnNegativeInFlight verifies the protocol
// violation guard: decrementing InFlight below zero must panic rather
// than silently underflow (spec Section 7).
func TestReceiveElementDataPanicsOnNegativeInFlight(t *testing.T) {
	e := NewEngine(0, bank.NewMapper(64, 1, 1), 64, DefaultConfig(), nil, nil, nil, nil)
	s := &Stream{DynStreamID: 1, InFlight: 0, WaitingDataBaseRequests: 1}
	e.streams[1] = s

	assert.Panics(t, func() { e.ReceiveElementData(1, 0, nil, nil) })
}

// TestReceiveElementDataPanicsOnNegativeWaitingDataBaseRequests mirrors
// TestReceiveElementDataPanicsOnNegativeInFlight for the companion counter.
func TestReceiveElementDataPanicsOnNegativeWaitingDataBaseRequests(t *testing.T) {
	e := NewEngine(0, bank.NewMapper(64, 1, 1), 64, DefaultConfig(), nil, nil, nil, nil)
	s := &Stream{DynStreamID: 1, InFlight: 1, WaitingDataBaseRequests: 0}
	e.streams[1] = s

	assert.Panics(t, func() { e.ReceiveElementData(1, 0, nil, nil) })
}
