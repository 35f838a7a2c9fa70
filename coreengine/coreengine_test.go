package coreengine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cacheaccel/streamengine/bank"
	"github.com/cacheaccel/streamengine/delegator"
	"github.com/cacheaccel/streamengine/fifo"
	"github.com/cacheaccel/streamengine/message"
	"github.com/cacheaccel/streamengine/mock"
	"github.com/cacheaccel/streamengine/sched"
	"github.com/cacheaccel/streamengine/stream"
)

func linearAddrGen(base delegator.VAddr, elemSize int) delegator.AddrGen {
	return delegator.AddrGenFunc(func(idx uint64) (delegator.VAddr, error) {
		return base + delegator.VAddr(idx*uint64(elemSize)), nil
	})
}

// newTestEngine wires an Engine to a single-bank mock delegator whose
// mailbox to the MLC immediately completes the request by delivering a
// STREAM_DATA response on the next scheduler cycle, modeling a
// zero-latency memory system so tests can focus on Core SE bookkeeping.
func newTestEngine(t *testing.T, fifoCapacity int) (*Engine, *mock.Delegator, *sched.Scheduler) {
	sc := sched.New()
	mapper := bank.NewMapper(64, 1, 1)
	deleg := mock.New(sc, 64, mapper, 0)

	var eng *Engine
	toMLC := message.NewMailbox(sc, func(msg message.Message) {
		req, ok := msg.Payload.(message.RequestPayload)
		if !ok {
			return
		}
		sc.Schedule(1, func() {
			eng.OnLineFetched(delegator.VAddr(req.LineAddr), make([]byte, req.Slice.Size))
		})
	})

	eng = New(deleg, fifoCapacity, DefaultConfig(), nil, toMLC)
	return eng, deleg, sc
}

func configOne(id stream.ID, elemSize int, gen delegator.AddrGen, maxRunAhead int, kind stream.Kind) *RegionDescriptor {
	st := &stream.Static{ID: id, Kind: kind, AddrGen: gen, ElementSize: elemSize, StepRoot: id, MaxRunAhead: maxRunAhead}
	cfg := stream.Config{StaticID: id, ElementSize: elemSize, TripCount: 64, TripCountKnown: true}
	return &RegionDescriptor{
		Streams: []stream.Config{cfg},
		Statics: map[stream.ID]*stream.Static{id: st},
	}
}

// TestLinearLoadDrainsAllElements exercises scenario S1: every element of
// a 64-element u32 load stream over 64B lines is allocated, and stepping
// then drains the stream down to the single stepped element that
// step-once retention keeps, with the pool staying conserved throughout.
func TestLinearLoadDrainsAllElements(t *testing.T) {
	eng, _, sc := newTestEngine(t, 8)
	region := configOne(1, 4, linearAddrGen(0x10000, 4), 8, stream.Load)

	assert.True(t, eng.CanConfig(region))
	eng.DispatchConfig(region)

	d, ok := eng.DynStream(fifo.Key(1, 0))
	assert.True(t, ok)

	const tripCount = 64
	for cycle := 0; cycle < 500 && d.NextAllocIdx < tripCount; cycle++ {
		eng.Tick()
		sc.Tick()
		for eng.CanStep(1) && d.NextAllocIdx < tripCount {
			eng.DispatchStep(1)
			eng.CommitStep(1)
		}
	}
	assert.Equal(t, uint64(tripCount), d.NextAllocIdx, "every element must eventually be allocated")

	for cycle := 0; cycle < 50 && eng.CanStep(1); cycle++ {
		eng.DispatchStep(1)
		eng.CommitStep(1)
	}

	assert.Equal(t, 1, d.StepSize(), "step-once retention keeps exactly one element live past the last commit")
	assert.True(t, eng.pool.Conserved())
}

// TestThrottlingGrowsMaxSizeOnce exercises scenario S6: ten consecutive
// late elements (valueReadyCycle after firstCheckCycle) with run-ahead
// below 90% of FIFO capacity should grow every stream in the step group by
// exactly 2, then reset the late-fetch counter.
func TestThrottlingGrowsMaxSizeOnce(t *testing.T) {
	eng, _, _ := newTestEngine(t, 64)
	d := &fifo.DynStream{
		StaticID: 1,
		Static:   &stream.Static{ID: 1, Kind: stream.Load, StepRoot: 1, MaxRunAhead: 8},
		MaxSize:  8,
	}
	eng.graph.Register(d.Static)
	eng.dynStreams[d.ID()] = d
	eng.byStatic[1] = d

	for i := 0; i < 10; i++ {
		el := &fifo.Element{
			DynStreamID:     d.ID(),
			Idx:             uint64(i),
			HasFirstCheck:   true,
			FirstCheckCycle: 10,
			ValueReadyCycle: 11,
		}
		eng.onRelease(1, d, el)
	}

	assert.Equal(t, 10, d.MaxSize)
	assert.Equal(t, 10, d.Static.MaxRunAhead)
	assert.Equal(t, 0, eng.lateFetchCount[1])
}

// TestThrottlingSkipsWhenOverRunAheadBudget verifies the 90%-of-capacity
// guard: growth is withheld when run-ahead already exceeds the budget, but
// the counter still resets for the next measurement window.
func TestThrottlingSkipsWhenOverRunAheadBudget(t *testing.T) {
	eng, _, _ := newTestEngine(t, 10)
	d := &fifo.DynStream{
		StaticID: 1,
		Static:   &stream.Static{ID: 1, Kind: stream.Load, StepRoot: 1, MaxRunAhead: 10},
		MaxSize:  10,
	}
	for i := 0; i < 10; i++ {
		d.Elements = append(d.Elements, &fifo.Element{})
	}
	eng.graph.Register(d.Static)
	eng.dynStreams[d.ID()] = d
	eng.byStatic[1] = d

	for i := 0; i < 10; i++ {
		el := &fifo.Element{HasFirstCheck: true, FirstCheckCycle: 10, ValueReadyCycle: 11}
		eng.onRelease(1, d, el)
	}

	assert.Equal(t, 10, d.MaxSize, "run-ahead already at 100%% of capacity must withhold growth")
	assert.Equal(t, 0, eng.lateFetchCount[1])
}

func TestDispatchEndUnconfiguresStream(t *testing.T) {
	eng, _, _ := newTestEngine(t, 8)
	region := configOne(1, 4, linearAddrGen(0x10000, 4), 4, stream.Load)
	eng.DispatchConfig(region)

	d, ok := eng.DynStream(fifo.Key(1, 0))
	assert.True(t, ok)
	assert.True(t, d.Configured)

	eng.DispatchEnd([]uint64{d.ID()})
	assert.False(t, d.Configured)
	_, stillMapped := eng.byStatic[1]
	assert.False(t, stillMapped)
}
