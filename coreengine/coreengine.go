// Package coreengine implements the Core Stream Engine (spec Section 4.3):
// allocation, stepping, LSQ glue, request issue, and adaptive run-ahead
// throttling.
package coreengine

import (
	"sort"

	"github.com/cacheaccel/streamengine/config"
	"github.com/cacheaccel/streamengine/delegator"
	"github.com/cacheaccel/streamengine/fifo"
	"github.com/cacheaccel/streamengine/log"
	"github.com/cacheaccel/streamengine/message"
	"github.com/cacheaccel/streamengine/sched"
	"github.com/cacheaccel/streamengine/stream"
)

// lineStatus tracks one in-flight or resolved cache-line fetch so that
// multiple elements referencing the same line share a single request
// (spec Section 4.3, "Issue algorithm").
type lineStatus struct {
	fetching    bool
	fetched     bool
	subscribers []*fifo.Element
}

// Config bundles the resource caps read from config.Config at
// construction (spec Section 5, "Resource caps").
type Config struct {
	LateFetchThreshold int     // default 10
	RunAheadFraction   float64 // default 0.9
}

// FromConfig reads the core.lateFetchThreshold/core.runAheadFraction paths
// from c, falling back to the spec-mandated defaults for any path not set.
func FromConfig(c config.Config) Config {
	return Config{
		LateFetchThreshold: c.Get("core", "lateFetchThreshold").Int(10),
		RunAheadFraction:   c.Get("core", "runAheadFraction").Float64(0.9),
	}
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return FromConfig(config.NewConfig(nil))
}

// Engine is the per-CPU Core Stream Engine.
type Engine struct {
	deleg delegator.Delegator
	pool  *fifo.Pool
	graph *fifo.Graph
	cfg   Config
	log   log.Logger

	dynStreams map[uint64]*fifo.DynStream
	byStatic   map[stream.ID]*fifo.DynStream

	instElems map[uint64][]*fifo.Element
	lsqHook   delegator.LSQHook

	lines map[delegator.VAddr]*lineStatus

	lateFetchCount map[stream.ID]int

	toMLC *message.Mailbox
}

// New creates a Core SE with the given FIFO capacity.
func New(deleg delegator.Delegator, fifoCapacity int, cfg Config, lsqHook delegator.LSQHook, toMLC *message.Mailbox) *Engine {
	return &Engine{
		deleg:          deleg,
		pool:           fifo.NewPool(fifoCapacity),
		graph:          fifo.NewGraph(),
		cfg:            cfg,
		log:            log.New("se", "core", "cpu", deleg.CPUID()),
		dynStreams:     make(map[uint64]*fifo.DynStream),
		byStatic:       make(map[stream.ID]*fifo.DynStream),
		instElems:      make(map[uint64][]*fifo.Element),
		lines:          make(map[delegator.VAddr]*lineStatus),
		lateFetchCount: make(map[stream.ID]int),
		lsqHook:        lsqHook,
		toMLC:          toMLC,
	}
}

// Graph exposes the dependency graph for introspection/tests.
func (e *Engine) Graph() *fifo.Graph { return e.graph }

// Pool exposes the element pool for introspection/tests.
func (e *Engine) Pool() *fifo.Pool { return e.pool }

// DynStream looks up an active dynamic stream by (staticId, instance) key.
func (e *Engine) DynStream(key uint64) (*fifo.DynStream, bool) {
	d, ok := e.dynStreams[key]
	return d, ok
}

// CanConfig reports whether region can be activated right now (spec
// Section 4.3).
func (e *Engine) CanConfig(region *RegionDescriptor) bool {
	if e.pool.FreeCount() < len(region.Streams) {
		return false
	}
	for _, cfg := range region.Streams {
		if d, ok := e.byStatic[cfg.StaticID]; ok {
			if d.AllocSize() >= d.MaxSize {
				return false
			}
		}
	}
	return true
}

// DispatchConfig activates region: registers any new static streams,
// flushes allocated-but-unstepped elements of any stream being
// reconfigured, begins a new dynamic instance per stream, allocates at
// least one element each, then fills the remainder round-robin (spec
// Section 4.3).
func (e *Engine) DispatchConfig(region *RegionDescriptor) []*fifo.DynStream {
	now := e.deleg.CurCycle()
	var fresh []*fifo.DynStream

	for _, cfg := range region.Streams {
		st, ok := e.graph.Get(cfg.StaticID)
		if !ok {
			st = region.Statics[cfg.StaticID]
			if st == nil {
				e.log.Errorw("dispatchConfig: unknown static stream", "staticId", cfg.StaticID)
				continue
			}
			if err := e.graph.Register(st); err != nil {
				panic(err)
			}
		}

		instance := uint64(0)
		if old, ok := e.byStatic[cfg.StaticID]; ok {
			old.ReleaseUnstepped(e.pool)
			instance = old.Instance + 1
		}

		d := &fifo.DynStream{
			StaticID:   cfg.StaticID,
			Instance:   instance,
			Static:     st,
			Cfg:        cfg,
			MaxSize:    st.MaxRunAhead,
			Configured: true,
		}
		e.dynStreams[d.ID()] = d
		e.byStatic[cfg.StaticID] = d
		fresh = append(fresh, d)
	}

	for _, d := range fresh {
		d.Allocate(e.pool, now)
	}

	e.refillRoundRobin(fresh, now)
	return fresh
}

// refillRoundRobin allocates one element at a time to each dynS in
// candidates, cycling until none can allocate further or the pool is
// exhausted (spec Section 4.3: "fills remainder round-robin"; Section
// 4.3 commitStep: "refills dependents up to a rising target").
func (e *Engine) refillRoundRobin(candidates []*fifo.DynStream, now sched.Cycle) {
	progress := true
	for progress {
		progress = false
		for _, d := range candidates {
			if e.pool.FreeCount() == 0 {
				return
			}
			if _, ok := d.Allocate(e.pool, now); ok {
				progress = true
			}
		}
	}
}

// CanStep reports whether root's step group can advance once more (spec
// Section 4.3).
func (e *Engine) CanStep(root stream.ID) bool {
	for _, id := range e.graph.StepDependents(root) {
		d, ok := e.byStatic[id]
		if !ok {
			continue
		}
		if !d.CanStep() {
			return false
		}
	}
	return true
}

// DispatchStep advances the stepped cursor for every dependent in root's
// step group (spec Section 4.3).
func (e *Engine) DispatchStep(root stream.ID) {
	now := e.deleg.CurCycle()
	for _, id := range e.graph.StepDependents(root) {
		d, ok := e.byStatic[id]
		if !ok {
			continue
		}
		if el, stepped := d.Step(); stepped {
			if !el.HasFirstCheck {
				el.HasFirstCheck = true
				el.FirstCheckCycle = now
			}
		}
	}
}

// CommitStep releases the newly-superseded element for every dependent,
// runs the throttler, and refills run-ahead (spec Section 4.3).
func (e *Engine) CommitStep(root stream.ID) {
	now := e.deleg.CurCycle()
	deps := e.graph.StepDependents(root)

	for _, id := range deps {
		d, ok := e.byStatic[id]
		if !ok {
			continue
		}
		if released, ok := d.ReleaseSuperseded(e.pool); ok {
			e.onRelease(root, d, released)
		}
	}

	var active []*fifo.DynStream
	for _, id := range deps {
		if d, ok := e.byStatic[id]; ok {
			active = append(active, d)
		}
	}
	e.refillRoundRobin(active, now)
}

// onRelease applies throttling bookkeeping when a stepped element is
// released (spec Section 4.3, "Throttling").
func (e *Engine) onRelease(root stream.ID, d *fifo.DynStream, released *fifo.Element) {
	if released.HasFirstCheck && released.ValueReadyCycle > released.FirstCheckCycle {
		e.lateFetchCount[root]++
	}

	if e.lateFetchCount[root] < e.cfg.LateFetchThreshold {
		return
	}

	if e.totalRunAhead() >= int(float64(e.pool.Capacity())*e.cfg.RunAheadFraction) {
		// Over the run-ahead budget: do not grow further, but still
		// reset so we re-measure over the next window.
		e.lateFetchCount[root] = 0
		return
	}

	for _, id := range e.graph.StepDependents(root) {
		if dep, ok := e.byStatic[id]; ok {
			dep.MaxSize += 2
			dep.Static.MaxRunAhead += 2
		}
	}
	e.lateFetchCount[root] = 0
}

func (e *Engine) totalRunAhead() int {
	total := 0
	for _, d := range e.dynStreams {
		total += d.AllocSize()
	}
	return total
}

// DispatchUser records the elements inst consumes and hooks the LSQ
// callback for the first user of a load-stream element (spec Section
// 4.3).
func (e *Engine) DispatchUser(inst *Instruction) {
	now := e.deleg.CurCycle()
	var elems []*fifo.Element
	for _, sid := range inst.StreamIDs {
		d, ok := e.byStatic[sid]
		if !ok || d.StepSize() == 0 {
			continue
		}
		el := d.Elements[d.StepSize()-1]
		if !el.HasFirstCheck {
			el.HasFirstCheck = true
			el.FirstCheckCycle = now
		}
		if !el.HasFirstUser {
			el.HasFirstUser = true
			el.FirstUserSeq = inst.SeqNum
		}
		elems = append(elems, el)
	}
	e.instElems[inst.SeqNum] = elems
}

// AreUsedReady reports whether every element inst recorded is value-ready
// (spec Section 4.3).
func (e *Engine) AreUsedReady(inst *Instruction) bool {
	for _, el := range e.instElems[inst.SeqNum] {
		if !el.ValueReady {
			return false
		}
	}
	return true
}

// CommitUser releases the LSQ slot tracking for inst.
func (e *Engine) CommitUser(inst *Instruction) {
	delete(e.instElems, inst.SeqNum)
}

// CommitStore releases the LSQ slot and marks every recorded element
// stored.
func (e *Engine) CommitStore(inst *Instruction) {
	for _, el := range e.instElems[inst.SeqNum] {
		el.Stored = true
	}
	delete(e.instElems, inst.SeqNum)
}

// DispatchEnd applies step-once retention and unconfigures every dynS in
// regionIds (spec Section 4.3).
func (e *Engine) DispatchEnd(regionIDs []uint64) {
	for _, id := range regionIDs {
		d, ok := e.dynStreams[id]
		if !ok {
			continue
		}
		d.End(e.pool)
		if e.byStatic[d.StaticID] == d {
			delete(e.byStatic, d.StaticID)
		}
	}
}

// Tick runs one simulated cycle: issue ready elements, then let the host
// update its own alive-stream statistics externally (statistics sinks are
// an out-of-scope external collaborator per spec Section 1).
func (e *Engine) Tick() {
	e.issueReady()
}

// issueReady implements the Section 4.3 issue algorithm.
func (e *Engine) issueReady() {
	var ready []*fifo.Element
	for _, d := range e.dynStreams {
		for _, el := range d.Elements {
			if !el.AddrReady && el.BaseReady() {
				ready = append(ready, el)
			}
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].AllocCycle != ready[j].AllocCycle {
			return ready[i].AllocCycle < ready[j].AllocCycle
		}
		return ready[i].Idx < ready[j].Idx
	})

	lineSize := e.deleg.CacheLineSize()
	now := e.deleg.CurCycle()

	for _, el := range ready {
		d := e.dynStreams[el.DynStreamID]
		if d == nil {
			continue
		}
		addr, err := d.Static.AddrGen.Addr(el.Idx)
		if err != nil {
			continue // missing base data etc.: retry next tick
		}
		el.Addr = addr
		el.AddrReady = true

		blocks := e.splitBlocks(addr, d.Static.ElementSize, lineSize)
		el.Blocks = blocks

		if d.Static.Kind == stream.Store || len(blocks) == 0 {
			e.markValueReady(el, now)
			continue
		}

		for i := range blocks {
			line := blocks[i].LineAddr
			ls, exists := e.lines[line]
			if !exists {
				ls = &lineStatus{}
				e.lines[line] = ls
			}
			switch {
			case ls.fetched:
				blocks[i].Status = fifo.BlockFetched
			case ls.fetching:
				blocks[i].Status = fifo.BlockFetching
				el.PendingAccesses++
				ls.subscribers = append(ls.subscribers, el)
			default:
				ls.fetching = true
				blocks[i].Status = fifo.BlockFetching
				el.PendingAccesses++
				ls.subscribers = append(ls.subscribers, el)
				e.sendRequest(d, el, line)
			}
		}

		if el.PendingAccesses == 0 {
			e.markValueReady(el, now)
		}
	}
}

func (e *Engine) splitBlocks(addr delegator.VAddr, elemSize int, lineSize uint64) []fifo.CacheBlock {
	if elemSize <= 0 {
		return nil
	}
	start := uint64(addr)
	end := start + uint64(elemSize)
	lineOf := func(a uint64) uint64 { return a &^ (lineSize - 1) }

	var blocks []fifo.CacheBlock
	for a := lineOf(start); a < end && len(blocks) < fifo.MaxCacheBlocks; a += lineSize {
		blocks = append(blocks, fifo.CacheBlock{LineAddr: delegator.VAddr(a)})
	}
	return blocks
}

func (e *Engine) sendRequest(d *fifo.DynStream, el *fifo.Element, line delegator.VAddr) {
	if e.toMLC == nil {
		return
	}
	tr := e.deleg.TranslateVAddrOracle(line)
	if !tr.Valid {
		return
	}
	e.toMLC.Enqueue(message.Message{
		Type: message.Request,
		Payload: message.RequestPayload{
			LineAddr: uint64(tr.PAddr),
			Slice: message.SliceID{
				DynStreamID: el.DynStreamID,
				StartIdx:    el.Idx,
				EndIdx:      el.Idx + 1,
				Size:        d.Static.ElementSize,
			},
		},
	}, e.deleg.CyclesToTicks(1))
}

// OnLineFetched completes every element subscribed to line (called when a
// STREAM_DATA response arrives from the MLC).
func (e *Engine) OnLineFetched(line delegator.VAddr, data []byte) {
	ls, ok := e.lines[line]
	if !ok {
		return
	}
	ls.fetching = false
	ls.fetched = true
	now := e.deleg.CurCycle()

	for _, el := range ls.subscribers {
		for i := range el.Blocks {
			if el.Blocks[i].LineAddr == line && el.Blocks[i].Status != fifo.BlockFetched {
				el.Blocks[i].Status = fifo.BlockFetched
				el.PendingAccesses--
			}
		}
		if el.PendingAccesses <= 0 && !el.ValueReady {
			el.Value = data
			e.markValueReady(el, now)
		}
	}
	ls.subscribers = nil
}

func (e *Engine) markValueReady(el *fifo.Element, now sched.Cycle) {
	el.ValueReady = true
	el.ValueReadyCycle = now
	if el.HasFirstUser && e.lsqHook != nil {
		e.lsqHook.NotifyElementReady(el.FirstUserSeq)
	}
}
