// Package llc implements the per-bank LLC dynamic stream and LLC SE (spec
// Section 4.5): ownership tracking, the per-cycle wakeup algorithm,
// cross-bank migration, and indirect-element promotion. Grounded on the
// teacher's nodeTasks (task.go), which owns a per-node work queue and
// round-robins dispatch across registered processors; here the "node" is
// an LLC bank, the "work queue" is the set of owned dynamic streams, and
// dispatch additionally considers migration eligibility (spec Section
// 4.5, step 3).
package llc

import (
	"sort"

	"github.com/cacheaccel/streamengine/bank"
	"github.com/cacheaccel/streamengine/config"
	"github.com/cacheaccel/streamengine/delegator"
	"github.com/cacheaccel/streamengine/llc/bankstore"
	"github.com/cacheaccel/streamengine/message"
	"github.com/cacheaccel/streamengine/stream"
)

// Config bundles the per-bank LLC SE resource caps read from config.Config
// at construction (spec Section 5, "Resource caps").
type Config struct {
	IssueWidth          int // default 4
	MigrateWidth        int // default 1
	MaxInFlightRequests int // default 16
}

// FromConfig reads the llc.issueWidth/llc.migrateWidth/llc.maxInFlightRequests
// paths from c, falling back to the spec-mandated defaults for any path not
// set.
func FromConfig(c config.Config) Config {
	return Config{
		IssueWidth:          c.Get("llc", "issueWidth").Int(4),
		MigrateWidth:        c.Get("llc", "migrateWidth").Int(1),
		MaxInFlightRequests: c.Get("llc", "maxInFlightRequests").Int(16),
	}
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return FromConfig(config.NewConfig(nil))
}

// BankMapper is the narrow slice of bank.Mapper the LLC tier needs,
// accepted as an interface so tests can substitute a fixture mapping
// instead of the jump-hash (spec Section 8, scenario S2).
type BankMapper interface {
	MapAddressToLLC(paddr uint64, tier bank.Tier) int
}

// Stream is the LLC-tier view of a dynamic stream instance while it is
// resident at a bank.
type Stream struct {
	DynStreamID uint64
	Static      *stream.Static
	Cfg         stream.Config

	AllocatedIdx uint64 // next element index this bank has allocated
	Credit       uint64 // elements this bank may allocate before stalling

	InFlight    int
	InFlightCap int

	// WaitingIndirect holds, per base element index, the indirect element
	// indices waiting on that base's data (spec Section 4.5, "Record
	// waiting indirect elements for each issued base index").
	WaitingIndirect map[uint64][]uint64

	// ReadyIndirect holds indirect element indices promoted and ready to
	// issue (spec Section 4.5, "readyIndirectElements").
	ReadyIndirect []uint64

	WaitingDataBaseRequests int
}

// NextLinePAddr resolves the physical address of the stream's next
// unallocated element, used both for issue and for the migration test.
func (s *Stream) NextLinePAddr(lineSize uint64) delegator.PAddr {
	base := uint64(s.Cfg.InitPAddr) + s.AllocatedIdx*uint64(s.Cfg.ElementSize)
	return delegator.PAddr(base &^ (lineSize - 1))
}

// Migratable reports whether s is eligible for outbound migration this
// cycle (spec Section 4.5, step 3).
func (s *Stream) Migratable(localBank int, mapper BankMapper, lineSize uint64) bool {
	owner := mapper.MapAddressToLLC(uint64(s.NextLinePAddr(lineSize)), bank.LLCTier)
	if owner == localBank {
		return false
	}
	if len(s.WaitingIndirect) > 0 || len(s.ReadyIndirect) > 0 {
		return false
	}
	if s.Cfg.IsPointerChase && s.WaitingDataBaseRequests > 0 {
		return false
	}
	return true
}

// Snapshot is a value-typed, fully deep-copied view of a Stream, carried as
// the Migrate message's ownership handle so the source and destination
// banks never alias the same mutable state (spec Section 5, "Cross-tier
// state transfers use deep-copied messages").
type Snapshot struct {
	DynStreamID uint64
	Static      *stream.Static
	Cfg         stream.Config

	AllocatedIdx uint64
	Credit       uint64

	InFlight    int
	InFlightCap int

	WaitingIndirect map[uint64][]uint64
	ReadyIndirect   []uint64

	WaitingDataBaseRequests int
}

// Snapshot copies s into a value type safe to hand to another bank: its
// map and slice are copied, never shared with s.
func (s *Stream) Snapshot() Snapshot {
	waiting := make(map[uint64][]uint64, len(s.WaitingIndirect))
	for k, v := range s.WaitingIndirect {
		cp := make([]uint64, len(v))
		copy(cp, v)
		waiting[k] = cp
	}
	ready := make([]uint64, len(s.ReadyIndirect))
	copy(ready, s.ReadyIndirect)

	return Snapshot{
		DynStreamID:             s.DynStreamID,
		Static:                  s.Static,
		Cfg:                     s.Cfg,
		AllocatedIdx:            s.AllocatedIdx,
		Credit:                  s.Credit,
		InFlight:                s.InFlight,
		InFlightCap:             s.InFlightCap,
		WaitingIndirect:         waiting,
		ReadyIndirect:           ready,
		WaitingDataBaseRequests: s.WaitingDataBaseRequests,
	}
}

// FromSnapshot materializes a destination-bank-owned Stream from a received
// Snapshot, itself deep-copying the snapshot's map and slice so the new
// Stream never aliases state reachable from the sender.
func FromSnapshot(sn Snapshot) *Stream {
	waiting := make(map[uint64][]uint64, len(sn.WaitingIndirect))
	for k, v := range sn.WaitingIndirect {
		cp := make([]uint64, len(v))
		copy(cp, v)
		waiting[k] = cp
	}
	ready := make([]uint64, len(sn.ReadyIndirect))
	copy(ready, sn.ReadyIndirect)

	return &Stream{
		DynStreamID:             sn.DynStreamID,
		Static:                  sn.Static,
		Cfg:                     sn.Cfg,
		AllocatedIdx:            sn.AllocatedIdx,
		Credit:                  sn.Credit,
		InFlight:                sn.InFlight,
		InFlightCap:             sn.InFlightCap,
		WaitingIndirect:         waiting,
		ReadyIndirect:           ready,
		WaitingDataBaseRequests: sn.WaitingDataBaseRequests,
	}
}

// Engine is the per-bank LLC Stream Engine.
type Engine struct {
	bankIdx  int
	mapper   BankMapper
	lineSize uint64

	cfg Config

	streams          map[uint64]*Stream
	migratingStreams map[uint64]*Stream

	pendingStreamEndMsgs         map[uint64]bool
	pendingStreamFlowControlMsgs []message.FlowPayload

	store *bankstore.Store

	toBank      func(toBank int, msg message.Message)
	issueLocal  func(dynStreamID uint64, elementIdx uint64, paddr delegator.PAddr)
	issueRemote func(toBank int, dynStreamID uint64, elementIdx uint64, paddr delegator.PAddr)
}

// NewEngine creates an LLC SE for bank bankIdx, bounding issue/migrate
// width and per-stream in-flight requests per cfg (spec Section 5,
// "Resource caps").
func NewEngine(bankIdx int, mapper BankMapper, lineSize uint64, cfg Config, store *bankstore.Store,
	toBank func(int, message.Message),
	issueLocal func(uint64, uint64, delegator.PAddr),
	issueRemote func(int, uint64, uint64, delegator.PAddr),
) *Engine {
	return &Engine{
		bankIdx:              bankIdx,
		mapper:               mapper,
		lineSize:             lineSize,
		cfg:                  cfg,
		streams:              make(map[uint64]*Stream),
		migratingStreams:     make(map[uint64]*Stream),
		pendingStreamEndMsgs: make(map[uint64]bool),
		store:                store,
		toBank:               toBank,
		issueLocal:           issueLocal,
		issueRemote:          issueRemote,
	}
}

// Bank returns this engine's bank index.
func (e *Engine) Bank() int { return e.bankIdx }

// NewStream creates a bank-resident Stream for a freshly admitted dynS,
// applying this bank's configured in-flight request cap (spec Section 5,
// "Resource caps").
func (e *Engine) NewStream(dynStreamID uint64, static *stream.Static, cfg stream.Config) *Stream {
	return &Stream{
		DynStreamID:     dynStreamID,
		Static:          static,
		Cfg:             cfg,
		InFlightCap:     e.cfg.MaxInFlightRequests,
		WaitingIndirect: make(map[uint64][]uint64),
	}
}

// ReceiveMigrate implements "on receive-migrate" (spec Section 4.5): the
// incoming stream's next physical line must belong to this bank; if it
// was already ended, drop it. records is the shadow element/slice state
// range-scanned out of the source bank's Store, replayed into this bank's
// Store so per-bank state follows the stream across migration.
func (e *Engine) ReceiveMigrate(s *Stream, records []bankstore.Record) {
	owner := e.mapper.MapAddressToLLC(uint64(s.NextLinePAddr(e.lineSize)), bank.LLCTier)
	if owner != e.bankIdx {
		panic("llc: migrated stream's next line does not belong to this bank")
	}
	if e.pendingStreamEndMsgs[s.DynStreamID] {
		delete(e.pendingStreamEndMsgs, s.DynStreamID)
		return
	}
	e.streams[s.DynStreamID] = s

	if e.store != nil {
		for _, rec := range records {
			if err := e.store.Put(rec); err != nil {
				panic(err)
			}
		}
	}
}

// ReceiveEnd marks dynStreamID ended. If the stream is not (yet) resident
// here, the end is recorded in pendingStreamEndMsgs so a subsequent
// ReceiveMigrate drops it instead of re-admitting it (spec Section 4.5).
func (e *Engine) ReceiveEnd(dynStreamID uint64) {
	if _, ok := e.streams[dynStreamID]; ok {
		delete(e.streams, dynStreamID)
		return
	}
	e.pendingStreamEndMsgs[dynStreamID] = true
}

// ReceiveFlowControl buffers an incoming STREAM_FLOW credit grant for the
// next Wakeup to drain (spec Section 4.5, step 1).
func (e *Engine) ReceiveFlowControl(msg message.FlowPayload) {
	e.pendingStreamFlowControlMsgs = append(e.pendingStreamFlowControlMsgs, msg)
}

// Wakeup runs the per-cycle LLC SE algorithm (spec Section 4.5): drain
// flow control, issue up to issueWidth streams (indirect before base),
// scan for migration candidates, and migrate up to migrateWidth.
func (e *Engine) Wakeup() {
	e.drainFlowControl()
	e.issueRound()
	e.migrateRound()
}

func (e *Engine) drainFlowControl() {
	var remaining []message.FlowPayload
	for _, msg := range e.pendingStreamFlowControlMsgs {
		s, ok := e.streams[msg.DynStreamID]
		if !ok || s.AllocatedIdx != msg.Range.StartIdx {
			remaining = append(remaining, msg)
			continue
		}
		s.Credit += msg.Range.EndIdx - msg.Range.StartIdx
	}
	e.pendingStreamFlowControlMsgs = remaining
}

func (e *Engine) issueRound() {
	ids := e.sortedStreamIDs()
	issued := 0
	for _, id := range ids {
		if issued >= e.cfg.IssueWidth {
			return
		}
		s := e.streams[id]

		if len(s.ReadyIndirect) > 0 {
			idx := s.ReadyIndirect[0]
			s.ReadyIndirect = s.ReadyIndirect[1:]
			e.issueIndirect(s, idx)
			issued++
			continue
		}

		if e.issueBase(s) {
			issued++
		}
	}
}

func (e *Engine) issueIndirect(s *Stream, elementIdx uint64) {
	paddr := delegator.PAddr(uint64(s.Cfg.InitPAddr) + elementIdx*uint64(s.Cfg.ElementSize))
	owner := e.mapper.MapAddressToLLC(uint64(paddr), bank.LLCTier)
	if owner == e.bankIdx {
		if e.issueLocal != nil {
			e.issueLocal(s.DynStreamID, elementIdx, paddr)
		}
		return
	}
	if e.issueRemote != nil {
		e.issueRemote(owner, s.DynStreamID, elementIdx, paddr)
	}
}

// issueBase issues the next base element if preconditions hold: the
// element is allocated (credit available), its line translates locally,
// and in-flight count is below cap. Consecutive base elements sharing a
// line are merged for non-pointer-chase streams (spec Section 4.5, step
// 2).
func (e *Engine) issueBase(s *Stream) bool {
	if s.Credit == 0 {
		return false
	}
	if s.InFlight >= s.InFlightCap {
		return false
	}
	paddr := s.NextLinePAddr(e.lineSize)
	owner := e.mapper.MapAddressToLLC(uint64(paddr), bank.LLCTier)
	if owner != e.bankIdx {
		return false
	}

	idx := s.AllocatedIdx
	merged := uint64(1)
	if !s.Cfg.IsPointerChase {
		for {
			next := s.AllocatedIdx + merged
			nextPAddr := delegator.PAddr(uint64(s.Cfg.InitPAddr) + next*uint64(s.Cfg.ElementSize))
			if nextPAddr&^delegator.PAddr(e.lineSize-1) != paddr || next >= s.AllocatedIdx+s.Credit {
				break
			}
			merged++
		}
	}

	s.AllocatedIdx += merged
	s.Credit -= merged
	s.InFlight++
	s.WaitingDataBaseRequests++

	if e.store != nil {
		for i := uint64(0); i < merged; i++ {
			rec := bankstore.Record{
				DynStreamID: s.DynStreamID,
				ElementIdx:  idx + i,
				LineAddr:    delegator.VAddr(paddr),
				Size:        s.Cfg.ElementSize,
			}
			if err := e.store.Put(rec); err != nil {
				panic(err)
			}
		}
	}

	if e.issueLocal != nil {
		e.issueLocal(s.DynStreamID, idx, paddr)
	}
	return true
}

// ReceiveElementData implements "on receive-element-data (for base
// element)" (spec Section 4.5): decrement in-flight, mark the element's
// shadow record filled once all of its bytes have arrived (spec Section 3,
// "ready only when all size bytes are filled"), and for each base index in
// the slice promote every dependent indirect stream's index into
// readyIndirectElements.
func (e *Engine) ReceiveElementData(dynStreamID uint64, baseIdx uint64, data []byte, dependents []*Stream) {
	s, ok := e.streams[dynStreamID]
	if !ok {
		return
	}
	if s.InFlight <= 0 {
		panic("llc: negative in-flight count")
	}
	s.InFlight--
	if s.WaitingDataBaseRequests <= 0 {
		panic("llc: negative waiting-data-base-requests count")
	}
	s.WaitingDataBaseRequests--
	delete(s.WaitingIndirect, baseIdx)

	if e.store != nil {
		rec, err := e.store.Get(dynStreamID, baseIdx)
		if err == nil {
			rec.Value = data
			rec.Filled = len(data) >= rec.Size
			if err := e.store.Put(rec); err != nil {
				panic(err)
			}
		}
	}

	for _, dep := range dependents {
		promoted := baseIdx
		if dep.Cfg.OneIterationBehind {
			promoted++
		}
		dep.ReadyIndirect = append(dep.ReadyIndirect, promoted)
	}
}

func (e *Engine) migrateRound() {
	ids := e.sortedStreamIDs()
	migrated := 0
	for _, id := range ids {
		if migrated >= e.cfg.MigrateWidth {
			return
		}
		s := e.streams[id]
		if !s.Migratable(e.bankIdx, e.mapper, e.lineSize) {
			continue
		}
		owner := e.mapper.MapAddressToLLC(uint64(s.NextLinePAddr(e.lineSize)), bank.LLCTier)
		delete(e.streams, id)
		e.migratingStreams[id] = s

		var records []bankstore.Record
		if e.store != nil {
			if err := e.store.RangeStream(id, func(rec bankstore.Record) error {
				records = append(records, rec)
				return nil
			}); err != nil {
				panic(err)
			}
			for _, rec := range records {
				if err := e.store.Delete(rec.DynStreamID, rec.ElementIdx); err != nil {
					panic(err)
				}
			}
		}

		if e.toBank != nil {
			e.toBank(owner, message.Message{
				Type: message.Migrate,
				Payload: message.MigratePayload{
					DynStreamID:   id,
					NextLinePAddr: uint64(s.NextLinePAddr(e.lineSize)),
					Handle:        s.Snapshot(),
					Records:       records,
				},
			})
		}
		migrated++
	}
}

// ConfirmMigrated removes dynStreamID from the outbound migration list
// once the destination bank's ReceiveMigrate has taken ownership,
// matching the spec's "migratingStreams: awaiting outbound migration"
// invariant that a stream leaves this list only once ownership transfers.
func (e *Engine) ConfirmMigrated(dynStreamID uint64) {
	delete(e.migratingStreams, dynStreamID)
}

func (e *Engine) sortedStreamIDs() []uint64 {
	ids := make([]uint64, 0, len(e.streams))
	for id := range e.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
