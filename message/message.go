// Package message defines the coherence-layer message types exchanged
// between the Core, MLC, and LLC stream engine tiers (spec Section 6) and
// a small FIFO-per-latency mailbox used to deliver them deterministically
// (Section 5: "messages enqueued with latency k are delivered at now+k,
// FIFO within the same tick/buffer").
package message

import (
	"github.com/cacheaccel/streamengine/llc/bankstore"
	"github.com/cacheaccel/streamengine/sched"
)

// Type identifies a STREAM_* wire message.
type Type uint8

const (
	// Configure carries a serialized dynS config plus an optional indirect
	// sub-config.
	Configure Type = iota
	// End carries a dynStreamId to cancel.
	End
	// Flow carries a credit grant (dynStreamId + [startIdx, endIdx)).
	Flow
	// Migrate carries ownership handle + next line paddr.
	Migrate
	// Request is a STREAM_REQUEST (GETU).
	Request
	// IndirectRequest is routed to a remote LLC bank.
	IndirectRequest
	// Data is a STREAM_DATA response.
	Data
	// Commit is a STREAM_COMMIT for a range-sync element range.
	Commit
	// Done is a STREAM_DONE acking a STREAM_COMMIT.
	Done
)

func (t Type) String() string {
	switch t {
	case Configure:
		return "STREAM_CONFIGURE"
	case End:
		return "STREAM_END"
	case Flow:
		return "STREAM_FLOW"
	case Migrate:
		return "STREAM_MIGRATE"
	case Request:
		return "STREAM_REQUEST"
	case IndirectRequest:
		return "STREAM_INDIRECT_REQUEST"
	case Data:
		return "STREAM_DATA"
	case Commit:
		return "STREAM_COMMIT"
	case Done:
		return "STREAM_DONE"
	}
	return "UNKNOWN"
}

// SliceID identifies a (dynStreamId, startIdx, endIdx, size) slice carried
// by STREAM_REQUEST / STREAM_DATA payloads.
type SliceID struct {
	DynStreamID uint64
	StartIdx    uint64
	EndIdx      uint64
	Size        int
}

// ElementRange is a [StartIdx, EndIdx) element-index range, used by
// STREAM_FLOW credits and STREAM_COMMIT/STREAM_DONE range-sync messages.
type ElementRange struct {
	StartIdx uint64
	EndIdx   uint64
}

// Configure payload.
type ConfigurePayload struct {
	DynStreamID uint64
	Config      interface{} // opaque serialized dynS config
	Indirect    interface{} // optional indirect sub-config, nil if absent
}

// End payload.
type EndPayload struct {
	DynStreamID uint64
}

// Flow (credit) payload.
type FlowPayload struct {
	DynStreamID uint64
	Range       ElementRange
}

// Migrate payload. Handle carries a value-typed snapshot of the migrating
// dynS, never a live pointer into the source bank's state (spec Section 5,
// "Cross-tier state transfers use deep-copied messages"); Records carries
// that dynS's shadow element/slice state, range-scanned out of the source
// bank's bankstore.Store for replay into the destination bank's Store.
type MigratePayload struct {
	DynStreamID   uint64
	NextLinePAddr uint64
	Handle        interface{} // opaque dynS snapshot, a value copy
	Records       []bankstore.Record
}

// Request payload (STREAM_REQUEST / STREAM_INDIRECT_REQUEST).
type RequestPayload struct {
	LineAddr uint64
	Slice    SliceID
}

// DataPayload is the STREAM_DATA response.
type DataPayload struct {
	Slice     SliceID
	DataBlock []byte
	LineAddr  uint64
}

// RangePayload backs STREAM_COMMIT / STREAM_DONE.
type RangePayload struct {
	DynStreamID uint64
	Range       ElementRange
}

// Message is one enqueued coherence-layer message.
type Message struct {
	Type    Type
	Payload interface{}
}

// Mailbox is a typed, latency-delayed, FIFO-within-cycle message buffer.
// Messages enqueued with the same delivery cycle drain in enqueue order,
// matching Section 5's ordering guarantee: the underlying scheduler already
// serves same-cycle entries in insertion (generation) order, so Mailbox
// only needs to forward into it.
type Mailbox struct {
	sc      *sched.Scheduler
	seq     uint64
	handler func(Message)
}

// NewMailbox creates a mailbox bound to a scheduler. handler is invoked for
// every message at its delivery cycle, in FIFO order among same-cycle
// messages.
func NewMailbox(sc *sched.Scheduler, handler func(Message)) *Mailbox {
	return &Mailbox{sc: sc, handler: handler}
}

// Enqueue schedules msg for delivery at now+latency cycles.
func (m *Mailbox) Enqueue(msg Message, latency sched.Cycle) {
	m.seq++
	seq := m.seq
	m.sc.Schedule(latency, func() {
		m.deliver(seq, msg)
	})
}

func (m *Mailbox) deliver(seq uint64, msg Message) {
	if m.handler != nil {
		m.handler(msg)
	}
	_ = seq
}
