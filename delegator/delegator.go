// Package delegator defines the narrow capability set the stream engine
// requires from its host CPU pipeline and coherence substrate (spec
// Section 4.6). The CPU pipeline, ISA decoding, and cache coherence
// protocol itself are out of scope (spec Section 1); only these
// interfaces are ours to define.
package delegator

import "github.com/cacheaccel/streamengine/sched"

// PAddr is a resolved physical address; VAddr is a virtual address.
type PAddr uint64
type VAddr uint64

// Translation is the result of a virtual-to-physical lookup.
type Translation struct {
	PAddr PAddr
	Valid bool // false on a translation fault
}

// AddrGen computes the virtual address of the elementIdx'th element of a
// stream (spec Section 1: "address generators ... are an interface").
// Implementations are supplied externally by the trace/program front end.
type AddrGen interface {
	Addr(elementIdx uint64) (VAddr, error)
}

// AddrGenFunc adapts a function to AddrGen.
type AddrGenFunc func(elementIdx uint64) (VAddr, error)

// Addr implements AddrGen.
func (f AddrGenFunc) Addr(elementIdx uint64) (VAddr, error) { return f(elementIdx) }

// Delegator is the boundary capability set exposed by the host simulator.
type Delegator interface {
	// CurCycle returns the current simulated cycle.
	CurCycle() sched.Cycle
	// CyclesToTicks converts a simulator cycle count to scheduler delay.
	CyclesToTicks(n uint64) sched.Cycle
	// CacheLineSize in bytes.
	CacheLineSize() uint64
	// CPUID of the owning core.
	CPUID() int
	// TranslateVAddrOracle resolves vaddr to a physical address, or
	// reports a translation fault.
	TranslateVAddrOracle(vaddr VAddr) Translation
	// ReadFromMem reads len bytes at vaddr into out (out must have
	// capacity >= len).
	ReadFromMem(vaddr VAddr, length int, out []byte) error
	// Schedule requests a callback after delta cycles.
	Schedule(delta sched.Cycle, fn sched.Callback) sched.Handle
	// Deschedule cancels a previously scheduled callback.
	Deschedule(h sched.Handle)
	// MapAddressToLLC is the deterministic bank hash (spec Section 4.6).
	MapAddressToLLC(paddr PAddr, tier int) int
}

// LSQHook is the load/store-queue glue Section 4.3's dispatchUser uses to
// wake the first consuming instruction the instant its element turns
// value-ready, instead of polling areUsedReady every tick.
type LSQHook interface {
	// NotifyElementReady is invoked when an element whose first user is
	// instSeqNum turns value-ready. An instruction that uses several
	// elements may be notified once per element, and an element that was
	// already value-ready when the instruction dispatched triggers no call.
	NotifyElementReady(instSeqNum uint64)
}
