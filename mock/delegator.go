// Package mock provides a deterministic, in-memory delegator.Delegator for
// cycle-stepped tests, replacing the teacher's mock/context.go Processor
// stub with the stream engine's own boundary capability.
package mock

import (
	"encoding/binary"
	"errors"

	"github.com/cacheaccel/streamengine/bank"
	"github.com/cacheaccel/streamengine/delegator"
	"github.com/cacheaccel/streamengine/sched"
)

// ErrNoMapping is returned by Delegator.ReadFromMem when the test never
// seeded data for the requested address.
var ErrNoMapping = errors.New("mock: no memory seeded at address")

// Delegator is a fake host pipeline: it exposes a flat byte-addressed
// memory, a fixed cache-line size, and the real scheduler so tests can
// drive STREAM_* callbacks cycle-by-cycle.
type Delegator struct {
	Sched    *sched.Scheduler
	LineSize uint64
	Mapper   *bank.Mapper
	ID       int

	mem    map[delegator.VAddr][]byte
	faults map[delegator.VAddr]bool
}

// New creates a mock delegator with the given cache-line size and bank
// mapper. Call Seed to populate memory contents used by ReadFromMem.
func New(sc *sched.Scheduler, lineSize uint64, mapper *bank.Mapper, cpuID int) *Delegator {
	return &Delegator{
		Sched:    sc,
		LineSize: lineSize,
		Mapper:   mapper,
		ID:       cpuID,
		mem:      make(map[delegator.VAddr][]byte),
	}
}

// Seed writes length bytes of a deterministic pattern as a single buffer at
// vaddr, so tests can assert on returned contents without hand-rolling
// byte slices.
func (d *Delegator) Seed(vaddr delegator.VAddr, length int) {
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = byte(uint64(vaddr) + uint64(i))
	}
	d.SeedBytes(vaddr, buf)
}

// SeedBytes writes data verbatim at vaddr.
func (d *Delegator) SeedBytes(vaddr delegator.VAddr, data []byte) {
	d.mem[vaddr] = append([]byte(nil), data...)
}

// SeedUint32 seeds a little-endian u32 at vaddr, convenient for
// induction-variable and indirect-stream test fixtures.
func (d *Delegator) SeedUint32(vaddr delegator.VAddr, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	d.SeedBytes(vaddr, buf[:])
}

func (d *Delegator) CurCycle() sched.Cycle { return d.Sched.CurCycle() }

func (d *Delegator) CyclesToTicks(n uint64) sched.Cycle { return sched.Cycle(n) }

func (d *Delegator) CacheLineSize() uint64 { return d.LineSize }

func (d *Delegator) CPUID() int { return d.ID }

// TranslateVAddrOracle is the identity mapping: every vaddr maps to the
// paddr of the same numeric value. Tests that need a translation fault can
// pre-register one with FaultAt.
func (d *Delegator) TranslateVAddrOracle(vaddr delegator.VAddr) delegator.Translation {
	if d.faults != nil && d.faults[vaddr] {
		return delegator.Translation{Valid: false}
	}
	return delegator.Translation{PAddr: delegator.PAddr(vaddr), Valid: true}
}

func (d *Delegator) ReadFromMem(vaddr delegator.VAddr, length int, out []byte) error {
	data, ok := d.mem[vaddr]
	if !ok {
		return ErrNoMapping
	}
	n := length
	if n > len(data) {
		n = len(data)
	}
	copy(out, data[:n])
	return nil
}

func (d *Delegator) Schedule(delta sched.Cycle, fn sched.Callback) sched.Handle {
	return d.Sched.Schedule(delta, fn)
}

func (d *Delegator) Deschedule(h sched.Handle) {
	d.Sched.Deschedule(h)
}

func (d *Delegator) MapAddressToLLC(paddr delegator.PAddr, tier int) int {
	return d.Mapper.MapAddressToLLC(uint64(paddr), bank.Tier(tier))
}

// FaultAt marks vaddr as a translation fault for every subsequent
// TranslateVAddrOracle call. Only that exact address faults; other
// addresses in the same line still translate.
func (d *Delegator) FaultAt(vaddr delegator.VAddr) {
	if d.faults == nil {
		d.faults = make(map[delegator.VAddr]bool)
	}
	d.faults[vaddr] = true
}
