// Package bank implements mapAddressToLLC (spec Section 4.6): a
// deterministic hash from a physical address to an owning LLC (or MLC)
// bank index. Grounded on the teacher's nodeTasks.forwardFrom (task.go),
// which shards records across per-node goroutines with a consistent hash
// of the record id so that records sharing a key always land on the same
// task; here the "key" is a cache line and the "tasks" are cache banks, so
// the same hashing approach gives a stable line->bank assignment that does
// not reshuffle every line when the bank count changes.
package bank

import (
	"encoding/binary"

	"github.com/dgryski/go-jump"
	"github.com/dgryski/go-wyhash"
)

// Tier distinguishes which tier's bank-count a paddr is being mapped
// against (the MLC and LLC may be banked differently).
type Tier uint8

const (
	// MLCTier maps against the MLC bank count.
	MLCTier Tier = iota
	// LLCTier maps against the LLC bank count.
	LLCTier
)

const wyhashSeed = 0x5bd1e995

// Mapper maps physical addresses to bank indices for both tiers.
type Mapper struct {
	lineSize  uint64
	mlcBanks  int
	llcBanks  int
}

// NewMapper creates a bank mapper for a cache hierarchy with the given
// line size and per-tier bank counts.
func NewMapper(lineSize uint64, mlcBanks, llcBanks int) *Mapper {
	return &Mapper{lineSize: lineSize, mlcBanks: mlcBanks, llcBanks: llcBanks}
}

// lineKey folds a physical address down to its containing cache line and
// hashes it with wyhash, so any byte offset within the line maps to the
// same key before being fed to the jump consistent-hash.
func (m *Mapper) lineKey(paddr uint64) uint64 {
	line := paddr &^ (m.lineSize - 1)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], line)
	return wyhash.Hash(buf[:], wyhashSeed)
}

// MapAddressToLLC returns the owning bank index [0, nBanks) for tier at
// paddr. It is a pure function of the line address: two requests for the
// same line always resolve to the same bank within a tier.
func (m *Mapper) MapAddressToLLC(paddr uint64, tier Tier) int {
	n := m.llcBanks
	if tier == MLCTier {
		n = m.mlcBanks
	}
	if n <= 0 {
		return 0
	}
	return int(jump.Hash(m.lineKey(paddr), n))
}

// SameBank reports whether two physical addresses map to the same bank
// for the given tier.
func (m *Mapper) SameBank(a, b uint64, tier Tier) bool {
	return m.MapAddressToLLC(a, tier) == m.MapAddressToLLC(b, tier)
}

// LLCBanks returns the configured LLC bank count.
func (m *Mapper) LLCBanks() int { return m.llcBanks }

// LineSize returns the cache line size used for bank hashing.
func (m *Mapper) LineSize() uint64 { return m.lineSize }
