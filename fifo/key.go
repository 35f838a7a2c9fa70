package fifo

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
)

// Key returns a stable 64-bit xxhash identity for a pair of 64-bit ids;
// DynStream.ID uses it for the (staticId, instance) identity of a dynamic
// stream (spec Section 3). Grounded on the teacher's
// Record.ID := xxhash.Sum64(record.Value) (record.go).
func Key(dynStreamID, elementIdx uint64) uint64 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], dynStreamID)
	binary.BigEndian.PutUint64(buf[8:16], elementIdx)
	return xxhash.Sum64(buf[:])
}

// EncodeKey renders the (dynStreamId, elementIdx) pair itself, not its Key
// hash, as 16 big-endian bytes, so that a lexicographically ordered store
// (moss Range) iterates by dynStreamId, then by elementIdx. The LLC
// per-bank shadow store keys its records this way (spec Section 4.5, "LLC
// stream element / slice").
func EncodeKey(dynStreamID, elementIdx uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], dynStreamID)
	binary.BigEndian.PutUint64(buf[8:16], elementIdx)
	return buf
}
