// Package bankstore is the per-LLC-bank shadow store of slice/element
// state (spec Section 4.5, "LLC stream element / slice"). It holds no
// state the simulator doesn't already own in memory (spec Section 6,
// "Persistent state: None") - it is an ordered, in-memory index over that
// state, backed by an in-memory-only couchbase/moss collection. Grounded
// on the teacher's store/moss/moss.go DB, generalized from a generic
// Record sink to a bank-scoped element/slice index keyed by
// fifo.EncodeKey.
package bankstore

/*
   Copyright 2018 Bruno Moura <brunotm@gmail.com>

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/couchbase/moss"

	"github.com/cacheaccel/streamengine/delegator"
	"github.com/cacheaccel/streamengine/fifo"
)

// ErrNotFound is returned by Get when no element is indexed under key.
var ErrNotFound = errors.New("bankstore: key not found")

var (
	ropts    = moss.ReadOptions{}
	wopts    = moss.WriteOptions{}
	iteropts = moss.IteratorOptions{}
)

// Record is the serializable shadow of one LLC element/slice, keyed by
// (dynStreamId, elementIdx) (spec Section 3, "Element"; Section 4.5).
// Filled reports whether all Size bytes of the element's data have been
// received (spec Section 3: "ready only when all size bytes are filled");
// Committed marks an element that has been range-sync committed and acked
// (STREAM_DONE) and is pending removal.
type Record struct {
	DynStreamID uint64
	ElementIdx  uint64
	LineAddr    delegator.VAddr
	Size        int
	Filled      bool
	Committed   bool
	Value       []byte
}

// Store is the in-memory, ordered element/slice index for a single LLC
// bank. A migrating stream's elements are range-scanned out of its old
// bank's Store and replayed into the new bank's Store (spec Section 4.5,
// "migration").
type Store struct {
	bank int
	db   moss.Collection
}

// Open creates the shadow store for the given bank index.
func Open(bankIdx int) (*Store, error) {
	db, err := moss.NewCollection(moss.CollectionOptions{})
	if err != nil {
		return nil, err
	}
	if err := db.Start(); err != nil {
		return nil, err
	}
	return &Store{bank: bankIdx, db: db}, nil
}

// Bank returns the LLC bank index this store shadows.
func (s *Store) Bank() int { return s.bank }

// Close releases the store's resources.
func (s *Store) Close() error {
	err := s.db.Close()
	s.db = nil
	return err
}

// Put indexes rec under its (DynStreamID, ElementIdx) key.
func (s *Store) Put(rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := fifo.EncodeKey(rec.DynStreamID, rec.ElementIdx)

	batch, err := s.db.NewBatch(1, len(key)+len(value))
	if err != nil {
		return err
	}
	defer batch.Close()
	if err := batch.Set(key, value); err != nil {
		return err
	}
	return s.db.ExecuteBatch(batch, wopts)
}

// Get looks up the record for (dynStreamId, elementIdx).
func (s *Store) Get(dynStreamID, elementIdx uint64) (Record, error) {
	key := fifo.EncodeKey(dynStreamID, elementIdx)
	raw, err := s.db.Get(key, ropts)
	if err != nil {
		return Record{}, err
	}
	if raw == nil {
		return Record{}, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Delete removes the record for (dynStreamId, elementIdx). The LLC SE uses
// it to clear a migrating stream's records out of the source bank.
func (s *Store) Delete(dynStreamID, elementIdx uint64) error {
	key := fifo.EncodeKey(dynStreamID, elementIdx)
	batch, err := s.db.NewBatch(1, 0)
	if err != nil {
		return err
	}
	defer batch.Close()
	if err := batch.Del(key); err != nil {
		return err
	}
	return s.db.ExecuteBatch(batch, wopts)
}

// RangeStream iterates every record belonging to dynStreamId, in
// elementIdx order, used by migration to replay a stream's shadow state
// into its new bank's Store.
func (s *Store) RangeStream(dynStreamID uint64, cb func(Record) error) error {
	prefix := fifo.EncodeKey(dynStreamID, 0)[:8]

	ss, err := s.db.Snapshot()
	if err != nil {
		return err
	}
	iter, err := ss.StartIterator(prefix, nil, iteropts)
	if err != nil {
		return err
	}
	defer iter.Close()

	for {
		key, val, err := iter.Current()
		if err != nil {
			if err == moss.ErrIteratorDone {
				return nil
			}
			return err
		}
		if !bytes.HasPrefix(key, prefix) {
			return nil
		}
		var rec Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		if err := cb(rec); err != nil {
			return err
		}
		iter.Next()
	}
}
