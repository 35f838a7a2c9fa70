// Package trace implements an append-only, durable log of every STREAM_*
// message exchanged across tiers, backed by goleveldb (spec Section 8,
// Testable Property #7: "the same input trace replayed against the same
// initial state produces byte-identical output"). Grounded on the
// teacher's store/leveldb/leveldb.go DB, generalized from a generic
// Record sink to a sequence-keyed message log.
package trace

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
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"

	ldb "github.com/syndtr/goleveldb/leveldb"
	ldbopt "github.com/syndtr/goleveldb/leveldb/opt"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"

	"github.com/cacheaccel/streamengine/message"
	"github.com/cacheaccel/streamengine/sched"
)

// ErrNotFound is returned by Get when no entry exists at seq.
var ErrNotFound = errors.New("trace: entry not found")

// Entry is one recorded message, stamped with the cycle it was observed
// at and a monotonic sequence number so replay can re-derive message
// order even when two entries share a cycle (spec Section 5: "FIFO within
// the same tick").
type Entry struct {
	Seq   uint64
	Cycle sched.Cycle
	Msg   message.Message
}

// Store is a durable, append-only log of Entry records, keyed by
// big-endian sequence number so Range iterates in recording order.
type Store struct {
	db   *ldb.DB
	path string
	seq  uint64
}

// Open creates or reopens a trace log at path.
func Open(path string) (*Store, error) {
	db, err := ldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the store's resources.
func (s *Store) Close() error {
	err := s.db.Close()
	s.db = nil
	return err
}

// Remove closes the store and erases its contents on disk.
func (s *Store) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.RemoveAll(s.path)
}

// Append records msg at the given cycle and returns the sequence number
// it was assigned.
func (s *Store) Append(cycle sched.Cycle, msg message.Message) (uint64, error) {
	s.seq++
	entry := Entry{Seq: s.seq, Cycle: cycle, Msg: msg}

	value, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}

	if err := s.db.Put(seqKey(s.seq), value, defaultWriteOpt); err != nil {
		return 0, err
	}
	return s.seq, nil
}

// Get looks up the entry recorded at seq.
func (s *Store) Get(seq uint64) (Entry, error) {
	raw, err := s.db.Get(seqKey(seq), defaultReadOpt)
	if err == ldb.ErrNotFound {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Range iterates every recorded entry in sequence order, stopping early
// if cb returns an error.
func (s *Store) Range(cb func(Entry) error) error {
	iter := s.db.NewIterator(&ldbutil.Range{}, defaultReadOpt)
	defer iter.Release()

	for iter.Next() {
		var entry Entry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return err
		}
		if err := cb(entry); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Len reports the number of entries appended so far in this process.
func (s *Store) Len() uint64 { return s.seq }

// Tap wraps next with message tracing: every message passed to the
// returned func is first appended to the log, stamped with curCycle(),
// then forwarded to next. Wiring a mailbox's handler through Tap gives the
// mailbox a durable trace with no changes to message.Mailbox itself (spec
// Section 8, Testable Property #7).
func (s *Store) Tap(curCycle func() sched.Cycle, next func(message.Message)) func(message.Message) {
	return func(msg message.Message) {
		if _, err := s.Append(curCycle(), msg); err != nil {
			panic(err)
		}
		if next != nil {
			next(msg)
		}
	}
}

// Replay re-delivers every recorded entry to next, in recording order,
// used to verify Testable Property #7: replaying the same trace against
// the same handler sequence must reproduce identical output.
func (s *Store) Replay(next func(message.Message)) error {
	return s.Range(func(e Entry) error {
		next(e.Msg)
		return nil
	})
}

func seqKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}

var (
	defaultWriteOpt *ldbopt.WriteOptions
	defaultReadOpt  *ldbopt.ReadOptions
)
