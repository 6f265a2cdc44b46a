// Package logsink is the per-transaction bounded log ring buffer.
// Appending is O(1); when a transaction's cap is
// reached the oldest entry is evicted and an eviction marker is
// synthesized once so readers never see a silent gap. Log entries
// carry no correctness weight, so the sink itself is never persisted
// synchronously; callers fold Entries into the next journal write or
// a periodic flush.
package logsink

import (
	"sync"

	"github.com/chefpack/chefd/pkg/clock"
	"github.com/chefpack/chefd/pkg/txn"
)

// DefaultCapacity bounds how many log entries are retained per
// transaction before the oldest are evicted.
const DefaultCapacity = 200

type ring struct {
	entries []txn.LogEntry
	evicted bool
}

// Sink holds the bounded log buffers for every live transaction.
type Sink struct {
	clock    clock.Clock
	capacity int

	mu   sync.Mutex
	logs map[uint64]*ring
}

// New creates a Sink with the given per-transaction capacity; 0 uses
// DefaultCapacity.
func New(c clock.Clock, capacity int) *Sink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sink{clock: c, capacity: capacity, logs: make(map[uint64]*ring)}
}

// Append adds a truncated, bounded-length log entry for transaction
// id, evicting the oldest entry and synthesizing a one-time eviction
// marker if the buffer is full.
func (s *Sink) Append(id uint64, level txn.Level, state txn.State, message string) txn.LogEntry {
	if len(message) > txn.MaxLogMessageBytes {
		message = message[:txn.MaxLogMessageBytes]
	}
	entry := txn.LogEntry{Level: level, Timestamp: s.clock.Now(), State: state, Message: message}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.logs[id]
	if !ok {
		r = &ring{}
		s.logs[id] = r
	}

	if len(r.entries) >= s.capacity {
		drop := len(r.entries) - s.capacity + 1
		r.entries = r.entries[drop:]
		if !r.evicted && len(r.entries) > 0 {
			// The oldest surviving slot becomes a one-time marker so
			// readers never see a silent gap.
			r.entries[0] = txn.LogEntry{
				Level:     txn.LevelWarn,
				Timestamp: entry.Timestamp,
				State:     state,
				Message:   "... earlier log entries evicted ...",
			}
			r.evicted = true
		}
	}
	r.entries = append(r.entries, entry)
	return entry
}

// Entries returns a copy of transaction id's currently retained log
// entries, oldest first.
func (s *Sink) Entries(id uint64) []txn.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.logs[id]
	if !ok {
		return nil
	}
	out := make([]txn.LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Drop discards a transaction's log buffer, e.g. once its journal
// record has been compacted past the grace period.
func (s *Sink) Drop(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, id)
}

// Load seeds transaction id's buffer from previously persisted
// entries, used during restoration so a transaction resumed from the
// journal doesn't appear to have lost its log history.
func (s *Sink) Load(id uint64, entries []txn.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &ring{entries: append([]txn.LogEntry(nil), entries...)}
	if len(r.entries) > s.capacity {
		r.entries = r.entries[len(r.entries)-s.capacity:]
		r.evicted = true
	}
	s.logs[id] = r
}
