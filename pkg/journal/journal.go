// Package journal is the persistent, crash-safe transaction journal:
// one bbolt bucket holding a full snapshot per transaction id, keyed
// by its 8-byte big-endian id so List returns records in id order. A
// new Put supersedes the previous record for the same id.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/chefpack/chefd/pkg/txn"
)

var bucketTransactions = []byte("transactions")

// Journal is the durable transaction record store.
type Journal struct {
	db *bolt.DB
}

// Open opens (creating if absent) the journal database under dataDir.
func Open(dataDir string) (*Journal, error) {
	path := filepath.Join(dataDir, "journal.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTransactions)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create transactions bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

func idKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// Put durably writes a full snapshot of rec, superseding any prior
// record for the same id. Callers must complete this write before
// invoking the action for rec's new state.
func (j *Journal) Put(rec *txn.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling transaction %d: %w", rec.ID, err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransactions).Put(idKey(rec.ID), data)
	})
}

// Get reads the latest record for id.
func (j *Journal) Get(id uint64) (*txn.Record, bool, error) {
	var rec *txn.Record
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTransactions).Get(idKey(id))
		if data == nil {
			return nil
		}
		rec = &txn.Record{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("reading transaction %d: %w", id, err)
	}
	return rec, rec != nil, nil
}

// List returns every record currently in the journal, in ascending id
// order.
func (j *Journal) List() ([]*txn.Record, error) {
	var out []*txn.Record
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransactions).ForEach(func(_, data []byte) error {
			rec := &txn.Record{}
			if err := json.Unmarshal(data, rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return out, nil
}

// Delete permanently removes a record.
func (j *Journal) Delete(id uint64) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransactions).Delete(idKey(id))
	})
}

// Compact drops superseded records for terminal transactions whose
// grace period (measured from CompletedAt) has elapsed as of now. Safe
// to run any time the daemon is not writing.
func (j *Journal) Compact(gracePeriod time.Duration, now time.Time) (purged int, err error) {
	var toDelete []uint64
	err = j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransactions).ForEach(func(k, data []byte) error {
			rec := &txn.Record{}
			if err := json.Unmarshal(data, rec); err != nil {
				return err
			}
			if rec.State.Terminal() && !rec.CompletedAt.IsZero() && now.Sub(rec.CompletedAt) > gracePeriod {
				toDelete = append(toDelete, rec.ID)
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("scanning for compaction: %w", err)
	}

	if len(toDelete) == 0 {
		return 0, nil
	}
	err = j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		for _, id := range toDelete {
			if err := b.Delete(idKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("compacting journal: %w", err)
	}
	return len(toDelete), nil
}

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }
