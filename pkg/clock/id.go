package clock

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketCounters = []byte("counters")

const keyNextTransactionID = "next-transaction-id"

// IDAllocator hands out unique, monotonically increasing transaction ids
// that remain stable across daemon restarts. It is backed by its own
// small bbolt file so it can be wired independently of the journal.
type IDAllocator struct {
	db *bolt.DB
}

// NewIDAllocator opens (creating if absent) the id-counter database under
// dataDir.
func NewIDAllocator(dataDir string) (*IDAllocator, error) {
	path := filepath.Join(dataDir, "ids.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open id allocator database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCounters)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create counters bucket: %w", err)
	}

	return &IDAllocator{db: db}, nil
}

// Next returns the next unused transaction id and durably persists the
// new high-water mark before returning it.
func (a *IDAllocator) Next() (uint64, error) {
	var next uint64
	err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		cur := b.Get([]byte(keyNextTransactionID))
		var last uint64
		if cur != nil {
			last = binary.BigEndian.Uint64(cur)
		}
		next = last + 1

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return b.Put([]byte(keyNextTransactionID), buf)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate transaction id: %w", err)
	}
	return next, nil
}

// Close closes the underlying database.
func (a *IDAllocator) Close() error {
	return a.db.Close()
}
