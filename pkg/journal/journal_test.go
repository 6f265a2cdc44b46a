package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chefpack/chefd/pkg/txn"
)

func openTestJournal(t *testing.T) *Journal {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func record(id uint64, state txn.State) *txn.Record {
	return &txn.Record{
		ID:        id,
		Type:      txn.TypeInstall,
		Name:      "install acme/foo",
		Ref:       txn.PackRef{Publisher: "acme", Package: "foo", Revision: "1"},
		State:     state,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	j := openTestJournal(t)

	rec := record(1, txn.StateDownload)
	rec.Progress = txn.Progress{BytesCurrent: 10, BytesTotal: 100, LastReportedPercentage: 10}
	rec.Wait = txn.Wait{Kind: txn.WaitOnTxn, OnTransactionID: 7}
	rec.Logs = []txn.LogEntry{{Level: txn.LevelInfo, State: txn.StateDownload, Message: "download: resolving acme/foo", Timestamp: rec.CreatedAt}}
	rec.RetryCount = 2
	require.NoError(t, j.Put(rec))

	got, found, err := j.Get(1)
	require.NoError(t, err)
	require.True(t, found)
	// Byte-identical durable fields after a round trip.
	assert.Equal(t, rec, got)
}

func TestGetMissing(t *testing.T) {
	j := openTestJournal(t)
	_, found, err := j.Get(42)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPutSupersedes(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.Put(record(1, txn.StatePrecheck)))
	require.NoError(t, j.Put(record(1, txn.StateVerify)))

	got, found, err := j.Get(1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, txn.StateVerify, got.State)

	all, err := j.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestListOrderedByID(t *testing.T) {
	j := openTestJournal(t)

	for _, id := range []uint64{3, 1, 2} {
		require.NoError(t, j.Put(record(id, txn.StatePrecheck)))
	}

	all, err := j.List()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(1), all[0].ID)
	assert.Equal(t, uint64(2), all[1].ID)
	assert.Equal(t, uint64(3), all[2].ID)
}

func TestDelete(t *testing.T) {
	j := openTestJournal(t)
	require.NoError(t, j.Put(record(1, txn.StatePrecheck)))
	require.NoError(t, j.Delete(1))

	_, found, err := j.Get(1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCompactDropsExpiredTerminals(t *testing.T) {
	j := openTestJournal(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	grace := time.Hour

	expired := record(1, txn.StateCompleted)
	expired.CompletedAt = now.Add(-2 * time.Hour)
	require.NoError(t, j.Put(expired))

	fresh := record(2, txn.StateError)
	fresh.CompletedAt = now.Add(-time.Minute)
	require.NoError(t, j.Put(fresh))

	live := record(3, txn.StateDownload)
	require.NoError(t, j.Put(live))

	purged, err := j.Compact(grace, now)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, found, _ := j.Get(1)
	assert.False(t, found)
	_, found, _ = j.Get(2)
	assert.True(t, found)
	_, found, _ = j.Get(3)
	assert.True(t, found)
}

// A journal reopened from disk returns the same records: the durable
// half of the crash/restart round trip.
func TestReopenPreservesRecords(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)

	rec := record(9, txn.StateInstall)
	rec.RetryCount = 1
	require.NoError(t, j.Put(rec))
	require.NoError(t, j.Close())

	j2, err := Open(dir)
	require.NoError(t, err)
	defer j2.Close()

	got, found, err := j2.Get(9)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec, got)
}
