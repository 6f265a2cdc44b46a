package restore_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chefpack/chefd/pkg/clock"
	"github.com/chefpack/chefd/pkg/handlers"
	"github.com/chefpack/chefd/pkg/restore"
	"github.com/chefpack/chefd/pkg/txn"
	"github.com/chefpack/chefd/test/framework"
)

func newRestorer(h *framework.Harness) *restore.Restorer {
	return &restore.Restorer{
		RootDir:     h.Root,
		DataDir:     h.DataDir,
		GracePeriod: time.Hour,
		Journal:     h.Journal,
		Scheduler:   h.Scheduler,
		Mounter:     h.Mounter,
		Clock:       clock.SystemClock{},
	}
}

// seedLive journals a live record with a freshly allocated id.
func seedLive(t *testing.T, h *framework.Harness, tp txn.Type, ref txn.PackRef, state txn.State) *txn.Record {
	id, err := h.IDs.Next()
	require.NoError(t, err)
	rec := &txn.Record{
		ID:        id,
		Type:      tp,
		Name:      string(tp) + " " + ref.String(),
		Ref:       ref,
		State:     state,
		CreatedAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, h.Journal.Put(rec))
	return rec
}

func seedTerminal(t *testing.T, h *framework.Harness, tp txn.Type, ref txn.PackRef, state txn.State, completedAgo time.Duration) *txn.Record {
	rec := seedLive(t, h, tp, ref, state)
	rec.CompletedAt = time.Now().Add(-completedAgo)
	require.NoError(t, h.Journal.Put(rec))
	return rec
}

// The daemon crashed after the install state's journal
// record committed but before its side effects completed. On restart
// the transaction resumes at install, detects the partial pack by
// hash mismatch, rewrites it and runs to completion.
func TestResumeAtInstallAfterCrash(t *testing.T) {
	h := framework.New(t)
	ref := txn.PackRef{Publisher: "acme", Package: "foo", Revision: "1"}
	rec := seedLive(t, h, txn.TypeInstall, ref, txn.StateInstall)

	// The crash left a partial pack file behind.
	dst := handlers.PackPath(h.Root, ref)
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0755))
	require.NoError(t, os.WriteFile(dst, []byte("partial"), 0644))

	summary, err := newRestorer(h).Run()
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Resumed)
	assert.False(t, summary.RebootDetected)

	h.Start()
	final := h.WaitTerminal(rec.ID, 5*time.Second)
	require.Equal(t, txn.StateCompleted, final.State)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, framework.Payload("acme", "foo", "1"), data)
}

// Round trip: a journaled live transaction is reconstituted with its
// durable fields intact and resumes at the journaled state.
func TestResumedRecordKeepsDurableFields(t *testing.T) {
	h := framework.New(t)
	ref := txn.PackRef{Publisher: "acme", Package: "foo", Revision: "1"}
	rec := seedLive(t, h, txn.TypeInstall, ref, txn.StateVerify)
	rec.RetryCount = 2
	rec.Progress = txn.Progress{BytesCurrent: 11, BytesTotal: 11, LastReportedPercentage: 100}
	rec.Logs = []txn.LogEntry{{Level: txn.LevelInfo, State: txn.StateDownload, Message: "download: resolving acme/foo@1", Timestamp: time.Now().UTC().Truncate(time.Second)}}
	require.NoError(t, h.Journal.Put(rec))

	_, err := newRestorer(h).Run()
	require.NoError(t, err)

	got, err := h.Scheduler.Status(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.StateVerify, got.State)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, rec.Progress, got.Progress)
	assert.Equal(t, rec.CreatedAt.Unix(), got.CreatedAt.Unix())

	logs, err := h.Scheduler.Logs(rec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "download: resolving acme/foo@1", logs[0].Message)
}

// Terminal records within the grace period are retained read-only;
// expired ones are discarded.
func TestTerminalRetentionAndDiscard(t *testing.T) {
	h := framework.New(t)
	fresh := seedTerminal(t, h, txn.TypeInstall, txn.PackRef{Publisher: "acme", Package: "fresh", Revision: "1"}, txn.StateCompleted, time.Minute)
	expired := seedTerminal(t, h, txn.TypeInstall, txn.PackRef{Publisher: "acme", Package: "old", Revision: "1"}, txn.StateError, 2*time.Hour)

	summary, err := newRestorer(h).Run()
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retained)
	assert.Equal(t, 1, summary.Discarded)

	got, err := h.Scheduler.Status(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.StateCompleted, got.State)

	_, err = h.Scheduler.Status(expired.ID)
	assert.Error(t, err)
	_, found, err := h.Journal.Get(expired.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

// A parent parked on a child that completed while the daemon was down
// is woken with the child's outcome during restoration.
func TestWaitOnCompletedChildResolvedAtRestore(t *testing.T) {
	h := framework.New(t)
	childRef := txn.PackRef{Publisher: "acme", Package: "bar", Revision: "1"}
	child := seedTerminal(t, h, txn.TypeInstall, childRef, txn.StateCompleted, time.Minute)

	parentRef := txn.PackRef{Publisher: "acme", Package: "foo", Revision: "1"}
	parent := seedLive(t, h, txn.TypeInstall, parentRef, txn.StateDependenciesWait)
	parent.Wait = txn.Wait{Kind: txn.WaitOnTxn, OnTransactionID: child.ID}
	require.NoError(t, h.Journal.Put(parent))

	_, err := newRestorer(h).Run()
	require.NoError(t, err)

	h.Start()
	final := h.WaitTerminal(parent.ID, 5*time.Second)
	assert.Equal(t, txn.StateCompleted, final.State)
}

// A reboot (boot cookie changed) wakes transactions parked on it.
func TestRebootWakesOnRebootWaiters(t *testing.T) {
	h := framework.New(t)

	// First generation establishes the cookie.
	_, err := newRestorer(h).Run()
	require.NoError(t, err)

	waiting := seedLive(t, h, txn.TypeInstall, txn.PackRef{Publisher: "acme", Package: "foo", Revision: "1"}, txn.StateDependenciesWait)
	waiting.Wait = txn.Wait{Kind: txn.WaitOnReboot}
	require.NoError(t, h.Journal.Put(waiting))

	// Simulate a reboot: the run directory's per-boot cookie is gone.
	require.NoError(t, os.Remove(filepath.Join(h.Root, "run", "chef", "boot-id")))

	h.Restart()
	summary, err := newRestorer(h).Run()
	require.NoError(t, err)
	assert.True(t, summary.RebootDetected)

	final := h.WaitTerminal(waiting.ID, 5*time.Second)
	assert.Equal(t, txn.StateCompleted, final.State)
}

// Mount table lost across a reboot: installed packs missing from the
// mount table get a synthetic mount-all transaction before resumed
// work runs.
func TestMountAllInsertedForMissingMounts(t *testing.T) {
	h := framework.New(t)

	// acme/other is installed (terminal record, pack file on disk)
	// but the mount table is empty after the reboot.
	otherRef := txn.PackRef{Publisher: "acme", Package: "other", Revision: "1"}
	seedTerminal(t, h, txn.TypeInstall, otherRef, txn.StateCompleted, time.Minute)
	otherPack := handlers.PackPath(h.Root, otherRef)
	require.NoError(t, os.MkdirAll(filepath.Dir(otherPack), 0755))
	require.NoError(t, os.WriteFile(otherPack, framework.Payload("acme", "other", "1"), 0644))

	// An update for acme/foo crashed mid-swap: old revision removed,
	// new revision not yet written.
	updateRef := txn.PackRef{Publisher: "acme", Package: "foo", Revision: "2"}
	update := seedLive(t, h, txn.TypeUpdate, updateRef, txn.StateUpdate)

	summary, err := newRestorer(h).Run()
	require.NoError(t, err)
	require.NotZero(t, summary.MountAllID, "mount-all transaction should be inserted")

	h.Start()

	mountAll := h.WaitTerminal(summary.MountAllID, 5*time.Second)
	assert.Equal(t, txn.StateCompleted, mountAll.State)
	assert.True(t, h.Mounter.IsMounted("acme", "other"))

	// The interrupted update resumes at its swap and completes.
	final := h.WaitTerminal(update.ID, 5*time.Second)
	require.Equal(t, txn.StateCompleted, final.State)
	data, err := os.ReadFile(handlers.PackPath(h.Root, updateRef))
	require.NoError(t, err)
	assert.Equal(t, framework.Payload("acme", "foo", "2"), data)
	assert.True(t, h.Mounter.IsMounted("acme", "foo"))
}

// Stale ephemeral records (mount-all from a prior boot) are discarded
// rather than resumed.
func TestEphemeralRecordsDiscarded(t *testing.T) {
	h := framework.New(t)
	id, err := h.IDs.Next()
	require.NoError(t, err)
	rec := &txn.Record{ID: id, Type: txn.TypeEphemeral, Name: "mount-all", State: txn.StateMount, CreatedAt: time.Now()}
	require.NoError(t, h.Journal.Put(rec))

	summary, err := newRestorer(h).Run()
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Resumed)
	assert.Equal(t, 1, summary.Discarded)

	_, found, err := h.Journal.Get(id)
	require.NoError(t, err)
	assert.False(t, found)
}
