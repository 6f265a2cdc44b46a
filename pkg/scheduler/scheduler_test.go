package scheduler_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chefpack/chefd/pkg/collaborator"
	"github.com/chefpack/chefd/pkg/handlers"
	"github.com/chefpack/chefd/pkg/scheduler"
	"github.com/chefpack/chefd/pkg/txn"
	"github.com/chefpack/chefd/test/framework"
)

func stubSleep(t *testing.T) {
	old := handlers.Sleep
	handlers.Sleep = func(time.Duration) {}
	t.Cleanup(func() { handlers.Sleep = old })
}

// Happy path: a fresh install walks the full install sequence and ends
// with completed_at > created_at and 100% reported progress.
func TestHappyInstall(t *testing.T) {
	h := framework.New(t)
	h.Start()

	id := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	rec := h.WaitTerminal(id, 5*time.Second)

	require.Equal(t, txn.StateCompleted, rec.State)
	assert.True(t, rec.CompletedAt.After(rec.CreatedAt))
	assert.Equal(t, 100, rec.Progress.LastReportedPercentage)

	framework.AssertSequence(t, h.StateSequence(id), []txn.State{
		txn.StatePrecheck,
		txn.StateDownload,
		txn.StateVerify,
		txn.StateDependencies,
		txn.StateInstall,
		txn.StateMount,
		txn.StateLoad,
		txn.StateStartServices,
		txn.StateGenerateWrappers,
		txn.StateCompleted,
	})

	// The pack landed at its deterministic store path.
	data, err := os.ReadFile(handlers.PackPath(h.Root, txn.PackRef{Publisher: "acme", Package: "foo", Revision: "1"}))
	require.NoError(t, err)
	assert.Equal(t, framework.Payload("acme", "foo", "1"), data)
}

// Two transient download failures walk through
// download-retry twice, then the install completes; retry telemetry
// shows 2.
func TestDownloadRetryThenSuccess(t *testing.T) {
	stubSleep(t)
	h := framework.New(t)
	h.Store.FailTransiently(2)
	h.Start()

	id := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	rec := h.WaitTerminal(id, 5*time.Second)

	require.Equal(t, txn.StateCompleted, rec.State)
	assert.Equal(t, 2, rec.RetryCount)

	framework.AssertSequence(t, h.StateSequence(id), []txn.State{
		txn.StatePrecheck,
		txn.StateDownload,
		txn.StateDownloadRetry,
		txn.StateDownload,
		txn.StateDownloadRetry,
		txn.StateDownload,
		txn.StateVerify,
		txn.StateDependencies,
		txn.StateInstall,
		txn.StateMount,
		txn.StateLoad,
		txn.StateStartServices,
		txn.StateGenerateWrappers,
		txn.StateCompleted,
	})
}

// An unending run of transient failures still terminates, bounded
// by the retry cap.
func TestDownloadRetryExhaustionFails(t *testing.T) {
	stubSleep(t)
	h := framework.New(t)
	h.Store.FailTransiently(100)
	h.Start()

	id := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	rec := h.WaitTerminal(id, 5*time.Second)
	assert.Equal(t, txn.StateError, rec.State)
}

// A verify rejection terminates in error without ever
// entering install, and no pack file is written.
func TestVerifyFailure(t *testing.T) {
	h := framework.New(t)
	h.Verifier.Reject()
	h.Start()

	id := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	rec := h.WaitTerminal(id, 5*time.Second)

	require.Equal(t, txn.StateError, rec.State)
	framework.AssertSequence(t, h.StateSequence(id), []txn.State{
		txn.StatePrecheck,
		txn.StateDownload,
		txn.StateVerify,
		txn.StateError,
	})
	framework.AssertNeverEntered(t, h.StateSequence(id), txn.StateInstall)

	packsDir := filepath.Join(h.Root, "var", "chef", "packs")
	entries, err := os.ReadDir(packsDir)
	if err == nil {
		assert.Empty(t, entries, "no pack file may be written when verify rejects")
	} else {
		assert.True(t, os.IsNotExist(err))
	}
}

// A missing dependency spawns a child install, parks the
// parent in dependencies-wait, and resumes it through dependencies
// once the child completes.
func TestDependencyWaitAndResume(t *testing.T) {
	h := framework.New(t)
	foo := txn.PackRef{Publisher: "acme", Package: "foo", Revision: "1"}
	bar := txn.PackRef{Publisher: "acme", Package: "bar", Revision: "1"}
	h.Deps.Set(foo, bar)
	h.Start()

	parent := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	rec := h.WaitTerminal(parent, 5*time.Second)
	require.Equal(t, txn.StateCompleted, rec.State)

	// The child install exists and completed.
	var child *txn.Record
	for _, r := range h.Scheduler.List() {
		if r.ID != parent && r.Ref.Tuple() == bar.Tuple() {
			child = r
		}
	}
	require.NotNil(t, child, "child install for acme/bar was not spawned")
	assert.Equal(t, txn.TypeInstall, child.Type)
	assert.Equal(t, txn.StateCompleted, child.State)

	framework.AssertSequence(t, h.StateSequence(parent), []txn.State{
		txn.StatePrecheck,
		txn.StateDownload,
		txn.StateVerify,
		txn.StateDependencies,
		txn.StateDependenciesWait,
		txn.StateDependencies,
		txn.StateInstall,
		txn.StateMount,
		txn.StateLoad,
		txn.StateStartServices,
		txn.StateGenerateWrappers,
		txn.StateCompleted,
	})
}

// A child ending in error fails the parent with a reason that
// distinguishes error from cancellation.
func TestDependencyChildErrorFailsParent(t *testing.T) {
	h := framework.New(t)
	foo := txn.PackRef{Publisher: "acme", Package: "foo", Revision: "1"}
	bar := txn.PackRef{Publisher: "acme", Package: "bar", Revision: "1"}
	h.Deps.Set(foo, bar)
	// The child's download fails permanently, so it terminates in
	// error while the parent's own download succeeds.
	h.Store.FailPermanentlyFor("acme", "bar")
	h.Start()

	parent := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	rec := h.WaitTerminal(parent, 5*time.Second)

	require.Equal(t, txn.StateError, rec.State)
	assert.Equal(t, "child transaction errored", rec.FailureReason)
}

// Cancel while the download is in flight; the transaction
// ends cancelled and no pack file remains.
func TestCancelDuringDownload(t *testing.T) {
	h := framework.New(t)
	h.Store.ReportInProgress(1000)
	h.Start()

	id := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	h.WaitState(id, txn.StateDownload, 5*time.Second)

	require.NoError(t, h.Scheduler.Cancel(id))
	rec := h.WaitTerminal(id, 5*time.Second)
	require.Equal(t, txn.StateCancelled, rec.State)

	_, err := os.Stat(handlers.PackPath(h.Root, txn.PackRef{Publisher: "acme", Package: "foo", Revision: "1"}))
	assert.True(t, os.IsNotExist(err))
}

// A terminal transaction never changes state again.
func TestCancelAfterTerminal(t *testing.T) {
	h := framework.New(t)
	h.Start()

	id := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	rec := h.WaitTerminal(id, 5*time.Second)
	require.Equal(t, txn.StateCompleted, rec.State)

	err := h.Scheduler.Cancel(id)
	assert.ErrorIs(t, err, scheduler.ErrAlreadyTerminal)

	after, err := h.Scheduler.Status(id)
	require.NoError(t, err)
	assert.Equal(t, txn.StateCompleted, after.State)
	assert.Equal(t, rec.CompletedAt, after.CompletedAt)
}

func TestCancelUnknownTransaction(t *testing.T) {
	h := framework.New(t)
	h.Start()
	assert.ErrorIs(t, h.Scheduler.Cancel(999), scheduler.ErrNotFound)
}

// A second non-ephemeral transaction on the same (publisher,
// package) tuple is rejected while the first is live.
func TestConflictExclusion(t *testing.T) {
	h := framework.New(t)
	h.Store.ReportInProgress(1000)
	h.Start()

	first := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	h.WaitState(first, txn.StateDownload, 5*time.Second)

	_, err := h.Scheduler.Submit(txn.TypeUpdate, txn.PackRef{Publisher: "acme", Package: "foo", Revision: "2"}, "")
	assert.ErrorIs(t, err, scheduler.ErrConflict)

	// A different tuple is unaffected.
	_, err = h.Scheduler.Submit(txn.TypeInstall, txn.PackRef{Publisher: "acme", Package: "bar", Revision: "1"}, "")
	assert.NoError(t, err)

	// Once the first terminates the tuple frees up.
	require.NoError(t, h.Scheduler.Cancel(first))
	h.WaitTerminal(first, 5*time.Second)
	_, err = h.Scheduler.Submit(txn.TypeInstall, txn.PackRef{Publisher: "acme", Package: "foo", Revision: "1"}, "")
	assert.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	h := framework.New(t)
	h.Start()

	_, err := h.Scheduler.Submit(txn.TypeInstall, txn.PackRef{Package: "foo"}, "")
	assert.Error(t, err)

	_, err = h.Scheduler.Submit(txn.TypeRollback, txn.PackRef{Publisher: "acme", Package: "foo"}, "")
	assert.ErrorIs(t, err, scheduler.ErrUnsupportedType)
}

// Uninstall tears the install down in reverse order.
func TestUninstallAfterInstall(t *testing.T) {
	h := framework.New(t)
	h.Backend.SetManifest(&collaborator.Manifest{
		Commands: []collaborator.CommandEntry{{Name: "foo", TargetPath: "bin/foo"}},
		Services: []collaborator.ServiceEntry{{Name: "food", Exec: []string{"/bin/food"}}},
	})
	h.Start()

	install := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	rec := h.WaitTerminal(install, 5*time.Second)
	require.Equal(t, txn.StateCompleted, rec.State)
	require.FileExists(t, handlers.WrapperPath(h.Root, "foo"))

	uninstall := h.Submit(txn.TypeUninstall, "acme", "foo", "1")
	rec = h.WaitTerminal(uninstall, 5*time.Second)
	require.Equal(t, txn.StateCompleted, rec.State)

	framework.AssertSequence(t, h.StateSequence(uninstall), []txn.State{
		txn.StateRemoveWrappers,
		txn.StateStopServices,
		txn.StateUnload,
		txn.StateUnmount,
		txn.StateUninstall,
		txn.StateCompleted,
	})

	assert.NoFileExists(t, handlers.WrapperPath(h.Root, "foo"))
	assert.NoFileExists(t, handlers.PackPath(h.Root, txn.PackRef{Publisher: "acme", Package: "foo", Revision: "1"}))
	assert.False(t, h.Mounter.IsMounted("acme", "foo"))
	assert.Empty(t, h.Backend.RunningServices("acme", "foo"))
}

// A cancel delivered while the driver is inside stop-services is
// accepted but downgraded; the transaction still runs forward to
// completed.
func TestCancelDowngradedDuringTeardown(t *testing.T) {
	h := framework.New(t)
	h.Backend.SetManifest(&collaborator.Manifest{
		Services: []collaborator.ServiceEntry{{Name: "food", Exec: []string{"/bin/food"}}},
	})
	h.Start()

	install := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	require.Equal(t, txn.StateCompleted, h.WaitTerminal(install, 5*time.Second).State)

	// The hook fires with the driver parked inside stop-services and
	// delivers the cancel right there.
	idCh := make(chan uint64, 1)
	var cancelErr error
	done := make(chan struct{})
	h.Backend.SetStopHook(func() {
		h.Backend.SetStopHook(nil)
		cancelErr = h.Scheduler.Cancel(<-idCh)
		close(done)
	})

	uninstall := h.Submit(txn.TypeUninstall, "acme", "foo", "1")
	idCh <- uninstall

	rec := h.WaitTerminal(uninstall, 5*time.Second)
	<-done
	assert.NoError(t, cancelErr, "cancel must be accepted even when downgraded")
	require.Equal(t, txn.StateCompleted, rec.State)
	framework.AssertNeverEntered(t, h.StateSequence(uninstall), txn.StateCancelled)
}

// Update walks download/verify, the teardown half, the swap, then the
// forward half.
func TestUpdateSequenceEndToEnd(t *testing.T) {
	h := framework.New(t)
	h.Start()

	install := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	require.Equal(t, txn.StateCompleted, h.WaitTerminal(install, 5*time.Second).State)

	update := h.Submit(txn.TypeUpdate, "acme", "foo", "2")
	rec := h.WaitTerminal(update, 5*time.Second)
	require.Equal(t, txn.StateCompleted, rec.State)

	framework.AssertSequence(t, h.StateSequence(update), []txn.State{
		txn.StatePrecheck,
		txn.StateDownload,
		txn.StateVerify,
		txn.StateDependencies,
		txn.StateRemoveWrappers,
		txn.StateStopServices,
		txn.StateUnload,
		txn.StateUnmount,
		txn.StateUpdate,
		txn.StateMount,
		txn.StateLoad,
		txn.StateStartServices,
		txn.StateGenerateWrappers,
		txn.StateCompleted,
	})

	// Old revision gone, new one installable.
	assert.NoFileExists(t, handlers.PackPath(h.Root, txn.PackRef{Publisher: "acme", Package: "foo", Revision: "1"}))
	data, err := os.ReadFile(handlers.PackPath(h.Root, txn.PackRef{Publisher: "acme", Package: "foo", Revision: "2"}))
	require.NoError(t, err)
	assert.Equal(t, framework.Payload("acme", "foo", "2"), data)
}

// Partial service-start failure rolls back its own step and the
// transaction errors (partial-mutation failure handling).
func TestServiceStartRollbackOnFailure(t *testing.T) {
	h := framework.New(t)
	h.Backend.SetManifest(&collaborator.Manifest{
		Services: []collaborator.ServiceEntry{
			{Name: "alpha", Exec: []string{"/bin/alpha"}},
			{Name: "beta", Exec: []string{"/bin/beta"}},
		},
	})
	h.Backend.FailService("beta")
	h.Start()

	id := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	rec := h.WaitTerminal(id, 5*time.Second)

	require.Equal(t, txn.StateError, rec.State)
	assert.Equal(t, []string{"alpha"}, h.Backend.Started())
	assert.Equal(t, []string{"alpha"}, h.Backend.Stopped())
}

// The reported percentage never decreases over the journal's
// view of the transaction.
func TestProgressMonotonic(t *testing.T) {
	stubSleep(t)
	h := framework.New(t)
	h.Store.FailTransiently(1)
	h.Start()

	id := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	rec := h.WaitTerminal(id, 5*time.Second)
	require.Equal(t, txn.StateCompleted, rec.State)
	assert.Equal(t, 100, rec.Progress.LastReportedPercentage)
	assert.LessOrEqual(t, rec.Progress.BytesCurrent, rec.Progress.BytesTotal)
}

// The dependency-wait timeout converts an unending wait into a failed
// transaction with a distinct reason.
func TestDependencyWaitTimeout(t *testing.T) {
	h := framework.New(t)
	foo := txn.PackRef{Publisher: "acme", Package: "foo", Revision: "1"}
	bar := txn.PackRef{Publisher: "acme", Package: "bar", Revision: "1"}
	h.Deps.Set(foo, bar)
	// The child parks forever in download.
	h.Store.ReportInProgressFor("acme", "bar", 1000000)
	h.Start()

	parent := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	rec := h.WaitTerminal(parent, 15*time.Second)

	require.Equal(t, txn.StateError, rec.State)
	assert.Equal(t, "dependency wait timed out", rec.FailureReason)
}
