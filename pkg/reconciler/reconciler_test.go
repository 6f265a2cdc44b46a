package reconciler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chefpack/chefd/pkg/clock"
	"github.com/chefpack/chefd/pkg/reconciler"
	"github.com/chefpack/chefd/pkg/txn"
	"github.com/chefpack/chefd/test/framework"
)

func TestReconcilePurgesExpiredTerminals(t *testing.T) {
	h := framework.New(t)
	h.Start()

	id := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	rec := h.WaitTerminal(id, 5*time.Second)
	require.Equal(t, txn.StateCompleted, rec.State)

	grace := time.Minute
	clk := clock.NewFrozen(rec.CompletedAt)
	r := reconciler.NewReconciler(h.Scheduler, h.Journal, clk, grace, time.Hour)

	// Within the grace period nothing is purged.
	r.Reconcile()
	_, err := h.Scheduler.Status(id)
	assert.NoError(t, err)

	// Past it, the record leaves the scheduler, the sink and the
	// journal.
	clk.Advance(2 * grace)
	r.Reconcile()

	_, err = h.Scheduler.Status(id)
	assert.Error(t, err)
	_, found, err := h.Journal.Get(id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReconcileLeavesLiveTransactions(t *testing.T) {
	h := framework.New(t)
	h.Store.ReportInProgress(1000)
	h.Start()

	id := h.Submit(txn.TypeInstall, "acme", "foo", "1")
	h.WaitState(id, txn.StateDownload, 5*time.Second)

	clk := clock.NewFrozen(time.Now().Add(24 * time.Hour))
	r := reconciler.NewReconciler(h.Scheduler, h.Journal, clk, time.Minute, time.Hour)
	r.Reconcile()

	_, err := h.Scheduler.Status(id)
	assert.NoError(t, err)
	_, found, err := h.Journal.Get(id)
	require.NoError(t, err)
	assert.True(t, found)
}
