/*
Package reconciler provides the daemon's periodic housekeeping loop.

The reconciler runs on a fixed interval and keeps the retained
transaction set bounded: terminal transactions whose grace period has
elapsed are purged from the scheduler's live set, their log buffers
are dropped, and their journal records are deleted. A compaction sweep
over the journal additionally removes expired terminal records the
scheduler no longer tracks, such as those written by a prior daemon
generation and never re-adopted.

# Architecture

	┌──────────────────────────────────────────────┐
	│            Reconciliation Loop               │
	│              (every minute)                  │
	└──────────────┬───────────────────────────────┘
	               │
	    ┌──────────┴──────────┐
	    │                     │
	    ▼                     ▼
	┌──────────────┐   ┌────────────────┐
	│ Purge        │   │ Compact        │
	│ terminal     │   │ journal        │
	│ transactions │   │ records        │
	└──────────────┘   └────────────────┘

Like the scheduler's driver, the reconciler is stateless between
cycles: every decision is made against the current clock and the
current retained set, so the system converges even if cycles are
missed.

# Grace period

A terminal transaction is retained for at least the configured grace
period so late RPC subscribers can still query its outcome. Only once
CompletedAt is older than the grace period does a cycle remove it,
first from the scheduler, then from the log sink, then from the
journal.

# See Also

  - pkg/scheduler - live transaction set and drive loop
  - pkg/journal - durable transaction records and compaction
*/
package reconciler
