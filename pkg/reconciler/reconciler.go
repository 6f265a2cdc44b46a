package reconciler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chefpack/chefd/pkg/clock"
	"github.com/chefpack/chefd/pkg/journal"
	"github.com/chefpack/chefd/pkg/log"
	"github.com/chefpack/chefd/pkg/scheduler"
)

// Reconciler runs the daemon's periodic housekeeping: purging terminal
// transactions past their grace period from the scheduler, the log
// sink and the journal, and compacting journal records no longer held
// in memory.
type Reconciler struct {
	scheduler   *scheduler.Scheduler
	journal     *journal.Journal
	clk         clock.Clock
	gracePeriod time.Duration
	interval    time.Duration
	logger      zerolog.Logger
	mu          sync.Mutex
	stopCh      chan struct{}
}

// NewReconciler creates a reconciler purging terminal transactions
// older than gracePeriod. A zero interval defaults to one minute.
func NewReconciler(sched *scheduler.Scheduler, jrnl *journal.Journal, clk clock.Clock, gracePeriod, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		scheduler:   sched,
		journal:     jrnl,
		clk:         clk,
		gracePeriod: gracePeriod,
		interval:    interval,
		logger:      log.WithComponent("reconciler"),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Msg("Reconciler started")

	for {
		select {
		case <-ticker.C:
			r.Reconcile()
		case <-r.stopCh:
			r.logger.Info().Msg("Reconciler stopped")
			return
		}
	}
}

// Reconcile performs one housekeeping cycle. Exposed so tests can run
// a cycle synchronously.
func (r *Reconciler) Reconcile() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()

	purged := r.scheduler.PurgeTerminal(now, r.gracePeriod)
	if purged > 0 {
		r.logger.Info().Int("purged", purged).Msg("Purged terminal transactions past grace period")
	}

	// Sweep the journal for terminal records the scheduler no longer
	// tracks (e.g. written by a prior daemon generation).
	compacted, err := r.journal.Compact(r.gracePeriod, now)
	if err != nil {
		r.logger.Error().Err(err).Msg("Journal compaction failed")
		return
	}
	if compacted > 0 {
		r.logger.Info().Int("compacted", compacted).Msg("Compacted journal records")
	}
}
