package scheduler

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chefpack/chefd/pkg/catalog"
	"github.com/chefpack/chefd/pkg/clock"
	"github.com/chefpack/chefd/pkg/collaborator"
	"github.com/chefpack/chefd/pkg/events"
	"github.com/chefpack/chefd/pkg/handlers"
	"github.com/chefpack/chefd/pkg/journal"
	"github.com/chefpack/chefd/pkg/log"
	"github.com/chefpack/chefd/pkg/logsink"
	"github.com/chefpack/chefd/pkg/metrics"
	"github.com/chefpack/chefd/pkg/statemachine"
	"github.com/chefpack/chefd/pkg/txn"
)

var (
	// ErrNotFound is returned when the transaction id is unknown.
	ErrNotFound = errors.New("transaction not found")

	// ErrAlreadyTerminal is returned by Cancel when the target has
	// already reached a terminal state.
	ErrAlreadyTerminal = errors.New("transaction already terminal")

	// ErrConflict is returned by Submit when a live non-ephemeral
	// transaction already holds the same (publisher, package) tuple.
	ErrConflict = errors.New("conflicting transaction in flight")

	// ErrUnsupportedType is returned by Submit for a transaction type
	// with no built-in state set.
	ErrUnsupportedType = errors.New("unsupported transaction type")
)

// DependencySource resolves the packs a given pack directly depends
// on. The daemon's default wiring reads these from the package index;
// tests script them.
type DependencySource interface {
	Dependencies(ref txn.PackRef) ([]txn.PackRef, error)
}

// NoDependencies is the DependencySource for wiring without an index:
// every pack is treated as dependency-free.
type NoDependencies struct{}

func (NoDependencies) Dependencies(txn.PackRef) ([]txn.PackRef, error) { return nil, nil }

// Collaborators bundles the external collaborators every transaction's
// context closes over.
type Collaborators struct {
	PackageStore     collaborator.PackageStore
	ProofVerifier    collaborator.ProofVerifier
	ImageMounter     collaborator.ImageMounter
	ContainerBackend collaborator.ContainerBackend
	Dependencies     DependencySource
}

// Config carries the scheduler's tunables.
type Config struct {
	// RootDir is the root persisted paths are resolved under.
	RootDir string

	// GracePeriod is how long terminal transactions stay readable
	// before they may be purged.
	GracePeriod time.Duration

	// DownloadRetryCap bounds download-retry cycles; 0 uses the
	// handlers' built-in default.
	DownloadRetryCap int

	// DependencyWaitTimeout bounds how long a transaction may wait on
	// a child dependency before failing with a timeout reason.
	DependencyWaitTimeout time.Duration

	// PollInterval is how often a transaction parked without an
	// explicit wait condition (e.g. a download the store reports
	// in-progress) is re-polled.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = time.Hour
	}
	if c.DependencyWaitTimeout <= 0 {
		c.DependencyWaitTimeout = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// transaction is the scheduler's live wrapper around a durable record:
// the engine driving it, its handler context, and its parking state.
type transaction struct {
	rec       *txn.Record
	engine    *statemachine.Engine
	tctx      *txn.Context
	parked    bool
	waitSince time.Time
	cancelled bool // cancellation requested and not downgraded
}

// Scheduler owns every transaction record for its lifetime and is the
// only component that mutates one. External events (cancellation,
// child completion, reboot detection) reach a transaction through the
// scheduler's queue, never directly.
type Scheduler struct {
	cfg     Config
	journal *journal.Journal
	ids     *clock.IDAllocator
	clk     clock.Clock
	sink    *logsink.Sink
	broker  *events.Broker
	collab  Collaborators
	logger  zerolog.Logger

	mu     sync.Mutex
	txns   map[uint64]*transaction
	tuples map[string]uint64
	queue  []uint64

	wakeCh   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// New creates a scheduler. The broker and sink are shared with the RPC
// surface so subscribers see the same stream the journal records.
func New(cfg Config, jrnl *journal.Journal, ids *clock.IDAllocator, clk clock.Clock, sink *logsink.Sink, broker *events.Broker, collab Collaborators) *Scheduler {
	if collab.Dependencies == nil {
		collab.Dependencies = NoDependencies{}
	}
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		journal: jrnl,
		ids:     ids,
		clk:     clk,
		sink:    sink,
		broker:  broker,
		collab:  collab,
		logger:  log.WithComponent("scheduler"),
		txns:    make(map[uint64]*transaction),
		tuples:  make(map[string]uint64),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the driver loop. Subsequent calls are no-ops.
func (s *Scheduler) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.run()
	}
}

// Stop stops the driver loop and waits for it to finish the step in
// flight. Safe to call more than once, and before Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.started.Load() {
		<-s.doneCh
	}
}

// Submit validates the request, allocates a durable id, persists the
// transaction in its initial state and schedules it.
func (s *Scheduler) Submit(t txn.Type, ref txn.PackRef, description string) (uint64, error) {
	set := catalog.ForType(t)
	if set == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	if ref.Publisher == "" || ref.Package == "" {
		return 0, fmt.Errorf("invalid pack reference %q", ref.String())
	}

	id, err := s.ids.Next()
	if err != nil {
		return 0, fmt.Errorf("allocating transaction id: %w", err)
	}

	rec := &txn.Record{
		ID:          id,
		Type:        t,
		Name:        fmt.Sprintf("%s %s", t, ref.String()),
		Description: description,
		Ref:         ref,
		State:       set.States()[0],
		CreatedAt:   s.clk.Now(),
	}

	s.mu.Lock()
	if holder, taken := s.tuples[ref.Tuple()]; taken {
		s.mu.Unlock()
		metrics.ConflictsTotal.Inc()
		return 0, fmt.Errorf("%w: transaction %d holds %s", ErrConflict, holder, ref.Tuple())
	}
	engine, err := statemachine.Init(set, rec.State)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	tx := &transaction{rec: rec, engine: engine, tctx: s.newContext(rec)}
	s.txns[id] = tx
	s.tuples[ref.Tuple()] = id
	s.mu.Unlock()

	if err := s.persist(rec); err != nil {
		s.mu.Lock()
		delete(s.txns, id)
		delete(s.tuples, ref.Tuple())
		s.mu.Unlock()
		return 0, err
	}

	s.publishState(rec, events.EventStateChanged)
	s.enqueue(id)
	s.logger.Info().Uint64("transaction_id", id).Str("type", string(t)).Str("ref", ref.String()).Msg("Transaction submitted")
	return id, nil
}

// SubmitMountAll inserts the synthetic restoration transaction that
// re-mounts every pack in the manifest before normal operations run.
func (s *Scheduler) SubmitMountAll(manifest []collaborator.MountAllEntry) (uint64, error) {
	id, err := s.ids.Next()
	if err != nil {
		return 0, fmt.Errorf("allocating transaction id: %w", err)
	}
	set := catalog.MountAll()
	rec := &txn.Record{
		ID:          id,
		Type:        txn.TypeEphemeral,
		Name:        "mount-all",
		Description: fmt.Sprintf("re-mount %d installed pack(s) after reboot", len(manifest)),
		State:       txn.StateMount,
		CreatedAt:   s.clk.Now(),
	}
	engine, err := statemachine.Init(set, rec.State)
	if err != nil {
		return 0, err
	}
	tx := &transaction{rec: rec, engine: engine, tctx: s.newContext(rec)}
	handlers.SetMountAllManifest(tx.tctx, manifest)

	s.mu.Lock()
	s.txns[id] = tx
	s.mu.Unlock()

	if err := s.persist(rec); err != nil {
		s.mu.Lock()
		delete(s.txns, id)
		s.mu.Unlock()
		return 0, err
	}
	s.publishState(rec, events.EventStateChanged)
	s.enqueue(id)
	s.logger.Info().Uint64("transaction_id", id).Int("packs", len(manifest)).Msg("Mount-all transaction inserted")
	return id, nil
}

// Adopt registers a journaled live transaction during restoration,
// resuming it at its last recorded state.
func (s *Scheduler) Adopt(rec *txn.Record) error {
	set := catalog.ForType(rec.Type)
	if set == nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, rec.Type)
	}
	engine, err := statemachine.Init(set, rec.State)
	if err != nil {
		return err
	}
	tx := &transaction{rec: rec, engine: engine, tctx: s.newContext(rec)}
	s.sink.Load(rec.ID, rec.Logs)

	s.mu.Lock()
	s.txns[rec.ID] = tx
	s.tuples[rec.Ref.Tuple()] = rec.ID
	if rec.Wait.Kind == txn.WaitNone {
		s.queue = append(s.queue, rec.ID)
	} else {
		tx.parked = true
		tx.waitSince = s.clk.Now()
	}
	s.mu.Unlock()
	s.publishState(rec, events.EventStateChanged)
	s.wake()
	return nil
}

// AdoptTerminal retains a journaled terminal transaction read-only so
// late subscribers can still query its outcome.
func (s *Scheduler) AdoptTerminal(rec *txn.Record) {
	s.sink.Load(rec.ID, rec.Logs)
	s.mu.Lock()
	s.txns[rec.ID] = &transaction{rec: rec, parked: true}
	s.mu.Unlock()
}

// Cancel posts a cancellation toward the target. It returns once the
// request is accepted, not once the transaction is cancelled. A cancel
// delivered while the current state is in the irreversible teardown
// set is downgraded: it is accepted and logged but does not set the
// transaction's cancellation flag, so the transaction runs forward to
// completed or error.
func (s *Scheduler) Cancel(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txns[id]
	if !ok {
		return ErrNotFound
	}
	if tx.rec.State.Terminal() {
		return ErrAlreadyTerminal
	}
	if tx.rec.State.Irreversible() {
		s.logger.Warn().Uint64("transaction_id", id).Str("state", tx.rec.State.String()).Msg("Cancellation downgraded during irreversible teardown")
		return nil
	}
	tx.cancelled = true
	if tx.parked {
		tx.engine.PostEvent(txn.EventCancel)
		tx.parked = false
		tx.rec.Wait = txn.Wait{}
		s.queue = append(s.queue, id)
		s.wake()
	}
	return nil
}

// Status returns a snapshot copy of the transaction's durable fields.
func (s *Scheduler) Status(id uint64) (*txn.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(tx.rec), nil
}

// List returns snapshot copies of every retained transaction, in id
// order.
func (s *Scheduler) List() []*txn.Record {
	s.mu.Lock()
	out := make([]*txn.Record, 0, len(s.txns))
	for _, tx := range s.txns {
		out = append(out, snapshot(tx.rec))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Logs returns the retained log entries for a transaction.
func (s *Scheduler) Logs(id uint64) ([]txn.LogEntry, error) {
	s.mu.Lock()
	_, ok := s.txns[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.sink.Entries(id), nil
}

// NotifyChildCompleted wakes every transaction parked on child,
// posting OK for a completed child and FAILED (with a reason that
// distinguishes error from cancellation) otherwise.
func (s *Scheduler) NotifyChildCompleted(childID uint64, outcome txn.State) {
	s.mu.Lock()
	for id, tx := range s.txns {
		if !tx.parked || tx.rec.Wait.Kind != txn.WaitOnTxn || tx.rec.Wait.OnTransactionID != childID {
			continue
		}
		switch outcome {
		case txn.StateCompleted:
			tx.rec.Wait = txn.Wait{}
			tx.engine.PostEvent(txn.EventOK)
		case txn.StateCancelled:
			tx.rec.FailureReason = "child transaction cancelled"
			tx.engine.PostEvent(txn.EventFailed)
		default:
			tx.rec.FailureReason = "child transaction errored"
			tx.engine.PostEvent(txn.EventFailed)
		}
		tx.parked = false
		s.queue = append(s.queue, id)
	}
	s.mu.Unlock()
	s.wake()
}

// NotifyRebootDetected wakes every transaction parked on a reboot.
// Called by restoration when the boot cookie changed.
func (s *Scheduler) NotifyRebootDetected() {
	s.mu.Lock()
	for id, tx := range s.txns {
		if tx.parked && tx.rec.Wait.Kind == txn.WaitOnReboot {
			tx.rec.Wait = txn.Wait{}
			tx.engine.PostEvent(txn.EventOK)
			tx.parked = false
			s.queue = append(s.queue, id)
		}
	}
	s.mu.Unlock()
	s.wake()
}

// PurgeTerminal drops terminal transactions completed more than grace
// ago from the live set, the log sink and the journal. Returns the
// number purged. A non-positive grace falls back to the scheduler's
// configured grace period.
func (s *Scheduler) PurgeTerminal(now time.Time, grace time.Duration) int {
	if grace <= 0 {
		grace = s.cfg.GracePeriod
	}
	s.mu.Lock()
	var expired []uint64
	for id, tx := range s.txns {
		if tx.rec.State.Terminal() && !tx.rec.CompletedAt.IsZero() && now.Sub(tx.rec.CompletedAt) > grace {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(s.txns, id)
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.sink.Drop(id)
		if err := s.journal.Delete(id); err != nil {
			s.logger.Error().Err(err).Uint64("transaction_id", id).Msg("Failed to purge journal record")
		}
	}
	return len(expired)
}

// ActiveCountsByType feeds the periodic metrics collector.
func (s *Scheduler) ActiveCountsByType() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, tx := range s.txns {
		if tx.rec.Live() {
			counts[string(tx.rec.Type)]++
		}
	}
	return counts
}

// run is the single driver loop: all state mutation happens here or
// under the scheduler mutex, so transactions never race each other.
func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
		case <-ticker.C:
			s.sweepWaits()
		}

		for {
			tx := s.dequeue()
			if tx == nil {
				break
			}
			s.drive(tx)
			select {
			case <-s.stopCh:
				return
			default:
			}
		}
	}
}

// drive steps one transaction forward until it waits or terminates.
// Before each action runs, the record for the state about to execute
// is durably journaled, so a crash mid-action re-enters that state on
// restart.
func (s *Scheduler) drive(tx *transaction) {
	for {
		if err := s.persist(tx.rec); err != nil {
			// A journal failure here is unrecoverable by design: the
			// action must not run ahead of its durable record.
			s.logger.Error().Err(err).Uint64("transaction_id", tx.rec.ID).Msg("Journal write failed; halting transaction")
			os.Exit(1)
		}

		result := tx.engine.Step(tx.tctx)

		s.mu.Lock()
		tx.rec.State = tx.engine.CurrentState()
		s.mu.Unlock()
		s.publishState(tx.rec, events.EventStateChanged)

		switch result {
		case statemachine.StepContinue:
			continue
		case statemachine.StepWaiting:
			s.mu.Lock()
			tx.parked = true
			tx.waitSince = s.clk.Now()
			s.mu.Unlock()
			if err := s.persist(tx.rec); err != nil {
				s.logger.Error().Err(err).Uint64("transaction_id", tx.rec.ID).Msg("Failed to persist waiting transaction")
			}
			return
		case statemachine.StepDone, statemachine.StepAborted:
			s.finish(tx)
			return
		}
	}
}

// finish records the terminal outcome, releases the conflict tuple,
// publishes the terminal event and wakes any parent waiting on this
// transaction.
func (s *Scheduler) finish(tx *transaction) {
	s.mu.Lock()
	tx.rec.CompletedAt = s.clk.Now()
	tx.rec.Wait = txn.Wait{}
	tx.parked = true
	if holder, ok := s.tuples[tx.rec.Ref.Tuple()]; ok && holder == tx.rec.ID {
		delete(s.tuples, tx.rec.Ref.Tuple())
	}
	s.mu.Unlock()

	if err := s.persist(tx.rec); err != nil {
		s.logger.Error().Err(err).Uint64("transaction_id", tx.rec.ID).Msg("Failed to persist terminal transaction")
	}

	metrics.TransactionsTotal.WithLabelValues(string(tx.rec.Type), tx.rec.State.String()).Inc()
	metrics.TransactionDuration.WithLabelValues(string(tx.rec.Type)).Observe(tx.rec.CompletedAt.Sub(tx.rec.CreatedAt).Seconds())
	metrics.RetryCount.Observe(float64(tx.rec.RetryCount))

	s.publishState(tx.rec, events.EventTerminal)
	s.logger.Info().
		Uint64("transaction_id", tx.rec.ID).
		Str("type", string(tx.rec.Type)).
		Str("state", tx.rec.State.String()).
		Str("ref", tx.rec.Ref.String()).
		Msg("Transaction reached terminal state")

	s.NotifyChildCompleted(tx.rec.ID, tx.rec.State)
}

// sweepWaits re-polls condition-less waits and fails dependency waits
// that exceeded the configured maximum.
func (s *Scheduler) sweepWaits() {
	now := s.clk.Now()
	s.mu.Lock()
	for id, tx := range s.txns {
		if !tx.parked || tx.rec.State.Terminal() {
			continue
		}
		switch tx.rec.Wait.Kind {
		case txn.WaitNone:
			// A WAIT without a recorded condition (download reported
			// in-progress) is re-polled by re-running its action.
			tx.parked = false
			s.queue = append(s.queue, id)
		case txn.WaitOnTxn:
			if now.Sub(tx.waitSince) > s.cfg.DependencyWaitTimeout {
				metrics.DependencyWaitTimeouts.Inc()
				tx.rec.FailureReason = "dependency wait timed out"
				tx.rec.Wait = txn.Wait{}
				tx.engine.PostEvent(txn.EventFailed)
				tx.parked = false
				s.queue = append(s.queue, id)
			}
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) dequeue() *transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		tx, ok := s.txns[id]
		if !ok || tx.parked || tx.rec.State.Terminal() {
			continue
		}
		return tx
	}
	return nil
}

func (s *Scheduler) enqueue(id uint64) {
	s.mu.Lock()
	s.queue = append(s.queue, id)
	s.mu.Unlock()
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// persist durably writes the record snapshot, folding in the current
// log tail, before returning.
func (s *Scheduler) persist(rec *txn.Record) error {
	s.mu.Lock()
	rec.Logs = s.sink.Entries(rec.ID)
	snap := snapshot(rec)
	s.mu.Unlock()

	timer := metrics.NewTimer()
	err := s.journal.Put(snap)
	timer.ObserveDuration(metrics.JournalWriteLatency)
	return err
}

func (s *Scheduler) publishState(rec *txn.Record, kind events.EventType) {
	s.mu.Lock()
	ev := &events.Event{
		TransactionID: rec.ID,
		Type:          kind,
		Timestamp:     s.clk.Now(),
		State:         rec.State,
		Progress:      rec.Progress,
		FailureReason: rec.FailureReason,
	}
	s.mu.Unlock()
	s.broker.Publish(ev)
}

func snapshot(rec *txn.Record) *txn.Record {
	cp := *rec
	cp.Logs = append([]txn.LogEntry(nil), rec.Logs...)
	return &cp
}

// newContext builds the capability set handlers close over for one
// transaction.
func (s *Scheduler) newContext(rec *txn.Record) *txn.Context {
	return &txn.Context{
		Record:           rec,
		RootDir:          s.cfg.RootDir,
		PackageStore:     s.collab.PackageStore,
		ProofVerifier:    s.collab.ProofVerifier,
		ImageMounter:     s.collab.ImageMounter,
		ContainerBackend: s.collab.ContainerBackend,
		Progress:         &progressReporter{s: s, id: rec.ID},
		Logger:           &txnLogger{s: s, id: rec.ID},
		Dependencies:     &depResolver{s: s},
		Cancel:           func() bool { return s.cancelRequested(rec.ID) },
		DownloadRetryCap: s.cfg.DownloadRetryCap,
	}
}

func (s *Scheduler) cancelRequested(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txns[id]
	return ok && tx.cancelled
}

// progressReporter funnels handler byte counters into the record,
// emitting a progress event only when the integer percentage advances
// and journaling each reported change.
type progressReporter struct {
	s  *Scheduler
	id uint64
}

func (p *progressReporter) Report(bytesCurrent, bytesTotal int64) {
	s := p.s
	s.mu.Lock()
	tx, ok := s.txns[p.id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if bytesTotal > 0 && bytesCurrent > bytesTotal {
		bytesCurrent = bytesTotal
	}
	tx.rec.Progress.BytesCurrent = bytesCurrent
	tx.rec.Progress.BytesTotal = bytesTotal
	pct := tx.rec.Progress.Percentage()
	reported := pct > tx.rec.Progress.LastReportedPercentage
	if reported {
		tx.rec.Progress.LastReportedPercentage = pct
	}
	rec := tx.rec
	s.mu.Unlock()

	if reported {
		if err := s.persist(rec); err != nil {
			s.logger.Error().Err(err).Uint64("transaction_id", p.id).Msg("Failed to persist progress update")
		}
		s.publishState(rec, events.EventProgress)
	}
}

// txnLogger appends to the transaction's bounded log sink, mirrors to
// the structured daemon log, and streams the entry to subscribers.
type txnLogger struct {
	s  *Scheduler
	id uint64
}

func (l *txnLogger) Log(level string, format string, args ...any) {
	s := l.s
	msg := fmt.Sprintf(format, args...)

	s.mu.Lock()
	tx, ok := s.txns[l.id]
	var state txn.State
	if ok {
		state = tx.rec.State
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	entry := s.sink.Append(l.id, txn.Level(level), state, msg)
	s.broker.Publish(&events.Event{
		TransactionID: l.id,
		Type:          events.EventLogEntry,
		Timestamp:     entry.Timestamp,
		State:         state,
		Log:           &entry,
	})

	line := s.logger.With().Uint64("transaction_id", l.id).Str("state", state.String()).Logger()
	switch txn.Level(level) {
	case txn.LevelError:
		line.Error().Msg(msg)
	case txn.LevelWarn:
		line.Warn().Msg(msg)
	default:
		line.Info().Msg(msg)
	}
}

// depResolver lets the dependencies handler spawn and observe child
// install transactions through the scheduler's id lookup, keeping the
// parent/child edge a pure lookup relation.
type depResolver struct {
	s *Scheduler
}

func (d *depResolver) Dependencies(ref txn.PackRef) ([]txn.PackRef, error) {
	deps, err := d.s.collab.Dependencies.Dependencies(ref)
	if err != nil {
		return nil, err
	}
	var missing []txn.PackRef
	for _, dep := range deps {
		if _, err := os.Stat(handlers.PackPath(d.s.cfg.RootDir, dep)); err == nil {
			continue
		}
		missing = append(missing, dep)
	}
	return missing, nil
}

func (d *depResolver) SpawnInstall(ref txn.PackRef, parentID uint64) (uint64, error) {
	childID, err := d.s.Submit(txn.TypeInstall, ref, fmt.Sprintf("dependency of transaction %d", parentID))
	if errors.Is(err, ErrConflict) {
		// Another transaction is already installing this pack; wait on
		// it instead of spawning a duplicate.
		d.s.mu.Lock()
		holder := d.s.tuples[ref.Tuple()]
		d.s.mu.Unlock()
		if holder != 0 {
			return holder, nil
		}
	}
	return childID, err
}

func (d *depResolver) ChildState(childID uint64) (txn.State, bool, bool) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	tx, ok := d.s.txns[childID]
	if !ok {
		return 0, false, false
	}
	return tx.rec.State, tx.rec.State.Terminal(), true
}
