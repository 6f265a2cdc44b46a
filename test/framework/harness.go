package framework

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chefpack/chefd/pkg/clock"
	"github.com/chefpack/chefd/pkg/events"
	"github.com/chefpack/chefd/pkg/journal"
	"github.com/chefpack/chefd/pkg/log"
	"github.com/chefpack/chefd/pkg/logsink"
	"github.com/chefpack/chefd/pkg/mount"
	"github.com/chefpack/chefd/pkg/scheduler"
	"github.com/chefpack/chefd/pkg/txn"
)

var logOnce sync.Once

// Harness is an in-process daemon core with fake collaborators and an
// event recorder, for driving full lifecycle scenarios end to end.
type Harness struct {
	T *testing.T

	Root    string
	DataDir string

	Journal   *journal.Journal
	IDs       *clock.IDAllocator
	Sink      *logsink.Sink
	Broker    *events.Broker
	Store     *FakeStore
	Verifier  *FakeVerifier
	Mounter   *mount.Mounter
	Backend   *FakeBackend
	Deps      *FakeDeps
	Scheduler *scheduler.Scheduler

	mu       sync.Mutex
	observed map[uint64][]txn.State
	sub      events.Subscriber
	stopRec  chan struct{}
}

// New builds a harness in t's temp directories. The scheduler is not
// started; call Start once scripting is done.
func New(t *testing.T) *Harness {
	logOnce.Do(func() {
		log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: os.Stderr})
	})

	root := t.TempDir()
	dataDir := t.TempDir()
	cacheDir := filepath.Join(dataDir, "cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0755))

	jrnl, err := journal.Open(dataDir)
	require.NoError(t, err)
	ids, err := clock.NewIDAllocator(dataDir)
	require.NoError(t, err)

	h := &Harness{
		T:        t,
		Root:     root,
		DataDir:  dataDir,
		Journal:  jrnl,
		IDs:      ids,
		Sink:     logsink.New(clock.SystemClock{}, 0),
		Broker:   events.NewBroker(),
		Store:    NewFakeStore(cacheDir),
		Verifier: &FakeVerifier{},
		Mounter:  mount.New(root),
		Backend:  NewFakeBackend(nil),
		Deps:     NewFakeDeps(),
		observed: make(map[uint64][]txn.State),
		stopRec:  make(chan struct{}),
	}
	h.Scheduler = h.newScheduler()

	t.Cleanup(func() {
		h.Journal.Close()
		h.IDs.Close()
	})
	return h
}

func (h *Harness) newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Config{
		RootDir:               h.Root,
		GracePeriod:           time.Hour,
		DependencyWaitTimeout: 5 * time.Second,
		PollInterval:          20 * time.Millisecond,
	}, h.Journal, h.IDs, clock.SystemClock{}, h.Sink, h.Broker, scheduler.Collaborators{
		PackageStore:     h.Store,
		ProofVerifier:    h.Verifier,
		ImageMounter:     h.Mounter,
		ContainerBackend: h.Backend,
		Dependencies:     h.Deps,
	})
}

// Start begins the broker, the event recorder and the scheduler.
func (h *Harness) Start() {
	h.startRecorder()
	h.Scheduler.Start()
	h.T.Cleanup(h.Scheduler.Stop)
}

func (h *Harness) startRecorder() {
	if h.sub != nil {
		return
	}
	h.Broker.Start()
	h.sub = h.Broker.Subscribe()
	go h.record()

	h.T.Cleanup(func() {
		close(h.stopRec)
		h.Broker.Stop()
	})
}

// Restart simulates a daemon crash and restart: the scheduler is
// replaced by a fresh, running instance over the same journal; the
// caller runs restoration against it.
func (h *Harness) Restart() {
	h.Scheduler.Stop()
	h.Scheduler = h.newScheduler()
	h.startRecorder()
	h.Scheduler.Start()
	h.T.Cleanup(h.Scheduler.Stop)
}

func (h *Harness) record() {
	for {
		select {
		case <-h.stopRec:
			return
		case ev, ok := <-h.sub:
			if !ok {
				return
			}
			if ev.Type != events.EventStateChanged && ev.Type != events.EventTerminal {
				continue
			}
			h.mu.Lock()
			seq := h.observed[ev.TransactionID]
			// Collapse the self-loop a re-polled waiting state emits.
			if len(seq) == 0 || seq[len(seq)-1] != ev.State {
				h.observed[ev.TransactionID] = append(seq, ev.State)
			}
			h.mu.Unlock()
		}
	}
}

// StateSequence returns the collapsed sequence of states observed for
// a transaction so far.
func (h *Harness) StateSequence(id uint64) []txn.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]txn.State(nil), h.observed[id]...)
}

// Submit is a convenience wrapper failing the test on error.
func (h *Harness) Submit(t txn.Type, publisher, pkg, revision string) uint64 {
	id, err := h.Scheduler.Submit(t, txn.PackRef{Publisher: publisher, Package: pkg, Revision: revision}, "")
	require.NoError(h.T, err)
	return id
}
