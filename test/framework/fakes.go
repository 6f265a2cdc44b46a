// Package framework provides the scenario-test harness: an in-process
// daemon core (journal, scheduler, collaborators) built in temp
// directories, scriptable fake collaborators for failure injection,
// and waiters/assertions over observed state sequences.
package framework

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chefpack/chefd/pkg/collaborator"
	"github.com/chefpack/chefd/pkg/txn"
)

// FakeStore is a scriptable collaborator.PackageStore: it fabricates
// deterministic artifacts on disk and can be told to fail the first N
// resolves transiently, fail permanently, or report an in-flight
// download.
type FakeStore struct {
	Dir string

	mu              sync.Mutex
	failTransient   int
	failPermanent   bool
	failPermanentBy map[string]bool
	inProgress      int
	inProgressBy    map[string]int
	resolveCalls    int
}

// NewFakeStore creates a store writing artifacts under dir.
func NewFakeStore(dir string) *FakeStore {
	return &FakeStore{
		Dir:             dir,
		failPermanentBy: make(map[string]bool),
		inProgressBy:    make(map[string]int),
	}
}

// FailTransiently makes the next n Resolve calls return a transient
// error.
func (f *FakeStore) FailTransiently(n int) {
	f.mu.Lock()
	f.failTransient = n
	f.mu.Unlock()
}

// FailPermanently makes every Resolve call return a permanent error.
func (f *FakeStore) FailPermanently() {
	f.mu.Lock()
	f.failPermanent = true
	f.mu.Unlock()
}

// FailPermanentlyFor makes resolves of one (publisher, package) fail
// permanently while others succeed.
func (f *FakeStore) FailPermanentlyFor(publisher, pkg string) {
	f.mu.Lock()
	f.failPermanentBy[publisher+"/"+pkg] = true
	f.mu.Unlock()
}

// ReportInProgress makes the next n InProgress calls report an
// in-flight download.
func (f *FakeStore) ReportInProgress(n int) {
	f.mu.Lock()
	f.inProgress = n
	f.mu.Unlock()
}

// ReportInProgressFor scopes the in-progress reports to one
// (publisher, package).
func (f *FakeStore) ReportInProgressFor(publisher, pkg string, n int) {
	f.mu.Lock()
	f.inProgressBy[publisher+"/"+pkg] = n
	f.mu.Unlock()
}

// ResolveCalls returns how many times Resolve ran.
func (f *FakeStore) ResolveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveCalls
}

// Payload returns the deterministic artifact bytes for a ref.
func Payload(publisher, pkg, revision string) []byte {
	return []byte(fmt.Sprintf("pack:%s/%s@%s", publisher, pkg, revision))
}

// ContentHash returns the content hash Resolve reports for a ref.
func ContentHash(publisher, pkg, revision string) string {
	sum := sha256.Sum256(Payload(publisher, pkg, revision))
	return hex.EncodeToString(sum[:])
}

func (f *FakeStore) Resolve(_ context.Context, publisher, pkg, revision string) (*collaborator.DownloadResult, error) {
	f.mu.Lock()
	f.resolveCalls++
	if f.failPermanent || f.failPermanentBy[publisher+"/"+pkg] {
		f.mu.Unlock()
		return nil, collaborator.Permanent(fmt.Errorf("pack %s/%s not found in index", publisher, pkg))
	}
	if f.failTransient > 0 {
		f.failTransient--
		f.mu.Unlock()
		return nil, collaborator.Transient(fmt.Errorf("connection reset fetching %s/%s", publisher, pkg))
	}
	f.mu.Unlock()

	data := Payload(publisher, pkg, revision)
	path := filepath.Join(f.Dir, fmt.Sprintf("%s-%s-%s.cache", publisher, pkg, revision))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return &collaborator.DownloadResult{
		LocalPath:   path,
		ContentHash: hex.EncodeToString(sum[:]),
		SizeBytes:   int64(len(data)),
	}, nil
}

func (f *FakeStore) InProgress(publisher, pkg, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.inProgressBy[publisher+"/"+pkg]; n > 0 {
		f.inProgressBy[publisher+"/"+pkg] = n - 1
		return true
	}
	if f.inProgress > 0 {
		f.inProgress--
		return true
	}
	return false
}

func (f *FakeStore) EnsureProof(_ context.Context, publisher, pkg, _ string) ([]byte, []byte, error) {
	return []byte("publisher-proof:" + publisher), []byte("package-proof:" + publisher + "/" + pkg), nil
}

// FakeVerifier is a scriptable collaborator.ProofVerifier.
type FakeVerifier struct {
	mu     sync.Mutex
	reject bool
	err    error
}

// Reject makes every verification fail cleanly (signature mismatch).
func (f *FakeVerifier) Reject() {
	f.mu.Lock()
	f.reject = true
	f.mu.Unlock()
}

func (f *FakeVerifier) Verify(string, string, []byte, []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.reject, f.err
}

// FakeBackend is a scriptable collaborator.ContainerBackend tracking
// started/stopped services and optionally failing one service's
// start.
type FakeBackend struct {
	mu          sync.Mutex
	manifest    *collaborator.Manifest
	failService string
	stopHook    func()
	running     map[string]bool
	started     []string
	stopped     []string
}

// NewFakeBackend creates a backend returning manifest from
// ReadManifest; nil means an empty manifest.
func NewFakeBackend(manifest *collaborator.Manifest) *FakeBackend {
	return &FakeBackend{manifest: manifest, running: make(map[string]bool)}
}

// SetManifest replaces the manifest ReadManifest serves.
func (f *FakeBackend) SetManifest(m *collaborator.Manifest) {
	f.mu.Lock()
	f.manifest = m
	f.mu.Unlock()
}

// FailService makes starting the named service fail.
func (f *FakeBackend) FailService(name string) {
	f.mu.Lock()
	f.failService = name
	f.mu.Unlock()
}

// Started and Stopped return the observed call order.
func (f *FakeBackend) Started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *FakeBackend) Stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

func (f *FakeBackend) ReadManifest(string) (*collaborator.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manifest == nil {
		return &collaborator.Manifest{}, nil
	}
	return f.manifest, nil
}

func (f *FakeBackend) StartService(publisher, pkg string, svc collaborator.ServiceEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if svc.Name == f.failService {
		return fmt.Errorf("service %s failed to start", svc.Name)
	}
	key := publisher + "/" + pkg + "/" + svc.Name
	f.running[key] = true
	f.started = append(f.started, svc.Name)
	return nil
}

// SetStopHook installs a callback invoked (outside the lock) at the
// start of every StopService call, letting tests inject events while
// the driver is inside the irreversible teardown.
func (f *FakeBackend) SetStopHook(hook func()) {
	f.mu.Lock()
	f.stopHook = hook
	f.mu.Unlock()
}

func (f *FakeBackend) StopService(publisher, pkg string, svc collaborator.ServiceEntry) error {
	f.mu.Lock()
	hook := f.stopHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, publisher+"/"+pkg+"/"+svc.Name)
	f.stopped = append(f.stopped, svc.Name)
	return nil
}

func (f *FakeBackend) RunningServices(publisher, pkg string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := publisher + "/" + pkg + "/"
	var names []string
	for k, up := range f.running {
		if up && len(k) > len(prefix) && k[:len(prefix)] == prefix {
			names = append(names, k[len(prefix):])
		}
	}
	return names
}

// FakeDeps is a scriptable scheduler.DependencySource.
type FakeDeps struct {
	mu   sync.Mutex
	deps map[string][]txn.PackRef
}

// NewFakeDeps creates an empty dependency index.
func NewFakeDeps() *FakeDeps {
	return &FakeDeps{deps: make(map[string][]txn.PackRef)}
}

// Set declares the dependencies of a pack.
func (f *FakeDeps) Set(ref txn.PackRef, deps ...txn.PackRef) {
	f.mu.Lock()
	f.deps[ref.Tuple()] = deps
	f.mu.Unlock()
}

func (f *FakeDeps) Dependencies(ref txn.PackRef) ([]txn.PackRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deps[ref.Tuple()], nil
}
