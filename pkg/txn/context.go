package txn

import "github.com/chefpack/chefd/pkg/collaborator"

// DependencyResolver lets the dependencies handler discover a pack's
// dependency set and spawn/observe child install transactions without
// reaching into the scheduler directly. The parent/child edge is a
// pure id lookup, never an object reference, so no ownership cycle
// forms.
type DependencyResolver interface {
	// Dependencies returns the packs ref directly depends on.
	Dependencies(ref PackRef) ([]PackRef, error)

	// SpawnInstall submits a child install transaction for ref and
	// returns its id. parentID is recorded for diagnostics only.
	SpawnInstall(ref PackRef, parentID uint64) (childID uint64, err error)

	// ChildState looks up a previously spawned child by id. found is
	// false if the id is unknown to the scheduler.
	ChildState(childID uint64) (state State, terminal bool, found bool)
}

// Context is the opaque, per-transaction capability set handlers close
// over: a progress-reporter, pack-store, proof-verifier, image-mounter,
// container-backend and logger, plus whatever scratch state handlers
// need to pass forward between states of the same lifecycle (resolved
// pack path, mount handle, dependency list...).
//
// Handlers are pure functions of *Context plus observable collaborator
// state; no handler keeps hidden handler-scoped state of its own.
type Context struct {
	Record *Record

	// RootDir is the configurable root persisted paths are resolved
	// under; default "/".
	RootDir string

	PackageStore     collaborator.PackageStore
	ProofVerifier    collaborator.ProofVerifier
	ImageMounter     collaborator.ImageMounter
	ContainerBackend collaborator.ContainerBackend
	Progress         collaborator.ProgressReporter
	Logger           collaborator.Logger
	Dependencies     DependencyResolver

	// Cancel is set by the scheduler when a cancellation has been
	// requested; actions check it cooperatively on entry.
	Cancel func() bool

	// DownloadRetryCap overrides the download-retry attempt cap when
	// positive; 0 uses the handlers' built-in default.
	DownloadRetryCap int

	// Scratch carries state produced by one handler and consumed by a
	// later one in the same lifecycle (resolved local pack path, mount
	// path, manifest, dependency ids, which teardown step last
	// succeeded...). Keyed by small constant strings defined alongside
	// the handlers that use them.
	Scratch map[string]any
}

// Get reads a scratch value, returning ok=false if absent.
func (c *Context) Get(key string) (any, bool) {
	if c.Scratch == nil {
		return nil, false
	}
	v, ok := c.Scratch[key]
	return v, ok
}

// Set stores a scratch value.
func (c *Context) Set(key string, value any) {
	if c.Scratch == nil {
		c.Scratch = make(map[string]any)
	}
	c.Scratch[key] = value
}

// GetString is a convenience accessor for string-typed scratch values.
func (c *Context) GetString(key string) string {
	v, ok := c.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
