// Package collaborator declares the Go interfaces for the transaction
// engine's external collaborators: the package store, the proof
// verifier, the image mounter and the container backend, plus the two
// small capability interfaces (ProgressReporter, Logger) handlers
// close over. Concrete, reference implementations live in sibling
// packages (pkg/packstore, pkg/trust, pkg/mount, pkg/services) and
// are swappable by daemon wiring or tests.
package collaborator

import (
	"context"
	"io"
)

// Manifest describes the exported commands and services read from a
// pack's manifest after mounting. Tagged for the manifest.json wire
// form packs carry at their image root.
type Manifest struct {
	Commands []CommandEntry `json:"commands,omitempty"`
	Services []ServiceEntry `json:"services,omitempty"`
}

// CommandEntry is one exported command wrapper target.
type CommandEntry struct {
	Name       string `json:"name"`
	TargetPath string `json:"target_path"` // path inside the mounted image
}

// ServiceEntry is one long-running service declared by a package.
type ServiceEntry struct {
	Name string   `json:"name"`
	Exec []string `json:"exec"`
	Env  []string `json:"env,omitempty"`
}

// DownloadResult is returned by PackageStore.Resolve on success.
type DownloadResult struct {
	LocalPath   string // content-addressed local file path
	ContentHash string // sha256 hex of LocalPath's contents
	SizeBytes   int64
}

// ErrKind classifies a collaborator failure so handlers can route to
// RETRY vs FAILED without string-sniffing errors.
type ErrKind int

const (
	ErrKindUnknown ErrKind = iota
	ErrKindTransient
	ErrKindPermanent
)

// CollaboratorError wraps an error with the routing hint handlers need.
type CollaboratorError struct {
	Kind ErrKind
	Err  error
}

func (e *CollaboratorError) Error() string { return e.Err.Error() }
func (e *CollaboratorError) Unwrap() error  { return e.Err }

// Transient builds a CollaboratorError that routes to RETRY.
func Transient(err error) error { return &CollaboratorError{Kind: ErrKindTransient, Err: err} }

// Permanent builds a CollaboratorError that routes to FAILED.
func Permanent(err error) error { return &CollaboratorError{Kind: ErrKindPermanent, Err: err} }

// IsTransient reports whether err was built by Transient.
func IsTransient(err error) bool {
	var ce *CollaboratorError
	return errorsAs(err, &ce) && ce.Kind == ErrKindTransient
}

func errorsAs(err error, target **CollaboratorError) bool {
	for err != nil {
		if ce, ok := err.(*CollaboratorError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// PackageStore resolves a pack reference to a local, content-addressed
// file and fetches the proofs needed to verify it.
type PackageStore interface {
	// Resolve downloads (or returns the already-cached) artifact for ref
	// and returns once it is available. A download still running from an
	// earlier call is reported by InProgress, which the calling handler
	// checks first so it can return WAIT instead of calling Resolve.
	Resolve(ctx context.Context, publisher, pkg, revision string) (*DownloadResult, error)

	// InProgress reports whether a prior Resolve call for this ref is
	// still running in the background.
	InProgress(publisher, pkg, revision string) bool

	// EnsureProof fetches the publisher and package proof blobs needed
	// by the ProofVerifier.
	EnsureProof(ctx context.Context, publisher, pkg, revision string) (publisherProof, packageProof []byte, err error)
}

// ProofVerifier is the trust boundary: it validates a downloaded
// artifact's signature chain before any subsequent state may run.
type ProofVerifier interface {
	Verify(artifactPath string, contentHash string, publisherProof, packageProof []byte) (bool, error)
}

// ImageMounter mounts a pack's read-only filesystem image at a
// deterministic mountpoint, and can bulk-mount every installed pack
// during restoration (the mount-all variant).
type ImageMounter interface {
	Mount(publisher, pkg, localPath string) (mountpoint string, err error)
	Unmount(publisher, pkg string) error
	MountAll(manifest []MountAllEntry) error
	IsMounted(publisher, pkg string) bool
}

// MountAllEntry is one pack to bring back online during the mount-all
// restoration path.
type MountAllEntry struct {
	Publisher string
	Package   string
	LocalPath string
}

// ContainerBackend starts and stops the long-running services a package
// declares, and can read back a package's manifest once its image is
// mounted. The build-time container backend packs are built with is a
// distinct, unrelated component.
type ContainerBackend interface {
	ReadManifest(mountpoint string) (*Manifest, error)
	StartService(publisher, pkg string, svc ServiceEntry) error
	StopService(publisher, pkg string, svc ServiceEntry) error
	RunningServices(publisher, pkg string) []string
}

// ProgressReporter is the narrow capability handlers use to report
// byte-oriented progress without reaching into the scheduler directly.
type ProgressReporter interface {
	Report(bytesCurrent, bytesTotal int64)
}

// Logger is the narrow capability handlers use to append to a
// transaction's bounded log sink.
type Logger interface {
	Log(level string, format string, args ...any)
}

// Writer adapts any io.Writer-consuming helper (e.g. hashing while
// copying) without pulling the whole collaborator package in.
type Writer = io.Writer
