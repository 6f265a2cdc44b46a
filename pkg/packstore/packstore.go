// Package packstore is the reference implementation of
// collaborator.PackageStore: a local artifact cache with one file per
// (publisher, package, revision), named after the reference rather
// than its content hash (Resolve reports the sha256 hash), plus a
// small bbolt database for the proof cache. The store's default
// Fetcher fabricates a deterministic placeholder artifact so the
// engine can be driven end-to-end without a live package index; the
// daemon's wiring uses it, and tests may supply their own Fetcher.
package packstore

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/chefpack/chefd/pkg/collaborator"
)

var bucketProofs = []byte("proofs")

// Fetcher retrieves the raw bytes of a pack artifact.
type Fetcher func(ctx context.Context, publisher, pkg, revision string) ([]byte, error)

// ProofFetcher retrieves the publisher/package proof blobs consumed by
// the proof verifier.
type ProofFetcher func(ctx context.Context, publisher, pkg, revision string) (publisherProof, packageProof []byte, err error)

// Store is the reference PackageStore.
type Store struct {
	cacheDir string
	fetch    Fetcher
	proofs   ProofFetcher
	db       *bolt.DB

	mu         sync.Mutex
	inProgress map[string]bool
}

// DefaultFetcher fabricates a deterministic placeholder artifact and
// never fails.
func DefaultFetcher(_ context.Context, publisher, pkg, revision string) ([]byte, error) {
	return []byte(placeholderPayload(publisher, pkg, revision)), nil
}

// DefaultProofFetcher returns deterministic placeholder proofs that do
// not pass a real trust.Store's verification; daemon wiring that wants
// the happy path to verify should supply a ProofFetcher backed by a
// trust.Signer instead (see pkg/daemon).
func DefaultProofFetcher(_ context.Context, publisher, pkg, _ string) ([]byte, []byte, error) {
	return []byte("publisher-proof:" + publisher), []byte("package-proof:" + publisher + "/" + pkg), nil
}

func placeholderPayload(publisher, pkg, revision string) string {
	return fmt.Sprintf("pack:%s/%s@%s", publisher, pkg, revision)
}

// ExpectedContentHash returns the content hash DefaultFetcher's
// placeholder artifact will produce for (publisher, pkg, revision),
// letting a ProofFetcher sign over the right bytes without a live
// round trip through Resolve.
func ExpectedContentHash(publisher, pkg, revision string) string {
	sum := sha256.Sum256([]byte(placeholderPayload(publisher, pkg, revision)))
	return hex.EncodeToString(sum[:])
}

// New opens (creating if absent) the store's cache directory and proof
// index database under cacheDir.
func New(cacheDir string, fetch Fetcher, proofs ProofFetcher) (*Store, error) {
	if fetch == nil {
		fetch = DefaultFetcher
	}
	if proofs == nil {
		proofs = DefaultProofFetcher
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pack cache directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(cacheDir, "proofs.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open proof cache database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketProofs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create proofs bucket: %w", err)
	}

	return &Store{
		cacheDir:   cacheDir,
		fetch:      fetch,
		proofs:     proofs,
		db:         db,
		inProgress: make(map[string]bool),
	}, nil
}

func key(publisher, pkg, revision string) string {
	return publisher + "/" + pkg + "@" + revision
}

func (s *Store) localPath(publisher, pkg, revision string) string {
	return filepath.Join(s.cacheDir, fmt.Sprintf("%s-%s-%s.cache", publisher, pkg, revision))
}

// Resolve implements collaborator.PackageStore.
func (s *Store) Resolve(ctx context.Context, publisher, pkg, revision string) (*collaborator.DownloadResult, error) {
	k := key(publisher, pkg, revision)

	s.mu.Lock()
	s.inProgress[k] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inProgress, k)
		s.mu.Unlock()
	}()

	data, err := s.fetch(ctx, publisher, pkg, revision)
	if err != nil {
		return nil, err
	}

	path := s.localPath(publisher, pkg, revision)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to cache artifact: %w", err)
	}

	sum := sha256.Sum256(data)
	return &collaborator.DownloadResult{
		LocalPath:   path,
		ContentHash: hex.EncodeToString(sum[:]),
		SizeBytes:   int64(len(data)),
	}, nil
}

// InProgress implements collaborator.PackageStore.
func (s *Store) InProgress(publisher, pkg, revision string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress[key(publisher, pkg, revision)]
}

// EnsureProof implements collaborator.PackageStore, caching results so
// repeated verify re-entries after a restart do not re-fetch.
func (s *Store) EnsureProof(ctx context.Context, publisher, pkg, revision string) ([]byte, []byte, error) {
	k := []byte(key(publisher, pkg, revision))

	var cached []byte
	s.db.View(func(tx *bolt.Tx) error {
		cached = tx.Bucket(bucketProofs).Get(k)
		return nil
	})
	if cached != nil {
		return splitProofs(cached)
	}

	pubProof, pkgProof, err := s.proofs(ctx, publisher, pkg, revision)
	if err != nil {
		return nil, nil, err
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProofs).Put(k, joinProofs(pubProof, pkgProof))
	}); err != nil {
		return nil, nil, fmt.Errorf("failed to cache proofs: %w", err)
	}
	return pubProof, pkgProof, nil
}

// Close closes the proof cache database.
func (s *Store) Close() error { return s.db.Close() }

func joinProofs(a, b []byte) []byte {
	buf := make([]byte, 4+len(a)+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(a)))
	copy(buf[4:], a)
	copy(buf[4+len(a):], b)
	return buf
}

func splitProofs(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("corrupt proof cache entry")
	}
	n := binary.BigEndian.Uint32(buf)
	if int(4+n) > len(buf) {
		return nil, nil, fmt.Errorf("corrupt proof cache entry")
	}
	return buf[4 : 4+n], buf[4+n:], nil
}
