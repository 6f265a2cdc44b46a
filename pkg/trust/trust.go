// Package trust is the reference implementation of
// collaborator.ProofVerifier: an ed25519 signature-chain check against
// a single trust-anchor ("root") public key, persisted in a small
// bbolt database. Verify is the trust boundary of the install
// lifecycle; no state after verify may run if it returns false.
//
// Proof encoding:
//   - publisherProof = root-signature(64) || publisher-public-key(32):
//     the root vouches that publisher-public-key belongs to a trusted
//     publisher.
//   - packageProof = publisher-signature(64) over the artifact's
//     content hash, made with publisher-public-key.
package trust

import (
	"crypto/ed25519"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketRoot = []byte("root")

const keyRootPublicKey = "public_key"

// Store verifies proof chains against a persisted root key.
type Store struct {
	db      *bolt.DB
	rootKey ed25519.PublicKey
}

// New opens (creating if absent) the trust database under dataDir. If
// rootKey is non-nil it is persisted as the trust anchor (overwriting
// any previously stored key); otherwise the previously persisted key,
// if any, is loaded.
func New(dataDir string, rootKey ed25519.PublicKey) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "trust.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open trust database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRoot)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create root bucket: %w", err)
	}

	s := &Store{db: db}
	if rootKey != nil {
		if err := s.setRootKey(rootKey); err != nil {
			db.Close()
			return nil, err
		}
	} else if err := s.loadRootKey(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) setRootKey(key ed25519.PublicKey) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoot).Put([]byte(keyRootPublicKey), key)
	}); err != nil {
		return fmt.Errorf("failed to persist root key: %w", err)
	}
	s.rootKey = key
	return nil
}

func (s *Store) loadRootKey() error {
	return s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRoot).Get([]byte(keyRootPublicKey))
		if v != nil {
			s.rootKey = append(ed25519.PublicKey(nil), v...)
		}
		return nil
	})
}

// Verify implements collaborator.ProofVerifier.
func (s *Store) Verify(_ string, contentHash string, publisherProof, packageProof []byte) (bool, error) {
	if s.rootKey == nil {
		return false, fmt.Errorf("trust: no root key configured")
	}
	if len(publisherProof) != ed25519.SignatureSize+ed25519.PublicKeySize {
		return false, nil
	}

	rootSig := publisherProof[:ed25519.SignatureSize]
	publisherKey := ed25519.PublicKey(publisherProof[ed25519.SignatureSize:])

	if !ed25519.Verify(s.rootKey, publisherKey, rootSig) {
		return false, nil
	}
	if !ed25519.Verify(publisherKey, []byte(contentHash), packageProof) {
		return false, nil
	}
	return true, nil
}

// Close closes the trust database.
func (s *Store) Close() error { return s.db.Close() }

// Signer issues publisher/package proofs a Store holding the matching
// root key can verify. Used by default daemon wiring to self-sign
// locally-trusted publishers and by tests to script valid proofs.
type Signer struct {
	rootKey      ed25519.PrivateKey
	publisherKey ed25519.PrivateKey
}

// NewSigner generates a fresh root and publisher keypair and returns
// the signer plus the root public key a Store must be configured with
// to accept this signer's proofs.
func NewSigner() (*Signer, ed25519.PublicKey, error) {
	rootPub, rootPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("generating root key: %w", err)
	}
	_, publisherPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("generating publisher key: %w", err)
	}
	return &Signer{rootKey: rootPriv, publisherKey: publisherPriv}, rootPub, nil
}

// PublisherProof returns the root-signed publisher-key certificate.
func (s *Signer) PublisherProof() []byte {
	pub := s.publisherKey.Public().(ed25519.PublicKey)
	sig := ed25519.Sign(s.rootKey, pub)
	out := make([]byte, 0, len(sig)+len(pub))
	out = append(out, sig...)
	out = append(out, pub...)
	return out
}

// PackageProof signs contentHash with the publisher key.
func (s *Signer) PackageProof(contentHash string) []byte {
	return ed25519.Sign(s.publisherKey, []byte(contentHash))
}
