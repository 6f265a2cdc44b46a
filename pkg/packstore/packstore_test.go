package packstore

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chefpack/chefd/pkg/collaborator"
)

func newTestStore(t *testing.T, fetch Fetcher, proofs ProofFetcher) *Store {
	s, err := New(t.TempDir(), fetch, proofs)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestResolveCachesArtifact(t *testing.T) {
	s := newTestStore(t, nil, nil)

	res, err := s.Resolve(context.Background(), "acme", "foo", "1")
	require.NoError(t, err)

	data, err := os.ReadFile(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.SizeBytes)
	assert.Equal(t, ExpectedContentHash("acme", "foo", "1"), res.ContentHash)
}

func TestResolveDistinctRefsDistinctHashes(t *testing.T) {
	s := newTestStore(t, nil, nil)

	a, err := s.Resolve(context.Background(), "acme", "foo", "1")
	require.NoError(t, err)
	b, err := s.Resolve(context.Background(), "acme", "foo", "2")
	require.NoError(t, err)
	assert.NotEqual(t, a.ContentHash, b.ContentHash)
	assert.NotEqual(t, a.LocalPath, b.LocalPath)
}

func TestResolvePropagatesFetcherError(t *testing.T) {
	wantErr := collaborator.Transient(fmt.Errorf("connection reset"))
	s := newTestStore(t, func(context.Context, string, string, string) ([]byte, error) {
		return nil, wantErr
	}, nil)

	_, err := s.Resolve(context.Background(), "acme", "foo", "1")
	require.Error(t, err)
	assert.True(t, collaborator.IsTransient(err))
}

func TestInProgressDuringResolve(t *testing.T) {
	s := newTestStore(t, nil, nil)
	assert.False(t, s.InProgress("acme", "foo", "1"))

	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(context.Context, string, string, string) ([]byte, error) {
		close(started)
		<-release
		return []byte("data"), nil
	}
	s.fetch = slow

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Resolve(context.Background(), "acme", "foo", "1")
	}()

	<-started
	assert.True(t, s.InProgress("acme", "foo", "1"))
	close(release)
	<-done
	assert.False(t, s.InProgress("acme", "foo", "1"))
}

func TestEnsureProofCaches(t *testing.T) {
	calls := 0
	s := newTestStore(t, nil, func(context.Context, string, string, string) ([]byte, []byte, error) {
		calls++
		return []byte("publisher-proof"), []byte("package-proof"), nil
	})

	pub, pkg, err := s.EnsureProof(context.Background(), "acme", "foo", "1")
	require.NoError(t, err)
	assert.Equal(t, "publisher-proof", string(pub))
	assert.Equal(t, "package-proof", string(pkg))

	// Re-entry after a crash must not re-fetch.
	_, _, err = s.EnsureProof(context.Background(), "acme", "foo", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestProofRoundTripEmptyPublisherProof(t *testing.T) {
	s := newTestStore(t, nil, func(context.Context, string, string, string) ([]byte, []byte, error) {
		return nil, []byte("pkg-only"), nil
	})

	pub, pkg, err := s.EnsureProof(context.Background(), "acme", "foo", "1")
	require.NoError(t, err)
	assert.Empty(t, pub)
	assert.Equal(t, "pkg-only", string(pkg))
}
