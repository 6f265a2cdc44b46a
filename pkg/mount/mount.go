// Package mount is the reference implementation of
// collaborator.ImageMounter: an in-memory mount table over plain
// directories. A user-space filesystem driver would implement the
// same interface; this mounter simulates "mounted" by recording the
// mapping and copying the pack's content into the mountpoint
// directory so load/generate-wrappers have real files to read.
package mount

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/chefpack/chefd/pkg/collaborator"
)

// Mounter is the reference ImageMounter.
type Mounter struct {
	root string

	mu     sync.Mutex
	mounts map[string]string // "publisher/pkg" -> mountpoint
}

// New creates a Mounter rooted at root; mountpoints are created under
// <root>/run/chef/mounts/<publisher>/<package>.
func New(root string) *Mounter {
	return &Mounter{root: root, mounts: make(map[string]string)}
}

func tupleKey(publisher, pkg string) string { return publisher + "/" + pkg }

// Mountpoint returns the deterministic mountpoint for (publisher, pkg).
func (m *Mounter) Mountpoint(publisher, pkg string) string {
	return filepath.Join(m.root, "run", "chef", "mounts", publisher, pkg)
}

// Mount implements collaborator.ImageMounter.
func (m *Mounter) Mount(publisher, pkg, localPath string) (string, error) {
	mountpoint := m.Mountpoint(publisher, pkg)
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return "", fmt.Errorf("creating mountpoint: %w", err)
	}
	if err := copyInto(localPath, filepath.Join(mountpoint, "image")); err != nil {
		return "", fmt.Errorf("mounting image: %w", err)
	}

	m.mu.Lock()
	m.mounts[tupleKey(publisher, pkg)] = mountpoint
	m.mu.Unlock()
	return mountpoint, nil
}

// Unmount implements collaborator.ImageMounter.
func (m *Mounter) Unmount(publisher, pkg string) error {
	m.mu.Lock()
	delete(m.mounts, tupleKey(publisher, pkg))
	m.mu.Unlock()

	mountpoint := m.Mountpoint(publisher, pkg)
	if err := os.RemoveAll(mountpoint); err != nil {
		return fmt.Errorf("removing mountpoint: %w", err)
	}
	return nil
}

// MountAll implements collaborator.ImageMounter, bringing every
// restoration-manifest entry back online.
func (m *Mounter) MountAll(manifest []collaborator.MountAllEntry) error {
	for _, entry := range manifest {
		if _, err := m.Mount(entry.Publisher, entry.Package, entry.LocalPath); err != nil {
			return fmt.Errorf("mount-all: %s/%s: %w", entry.Publisher, entry.Package, err)
		}
	}
	return nil
}

// IsMounted implements collaborator.ImageMounter.
func (m *Mounter) IsMounted(publisher, pkg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.mounts[tupleKey(publisher, pkg)]
	return ok
}

func copyInto(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
