package mount

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chefpack/chefd/pkg/collaborator"
)

func writePack(t *testing.T, dir, name string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("image-bytes"), 0644))
	return path
}

func TestMountUnmount(t *testing.T) {
	root := t.TempDir()
	m := New(root)
	pack := writePack(t, t.TempDir(), "acme-foo-1.pack")

	mountpoint, err := m.Mount("acme", "foo", pack)
	require.NoError(t, err)
	assert.Equal(t, m.Mountpoint("acme", "foo"), mountpoint)
	assert.True(t, m.IsMounted("acme", "foo"))

	// The image content is visible under the mountpoint.
	data, err := os.ReadFile(filepath.Join(mountpoint, "image"))
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))

	require.NoError(t, m.Unmount("acme", "foo"))
	assert.False(t, m.IsMounted("acme", "foo"))
	_, err = os.Stat(mountpoint)
	assert.True(t, os.IsNotExist(err))
}

func TestMountpointIsDeterministic(t *testing.T) {
	m := New("/chefroot")
	assert.Equal(t, filepath.Join("/chefroot", "run", "chef", "mounts", "acme", "foo"), m.Mountpoint("acme", "foo"))
}

func TestMountMissingImageFails(t *testing.T) {
	m := New(t.TempDir())
	_, err := m.Mount("acme", "foo", "/does/not/exist")
	assert.Error(t, err)
}

func TestMountAll(t *testing.T) {
	root := t.TempDir()
	m := New(root)
	dir := t.TempDir()

	entries := []collaborator.MountAllEntry{
		{Publisher: "acme", Package: "foo", LocalPath: writePack(t, dir, "acme-foo-1.pack")},
		{Publisher: "acme", Package: "bar", LocalPath: writePack(t, dir, "acme-bar-1.pack")},
	}
	require.NoError(t, m.MountAll(entries))
	assert.True(t, m.IsMounted("acme", "foo"))
	assert.True(t, m.IsMounted("acme", "bar"))
}

func TestUnmountUnknownIsNoError(t *testing.T) {
	m := New(t.TempDir())
	assert.NoError(t, m.Unmount("acme", "ghost"))
}
