package handlers

import (
	"path/filepath"

	"github.com/chefpack/chefd/pkg/collaborator"
	"github.com/chefpack/chefd/pkg/txn"
)

const (
	keyMountpoint       = "mountpoint"
	keyMountAllManifest = "mount_all_manifest"
)

// MountpointPath returns the deterministic mountpoint for a pack:
// <root>/run/chef/mounts/<publisher>/<package>.
func MountpointPath(root string, ref txn.PackRef) string {
	return filepath.Join(root, "run", "chef", "mounts", ref.Publisher, ref.Package)
}

// Mount instructs the image mounter to mount the pack's read-only
// image at a deterministic mountpoint derived from (publisher,
// package).
func Mount(ctx *txn.Context) txn.Event {
	if ctx.Cancel != nil && ctx.Cancel() {
		return txn.EventCancel
	}
	ref := ctx.Record.Ref
	path := ctx.GetString(keyInstalledPath)
	if path == "" {
		// Re-entry after restart: the installed pack lives at its
		// deterministic store path.
		path = PackPath(ctx.RootDir, ref)
	}

	mountpoint, err := ctx.ImageMounter.Mount(ref.Publisher, ref.Package, path)
	if err != nil {
		ctx.Logger.Log("error", "mount: %v", err)
		return txn.EventFailed
	}
	ctx.Set(keyMountpoint, mountpoint)
	return txn.EventOK
}

// SetMountAllManifest records the restoration manifest a mount-all
// transaction brings back online.
func SetMountAllManifest(ctx *txn.Context, entries []collaborator.MountAllEntry) {
	ctx.Set(keyMountAllManifest, entries)
}

// MountAll is the restoration-only mount variant: it re-mounts every
// pack in the manifest recorded on the context, used when the daemon
// detects the host mount table no longer holds the packs it believes
// are installed.
func MountAll(ctx *txn.Context) txn.Event {
	v, _ := ctx.Get(keyMountAllManifest)
	manifest, _ := v.([]collaborator.MountAllEntry)
	if len(manifest) == 0 {
		return txn.EventOK
	}
	ctx.Logger.Log("info", "mount-all: re-mounting %d pack(s)", len(manifest))
	if err := ctx.ImageMounter.MountAll(manifest); err != nil {
		ctx.Logger.Log("error", "mount-all: %v", err)
		return txn.EventFailed
	}
	return txn.EventOK
}
