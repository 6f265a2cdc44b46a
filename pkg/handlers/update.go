package handlers

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chefpack/chefd/pkg/txn"
)

// Update deletes the previous revision's on-disk pack file (already
// unmounted earlier in the update sequence) and writes the new one
// into place. Atomic with respect to crash: failing mid-write leaves
// either the old or the new pack installable by a follow-up retry,
// and re-entry after a crash simply redoes both steps (the old file
// is already gone, the new write overwrites its own temp file).
//
// The swap belongs to the irreversible teardown set; this handler
// never checks ctx.Cancel.
func Update(ctx *txn.Context) txn.Event {
	ref := ctx.Record.Ref
	newPath := PackPath(ctx.RootDir, ref)

	if oldPath, ok := findInstalledPack(ctx.RootDir, ref.Publisher, ref.Package, ref.Revision); ok {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			ctx.Logger.Log("error", "update: removing previous revision %s: %v", oldPath, err)
			return txn.EventFailed
		}
	}

	if err := ensureArtifact(ctx); err != nil {
		ctx.Logger.Log("error", "update: re-resolving artifact: %v", err)
		return txn.EventFailed
	}
	src := ctx.GetString(keyLocalPath)
	if err := copyFileAtomic(src, newPath); err != nil {
		ctx.Logger.Log("error", "update: writing new revision: %v", err)
		return txn.EventFailed
	}
	ctx.Set(keyInstalledPath, newPath)
	ctx.Set(keyTeardownStep, "update")
	return txn.EventOK
}

// findInstalledPack locates a previously-installed pack file for
// (publisher, package) other than the revision being installed now.
func findInstalledPack(root, publisher, pkg, excludeRevision string) (string, bool) {
	pattern := filepath.Join(root, "var", "chef", "packs", fmt.Sprintf("%s-%s-*.pack", publisher, pkg))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", false
	}
	excluded := PackPath(root, txn.PackRef{Publisher: publisher, Package: pkg, Revision: excludeRevision})
	for _, m := range matches {
		if m != excluded {
			return m, true
		}
	}
	return "", false
}
