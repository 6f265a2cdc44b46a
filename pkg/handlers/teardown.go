package handlers

import (
	"os"

	"github.com/chefpack/chefd/pkg/txn"
)

const keyTeardownStep = "teardown_step"

// Unload, Unmount and Uninstall belong to the irreversible teardown
// sequence (txn.State.Irreversible): the catalog gives these states no
// CANCEL transition at all, so a cancellation requested during any of
// them is downgraded rather than honored. These handlers never check
// ctx.Cancel.

// Unload clears the in-memory application index entry for this
// package: the manifest Load placed in scratch. It also records the
// teardown step in scratch; scratch is not journaled, so a crash
// mid-sequence resumes from the journaled state, not from this marker.
func Unload(ctx *txn.Context) txn.Event {
	delete(ctx.Scratch, keyManifest)
	ctx.Set(keyTeardownStep, "unload")
	return txn.EventOK
}

// Unmount instructs the image mounter to unmount this package's image.
func Unmount(ctx *txn.Context) txn.Event {
	ref := ctx.Record.Ref
	if err := ctx.ImageMounter.Unmount(ref.Publisher, ref.Package); err != nil {
		ctx.Logger.Log("error", "unmount: %v", err)
		return txn.EventFailed
	}
	ctx.Set(keyTeardownStep, "unmount")
	return txn.EventOK
}

// Uninstall removes the installed pack file and the revision's data
// directory from the pack store.
func Uninstall(ctx *txn.Context) txn.Event {
	ref := ctx.Record.Ref
	path := PackPath(ctx.RootDir, ref)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		ctx.Logger.Log("error", "uninstall: removing %s: %v", path, err)
		return txn.EventFailed
	}
	if err := os.RemoveAll(DataPath(ctx.RootDir, ref)); err != nil {
		ctx.Logger.Log("error", "uninstall: removing data directory: %v", err)
		return txn.EventFailed
	}
	ctx.Set(keyTeardownStep, "uninstall")
	return txn.EventOK
}
