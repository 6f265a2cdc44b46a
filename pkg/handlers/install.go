package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chefpack/chefd/pkg/txn"
)

const keyInstalledPath = "installed_path"

// ensureArtifact re-derives the downloaded artifact's local path and
// content hash when a restart has dropped the in-memory scratch state.
// Resolve is idempotent on an already-cached artifact, so re-entry after
// a crash lands on the same bytes the journaled download produced.
func ensureArtifact(ctx *txn.Context) error {
	if ctx.GetString(keyLocalPath) != "" {
		return nil
	}
	ref := ctx.Record.Ref
	res, err := ctx.PackageStore.Resolve(context.Background(), ref.Publisher, ref.Package, ref.Revision)
	if err != nil {
		return err
	}
	ctx.Set(keyLocalPath, res.LocalPath)
	ctx.Set(keyContentHash, res.ContentHash)
	return nil
}

// PackPath returns the deterministic on-disk path for an installed
// pack: <root>/var/chef/packs/<publisher>-<package>-<revision>.pack.
func PackPath(root string, ref txn.PackRef) string {
	return filepath.Join(root, "var", "chef", "packs", fmt.Sprintf("%s-%s-%s.pack", ref.Publisher, ref.Package, ref.Revision))
}

// DataPath returns a package revision's writable data directory:
// <root>/var/chef/data/<publisher>/<package>/<revision>.
func DataPath(root string, ref txn.PackRef) string {
	return filepath.Join(root, "var", "chef", "data", ref.Publisher, ref.Package, ref.Revision)
}

// Install writes the downloaded pack into the pack store at its
// deterministic path. Idempotent: if the target already exists with a
// content hash matching the downloaded artifact's, this is a no-op.
func Install(ctx *txn.Context) txn.Event {
	if ctx.Cancel != nil && ctx.Cancel() {
		return txn.EventCancel
	}
	ref := ctx.Record.Ref
	if err := ensureArtifact(ctx); err != nil {
		ctx.Logger.Log("error", "install: re-resolving artifact: %v", err)
		return txn.EventFailed
	}
	src := ctx.GetString(keyLocalPath)
	wantHash := ctx.GetString(keyContentHash)
	dst := PackPath(ctx.RootDir, ref)

	if err := os.MkdirAll(DataPath(ctx.RootDir, ref), 0755); err != nil {
		ctx.Logger.Log("error", "install: creating data directory: %v", err)
		return txn.EventFailed
	}

	if existing, err := hashFile(dst); err == nil {
		if existing == wantHash {
			ctx.Logger.Log("info", "install: %s already present with matching content", dst)
			ctx.Set(keyInstalledPath, dst)
			return txn.EventOK
		}
		ctx.Logger.Log("warning", "install: %s exists with stale content, rewriting", dst)
		if rmErr := os.Remove(dst); rmErr != nil {
			ctx.Logger.Log("error", "install: removing stale pack: %v", rmErr)
			return txn.EventFailed
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		ctx.Logger.Log("error", "install: creating pack store directory: %v", err)
		return txn.EventFailed
	}
	if err := copyFileAtomic(src, dst); err != nil {
		ctx.Logger.Log("error", "install: writing pack: %v", err)
		return txn.EventFailed
	}

	ctx.Set(keyInstalledPath, dst)
	ctx.Logger.Log("info", "install: wrote %s", dst)
	return txn.EventOK
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyFileAtomic copies src to a temp file beside dst, fsyncs it, then
// renames into place so a crash mid-copy never leaves a partially
// written file visible at dst.
func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
