package handlers

import (
	"os"
	"path/filepath"

	"github.com/chefpack/chefd/pkg/txn"
)

// WrapperPath returns the deterministic location for a command
// wrapper: <root>/usr/local/bin/<command-name>.
func WrapperPath(root, commandName string) string {
	return filepath.Join(root, "usr", "local", "bin", commandName)
}

// GenerateWrappers creates command-launcher wrapper files at a
// deterministic location for each exported command. Idempotent:
// overwrites existing wrappers atomically.
func GenerateWrappers(ctx *txn.Context) txn.Event {
	if ctx.Cancel != nil && ctx.Cancel() {
		return txn.EventCancel
	}
	mountpoint := ctx.GetString(keyMountpoint)
	if mountpoint == "" {
		mountpoint = MountpointPath(ctx.RootDir, ctx.Record.Ref)
	}
	manifest := manifestFromScratch(ctx)
	if manifest == nil {
		m, err := ctx.ContainerBackend.ReadManifest(mountpoint)
		if err != nil {
			ctx.Logger.Log("error", "generate-wrappers: reading manifest: %v", err)
			return txn.EventFailed
		}
		manifest = m
		ctx.Set(keyManifest, manifest)
	}

	for _, cmd := range manifest.Commands {
		path := WrapperPath(ctx.RootDir, cmd.Name)
		if err := writeWrapperAtomic(path, mountpoint, cmd.TargetPath); err != nil {
			ctx.Logger.Log("error", "generate-wrappers: %s: %v", cmd.Name, err)
			return txn.EventFailed
		}
	}
	return txn.EventOK
}

// RemoveWrappers deletes the command wrappers this package previously
// generated.
func RemoveWrappers(ctx *txn.Context) txn.Event {
	if ctx.Cancel != nil && ctx.Cancel() {
		return txn.EventCancel
	}
	manifest := manifestFromScratch(ctx)
	if manifest == nil {
		// The pack is still mounted at this point in both teardown
		// sequences, so the manifest can be read back from the image.
		mountpoint := MountpointPath(ctx.RootDir, ctx.Record.Ref)
		if m, err := ctx.ContainerBackend.ReadManifest(mountpoint); err == nil {
			manifest = m
			ctx.Set(keyManifest, manifest)
		} else {
			ctx.Logger.Log("warning", "remove-wrappers: reading manifest: %v; nothing to remove", err)
		}
	}
	if manifest != nil {
		for _, cmd := range manifest.Commands {
			path := WrapperPath(ctx.RootDir, cmd.Name)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				ctx.Logger.Log("error", "remove-wrappers: %s: %v", cmd.Name, err)
				return txn.EventFailed
			}
		}
	}
	ctx.Set(keyTeardownStep, "remove-wrappers")
	return txn.EventOK
}

func writeWrapperAtomic(path, mountpoint, targetPath string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	script := "#!/bin/sh\nexec " + filepath.Join(mountpoint, targetPath) + " \"$@\"\n"
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(script), 0755); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
