package handlers

import (
	"github.com/chefpack/chefd/pkg/collaborator"
	"github.com/chefpack/chefd/pkg/txn"
)

const keyManifest = "manifest"

// Load reads the package manifest from the mounted image, populating
// scratch with the services and exported commands downstream handlers
// need.
func Load(ctx *txn.Context) txn.Event {
	if ctx.Cancel != nil && ctx.Cancel() {
		return txn.EventCancel
	}
	mountpoint := ctx.GetString(keyMountpoint)
	if mountpoint == "" {
		mountpoint = MountpointPath(ctx.RootDir, ctx.Record.Ref)
		ctx.Set(keyMountpoint, mountpoint)
	}

	manifest, err := ctx.ContainerBackend.ReadManifest(mountpoint)
	if err != nil {
		ctx.Logger.Log("error", "load: reading manifest: %v", err)
		return txn.EventFailed
	}
	ctx.Set(keyManifest, manifest)
	return txn.EventOK
}

func manifestFromScratch(ctx *txn.Context) *collaborator.Manifest {
	v, ok := ctx.Get(keyManifest)
	if !ok {
		return nil
	}
	m, _ := v.(*collaborator.Manifest)
	return m
}
