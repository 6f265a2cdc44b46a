package handlers

import (
	"github.com/chefpack/chefd/pkg/collaborator"
	"github.com/chefpack/chefd/pkg/txn"
)

const keyStartedServices = "started_services"

// StartServices requests the container backend to start each service
// declared by the package. Partial success (some services started,
// one failed) is rolled back: already-started services are stopped
// before emitting FAILED.
func StartServices(ctx *txn.Context) txn.Event {
	if ctx.Cancel != nil && ctx.Cancel() {
		return txn.EventCancel
	}
	ref := ctx.Record.Ref
	manifest := manifestFromScratch(ctx)
	if manifest == nil {
		ctx.Logger.Log("error", "start-services: no manifest loaded")
		return txn.EventFailed
	}

	var started []collaborator.ServiceEntry
	for _, svc := range manifest.Services {
		if err := ctx.ContainerBackend.StartService(ref.Publisher, ref.Package, svc); err != nil {
			ctx.Logger.Log("error", "start-services: %s failed: %v; rolling back %d started service(s)", svc.Name, err, len(started))
			for _, rollback := range started {
				if stopErr := ctx.ContainerBackend.StopService(ref.Publisher, ref.Package, rollback); stopErr != nil {
					ctx.Logger.Log("error", "start-services: rollback stop of %s failed: %v", rollback.Name, stopErr)
				}
			}
			return txn.EventFailed
		}
		started = append(started, svc)
	}
	ctx.Set(keyStartedServices, started)
	return txn.EventOK
}

// StopServices stops every running service for this package ahead of
// unload/unmount during teardown. Part of the irreversible sequence:
// cancellation is never honored here (no CANCEL transition in the
// catalog for this state).
func StopServices(ctx *txn.Context) txn.Event {
	ref := ctx.Record.Ref
	var services []collaborator.ServiceEntry
	if manifest := manifestFromScratch(ctx); manifest != nil {
		services = manifest.Services
	} else {
		for _, name := range ctx.ContainerBackend.RunningServices(ref.Publisher, ref.Package) {
			services = append(services, collaborator.ServiceEntry{Name: name})
		}
	}

	for _, svc := range services {
		if err := ctx.ContainerBackend.StopService(ref.Publisher, ref.Package, svc); err != nil {
			ctx.Logger.Log("error", "stop-services: %s failed: %v", svc.Name, err)
			return txn.EventFailed
		}
	}
	ctx.Set(keyTeardownStep, "stop-services")
	return txn.EventOK
}
