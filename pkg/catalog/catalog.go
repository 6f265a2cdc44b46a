// Package catalog assembles the three built-in state sets (install,
// uninstall, update) from the shared pool of state descriptors backed
// by pkg/handlers actions. Install's and update's dependencies
// descriptors are built independently, each routing a satisfied
// dependency check to its own next state, so the two lifecycles never
// share a mutable state set.
package catalog

import (
	"github.com/chefpack/chefd/pkg/handlers"
	"github.com/chefpack/chefd/pkg/statemachine"
	"github.com/chefpack/chefd/pkg/txn"
)

func precheck() statemachine.StateDescriptor {
	return statemachine.StateDescriptor{
		State:  txn.StatePrecheck,
		Action: handlers.Precheck,
		Transitions: []statemachine.Transition{
			{Event: txn.EventOK, Target: txn.StateDownload},
			{Event: txn.EventFailed, Target: txn.StateError},
			{Event: txn.EventCancel, Target: txn.StateCancelled},
		},
	}
}

func download() statemachine.StateDescriptor {
	return statemachine.StateDescriptor{
		State:  txn.StateDownload,
		Action: handlers.Download,
		Transitions: []statemachine.Transition{
			{Event: txn.EventOK, Target: txn.StateVerify},
			{Event: txn.EventWait, Target: txn.StateDownload},
			{Event: txn.EventRetry, Target: txn.StateDownloadRetry},
			{Event: txn.EventFailed, Target: txn.StateError},
			{Event: txn.EventCancel, Target: txn.StateCancelled},
		},
	}
}

func downloadRetry() statemachine.StateDescriptor {
	return statemachine.StateDescriptor{
		State:  txn.StateDownloadRetry,
		Action: handlers.DownloadRetry,
		Transitions: []statemachine.Transition{
			{Event: txn.EventOK, Target: txn.StateDownload},
			{Event: txn.EventFailed, Target: txn.StateError},
			{Event: txn.EventCancel, Target: txn.StateCancelled},
		},
	}
}

func verify() statemachine.StateDescriptor {
	return statemachine.StateDescriptor{
		State:  txn.StateVerify,
		Action: handlers.Verify,
		Transitions: []statemachine.Transition{
			{Event: txn.EventOK, Target: txn.StateDependencies},
			{Event: txn.EventFailed, Target: txn.StateError},
			{Event: txn.EventCancel, Target: txn.StateCancelled},
		},
	}
}

// dependencies builds the dependencies/dependencies-wait descriptor
// pair, routing a successful resolution to okTarget. install passes
// StateInstall; update passes StateRemoveWrappers.
func dependencies(okTarget txn.State) []statemachine.StateDescriptor {
	return []statemachine.StateDescriptor{
		{
			State:  txn.StateDependencies,
			Action: handlers.Dependencies,
			Transitions: []statemachine.Transition{
				{Event: txn.EventOK, Target: okTarget},
				{Event: txn.EventWait, Target: txn.StateDependenciesWait},
				{Event: txn.EventFailed, Target: txn.StateError},
				{Event: txn.EventCancel, Target: txn.StateCancelled},
			},
		},
		{
			// A satisfied wait re-enters dependencies so any further
			// outstanding dependency is discovered and walked in turn.
			State:  txn.StateDependenciesWait,
			Action: handlers.DependenciesWait,
			Transitions: []statemachine.Transition{
				{Event: txn.EventOK, Target: txn.StateDependencies},
				{Event: txn.EventWait, Target: txn.StateDependenciesWait},
				{Event: txn.EventFailed, Target: txn.StateError},
				{Event: txn.EventCancel, Target: txn.StateCancelled},
			},
		},
	}
}

func install() statemachine.StateDescriptor {
	return statemachine.StateDescriptor{
		State:  txn.StateInstall,
		Action: handlers.Install,
		Transitions: []statemachine.Transition{
			{Event: txn.EventOK, Target: txn.StateMount},
			{Event: txn.EventFailed, Target: txn.StateError},
			{Event: txn.EventCancel, Target: txn.StateCancelled},
		},
	}
}

func mount() statemachine.StateDescriptor {
	return statemachine.StateDescriptor{
		State:  txn.StateMount,
		Action: handlers.Mount,
		Transitions: []statemachine.Transition{
			{Event: txn.EventOK, Target: txn.StateLoad},
			{Event: txn.EventFailed, Target: txn.StateError},
			{Event: txn.EventCancel, Target: txn.StateCancelled},
		},
	}
}

func load() statemachine.StateDescriptor {
	return statemachine.StateDescriptor{
		State:  txn.StateLoad,
		Action: handlers.Load,
		Transitions: []statemachine.Transition{
			{Event: txn.EventOK, Target: txn.StateStartServices},
			{Event: txn.EventFailed, Target: txn.StateError},
			{Event: txn.EventCancel, Target: txn.StateCancelled},
		},
	}
}

func startServices() statemachine.StateDescriptor {
	return statemachine.StateDescriptor{
		State:  txn.StateStartServices,
		Action: handlers.StartServices,
		Transitions: []statemachine.Transition{
			{Event: txn.EventOK, Target: txn.StateGenerateWrappers},
			{Event: txn.EventFailed, Target: txn.StateError},
			{Event: txn.EventCancel, Target: txn.StateCancelled},
		},
	}
}

func generateWrappers() statemachine.StateDescriptor {
	return statemachine.StateDescriptor{
		State:  txn.StateGenerateWrappers,
		Action: handlers.GenerateWrappers,
		Transitions: []statemachine.Transition{
			{Event: txn.EventOK, Target: txn.StateCompleted},
			{Event: txn.EventFailed, Target: txn.StateError},
			{Event: txn.EventCancel, Target: txn.StateCancelled},
		},
	}
}

// removeWrappers routes its OK to target: stop-services in both the
// uninstall and update sequences (the step immediately follows it in
// both).
func removeWrappers() statemachine.StateDescriptor {
	return statemachine.StateDescriptor{
		State:  txn.StateRemoveWrappers,
		Action: handlers.RemoveWrappers,
		Transitions: []statemachine.Transition{
			{Event: txn.EventOK, Target: txn.StateStopServices},
			{Event: txn.EventFailed, Target: txn.StateError},
			{Event: txn.EventCancel, Target: txn.StateCancelled},
		},
	}
}

// stopServices, unload, unmount are part of the irreversible teardown
// sequence: no CANCEL transition is listed. The scheduler never posts
// CANCEL into an irreversible state (txn.State.Irreversible); a
// cancellation requested here is accepted but not recorded, and the
// transaction runs forward to completed or error.
func stopServices() statemachine.StateDescriptor {
	return statemachine.StateDescriptor{
		State:  txn.StateStopServices,
		Action: handlers.StopServices,
		Transitions: []statemachine.Transition{
			{Event: txn.EventOK, Target: txn.StateUnload},
			{Event: txn.EventFailed, Target: txn.StateError},
		},
	}
}

func unload() statemachine.StateDescriptor {
	return statemachine.StateDescriptor{
		State:  txn.StateUnload,
		Action: handlers.Unload,
		Transitions: []statemachine.Transition{
			{Event: txn.EventOK, Target: txn.StateUnmount},
			{Event: txn.EventFailed, Target: txn.StateError},
		},
	}
}

// unmount routes OK to target: uninstall (uninstall flow) or update
// (update flow).
func unmount(okTarget txn.State) statemachine.StateDescriptor {
	return statemachine.StateDescriptor{
		State:  txn.StateUnmount,
		Action: handlers.Unmount,
		Transitions: []statemachine.Transition{
			{Event: txn.EventOK, Target: okTarget},
			{Event: txn.EventFailed, Target: txn.StateError},
		},
	}
}

func uninstall() statemachine.StateDescriptor {
	return statemachine.StateDescriptor{
		State:  txn.StateUninstall,
		Action: handlers.Uninstall,
		Transitions: []statemachine.Transition{
			{Event: txn.EventOK, Target: txn.StateCompleted},
			{Event: txn.EventFailed, Target: txn.StateError},
		},
	}
}

func update() statemachine.StateDescriptor {
	return statemachine.StateDescriptor{
		State:  txn.StateUpdate,
		Action: handlers.Update,
		Transitions: []statemachine.Transition{
			{Event: txn.EventOK, Target: txn.StateMount},
			{Event: txn.EventFailed, Target: txn.StateError},
		},
	}
}

// Install returns the state set driving an install transaction:
// precheck → download → verify → dependencies → install → mount →
// load → start-services → generate-wrappers → completed.
func Install() *statemachine.StateSet {
	descs := []statemachine.StateDescriptor{precheck(), download(), downloadRetry(), verify()}
	descs = append(descs, dependencies(txn.StateInstall)...)
	descs = append(descs, install(), mount(), load(), startServices(), generateWrappers())
	return statemachine.NewStateSet("install", descs...)
}

// Uninstall returns the state set driving an uninstall transaction:
// remove-wrappers → stop-services → unload → unmount → uninstall →
// completed.
func Uninstall() *statemachine.StateSet {
	return statemachine.NewStateSet("uninstall",
		removeWrappers(),
		stopServices(),
		unload(),
		unmount(txn.StateUninstall),
		uninstall(),
	)
}

// Update returns the state set driving an update transaction:
// precheck → download → verify → dependencies → remove-wrappers →
// stop-services → unload → unmount → update → mount → load →
// start-services → generate-wrappers → completed.
func Update() *statemachine.StateSet {
	descs := []statemachine.StateDescriptor{precheck(), download(), downloadRetry(), verify()}
	descs = append(descs, dependencies(txn.StateRemoveWrappers)...)
	descs = append(descs,
		removeWrappers(),
		stopServices(),
		unload(),
		unmount(txn.StateUpdate),
		update(),
		mount(),
		load(),
		startServices(),
		generateWrappers(),
	)
	return statemachine.NewStateSet("update", descs...)
}

// MountAll returns the single-step state set driving the synthetic
// restoration transaction that re-mounts every installed pack after a
// reboot lost the host mount table.
func MountAll() *statemachine.StateSet {
	return statemachine.NewStateSet("mount-all",
		statemachine.StateDescriptor{
			State:  txn.StateMount,
			Action: handlers.MountAll,
			Transitions: []statemachine.Transition{
				{Event: txn.EventOK, Target: txn.StateCompleted},
				{Event: txn.EventFailed, Target: txn.StateError},
			},
		},
	)
}

// ForType returns the state set for a transaction type, or nil if the
// type has no built-in state set (e.g. ephemeral, rollback, configure
// are not driven by one of the three built-in sets).
func ForType(t txn.Type) *statemachine.StateSet {
	switch t {
	case txn.TypeInstall:
		return Install()
	case txn.TypeUninstall:
		return Uninstall()
	case txn.TypeUpdate:
		return Update()
	default:
		return nil
	}
}
