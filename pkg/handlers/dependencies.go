package handlers

import "github.com/chefpack/chefd/pkg/txn"

const keyDependencyChildID = "dependency_child_id"

// Dependencies resolves the dependency set for this pack. For the
// first outstanding dependency it spawns a child install transaction
// and records a wait-on-transaction; once resolved (no dependencies
// remain, or all have been walked) it emits OK.
func Dependencies(ctx *txn.Context) txn.Event {
	if ctx.Cancel != nil && ctx.Cancel() {
		return txn.EventCancel
	}
	ref := ctx.Record.Ref

	deps, err := ctx.Dependencies.Dependencies(ref)
	if err != nil {
		ctx.Logger.Log("error", "dependencies: resolving %s: %v", ref, err)
		return txn.EventFailed
	}
	if len(deps) == 0 {
		return txn.EventOK
	}

	childID, err := ctx.Dependencies.SpawnInstall(deps[0], ctx.Record.ID)
	if err != nil {
		ctx.Logger.Log("error", "dependencies: spawning child install for %s: %v", deps[0], err)
		return txn.EventFailed
	}
	ctx.Set(keyDependencyChildID, childID)
	ctx.Record.Wait = txn.Wait{Kind: txn.WaitOnTxn, OnTransactionID: childID}
	ctx.Logger.Log("info", "dependencies: waiting on child transaction %d for %s", childID, deps[0])
	return txn.EventWait
}

// DependenciesWait is the action of the state a transaction parks in
// while a child dependency runs. The scheduler resolves the wait by
// posting OK/FAILED once it observes the child's terminal outcome
// (NotifyChildCompleted, which restoration also calls for children
// already terminal in the journal), bypassing this action; when the
// action does run, it derives the same outcome from the child's
// current recorded state.
func DependenciesWait(ctx *txn.Context) txn.Event {
	raw, ok := ctx.Get(keyDependencyChildID)
	childID, _ := raw.(uint64)
	if !ok {
		// No scratch entry (a context rebuilt on restore starts
		// empty), but the wait condition carries the child id.
		childID = ctx.Record.Wait.OnTransactionID
	}
	if childID == 0 {
		ctx.Logger.Log("error", "dependencies-wait: no child transaction recorded")
		return txn.EventFailed
	}

	state, terminal, found := ctx.Dependencies.ChildState(childID)
	if !found {
		ctx.Logger.Log("error", "dependencies-wait: child transaction %d not found", childID)
		return txn.EventFailed
	}
	if !terminal {
		return txn.EventWait
	}

	switch state {
	case txn.StateCompleted:
		ctx.Record.Wait = txn.Wait{}
		return txn.EventOK
	case txn.StateCancelled:
		ctx.Record.FailureReason = "child transaction cancelled"
		return txn.EventFailed
	default:
		ctx.Record.FailureReason = "child transaction errored"
		return txn.EventFailed
	}
}
