// Package handlers holds one action function per state tag the catalog
// assembles into the install, uninstall and update state sets. Every
// handler is a pure function of *txn.Context plus observable
// collaborator state: no handler keeps state of its own between
// invocations beyond what it reads and writes on ctx.Scratch.
package handlers

import "github.com/chefpack/chefd/pkg/txn"

// Precheck checks that the pack reference names both a publisher and a
// package. It does not check the installed revision or platform/arch
// support. Pure read; no side effects.
func Precheck(ctx *txn.Context) txn.Event {
	ref := ctx.Record.Ref
	ctx.Logger.Log("info", "precheck: validating %s", ref)

	if ctx.Cancel != nil && ctx.Cancel() {
		return txn.EventCancel
	}

	if ref.Publisher == "" || ref.Package == "" {
		ctx.Logger.Log("error", "precheck: missing publisher or package identity")
		return txn.EventFailed
	}
	return txn.EventOK
}
