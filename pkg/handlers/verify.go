package handlers

import (
	"context"

	"github.com/chefpack/chefd/pkg/txn"
)

const (
	keyPublisherProof = "publisher_proof"
	keyPackageProof   = "package_proof"
)

// Verify consults the proof verifier with the downloaded artifact, the
// publisher proof and the package proof. This is the trust boundary;
// no subsequent state is permitted to run if verification does not
// succeed.
func Verify(ctx *txn.Context) txn.Event {
	ref := ctx.Record.Ref
	if err := ensureArtifact(ctx); err != nil {
		ctx.Logger.Log("error", "verify: re-resolving artifact: %v", err)
		return txn.EventFailed
	}
	localPath := ctx.GetString(keyLocalPath)
	contentHash := ctx.GetString(keyContentHash)

	pubProof, pkgProof, err := ctx.PackageStore.EnsureProof(context.Background(), ref.Publisher, ref.Package, ref.Revision)
	if err != nil {
		ctx.Logger.Log("error", "verify: fetching proofs: %v", err)
		return txn.EventFailed
	}

	ok, err := ctx.ProofVerifier.Verify(localPath, contentHash, pubProof, pkgProof)
	if err != nil {
		ctx.Logger.Log("error", "verify: %v", err)
		return txn.EventFailed
	}
	if !ok {
		ctx.Logger.Log("error", "verify: signature chain rejected for %s", ref)
		return txn.EventFailed
	}

	ctx.Set(keyPublisherProof, pubProof)
	ctx.Set(keyPackageProof, pkgProof)
	return txn.EventOK
}
