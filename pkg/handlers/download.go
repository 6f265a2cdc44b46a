package handlers

import (
	"context"
	"time"

	"github.com/chefpack/chefd/pkg/collaborator"
	"github.com/chefpack/chefd/pkg/txn"
)

const (
	keyLocalPath        = "local_path"
	keyContentHash      = "content_hash"
	keyDownloadAttempts = "download_attempts"
)

// defaultMaxDownloadRetries bounds the download-retry cycle when the
// context carries no configured cap.
const defaultMaxDownloadRetries = 5

// Sleep is the backoff sleeper, a package variable so tests can stub
// the download-retry delay instead of waiting it out.
var Sleep = time.Sleep

// Download requests the package store to produce a local,
// content-addressed file for the resolved pack.
func Download(ctx *txn.Context) txn.Event {
	if ctx.Cancel != nil && ctx.Cancel() {
		return txn.EventCancel
	}
	ref := ctx.Record.Ref
	ctx.Logger.Log("info", "download: resolving %s", ref)

	if ctx.PackageStore.InProgress(ref.Publisher, ref.Package, ref.Revision) {
		return txn.EventWait
	}

	res, err := ctx.PackageStore.Resolve(context.Background(), ref.Publisher, ref.Package, ref.Revision)
	if err != nil {
		if collaborator.IsTransient(err) {
			ctx.Logger.Log("warning", "download: transient error: %v", err)
			return txn.EventRetry
		}
		ctx.Logger.Log("error", "download: permanent error: %v", err)
		return txn.EventFailed
	}

	ctx.Set(keyLocalPath, res.LocalPath)
	ctx.Set(keyContentHash, res.ContentHash)
	if ctx.Progress != nil {
		ctx.Progress.Report(res.SizeBytes, res.SizeBytes)
	}
	return txn.EventOK
}

// DownloadRetry delays a bounded exponential backoff (min 1s, max
// ~60s) before re-entering download; after the retry cap it fails the
// transaction.
func DownloadRetry(ctx *txn.Context) txn.Event {
	n, _ := ctx.Get(keyDownloadAttempts)
	attempts, _ := n.(int)
	attempts++
	ctx.Set(keyDownloadAttempts, attempts)
	ctx.Record.RetryCount = attempts

	limit := ctx.DownloadRetryCap
	if limit <= 0 {
		limit = defaultMaxDownloadRetries
	}
	if attempts > limit {
		ctx.Logger.Log("error", "download-retry: exceeded %d attempts", limit)
		return txn.EventFailed
	}

	backoff := backoffDuration(attempts)
	ctx.Logger.Log("warning", "download-retry: attempt %d, backing off %s", attempts, backoff)
	Sleep(backoff)
	return txn.EventOK
}

func backoffDuration(attempt int) time.Duration {
	d := time.Second * time.Duration(uint(1)<<uint(attempt-1))
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}
