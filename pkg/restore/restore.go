// Package restore rebuilds the live transaction set from the journal
// on daemon start: every non-terminal record is re-adopted by the
// scheduler at its journaled state, terminal records within the grace
// period are retained read-only, waits are resolved against the
// current world (has the waited-on transaction completed? has the
// host rebooted?), and a synthetic mount-all transaction is inserted
// when the host mount table no longer holds the packs the journal
// says are installed.
package restore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chefpack/chefd/pkg/clock"
	"github.com/chefpack/chefd/pkg/collaborator"
	"github.com/chefpack/chefd/pkg/handlers"
	"github.com/chefpack/chefd/pkg/journal"
	"github.com/chefpack/chefd/pkg/log"
	"github.com/chefpack/chefd/pkg/scheduler"
	"github.com/chefpack/chefd/pkg/txn"
)

// lastBootFile is the persistent copy of the boot cookie, compared
// against the per-boot one under <root>/run/chef.
const lastBootFile = "boot-id.last"

// Restorer runs the startup restoration protocol.
type Restorer struct {
	RootDir string
	DataDir string

	// GracePeriod bounds how long terminal records stay readable.
	GracePeriod time.Duration

	Journal   *journal.Journal
	Scheduler *scheduler.Scheduler
	Mounter   collaborator.ImageMounter
	Clock     clock.Clock

	logger zerolog.Logger
}

// Summary reports what restoration found and did.
type Summary struct {
	Resumed       int
	Retained      int
	Discarded     int
	RebootDetected bool
	MountAllID    uint64
}

// Run executes the restoration protocol. It must complete before the
// scheduler starts accepting new operations.
func (r *Restorer) Run() (*Summary, error) {
	r.logger = log.WithComponent("restore")

	rebooted, err := r.detectReboot()
	if err != nil {
		return nil, err
	}

	records, err := r.Journal.List()
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}

	summary := &Summary{RebootDetected: rebooted}
	now := r.Clock.Now()

	var live []*txn.Record
	for _, rec := range records {
		switch {
		case rec.Live():
			if rec.Type == txn.TypeEphemeral {
				// Synthetic transactions (mount-all) are re-created
				// from scratch each boot, never resumed.
				summary.Discarded++
				if err := r.Journal.Delete(rec.ID); err != nil {
					r.logger.Error().Err(err).Uint64("transaction_id", rec.ID).Msg("Failed to drop stale ephemeral record")
				}
				continue
			}
			live = append(live, rec)
		case rec.CompletedAt.IsZero() || now.Sub(rec.CompletedAt) <= r.GracePeriod:
			r.Scheduler.AdoptTerminal(rec)
			summary.Retained++
		default:
			summary.Discarded++
			if err := r.Journal.Delete(rec.ID); err != nil {
				r.logger.Error().Err(err).Uint64("transaction_id", rec.ID).Msg("Failed to drop expired terminal record")
			}
		}
	}

	// Mount-all runs ahead of resumed transactions so states that read
	// from a mounted image find it online (e.g. an update resumed past
	// its swap).
	if manifest := r.missingMounts(records); len(manifest) > 0 {
		id, err := r.Scheduler.SubmitMountAll(manifest)
		if err != nil {
			return nil, fmt.Errorf("inserting mount-all transaction: %w", err)
		}
		summary.MountAllID = id
	}

	terminalStates := make(map[uint64]txn.State)
	for _, rec := range records {
		if !rec.Live() {
			terminalStates[rec.ID] = rec.State
		}
	}

	for _, rec := range live {
		if err := r.Scheduler.Adopt(rec); err != nil {
			r.logger.Error().Err(err).Uint64("transaction_id", rec.ID).Str("type", string(rec.Type)).Msg("Failed to resume transaction")
			continue
		}
		summary.Resumed++

		if rec.Wait.Kind == txn.WaitOnTxn {
			if state, done := terminalStates[rec.Wait.OnTransactionID]; done {
				r.Scheduler.NotifyChildCompleted(rec.Wait.OnTransactionID, state)
			}
		}
	}

	if rebooted {
		r.Scheduler.NotifyRebootDetected()
	}

	r.logger.Info().
		Int("resumed", summary.Resumed).
		Int("retained", summary.Retained).
		Int("discarded", summary.Discarded).
		Bool("reboot_detected", rebooted).
		Msg("Restoration complete")
	return summary, nil
}

// detectReboot compares the persisted boot cookie with the per-boot
// one under <root>/run/chef/boot-id, minting a fresh cookie when the
// run directory (cleared on boot) holds none.
func (r *Restorer) detectReboot() (bool, error) {
	runPath := filepath.Join(r.RootDir, "run", "chef", "boot-id")

	current, err := os.ReadFile(runPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return false, fmt.Errorf("reading boot cookie: %w", err)
		}
		current = []byte(uuid.NewString())
		if err := os.MkdirAll(filepath.Dir(runPath), 0755); err != nil {
			return false, fmt.Errorf("creating run directory: %w", err)
		}
		if err := os.WriteFile(runPath, current, 0644); err != nil {
			return false, fmt.Errorf("writing boot cookie: %w", err)
		}
	}

	lastPath := filepath.Join(r.DataDir, lastBootFile)
	last, err := os.ReadFile(lastPath)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("reading persisted boot cookie: %w", err)
	}

	if err := os.WriteFile(lastPath, current, 0644); err != nil {
		return false, fmt.Errorf("persisting boot cookie: %w", err)
	}

	// First boot establishes the cookie without signaling a reboot.
	return len(last) > 0 && string(last) != string(current), nil
}

// missingMounts walks the journal's pack references and returns a
// manifest entry for every installed pack file that is no longer
// present in the mount table.
func (r *Restorer) missingMounts(records []*txn.Record) []collaborator.MountAllEntry {
	var manifest []collaborator.MountAllEntry
	seen := make(map[string]bool)
	for _, rec := range records {
		ref := rec.Ref
		if ref.Publisher == "" || ref.Revision == "" || seen[ref.Tuple()] {
			continue
		}
		seen[ref.Tuple()] = true

		path := handlers.PackPath(r.RootDir, ref)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if r.Mounter.IsMounted(ref.Publisher, ref.Package) {
			continue
		}
		// An uninstall that already tore its mount down is not an
		// inconsistency; only packs whose lifecycle expects a mount
		// qualify.
		if rec.Type == txn.TypeUninstall && !rec.Live() {
			continue
		}
		manifest = append(manifest, collaborator.MountAllEntry{
			Publisher: ref.Publisher,
			Package:   ref.Package,
			LocalPath: path,
		})
	}
	if len(manifest) > 0 {
		names := make([]string, len(manifest))
		for i, m := range manifest {
			names[i] = m.Publisher + "/" + m.Package
		}
		r.logger.Warn().Str("packs", strings.Join(names, ",")).Msg("Mount table missing installed packs; scheduling mount-all")
	}
	return manifest
}
