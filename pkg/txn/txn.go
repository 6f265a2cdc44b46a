// Package txn holds the transaction data model: the durable record that
// drives one pack through its state-machine lifecycle, its progress and
// log fields, and the wait-condition tagged variant described in the
// engine's design.
package txn

import "time"

// Type identifies the family of transaction, which determines which
// catalog.StateSet drives it.
type Type string

const (
	TypeEphemeral Type = "ephemeral"
	TypeInstall   Type = "install"
	TypeUninstall Type = "uninstall"
	TypeUpdate    Type = "update"
	TypeRollback  Type = "rollback"
	TypeConfigure Type = "configure"
)

// State is the small integer state tag from the engine's stable
// enumeration. Values match the wire-level tags so the journal format
// never needs translation.
type State int

const (
	StatePrecheck          State = 0
	StatePrecheckWait       State = 1
	StateDownload           State = 2
	StateDownloadRetry      State = 3
	StateVerify             State = 4
	StateDependencies       State = 5
	StateDependenciesWait   State = 6
	StateInstall            State = 7
	StateMount              State = 8
	StateLoad               State = 9
	StateStartServices      State = 10
	StateGenerateWrappers   State = 11
	StateRemoveWrappers     State = 12
	StateStopServices       State = 13
	StateUnload             State = 14
	StateUnmount            State = 15
	StateUninstall          State = 16
	StateUpdate             State = 17

	StateCompleted State = 1000
	StateError     State = 1001
	StateCancelled State = 1002
)

// Irreversible reports whether s is part of the irreversible teardown
// sequence (stop-services through uninstall, and update's swap) where
// cancellation is downgraded rather than honored.
func (s State) Irreversible() bool {
	switch s {
	case StateStopServices, StateUnload, StateUnmount, StateUninstall, StateUpdate:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is one of the three terminal states.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateError, StateCancelled:
		return true
	default:
		return false
	}
}

// String renders a state tag for logs and journal debugging.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

var stateNames = map[State]string{
	StatePrecheck:         "precheck",
	StatePrecheckWait:     "precheck-wait",
	StateDownload:         "download",
	StateDownloadRetry:    "download-retry",
	StateVerify:           "verify",
	StateDependencies:     "dependencies",
	StateDependenciesWait: "dependencies-wait",
	StateInstall:          "install",
	StateMount:            "mount",
	StateLoad:             "load",
	StateStartServices:    "start-services",
	StateGenerateWrappers: "generate-wrappers",
	StateRemoveWrappers:   "remove-wrappers",
	StateStopServices:     "stop-services",
	StateUnload:           "unload",
	StateUnmount:          "unmount",
	StateUninstall:        "uninstall",
	StateUpdate:           "update",
	StateCompleted:        "completed",
	StateError:            "error",
	StateCancelled:        "cancelled",
}

// Event is the small fixed set of tags an action emits.
type Event int

const (
	EventOK     Event = 0
	EventWait   Event = 1
	EventRetry  Event = 2
	EventFailed Event = 3
	EventCancel Event = 4
)

func (e Event) String() string {
	switch e {
	case EventOK:
		return "OK"
	case EventWait:
		return "WAIT"
	case EventRetry:
		return "RETRY"
	case EventFailed:
		return "FAILED"
	case EventCancel:
		return "CANCEL"
	default:
		return "UNKNOWN"
	}
}

// WaitKind distinguishes what a waiting state is parked on.
type WaitKind string

const (
	// WaitNone is the zero value: the transaction is not parked on
	// any external condition.
	WaitNone     WaitKind = ""
	WaitOnTxn    WaitKind = "on-transaction"
	WaitOnReboot WaitKind = "on-reboot"
)

// Wait is the tagged variant recorded on a transaction while it sits in
// a waiting state.
type Wait struct {
	Kind WaitKind `json:"kind"`

	// OnTransactionID is set when Kind == WaitOnTxn.
	OnTransactionID uint64 `json:"on_transaction_id,omitempty"`

	// BootCookie holds a boot-generation cookie for a WaitOnReboot wait.
	// Nothing sets or reads it: restoration detects a reboot by comparing
	// <root>/run/chef/boot-id with its persisted copy.
	BootCookie string `json:"boot_cookie,omitempty"`
}

// Progress tracks byte-oriented work for a transaction.
type Progress struct {
	BytesCurrent           int64 `json:"bytes_current"`
	BytesTotal             int64 `json:"bytes_total"`
	LastReportedPercentage int   `json:"last_reported_percentage"`
}

// Percentage computes the current integer percentage, or -1 if
// BytesTotal is not yet known.
func (p Progress) Percentage() int {
	if p.BytesTotal <= 0 {
		return -1
	}
	pct := int(p.BytesCurrent * 100 / p.BytesTotal)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Level is a log entry severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warning"
	LevelError Level = "error"
)

// MaxLogMessageBytes bounds a single log entry's message length.
const MaxLogMessageBytes = 512

// LogEntry is one immutable, timestamped, state-tagged log line.
type LogEntry struct {
	Level     Level     `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	State     State     `json:"state"`
	Message   string    `json:"message"`
}

// PackRef identifies the pack a transaction operates on.
type PackRef struct {
	Publisher string `json:"publisher"`
	Package   string `json:"package"`
	Revision  string `json:"revision,omitempty"`
}

// Tuple returns the (publisher, package) conflict-exclusion key.
func (r PackRef) Tuple() string {
	return r.Publisher + "/" + r.Package
}

func (r PackRef) String() string {
	if r.Revision != "" {
		return r.Tuple() + "@" + r.Revision
	}
	return r.Tuple()
}

// Record is the durable form of a Transaction: every field the journal
// persists except the live, rebuilt-on-restore Context.
type Record struct {
	ID          uint64    `json:"id"`
	Type        Type      `json:"type"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Ref         PackRef   `json:"ref"`
	State       State     `json:"state"`
	Wait        Wait      `json:"wait"`
	Progress    Progress  `json:"progress"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Logs        []LogEntry `json:"logs"`

	// RetryCount tracks bounded-retry telemetry: the download-retry
	// attempt count; exposed for scenario 2's retry-count assertion.
	RetryCount int `json:"retry_count"`

	// FailureReason carries a distinct, human reason for FAILED/error
	// transitions (e.g. "child transaction errored" vs "child transaction
	// cancelled").
	FailureReason string `json:"failure_reason,omitempty"`
}

// Live reports whether the record's state is non-terminal.
func (r *Record) Live() bool { return !r.State.Terminal() }
