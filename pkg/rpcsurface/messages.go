package rpcsurface

import (
	"encoding/json"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/chefpack/chefd/pkg/txn"
)

// Operation names carried in a DispatchRequest envelope.
const (
	OpInstall   = "install"
	OpUninstall = "uninstall"
	OpUpdate    = "update"
	OpCancel    = "cancel"
	OpStatus    = "status"
	OpList      = "list"
	OpLogs      = "logs"
)

// DispatchRequest is the envelope every unary operation travels in:
// an operation name plus its JSON payload.
type DispatchRequest struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DispatchResponse carries the operation's JSON result.
type DispatchResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// SubmitPayload is the payload for install, uninstall and update.
type SubmitPayload struct {
	Publisher   string `json:"publisher"`
	Package     string `json:"package"`
	Revision    string `json:"revision,omitempty"`
	Description string `json:"description,omitempty"`
}

// SubmitResult returns the id of the created transaction.
type SubmitResult struct {
	TransactionID uint64 `json:"transaction_id"`
}

// CancelPayload targets a transaction for cancellation.
type CancelPayload struct {
	TransactionID uint64 `json:"transaction_id"`
}

// CancelResult reports the cancellation outcome: ok, not-found or
// already-terminal.
type CancelResult struct {
	Outcome string `json:"outcome"`
}

// StatusPayload requests one transaction's status; LogsPayload its
// retained log entries.
type StatusPayload struct {
	TransactionID uint64 `json:"transaction_id"`
}

// LogsPayload requests a transaction's retained log entries.
type LogsPayload struct {
	TransactionID uint64 `json:"transaction_id"`
}

// WaitInfo mirrors a transaction's wait condition.
type WaitInfo struct {
	Kind            string `json:"kind"`
	OnTransactionID uint64 `json:"on_transaction_id,omitempty"`
}

// ProgressInfo mirrors a transaction's byte counters.
type ProgressInfo struct {
	BytesCurrent           int64 `json:"bytes_current"`
	BytesTotal             int64 `json:"bytes_total"`
	LastReportedPercentage int   `json:"last_reported_percentage"`
}

// TransactionSummary is the wire form of a transaction's durable
// fields.
type TransactionSummary struct {
	ID            uint64                 `json:"id"`
	Type          string                 `json:"type"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	Publisher     string                 `json:"publisher"`
	Package       string                 `json:"package"`
	Revision      string                 `json:"revision,omitempty"`
	State         string                 `json:"state"`
	StateTag      int                    `json:"state_tag"`
	Wait          *WaitInfo              `json:"wait,omitempty"`
	Progress      ProgressInfo           `json:"progress"`
	CreatedAt     *timestamppb.Timestamp `json:"created_at,omitempty"`
	CompletedAt   *timestamppb.Timestamp `json:"completed_at,omitempty"`
	RetryCount    int                    `json:"retry_count,omitempty"`
	FailureReason string                 `json:"failure_reason,omitempty"`
}

// StatusResult wraps one summary; ListResult every retained one.
type StatusResult struct {
	Transaction TransactionSummary `json:"transaction"`
}

// ListResult carries every retained transaction summary.
type ListResult struct {
	Transactions []TransactionSummary `json:"transactions"`
}

// LogEntry is the wire form of one per-transaction log line.
type LogEntry struct {
	Level     string                 `json:"level"`
	State     string                 `json:"state"`
	Message   string                 `json:"message"`
	Timestamp *timestamppb.Timestamp `json:"timestamp,omitempty"`
}

// LogsResult carries a transaction's retained log entries.
type LogsResult struct {
	Entries []LogEntry `json:"entries"`
}

// SubscribeRequest opens the event stream; a zero TransactionID
// subscribes to every transaction.
type SubscribeRequest struct {
	TransactionID uint64 `json:"transaction_id,omitempty"`
}

// StreamEvent is one streamed state-changed/progress/log-entry/
// terminal event.
type StreamEvent struct {
	Type          string                 `json:"type"`
	TransactionID uint64                 `json:"transaction_id"`
	State         string                 `json:"state"`
	StateTag      int                    `json:"state_tag"`
	Progress      ProgressInfo           `json:"progress"`
	Log           *LogEntry              `json:"log,omitempty"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	Timestamp     *timestamppb.Timestamp `json:"timestamp,omitempty"`
}

func summarize(rec *txn.Record) TransactionSummary {
	s := TransactionSummary{
		ID:          rec.ID,
		Type:        string(rec.Type),
		Name:        rec.Name,
		Description: rec.Description,
		Publisher:   rec.Ref.Publisher,
		Package:     rec.Ref.Package,
		Revision:    rec.Ref.Revision,
		State:       rec.State.String(),
		StateTag:    int(rec.State),
		Progress: ProgressInfo{
			BytesCurrent:           rec.Progress.BytesCurrent,
			BytesTotal:             rec.Progress.BytesTotal,
			LastReportedPercentage: rec.Progress.LastReportedPercentage,
		},
		RetryCount:    rec.RetryCount,
		FailureReason: rec.FailureReason,
	}
	if !rec.CreatedAt.IsZero() {
		s.CreatedAt = timestamppb.New(rec.CreatedAt)
	}
	if !rec.CompletedAt.IsZero() {
		s.CompletedAt = timestamppb.New(rec.CompletedAt)
	}
	if rec.Wait.Kind != txn.WaitNone {
		s.Wait = &WaitInfo{Kind: string(rec.Wait.Kind), OnTransactionID: rec.Wait.OnTransactionID}
	}
	return s
}

func toWireLog(e txn.LogEntry) LogEntry {
	return LogEntry{
		Level:     string(e.Level),
		State:     e.State.String(),
		Message:   e.Message,
		Timestamp: timestamppb.New(e.Timestamp),
	}
}
