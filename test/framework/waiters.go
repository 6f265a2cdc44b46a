package framework

import (
	"time"

	"github.com/chefpack/chefd/pkg/txn"
)

// WaitTerminal waits until a terminal event is observed for the
// transaction, then returns its final record. Watching the event
// stream rather than polling Status keeps the read strictly after the
// driver's last write.
func (h *Harness) WaitTerminal(id uint64, timeout time.Duration) *txn.Record {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, s := range h.StateSequence(id) {
			if s.Terminal() {
				rec, err := h.Scheduler.Status(id)
				if err != nil {
					h.T.Fatalf("transaction %d terminal but unreadable: %v", id, err)
				}
				return rec
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.T.Fatalf("transaction %d did not reach a terminal state within %s (observed: %v)", id, timeout, h.StateSequence(id))
	return nil
}

// WaitState polls until the transaction is observed in state, failing
// the test on timeout.
func (h *Harness) WaitState(id uint64, state txn.State, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, s := range h.StateSequence(id) {
			if s == state {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.T.Fatalf("transaction %d never entered state %s within %s (observed: %v)", id, state, timeout, h.StateSequence(id))
}
