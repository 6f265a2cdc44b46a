// Package scheduler owns the set of live transactions and drives each
// one's state machine forward cooperatively on a single driver
// goroutine: a transaction makes progress until its action returns
// WAIT or it reaches a terminal state, then the next runnable
// transaction is serviced in FIFO order.
//
// The scheduler is the only mutator of transaction records. External
// events (cancellation, a child dependency completing, a reboot
// detected during restoration) reach a parked transaction by being
// posted to its engine under the scheduler's lock and re-enqueueing
// it, never by touching the record directly. A cancellation of a
// running transaction sets a flag its handlers check on entry, and a
// re-poll of a condition-less wait re-enqueues without posting.
//
// Journal-before-action: every state a transaction enters is durably
// recorded before that state's action runs, so a crash mid-action
// re-enters the same state on restart and the handlers' re-entry
// tolerance takes over.
//
// Admission control serializes transactions touching the same
// (publisher, package) tuple: at most one non-ephemeral transaction
// per tuple may be live; further submissions fail with ErrConflict.
package scheduler
