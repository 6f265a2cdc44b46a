// Package statemachine implements the generic, table-driven engine every
// transaction type shares: given a StateSet, a current state, and an
// opaque context, it runs exactly one state's action, observes the event
// it emits, and transitions, repeating until a terminal or waiting
// state is reached.
package statemachine

import (
	"fmt"

	"github.com/chefpack/chefd/pkg/txn"
)

// Action is a function of context returning a tagged event. Actions must
// return in bounded time: long I/O is delegated off-driver and its
// result converted back into WAIT followed by a later PostEvent.
type Action func(ctx *txn.Context) txn.Event

// Transition pairs one emitted event with the state it routes to.
type Transition struct {
	Event  txn.Event
	Target txn.State
}

// StateDescriptor is one immutable state: its tag, its action, and its
// ordered transition list. Transitions are matched by event identity,
// first match wins.
type StateDescriptor struct {
	State       txn.State
	Action      Action
	Transitions []Transition
}

// next resolves the target state for an emitted event, or (0, false) if
// no transition matches.
func (d StateDescriptor) next(e txn.Event) (txn.State, bool) {
	for _, t := range d.Transitions {
		if t.Event == e {
			return t.Target, true
		}
	}
	return 0, false
}

// StateSet is the ordered collection of state descriptors that defines
// one transaction type's lifecycle. Every built-in set additionally
// contains the three terminal descriptors.
type StateSet struct {
	Name    string
	states  map[txn.State]StateDescriptor
	order   []txn.State
}

// NewStateSet builds a StateSet from descriptors, appending the three
// terminal no-op descriptors automatically.
func NewStateSet(name string, descriptors ...StateDescriptor) *StateSet {
	ss := &StateSet{Name: name, states: make(map[txn.State]StateDescriptor)}
	for _, d := range descriptors {
		ss.add(d)
	}
	for _, terminal := range []txn.State{txn.StateCompleted, txn.StateError, txn.StateCancelled} {
		if _, exists := ss.states[terminal]; !exists {
			ss.add(StateDescriptor{State: terminal})
		}
	}
	return ss
}

func (ss *StateSet) add(d StateDescriptor) {
	if _, exists := ss.states[d.State]; !exists {
		ss.order = append(ss.order, d.State)
	}
	ss.states[d.State] = d
}

// Has reports whether state s is present in the set.
func (ss *StateSet) Has(s txn.State) bool {
	_, ok := ss.states[s]
	return ok
}

// Transition resolves the target state for event e from state s,
// reporting whether the set defines one.
func (ss *StateSet) Transition(s txn.State, e txn.Event) (txn.State, bool) {
	d, ok := ss.states[s]
	if !ok {
		return 0, false
	}
	return d.next(e)
}

// States returns the set's state tags in definition order.
func (ss *StateSet) States() []txn.State {
	out := make([]txn.State, len(ss.order))
	copy(out, ss.order)
	return out
}

// StepResult classifies the outcome of one Engine.Step call.
type StepResult int

const (
	// StepContinue: state advanced to a non-terminal state; call Step again.
	StepContinue StepResult = iota
	// StepWaiting: the action returned WAIT; the transaction is parked.
	StepWaiting
	// StepDone: state advanced into completed.
	StepDone
	// StepAborted: state advanced into error or cancelled.
	StepAborted
)

// Engine drives one transaction's state sequence against a bound
// StateSet.
type Engine struct {
	set     *StateSet
	current txn.State
	pending *txn.Event // delivered by PostEvent, consumed on next Step
}

// Init constructs an engine bound to set, starting at initial. It fails
// if initial is not present in the set.
func Init(set *StateSet, initial txn.State) (*Engine, error) {
	if !set.Has(initial) {
		return nil, fmt.Errorf("statemachine: initial state %s not present in state set %q", initial, set.Name)
	}
	return &Engine{set: set, current: initial}, nil
}

// CurrentState returns the state tag. Safe to call at any time.
func (e *Engine) CurrentState() txn.State { return e.current }

// PostEvent delivers an external event to be applied on the next Step
// instead of running the current action.
func (e *Engine) PostEvent(ev txn.Event) {
	v := ev
	e.pending = &v
}

// Step runs the current state's action exactly once (unless an external
// event is pending, in which case that event is used instead), reads the
// emitted event, and performs the transition.
func (e *Engine) Step(ctx *txn.Context) StepResult {
	// Terminal states never transition again; report the outcome
	// already reached.
	switch e.current {
	case txn.StateCompleted:
		return StepDone
	case txn.StateError, txn.StateCancelled:
		return StepAborted
	}

	descriptor := e.set.states[e.current]

	var emitted txn.Event
	if e.pending != nil {
		emitted = *e.pending
		e.pending = nil
	} else if descriptor.Action != nil {
		emitted = descriptor.Action(ctx)
	} else {
		// A non-terminal state with no action advances on OK.
		emitted = txn.EventOK
	}

	target, matched := descriptor.next(emitted)
	if !matched {
		// No event is silently dropped. An unmatched event is a
		// fatal engineering bug in the state table; route to error.
		if ctx != nil && ctx.Logger != nil {
			ctx.Logger.Log("error", "no transition for event %s from state %s in set %q; routing to error", emitted, e.current, e.set.Name)
		}
		target = txn.StateError
	}

	e.current = target

	switch {
	case target == txn.StateCompleted:
		return StepDone
	case target == txn.StateError || target == txn.StateCancelled:
		return StepAborted
	case emitted == txn.EventWait && matched:
		return StepWaiting
	default:
		return StepContinue
	}
}
