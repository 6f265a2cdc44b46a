package framework

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chefpack/chefd/pkg/txn"
)

// AssertSequence asserts the collapsed observed state sequence equals
// want exactly.
func AssertSequence(t *testing.T, got, want []txn.State) {
	t.Helper()
	assert.Equal(t, names(want), names(got), "state sequence mismatch")
}

// AssertNeverEntered asserts a state never appears in the observed
// sequence.
func AssertNeverEntered(t *testing.T, got []txn.State, state txn.State) {
	t.Helper()
	for _, s := range got {
		if s == state {
			t.Errorf("state %s should never have been entered (observed: %v)", state, names(got))
		}
	}
}

func names(states []txn.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.String()
	}
	return out
}
