package harness

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// ErrStateMismatch means a caller declared a before state that differs
// from the tracked state of the resource.
var ErrStateMismatch = errors.New("harness: declared state does not match tracked state")

// ErrUntracked means a transition was requested for a resource the
// tracker has never seen.
var ErrUntracked = errors.New("harness: resource state is not tracked")

// StateTracker records the state every resource will be in once all
// recorded commands have executed. With a single queue executing lists
// in submission order, recording order equals GPU timeline order, so the
// tracked state is the before state the next barrier must declare.
//
// Transitions stay uncommitted until Commit. Rollback restores the
// states from before them, for lists that are discarded unsubmitted.
type StateTracker struct {
	states map[gpu.Resource]gpu.ResourceState

	// undo holds the state of each resource before its first
	// uncommitted transition.
	undo map[gpu.Resource]gpu.ResourceState
}

// NewStateTracker returns an empty tracker.
func NewStateTracker() *StateTracker {
	return &StateTracker{
		states: make(map[gpu.Resource]gpu.ResourceState),
		undo:   make(map[gpu.Resource]gpu.ResourceState),
	}
}

// Commit makes the transitions recorded since the last Commit or
// Rollback permanent. Call it once their list has been executed.
func (t *StateTracker) Commit() {
	clear(t.undo)
}

// Rollback undoes the transitions recorded since the last Commit or
// Rollback.
func (t *StateTracker) Rollback() {
	for r, s := range t.undo {
		t.states[r] = s
	}
	clear(t.undo)
}

// Track starts tracking r in state s, replacing any previous entry.
func (t *StateTracker) Track(r gpu.Resource, s gpu.ResourceState) {
	t.states[r] = s
	delete(t.undo, r)
}

// Forget stops tracking r.
func (t *StateTracker) Forget(r gpu.Resource) {
	delete(t.states, r)
	delete(t.undo, r)
}

// State returns the tracked state of r.
func (t *StateTracker) State(r gpu.Resource) (gpu.ResourceState, bool) {
	s, ok := t.states[r]
	return s, ok
}

// Transition records a barrier moving r from its tracked state to after.
// It records nothing if r is already in after.
func (t *StateTracker) Transition(list gpu.CommandList, r gpu.Resource, after gpu.ResourceState) error {
	before, ok := t.states[r]
	if !ok {
		return errors.WithStack(ErrUntracked)
	}
	if before == after {
		return nil
	}
	list.ResourceBarrier(gpu.Barrier{Resource: r, Before: before, After: after})
	if _, ok := t.undo[r]; !ok {
		t.undo[r] = before
	}
	t.states[r] = after
	return nil
}

// TransitionFrom is Transition with an explicit before state, which must
// match the tracked one.
func (t *StateTracker) TransitionFrom(list gpu.CommandList, r gpu.Resource, before, after gpu.ResourceState) error {
	tracked, ok := t.states[r]
	if !ok {
		return errors.WithStack(ErrUntracked)
	}
	if tracked != before {
		return errors.Wrapf(ErrStateMismatch, "declared %s, tracked %s", before, tracked)
	}
	return t.Transition(list, r, after)
}
