// Package fsm provides generic table driven state machines.
//
// A state machine declares an int based state selector, one Transition per selector
// value and calls Update to process Events.
package fsm

import (
	"fmt"
)

type selector interface {
	~int
}

// Event contains the data processed by a state machine Update.
type Event struct {
	Tag  string
	Data any
}

// StateM is implemented by state machines driven by Update.
type StateM[Sel selector] interface {
	State() Sel
	SetState(s Sel)
}

// TransitionFunc computes the next state of s given evt.
type TransitionFunc[Sel selector, S StateM[Sel]] func(s S, evt Event) (Sel, error)

// Transition describes how a state reacts to Events.
//
// Allow lists the Event tags accepted in the state, Call computes the next state
// and Exit lists the states that Call may select.
type Transition[Sel selector, S StateM[Sel]] struct {
	Allow []string
	Call  TransitionFunc[Sel, S]
	Exit  []Sel
}

// Update runs the Transition of s current state for evt.
//
// It errors with ErrNotAllowed if the current state does not accept evt or if the
// Transition Call selects a state not listed in Exit; s state is unchanged in that case.
// An error returned by Call is returned after s state is updated.
func Update[Sel selector, S StateM[Sel]](s S, trs []Transition[Sel, S], evt Event) error {
	sel := s.State()
	if sel < 0 || int(sel) >= len(trs) {
		return newError(Error, "invalid inner state %v", sel)
	}

	tr := trs[int(sel)]
	if !contains(tr.Allow, evt.Tag) {
		return newError(ErrNotAllowed, "Event %s not allowed in state %v", evt.Tag, sel)
	}

	var err error
	if nil != tr.Call {
		sel, err = tr.Call(s, evt)
	}

	if !contains(tr.Exit, sel) {
		return newError(ErrNotAllowed, "Exit %v not allowed from state %v", sel, s.State())
	}

	s.SetState(sel)

	return err
}

func contains[T comparable](values []T, v T) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}

// String is provided to help debugging.
func (self Event) String() string {
	if nil == self.Data {
		return self.Tag
	}
	return fmt.Sprintf("%s(%v)", self.Tag, self.Data)
}
