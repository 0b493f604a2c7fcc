package wizard

import "errors"

// ErrNoSteps is returned when a navigator is built without steps.
var ErrNoSteps = errors.New("wizard: at least one step is required")

// Navigator tracks the active step of an ordered, non-empty step list. The
// index never leaves [0, Len()-1]; out-of-range moves are ignored.
type Navigator[T any] struct {
	steps []T
	index int
}

func NewNavigator[T any](steps []T) (*Navigator[T], error) {
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	copied := make([]T, len(steps))
	copy(copied, steps)
	return &Navigator[T]{steps: copied}, nil
}

func (n *Navigator[T]) Index() int    { return n.index }
func (n *Navigator[T]) Len() int      { return len(n.steps) }
func (n *Navigator[T]) IsFirst() bool { return n.index == 0 }
func (n *Navigator[T]) IsLast() bool  { return n.index == len(n.steps)-1 }
func (n *Navigator[T]) Current() T    { return n.steps[n.index] }

// Next advances one step; it does nothing on the last step.
func (n *Navigator[T]) Next() {
	if !n.IsLast() {
		n.index++
	}
}

// Back returns one step; it does nothing on the first step.
func (n *Navigator[T]) Back() {
	if !n.IsFirst() {
		n.index--
	}
}

// GoTo jumps to step i and reports whether it moved. Targets outside
// [0, Len()) leave the state unchanged.
func (n *Navigator[T]) GoTo(i int) bool {
	if i < 0 || i >= len(n.steps) {
		return false
	}
	n.index = i
	return true
}
