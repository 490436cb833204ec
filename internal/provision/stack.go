package provision

import (
	"context"
	"errors"
	"slices"
)

type (
	stack struct {
		Destructors []destructor
	}
	destructor func(ctx context.Context) error
)

// Push adds a destructor to the 'Destructors' slice, to be destroyed in the
// reverse order they were added.
func (s *stack) Push(d destructor) {
	s.Destructors = append(s.Destructors, d)
}

// PushIf pushes 'd' only when 'created' is true, so resources adopted from a
// previous run are never rolled back.
func (s *stack) PushIf(created bool, d destructor) {
	if created {
		s.Push(d)
	}
}

// Destroy calls all accumulated destructors in the reverse order they were
// added, returning all encountered errors joined.
func (s *stack) Destroy(ctx context.Context) error {
	var errs error
	for _, destructor := range slices.Backward(s.Destructors) {
		errs = errors.Join(errs, destructor(ctx))
	}
	s.Destructors = nil
	return errs
}

// Len returns the number of pending destructors.
func (s *stack) Len() int {
	return len(s.Destructors)
}
