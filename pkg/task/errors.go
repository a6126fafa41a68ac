package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task id is unknown.
	ErrNotFound = errors.New("task not found")

	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("task already exists")

	// ErrConflict is returned when a compare-and-update lost a race.
	ErrConflict = errors.New("task version conflict")
)

// InvalidTransitionError reports a trigger applied to a state it is not
// allowed from. The record is left unchanged.
type InvalidTransitionError struct {
	Status  Status
	Trigger Trigger
	Actor   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: trigger %q not allowed from status %q (actor %q)", e.Trigger, e.Status, e.Actor)
}
