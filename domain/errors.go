package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrActorUnresolvable  = errors.New("local actor cannot be resolved")
	ErrFederationDisabled = errors.New("object is not federated")
	ErrLockHeld           = errors.New("lock already held")
	ErrActorGone          = errors.New("remote actor is gone")
)

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}
