package relaydesk

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate")
	ErrInvalidInput      = errors.New("invalid input")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrVersionConflict   = errors.New("version conflict")
	ErrQueueFull         = errors.New("queue full")
	ErrNotImplemented    = errors.New("not implemented")
)

// TransitionError reports a move the active flow does not allow.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// VersionConflictError is returned by a SessionStore when an update lost an
// optimistic concurrency race.
type VersionConflictError struct {
	TenantID        string
	UserID          string
	ExpectedVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("session %s/%s changed since version %d", e.TenantID, e.UserID, e.ExpectedVersion)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}
