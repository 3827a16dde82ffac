package engine

import (
	"errors"
	"fmt"

	"pledgeline/internal/repo"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrConflict             = errors.New("conflict")
	ErrAlreadyCompleted     = errors.New("task already completed")
	ErrTaskBlocked          = errors.New("task is blocked by incomplete dependencies")
	ErrInvitationExpired    = errors.New("invitation expired")
	ErrInvitationNotPending = errors.New("invitation is no longer pending")
	ErrEmailMismatch        = errors.New("email does not match the invitation")
	ErrEmailUnverified      = errors.New("email address is not verified")
	ErrNotFound             = repo.ErrNotFound
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
