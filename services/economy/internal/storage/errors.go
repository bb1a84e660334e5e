package storage

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidSession      = errors.New("invalid session")
)

// DeniedError carries the reason a fraud check refused an operation.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return "forbidden: " + e.Reason
}

func (e *DeniedError) Unwrap() error {
	return ErrForbidden
}

func Denied(reason string) error {
	return &DeniedError{Reason: reason}
}
