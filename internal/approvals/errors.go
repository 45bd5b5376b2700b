package approvals

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	// ErrRejectedByUser is returned when the user rejects a request or closes
	// its popup.
	ErrRejectedByUser = errors.New("rejected by user")

	// ErrExecutionFailed marks failures after the user approved: the signer or
	// chain failed. The request is persisted as approved with the error text.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrInfrastructure marks failures of the approval machinery itself. The
	// request may stay pending in the store.
	ErrInfrastructure = errors.New("approval infrastructure failure")

	ErrInvalidRequest  = errors.New("invalid approval request")
	ErrRequestNotFound = errors.New("approval request not found")
)

func executionError(err error) error {
	return errors.Mark(errors.Wrap(err, "execution failed"), ErrExecutionFailed)
}

func infrastructureError(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrInfrastructure)
}

func invalidRequest(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidRequest)
}

// Error classes reported to the extension.
const (
	ClassRejected       = "rejected"
	ClassExecution      = "execution"
	ClassInfrastructure = "infrastructure"
	ClassInvalid        = "invalid"
	ClassNotFound       = "not_found"
	ClassCanceled       = "canceled"
)

// Classify maps err to the class reported to the extension.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRejectedByUser):
		return ClassRejected
	case errors.Is(err, ErrExecutionFailed):
		return ClassExecution
	case errors.Is(err, ErrInvalidRequest):
		return ClassInvalid
	case errors.Is(err, ErrRequestNotFound):
		return ClassNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	default:
		return ClassInfrastructure
	}
}
