package review

import (
	"errors"
	"fmt"
)

var (
	errMissingCollaborator = errors.New("queue, ledger and catalog are required")
	// ErrNotFound indicates that the submission is no longer pending.
	ErrNotFound = errors.New("review: submission not found")
	// ErrMissingTarget indicates that neither a submission id nor an identity was supplied.
	ErrMissingTarget = errors.New("review: submission id or wallet and mission required")
	// ErrMissingAdmin indicates that the reviewer identity is absent.
	ErrMissingAdmin = errors.New("review: admin identity required")
)

// ServiceError carries a stable code of the form review.<operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "review.service.new"
	opApprove    = "review.approve"
	opReject     = "review.reject"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
