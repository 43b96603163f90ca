package submissions

import (
	"errors"
	"fmt"
)

var (
	errMissingStore = errors.New("store is required")
	// ErrNotFound indicates that no pending submission matched.
	ErrNotFound = errors.New("submissions: submission not found")
	// ErrInvalidPeriodKey indicates a period key that does not match the mission's period.
	ErrInvalidPeriodKey = errors.New("submissions: invalid period key")
)

// ServiceError carries a stable code of the form submissions.<operation>.<reason>.
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
	opQueueNew   = "submissions.queue.new"
	opSubmit     = "submissions.submit"
	opList       = "submissions.list_pending"
	opRemove     = "submissions.remove"
	opRestore    = "submissions.restore"
	opMigrateIDs = "submissions.migrate_ids"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
