package ledger

import (
	"errors"
	"fmt"
)

var (
	errMissingStore = errors.New("store is required")
	// ErrInvalidPeriodKey indicates a period key that does not match the mission's period.
	ErrInvalidPeriodKey = errors.New("ledger: invalid period key")
	// ErrGrantCommitted marks a grant that failed after its points were credited. The claim
	// stands, so callers must not restore or retry it.
	ErrGrantCommitted = errors.New("ledger: grant committed before failure")
	// ErrInvalidQuery indicates an unsupported leaderboard or history query.
	ErrInvalidQuery = errors.New("ledger: invalid query")
)

// ServiceError carries a stable code of the form ledger.<operation>.<reason>.
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
	opServiceNew      = "ledger.service.new"
	opGrantClaim      = "ledger.grant_claim"
	opStats           = "ledger.stats"
	opHistory         = "ledger.history"
	opLeaderboard     = "ledger.leaderboard"
	opOverwritePoints = "ledger.overwrite_points"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
