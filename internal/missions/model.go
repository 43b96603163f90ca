package missions

import (
	"errors"
	"fmt"
	"strings"
)

const (
	maxIdentifierLength = 190
	// DefaultMissionID replaces an empty mission identifier.
	DefaultMissionID = "mission"
)

var (
	// ErrInvalidWallet indicates that a wallet address is empty or exceeds storage bounds.
	ErrInvalidWallet = errors.New("missions: invalid wallet")
	// ErrInvalidMission indicates that a mission identifier exceeds storage bounds.
	ErrInvalidMission = errors.New("missions: invalid mission id")
	// ErrUnknownMission indicates that a mission is not present in the catalog.
	ErrUnknownMission = errors.New("missions: unknown mission")
)

// Wallet is a validated wallet address.
type Wallet string

// NewWallet validates raw input and returns a Wallet. EVM style addresses are lower-cased so the
// same account always maps onto the same keys.
func NewWallet(rawInput string) (Wallet, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidWallet)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidWallet, maxIdentifierLength)
	}
	if strings.ContainsAny(trimmed, " \t\r\n:") {
		return "", fmt.Errorf("%w: contains separators", ErrInvalidWallet)
	}
	if len(trimmed) == 42 && (strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X")) {
		trimmed = "0x" + strings.ToLower(trimmed[2:])
	}
	return Wallet(trimmed), nil
}

// String returns the underlying address.
func (w Wallet) String() string {
	return string(w)
}

// Fragment returns a short, id-safe slice of the address.
func (w Wallet) Fragment() string {
	value := strings.TrimPrefix(string(w), "0x")
	if len(value) > 6 {
		value = value[len(value)-6:]
	}
	return value
}

// Period is the recurrence class of a mission.
type Period string

const (
	PeriodOnce   Period = "once"
	PeriodDaily  Period = "daily"
	PeriodWeekly Period = "weekly"
)

// Valid reports whether the period is one of the known classes.
func (p Period) Valid() bool {
	switch p {
	case PeriodOnce, PeriodDaily, PeriodWeekly:
		return true
	default:
		return false
	}
}

// Mission is the structured form of a prefix-encoded mission identifier.
type Mission struct {
	Period Period
	ID     string
}

// Key returns the canonical mission key. Period-bound missions keep their prefix, one-time
// missions use the bare id, so "once:follow-x" and "follow-x" name the same mission.
func (m Mission) Key() string {
	if m.Period == PeriodOnce {
		return m.ID
	}
	return string(m.Period) + ":" + m.ID
}

// String implements fmt.Stringer.
func (m Mission) String() string {
	return m.Key()
}
