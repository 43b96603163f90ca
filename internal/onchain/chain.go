// Package onchain holds the chain collaborators the pipeline depends on and the reconciliation
// between off-chain totals and their on-chain mirror.
package onchain

import (
	"context"
	"errors"
	"math/big"
)

var (
	// ErrChainUnavailable indicates that no chain client is configured.
	ErrChainUnavailable = errors.New("onchain: chain client unavailable")
	// ErrAwardsDisabled indicates that no award signing key is configured.
	ErrAwardsDisabled = errors.New("onchain: awards disabled")
)

// PointsReader reads the on-chain points account of a wallet. exists is false when the
// contract has no account for the wallet, which is distinct from an account holding zero.
type PointsReader interface {
	PointsOf(ctx context.Context, wallet string) (total int64, exists bool, err error)
}

// AwardRequest is the metadata sent with an on-chain award.
type AwardRequest struct {
	Wallet    string
	Amount    int64
	MissionID string
	Period    string
	PeriodKey string
	Admin     string
	Timestamp int64
}

// PointsAwarder mirrors granted points on chain and returns the transaction reference.
type PointsAwarder interface {
	Award(ctx context.Context, request AwardRequest) (tx string, err error)
}

// TokenReader reads ERC-20 or ERC-721 balances.
type TokenReader interface {
	BalanceOf(ctx context.Context, contract, wallet string) (*big.Int, error)
}

// Disabled satisfies every collaborator and fails each call. It stands in when no RPC endpoint
// is configured so callers keep one code path.
type Disabled struct{}

func (Disabled) PointsOf(context.Context, string) (int64, bool, error) {
	return 0, false, ErrChainUnavailable
}

func (Disabled) Award(context.Context, AwardRequest) (string, error) {
	return "", ErrAwardsDisabled
}

func (Disabled) BalanceOf(context.Context, string, string) (*big.Int, error) {
	return nil, ErrChainUnavailable
}
