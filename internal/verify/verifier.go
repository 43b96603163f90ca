// Package verify grants wallet missions whose completion can be read straight from chain state.
package verify

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/ledger"
	"github.com/MarcoPoloResearchLab/missions/internal/missions"
	"github.com/MarcoPoloResearchLab/missions/internal/onchain"
	"go.uber.org/zap"
)

const defaultReadTimeout = 10 * time.Second

var (
	errMissingCollaborator = errors.New("ledger and catalog are required")
	// ErrUnknownMission indicates that the mission is not in the catalog.
	ErrUnknownMission = errors.New("verify: unknown mission")
	// ErrManualReview indicates a mission that must go through proof submission.
	ErrManualReview = errors.New("verify: mission requires manual review")
	// ErrInvalidRequirement indicates a requirement that cannot be evaluated.
	ErrInvalidRequirement = errors.New("verify: invalid mission requirement")
)

const (
	opVerifierNew = "verify.service.new"
	opClaim       = "verify.claim"
)

// ServiceError carries a stable code of the form verify.<operation>.<reason>.
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

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type Config struct {
	Ledger      *ledger.Service
	Catalog     *missions.Catalog
	Tokens      onchain.TokenReader
	ReadTimeout time.Duration
	Logger      *zap.Logger
}

// Verifier checks wallet mission requirements against the chain and credits eligible wallets.
type Verifier struct {
	ledger      *ledger.Service
	catalog     *missions.Catalog
	tokens      onchain.TokenReader
	readTimeout time.Duration
	logger      *zap.Logger
}

func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Ledger == nil || cfg.Catalog == nil {
		return nil, newServiceError(opVerifierNew, "missing_collaborator", errMissingCollaborator)
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = onchain.Disabled{}
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		ledger:      cfg.Ledger,
		catalog:     cfg.Catalog,
		tokens:      tokens,
		readTimeout: readTimeout,
		logger:      logger,
	}, nil
}

// Result reports eligibility and, when eligible, the accounting outcome.
type Result struct {
	Eligible bool           `json:"eligible"`
	Balance  string         `json:"balance"`
	Claim    *ledger.Result `json:"claim,omitempty"`
}

// Verify evaluates the mission requirement for the wallet. A balance that cannot be read makes
// the wallet ineligible; it is never treated as a pass.
func (v *Verifier) Verify(ctx context.Context, wallet missions.Wallet, mission missions.Mission) (Result, error) {
	definition, ok := v.catalog.Lookup(mission)
	if !ok {
		return Result{}, newServiceError(opClaim, "unknown_mission", ErrUnknownMission)
	}
	if definition.Kind != missions.KindWallet || definition.Requirement == nil {
		return Result{}, newServiceError(opClaim, "manual_review_required", ErrManualReview)
	}
	threshold, err := minimumBalance(*definition.Requirement)
	if err != nil {
		return Result{}, newServiceError(opClaim, "invalid_requirement", err)
	}

	fields := []zap.Field{
		zap.String("wallet", wallet.String()),
		zap.String("mission_id", mission.Key()),
		zap.String("contract", definition.Requirement.Contract),
	}
	readCtx, cancel := context.WithTimeout(ctx, v.readTimeout)
	balance, err := v.tokens.BalanceOf(readCtx, definition.Requirement.Contract, wallet.String())
	cancel()
	if err != nil {
		v.logger.Warn("balance read failed", append(fields, zap.Error(err))...)
		return Result{Eligible: false, Balance: "0"}, nil
	}
	if balance == nil {
		balance = new(big.Int)
	}
	result := Result{Balance: balance.String()}
	if balance.Cmp(threshold) < 0 {
		return result, nil
	}
	result.Eligible = true

	granted, err := v.ledger.GrantClaim(ctx, ledger.GrantRequest{
		Wallet:  wallet,
		Mission: definition.Mission(),
		Points:  definition.BasePoints,
		Context: ledger.ClaimContext{Reason: ledger.ReasonMissionClaim},
	})
	if err != nil {
		v.logger.Error("verified claim not granted", append(fields, zap.Error(err))...)
		return Result{}, newServiceError(opClaim, "grant_failed", err)
	}
	result.Claim = &granted
	return result, nil
}

// minimumBalance is the inclusive threshold. NFT gates and blank balances need one token.
func minimumBalance(requirement missions.Requirement) (*big.Int, error) {
	raw := strings.TrimSpace(requirement.MinBalance)
	if raw == "" {
		return big.NewInt(1), nil
	}
	threshold, ok := new(big.Int).SetString(raw, 10)
	if !ok || threshold.Sign() < 0 {
		return nil, fmt.Errorf("%w: min balance %q", ErrInvalidRequirement, raw)
	}
	if requirement.Type == missions.RequirementNFT && threshold.Sign() == 0 {
		return big.NewInt(1), nil
	}
	return threshold, nil
}
