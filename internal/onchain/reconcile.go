package onchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/kv"
	"github.com/MarcoPoloResearchLab/missions/internal/ledger"
	"github.com/MarcoPoloResearchLab/missions/internal/metrics"
	"github.com/MarcoPoloResearchLab/missions/internal/missions"
	"go.uber.org/zap"
)

const (
	opReconcilerNew = "onchain.reconciler.new"
	opReadTotal     = "onchain.read_total"
	opSummary       = "onchain.summary"
	opResync        = "onchain.resync"
	opReceipt       = "onchain.receipt"

	// ResyncReasonAccountMissing is reported when the wallet has no on-chain account.
	ResyncReasonAccountMissing = "onchain_account_missing"
)

var errMissingCollaborator = errors.New("store and accounts are required")

// ServiceError carries a stable code of the form onchain.<operation>.<reason>.
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

// Accounts is the slice of the ledger that reconciliation reads and, on resync, overwrites.
type Accounts interface {
	Profile(ctx context.Context, wallet missions.Wallet) (ledger.Profile, error)
	OverwritePoints(ctx context.Context, wallet missions.Wallet, total int64) error
}

// Receipt is the most recent successful on-chain award for a wallet.
type Receipt struct {
	Timestamp int64  `json:"ts"`
	Tx        string `json:"tx"`
	Amount    int64  `json:"amount"`
	MissionID string `json:"missionId"`
	PeriodKey string `json:"periodKey"`
	Admin     string `json:"admin,omitempty"`
}

// Total is an on-chain read. Exists is false when the contract has no account for the wallet.
type Total struct {
	Points int64 `json:"points"`
	Exists bool  `json:"exists"`
}

// Summary compares the off-chain total with the on-chain mirror. Onchain and Diff are nil
// when the chain could not be read or the account does not exist.
type Summary struct {
	Wallet       string   `json:"wallet"`
	Offchain     int64    `json:"offchain"`
	Onchain      *int64   `json:"onchain"`
	Exists       bool     `json:"exists"`
	Diff         *int64   `json:"diff"`
	LastReceipt  *Receipt `json:"lastReceipt"`
	OnchainError string   `json:"onchainError,omitempty"`
}

// ResyncResult reports a resync. Applied is false on dry runs and missing accounts.
type ResyncResult struct {
	Wallet   string `json:"wallet"`
	DryRun   bool   `json:"dryRun"`
	Applied  bool   `json:"applied"`
	Reason   string `json:"reason,omitempty"`
	Before   int64  `json:"before"`
	After    int64  `json:"after"`
	Onchain  *int64 `json:"onchain"`
	IsSynced bool   `json:"isSynced"`
}

type ReconcilerConfig struct {
	Store    kv.Store
	Keys     kv.Keys
	Accounts Accounts
	Reader   PointsReader
	Clock    func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Recorder
}

// Reconciler aligns off-chain totals with on-chain accounts and keeps award receipts.
type Reconciler struct {
	store    kv.Store
	keys     kv.Keys
	accounts Accounts
	reader   PointsReader
	clock    func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Recorder
}

func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil || cfg.Accounts == nil {
		return nil, newServiceError(opReconcilerNew, "missing_collaborator", errMissingCollaborator)
	}
	reader := cfg.Reader
	if reader == nil {
		reader = Disabled{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:    cfg.Store,
		keys:     cfg.Keys,
		accounts: cfg.Accounts,
		reader:   reader,
		clock:    clock,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

// ReadOnchainTotal queries the chain for the wallet's account.
func (r *Reconciler) ReadOnchainTotal(ctx context.Context, wallet missions.Wallet) (Total, error) {
	points, exists, err := r.reader.PointsOf(ctx, wallet.String())
	if err != nil {
		r.logger.Warn("on-chain read failed",
			zap.String("operation", opReadTotal),
			zap.String("wallet", wallet.String()),
			zap.Error(err))
		return Total{}, newServiceError(opReadTotal, "read_failed", err)
	}
	if !exists {
		return Total{}, nil
	}
	return Total{Points: points, Exists: true}, nil
}

// Summary never mutates state. Chain failures are reported in OnchainError.
func (r *Reconciler) Summary(ctx context.Context, wallet missions.Wallet) (Summary, error) {
	profile, err := r.accounts.Profile(ctx, wallet)
	if err != nil {
		return Summary{}, newServiceError(opSummary, "profile_read_failed", err)
	}
	summary := Summary{Wallet: wallet.String(), Offchain: profile.PointsTotal}

	receipt, err := r.LastReceipt(ctx, wallet)
	if err != nil {
		return Summary{}, err
	}
	summary.LastReceipt = receipt

	total, err := r.ReadOnchainTotal(ctx, wallet)
	if err != nil {
		summary.OnchainError = errors.Unwrap(err).Error()
		return summary, nil
	}
	summary.Exists = total.Exists
	if total.Exists {
		onchain := total.Points
		diff := summary.Offchain - onchain
		summary.Onchain = &onchain
		summary.Diff = &diff
	}
	return summary, nil
}

// Resync sets the off-chain total to the on-chain total. Dry runs only report what would change.
func (r *Reconciler) Resync(ctx context.Context, wallet missions.Wallet, dryRun bool) (ResyncResult, error) {
	fields := []zap.Field{zap.String("wallet", wallet.String()), zap.Bool("dry_run", dryRun)}
	profile, err := r.accounts.Profile(ctx, wallet)
	if err != nil {
		r.metrics.Resync("failed")
		return ResyncResult{}, newServiceError(opResync, "profile_read_failed", err)
	}
	result := ResyncResult{Wallet: wallet.String(), DryRun: dryRun, Before: profile.PointsTotal, After: profile.PointsTotal}

	total, err := r.ReadOnchainTotal(ctx, wallet)
	if err != nil {
		r.metrics.Resync("failed")
		return ResyncResult{}, newServiceError(opResync, "onchain_read_failed", errors.Unwrap(err))
	}
	if !total.Exists {
		result.Reason = ResyncReasonAccountMissing
		r.metrics.Resync("skipped")
		r.logger.Info("resync skipped", append(fields, zap.String("reason", result.Reason))...)
		return result, nil
	}
	onchain := total.Points
	result.Onchain = &onchain

	if dryRun {
		result.IsSynced = result.Before == onchain
		r.metrics.Resync("dry_run")
		return result, nil
	}

	if err := r.accounts.OverwritePoints(ctx, wallet, onchain); err != nil {
		r.metrics.Resync("failed")
		return ResyncResult{}, newServiceError(opResync, "overwrite_failed", err)
	}
	after, err := r.accounts.Profile(ctx, wallet)
	if err != nil {
		r.metrics.Resync("failed")
		return ResyncResult{}, newServiceError(opResync, "profile_read_failed", err)
	}
	result.Applied = true
	result.After = after.PointsTotal
	result.IsSynced = after.PointsTotal == onchain
	r.metrics.Resync("synced")
	r.logger.Info("resync applied", append(fields,
		zap.Int64("before", result.Before),
		zap.Int64("after", result.After))...)
	return result, nil
}

// SaveReceipt overwrites the wallet's last award receipt.
func (r *Reconciler) SaveReceipt(ctx context.Context, wallet missions.Wallet, receipt Receipt) error {
	if receipt.Timestamp == 0 {
		receipt.Timestamp = r.clock().UTC().UnixMilli()
	}
	encoded, err := json.Marshal(receipt)
	if err != nil {
		return newServiceError(opReceipt, "encode_failed", err)
	}
	if err := r.store.Set(ctx, r.keys.OnchainLast(wallet.String()), string(encoded), 0); err != nil {
		return newServiceError(opReceipt, "write_failed", err)
	}
	return nil
}

// LastReceipt returns nil when no award has been recorded. An unreadable receipt is logged and
// treated as absent.
func (r *Reconciler) LastReceipt(ctx context.Context, wallet missions.Wallet) (*Receipt, error) {
	raw, found, err := r.store.Get(ctx, r.keys.OnchainLast(wallet.String()))
	if err != nil {
		return nil, newServiceError(opReceipt, "read_failed", err)
	}
	if !found {
		return nil, nil
	}
	var receipt Receipt
	if err := json.Unmarshal([]byte(raw), &receipt); err != nil {
		r.logger.Warn("unreadable on-chain receipt", zap.String("wallet", wallet.String()), zap.Error(err))
		return nil, nil
	}
	return &receipt, nil
}
