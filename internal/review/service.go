// Package review is the admin workflow that approves or rejects pending submissions.
//
// Approval removes the submission from the queue, credits it through the ledger, then makes one
// guarded attempt to mirror the points on chain. The chain outcome is recorded on the ledger
// entry and returned; it never fails the approval.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/ledger"
	"github.com/MarcoPoloResearchLab/missions/internal/metrics"
	"github.com/MarcoPoloResearchLab/missions/internal/missions"
	"github.com/MarcoPoloResearchLab/missions/internal/onchain"
	"github.com/MarcoPoloResearchLab/missions/internal/submissions"
	"go.uber.org/zap"
)

const defaultAwardTimeout = 15 * time.Second

// Point sources decide whether the submission's proposed points or the catalog's base points
// win when no override is given.
const (
	PointsSourceOverrideFirst = "override_first"
	PointsSourceBaseFirst     = "base_first"
)

// Event types published to reviewers.
const (
	EventSubmissionCreated  = "submission-created"
	EventSubmissionApproved = "submission-approved"
	EventSubmissionRejected = "submission-rejected"
)

// Event notifies connected reviewers of a queue change.
type Event struct {
	Type         string `json:"type"`
	SubmissionID string `json:"submissionId,omitempty"`
	Wallet       string `json:"wallet"`
	MissionID    string `json:"missionId"`
	PeriodKey    string `json:"periodKey"`
	Admin        string `json:"admin,omitempty"`
	Timestamp    int64  `json:"ts"`
}

// Publisher receives review events. Delivery is best effort.
type Publisher interface {
	Publish(event Event)
}

// ReceiptStore keeps the last successful on-chain award of a wallet.
type ReceiptStore interface {
	SaveReceipt(ctx context.Context, wallet missions.Wallet, receipt onchain.Receipt) error
}

type Config struct {
	Queue        *submissions.Queue
	Ledger       *ledger.Service
	Catalog      *missions.Catalog
	Awarder      onchain.PointsAwarder
	Accounts     onchain.PointsReader
	Receipts     ReceiptStore
	Events       Publisher
	PointsSource string
	AwardTimeout time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
	Metrics      *metrics.Recorder
}

type Service struct {
	queue        *submissions.Queue
	ledger       *ledger.Service
	catalog      *missions.Catalog
	awarder      onchain.PointsAwarder
	accounts     onchain.PointsReader
	receipts     ReceiptStore
	events       Publisher
	pointsSource string
	awardTimeout time.Duration
	clock        func() time.Time
	logger       *zap.Logger
	metrics      *metrics.Recorder
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Queue == nil || cfg.Ledger == nil || cfg.Catalog == nil {
		return nil, newServiceError(opServiceNew, "missing_collaborator", errMissingCollaborator)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	awardTimeout := cfg.AwardTimeout
	if awardTimeout <= 0 {
		awardTimeout = defaultAwardTimeout
	}
	pointsSource := cfg.PointsSource
	if pointsSource != PointsSourceBaseFirst {
		pointsSource = PointsSourceOverrideFirst
	}
	return &Service{
		queue:        cfg.Queue,
		ledger:       cfg.Ledger,
		catalog:      cfg.Catalog,
		awarder:      cfg.Awarder,
		accounts:     cfg.Accounts,
		receipts:     cfg.Receipts,
		events:       cfg.Events,
		pointsSource: pointsSource,
		awardTimeout: awardTimeout,
		clock:        clock,
		logger:       logger,
		metrics:      cfg.Metrics,
	}, nil
}

// ApproveRequest addresses a submission by id or, failing that, by identity.
type ApproveRequest struct {
	SubmissionID   string
	Identity       *submissions.Identity
	OverridePoints int64
	Note           string
	Admin          string
}

// ApproveResult is the accounting outcome of an approval.
type ApproveResult struct {
	Approved        bool                   `json:"approved"`
	AlreadyApproved bool                   `json:"alreadyApproved,omitempty"`
	SubmissionID    string                 `json:"submissionId,omitempty"`
	Wallet          string                 `json:"wallet"`
	MissionID       string                 `json:"missionId"`
	PeriodKey       string                 `json:"periodKey"`
	PointsAdded     int64                  `json:"pointsAdded"`
	TotalPoints     int64                  `json:"totalPoints"`
	Completed       int64                  `json:"completed"`
	UniqueCompleted int64                  `json:"uniqueCompleted"`
	Streak          ledger.Streak          `json:"streak"`
	Onchain         *ledger.OnchainOutcome `json:"onchain,omitempty"`
}

// Approve credits a pending submission. An id that is no longer pending is not found; an
// identity with no pending entry is credited directly, and the claim marker turns a repeat into
// AlreadyApproved.
func (s *Service) Approve(ctx context.Context, request ApproveRequest) (ApproveResult, error) {
	admin := strings.TrimSpace(request.Admin)
	if admin == "" {
		return ApproveResult{}, newServiceError(opApprove, "missing_admin", ErrMissingAdmin)
	}
	submissionID := strings.TrimSpace(request.SubmissionID)
	if submissionID == "" && request.Identity == nil {
		return ApproveResult{}, newServiceError(opApprove, "missing_target", ErrMissingTarget)
	}

	review := submissions.Review{Status: submissions.StatusApproved, ReviewedBy: admin, Note: request.Note}
	var (
		submission submissions.Submission
		removed    bool
		err        error
	)
	if submissionID != "" {
		submission, err = s.queue.RemoveBySubmissionID(ctx, submissionID, review)
	} else {
		submission, err = s.queue.RemoveByIdentity(ctx, *request.Identity, review)
	}
	switch {
	case err == nil:
		removed = true
	case errors.Is(err, submissions.ErrNotFound) && submissionID == "":
		identity := request.Identity
		submission = submissions.Submission{
			Wallet:    identity.Wallet.String(),
			MissionID: identity.Mission.Key(),
			Period:    identity.Mission.Period,
			PeriodKey: identity.PeriodKey,
		}
	case errors.Is(err, submissions.ErrNotFound):
		return ApproveResult{}, newServiceError(opApprove, "not_found", ErrNotFound)
	default:
		s.logError(opApprove, "queue_failed", err, zap.String("submission_id", submissionID))
		return ApproveResult{}, newServiceError(opApprove, "queue_failed", err)
	}

	wallet, mission, err := submissionTarget(submission)
	if err != nil {
		if removed {
			s.restore(ctx, submission)
		}
		return ApproveResult{}, newServiceError(opApprove, "invalid_submission", err)
	}
	points := s.resolvePoints(request.OverridePoints, submission.Points, s.catalog.BasePoints(mission))

	fields := []zap.Field{
		zap.String("submission_id", submission.SubmissionID),
		zap.String("wallet", wallet.String()),
		zap.String("mission_id", mission.Key()),
		zap.String("admin", admin),
	}
	grant, err := s.ledger.GrantClaim(ctx, ledger.GrantRequest{
		Wallet:    wallet,
		Mission:   mission,
		PeriodKey: submission.PeriodKey,
		Points:    points,
		Context: ledger.ClaimContext{
			Reason:       ledger.ReasonAdminApproved,
			Admin:        admin,
			Note:         request.Note,
			SubmissionID: submission.SubmissionID,
			Proof:        submission.Proof,
		},
		Mirror: s.mirror(wallet, mission, admin),
	})
	if errors.Is(err, ledger.ErrGrantCommitted) {
		s.logError(opApprove, "grant_incomplete", err, fields...)
		return ApproveResult{}, newServiceError(opApprove, "grant_incomplete", err)
	}
	if err != nil {
		if removed {
			s.restore(ctx, submission)
		}
		s.logError(opApprove, "grant_failed", err, fields...)
		return ApproveResult{}, newServiceError(opApprove, "grant_failed", err)
	}

	result := ApproveResult{
		Approved:        !grant.AlreadyClaimed,
		AlreadyApproved: grant.AlreadyClaimed,
		SubmissionID:    submission.SubmissionID,
		Wallet:          grant.Wallet,
		MissionID:       grant.MissionID,
		PeriodKey:       grant.PeriodKey,
		PointsAdded:     grant.PointsAdded,
		TotalPoints:     grant.TotalPoints,
		Completed:       grant.Completed,
		UniqueCompleted: grant.UniqueCompleted,
		Streak:          grant.Streak,
		Onchain:         grant.Onchain,
	}
	if grant.AlreadyClaimed {
		s.metrics.Review("already_approved")
	} else {
		s.metrics.Review("approved")
	}
	s.publish(EventSubmissionApproved, submission, admin)
	s.logger.Info("submission approved", append(fields,
		zap.Int64("points_added", grant.PointsAdded),
		zap.Bool("already_approved", grant.AlreadyClaimed))...)
	return result, nil
}

// RejectRequest addresses a pending submission by id.
type RejectRequest struct {
	SubmissionID string
	Reason       string
	Note         string
	Admin        string
}

// RejectResult confirms a rejection.
type RejectResult struct {
	Rejected     bool   `json:"rejected"`
	SubmissionID string `json:"submissionId"`
}

// Reject files a pending submission as rejected and lets the wallet submit again. Point
// accounting is untouched.
func (s *Service) Reject(ctx context.Context, request RejectRequest) (RejectResult, error) {
	admin := strings.TrimSpace(request.Admin)
	if admin == "" {
		return RejectResult{}, newServiceError(opReject, "missing_admin", ErrMissingAdmin)
	}
	submissionID := strings.TrimSpace(request.SubmissionID)
	if submissionID == "" {
		return RejectResult{}, newServiceError(opReject, "missing_target", ErrMissingTarget)
	}
	submission, err := s.queue.RemoveBySubmissionID(ctx, submissionID, submissions.Review{
		Status:     submissions.StatusRejected,
		ReviewedBy: admin,
		Reason:     strings.TrimSpace(request.Reason),
		Note:       strings.TrimSpace(request.Note),
	})
	if errors.Is(err, submissions.ErrNotFound) {
		return RejectResult{}, newServiceError(opReject, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opReject, "queue_failed", err, zap.String("submission_id", submissionID))
		return RejectResult{}, newServiceError(opReject, "queue_failed", err)
	}
	if err := s.queue.ClearMarker(ctx, submission); err != nil {
		s.logError(opReject, "marker_clear_failed", err, zap.String("submission_id", submissionID))
	}
	s.metrics.Review("rejected")
	s.publish(EventSubmissionRejected, submission, admin)
	s.logger.Info("submission rejected",
		zap.String("submission_id", submissionID),
		zap.String("admin", admin),
		zap.String("reject_reason", submission.RejectReason))
	return RejectResult{Rejected: true, SubmissionID: submissionID}, nil
}

// NotifySubmitted tells reviewers about a new pending submission.
func (s *Service) NotifySubmitted(submission submissions.Submission) {
	s.publish(EventSubmissionCreated, submission, "")
}

func (s *Service) resolvePoints(override, proposed, base int64) int64 {
	if s.pointsSource == PointsSourceBaseFirst {
		return missions.FirstPositive(override, base, proposed)
	}
	return missions.FirstPositive(override, proposed, base)
}

// mirror returns the ledger hook that awards points on chain. It converts every failure,
// including a panic inside the awarder, into a recorded outcome.
func (s *Service) mirror(wallet missions.Wallet, mission missions.Mission, admin string) ledger.Mirror {
	if s.awarder == nil {
		return nil
	}
	return func(ctx context.Context, granted ledger.Result) (outcome *ledger.OnchainOutcome) {
		if granted.PointsAdded <= 0 {
			return nil
		}
		fields := []zap.Field{
			zap.String("wallet", wallet.String()),
			zap.String("mission_id", mission.Key()),
			zap.Int64("amount", granted.PointsAdded),
		}
		defer func() {
			if recovered := recover(); recovered != nil {
				s.metrics.OnchainAward("failed")
				s.logger.Warn("on-chain award panicked", append(fields, zap.Any("panic", recovered))...)
				outcome = &ledger.OnchainOutcome{OK: false, Error: fmt.Sprintf("award panicked: %v", recovered)}
			}
		}()

		awardCtx, cancel := context.WithTimeout(ctx, s.awardTimeout)
		defer cancel()
		now := s.clock().UTC()
		created := s.accountMissing(awardCtx, wallet)
		tx, err := s.awarder.Award(awardCtx, onchain.AwardRequest{
			Wallet:    wallet.String(),
			Amount:    granted.PointsAdded,
			MissionID: mission.Key(),
			Period:    string(mission.Period),
			PeriodKey: granted.PeriodKey,
			Admin:     admin,
			Timestamp: now.UnixMilli(),
		})
		if err != nil {
			s.metrics.OnchainAward("failed")
			s.logger.Warn("on-chain award failed", append(fields, zap.Error(err))...)
			return &ledger.OnchainOutcome{OK: false, Error: err.Error()}
		}
		s.metrics.OnchainAward("ok")
		if s.receipts != nil {
			receipt := onchain.Receipt{
				Timestamp: now.UnixMilli(),
				Tx:        tx,
				Amount:    granted.PointsAdded,
				MissionID: mission.Key(),
				PeriodKey: granted.PeriodKey,
				Admin:     admin,
			}
			if err := s.receipts.SaveReceipt(ctx, wallet, receipt); err != nil {
				s.logger.Warn("on-chain receipt not saved", append(fields, zap.Error(err))...)
			}
		}
		return &ledger.OnchainOutcome{OK: true, Tx: tx, Init: created}
	}
}

// accountMissing reports whether the wallet has no on-chain points account yet. A failed
// read reports false.
func (s *Service) accountMissing(ctx context.Context, wallet missions.Wallet) bool {
	if s.accounts == nil {
		return false
	}
	_, exists, err := s.accounts.PointsOf(ctx, wallet.String())
	if err != nil {
		s.logger.Debug("on-chain account lookup failed", zap.String("wallet", wallet.String()), zap.Error(err))
		return false
	}
	return !exists
}

func (s *Service) restore(ctx context.Context, submission submissions.Submission) {
	if submission.SubmissionID == "" {
		return
	}
	if err := s.queue.Restore(ctx, submission); err != nil {
		s.logError(opApprove, "restore_failed", err, zap.String("submission_id", submission.SubmissionID))
	}
}

func (s *Service) publish(eventType string, submission submissions.Submission, admin string) {
	if s.events == nil {
		return
	}
	s.events.Publish(Event{
		Type:         eventType,
		SubmissionID: submission.SubmissionID,
		Wallet:       submission.Wallet,
		MissionID:    submission.MissionID,
		PeriodKey:    submission.PeriodKey,
		Admin:        admin,
		Timestamp:    s.clock().UTC().UnixMilli(),
	})
}

func submissionTarget(submission submissions.Submission) (missions.Wallet, missions.Mission, error) {
	wallet, err := missions.NewWallet(submission.Wallet)
	if err != nil {
		return "", missions.Mission{}, err
	}
	mission, err := missions.ParseMission(submission.MissionID)
	if err != nil {
		return "", missions.Mission{}, err
	}
	if submission.Period.Valid() {
		mission.Period = submission.Period
	}
	return wallet, mission, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("review service error", attrs...)
}
