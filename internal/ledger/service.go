// Package ledger is the claim ledger and point accounting state machine.
//
// A claim moves from unclaimed to claimed exactly once per wallet, mission and period key. The
// claim marker written with SetNX is the only authority for that transition, so concurrent
// grants for the same claim race on one key and exactly one proceeds. Every counter after the
// marker is an atomic increment or upsert on the store, leaderboards included.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/kv"
	"github.com/MarcoPoloResearchLab/missions/internal/metrics"
	"github.com/MarcoPoloResearchLab/missions/internal/missions"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultLedgerMax      = 200
	defaultClaimTTLDaily  = 3 * 24 * time.Hour
	defaultClaimTTLWeekly = 21 * 24 * time.Hour
)

var noOpLogger = zap.NewNop()

// Mirror is called after the grant's counters are committed and before its ledger entry is
// written. It returns nil when no mirroring was attempted. It must not fail the grant.
type Mirror func(ctx context.Context, granted Result) *OnchainOutcome

// GrantRequest is one validated claim.
type GrantRequest struct {
	Wallet    missions.Wallet
	Mission   missions.Mission
	PeriodKey string
	Points    int64
	Context   ClaimContext
	Mirror    Mirror
}

type Config struct {
	Store          kv.Store
	Keys           kv.Keys
	Clock          func() time.Time
	Logger         *zap.Logger
	Metrics        *metrics.Recorder
	LedgerMax      int64
	ClaimTTLDaily  time.Duration
	ClaimTTLWeekly time.Duration
}

type Service struct {
	store          kv.Store
	keys           kv.Keys
	clock          func() time.Time
	logger         *zap.Logger
	metrics        *metrics.Recorder
	ledgerMax      int64
	claimTTLDaily  time.Duration
	claimTTLWeekly time.Duration
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	ledgerMax := cfg.LedgerMax
	if ledgerMax <= 0 {
		ledgerMax = defaultLedgerMax
	}
	claimTTLDaily := cfg.ClaimTTLDaily
	if claimTTLDaily <= 0 {
		claimTTLDaily = defaultClaimTTLDaily
	}
	claimTTLWeekly := cfg.ClaimTTLWeekly
	if claimTTLWeekly <= 0 {
		claimTTLWeekly = defaultClaimTTLWeekly
	}
	return &Service{
		store:          cfg.Store,
		keys:           cfg.Keys,
		clock:          clock,
		logger:         logger,
		metrics:        cfg.Metrics,
		ledgerMax:      ledgerMax,
		claimTTLDaily:  claimTTLDaily,
		claimTTLWeekly: claimTTLWeekly,
	}, nil
}

func (s *Service) claimTTL(period missions.Period) time.Duration {
	switch period {
	case missions.PeriodDaily:
		return s.claimTTLDaily
	case missions.PeriodWeekly:
		return s.claimTTLWeekly
	default:
		return 0
	}
}

// GrantClaim credits a claim once. Replays return the wallet's current totals with
// AlreadyClaimed set and PointsAdded zero.
func (s *Service) GrantClaim(ctx context.Context, request GrantRequest) (Result, error) {
	if request.Wallet == "" {
		return Result{}, newServiceError(opGrantClaim, "invalid_wallet", missions.ErrInvalidWallet)
	}
	mission := request.Mission
	if !mission.Period.Valid() {
		return Result{}, newServiceError(opGrantClaim, "invalid_mission", missions.ErrInvalidMission)
	}
	if mission.ID == "" {
		mission.ID = missions.DefaultMissionID
	}
	now := s.clock().UTC()
	periodKey := request.PeriodKey
	if periodKey == "" {
		periodKey = missions.PeriodKey(mission.Period, now)
	}
	if !missions.ValidPeriodKey(mission.Period, periodKey) {
		return Result{}, newServiceError(opGrantClaim, "invalid_period_key", ErrInvalidPeriodKey)
	}
	points := request.Points
	if points < 0 {
		points = 0
	}

	wallet := request.Wallet.String()
	missionKey := mission.Key()
	fields := []zap.Field{
		zap.String("wallet", wallet),
		zap.String("mission_id", missionKey),
		zap.String("period_key", periodKey),
	}
	result := Result{Wallet: wallet, MissionID: missionKey, Period: mission.Period, PeriodKey: periodKey}

	claimKey := s.keys.Claim(wallet, missionKey, periodKey)
	stamp := strconv.FormatInt(now.UnixMilli(), 10)
	claimed, err := s.store.SetNX(ctx, claimKey, stamp, s.claimTTL(mission.Period))
	if err != nil {
		s.logError(opGrantClaim, "claim_marker_failed", err, fields...)
		return Result{}, newServiceError(opGrantClaim, "claim_marker_failed", err)
	}
	if !claimed {
		s.metrics.ClaimDuplicate()
		profile, err := s.loadProfile(ctx, wallet)
		if err != nil {
			s.logError(opGrantClaim, "profile_read_failed", err, fields...)
			return Result{}, newServiceError(opGrantClaim, "profile_read_failed", err)
		}
		result.AlreadyClaimed = true
		applyProfile(&result, profile, now)
		return result, nil
	}

	uniqueKey := s.keys.Unique(wallet, missionKey)
	uniqueCounted := false
	if mission.Period == missions.PeriodOnce {
		uniqueCounted, err = s.store.SetNX(ctx, uniqueKey, stamp, 0)
		if err != nil {
			s.releaseClaim(ctx, claimKey, fields)
			return Result{}, s.grantFailed("unique_marker", err, fields)
		}
	}

	profileKey := s.keys.Profile(wallet)
	profile, err := s.loadProfile(ctx, wallet)
	if err != nil {
		s.releaseUnique(ctx, uniqueKey, uniqueCounted, fields)
		s.releaseClaim(ctx, claimKey, fields)
		return Result{}, s.grantFailed("profile_read", err, fields)
	}

	patch := map[string]string{fieldUpdatedAt: stamp}
	if mission.Period == missions.PeriodDaily {
		profile.StreakCount, profile.StreakLastDate = nextStreak(profile, now)
		patch[fieldStreakCount] = strconv.FormatInt(profile.StreakCount, 10)
		patch[fieldStreakLastDate] = profile.StreakLastDate
	}

	if profile.PointsTotal, err = s.store.HIncrBy(ctx, profileKey, fieldPointsTotal, points); err != nil {
		s.releaseUnique(ctx, uniqueKey, uniqueCounted, fields)
		s.releaseClaim(ctx, claimKey, fields)
		return Result{}, s.grantFailed("points_increment", err, fields)
	}

	// Points are credited from here on. Later failures keep both markers and report
	// ErrGrantCommitted so the caller neither retries nor rolls back.
	if profile.CompletedTotal, err = s.store.HIncrBy(ctx, profileKey, fieldCompletedTotal, 1); err != nil {
		return Result{}, s.grantFailed("completed_increment", committed(err), fields)
	}
	if uniqueCounted {
		if profile.UniqueOnceTotal, err = s.store.HIncrBy(ctx, profileKey, fieldUniqueOnceTotal, 1); err != nil {
			return Result{}, s.grantFailed("unique_increment", committed(err), fields)
		}
	}
	if err := s.store.HSet(ctx, profileKey, patch); err != nil {
		return Result{}, s.grantFailed("profile_write", committed(err), fields)
	}
	if err := s.updateLeaderboards(ctx, wallet, mission.Period, points, now); err != nil {
		return Result{}, s.grantFailed("leaderboard_update", committed(err), fields)
	}

	result.PointsAdded = points
	result.UniqueCounted = uniqueCounted
	applyProfile(&result, profile, now)

	entry := Entry{
		ID:            uuid.NewString(),
		Timestamp:     now.UnixMilli(),
		Wallet:        wallet,
		MissionID:     missionKey,
		Period:        mission.Period,
		PeriodKey:     periodKey,
		Amount:        points,
		Reason:        request.Context.Reason,
		Admin:         request.Context.Admin,
		Note:          request.Context.Note,
		SubmissionID:  request.Context.SubmissionID,
		Proof:         request.Context.Proof,
		UniqueCounted: uniqueCounted,
	}
	if request.Mirror != nil {
		if outcome := request.Mirror(ctx, result); outcome != nil {
			result.Onchain = outcome
			ok := outcome.OK
			entry.OnchainOK = &ok
			entry.OnchainTx = outcome.Tx
			entry.OnchainError = outcome.Error
			entry.OnchainInit = outcome.Init
		}
	}
	// The history entry is a record of a grant that already happened.
	if err := s.appendEntry(ctx, entry); err != nil {
		s.metrics.GrantFailure("ledger_append")
		s.logger.Warn("ledger entry not recorded", append(fields,
			zap.String("entry_id", entry.ID),
			zap.Error(err))...)
	}

	s.metrics.ClaimGranted(string(mission.Period), string(request.Context.Reason))
	s.logger.Info("claim granted", append(fields,
		zap.Int64("points_added", points),
		zap.Int64("points_total", profile.PointsTotal),
		zap.String("reason", string(request.Context.Reason)))...)
	return result, nil
}

// grantFailed records a failed grant step and returns its coded error.
func (s *Service) grantFailed(stage string, err error, fields []zap.Field) error {
	reason := stage + "_failed"
	s.metrics.GrantFailure(stage)
	s.logError(opGrantClaim, reason, err, fields...)
	return newServiceError(opGrantClaim, reason, err)
}

func committed(err error) error {
	return errors.Join(ErrGrantCommitted, err)
}

// releaseClaim drops a claim marker when the grant failed before any counter moved, so the
// client can retry.
func (s *Service) releaseClaim(ctx context.Context, claimKey string, fields []zap.Field) {
	if err := s.store.Del(ctx, claimKey); err != nil {
		s.logError(opGrantClaim, "claim_release_failed", err, fields...)
	}
}

// releaseUnique drops the unique marker only when this grant set it.
func (s *Service) releaseUnique(ctx context.Context, uniqueKey string, setByGrant bool, fields []zap.Field) {
	if !setByGrant {
		return
	}
	if err := s.store.Del(ctx, uniqueKey); err != nil {
		s.logError(opGrantClaim, "unique_release_failed", err, fields...)
	}
}

// updateLeaderboards applies the grant as deltas so concurrent grants for one wallet never
// overwrite each other's scores.
func (s *Service) updateLeaderboards(ctx context.Context, wallet string, period missions.Period, points int64, now time.Time) error {
	if _, err := s.store.ZIncrBy(ctx, s.keys.Leaderboard(MetricPoints, ScopeAll, ""), wallet, float64(points)); err != nil {
		return err
	}
	if _, err := s.store.ZIncrBy(ctx, s.keys.Leaderboard(MetricCompleted, ScopeAll, ""), wallet, 1); err != nil {
		return err
	}
	if period == missions.PeriodOnce {
		return nil
	}
	currentKey := missions.PeriodKey(period, now)
	if points > 0 {
		if _, err := s.store.HIncrBy(ctx, s.keys.PeriodBucket(string(period), currentKey), wallet, points); err != nil {
			return err
		}
	}
	_, err := s.store.ZIncrBy(ctx, s.keys.Leaderboard(MetricPoints, string(period), currentKey), wallet, float64(points))
	return err
}

func (s *Service) appendEntry(ctx context.Context, entry Entry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ledgerKey := s.keys.Ledger(entry.Wallet)
	if err := s.store.LPush(ctx, ledgerKey, string(encoded)); err != nil {
		return err
	}
	return s.store.LTrim(ctx, ledgerKey, 0, s.ledgerMax-1)
}

func (s *Service) loadProfile(ctx context.Context, wallet string) (Profile, error) {
	fields, err := s.store.HGetAll(ctx, s.keys.Profile(wallet))
	if err != nil {
		return Profile{}, err
	}
	return decodeProfile(fields), nil
}

// nextStreak applies the daily streak rule: same day keeps the count, the following day
// extends it, anything else restarts at one.
func nextStreak(profile Profile, now time.Time) (int64, string) {
	today := missions.DayKey(now)
	switch profile.StreakLastDate {
	case today:
		if profile.StreakCount <= 0 {
			return 1, today
		}
		return profile.StreakCount, today
	case missions.PreviousDayKey(now):
		return profile.StreakCount + 1, today
	default:
		return 1, today
	}
}

func streakOf(profile Profile, now time.Time) Streak {
	active := profile.StreakLastDate != "" &&
		(profile.StreakLastDate == missions.DayKey(now) || profile.StreakLastDate == missions.PreviousDayKey(now))
	return Streak{Count: profile.StreakCount, LastDate: profile.StreakLastDate, Active: active}
}

func applyProfile(result *Result, profile Profile, now time.Time) {
	result.TotalPoints = profile.PointsTotal
	result.Completed = profile.CompletedTotal
	result.UniqueCompleted = profile.UniqueOnceTotal
	result.Streak = streakOf(profile, now)
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
	s.logger.Error("ledger service error", attrs...)
}
