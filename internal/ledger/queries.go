package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/missions/internal/missions"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit     = 50
	defaultLeaderboardLimit = 50
	maxLeaderboardLimit     = 500
	orderDesc               = "desc"
	orderAsc                = "asc"
)

// Profile returns the decoded profile of a wallet; absent wallets read as zero.
func (s *Service) Profile(ctx context.Context, wallet missions.Wallet) (Profile, error) {
	profile, err := s.loadProfile(ctx, wallet.String())
	if err != nil {
		s.logError(opStats, "profile_read_failed", err, zap.String("wallet", wallet.String()))
		return Profile{}, newServiceError(opStats, "profile_read_failed", err)
	}
	return profile, nil
}

// Stats returns the public totals and streak of a wallet.
func (s *Service) Stats(ctx context.Context, wallet missions.Wallet) (Stats, error) {
	profile, err := s.Profile(ctx, wallet)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Wallet:          wallet.String(),
		Points:          profile.PointsTotal,
		Completed:       profile.CompletedTotal,
		UniqueCompleted: profile.UniqueOnceTotal,
		Streak:          streakOf(profile, s.clock().UTC()),
	}, nil
}

// History returns up to limit ledger entries, newest first. Undecodable entries are returned
// with only Raw populated.
func (s *Service) History(ctx context.Context, wallet missions.Wallet, limit int64) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > s.ledgerMax {
		limit = s.ledgerMax
	}
	rawEntries, err := s.store.LRange(ctx, s.keys.Ledger(wallet.String()), 0, limit-1)
	if err != nil {
		s.logError(opHistory, "ledger_read_failed", err, zap.String("wallet", wallet.String()))
		return nil, newServiceError(opHistory, "ledger_read_failed", err)
	}
	entries := make([]Entry, 0, len(rawEntries))
	for _, raw := range rawEntries {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			entries = append(entries, Entry{Raw: raw})
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Leaderboard returns one page of a ranked set. Only the points metric has period scopes.
func (s *Service) Leaderboard(ctx context.Context, query LeaderboardQuery) (Leaderboard, error) {
	sortBy := strings.ToLower(strings.TrimSpace(query.Sort))
	if sortBy == "" {
		sortBy = MetricPoints
	}
	order := strings.ToLower(strings.TrimSpace(query.Order))
	if order == "" {
		order = orderDesc
	}
	period := strings.ToLower(strings.TrimSpace(query.Period))
	if period == "" {
		period = ScopeAll
	}
	if sortBy != MetricPoints && sortBy != MetricCompleted {
		return Leaderboard{}, newServiceError(opLeaderboard, "invalid_sort", fmt.Errorf("%w: sort %q", ErrInvalidQuery, query.Sort))
	}
	if order != orderDesc && order != orderAsc {
		return Leaderboard{}, newServiceError(opLeaderboard, "invalid_order", fmt.Errorf("%w: order %q", ErrInvalidQuery, query.Order))
	}
	if period != ScopeAll && period != ScopeDaily && period != ScopeWeekly {
		return Leaderboard{}, newServiceError(opLeaderboard, "invalid_period", fmt.Errorf("%w: period %q", ErrInvalidQuery, query.Period))
	}
	if sortBy == MetricCompleted && period != ScopeAll {
		return Leaderboard{}, newServiceError(opLeaderboard, "invalid_period", fmt.Errorf("%w: completed is only ranked all-time", ErrInvalidQuery))
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}
	if limit > maxLeaderboardLimit {
		limit = maxLeaderboardLimit
	}

	board := Leaderboard{Sort: sortBy, Order: order, Period: period, Rows: []LeaderboardRow{}}
	boardKey := s.keys.Leaderboard(sortBy, ScopeAll, "")
	if period != ScopeAll {
		board.PeriodKey = missions.PeriodKey(missions.Period(period), s.clock().UTC())
		boardKey = s.keys.Leaderboard(sortBy, period, board.PeriodKey)
	}
	reverse := order == orderDesc

	members, err := s.store.ZRange(ctx, boardKey, 0, limit-1, reverse)
	if err != nil {
		s.logError(opLeaderboard, "range_failed", err, zap.String("board", boardKey))
		return Leaderboard{}, newServiceError(opLeaderboard, "range_failed", err)
	}
	for index, member := range members {
		board.Rows = append(board.Rows, LeaderboardRow{
			Rank:   int64(index) + 1,
			Wallet: member.Member,
			Score:  scoreToInt(member.Score),
		})
	}

	if strings.TrimSpace(query.Wallet) == "" {
		return board, nil
	}
	wallet, err := missions.NewWallet(query.Wallet)
	if err != nil {
		return Leaderboard{}, newServiceError(opLeaderboard, "invalid_wallet", err)
	}
	rank, found, err := s.store.ZRank(ctx, boardKey, wallet.String(), reverse)
	if err != nil {
		s.logError(opLeaderboard, "rank_failed", err, zap.String("board", boardKey), zap.String("wallet", wallet.String()))
		return Leaderboard{}, newServiceError(opLeaderboard, "rank_failed", err)
	}
	if !found {
		return board, nil
	}
	score, _, err := s.store.ZScore(ctx, boardKey, wallet.String())
	if err != nil {
		s.logError(opLeaderboard, "score_failed", err, zap.String("board", boardKey), zap.String("wallet", wallet.String()))
		return Leaderboard{}, newServiceError(opLeaderboard, "score_failed", err)
	}
	board.You = &LeaderboardRow{Rank: rank + 1, Wallet: wallet.String(), Score: scoreToInt(score)}
	return board, nil
}

// OverwritePoints sets points_total to an explicit value and mirrors it into the all-time
// points leaderboard. Reconciliation is its only caller; it is the one path allowed to lower a
// total.
func (s *Service) OverwritePoints(ctx context.Context, wallet missions.Wallet, total int64) error {
	if total < 0 {
		total = 0
	}
	fields := []zap.Field{zap.String("wallet", wallet.String()), zap.Int64("points_total", total)}
	stamp := strconv.FormatInt(s.clock().UTC().UnixMilli(), 10)
	err := s.store.HSet(ctx, s.keys.Profile(wallet.String()), map[string]string{
		fieldPointsTotal: strconv.FormatInt(total, 10),
		fieldUpdatedAt:   stamp,
	})
	if err != nil {
		s.logError(opOverwritePoints, "profile_write_failed", err, fields...)
		return newServiceError(opOverwritePoints, "profile_write_failed", err)
	}
	if err := s.store.ZAdd(ctx, s.keys.Leaderboard(MetricPoints, ScopeAll, ""), wallet.String(), float64(total)); err != nil {
		s.logError(opOverwritePoints, "leaderboard_update_failed", err, fields...)
		return newServiceError(opOverwritePoints, "leaderboard_update_failed", err)
	}
	s.logger.Info("points total overwritten", fields...)
	return nil
}

func scoreToInt(score float64) int64 {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0
	}
	return int64(score)
}
