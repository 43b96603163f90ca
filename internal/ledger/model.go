package ledger

import (
	"encoding/json"
	"strconv"

	"github.com/MarcoPoloResearchLab/missions/internal/missions"
)

// Reason explains why points were granted.
type Reason string

const (
	ReasonMissionClaim  Reason = "mission_claim"
	ReasonAdminApproved Reason = "admin_approved"
)

// Profile field names inside the profile hash.
const (
	fieldPointsTotal     = "points_total"
	fieldCompletedTotal  = "completed_total"
	fieldUniqueOnceTotal = "unique_once_total"
	fieldStreakCount     = "streak_count"
	fieldStreakLastDate  = "streak_last_date"
	fieldUpdatedAt       = "updatedAt"
)

// Leaderboard metrics and scopes.
const (
	MetricPoints    = "points"
	MetricCompleted = "completed"
	ScopeAll        = "all"
	ScopeDaily      = "daily"
	ScopeWeekly     = "weekly"
)

// ClaimContext describes who or what triggered a grant.
type ClaimContext struct {
	Reason       Reason
	Admin        string
	Note         string
	SubmissionID string
	Proof        json.RawMessage
}

// OnchainOutcome records the result of mirroring a grant on chain. Init is set when the award
// created the wallet's on-chain account.
type OnchainOutcome struct {
	OK    bool   `json:"ok"`
	Tx    string `json:"tx,omitempty"`
	Error string `json:"error,omitempty"`
	Init  bool   `json:"init,omitempty"`
}

// Entry is one immutable ledger record. Raw holds the stored text of entries that could not
// be decoded.
type Entry struct {
	ID            string          `json:"id,omitempty"`
	Timestamp     int64           `json:"ts"`
	Wallet        string          `json:"wallet"`
	MissionID     string          `json:"missionId"`
	Period        missions.Period `json:"period"`
	PeriodKey     string          `json:"periodKey"`
	Amount        int64           `json:"amount"`
	Reason        Reason          `json:"reason"`
	Admin         string          `json:"admin,omitempty"`
	Note          string          `json:"note,omitempty"`
	SubmissionID  string          `json:"submissionId,omitempty"`
	Proof         json.RawMessage `json:"proof,omitempty"`
	UniqueCounted bool            `json:"uniqueCounted"`
	OnchainOK     *bool           `json:"onchainOk,omitempty"`
	OnchainTx     string          `json:"onchainTx,omitempty"`
	OnchainError  string          `json:"onchainError,omitempty"`
	OnchainInit   bool            `json:"onchainInit,omitempty"`
	Raw           string          `json:"raw,omitempty"`
}

// Streak is the daily completion streak of a wallet.
type Streak struct {
	Count    int64  `json:"count"`
	LastDate string `json:"lastDate"`
	Active   bool   `json:"active"`
}

// Profile is the decoded wallet profile hash.
type Profile struct {
	PointsTotal     int64
	CompletedTotal  int64
	UniqueOnceTotal int64
	StreakCount     int64
	StreakLastDate  string
	UpdatedAt       int64
}

// Stats is the public view of a profile.
type Stats struct {
	Wallet          string `json:"wallet"`
	Points          int64  `json:"points"`
	Completed       int64  `json:"completed"`
	UniqueCompleted int64  `json:"uniqueCompleted"`
	Streak          Streak `json:"streak"`
}

// Result is the outcome of a grant. AlreadyClaimed marks a replay that changed nothing.
type Result struct {
	Wallet          string          `json:"wallet"`
	MissionID       string          `json:"missionId"`
	Period          missions.Period `json:"period"`
	PeriodKey       string          `json:"periodKey"`
	AlreadyClaimed  bool            `json:"alreadyClaimed"`
	PointsAdded     int64           `json:"pointsAdded"`
	TotalPoints     int64           `json:"totalPoints"`
	Completed       int64           `json:"completed"`
	UniqueCompleted int64           `json:"uniqueCompleted"`
	UniqueCounted   bool            `json:"uniqueCounted"`
	Streak          Streak          `json:"streak"`
	Onchain         *OnchainOutcome `json:"onchain,omitempty"`
}

// LeaderboardRow is one ranked wallet. Rank starts at 1.
type LeaderboardRow struct {
	Rank   int64  `json:"rank"`
	Wallet string `json:"wallet"`
	Score  int64  `json:"score"`
}

// LeaderboardQuery selects one ranked set.
type LeaderboardQuery struct {
	Sort   string
	Order  string
	Period string
	Limit  int64
	Wallet string
}

// Leaderboard is a page of ranked rows plus the caller's own row when requested.
type Leaderboard struct {
	Sort      string           `json:"sort"`
	Order     string           `json:"order"`
	Period    string           `json:"period"`
	PeriodKey string           `json:"periodKey,omitempty"`
	Rows      []LeaderboardRow `json:"rows"`
	You       *LeaderboardRow  `json:"you,omitempty"`
}

func parseInt(raw string) int64 {
	if raw == "" {
		return 0
	}
	if value, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return value
	}
	return missions.ParsePoints(raw)
}

func decodeProfile(fields map[string]string) Profile {
	return Profile{
		PointsTotal:     parseInt(fields[fieldPointsTotal]),
		CompletedTotal:  parseInt(fields[fieldCompletedTotal]),
		UniqueOnceTotal: parseInt(fields[fieldUniqueOnceTotal]),
		StreakCount:     parseInt(fields[fieldStreakCount]),
		StreakLastDate:  fields[fieldStreakLastDate],
		UpdatedAt:       parseInt(fields[fieldUpdatedAt]),
	}
}
