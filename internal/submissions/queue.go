// Package submissions is the queue of proofs awaiting admin review.
//
// Pending, approved and rejected submissions are bounded lists, newest first. Entries are
// addressed by submission id; entries written before ids existed get a content-derived id on
// first read, which is then persisted back.
package submissions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/kv"
	"github.com/MarcoPoloResearchLab/missions/internal/metrics"
	"github.com/MarcoPoloResearchLab/missions/internal/missions"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPendingMax        = 500
	defaultReviewedMax       = 1000
	defaultScanPrefix        = 100
	defaultListLimit         = 100
	defaultMarkerTTLDaily    = 3 * 24 * time.Hour
	defaultMarkerTTLWeekly   = 30 * 24 * time.Hour
	defaultMarkerTTLOnce     = 365 * 24 * time.Hour
	legacyIDPrefix           = "legacy-"
	legacyIDHexLength        = 16
	submissionIDRandomLength = 8
)

var noOpLogger = zap.NewNop()

type Config struct {
	Store           kv.Store
	Keys            kv.Keys
	Clock           func() time.Time
	Logger          *zap.Logger
	Metrics         *metrics.Recorder
	PendingMax      int64
	ReviewedMax     int64
	ScanPrefix      int64
	MarkerTTLDaily  time.Duration
	MarkerTTLWeekly time.Duration
	MarkerTTLOnce   time.Duration
}

type Queue struct {
	store      kv.Store
	keys       kv.Keys
	clock      func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Recorder
	pendingMax int64
	reviewMax  int64
	scanPrefix int64
	markerTTL  map[missions.Period]time.Duration
}

func positiveOr[T int64 | time.Duration](value, fallback T) T {
	if value > 0 {
		return value
	}
	return fallback
}

func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opQueueNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	pendingMax := positiveOr(cfg.PendingMax, defaultPendingMax)
	scanPrefix := positiveOr(cfg.ScanPrefix, defaultScanPrefix)
	if scanPrefix > pendingMax {
		scanPrefix = pendingMax
	}
	return &Queue{
		store:      cfg.Store,
		keys:       cfg.Keys,
		clock:      clock,
		logger:     logger,
		metrics:    cfg.Metrics,
		pendingMax: pendingMax,
		reviewMax:  positiveOr(cfg.ReviewedMax, defaultReviewedMax),
		scanPrefix: scanPrefix,
		markerTTL: map[missions.Period]time.Duration{
			missions.PeriodDaily:  positiveOr(cfg.MarkerTTLDaily, defaultMarkerTTLDaily),
			missions.PeriodWeekly: positiveOr(cfg.MarkerTTLWeekly, defaultMarkerTTLWeekly),
			missions.PeriodOnce:   positiveOr(cfg.MarkerTTLOnce, defaultMarkerTTLOnce),
		},
	}, nil
}

// SubmitRequest is one proof submission.
type SubmitRequest struct {
	Wallet    missions.Wallet
	Mission   missions.Mission
	PeriodKey string
	Points    int64
	Proof     json.RawMessage
}

// SubmitResult is always pending; Duplicated marks a resubmission that changed nothing.
type SubmitResult struct {
	Pending      bool   `json:"pending"`
	SubmissionID string `json:"submissionId,omitempty"`
	Duplicated   bool   `json:"duplicated,omitempty"`
}

// Submit enqueues a proof once per wallet, mission and period key.
func (q *Queue) Submit(ctx context.Context, request SubmitRequest) (SubmitResult, Submission, error) {
	now := q.clock().UTC()
	mission := request.Mission
	periodKey := request.PeriodKey
	if periodKey == "" {
		periodKey = missions.PeriodKey(mission.Period, now)
	}
	if !missions.ValidPeriodKey(mission.Period, periodKey) {
		return SubmitResult{}, Submission{}, newServiceError(opSubmit, "invalid_period_key", ErrInvalidPeriodKey)
	}
	wallet := request.Wallet.String()
	missionKey := mission.Key()
	fields := []zap.Field{
		zap.String("wallet", wallet),
		zap.String("mission_id", missionKey),
		zap.String("period_key", periodKey),
	}

	submissionID := newSubmissionID(now, request.Wallet)
	markerKey := q.keys.SubmissionMarker(wallet, missionKey, periodKey)
	stored, err := q.store.SetNX(ctx, markerKey, submissionID, q.markerTTL[mission.Period])
	if err != nil {
		q.logError(opSubmit, "marker_failed", err, fields...)
		return SubmitResult{}, Submission{}, newServiceError(opSubmit, "marker_failed", err)
	}
	if !stored {
		q.metrics.Submission("duplicated")
		return SubmitResult{Pending: true, Duplicated: true}, Submission{}, nil
	}

	submission := Submission{
		SubmissionID: submissionID,
		Timestamp:    now.UnixMilli(),
		Wallet:       wallet,
		MissionID:    missionKey,
		Period:       mission.Period,
		PeriodKey:    periodKey,
		Points:       max(request.Points, 0),
		Proof:        request.Proof,
		Status:       StatusPending,
	}
	encoded, err := json.Marshal(submission)
	if err != nil {
		q.releaseMarker(ctx, markerKey, fields)
		return SubmitResult{}, Submission{}, newServiceError(opSubmit, "encode_failed", err)
	}
	pendingKey := q.keys.PendingSubmissions()
	if err := q.store.LPush(ctx, pendingKey, string(encoded)); err != nil {
		q.releaseMarker(ctx, markerKey, fields)
		q.logError(opSubmit, "enqueue_failed", err, fields...)
		return SubmitResult{}, Submission{}, newServiceError(opSubmit, "enqueue_failed", err)
	}
	if err := q.store.LTrim(ctx, pendingKey, 0, q.pendingMax-1); err != nil {
		q.logError(opSubmit, "trim_failed", err, fields...)
	}
	q.metrics.Submission("accepted")
	q.logger.Info("submission enqueued", append(fields, zap.String("submission_id", submissionID))...)
	return SubmitResult{Pending: true, SubmissionID: submissionID}, submission, nil
}

func (q *Queue) releaseMarker(ctx context.Context, markerKey string, fields []zap.Field) {
	if err := q.store.Del(ctx, markerKey); err != nil {
		q.logError(opSubmit, "marker_release_failed", err, fields...)
	}
}

// ListPending returns up to limit pending entries, newest first. In slim mode embedded image
// payloads are skipped while decoding and never copied into the result.
func (q *Queue) ListPending(ctx context.Context, limit int64, slim bool) ([]Item, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > q.pendingMax {
		limit = q.pendingMax
	}
	rawEntries, err := q.store.LRange(ctx, q.keys.PendingSubmissions(), 0, limit-1)
	if err != nil {
		q.logError(opList, "range_failed", err)
		return nil, newServiceError(opList, "range_failed", err)
	}
	items := make([]Item, 0, len(rawEntries))
	for _, raw := range rawEntries {
		item := q.decodeItem(raw, slim)
		if item.legacy {
			q.persistLegacyID(ctx, raw, item.SubmissionID)
		}
		items = append(items, item.Item)
	}
	return items, nil
}

type decodedItem struct {
	Item
	legacy bool
}

func (q *Queue) decodeItem(raw string, slim bool) decodedItem {
	var (
		header storedHeader
		proof  any
	)
	if slim {
		var entry storedSlim
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return malformedItem(raw)
		}
		header, proof = entry.storedHeader, entry.Proof.view()
	} else {
		var entry storedFull
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return malformedItem(raw)
		}
		header = entry.storedHeader
		if len(entry.Proof) > 0 && string(entry.Proof) != "null" {
			proof = entry.Proof
		}
	}
	id := header.SubmissionID
	legacy := id == ""
	if legacy {
		id = LegacyID(raw)
	}
	return decodedItem{Item: header.item(id, proof), legacy: legacy}
}

// malformedItem wraps an entry that is not a JSON object. Its id is derived from the raw text,
// so it stays addressable for removal.
func malformedItem(raw string) decodedItem {
	return decodedItem{Item: Item{
		SubmissionID: LegacyID(raw),
		Status:       StatusPending,
		Proof:        raw,
	}}
}

// LegacyID derives the stable id of an entry stored without one.
func LegacyID(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return legacyIDPrefix + hex.EncodeToString(sum[:])[:legacyIDHexLength]
}

// persistLegacyID writes the derived id back into the stored entry, in place.
func (q *Queue) persistLegacyID(ctx context.Context, raw, id string) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return
	}
	encodedID, _ := json.Marshal(id)
	fields["submissionId"] = encodedID
	rewritten, err := json.Marshal(fields)
	if err != nil {
		return
	}
	replaced, err := q.store.LReplace(ctx, q.keys.PendingSubmissions(), raw, string(rewritten))
	if err != nil {
		q.logError(opMigrateIDs, "replace_failed", err, zap.String("submission_id", id))
		return
	}
	if replaced {
		q.logger.Info("legacy submission id assigned", zap.String("submission_id", id))
	}
}

// Review describes where a removed submission goes and who sent it there.
type Review struct {
	Status     Status
	ReviewedBy string
	Reason     string
	Note       string
}

// RemoveBySubmissionID removes one pending entry by id and files it under the review's status.
func (q *Queue) RemoveBySubmissionID(ctx context.Context, submissionID string, review Review) (Submission, error) {
	return q.remove(ctx, review, func(item decodedItem) bool {
		return item.SubmissionID == submissionID
	}, zap.String("submission_id", submissionID))
}

// RemoveByIdentity removes the pending entry for a wallet, mission and period key.
func (q *Queue) RemoveByIdentity(ctx context.Context, identity Identity, review Review) (Submission, error) {
	wallet := identity.Wallet.String()
	missionKey := identity.Mission.Key()
	periodKey := identity.PeriodKey
	if periodKey == "" {
		periodKey = missions.PeriodKey(identity.Mission.Period, q.clock().UTC())
	}
	return q.remove(ctx, review, func(item decodedItem) bool {
		return item.Wallet == wallet && item.MissionID == missionKey && item.PeriodKey == periodKey
	}, zap.String("wallet", wallet), zap.String("mission_id", missionKey), zap.String("period_key", periodKey))
}

func (q *Queue) remove(ctx context.Context, review Review, match func(decodedItem) bool, fields ...zap.Field) (Submission, error) {
	raw, item, err := q.find(ctx, match)
	if err != nil {
		q.logError(opRemove, "scan_failed", err, fields...)
		return Submission{}, newServiceError(opRemove, "scan_failed", err)
	}
	if raw == "" {
		return Submission{}, newServiceError(opRemove, "not_found", ErrNotFound)
	}
	removed, err := q.store.LRem(ctx, q.keys.PendingSubmissions(), 1, raw)
	if err != nil {
		q.logError(opRemove, "remove_failed", err, fields...)
		return Submission{}, newServiceError(opRemove, "remove_failed", err)
	}
	if removed == 0 {
		return Submission{}, newServiceError(opRemove, "not_found", ErrNotFound)
	}

	submission := submissionFrom(raw, item.Item)
	submission.Status = review.Status
	submission.ReviewedAt = q.clock().UTC().UnixMilli()
	submission.ReviewedBy = review.ReviewedBy
	if review.Status == StatusRejected {
		submission.RejectReason = review.Reason
		submission.RejectNote = review.Note
	}
	if err := q.archive(ctx, submission); err != nil {
		q.logError(opRemove, "archive_failed", err, fields...)
	}
	return submission, nil
}

// find scans a bounded prefix of the pending list first and the whole capped list only when
// the prefix misses.
func (q *Queue) find(ctx context.Context, match func(decodedItem) bool) (string, decodedItem, error) {
	pendingKey := q.keys.PendingSubmissions()
	scanned := int64(0)
	for _, window := range []int64{q.scanPrefix, q.pendingMax} {
		if window <= scanned {
			continue
		}
		rawEntries, err := q.store.LRange(ctx, pendingKey, scanned, window-1)
		if err != nil {
			return "", decodedItem{}, err
		}
		for _, raw := range rawEntries {
			item := q.decodeItem(raw, true)
			if match(item) {
				return raw, item, nil
			}
		}
		if int64(len(rawEntries)) < window-scanned {
			break
		}
		scanned = window
	}
	return "", decodedItem{}, nil
}

func submissionFrom(raw string, item Item) Submission {
	submission := Submission{
		SubmissionID: item.SubmissionID,
		Timestamp:    item.Timestamp,
		Wallet:       item.Wallet,
		MissionID:    item.MissionID,
		Period:       item.Period,
		PeriodKey:    item.PeriodKey,
		Points:       item.Points,
	}
	var full storedFull
	if err := json.Unmarshal([]byte(raw), &full); err == nil {
		if len(full.Proof) > 0 && string(full.Proof) != "null" {
			submission.Proof = full.Proof
		}
	} else {
		encoded, _ := json.Marshal(raw)
		submission.Proof = encoded
	}
	return submission
}

func (q *Queue) reviewedKey(status Status) string {
	if status == StatusApproved {
		return q.keys.ApprovedSubmissions()
	}
	return q.keys.RejectedSubmissions()
}

func (q *Queue) archive(ctx context.Context, submission Submission) error {
	encoded, err := json.Marshal(submission)
	if err != nil {
		return err
	}
	key := q.reviewedKey(submission.Status)
	if err := q.store.LPush(ctx, key, string(encoded)); err != nil {
		return err
	}
	return q.store.LTrim(ctx, key, 0, q.reviewMax-1)
}

// Restore puts a removed submission back on the pending list and drops its archived copy.
// Review calls it when the accounting that should follow a removal fails.
func (q *Queue) Restore(ctx context.Context, submission Submission) error {
	fields := []zap.Field{zap.String("submission_id", submission.SubmissionID)}
	archived, err := json.Marshal(submission)
	if err != nil {
		return newServiceError(opRestore, "encode_failed", err)
	}
	if _, err := q.store.LRem(ctx, q.reviewedKey(submission.Status), 1, string(archived)); err != nil {
		q.logError(opRestore, "unarchive_failed", err, fields...)
	}
	submission.Status = StatusPending
	submission.ReviewedAt = 0
	submission.ReviewedBy = ""
	submission.RejectReason = ""
	submission.RejectNote = ""
	encoded, err := json.Marshal(submission)
	if err != nil {
		return newServiceError(opRestore, "encode_failed", err)
	}
	if err := q.store.LPush(ctx, q.keys.PendingSubmissions(), string(encoded)); err != nil {
		q.logError(opRestore, "enqueue_failed", err, fields...)
		return newServiceError(opRestore, "enqueue_failed", err)
	}
	return nil
}

// ClearMarker lets the wallet submit again for the same mission and period.
func (q *Queue) ClearMarker(ctx context.Context, submission Submission) error {
	return q.store.Del(ctx, q.keys.SubmissionMarker(submission.Wallet, submission.MissionID, submission.PeriodKey))
}

// Reviewed returns up to limit archived submissions with the given status, newest first.
func (q *Queue) Reviewed(ctx context.Context, status Status, limit int64) ([]Submission, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rawEntries, err := q.store.LRange(ctx, q.reviewedKey(status), 0, limit-1)
	if err != nil {
		return nil, newServiceError(opList, "range_failed", err)
	}
	reviewed := make([]Submission, 0, len(rawEntries))
	for _, raw := range rawEntries {
		var submission Submission
		if err := json.Unmarshal([]byte(raw), &submission); err != nil {
			continue
		}
		reviewed = append(reviewed, submission)
	}
	return reviewed, nil
}

func newSubmissionID(now time.Time, wallet missions.Wallet) string {
	random := uuid.NewString()
	return fmt.Sprintf("sub_%s_%s_%s",
		strconv.FormatInt(now.UnixMilli(), 36),
		wallet.Fragment(),
		random[:submissionIDRandomLength])
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("submissions queue error", attrs...)
}
