package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/missions/internal/auth"
	"github.com/MarcoPoloResearchLab/missions/internal/ledger"
	"github.com/MarcoPoloResearchLab/missions/internal/missions"
	"github.com/MarcoPoloResearchLab/missions/internal/onchain"
	"github.com/MarcoPoloResearchLab/missions/internal/proofs"
	"github.com/MarcoPoloResearchLab/missions/internal/review"
	"github.com/MarcoPoloResearchLab/missions/internal/submissions"
	"github.com/MarcoPoloResearchLab/missions/internal/verify"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type codedError interface {
	Code() string
}

type errorMapping struct {
	target error
	status int
	reason string
	field  string
}

var errorMappings = []errorMapping{
	{target: missions.ErrInvalidWallet, status: http.StatusBadRequest, reason: "invalid_wallet", field: "wallet"},
	{target: auth.ErrWalletNotAnEVMAccount, status: http.StatusBadRequest, reason: "invalid_wallet", field: "wallet"},
	{target: missions.ErrInvalidMission, status: http.StatusBadRequest, reason: "invalid_mission", field: "missionId"},
	{target: missions.ErrUnknownMission, status: http.StatusBadRequest, reason: "unknown_mission", field: "missionId"},
	{target: verify.ErrUnknownMission, status: http.StatusBadRequest, reason: "unknown_mission", field: "missionId"},
	{target: verify.ErrManualReview, status: http.StatusBadRequest, reason: "manual_review_required", field: "missionId"},
	{target: submissions.ErrInvalidPeriodKey, status: http.StatusBadRequest, reason: "invalid_period_key", field: "periodKey"},
	{target: ledger.ErrInvalidPeriodKey, status: http.StatusBadRequest, reason: "invalid_period_key", field: "periodKey"},
	{target: ledger.ErrInvalidQuery, status: http.StatusBadRequest, reason: "invalid_query"},
	{target: proofs.ErrTooManyFiles, status: http.StatusBadRequest, reason: "too_many_files", field: "files"},
	{target: proofs.ErrFileTooLarge, status: http.StatusBadRequest, reason: "file_too_large", field: "files"},
	{target: proofs.ErrUnsupportedType, status: http.StatusBadRequest, reason: "unsupported_file_type", field: "files"},
	{target: proofs.ErrEmptyFile, status: http.StatusBadRequest, reason: "empty_file", field: "files"},
	{target: review.ErrMissingTarget, status: http.StatusBadRequest, reason: "missing_target", field: "submissionId"},
	{target: auth.ErrMalformedSignature, status: http.StatusUnauthorized, reason: "invalid_signature", field: "signature"},
	{target: auth.ErrSignatureMismatch, status: http.StatusUnauthorized, reason: "invalid_signature", field: "signature"},
	{target: auth.ErrNonceNotFound, status: http.StatusUnauthorized, reason: "nonce_invalid"},
	{target: auth.ErrNonceConsumed, status: http.StatusUnauthorized, reason: "nonce_invalid"},
	{target: review.ErrMissingAdmin, status: http.StatusUnauthorized, reason: "unauthorized"},
	{target: review.ErrNotFound, status: http.StatusNotFound, reason: "not_found"},
	{target: submissions.ErrNotFound, status: http.StatusNotFound, reason: "not_found"},
	{target: onchain.ErrChainUnavailable, status: http.StatusBadGateway, reason: "chain_unavailable"},
}

// respondError maps service errors onto HTTP statuses. Unknown errors are internal failures and
// are logged; client errors are not.
func (h *httpHandler) respondError(c *gin.Context, err error, fields ...zap.Field) {
	status, reason, field := http.StatusInternalServerError, "internal_error", ""
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			status, reason, field = mapping.status, mapping.reason, mapping.field
			break
		}
	}
	body := gin.H{"error": reason}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
		if status == http.StatusInternalServerError && strings.HasSuffix(coded.Code(), ".onchain_read_failed") {
			status, body["error"] = http.StatusBadGateway, "chain_unavailable"
		}
	}
	if field != "" {
		body["field"] = field
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", append(fields,
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))...)
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, reason, field string) {
	body := gin.H{"error": reason}
	if field != "" {
		body["field"] = field
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, body)
}
