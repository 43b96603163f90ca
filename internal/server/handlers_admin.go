package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/missions"
	"github.com/MarcoPoloResearchLab/missions/internal/review"
	"github.com/MarcoPoloResearchLab/missions/internal/submissions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultPendingLimit = 100

type nonceRequestPayload struct {
	Wallet string `json:"wallet"`
}

func (h *httpHandler) handleAuthNonce(c *gin.Context) {
	var request nonceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Wallet) == "" {
		badRequest(c, "invalid_request", "wallet")
		return
	}
	wallet, err := missions.NewWallet(request.Wallet)
	if err != nil {
		h.respondError(c, err)
		return
	}
	challenge, err := h.wallets.IssueChallenge(c.Request.Context(), wallet)
	if err != nil {
		h.respondError(c, err, zap.String("wallet", wallet.String()))
		return
	}
	c.JSON(http.StatusOK, challenge)
}

type adminAuthRequestPayload struct {
	Wallet    string `json:"wallet"`
	Signature string `json:"signature"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Wallet      string `json:"wallet"`
}

func (h *httpHandler) handleAuthAdmin(c *gin.Context) {
	var request adminAuthRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Wallet) == "" || strings.TrimSpace(request.Signature) == "" {
		badRequest(c, "invalid_request", "")
		return
	}
	wallet, err := missions.NewWallet(request.Wallet)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.wallets.Verify(c.Request.Context(), wallet, request.Signature); err != nil {
		h.logger.Warn("admin signature verification failed", zap.String("wallet", wallet.String()), zap.Error(err))
		h.respondError(c, err, zap.String("wallet", wallet.String()))
		return
	}
	if !h.admins.Allows(wallet.String()) {
		h.logger.Warn("non-admin wallet attempted admin login", zap.String("wallet", wallet.String()))
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	token, expiresIn, err := h.tokens.IssueAdminToken(c.Request.Context(), wallet.String())
	if err != nil {
		h.logger.Error("failed to issue admin token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), token, int(expiresIn), "/", "", c.Request.TLS != nil, true)
	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		Wallet:      wallet.String(),
	})
}

func (h *httpHandler) handleListPending(c *gin.Context) {
	limit, ok := parseLimit(c, defaultPendingLimit)
	if !ok {
		return
	}
	slim, _ := strconv.ParseBool(c.DefaultQuery("slim", "false"))
	items, err := h.queue.ListPending(c.Request.Context(), limit, slim)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *httpHandler) handleListReviewed(c *gin.Context) {
	limit, ok := parseLimit(c, defaultPendingLimit)
	if !ok {
		return
	}
	status := submissions.Status(strings.ToLower(c.DefaultQuery("status", string(submissions.StatusApproved))))
	if status != submissions.StatusApproved && status != submissions.StatusRejected {
		badRequest(c, "invalid_status", "status")
		return
	}
	items, err := h.queue.Reviewed(c.Request.Context(), status, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "items": items})
}

type approveRequestPayload struct {
	SubmissionID string `json:"submissionId"`
	Wallet       string `json:"wallet"`
	MissionID    string `json:"missionId"`
	PeriodKey    string `json:"periodKey"`
	Points       any    `json:"points"`
	Note         string `json:"note"`
}

func (h *httpHandler) handleApprove(c *gin.Context) {
	var request approveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request", "")
		return
	}
	approve := review.ApproveRequest{
		SubmissionID:   strings.TrimSpace(request.SubmissionID),
		OverridePoints: missions.ParsePoints(request.Points),
		Note:           strings.TrimSpace(request.Note),
		Admin:          c.GetString(adminWalletContextKey),
	}
	if approve.SubmissionID == "" {
		if strings.TrimSpace(request.Wallet) == "" && strings.TrimSpace(request.MissionID) == "" {
			badRequest(c, "missing_target", "submissionId")
			return
		}
		wallet, mission, ok := parseRefs(c, request.Wallet, request.MissionID)
		if !ok {
			return
		}
		approve.Identity = &submissions.Identity{
			Wallet:    wallet,
			Mission:   mission,
			PeriodKey: strings.TrimSpace(request.PeriodKey),
		}
	}
	result, err := h.review.Approve(c.Request.Context(), approve)
	if err != nil {
		h.respondError(c, err, zap.String("submission_id", approve.SubmissionID))
		return
	}
	c.JSON(http.StatusOK, result)
}

type rejectRequestPayload struct {
	SubmissionID string `json:"submissionId"`
	Reason       string `json:"reason"`
	Note         string `json:"note"`
}

func (h *httpHandler) handleReject(c *gin.Context) {
	var request rejectRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SubmissionID) == "" {
		badRequest(c, "missing_target", "submissionId")
		return
	}
	result, err := h.review.Reject(c.Request.Context(), review.RejectRequest{
		SubmissionID: request.SubmissionID,
		Reason:       request.Reason,
		Note:         request.Note,
		Admin:        c.GetString(adminWalletContextKey),
	})
	if err != nil {
		h.respondError(c, err, zap.String("submission_id", request.SubmissionID))
		return
	}
	c.JSON(http.StatusOK, result)
}

type syncRequestPayload struct {
	Wallet string `json:"wallet"`
	DryRun bool   `json:"dryRun"`
}

func (h *httpHandler) handleOnchainSync(c *gin.Context) {
	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Wallet) == "" {
		badRequest(c, "missing_wallet", "wallet")
		return
	}
	wallet, err := missions.NewWallet(request.Wallet)
	if err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.reconciler.Resync(c.Request.Context(), wallet, request.DryRun)
	if err != nil {
		h.respondError(c, err, zap.String("wallet", wallet.String()))
		return
	}
	h.logger.Info("on-chain resync requested",
		zap.String("wallet", wallet.String()),
		zap.String("admin", c.GetString(adminWalletContextKey)),
		zap.Bool("dry_run", request.DryRun),
		zap.Bool("applied", result.Applied))
	c.JSON(http.StatusOK, result)
}

// handleEvents streams review events as server-sent events until the client disconnects.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, c.GetString(adminWalletContextKey))
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": h.clock().UTC().UnixMilli()})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(event.Type, event)
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": h.clock().UTC().UnixMilli()})
			c.Writer.Flush()
		}
	}
}
