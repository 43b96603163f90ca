package server

import (
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/missions/internal/ledger"
	"github.com/MarcoPoloResearchLab/missions/internal/missions"
	"github.com/MarcoPoloResearchLab/missions/internal/proofs"
	"github.com/MarcoPoloResearchLab/missions/internal/submissions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	multipartOverhead   = 1 << 20
)

type catalogEntryPayload struct {
	ID          string                `json:"id"`
	Title       string                `json:"title"`
	Kind        missions.Kind         `json:"kind"`
	Points      int64                 `json:"points"`
	Period      missions.Period       `json:"period"`
	PeriodKey   string                `json:"periodKey"`
	Requirement *missions.Requirement `json:"requirement,omitempty"`
}

func (h *httpHandler) handleCatalog(c *gin.Context) {
	now := h.clock().UTC()
	definitions := h.catalog.All()
	items := make([]catalogEntryPayload, 0, len(definitions))
	for _, definition := range definitions {
		mission := definition.Mission()
		items = append(items, catalogEntryPayload{
			ID:          definition.ID,
			Title:       definition.Title,
			Kind:        definition.Kind,
			Points:      definition.BasePoints,
			Period:      mission.Period,
			PeriodKey:   missions.PeriodKey(mission.Period, now),
			Requirement: definition.Requirement,
		})
	}
	c.JSON(http.StatusOK, gin.H{"missions": items})
}

type submitRequestPayload struct {
	Wallet    string `json:"wallet"`
	MissionID string `json:"missionId"`
	PeriodKey string `json:"periodKey"`
	Points    any    `json:"points"`
	ProofURL  string `json:"proofUrl"`
	Note      string `json:"note"`
	TxRef     string `json:"txRef"`
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	var request submitRequestPayload
	var files []*multipart.FileHeader
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		limit := int64(h.proofs.MaxFiles())*h.proofs.MaxBytes() + multipartOverhead
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		form, err := c.MultipartForm()
		if err != nil {
			badRequest(c, "invalid_request", "")
			return
		}
		request = submitRequestPayload{
			Wallet:    c.PostForm("wallet"),
			MissionID: c.PostForm("missionId"),
			PeriodKey: c.PostForm("periodKey"),
			Points:    c.PostForm("points"),
			ProofURL:  c.PostForm("proofUrl"),
			Note:      c.PostForm("note"),
			TxRef:     c.PostForm("txRef"),
		}
		files = form.File["files"]
	} else if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request", "")
		return
	}

	wallet, mission, ok := parseRefs(c, request.Wallet, request.MissionID)
	if !ok {
		return
	}
	proof, err := h.proofs.Build(c.Request.Context(), wallet.String(), proofs.Fields{
		URL:   request.ProofURL,
		Note:  request.Note,
		TxRef: request.TxRef,
	}, files)
	if err != nil {
		h.respondError(c, err, zap.String("wallet", wallet.String()))
		return
	}
	encodedProof, err := json.Marshal(proof)
	if err != nil {
		h.respondError(c, err)
		return
	}

	result, submission, err := h.queue.Submit(c.Request.Context(), submissions.SubmitRequest{
		Wallet:    wallet,
		Mission:   mission,
		PeriodKey: strings.TrimSpace(request.PeriodKey),
		Points:    missions.ParsePoints(request.Points),
		Proof:     encodedProof,
	})
	if err != nil {
		h.respondError(c, err, zap.String("wallet", wallet.String()), zap.String("mission_id", mission.Key()))
		return
	}
	if !result.Duplicated {
		h.review.NotifySubmitted(submission)
	}
	c.JSON(http.StatusOK, result)
}

type verifyRequestPayload struct {
	Wallet    string `json:"wallet"`
	MissionID string `json:"missionId"`
}

func (h *httpHandler) handleVerify(c *gin.Context) {
	if h.verifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "verification_unavailable"})
		return
	}
	var request verifyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request", "")
		return
	}
	wallet, mission, ok := parseRefs(c, request.Wallet, request.MissionID)
	if !ok {
		return
	}
	result, err := h.verifier.Verify(c.Request.Context(), wallet, mission)
	if err != nil {
		h.respondError(c, err, zap.String("wallet", wallet.String()), zap.String("mission_id", mission.Key()))
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleStats(c *gin.Context) {
	wallet, ok := parseWalletQuery(c)
	if !ok {
		return
	}
	stats, err := h.ledger.Stats(c.Request.Context(), wallet)
	if err != nil {
		h.respondError(c, err, zap.String("wallet", wallet.String()))
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	wallet, ok := parseWalletQuery(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c, defaultHistoryLimit)
	if !ok {
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	entries, err := h.ledger.History(c.Request.Context(), wallet, limit)
	if err != nil {
		h.respondError(c, err, zap.String("wallet", wallet.String()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": wallet.String(), "items": entries})
}

func (h *httpHandler) handleLeaderboard(c *gin.Context) {
	limit, ok := parseLimit(c, 0)
	if !ok {
		return
	}
	query := ledger.LeaderboardQuery{
		Sort:   c.Query("sort"),
		Order:  c.Query("order"),
		Period: c.Query("period"),
		Limit:  limit,
	}
	if raw := strings.TrimSpace(c.Query("wallet")); raw != "" {
		wallet, err := missions.NewWallet(raw)
		if err != nil {
			h.respondError(c, err)
			return
		}
		query.Wallet = wallet.String()
	}
	board, err := h.ledger.Leaderboard(c.Request.Context(), query)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, board)
}

func (h *httpHandler) handleOnchainSummary(c *gin.Context) {
	wallet, ok := parseWalletQuery(c)
	if !ok {
		return
	}
	summary, err := h.reconciler.Summary(c.Request.Context(), wallet)
	if err != nil {
		h.respondError(c, err, zap.String("wallet", wallet.String()))
		return
	}
	c.JSON(http.StatusOK, summary)
}

// parseRefs validates a wallet and a mission id taken from a request body. A missing mission id
// is a client error rather than the default mission.
func parseRefs(c *gin.Context, rawWallet, rawMission string) (missions.Wallet, missions.Mission, bool) {
	if strings.TrimSpace(rawWallet) == "" {
		badRequest(c, "missing_wallet", "wallet")
		return "", missions.Mission{}, false
	}
	wallet, err := missions.NewWallet(rawWallet)
	if err != nil {
		badRequest(c, "invalid_wallet", "wallet")
		return "", missions.Mission{}, false
	}
	if strings.TrimSpace(rawMission) == "" {
		badRequest(c, "missing_mission", "missionId")
		return "", missions.Mission{}, false
	}
	mission, err := missions.ParseMission(rawMission)
	if err != nil {
		badRequest(c, "invalid_mission", "missionId")
		return "", missions.Mission{}, false
	}
	return wallet, mission, true
}

func parseWalletQuery(c *gin.Context) (missions.Wallet, bool) {
	raw := c.Query("wallet")
	if strings.TrimSpace(raw) == "" {
		badRequest(c, "missing_wallet", "wallet")
		return "", false
	}
	wallet, err := missions.NewWallet(raw)
	if err != nil {
		badRequest(c, "invalid_wallet", "wallet")
		return "", false
	}
	return wallet, true
}

func parseLimit(c *gin.Context, fallback int64) (int64, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return fallback, true
	}
	limit, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || limit < 0 {
		badRequest(c, "invalid_limit", "limit")
		return 0, false
	}
	return limit, true
}
