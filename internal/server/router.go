package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/auth"
	"github.com/MarcoPoloResearchLab/missions/internal/kv"
	"github.com/MarcoPoloResearchLab/missions/internal/ledger"
	"github.com/MarcoPoloResearchLab/missions/internal/metrics"
	"github.com/MarcoPoloResearchLab/missions/internal/missions"
	"github.com/MarcoPoloResearchLab/missions/internal/onchain"
	"github.com/MarcoPoloResearchLab/missions/internal/proofs"
	"github.com/MarcoPoloResearchLab/missions/internal/review"
	"github.com/MarcoPoloResearchLab/missions/internal/submissions"
	"github.com/MarcoPoloResearchLab/missions/internal/verify"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	adminWalletContextKey    = "missions_admin_wallet"
	defaultHeartbeatInterval = 25 * time.Second
	healthTimeout            = 2 * time.Second
)

var (
	errMissingStore         = errors.New("store dependency required")
	errMissingCatalog       = errors.New("catalog dependency required")
	errMissingQueue         = errors.New("submission queue dependency required")
	errMissingLedger        = errors.New("ledger dependency required")
	errMissingReview        = errors.New("review service dependency required")
	errMissingReconciler    = errors.New("reconciler dependency required")
	errMissingAdminAuth     = errors.New("admin auth dependencies required")
	errInvalidAuthorization = errors.New("authorization header or session cookie missing or invalid")
)

// WalletVerifier issues and checks admin login challenges.
type WalletVerifier interface {
	IssueChallenge(ctx context.Context, wallet missions.Wallet) (auth.Challenge, error)
	Verify(ctx context.Context, wallet missions.Wallet, signature string) error
}

// AdminTokenIssuer signs admin sessions.
type AdminTokenIssuer interface {
	IssueAdminToken(ctx context.Context, wallet string) (string, int64, error)
	TTL() time.Duration
}

// SessionValidator reads admin sessions from requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	CookieName() string
}

type Dependencies struct {
	Store             kv.Store
	Catalog           *missions.Catalog
	Queue             *submissions.Queue
	Ledger            *ledger.Service
	Review            *review.Service
	Verifier          *verify.Verifier
	Reconciler        *onchain.Reconciler
	Proofs            *proofs.Intake
	Wallets           WalletVerifier
	Tokens            AdminTokenIssuer
	Sessions          SessionValidator
	Admins            *auth.Allowlist
	Realtime          *ReviewDispatcher
	Metrics           *metrics.Recorder
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Store == nil:
		return nil, errMissingStore
	case deps.Catalog == nil:
		return nil, errMissingCatalog
	case deps.Queue == nil:
		return nil, errMissingQueue
	case deps.Ledger == nil:
		return nil, errMissingLedger
	case deps.Review == nil:
		return nil, errMissingReview
	case deps.Reconciler == nil:
		return nil, errMissingReconciler
	case deps.Wallets == nil || deps.Tokens == nil || deps.Sessions == nil:
		return nil, errMissingAdminAuth
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	intake := deps.Proofs
	if intake == nil {
		intake = proofs.NewIntake(proofs.Config{Logger: logger})
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		store:      deps.Store,
		catalog:    deps.Catalog,
		queue:      deps.Queue,
		ledger:     deps.Ledger,
		review:     deps.Review,
		verifier:   deps.Verifier,
		reconciler: deps.Reconciler,
		proofs:     intake,
		wallets:    deps.Wallets,
		tokens:     deps.Tokens,
		sessions:   deps.Sessions,
		admins:     deps.Admins,
		realtime:   deps.Realtime,
		heartbeat:  heartbeat,
		clock:      clock,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	router.GET("/missions", handler.handleCatalog)
	router.POST("/missions/submit", handler.handleSubmit)
	router.POST("/missions/verify", handler.handleVerify)
	router.GET("/missions/stats", handler.handleStats)
	router.GET("/missions/history", handler.handleHistory)
	router.GET("/leaderboard", handler.handleLeaderboard)
	router.GET("/onchain/summary", handler.handleOnchainSummary)

	router.POST("/auth/nonce", handler.handleAuthNonce)
	router.POST("/auth/admin", handler.handleAuthAdmin)

	admin := router.Group("/admin")
	admin.Use(handler.authorizeAdmin)
	admin.GET("/submissions", handler.handleListPending)
	admin.GET("/submissions/reviewed", handler.handleListReviewed)
	admin.POST("/submissions/approve", handler.handleApprove)
	admin.POST("/submissions/reject", handler.handleReject)
	admin.POST("/onchain/sync", handler.handleOnchainSync)
	if deps.Realtime != nil {
		admin.GET("/events", handler.handleEvents)
	}

	return router, nil
}

type httpHandler struct {
	store      kv.Store
	catalog    *missions.Catalog
	queue      *submissions.Queue
	ledger     *ledger.Service
	review     *review.Service
	verifier   *verify.Verifier
	reconciler *onchain.Reconciler
	proofs     *proofs.Intake
	wallets    WalletVerifier
	tokens     AdminTokenIssuer
	sessions   SessionValidator
	admins     *auth.Allowlist
	realtime   *ReviewDispatcher
	heartbeat  time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

// corsMiddleware allows browser clients with credentials. An empty origin list allows any origin.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	origins := slices.Clone(allowedOrigins)
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return len(origins) == 0 || slices.Contains(origins, origin)
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.String("backend", h.store.Backend()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "backend": h.store.Backend()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "backend": h.store.Backend()})
}

// authorizeAdmin rejects requests without a valid session (401) and sessions whose wallet is no
// longer an admin (403) before any queue or ledger access.
func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("admin session validation failed", zap.Error(err))
		default:
			h.logger.Warn("admin session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "detail": errInvalidAuthorization.Error()})
		return
	}
	if !h.admins.Allows(claims.Wallet) {
		h.logger.Warn("admin session for wallet outside allowlist", zap.String("wallet", claims.Wallet))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set(adminWalletContextKey, claims.Wallet)
	c.Next()
}
