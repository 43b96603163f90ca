package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/auth"
	"github.com/MarcoPoloResearchLab/missions/internal/kv"
	"github.com/MarcoPoloResearchLab/missions/internal/kv/memory"
	"github.com/MarcoPoloResearchLab/missions/internal/ledger"
	"github.com/MarcoPoloResearchLab/missions/internal/metrics"
	"github.com/MarcoPoloResearchLab/missions/internal/missions"
	"github.com/MarcoPoloResearchLab/missions/internal/onchain"
	"github.com/MarcoPoloResearchLab/missions/internal/proofs"
	"github.com/MarcoPoloResearchLab/missions/internal/review"
	"github.com/MarcoPoloResearchLab/missions/internal/submissions"
	"github.com/MarcoPoloResearchLab/missions/internal/verify"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	testWallet         = "0x00000000000000000000000000000000000000aa"
	testTokenContract  = "0x1111111111111111111111111111111111111111"
	testSigningSecret  = "test-signing-secret"
	testCookieName     = "missions_admin"
	testHeartbeatDelay = 50 * time.Millisecond
)

var testNow = time.Date(2024, time.March, 6, 12, 0, 0, 0, time.UTC)

type stubChain struct {
	points   int64
	exists   bool
	readErr  error
	balance  *big.Int
	awardTx  string
	awardErr error
}

func (s *stubChain) PointsOf(context.Context, string) (int64, bool, error) {
	return s.points, s.exists, s.readErr
}

func (s *stubChain) Award(context.Context, onchain.AwardRequest) (string, error) {
	return s.awardTx, s.awardErr
}

func (s *stubChain) BalanceOf(context.Context, string, string) (*big.Int, error) {
	if s.balance == nil {
		return nil, onchain.ErrChainUnavailable
	}
	return s.balance, nil
}

type testServer struct {
	handler    http.Handler
	store      kv.Store
	queue      *submissions.Queue
	ledger     *ledger.Service
	dispatcher *ReviewDispatcher
	recorder   *metrics.Recorder
	chain      *stubChain
	adminKey   *ecdsa.PrivateKey
	adminHex   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := func() time.Time { return testNow }
	logger := zap.NewNop()
	store := memory.New(memory.Config{Clock: clock})
	keys := kv.NewKeys("test")
	recorder := metrics.New()
	chain := &stubChain{awardTx: "0xaward"}

	catalog, err := missions.NewCatalog(append(missions.DefaultDefinitions(), missions.Definition{
		ID:          "once:hold-token",
		Title:       "Hold the token",
		Kind:        missions.KindWallet,
		BasePoints:  300,
		Requirement: &missions.Requirement{Type: missions.RequirementBalance, Contract: testTokenContract},
	}))
	if err != nil {
		t.Fatalf("unexpected catalog error: %v", err)
	}
	queue, err := submissions.NewQueue(submissions.Config{Store: store, Keys: keys, Clock: clock, Metrics: recorder})
	if err != nil {
		t.Fatalf("unexpected queue error: %v", err)
	}
	ledgerService, err := ledger.NewService(ledger.Config{Store: store, Keys: keys, Clock: clock, Metrics: recorder})
	if err != nil {
		t.Fatalf("unexpected ledger error: %v", err)
	}
	reconciler, err := onchain.NewReconciler(onchain.ReconcilerConfig{
		Store: store, Keys: keys, Accounts: ledgerService, Reader: chain, Clock: clock, Metrics: recorder,
	})
	if err != nil {
		t.Fatalf("unexpected reconciler error: %v", err)
	}
	dispatcher := NewReviewDispatcher()
	reviewService, err := review.NewService(review.Config{
		Queue: queue, Ledger: ledgerService, Catalog: catalog, Awarder: chain, Accounts: chain, Receipts: reconciler,
		Events: dispatcher, Clock: clock, Metrics: recorder,
	})
	if err != nil {
		t.Fatalf("unexpected review error: %v", err)
	}
	verifier, err := verify.NewVerifier(verify.Config{Ledger: ledgerService, Catalog: catalog, Tokens: chain})
	if err != nil {
		t.Fatalf("unexpected verifier error: %v", err)
	}
	wallets, err := auth.NewWalletVerifier(auth.WalletVerifierConfig{Store: store, Keys: keys, Clock: clock})
	if err != nil {
		t.Fatalf("unexpected wallet verifier error: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), TokenTTL: time.Hour, Clock: clock})
	if err != nil {
		t.Fatalf("unexpected token issuer error: %v", err)
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret), CookieName: testCookieName, Clock: clock,
	})
	if err != nil {
		t.Fatalf("unexpected session validator error: %v", err)
	}
	adminKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}
	adminHex := crypto.PubkeyToAddress(adminKey.PublicKey).Hex()
	admins, _ := auth.NewAllowlist([]string{adminHex})

	handler, err := NewHTTPHandler(Dependencies{
		Store:             store,
		Catalog:           catalog,
		Queue:             queue,
		Ledger:            ledgerService,
		Review:            reviewService,
		Verifier:          verifier,
		Reconciler:        reconciler,
		Proofs:            proofs.NewIntake(proofs.Config{}),
		Wallets:           wallets,
		Tokens:            tokens,
		Sessions:          sessions,
		Admins:            admins,
		Realtime:          dispatcher,
		Metrics:           recorder,
		HeartbeatInterval: testHeartbeatDelay,
		Clock:             clock,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	return &testServer{
		handler:    handler,
		store:      store,
		queue:      queue,
		ledger:     ledgerService,
		dispatcher: dispatcher,
		recorder:   recorder,
		chain:      chain,
		adminKey:   adminKey,
		adminHex:   adminHex,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("unexpected encode error: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

// login runs the nonce and signature exchange for the admin key and returns the session token.
func (s *testServer) login(t *testing.T) string {
	t.Helper()
	nonceResponse := s.do(t, http.MethodPost, "/auth/nonce", gin.H{"wallet": s.adminHex}, "")
	if nonceResponse.Code != http.StatusOK {
		t.Fatalf("unexpected nonce status %d: %s", nonceResponse.Code, nonceResponse.Body.String())
	}
	var challenge auth.Challenge
	decode(t, nonceResponse, &challenge)

	signature := signMessage(t, s.adminKey, challenge.Message)
	authResponse := s.do(t, http.MethodPost, "/auth/admin", gin.H{"wallet": s.adminHex, "signature": signature}, "")
	if authResponse.Code != http.StatusOK {
		t.Fatalf("unexpected admin auth status %d: %s", authResponse.Code, authResponse.Body.String())
	}
	var payload authResponsePayload
	decode(t, authResponse, &payload)
	if payload.AccessToken == "" || payload.TokenType != "Bearer" {
		t.Fatalf("unexpected auth payload %+v", payload)
	}
	return payload.AccessToken
}

func signMessage(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	signature, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("unexpected sign error: %v", err)
	}
	signature[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(signature)
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode %q: %v", recorder.Body.String(), err)
	}
}
