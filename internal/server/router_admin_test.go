package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/missions/internal/ledger"
	"github.com/MarcoPoloResearchLab/missions/internal/onchain"
	"github.com/MarcoPoloResearchLab/missions/internal/review"
	"github.com/MarcoPoloResearchLab/missions/internal/submissions"
	"github.com/gin-gonic/gin"
)

func (s *testServer) submit(t *testing.T, mission string) string {
	t.Helper()
	response := s.do(t, http.MethodPost, "/missions/submit", gin.H{"wallet": testWallet, "missionId": mission, "proofUrl": "https://x.com/status/9"}, "")
	if response.Code != http.StatusOK {
		t.Fatalf("unexpected submit status %d: %s", response.Code, response.Body.String())
	}
	var result submissions.SubmitResult
	decode(t, response, &result)
	return result.SubmissionID
}

func TestAdminApproveFlow(t *testing.T) {
	server := newTestServer(t)
	token := server.login(t)
	submissionID := server.submit(t, "once:follow-x")

	list := server.do(t, http.MethodGet, "/admin/submissions?limit=10&slim=1", nil, token)
	var listed struct {
		Items []submissions.Item `json:"items"`
	}
	decode(t, list, &listed)
	if len(listed.Items) != 1 || listed.Items[0].SubmissionID != submissionID {
		t.Fatalf("unexpected pending list %+v", listed)
	}

	approve := server.do(t, http.MethodPost, "/admin/submissions/approve", gin.H{"submissionId": submissionID, "note": "ok"}, token)
	if approve.Code != http.StatusOK {
		t.Fatalf("unexpected approve status %d: %s", approve.Code, approve.Body.String())
	}
	var approved review.ApproveResult
	decode(t, approve, &approved)
	if !approved.Approved || approved.PointsAdded != 100 || approved.TotalPoints != 100 {
		t.Fatalf("unexpected approve result %+v", approved)
	}
	if approved.Onchain == nil || !approved.Onchain.OK || approved.Onchain.Tx != "0xaward" {
		t.Fatalf("expected on-chain outcome, got %+v", approved.Onchain)
	}

	again := server.do(t, http.MethodPost, "/admin/submissions/approve", gin.H{"submissionId": submissionID}, token)
	if again.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an already removed id, got %d", again.Code)
	}

	byIdentity := server.do(t, http.MethodPost, "/admin/submissions/approve", gin.H{"wallet": testWallet, "missionId": "follow-x"}, token)
	var replay review.ApproveResult
	decode(t, byIdentity, &replay)
	if byIdentity.Code != http.StatusOK || !replay.AlreadyApproved || replay.PointsAdded != 0 {
		t.Fatalf("expected already approved replay, got %d %+v", byIdentity.Code, replay)
	}

	reviewed := server.do(t, http.MethodGet, "/admin/submissions/reviewed?status=approved", nil, token)
	if reviewed.Code != http.StatusOK || !strings.Contains(reviewed.Body.String(), submissionID) {
		t.Fatalf("expected approved archive to include submission, got %s", reviewed.Body.String())
	}

	summary := server.do(t, http.MethodGet, "/onchain/summary?wallet="+testWallet, nil, "")
	var summaryPayload onchain.Summary
	decode(t, summary, &summaryPayload)
	if summaryPayload.LastReceipt == nil || summaryPayload.LastReceipt.Tx != "0xaward" {
		t.Fatalf("expected receipt in summary, got %+v", summaryPayload)
	}
}

func TestAdminApproveWithOverridePoints(t *testing.T) {
	server := newTestServer(t)
	token := server.login(t)
	submissionID := server.submit(t, "daily:checkin")

	response := server.do(t, http.MethodPost, "/admin/submissions/approve", gin.H{"submissionId": submissionID, "points": 25}, token)
	var approved review.ApproveResult
	decode(t, response, &approved)
	if approved.PointsAdded != 25 || approved.Streak.Count != 1 {
		t.Fatalf("unexpected approve result %+v", approved)
	}
}

func TestAdminRejectFlow(t *testing.T) {
	server := newTestServer(t)
	token := server.login(t)
	submissionID := server.submit(t, "once:write-thread")

	reject := server.do(t, http.MethodPost, "/admin/submissions/reject", gin.H{"submissionId": submissionID, "reason": "no proof"}, token)
	if reject.Code != http.StatusOK || !strings.Contains(reject.Body.String(), `"rejected":true`) {
		t.Fatalf("unexpected reject response %d: %s", reject.Code, reject.Body.String())
	}
	missing := server.do(t, http.MethodPost, "/admin/submissions/reject", gin.H{"submissionId": submissionID}, token)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second reject, got %d", missing.Code)
	}
	if empty := server.do(t, http.MethodPost, "/admin/submissions/reject", gin.H{}, token); empty.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without id, got %d", empty.Code)
	}

	resubmitted := server.submit(t, "once:write-thread")
	if resubmitted == "" || resubmitted == submissionID {
		t.Fatalf("expected a fresh submission after rejection, got %q", resubmitted)
	}
}

func TestAdminRoutesRequireSession(t *testing.T) {
	server := newTestServer(t)
	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/admin/submissions"},
		{http.MethodPost, "/admin/submissions/approve"},
		{http.MethodPost, "/admin/submissions/reject"},
		{http.MethodPost, "/admin/onchain/sync"},
		{http.MethodGet, "/admin/events"},
	}
	for _, route := range routes {
		response := server.do(t, route.method, route.path, gin.H{}, "not-a-token")
		if response.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", route.method, route.path, response.Code)
		}
	}
}

func TestAdminOnchainSync(t *testing.T) {
	server := newTestServer(t)
	token := server.login(t)
	wallet := mustWalletForServer(t)
	if _, err := server.ledger.GrantClaim(t.Context(), ledger.GrantRequest{
		Wallet: wallet, Mission: mustMissionForServer(t, "follow-x"), Points: 500,
		Context: ledger.ClaimContext{Reason: ledger.ReasonMissionClaim},
	}); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}

	missing := server.do(t, http.MethodPost, "/admin/onchain/sync", gin.H{"wallet": testWallet}, token)
	var skipped onchain.ResyncResult
	decode(t, missing, &skipped)
	if skipped.Applied || skipped.Reason != onchain.ResyncReasonAccountMissing {
		t.Fatalf("expected skip for missing account, got %+v", skipped)
	}

	server.chain.exists, server.chain.points = true, 420
	dry := server.do(t, http.MethodPost, "/admin/onchain/sync", gin.H{"wallet": testWallet, "dryRun": true}, token)
	var dryResult onchain.ResyncResult
	decode(t, dry, &dryResult)
	if dryResult.Applied || dryResult.After != 500 || dryResult.IsSynced {
		t.Fatalf("unexpected dry run %+v", dryResult)
	}

	applied := server.do(t, http.MethodPost, "/admin/onchain/sync", gin.H{"wallet": testWallet}, token)
	var appliedResult onchain.ResyncResult
	decode(t, applied, &appliedResult)
	if !appliedResult.Applied || appliedResult.Before != 500 || appliedResult.After != 420 || !appliedResult.IsSynced {
		t.Fatalf("unexpected resync %+v", appliedResult)
	}

	server.chain.readErr = onchain.ErrChainUnavailable
	failed := server.do(t, http.MethodPost, "/admin/onchain/sync", gin.H{"wallet": testWallet}, token)
	if failed.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on chain failure, got %d: %s", failed.Code, failed.Body.String())
	}
}
