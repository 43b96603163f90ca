package onchain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/kv"
	"github.com/MarcoPoloResearchLab/missions/internal/kv/memory"
	"github.com/MarcoPoloResearchLab/missions/internal/ledger"
	"github.com/MarcoPoloResearchLab/missions/internal/missions"
)

type stubReader struct {
	total  int64
	exists bool
	err    error
}

func (s stubReader) PointsOf(context.Context, string) (int64, bool, error) {
	return s.total, s.exists, s.err
}

type reconcileFixture struct {
	reconciler *Reconciler
	accounts   *ledger.Service
	store      kv.Store
	keys       kv.Keys
	wallet     missions.Wallet
}

func newReconcileFixture(t *testing.T, reader PointsReader, offchain int64) reconcileFixture {
	t.Helper()
	now := func() time.Time { return time.Date(2024, time.March, 6, 12, 0, 0, 0, time.UTC) }
	store := memory.New(memory.Config{Clock: now})
	keys := kv.NewKeys("")
	accounts, err := ledger.NewService(ledger.Config{Store: store, Keys: keys, Clock: now})
	if err != nil {
		t.Fatalf("unexpected ledger error: %v", err)
	}
	wallet, err := missions.NewWallet(testWallet)
	if err != nil {
		t.Fatalf("unexpected wallet error: %v", err)
	}
	if offchain > 0 {
		mission, _ := missions.ParseMission("write-thread")
		if _, err := accounts.GrantClaim(context.Background(), ledger.GrantRequest{
			Wallet: wallet, Mission: mission, Points: offchain,
			Context: ledger.ClaimContext{Reason: ledger.ReasonAdminApproved},
		}); err != nil {
			t.Fatalf("unexpected grant error: %v", err)
		}
	}
	reconciler, err := NewReconciler(ReconcilerConfig{Store: store, Keys: keys, Accounts: accounts, Reader: reader, Clock: now})
	if err != nil {
		t.Fatalf("unexpected reconciler error: %v", err)
	}
	return reconcileFixture{reconciler: reconciler, accounts: accounts, store: store, keys: keys, wallet: wallet}
}

func TestSummaryReportsDrift(t *testing.T) {
	f := newReconcileFixture(t, stubReader{total: 500, exists: true}, 420)
	if err := f.reconciler.SaveReceipt(context.Background(), f.wallet, Receipt{Tx: "0xabc", Amount: 80, MissionID: "write-thread"}); err != nil {
		t.Fatalf("unexpected receipt error: %v", err)
	}

	summary, err := f.reconciler.Summary(context.Background(), f.wallet)
	if err != nil {
		t.Fatalf("unexpected summary error: %v", err)
	}
	if summary.Offchain != 420 || summary.Onchain == nil || *summary.Onchain != 500 {
		t.Fatalf("unexpected totals: %+v", summary)
	}
	if summary.Diff == nil || *summary.Diff != -80 {
		t.Fatalf("expected diff -80, got %v", summary.Diff)
	}
	if summary.LastReceipt == nil || summary.LastReceipt.Tx != "0xabc" || summary.LastReceipt.Timestamp == 0 {
		t.Fatalf("unexpected receipt: %+v", summary.LastReceipt)
	}
}

func TestSummaryToleratesChainFailure(t *testing.T) {
	f := newReconcileFixture(t, stubReader{err: errors.New("rate limited")}, 10)
	summary, err := f.reconciler.Summary(context.Background(), f.wallet)
	if err != nil {
		t.Fatalf("unexpected summary error: %v", err)
	}
	if summary.Onchain != nil || summary.Diff != nil || summary.OnchainError != "rate limited" {
		t.Fatalf("expected chain error in summary, got %+v", summary)
	}
	if summary.Offchain != 10 {
		t.Fatalf("expected off-chain total to be reported, got %d", summary.Offchain)
	}
}

func TestReadOnchainTotalDistinguishesMissingAccount(t *testing.T) {
	f := newReconcileFixture(t, stubReader{exists: false}, 0)
	total, err := f.reconciler.ReadOnchainTotal(context.Background(), f.wallet)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if total.Exists {
		t.Fatalf("expected missing account")
	}

	zero := newReconcileFixture(t, stubReader{exists: true}, 0)
	total, err = zero.reconciler.ReadOnchainTotal(context.Background(), zero.wallet)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if !total.Exists || total.Points != 0 {
		t.Fatalf("expected existing zero account, got %+v", total)
	}
}

func TestResyncDryRunNeverMutates(t *testing.T) {
	f := newReconcileFixture(t, stubReader{total: 500, exists: true}, 420)
	result, err := f.reconciler.Resync(context.Background(), f.wallet, true)
	if err != nil {
		t.Fatalf("unexpected resync error: %v", err)
	}
	if result.Applied || result.IsSynced || result.Before != 420 || result.After != 420 {
		t.Fatalf("unexpected dry run result: %+v", result)
	}
	profile, err := f.accounts.Profile(context.Background(), f.wallet)
	if err != nil {
		t.Fatalf("unexpected profile error: %v", err)
	}
	if profile.PointsTotal != 420 {
		t.Fatalf("expected dry run to leave 420, got %d", profile.PointsTotal)
	}
}

func TestResyncOverwritesWithOnchainTotal(t *testing.T) {
	for _, onchain := range []int64{500, 300} {
		f := newReconcileFixture(t, stubReader{total: onchain, exists: true}, 420)
		result, err := f.reconciler.Resync(context.Background(), f.wallet, false)
		if err != nil {
			t.Fatalf("unexpected resync error: %v", err)
		}
		if !result.Applied || !result.IsSynced || result.Before != 420 || result.After != onchain {
			t.Fatalf("unexpected resync result: %+v", result)
		}
		rows, err := f.store.ZRange(context.Background(), f.keys.Leaderboard(ledger.MetricPoints, ledger.ScopeAll, ""), 0, -1, true)
		if err != nil {
			t.Fatalf("unexpected leaderboard error: %v", err)
		}
		if len(rows) != 1 || int64(rows[0].Score) != onchain {
			t.Fatalf("expected leaderboard to mirror %d, got %+v", onchain, rows)
		}
	}
}

func TestResyncSkipsMissingAccount(t *testing.T) {
	f := newReconcileFixture(t, stubReader{exists: false}, 420)
	result, err := f.reconciler.Resync(context.Background(), f.wallet, false)
	if err != nil {
		t.Fatalf("unexpected resync error: %v", err)
	}
	if result.Applied || result.Reason != ResyncReasonAccountMissing || result.After != 420 {
		t.Fatalf("unexpected result for missing account: %+v", result)
	}
}

func TestResyncSurfacesChainFailure(t *testing.T) {
	f := newReconcileFixture(t, Disabled{}, 420)
	_, err := f.reconciler.Resync(context.Background(), f.wallet, false)
	if !errors.Is(err, ErrChainUnavailable) {
		t.Fatalf("expected chain unavailable, got %v", err)
	}
}
