package submissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/kv"
	"github.com/MarcoPoloResearchLab/missions/internal/kv/memory"
	"github.com/MarcoPoloResearchLab/missions/internal/missions"
)

var fixedNow = time.Date(2024, time.March, 6, 12, 0, 0, 0, time.UTC)

type queueFixture struct {
	queue *Queue
	store kv.Store
	keys  kv.Keys
}

func newQueueFixture(t *testing.T, cfg Config) queueFixture {
	t.Helper()
	store := memory.New(memory.Config{Clock: func() time.Time { return fixedNow }})
	keys := kv.NewKeys("")
	cfg.Store = store
	cfg.Keys = keys
	cfg.Clock = func() time.Time { return fixedNow }
	queue, err := NewQueue(cfg)
	if err != nil {
		t.Fatalf("unexpected queue error: %v", err)
	}
	return queueFixture{queue: queue, store: store, keys: keys}
}

func mustWallet(t *testing.T, value string) missions.Wallet {
	t.Helper()
	wallet, err := missions.NewWallet(value)
	if err != nil {
		t.Fatalf("unexpected wallet error: %v", err)
	}
	return wallet
}

func mustMission(t *testing.T, value string) missions.Mission {
	t.Helper()
	mission, err := missions.ParseMission(value)
	if err != nil {
		t.Fatalf("unexpected mission error: %v", err)
	}
	return mission
}

func (f queueFixture) submit(t *testing.T, wallet, mission string, proof string) SubmitResult {
	t.Helper()
	result, _, err := f.queue.Submit(context.Background(), SubmitRequest{
		Wallet:  mustWallet(t, wallet),
		Mission: mustMission(t, mission),
		Points:  100,
		Proof:   json.RawMessage(proof),
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	return result
}

func TestSubmitThenListShowsEntry(t *testing.T) {
	f := newQueueFixture(t, Config{})
	result := f.submit(t, "0x1111111111111111111111111111111111111111", "once:follow-x", `{"url":"https://x.com/p/1"}`)
	if !result.Pending || result.Duplicated || result.SubmissionID == "" {
		t.Fatalf("unexpected submit result: %+v", result)
	}
	if !strings.Contains(result.SubmissionID, "111111") {
		t.Fatalf("expected wallet fragment in id, got %s", result.SubmissionID)
	}

	items, err := f.queue.ListPending(context.Background(), 10, false)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one pending item, got %d", len(items))
	}
	item := items[0]
	if item.SubmissionID != result.SubmissionID || item.MissionID != "follow-x" || item.Period != missions.PeriodOnce || item.PeriodKey != "once" {
		t.Fatalf("unexpected item: %+v", item)
	}
}

func TestSubmitIsIdempotentPerPeriod(t *testing.T) {
	f := newQueueFixture(t, Config{})
	first := f.submit(t, "wallet-a", "weekly:share-update", `{"url":"a"}`)
	second := f.submit(t, "wallet-a", "weekly:share-update", `{"url":"b"}`)
	if first.Duplicated || !second.Duplicated || !second.Pending || second.SubmissionID != "" {
		t.Fatalf("unexpected results: %+v %+v", first, second)
	}
	items, err := f.queue.ListPending(context.Background(), 10, false)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected the duplicate to add nothing, got %d items", len(items))
	}
}

func TestSubmitMarkerExpiresPerPeriod(t *testing.T) {
	now := fixedNow
	store := memory.New(memory.Config{Clock: func() time.Time { return now }})
	queue, err := NewQueue(Config{Store: store, Clock: func() time.Time { return now }, MarkerTTLDaily: 48 * time.Hour})
	if err != nil {
		t.Fatalf("unexpected queue error: %v", err)
	}
	request := SubmitRequest{Wallet: mustWallet(t, "wallet-a"), Mission: mustMission(t, "daily:checkin"), PeriodKey: "2024-03-06"}
	if result, _, _ := queue.Submit(context.Background(), request); result.Duplicated {
		t.Fatalf("expected first submission to be accepted")
	}
	now = now.Add(72 * time.Hour)
	result, _, err := queue.Submit(context.Background(), request)
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if result.Duplicated {
		t.Fatalf("expected marker to expire after its ttl")
	}
}

func TestSubmitTrimsPendingList(t *testing.T) {
	f := newQueueFixture(t, Config{PendingMax: 3})
	for index := 0; index < 5; index++ {
		f.submit(t, fmt.Sprintf("wallet-%d", index), "once:follow-x", `{}`)
	}
	items, err := f.queue.ListPending(context.Background(), 10, false)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(items) != 3 || items[0].Wallet != "wallet-4" {
		t.Fatalf("expected newest three entries, got %+v", items)
	}
}

func TestSubmitRejectsMismatchedPeriodKey(t *testing.T) {
	f := newQueueFixture(t, Config{})
	_, _, err := f.queue.Submit(context.Background(), SubmitRequest{
		Wallet:    mustWallet(t, "wallet-a"),
		Mission:   mustMission(t, "weekly:share-update"),
		PeriodKey: "2024-03-06",
	})
	if !errors.Is(err, ErrInvalidPeriodKey) {
		t.Fatalf("expected invalid period key, got %v", err)
	}
}

func TestListPendingAssignsAndPersistsLegacyIDs(t *testing.T) {
	f := newQueueFixture(t, Config{})
	ctx := context.Background()
	legacy := `{"ts":"1709720000000","wallet":"wallet-old","missionId":"daily:checkin","periodKey":"2024-03-05","points":"25.9","proof":"see discord"}`
	if err := f.store.LPush(ctx, f.keys.PendingSubmissions(), legacy); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}

	first, err := f.queue.ListPending(ctx, 10, false)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	expectedID := LegacyID(legacy)
	if first[0].SubmissionID != expectedID {
		t.Fatalf("expected legacy id %s, got %s", expectedID, first[0].SubmissionID)
	}
	if first[0].Period != missions.PeriodDaily || first[0].Points != 25 || first[0].Timestamp != 1709720000000 {
		t.Fatalf("expected legacy fields to be normalized, got %+v", first[0])
	}

	raw, err := f.store.LRange(ctx, f.keys.PendingSubmissions(), 0, -1)
	if err != nil {
		t.Fatalf("unexpected range error: %v", err)
	}
	if len(raw) != 1 || !strings.Contains(raw[0], expectedID) {
		t.Fatalf("expected the id to be persisted in place, got %v", raw)
	}

	second, err := f.queue.ListPending(ctx, 10, true)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if second[0].SubmissionID != expectedID {
		t.Fatalf("expected the id to stay stable, got %s", second[0].SubmissionID)
	}
}

func TestListPendingSlimElidesImagePayloads(t *testing.T) {
	f := newQueueFixture(t, Config{})
	payload := "data:image/png;base64," + strings.Repeat("A", 4096)
	proof := fmt.Sprintf(`{"note":"done","files":[{"name":"shot.png","type":"image/png","size":3072,"dataUrl":%q}]}`, payload)
	f.submit(t, "wallet-a", "write-thread", proof)

	slim, err := f.queue.ListPending(context.Background(), 10, true)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	view, ok := slim[0].Proof.(SlimProof)
	if !ok {
		t.Fatalf("expected slim proof view, got %T", slim[0].Proof)
	}
	if view.Note != "done" || len(view.Files) != 1 || !view.Files[0].Elided || view.Files[0].Name != "shot.png" {
		t.Fatalf("unexpected slim proof: %+v", view)
	}
	encoded, err := json.Marshal(slim[0])
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	if strings.Contains(string(encoded), "base64") {
		t.Fatalf("expected image payload to be elided from slim output")
	}

	full, err := f.queue.ListPending(context.Background(), 10, false)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	encoded, err = json.Marshal(full[0])
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	if !strings.Contains(string(encoded), "base64") {
		t.Fatalf("expected full listing to keep the payload")
	}
}

func TestListPendingWrapsMalformedEntries(t *testing.T) {
	f := newQueueFixture(t, Config{})
	ctx := context.Background()
	if err := f.store.LPush(ctx, f.keys.PendingSubmissions(), "garbage"); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	items, err := f.queue.ListPending(ctx, 10, true)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(items) != 1 || items[0].Proof != "garbage" || items[0].SubmissionID != LegacyID("garbage") {
		t.Fatalf("expected wrapped raw entry, got %+v", items)
	}
	if _, err := f.queue.RemoveBySubmissionID(ctx, LegacyID("garbage"), Review{Status: StatusRejected}); err != nil {
		t.Fatalf("expected malformed entry to be removable, got %v", err)
	}
}

func TestRemoveBySubmissionIDMovesExactlyOne(t *testing.T) {
	f := newQueueFixture(t, Config{})
	ctx := context.Background()
	f.submit(t, "wallet-a", "once:follow-x", `{}`)
	target := f.submit(t, "wallet-b", "once:follow-x", `{}`)
	f.submit(t, "wallet-c", "once:follow-x", `{}`)

	removed, err := f.queue.RemoveBySubmissionID(ctx, target.SubmissionID, Review{
		Status: StatusRejected, ReviewedBy: "0xadmin", Reason: "blurry", Note: "retake",
	})
	if err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	if removed.Wallet != "wallet-b" || removed.Status != StatusRejected || removed.RejectReason != "blurry" || removed.ReviewedAt == 0 {
		t.Fatalf("unexpected removed submission: %+v", removed)
	}

	pending, err := f.queue.ListPending(ctx, 10, true)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected two pending entries left, got %d", len(pending))
	}
	rejected, err := f.queue.Reviewed(ctx, StatusRejected, 10)
	if err != nil {
		t.Fatalf("unexpected reviewed error: %v", err)
	}
	if len(rejected) != 1 || rejected[0].SubmissionID != target.SubmissionID || rejected[0].ReviewedBy != "0xadmin" {
		t.Fatalf("expected the entry once in rejected, got %+v", rejected)
	}

	if _, err := f.queue.RemoveBySubmissionID(ctx, target.SubmissionID, Review{Status: StatusRejected}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second removal, got %v", err)
	}
}

func TestRemoveByIdentityScansPastPrefix(t *testing.T) {
	f := newQueueFixture(t, Config{ScanPrefix: 2, PendingMax: 10})
	ctx := context.Background()
	f.submit(t, "wallet-deep", "once:follow-x", `{}`)
	for index := 0; index < 4; index++ {
		f.submit(t, fmt.Sprintf("wallet-%d", index), "once:follow-x", `{}`)
	}

	removed, err := f.queue.RemoveByIdentity(ctx, Identity{
		Wallet:  mustWallet(t, "wallet-deep"),
		Mission: mustMission(t, "follow-x"),
	}, Review{Status: StatusApproved, ReviewedBy: "0xadmin"})
	if err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	if removed.Wallet != "wallet-deep" || removed.Status != StatusApproved {
		t.Fatalf("unexpected removed submission: %+v", removed)
	}
}

func TestConcurrentRemovalsHaveOneWinner(t *testing.T) {
	f := newQueueFixture(t, Config{})
	target := f.submit(t, "wallet-a", "once:follow-x", `{}`)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		notFound int
	)
	for index := 0; index < 6; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.queue.RemoveBySubmissionID(context.Background(), target.SubmissionID, Review{Status: StatusApproved})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrNotFound):
				notFound++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 || notFound != 5 {
		t.Fatalf("expected one winner and five not-found, got %d and %d", winners, notFound)
	}
}

func TestRestoreReturnsSubmissionToPending(t *testing.T) {
	f := newQueueFixture(t, Config{})
	ctx := context.Background()
	target := f.submit(t, "wallet-a", "once:follow-x", `{"url":"u"}`)
	removed, err := f.queue.RemoveBySubmissionID(ctx, target.SubmissionID, Review{Status: StatusApproved, ReviewedBy: "0xadmin"})
	if err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	if err := f.queue.Restore(ctx, removed); err != nil {
		t.Fatalf("unexpected restore error: %v", err)
	}
	pending, err := f.queue.ListPending(ctx, 10, false)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(pending) != 1 || pending[0].SubmissionID != target.SubmissionID || pending[0].Status != StatusPending {
		t.Fatalf("expected the submission back in pending, got %+v", pending)
	}
	approved, err := f.queue.Reviewed(ctx, StatusApproved, 10)
	if err != nil {
		t.Fatalf("unexpected reviewed error: %v", err)
	}
	if len(approved) != 0 {
		t.Fatalf("expected the archived copy to be dropped, got %+v", approved)
	}
}
