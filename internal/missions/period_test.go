package missions

import (
	"fmt"
	"testing"
	"time"
)

func TestParseMissionRecognizesPeriodPrefixes(t *testing.T) {
	testCases := []struct {
		name       string
		raw        string
		wantPeriod Period
		wantID     string
		wantKey    string
	}{
		{name: "daily", raw: "daily:checkin", wantPeriod: PeriodDaily, wantID: "checkin", wantKey: "daily:checkin"},
		{name: "weekly", raw: "weekly:share-update", wantPeriod: PeriodWeekly, wantID: "share-update", wantKey: "weekly:share-update"},
		{name: "explicit-once", raw: "once:follow-x", wantPeriod: PeriodOnce, wantID: "follow-x", wantKey: "follow-x"},
		{name: "unprefixed", raw: "follow-x", wantPeriod: PeriodOnce, wantID: "follow-x", wantKey: "follow-x"},
		{name: "uppercase-prefix", raw: "DAILY:checkin", wantPeriod: PeriodDaily, wantID: "checkin", wantKey: "daily:checkin"},
		{name: "unknown-prefix", raw: "monthly:raid", wantPeriod: PeriodOnce, wantID: "monthly:raid", wantKey: "monthly:raid"},
		{name: "empty", raw: "  ", wantPeriod: PeriodOnce, wantID: DefaultMissionID, wantKey: DefaultMissionID},
		{name: "empty-after-prefix", raw: "daily:", wantPeriod: PeriodDaily, wantID: DefaultMissionID, wantKey: "daily:" + DefaultMissionID},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			mission, err := ParseMission(testCase.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if mission.Period != testCase.wantPeriod {
				t.Fatalf("period mismatch: got %s want %s", mission.Period, testCase.wantPeriod)
			}
			if mission.ID != testCase.wantID {
				t.Fatalf("id mismatch: got %s want %s", mission.ID, testCase.wantID)
			}
			if mission.Key() != testCase.wantKey {
				t.Fatalf("key mismatch: got %s want %s", mission.Key(), testCase.wantKey)
			}
		})
	}
}

func TestPeriodKeyUsesUTCBoundaries(t *testing.T) {
	location := time.FixedZone("UTC+9", 9*60*60)
	// 2024-03-02 01:00 in UTC+9 is still 2024-03-01 in UTC.
	instant := time.Date(2024, 3, 2, 1, 0, 0, 0, location)

	if key := PeriodKey(PeriodDaily, instant); key != "2024-03-01" {
		t.Fatalf("unexpected daily key %s", key)
	}
	if key := PeriodKey(PeriodOnce, instant); key != OnceKey {
		t.Fatalf("unexpected once key %s", key)
	}
	if key := PreviousDayKey(instant); key != "2024-02-29" {
		t.Fatalf("unexpected previous day %s", key)
	}
}

func TestWeekKeyFollowsISOWeeks(t *testing.T) {
	testCases := []struct {
		instant time.Time
		want    string
	}{
		{instant: time.Date(2021, 1, 3, 12, 0, 0, 0, time.UTC), want: "2020-W53"},
		{instant: time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC), want: "2021-W01"},
		{instant: time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC), want: "2025-W01"},
		{instant: time.Date(2024, 3, 10, 23, 59, 59, 0, time.UTC), want: "2024-W10"},
		{instant: time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), want: "2024-W11"},
	}
	for _, testCase := range testCases {
		if got := PeriodKey(PeriodWeekly, testCase.instant); got != testCase.want {
			t.Fatalf("week key for %s: got %s want %s", testCase.instant, got, testCase.want)
		}
	}
}

func TestWeekKeysOfLongYearsRoundTrip(t *testing.T) {
	for _, year := range []int{2015, 2020, 2026} {
		last := time.Date(year, time.December, 31, 12, 0, 0, 0, time.UTC)
		key := WeekKey(last)
		if key != fmt.Sprintf("%04d-W53", year) || !ValidPeriodKey(PeriodWeekly, key) {
			t.Fatalf("expected %d to end in a valid week 53, got %s", year, key)
		}
	}
}

func TestValidPeriodKey(t *testing.T) {
	if !ValidPeriodKey(PeriodDaily, "2024-01-01") || ValidPeriodKey(PeriodDaily, "2024-1-1") {
		t.Fatalf("daily key validation mismatch")
	}
	weekly := []struct {
		key  string
		want bool
	}{
		{key: "2024-W09", want: true},
		{key: "2024-W01", want: true},
		{key: "2020-W53", want: true},
		{key: "2026-W53", want: true},
		{key: "2015-W53", want: true},
		{key: "2021-W53", want: false},
		{key: "2024-W53", want: false},
		{key: "2024-W00", want: false},
		{key: "2024-W60", want: false},
		{key: "2024-09", want: false},
		{key: "+202-W01", want: false},
		{key: "2024-W+1", want: false},
	}
	for _, testCase := range weekly {
		if got := ValidPeriodKey(PeriodWeekly, testCase.key); got != testCase.want {
			t.Fatalf("weekly key %s: expected %v, got %v", testCase.key, testCase.want, got)
		}
	}
	if !ValidPeriodKey(PeriodOnce, OnceKey) || ValidPeriodKey(PeriodOnce, "2024-01-01") {
		t.Fatalf("once key validation mismatch")
	}
}

func TestNewWalletNormalizesEVMAddresses(t *testing.T) {
	wallet, err := NewWallet(" 0xABCDEF0123456789ABCDEF0123456789ABCDEF01 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wallet.String() != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Fatalf("unexpected wallet %s", wallet)
	}
	if wallet.Fragment() != "cdef01" {
		t.Fatalf("unexpected fragment %s", wallet.Fragment())
	}

	solana, err := NewWallet("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if solana.String() != "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin" {
		t.Fatalf("base58 wallets must keep their case")
	}

	if _, err := NewWallet(""); err == nil {
		t.Fatalf("expected empty wallet to fail")
	}
	if _, err := NewWallet("wallet:with:colons"); err == nil {
		t.Fatalf("expected separator wallet to fail")
	}
}
