// Package kvtest holds the behaviour every Store backend must share.
package kvtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/kv"
	"github.com/stretchr/testify/require"
)

// Harness is one fresh backend plus a way to move its notion of time forward.
type Harness struct {
	Store   kv.Store
	Advance func(time.Duration)
}

// Factory builds an empty backend for a single subtest.
type Factory func(t *testing.T) Harness

// Run exercises the full Store contract against the backend produced by factory.
func Run(t *testing.T, factory Factory) {
	cases := []struct {
		name string
		run  func(t *testing.T, h Harness)
	}{
		{"StringsAndExpiry", testStringsAndExpiry},
		{"SetNXIsExclusive", testSetNXIsExclusive},
		{"ConcurrentSetNXHasOneWinner", testConcurrentSetNX},
		{"IncrBy", testIncrBy},
		{"Hashes", testHashes},
		{"Lists", testLists},
		{"ListRemoveAndReplace", testListRemoveAndReplace},
		{"SortedSets", testSortedSets},
		{"ZIncrBy", testZIncrBy},
		{"ConcurrentZIncrByLosesNoUpdates", testConcurrentZIncrBy},
		{"WrongType", testWrongType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			harness := factory(t)
			t.Cleanup(func() { _ = harness.Store.Close() })
			tc.run(t, harness)
		})
	}
}

func testStringsAndExpiry(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.Store

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Set(ctx, "plain", "v1", 0))
	require.NoError(t, store.Set(ctx, "short", "v2", time.Minute))

	value, found, err := store.Get(ctx, "plain")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", value)

	h.Advance(2 * time.Minute)

	_, found, err = store.Get(ctx, "short")
	require.NoError(t, err)
	require.False(t, found, "expired key must read as absent")

	_, found, err = store.Get(ctx, "plain")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, store.Expire(ctx, "plain", time.Minute))
	h.Advance(2 * time.Minute)
	_, found, err = store.Get(ctx, "plain")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Set(ctx, "gone", "x", 0))
	require.NoError(t, store.Del(ctx, "gone", "never-existed"))
	_, found, err = store.Get(ctx, "gone")
	require.NoError(t, err)
	require.False(t, found)
}

func testSetNXIsExclusive(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.Store

	stored, err := store.SetNX(ctx, "marker", "first", time.Minute)
	require.NoError(t, err)
	require.True(t, stored)

	stored, err = store.SetNX(ctx, "marker", "second", time.Minute)
	require.NoError(t, err)
	require.False(t, stored)

	value, _, err := store.Get(ctx, "marker")
	require.NoError(t, err)
	require.Equal(t, "first", value)

	h.Advance(2 * time.Minute)
	stored, err = store.SetNX(ctx, "marker", "third", 0)
	require.NoError(t, err)
	require.True(t, stored, "an expired marker must not block a new one")
}

func testConcurrentSetNX(t *testing.T, h Harness) {
	ctx := context.Background()
	const contenders = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		errs    []error
	)
	for index := 0; index < contenders; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			stored, err := h.Store.SetNX(ctx, "race", fmt.Sprintf("contender-%d", index), 0)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if stored {
				winners++
			}
		}(index)
	}
	wg.Wait()
	require.Empty(t, errs)
	require.Equal(t, 1, winners)
}

func testIncrBy(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.Store

	total, err := store.IncrBy(ctx, "counter", 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), total)

	total, err = store.IncrBy(ctx, "counter", -2)
	require.NoError(t, err)
	require.Equal(t, int64(3), total)

	require.NoError(t, store.Set(ctx, "text", "abc", 0))
	_, err = store.IncrBy(ctx, "text", 1)
	require.ErrorIs(t, err, kv.ErrNotInteger)
}

func testHashes(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.Store

	fields, err := store.HGetAll(ctx, "profile")
	require.NoError(t, err)
	require.Empty(t, fields)

	require.NoError(t, store.HSet(ctx, "profile", map[string]string{"streak_count": "2", "streak_last_date": "2026-01-01"}))
	total, err := store.HIncrBy(ctx, "profile", "points_total", 40)
	require.NoError(t, err)
	require.Equal(t, int64(40), total)
	total, err = store.HIncrBy(ctx, "profile", "points_total", 10)
	require.NoError(t, err)
	require.Equal(t, int64(50), total)

	require.NoError(t, store.HSet(ctx, "profile", map[string]string{"streak_count": "3"}))

	fields, err = store.HGetAll(ctx, "profile")
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"streak_count":     "3",
		"streak_last_date": "2026-01-01",
		"points_total":     "50",
	}, fields)

	_, err = store.HIncrBy(ctx, "profile", "streak_last_date", 1)
	require.ErrorIs(t, err, kv.ErrNotInteger)
}

func testLists(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.Store

	values, err := store.LRange(ctx, "queue", 0, -1)
	require.NoError(t, err)
	require.Empty(t, values)

	require.NoError(t, store.LPush(ctx, "queue", "a"))
	require.NoError(t, store.LPush(ctx, "queue", "b", "c"))

	values, err = store.LRange(ctx, "queue", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, values)

	values, err = store.LRange(ctx, "queue", 1, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, values)

	values, err = store.LRange(ctx, "queue", -2, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, values)

	values, err = store.LRange(ctx, "queue", 5, 9)
	require.NoError(t, err)
	require.Empty(t, values)

	require.NoError(t, store.LPush(ctx, "queue", "d"))
	require.NoError(t, store.LTrim(ctx, "queue", 0, 1))
	values, err = store.LRange(ctx, "queue", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"d", "c"}, values)
}

func testListRemoveAndReplace(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.Store

	require.NoError(t, store.LPush(ctx, "list", "x", "y", "x", "z", "x"))

	removed, err := store.LRem(ctx, "list", 1, "x")
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
	values, err := store.LRange(ctx, "list", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"z", "x", "y", "x"}, values)

	removed, err = store.LRem(ctx, "list", -1, "x")
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
	values, err = store.LRange(ctx, "list", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"z", "x", "y"}, values)

	replaced, err := store.LReplace(ctx, "list", "y", "y2")
	require.NoError(t, err)
	require.True(t, replaced)
	replaced, err = store.LReplace(ctx, "list", "absent", "w")
	require.NoError(t, err)
	require.False(t, replaced)
	values, err = store.LRange(ctx, "list", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"z", "x", "y2"}, values)

	removed, err = store.LRem(ctx, "list", 0, "x")
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	removed, err = store.LRem(ctx, "missing", 0, "x")
	require.NoError(t, err)
	require.Zero(t, removed)
}

func testSortedSets(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.Store

	count, err := store.ZCard(ctx, "board")
	require.NoError(t, err)
	require.Zero(t, count)

	require.NoError(t, store.ZAdd(ctx, "board", "alice", 30))
	require.NoError(t, store.ZAdd(ctx, "board", "bob", 50))
	require.NoError(t, store.ZAdd(ctx, "board", "carol", 30))
	require.NoError(t, store.ZAdd(ctx, "board", "dave", 10))
	require.NoError(t, store.ZAdd(ctx, "board", "dave", 40))

	count, err = store.ZCard(ctx, "board")
	require.NoError(t, err)
	require.Equal(t, int64(4), count)

	rows, err := store.ZRange(ctx, "board", 0, -1, true)
	require.NoError(t, err)
	require.Equal(t, []kv.ScoredMember{
		{Member: "bob", Score: 50},
		{Member: "dave", Score: 40},
		{Member: "carol", Score: 30},
		{Member: "alice", Score: 30},
	}, rows)

	rows, err = store.ZRange(ctx, "board", 0, 1, false)
	require.NoError(t, err)
	require.Equal(t, []kv.ScoredMember{
		{Member: "alice", Score: 30},
		{Member: "carol", Score: 30},
	}, rows)

	rank, found, err := store.ZRank(ctx, "board", "carol", true)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(2), rank)

	rank, found, err = store.ZRank(ctx, "board", "carol", false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), rank)

	_, found, err = store.ZRank(ctx, "board", "nobody", true)
	require.NoError(t, err)
	require.False(t, found)

	score, found, err := store.ZScore(ctx, "board", "dave")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, float64(40), score)

	_, found, err = store.ZScore(ctx, "board", "nobody")
	require.NoError(t, err)
	require.False(t, found)
}

func testZIncrBy(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.Store

	score, err := store.ZIncrBy(ctx, "tally", "alice", 15)
	require.NoError(t, err)
	require.Equal(t, float64(15), score)

	score, err = store.ZIncrBy(ctx, "tally", "alice", 10)
	require.NoError(t, err)
	require.Equal(t, float64(25), score)

	score, err = store.ZIncrBy(ctx, "tally", "bob", 0)
	require.NoError(t, err)
	require.Equal(t, float64(0), score)
	_, found, err := store.ZScore(ctx, "tally", "bob")
	require.NoError(t, err)
	require.True(t, found, "a zero delta must still create the member")

	require.NoError(t, store.ZAdd(ctx, "tally", "alice", 3))
	score, err = store.ZIncrBy(ctx, "tally", "alice", 2)
	require.NoError(t, err)
	require.Equal(t, float64(5), score)

	require.NoError(t, store.LPush(ctx, "a-list", "x"))
	_, err = store.ZIncrBy(ctx, "a-list", "m", 1)
	require.ErrorIs(t, err, kv.ErrWrongType)
}

func testConcurrentZIncrBy(t *testing.T, h Harness) {
	ctx := context.Background()
	const writers = 16

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for index := 0; index < writers; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Store.ZIncrBy(ctx, "tally", "alice", 10); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Empty(t, errs)

	score, found, err := h.Store.ZScore(ctx, "tally", "alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, float64(writers*10), score)
}

func testWrongType(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.Store

	require.NoError(t, store.LPush(ctx, "a-list", "x"))
	_, _, err := store.Get(ctx, "a-list")
	require.ErrorIs(t, err, kv.ErrWrongType)
	_, err = store.ZCard(ctx, "a-list")
	require.ErrorIs(t, err, kv.ErrWrongType)

	require.NoError(t, store.ZAdd(ctx, "a-set", "m", 1))
	err = store.LPush(ctx, "a-set", "x")
	require.ErrorIs(t, err, kv.ErrWrongType)
}
