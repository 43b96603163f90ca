// Package kv defines the storage contract shared by every backend.
//
// The pipeline packages depend only on Store. Backend specific behaviour (emulated hashes,
// lazily expired keys, retry on transient network errors) stays inside the adapters.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrWrongType is returned when a key holds a value of another shape than the operation expects.
	ErrWrongType = errors.New("kv: operation against a key holding the wrong kind of value")
	// ErrNotInteger is returned when an increment targets a value that is not an integer.
	ErrNotInteger = errors.New("kv: value is not an integer")
)

// ScoredMember is one row of a sorted set.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the minimal key-value surface the mission pipeline needs. Every method is atomic per
// key. A ttl of zero means the key does not expire.
type Store interface {
	// Backend names the implementation, for health output and logs.
	Backend() string
	Ping(ctx context.Context) error
	Close() error

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LRem removes up to count occurrences of value (all when count is zero).
	LRem(ctx context.Context, key string, count int64, value string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	// LReplace swaps the first occurrence of oldValue for newValue in place.
	LReplace(ctx context.Context, key, oldValue, newValue string) (bool, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	// ZIncrBy adds delta to the member's score atomically, creating the member at delta when absent.
	ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error)
	// ZRange returns rows ordered by score, highest first when reverse is set. Ties are broken
	// by member in the same direction.
	ZRange(ctx context.Context, key string, start, stop int64, reverse bool) ([]ScoredMember, error)
	ZRank(ctx context.Context, key, member string, reverse bool) (int64, bool, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZCard(ctx context.Context, key string) (int64, error)
}

// NormalizeRange resolves redis style start/stop indexes (negative counts from the end) into a
// half-open [from, to) slice window over a sequence of the given length.
func NormalizeRange(length, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start = length + start
	}
	if stop < 0 {
		stop = length + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if length == 0 || start > stop || start >= length {
		return 0, 0, false
	}
	return start, stop + 1, true
}
