// Package redisstore is the durable Store backend over a remote redis compatible server.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/kv"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
)

var errMissingURL = errors.New("redisstore: url is required")

// Config describes how to reach the server.
type Config struct {
	URL            string
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *zap.Logger
}

// Store adapts a go-redis client to kv.Store.
//
// Reads and idempotent writes are retried with exponential backoff on transient network or
// rate-limit errors. Non-idempotent commands (SETNX, INCRBY, HINCRBY, LPUSH, LREM) are issued
// once: a retry after a lost reply could double apply them.
type Store struct {
	client     redis.UniversalClient
	maxRetries uint64
	initial    time.Duration
	maxBackoff time.Duration
	logger     *zap.Logger
}

// Open dials the server described by cfg.URL (redis:// or rediss://).
func Open(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingURL
	}
	options, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	options.MaxRetries = -1
	return NewWithClient(redis.NewClient(options), cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, cfg Config) *Store {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:     client,
		maxRetries: maxRetries,
		initial:    initial,
		maxBackoff: maxBackoff,
		logger:     logger,
	}
}

func (s *Store) Backend() string { return "redis" }

func (s *Store) Ping(ctx context.Context) error {
	return s.retry(ctx, "ping", func() error {
		return s.client.Ping(ctx).Err()
	})
}

func (s *Store) Close() error {
	return s.client.Close()
}

func isWrongType(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE")
}

func isTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	message := strings.ToUpper(err.Error())
	for _, marker := range []string{"LOADING", "TRYAGAIN", "BUSY", "CLUSTERDOWN", "MAX REQUESTS", "RATE LIMIT", "TOO MANY REQUESTS"} {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

func (s *Store) retry(ctx context.Context, command string, operation func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initial
	policy.MaxInterval = s.maxBackoff
	attempt := 0
	wrapped := func() error {
		attempt++
		err := operation()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		s.logger.Warn("redis command failed, retrying",
			zap.String("command", command),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(policy, s.maxRetries), ctx))
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.retry(ctx, "get", func() error {
		var err error
		value, err = s.client.Get(ctx, key).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if isWrongType(err) {
		return "", false, kv.ErrWrongType
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.retry(ctx, "set", func() error {
		return s.client.Set(ctx, key, value, positive(ttl)).Err()
	})
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, positive(ttl)).Result()
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	value, err := s.client.IncrBy(ctx, key, delta).Result()
	return value, translate(err)
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.retry(ctx, "expire", func() error {
		if ttl <= 0 {
			return s.client.Persist(ctx, key).Err()
		}
		return s.client.Expire(ctx, key, ttl).Err()
	})
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.retry(ctx, "del", func() error {
		return s.client.Del(ctx, keys...).Err()
	})
}

// HGetAll falls back to a JSON object stored as a plain string when the key predates native
// hash storage.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var fields map[string]string
	err := s.retry(ctx, "hgetall", func() error {
		var err error
		fields, err = s.client.HGetAll(ctx, key).Result()
		return err
	})
	if isWrongType(err) {
		return s.blobFields(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]string)
	}
	return fields, nil
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(fields))
	for field, value := range fields {
		values[field] = value
	}
	err := s.retry(ctx, "hset", func() error {
		return s.client.HSet(ctx, key, values).Err()
	})
	if isWrongType(err) {
		current, blobErr := s.blobFields(ctx, key)
		if blobErr != nil {
			return blobErr
		}
		for field, value := range fields {
			current[field] = value
		}
		return s.writeBlob(ctx, key, current)
	}
	return err
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	value, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	if !isWrongType(err) {
		return value, translate(err)
	}
	current, blobErr := s.blobFields(ctx, key)
	if blobErr != nil {
		return 0, blobErr
	}
	existing := int64(0)
	if raw, ok := current[field]; ok && raw != "" {
		parsed, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			return 0, kv.ErrNotInteger
		}
		existing = parsed
	}
	existing += delta
	current[field] = strconv.FormatInt(existing, 10)
	return existing, s.writeBlob(ctx, key, current)
}

// blobFields decodes a legacy JSON object into string fields. Unparseable blobs surface as
// ErrWrongType rather than an empty profile.
func (s *Store) blobFields(ctx context.Context, key string) (map[string]string, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", kv.ErrWrongType, err)
	}
	fields := make(map[string]string, len(decoded))
	for field, value := range decoded {
		switch typed := value.(type) {
		case string:
			fields[field] = typed
		case float64:
			fields[field] = strconv.FormatFloat(typed, 'f', -1, 64)
		case bool:
			fields[field] = strconv.FormatBool(typed)
		case nil:
		default:
			encoded, _ := json.Marshal(typed)
			fields[field] = string(encoded)
		}
	}
	return fields, nil
}

func (s *Store) writeBlob(ctx context.Context, key string, fields map[string]string) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, string(encoded), redis.KeepTTL).Err()
}

func (s *Store) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for index, value := range values {
		args[index] = value
	}
	return translate(s.client.LPush(ctx, key, args...).Err())
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var values []string
	err := s.retry(ctx, "lrange", func() error {
		var err error
		values, err = s.client.LRange(ctx, key, start, stop).Result()
		return err
	})
	if err != nil {
		return nil, translate(err)
	}
	return values, nil
}

func (s *Store) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	removed, err := s.client.LRem(ctx, key, count, value).Result()
	return removed, translate(err)
}

func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	return translate(s.retry(ctx, "ltrim", func() error {
		return s.client.LTrim(ctx, key, start, stop).Err()
	}))
}

// LReplace inserts the new value before the old one and removes the old one inside MULTI, so
// concurrent pushes cannot shift the target between the two steps.
func (s *Store) LReplace(ctx context.Context, key, oldValue, newValue string) (bool, error) {
	var inserted *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		inserted = pipe.LInsertBefore(ctx, key, oldValue, newValue)
		pipe.LRem(ctx, key, 1, oldValue)
		return nil
	})
	if err != nil {
		return false, translate(err)
	}
	return inserted.Val() > 0, nil
}

func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	return translate(s.retry(ctx, "zadd", func() error {
		return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	}))
}

// ZIncrBy is sent once. A retry after a lost reply could apply the delta twice.
func (s *Store) ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	score, err := s.client.ZIncrBy(ctx, key, delta, member).Result()
	return score, translate(err)
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64, reverse bool) ([]kv.ScoredMember, error) {
	var rows []redis.Z
	err := s.retry(ctx, "zrange", func() error {
		var err error
		if reverse {
			rows, err = s.client.ZRevRangeWithScores(ctx, key, start, stop).Result()
		} else {
			rows, err = s.client.ZRangeWithScores(ctx, key, start, stop).Result()
		}
		return err
	})
	if err != nil {
		return nil, translate(err)
	}
	members := make([]kv.ScoredMember, 0, len(rows))
	for _, row := range rows {
		members = append(members, kv.ScoredMember{Member: fmt.Sprint(row.Member), Score: row.Score})
	}
	return members, nil
}

func (s *Store) ZRank(ctx context.Context, key, member string, reverse bool) (int64, bool, error) {
	var rank int64
	err := s.retry(ctx, "zrank", func() error {
		var err error
		if reverse {
			rank, err = s.client.ZRevRank(ctx, key, member).Result()
		} else {
			rank, err = s.client.ZRank(ctx, key, member).Result()
		}
		return err
	})
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, translate(err)
	}
	return rank, true, nil
}

func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	var score float64
	err := s.retry(ctx, "zscore", func() error {
		var err error
		score, err = s.client.ZScore(ctx, key, member).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, translate(err)
	}
	return score, true, nil
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	var count int64
	err := s.retry(ctx, "zcard", func() error {
		var err error
		count, err = s.client.ZCard(ctx, key).Result()
		return err
	})
	return count, translate(err)
}

func positive(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case isWrongType(err):
		return kv.ErrWrongType
	case strings.Contains(err.Error(), "not an integer"):
		return kv.ErrNotInteger
	default:
		return err
	}
}

var _ kv.Store = (*Store)(nil)
