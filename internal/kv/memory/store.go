// Package memory is the transient, single-process Store backend.
//
// Each operation holds one mutex, so individual operations are atomic inside the process. There
// is no coordination across processes: running several instances against separate memory stores
// gives each its own ledger. Use it for development and single-instance deployments only.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/kv"
)

type valueKind int

const (
	kindString valueKind = iota
	kindHash
	kindList
	kindZSet
)

type entry struct {
	kind      valueKind
	str       string
	hash      map[string]string
	list      []string
	zset      map[string]float64
	expiresAt time.Time
}

// Config tunes a memory store.
type Config struct {
	Clock func() time.Time
}

// Store keeps every key in a process-local map.
type Store struct {
	mu      sync.Mutex
	clock   func() time.Time
	entries map[string]*entry
}

var (
	sharedOnce  sync.Once
	sharedStore *Store
)

// Shared returns the process-wide store. Close on it drops every key.
func Shared() *Store {
	sharedOnce.Do(func() {
		sharedStore = New(Config{})
	})
	return sharedStore
}

// New constructs an isolated store.
func New(cfg Config) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{clock: clock, entries: make(map[string]*entry)}
}

func (s *Store) Backend() string { return "memory" }

func (s *Store) Ping(context.Context) error { return nil }

// Close drops every key. The store stays usable afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.mu.Unlock()
	return nil
}

// lookup returns the live entry for key, evicting it when expired. Callers hold mu.
func (s *Store) lookup(key string) *entry {
	current, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !current.expiresAt.IsZero() && !s.clock().Before(current.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return current
}

func (s *Store) lookupKind(key string, kind valueKind) (*entry, error) {
	current := s.lookup(key)
	if current == nil {
		return nil, nil
	}
	if current.kind != kind {
		return nil, kv.ErrWrongType
	}
	return current, nil
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock().Add(ttl)
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.lookupKind(key, kindString)
	if err != nil || current == nil {
		return "", false, err
	}
	return current.str, true, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &entry{kind: kindString, str: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(key) != nil {
		return false, nil
	}
	s.entries[key] = &entry{kind: kindString, str: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *Store) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.lookupKind(key, kindString)
	if err != nil {
		return 0, err
	}
	if current == nil {
		current = &entry{kind: kindString, str: "0"}
		s.entries[key] = current
	}
	value, err := strconv.ParseInt(current.str, 10, 64)
	if err != nil {
		return 0, kv.ErrNotInteger
	}
	value += delta
	current.str = strconv.FormatInt(value, 10)
	return value, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.lookup(key)
	if current == nil {
		return nil
	}
	current.expiresAt = s.expiry(ttl)
	return nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.lookupKind(key, kindHash)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string)
	if current == nil {
		return fields, nil
	}
	for field, value := range current.hash {
		fields[field] = value
	}
	return fields, nil
}

func (s *Store) hash(key string) (*entry, error) {
	current, err := s.lookupKind(key, kindHash)
	if err != nil {
		return nil, err
	}
	if current == nil {
		current = &entry{kind: kindHash, hash: make(map[string]string)}
		s.entries[key] = current
	}
	return current, nil
}

func (s *Store) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.hash(key)
	if err != nil {
		return err
	}
	for field, value := range fields {
		current.hash[field] = value
	}
	return nil
}

func (s *Store) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.hash(key)
	if err != nil {
		return 0, err
	}
	value := int64(0)
	if raw, ok := current.hash[field]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, kv.ErrNotInteger
		}
		value = parsed
	}
	value += delta
	current.hash[field] = strconv.FormatInt(value, 10)
	return value, nil
}

func (s *Store) LPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.lookupKind(key, kindList)
	if err != nil {
		return err
	}
	if current == nil {
		current = &entry{kind: kindList}
		s.entries[key] = current
	}
	head := make([]string, 0, len(values)+len(current.list))
	for index := len(values) - 1; index >= 0; index-- {
		head = append(head, values[index])
	}
	current.list = append(head, current.list...)
	return nil
}

func (s *Store) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.lookupKind(key, kindList)
	if err != nil || current == nil {
		return []string{}, err
	}
	from, to, ok := kv.NormalizeRange(int64(len(current.list)), start, stop)
	if !ok {
		return []string{}, nil
	}
	window := make([]string, to-from)
	copy(window, current.list[from:to])
	return window, nil
}

func (s *Store) LRem(_ context.Context, key string, count int64, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.lookupKind(key, kindList)
	if err != nil || current == nil {
		return 0, err
	}
	removed := int64(0)
	kept := current.list[:0]
	if count >= 0 {
		for _, item := range current.list {
			if item == value && (count == 0 || removed < count) {
				removed++
				continue
			}
			kept = append(kept, item)
		}
		current.list = kept
	} else {
		limit := -count
		filtered := make([]string, 0, len(current.list))
		for index := len(current.list) - 1; index >= 0; index-- {
			item := current.list[index]
			if item == value && removed < limit {
				removed++
				continue
			}
			filtered = append(filtered, item)
		}
		for left, right := 0, len(filtered)-1; left < right; left, right = left+1, right-1 {
			filtered[left], filtered[right] = filtered[right], filtered[left]
		}
		current.list = filtered
	}
	if len(current.list) == 0 {
		delete(s.entries, key)
	}
	return removed, nil
}

func (s *Store) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.lookupKind(key, kindList)
	if err != nil || current == nil {
		return err
	}
	from, to, ok := kv.NormalizeRange(int64(len(current.list)), start, stop)
	if !ok {
		delete(s.entries, key)
		return nil
	}
	trimmed := make([]string, to-from)
	copy(trimmed, current.list[from:to])
	current.list = trimmed
	return nil
}

func (s *Store) LReplace(_ context.Context, key, oldValue, newValue string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.lookupKind(key, kindList)
	if err != nil || current == nil {
		return false, err
	}
	for index, item := range current.list {
		if item == oldValue {
			current.list[index] = newValue
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ZAdd(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.lookupKind(key, kindZSet)
	if err != nil {
		return err
	}
	if current == nil {
		current = &entry{kind: kindZSet, zset: make(map[string]float64)}
		s.entries[key] = current
	}
	current.zset[member] = score
	return nil
}

func (s *Store) ZIncrBy(_ context.Context, key, member string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.lookupKind(key, kindZSet)
	if err != nil {
		return 0, err
	}
	if current == nil {
		current = &entry{kind: kindZSet, zset: make(map[string]float64)}
		s.entries[key] = current
	}
	current.zset[member] += delta
	return current.zset[member], nil
}

// sortedRows materialises the set as an explicit row collection ordered like a sorted set.
func sortedRows(set map[string]float64, reverse bool) []kv.ScoredMember {
	rows := make([]kv.ScoredMember, 0, len(set))
	for member, score := range set {
		rows = append(rows, kv.ScoredMember{Member: member, Score: score})
	}
	sort.Slice(rows, func(left, right int) bool {
		if rows[left].Score != rows[right].Score {
			if reverse {
				return rows[left].Score > rows[right].Score
			}
			return rows[left].Score < rows[right].Score
		}
		if reverse {
			return rows[left].Member > rows[right].Member
		}
		return rows[left].Member < rows[right].Member
	})
	return rows
}

func (s *Store) ZRange(_ context.Context, key string, start, stop int64, reverse bool) ([]kv.ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.lookupKind(key, kindZSet)
	if err != nil || current == nil {
		return []kv.ScoredMember{}, err
	}
	rows := sortedRows(current.zset, reverse)
	from, to, ok := kv.NormalizeRange(int64(len(rows)), start, stop)
	if !ok {
		return []kv.ScoredMember{}, nil
	}
	return rows[from:to], nil
}

func (s *Store) ZRank(_ context.Context, key, member string, reverse bool) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.lookupKind(key, kindZSet)
	if err != nil || current == nil {
		return 0, false, err
	}
	if _, ok := current.zset[member]; !ok {
		return 0, false, nil
	}
	for index, row := range sortedRows(current.zset, reverse) {
		if row.Member == member {
			return int64(index), true, nil
		}
	}
	return 0, false, nil
}

func (s *Store) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.lookupKind(key, kindZSet)
	if err != nil || current == nil {
		return 0, false, err
	}
	score, ok := current.zset[member]
	return score, ok, nil
}

func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.lookupKind(key, kindZSet)
	if err != nil || current == nil {
		return 0, err
	}
	return int64(len(current.zset)), nil
}

var _ kv.Store = (*Store)(nil)
