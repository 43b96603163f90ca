// Package sqlstore is a durable Store backend on a gorm managed SQL database.
//
// Every operation runs in its own transaction. With SQLite and a single open connection the
// transactions serialise, which gives the same per-key atomicity the remote backend offers.
package sqlstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/kv"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryKey       = "kv_key = ?"
	orderHeadFirst = "position ASC"
)

var errMissingDatabase = errors.New("sqlstore: database handle is required")

// Config wires a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store implements kv.Store over four tables.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// New constructs a store over an already migrated database.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (s *Store) Backend() string { return "sqlite" }

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// PurgeExpired deletes every expired key. Reads evict lazily, so this only reclaims space held
// by keys nobody touches again.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.clock().UnixNano()
	var purged int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var keys []string
		if err := tx.Model(&KeyRecord{}).
			Where("expires_at_ns > 0 AND expires_at_ns <= ?", now).
			Pluck("kv_key", &keys).Error; err != nil {
			return err
		}
		for _, key := range keys {
			if err := dropKey(tx, key); err != nil {
				return err
			}
		}
		purged = int64(len(keys))
		return nil
	})
	if err == nil && purged > 0 {
		s.logger.Info("expired keys purged", zap.Int64("count", purged))
	}
	return purged, err
}

func (s *Store) transaction(ctx context.Context, apply func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(apply)
}

func dropKey(tx *gorm.DB, key string) error {
	for _, model := range []any{&HashField{}, &ListItem{}, &ZSetMember{}, &KeyRecord{}} {
		if err := tx.Where(queryKey, key).Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}

// live returns the key record, dropping it first when it has expired.
func (s *Store) live(tx *gorm.DB, key string) (*KeyRecord, error) {
	var record KeyRecord
	err := tx.Where(queryKey, key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if record.ExpiresAtNanos > 0 && record.ExpiresAtNanos <= s.clock().UnixNano() {
		if err := dropKey(tx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &record, nil
}

func (s *Store) liveKind(tx *gorm.DB, key, kind string) (*KeyRecord, error) {
	record, err := s.live(tx, key)
	if err != nil || record == nil {
		return nil, err
	}
	if record.Kind != kind {
		return nil, kv.ErrWrongType
	}
	return record, nil
}

func (s *Store) ensureKind(tx *gorm.DB, key, kind string) (*KeyRecord, error) {
	record, err := s.liveKind(tx, key, kind)
	if err != nil || record != nil {
		return record, err
	}
	created := &KeyRecord{Key: key, Kind: kind}
	if kind == kindString {
		created.Value = "0"
	}
	if err := tx.Create(created).Error; err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.clock().Add(ttl).UnixNano()
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		record, err := s.liveKind(tx, key, kindString)
		if err != nil || record == nil {
			return err
		}
		value, found = record.Value, true
		return nil
	})
	return value, found, err
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		if err := dropKey(tx, key); err != nil {
			return err
		}
		return tx.Create(&KeyRecord{Key: key, Kind: kindString, Value: value, ExpiresAtNanos: s.expiry(ttl)}).Error
	})
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	stored := false
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		record, err := s.live(tx, key)
		if err != nil || record != nil {
			return err
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&KeyRecord{Key: key, Kind: kindString, Value: value, ExpiresAtNanos: s.expiry(ttl)})
		if result.Error != nil {
			return result.Error
		}
		stored = result.RowsAffected == 1
		return nil
	})
	return stored, err
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	var next int64
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		record, err := s.ensureKind(tx, key, kindString)
		if err != nil {
			return err
		}
		current, err := strconv.ParseInt(record.Value, 10, 64)
		if err != nil {
			return kv.ErrNotInteger
		}
		next = current + delta
		return tx.Model(&KeyRecord{}).Where(queryKey, key).Update("value", strconv.FormatInt(next, 10)).Error
	})
	return next, err
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		record, err := s.live(tx, key)
		if err != nil || record == nil {
			return err
		}
		return tx.Model(&KeyRecord{}).Where(queryKey, key).Update("expires_at_ns", s.expiry(ttl)).Error
	})
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		for _, key := range keys {
			if err := dropKey(tx, key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields := make(map[string]string)
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		record, err := s.liveKind(tx, key, kindHash)
		if err != nil || record == nil {
			return err
		}
		var rows []HashField
		if err := tx.Where(queryKey, key).Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			fields[row.Field] = row.Value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fields, nil
}

func upsertField(tx *gorm.DB, key, field, value string) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kv_key"}, {Name: "field"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&HashField{Key: key, Field: field, Value: value}).Error
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.transaction(ctx, func(tx *gorm.DB) error {
		if _, err := s.ensureKind(tx, key, kindHash); err != nil {
			return err
		}
		for field, value := range fields {
			if err := upsertField(tx, key, field, value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	var next int64
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		if _, err := s.ensureKind(tx, key, kindHash); err != nil {
			return err
		}
		var row HashField
		err := tx.Where("kv_key = ? AND field = ?", key, field).Take(&row).Error
		current := int64(0)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			parsed, parseErr := strconv.ParseInt(row.Value, 10, 64)
			if parseErr != nil {
				return kv.ErrNotInteger
			}
			current = parsed
		}
		next = current + delta
		return upsertField(tx, key, field, strconv.FormatInt(next, 10))
	})
	return next, err
}

func (s *Store) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	return s.transaction(ctx, func(tx *gorm.DB) error {
		if _, err := s.ensureKind(tx, key, kindList); err != nil {
			return err
		}
		var head int64
		if err := tx.Model(&ListItem{}).Where(queryKey, key).
			Select("COALESCE(MIN(position), 0)").Scan(&head).Error; err != nil {
			return err
		}
		items := make([]ListItem, 0, len(values))
		for index, value := range values {
			items = append(items, ListItem{Key: key, Position: head - int64(index) - 1, Value: value})
		}
		return tx.Create(&items).Error
	})
}

func countItems(tx *gorm.DB, model any, key string) (int64, error) {
	var count int64
	err := tx.Model(model).Where(queryKey, key).Count(&count).Error
	return count, err
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values := []string{}
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		record, err := s.liveKind(tx, key, kindList)
		if err != nil || record == nil {
			return err
		}
		length, err := countItems(tx, &ListItem{}, key)
		if err != nil {
			return err
		}
		from, to, ok := kv.NormalizeRange(length, start, stop)
		if !ok {
			return nil
		}
		return tx.Model(&ListItem{}).Where(queryKey, key).Order(orderHeadFirst).
			Offset(int(from)).Limit(int(to-from)).Pluck("value", &values).Error
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

func (s *Store) dropIfEmptyList(tx *gorm.DB, key string) error {
	remaining, err := countItems(tx, &ListItem{}, key)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return dropKey(tx, key)
	}
	return nil
}

func (s *Store) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	var removed int64
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		record, err := s.liveKind(tx, key, kindList)
		if err != nil || record == nil {
			return err
		}
		query := tx.Model(&ListItem{}).Where("kv_key = ? AND value = ?", key, value)
		switch {
		case count > 0:
			query = query.Order("position ASC").Limit(int(count))
		case count < 0:
			query = query.Order("position DESC").Limit(int(-count))
		}
		var ids []uint64
		if err := query.Pluck("item_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("item_id IN ?", ids).Delete(&ListItem{}).Error; err != nil {
			return err
		}
		removed = int64(len(ids))
		return s.dropIfEmptyList(tx, key)
	})
	return removed, err
}

func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		record, err := s.liveKind(tx, key, kindList)
		if err != nil || record == nil {
			return err
		}
		var ids []uint64
		if err := tx.Model(&ListItem{}).Where(queryKey, key).Order(orderHeadFirst).Pluck("item_id", &ids).Error; err != nil {
			return err
		}
		from, to, ok := kv.NormalizeRange(int64(len(ids)), start, stop)
		if !ok {
			return dropKey(tx, key)
		}
		doomed := make([]uint64, 0, len(ids)-int(to-from))
		doomed = append(doomed, ids[:from]...)
		doomed = append(doomed, ids[to:]...)
		if len(doomed) == 0 {
			return nil
		}
		return tx.Where("item_id IN ?", doomed).Delete(&ListItem{}).Error
	})
}

func (s *Store) LReplace(ctx context.Context, key, oldValue, newValue string) (bool, error) {
	replaced := false
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		record, err := s.liveKind(tx, key, kindList)
		if err != nil || record == nil {
			return err
		}
		var item ListItem
		err = tx.Where("kv_key = ? AND value = ?", key, oldValue).Order(orderHeadFirst).Take(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Model(&ListItem{}).Where("item_id = ?", item.ID).Update("value", newValue).Error; err != nil {
			return err
		}
		replaced = true
		return nil
	})
	return replaced, err
}

func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		if _, err := s.ensureKind(tx, key, kindZSet); err != nil {
			return err
		}
		return upsertMember(tx, key, member, score)
	})
}

func (s *Store) ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	var next float64
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		if _, err := s.ensureKind(tx, key, kindZSet); err != nil {
			return err
		}
		var row ZSetMember
		err := tx.Where("kv_key = ? AND member = ?", key, member).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			next = row.Score
		}
		next += delta
		return upsertMember(tx, key, member, next)
	})
	return next, err
}

func upsertMember(tx *gorm.DB, key, member string, score float64) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kv_key"}, {Name: "member"}},
		DoUpdates: clause.AssignmentColumns([]string{"score"}),
	}).Create(&ZSetMember{Key: key, Member: member, Score: score}).Error
}

func zsetOrder(reverse bool) string {
	if reverse {
		return "score DESC, member DESC"
	}
	return "score ASC, member ASC"
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64, reverse bool) ([]kv.ScoredMember, error) {
	members := []kv.ScoredMember{}
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		record, err := s.liveKind(tx, key, kindZSet)
		if err != nil || record == nil {
			return err
		}
		length, err := countItems(tx, &ZSetMember{}, key)
		if err != nil {
			return err
		}
		from, to, ok := kv.NormalizeRange(length, start, stop)
		if !ok {
			return nil
		}
		var rows []ZSetMember
		if err := tx.Where(queryKey, key).Order(zsetOrder(reverse)).
			Offset(int(from)).Limit(int(to - from)).Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			members = append(members, kv.ScoredMember{Member: row.Member, Score: row.Score})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (s *Store) ZRank(ctx context.Context, key, member string, reverse bool) (int64, bool, error) {
	var (
		rank  int64
		found bool
	)
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		record, err := s.liveKind(tx, key, kindZSet)
		if err != nil || record == nil {
			return err
		}
		var row ZSetMember
		err = tx.Where("kv_key = ? AND member = ?", key, member).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ahead := "score < ? OR (score = ? AND member < ?)"
		if reverse {
			ahead = "score > ? OR (score = ? AND member > ?)"
		}
		if err := tx.Model(&ZSetMember{}).Where(queryKey, key).
			Where(ahead, row.Score, row.Score, row.Member).
			Count(&rank).Error; err != nil {
			return err
		}
		found = true
		return nil
	})
	return rank, found, err
}

func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	var (
		score float64
		found bool
	)
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		record, err := s.liveKind(tx, key, kindZSet)
		if err != nil || record == nil {
			return err
		}
		var row ZSetMember
		err = tx.Where("kv_key = ? AND member = ?", key, member).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		score, found = row.Score, true
		return nil
	})
	return score, found, err
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	var count int64
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		record, err := s.liveKind(tx, key, kindZSet)
		if err != nil || record == nil {
			return err
		}
		count, err = countItems(tx, &ZSetMember{}, key)
		return err
	})
	return count, err
}

var _ kv.Store = (*Store)(nil)
