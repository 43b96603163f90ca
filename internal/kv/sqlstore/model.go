package sqlstore

const (
	kindString = "string"
	kindHash   = "hash"
	kindList   = "list"
	kindZSet   = "zset"
)

// KeyRecord registers every live key with its kind and expiry. String values live inline.
type KeyRecord struct {
	Key            string `gorm:"column:kv_key;primaryKey;size:512;not null"`
	Kind           string `gorm:"column:kind;size:16;not null"`
	Value          string `gorm:"column:value;type:text;not null;default:''"`
	ExpiresAtNanos int64  `gorm:"column:expires_at_ns;not null;default:0;index:idx_kv_keys_expiry"`
}

// TableName provides the explicit table binding for GORM.
func (KeyRecord) TableName() string {
	return "kv_keys"
}

// HashField stores one field of a hash key.
type HashField struct {
	Key   string `gorm:"column:kv_key;primaryKey;size:512;not null"`
	Field string `gorm:"column:field;primaryKey;size:190;not null"`
	Value string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (HashField) TableName() string {
	return "kv_hash_fields"
}

// ListItem stores one element of a list key. Lower positions sit closer to the head.
type ListItem struct {
	ID       uint64 `gorm:"column:item_id;primaryKey;autoIncrement"`
	Key      string `gorm:"column:kv_key;size:512;not null;index:idx_kv_list_key_position,priority:1"`
	Position int64  `gorm:"column:position;not null;index:idx_kv_list_key_position,priority:2"`
	Value    string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ListItem) TableName() string {
	return "kv_list_items"
}

// ZSetMember stores one scored member of a sorted set key.
type ZSetMember struct {
	Key    string  `gorm:"column:kv_key;primaryKey;size:512;not null;index:idx_kv_zset_score,priority:1"`
	Member string  `gorm:"column:member;primaryKey;size:190;not null"`
	Score  float64 `gorm:"column:score;not null;index:idx_kv_zset_score,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ZSetMember) TableName() string {
	return "kv_zset_members"
}

// Models lists the tables the store needs migrated.
func Models() []any {
	return []any{&KeyRecord{}, &HashField{}, &ListItem{}, &ZSetMember{}}
}
