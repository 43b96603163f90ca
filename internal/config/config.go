package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/missions"
	"github.com/spf13/viper"
)

const (
	envPrefix          = "MISSIONS"
	defaultHTTPAddress = "0.0.0.0:8080"
	defaultLogLevel    = "info"
	defaultCookieName  = "missions_admin"
	defaultKeyPrefix   = "missions"
	defaultSQLitePath  = "missions.db"

	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"

	PointsSourceOverrideFirst = "override_first"
	PointsSourceBaseFirst     = "base_first"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string

	Store  StoreConfig
	Limits LimitsConfig
	TTL    TTLConfig

	PointsSource string

	Admin  AdminConfig
	Chain  ChainConfig
	Proofs ProofsConfig

	MetricsEnabled bool
	Missions       []missions.Definition
}

type StoreConfig struct {
	Backend    string
	RedisURL   string
	KeyPrefix  string
	SQLitePath string
}

type LimitsConfig struct {
	PendingMax  int64
	ReviewedMax int64
	LedgerMax   int64
	ScanPrefix  int64
}

type TTLConfig struct {
	SubmissionDaily  time.Duration
	SubmissionWeekly time.Duration
	SubmissionOnce   time.Duration
	ClaimDaily       time.Duration
	ClaimWeekly      time.Duration
}

type AdminConfig struct {
	Wallets       []string
	SessionTTL    time.Duration
	SigningSecret string
	CookieName    string
	NonceTTL      time.Duration
}

type ChainConfig struct {
	RPCURL         string
	ChainID        int64
	PointsContract string
	AwardKeyHex    string
	Timeout        time.Duration
}

type ProofsConfig struct {
	MaxFiles      int
	MaxBytes      int64
	S3Bucket      string
	S3Endpoint    string
	S3Region      string
	S3AccessKey   string
	S3SecretKey   string
	PublicBaseURL string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("store.backend", BackendMemory)
	configViper.SetDefault("store.redis_url", "")
	configViper.SetDefault("store.key_prefix", defaultKeyPrefix)
	configViper.SetDefault("store.sqlite_path", defaultSQLitePath)

	configViper.SetDefault("limits.pending_max", 5000)
	configViper.SetDefault("limits.reviewed_max", 5000)
	configViper.SetDefault("limits.ledger_max", 500)
	configViper.SetDefault("limits.scan_prefix", 2000)

	configViper.SetDefault("ttl.submission_daily", 72*time.Hour)
	configViper.SetDefault("ttl.submission_weekly", 21*24*time.Hour)
	configViper.SetDefault("ttl.submission_once", 365*24*time.Hour)
	configViper.SetDefault("ttl.claim_daily", 72*time.Hour)
	configViper.SetDefault("ttl.claim_weekly", 21*24*time.Hour)

	configViper.SetDefault("points.source", PointsSourceOverrideFirst)

	configViper.SetDefault("admin.wallets", []string{})
	configViper.SetDefault("admin.session_ttl", 12*time.Hour)
	configViper.SetDefault("admin.cookie_name", defaultCookieName)
	configViper.SetDefault("admin.nonce_ttl", 5*time.Minute)

	configViper.SetDefault("chain.rpc_url", "")
	configViper.SetDefault("chain.chain_id", 0)
	configViper.SetDefault("chain.points_contract", "")
	configViper.SetDefault("chain.award_key_hex", "")
	configViper.SetDefault("chain.timeout", 15*time.Second)

	configViper.SetDefault("proofs.max_files", 3)
	configViper.SetDefault("proofs.max_bytes", 2<<20)
	configViper.SetDefault("proofs.s3_bucket", "")
	configViper.SetDefault("proofs.s3_endpoint", "")
	configViper.SetDefault("proofs.s3_region", "us-east-1")
	configViper.SetDefault("proofs.s3_access_key", "")
	configViper.SetDefault("proofs.s3_secret_key", "")
	configViper.SetDefault("proofs.public_base_url", "")

	configViper.SetDefault("metrics.enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: listOf(configViper, "http.allowed_origins"),
		LogLevel:       configViper.GetString("log.level"),
		Store: StoreConfig{
			Backend:    strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
			RedisURL:   configViper.GetString("store.redis_url"),
			KeyPrefix:  configViper.GetString("store.key_prefix"),
			SQLitePath: configViper.GetString("store.sqlite_path"),
		},
		Limits: LimitsConfig{
			PendingMax:  configViper.GetInt64("limits.pending_max"),
			ReviewedMax: configViper.GetInt64("limits.reviewed_max"),
			LedgerMax:   configViper.GetInt64("limits.ledger_max"),
			ScanPrefix:  configViper.GetInt64("limits.scan_prefix"),
		},
		TTL: TTLConfig{
			SubmissionDaily:  configViper.GetDuration("ttl.submission_daily"),
			SubmissionWeekly: configViper.GetDuration("ttl.submission_weekly"),
			SubmissionOnce:   configViper.GetDuration("ttl.submission_once"),
			ClaimDaily:       configViper.GetDuration("ttl.claim_daily"),
			ClaimWeekly:      configViper.GetDuration("ttl.claim_weekly"),
		},
		PointsSource: strings.ToLower(strings.TrimSpace(configViper.GetString("points.source"))),
		Admin: AdminConfig{
			Wallets:       listOf(configViper, "admin.wallets"),
			SessionTTL:    configViper.GetDuration("admin.session_ttl"),
			SigningSecret: configViper.GetString("admin.signing_secret"),
			CookieName:    configViper.GetString("admin.cookie_name"),
			NonceTTL:      configViper.GetDuration("admin.nonce_ttl"),
		},
		Chain: ChainConfig{
			RPCURL:         configViper.GetString("chain.rpc_url"),
			ChainID:        configViper.GetInt64("chain.chain_id"),
			PointsContract: configViper.GetString("chain.points_contract"),
			AwardKeyHex:    configViper.GetString("chain.award_key_hex"),
			Timeout:        configViper.GetDuration("chain.timeout"),
		},
		Proofs: ProofsConfig{
			MaxFiles:      configViper.GetInt("proofs.max_files"),
			MaxBytes:      configViper.GetInt64("proofs.max_bytes"),
			S3Bucket:      configViper.GetString("proofs.s3_bucket"),
			S3Endpoint:    configViper.GetString("proofs.s3_endpoint"),
			S3Region:      configViper.GetString("proofs.s3_region"),
			S3AccessKey:   configViper.GetString("proofs.s3_access_key"),
			S3SecretKey:   configViper.GetString("proofs.s3_secret_key"),
			PublicBaseURL: configViper.GetString("proofs.public_base_url"),
		},
		MetricsEnabled: configViper.GetBool("metrics.enabled"),
	}

	if configViper.IsSet("missions") {
		var definitions []missions.Definition
		if err := configViper.UnmarshalKey("missions", &definitions); err != nil {
			return AppConfig{}, fmt.Errorf("missions: %w", err)
		}
		cfg.Missions = definitions
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// listOf accepts both a real list and a comma separated string, as env variables provide.
func listOf(configViper *viper.Viper, key string) []string {
	var values []string
	for _, raw := range configViper.GetStringSlice(key) {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				values = append(values, trimmed)
			}
		}
	}
	return values
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Admin.SigningSecret) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	if strings.TrimSpace(c.Admin.CookieName) == "" {
		return fmt.Errorf("admin.cookie_name is required")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.Store.RedisURL) == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	case BackendSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	switch c.PointsSource {
	case PointsSourceOverrideFirst, PointsSourceBaseFirst:
	default:
		return fmt.Errorf("points.source %q is not supported", c.PointsSource)
	}
	caps := map[string]int64{
		"limits.pending_max":  c.Limits.PendingMax,
		"limits.reviewed_max": c.Limits.ReviewedMax,
		"limits.ledger_max":   c.Limits.LedgerMax,
		"limits.scan_prefix":  c.Limits.ScanPrefix,
		"proofs.max_files":    int64(c.Proofs.MaxFiles),
		"proofs.max_bytes":    c.Proofs.MaxBytes,
	}
	for key, value := range caps {
		if value < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	if c.Chain.AwardKeyHex != "" && strings.TrimSpace(c.Chain.PointsContract) == "" {
		return fmt.Errorf("chain.points_contract is required when chain.award_key_hex is set")
	}
	return nil
}
