package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/missions/internal/config"
	"github.com/MarcoPoloResearchLab/missions/internal/database"
	"github.com/MarcoPoloResearchLab/missions/internal/kv"
	"github.com/MarcoPoloResearchLab/missions/internal/kv/memory"
	"github.com/MarcoPoloResearchLab/missions/internal/kv/redisstore"
	"github.com/MarcoPoloResearchLab/missions/internal/kv/sqlstore"
	"github.com/MarcoPoloResearchLab/missions/internal/onchain"
	"github.com/MarcoPoloResearchLab/missions/internal/proofs"
	"go.uber.org/zap"
)

func kvKeys(cfg config.StoreConfig) kv.Keys {
	return kv.NewKeys(cfg.KeyPrefix)
}

// openStore selects the configured backend and checks that it answers.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (kv.Store, error) {
	var store kv.Store
	switch cfg.Backend {
	case config.BackendRedis:
		redisStore, err := redisstore.Open(redisstore.Config{URL: cfg.RedisURL, Logger: logger})
		if err != nil {
			return nil, err
		}
		store = redisStore
	case config.BackendSQLite:
		db, err := database.OpenSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		sqlStore, err := sqlstore.New(sqlstore.Config{Database: db, Logger: logger})
		if err != nil {
			return nil, err
		}
		if _, err := sqlStore.PurgeExpired(ctx); err != nil {
			logger.Warn("expired key purge failed", zap.Error(err))
		}
		store = sqlStore
	default:
		logger.Warn("using the in-memory store; data is lost on restart and not shared across instances")
		store = memory.Shared()
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("%s store unavailable: %w", store.Backend(), err)
	}
	return store, nil
}

// chainClients holds the chain collaborators. Every field is usable even when no RPC endpoint is
// configured; awarder is nil when awards are not possible.
type chainClients struct {
	reader  onchain.PointsReader
	awarder onchain.PointsAwarder
	tokens  onchain.TokenReader
	close   func()
}

func openChain(ctx context.Context, cfg config.ChainConfig, logger *zap.Logger) (chainClients, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		logger.Info("no chain rpc configured; on-chain reads and awards are disabled")
		return chainClients{reader: onchain.Disabled{}, tokens: onchain.Disabled{}, close: func() {}}, nil
	}
	client, err := onchain.DialEthereum(ctx, onchain.EthereumConfig{
		RPCURL:         cfg.RPCURL,
		ChainID:        cfg.ChainID,
		PointsContract: cfg.PointsContract,
		AwardKeyHex:    cfg.AwardKeyHex,
		Timeout:        cfg.Timeout,
		Logger:         logger,
	})
	if err != nil {
		return chainClients{}, err
	}
	clients := chainClients{reader: client, tokens: client, close: client.Close}
	if strings.TrimSpace(cfg.AwardKeyHex) != "" && strings.TrimSpace(cfg.PointsContract) != "" {
		clients.awarder = client
	}
	return clients, nil
}

func newProofIntake(ctx context.Context, cfg config.ProofsConfig, logger *zap.Logger) (*proofs.Intake, error) {
	intakeConfig := proofs.Config{MaxFiles: cfg.MaxFiles, MaxBytes: cfg.MaxBytes, Logger: logger}
	if strings.TrimSpace(cfg.S3Bucket) != "" {
		objectStore, err := proofs.NewS3Store(ctx, proofs.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			PublicBaseURL:   cfg.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		intakeConfig.Store = objectStore
	}
	return proofs.NewIntake(intakeConfig), nil
}
