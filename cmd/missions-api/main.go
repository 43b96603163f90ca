package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/auth"
	"github.com/MarcoPoloResearchLab/missions/internal/config"
	"github.com/MarcoPoloResearchLab/missions/internal/ledger"
	"github.com/MarcoPoloResearchLab/missions/internal/logging"
	"github.com/MarcoPoloResearchLab/missions/internal/metrics"
	"github.com/MarcoPoloResearchLab/missions/internal/missions"
	"github.com/MarcoPoloResearchLab/missions/internal/onchain"
	"github.com/MarcoPoloResearchLab/missions/internal/review"
	"github.com/MarcoPoloResearchLab/missions/internal/server"
	"github.com/MarcoPoloResearchLab/missions/internal/submissions"
	"github.com/MarcoPoloResearchLab/missions/internal/verify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "missions-api",
		Short: "Mission campaign submissions, review and point accounting",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("store-backend", defaults.GetString("store.backend"), "Key-value backend (memory, redis, sqlite)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("store.redis_url"), "Redis URL for the redis backend")
	cmd.PersistentFlags().String("sqlite-path", defaults.GetString("store.sqlite_path"), "SQLite path for the sqlite backend")
	cmd.PersistentFlags().String("points-source", defaults.GetString("points.source"), "Approval point precedence (override_first, base_first)")
	cmd.PersistentFlags().StringSlice("admin-wallets", nil, "Admin wallet allowlist")
	cmd.PersistentFlags().String("signing-secret", "", "Admin session signing secret (overrides env)")
	cmd.PersistentFlags().String("chain-rpc-url", defaults.GetString("chain.rpc_url"), "Ethereum JSON-RPC endpoint")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "store.backend", "store-backend")
	bindFlag(cmd, "store.redis_url", "redis-url")
	bindFlag(cmd, "store.sqlite_path", "sqlite-path")
	bindFlag(cmd, "points.source", "points-source")
	bindFlag(cmd, "admin.wallets", "admin-wallets")
	bindFlag(cmd, "admin.signing_secret", "signing-secret")
	bindFlag(cmd, "chain.rpc_url", "chain-rpc-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := openStore(ctx, appConfig.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	keys := kvKeys(appConfig.Store)

	chain, err := openChain(ctx, appConfig.Chain, logger)
	if err != nil {
		return err
	}
	defer chain.close()

	definitions := appConfig.Missions
	if len(definitions) == 0 {
		definitions = missions.DefaultDefinitions()
	}
	catalog, err := missions.NewCatalog(definitions)
	if err != nil {
		return err
	}

	var recorder *metrics.Recorder
	if appConfig.MetricsEnabled {
		recorder = metrics.New()
	}

	queue, err := submissions.NewQueue(submissions.Config{
		Store:           store,
		Keys:            keys,
		Clock:           time.Now,
		Logger:          logger,
		Metrics:         recorder,
		PendingMax:      appConfig.Limits.PendingMax,
		ReviewedMax:     appConfig.Limits.ReviewedMax,
		ScanPrefix:      appConfig.Limits.ScanPrefix,
		MarkerTTLDaily:  appConfig.TTL.SubmissionDaily,
		MarkerTTLWeekly: appConfig.TTL.SubmissionWeekly,
		MarkerTTLOnce:   appConfig.TTL.SubmissionOnce,
	})
	if err != nil {
		return err
	}

	ledgerService, err := ledger.NewService(ledger.Config{
		Store:          store,
		Keys:           keys,
		Clock:          time.Now,
		Logger:         logger,
		Metrics:        recorder,
		LedgerMax:      appConfig.Limits.LedgerMax,
		ClaimTTLDaily:  appConfig.TTL.ClaimDaily,
		ClaimTTLWeekly: appConfig.TTL.ClaimWeekly,
	})
	if err != nil {
		return err
	}

	reconciler, err := onchain.NewReconciler(onchain.ReconcilerConfig{
		Store:    store,
		Keys:     keys,
		Accounts: ledgerService,
		Reader:   chain.reader,
		Clock:    time.Now,
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewReviewDispatcher()
	reviewService, err := review.NewService(review.Config{
		Queue:        queue,
		Ledger:       ledgerService,
		Catalog:      catalog,
		Awarder:      chain.awarder,
		Accounts:     chain.reader,
		Receipts:     reconciler,
		Events:       dispatcher,
		PointsSource: appConfig.PointsSource,
		AwardTimeout: appConfig.Chain.Timeout,
		Clock:        time.Now,
		Logger:       logger,
		Metrics:      recorder,
	})
	if err != nil {
		return err
	}

	verifier, err := verify.NewVerifier(verify.Config{
		Ledger:      ledgerService,
		Catalog:     catalog,
		Tokens:      chain.tokens,
		ReadTimeout: appConfig.Chain.Timeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	intake, err := newProofIntake(ctx, appConfig.Proofs, logger)
	if err != nil {
		return err
	}

	wallets, err := auth.NewWalletVerifier(auth.WalletVerifierConfig{
		Store:    store,
		Keys:     keys,
		NonceTTL: appConfig.Admin.NonceTTL,
		Logger:   logger,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Admin.SigningSecret),
		TokenTTL:      appConfig.Admin.SessionTTL,
	})
	if err != nil {
		return err
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.Admin.SigningSecret),
		CookieName:    appConfig.Admin.CookieName,
	})
	if err != nil {
		return err
	}
	admins, rejected := auth.NewAllowlist(appConfig.Admin.Wallets)
	if len(rejected) > 0 {
		logger.Warn("ignoring invalid admin wallets", zap.Strings("wallets", rejected))
	}
	if admins.Len() == 0 {
		logger.Warn("admin allowlist is empty; review endpoints will refuse every session")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:          store,
		Catalog:        catalog,
		Queue:          queue,
		Ledger:         ledgerService,
		Review:         reviewService,
		Verifier:       verifier,
		Reconciler:     reconciler,
		Proofs:         intake,
		Wallets:        wallets,
		Tokens:         tokenIssuer,
		Sessions:       sessionValidator,
		Admins:         admins,
		Realtime:       dispatcher,
		Metrics:        recorder,
		AllowedOrigins: appConfig.AllowedOrigins,
		Clock:          time.Now,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store", store.Backend()),
			zap.Int("missions", len(catalog.All())))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
