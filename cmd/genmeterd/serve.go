package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/genmeter/internal/config"
	"github.com/MarkoPoloResearchLab/genmeter/internal/credentials/redislease"
	"github.com/MarkoPoloResearchLab/genmeter/internal/httpapi"
	"github.com/MarkoPoloResearchLab/genmeter/internal/observability"
	"github.com/MarkoPoloResearchLab/genmeter/internal/provider/httpprovider"
	"github.com/MarkoPoloResearchLab/genmeter/internal/webhook"
	"github.com/MarkoPoloResearchLab/genmeter/pkg/credentials"
	"github.com/MarkoPoloResearchLab/genmeter/pkg/generation"
	"github.com/MarkoPoloResearchLab/genmeter/pkg/ledger"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the generation and billing HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	flags := cmd.Flags()
	flags.String(flagListenAddr, "", "http listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.Duration(flagShutdownTimeout, 0, "graceful shutdown timeout")
	flags.String(flagSessionSigningKey, "", "session JWT signing key; empty disables session checks")
	flags.String(flagSessionIssuer, "", "session JWT issuer")
	flags.String(flagSessionCookieName, "", "session cookie name")
	flags.String(flagProviderName, "", "provider label stored on transactions")
	flags.String(flagProviderEndpoint, "", "provider generate endpoint")
	flags.Duration(flagProviderTimeout, 0, "per-call provider timeout")
	flags.String(flagProviderCredentials, "", "comma-separated provider API keys")
	flags.String(flagModel, "", "default model")
	flags.Int64(flagGenerationCost, 0, "credits per generation")
	flags.Duration(flagCredentialCooldown, 0, "how long a failed credential sits out; zero keeps it out until the pool resets")
	flags.String(flagRedisAddr, "", "redis address for shared credential cooldowns")
	flags.String(flagRedisKeyPrefix, "", "redis key prefix for cooldown leases")
	flags.String(flagWebhookSecret, "", "payment webhook signing secret")
	flags.String(flagProductTable, "", "product table, e.g. prod_basic=100+20,prod_pro=500")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	handle, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer handle.close()
	if err := handle.migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	metrics := observability.NewMetrics()

	ledgerService, err := newLedgerService(handle.store, cfg, logger)
	if err != nil {
		return err
	}

	poolOptions := []credentials.Option{
		credentials.WithCooldown(cfg.CredentialCooldown),
		credentials.WithLogger(logger),
	}
	if cfg.RedisAddr != "" {
		cooldowns, redisClient, err := redislease.Dial(ctx, cfg.RedisAddr, cfg.RedisKeyPrefix)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = redisClient.Close() }()
		poolOptions = append(poolOptions, credentials.WithCooldownStore(cooldowns))
	}
	pool, err := credentials.NewPool(cfg.ProviderCredentials, poolOptions...)
	if err != nil {
		return fmt.Errorf("credential pool: %w", err)
	}

	provider, err := httpprovider.New(httpprovider.Config{
		Name:     cfg.ProviderName,
		Endpoint: cfg.ProviderEndpoint,
		Timeout:  cfg.ProviderTimeout,
	})
	if err != nil {
		return err
	}

	cost, err := ledger.NewPositiveCredits(cfg.GenerationCost)
	if err != nil {
		return fmt.Errorf("generation cost: %w", err)
	}
	orchestrator, err := generation.NewOrchestrator(ledgerService, pool, provider,
		generation.WithCost(cost),
		generation.WithMaxRetries(cfg.MaxRetries),
		generation.WithModel(cfg.Model),
		generation.WithProviderTimeout(cfg.ProviderTimeout),
		generation.WithLogger(logger),
		generation.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	reconciler, err := webhook.NewReconciler(ledgerService, cfg.Products, logger, metrics)
	if err != nil {
		return err
	}

	server, err := httpapi.NewServer(cfg, httpapi.Dependencies{
		Generator:  orchestrator,
		Ledger:     ledgerService,
		Webhook:    reconciler,
		Verifier:   webhook.NewVerifier(cfg.WebhookSecret, logger),
		Middleware: []gin.HandlerFunc{metrics.GinMiddleware()},
		Metrics:    metrics.Handler(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logger.Info("genmeterd starting",
		zap.String("addr", cfg.ListenAddr),
		zap.String("driver", handle.driver),
		zap.Int("credentials", pool.Size()),
		zap.Bool("sessions", cfg.SessionEnabled()),
		zap.Bool("shared_cooldowns", cfg.RedisAddr != ""),
	)
	return server.Run(ctx)
}

func newLedgerService(store ledger.Store, cfg config.Config, logger *zap.Logger) (*ledger.Service, error) {
	initialCredits, err := ledger.NewCredits(cfg.InitialCredits)
	if err != nil {
		return nil, fmt.Errorf("initial credits: %w", err)
	}
	return ledger.NewService(store, nowUnixUTC,
		ledger.WithOperationLogger(observability.NewZapOperationLogger(logger)),
		ledger.WithInitialCredits(initialCredits),
		ledger.WithDefaultMaxRetries(cfg.MaxRetries),
	)
}
