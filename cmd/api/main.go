package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/caregrid/patient-records-backend/internal/api/middleware"
	"github.com/caregrid/patient-records-backend/internal/api/rest"
	"github.com/caregrid/patient-records-backend/internal/infrastructure/cache"
	"github.com/caregrid/patient-records-backend/internal/infrastructure/config"
	"github.com/caregrid/patient-records-backend/internal/infrastructure/database"
	"github.com/caregrid/patient-records-backend/internal/infrastructure/telemetry"
	"github.com/caregrid/patient-records-backend/internal/metrics"
	auditsvc "github.com/caregrid/patient-records-backend/internal/service/audit"
	consentsvc "github.com/caregrid/patient-records-backend/internal/service/consent"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	otelProvider, err := telemetry.Initialize(ctx, &telemetry.Config{
		ServiceName:    "patient-records-api",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  30 * time.Second,
		BatchTimeout:   5 * time.Second,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := otelProvider.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	reg, err := metrics.NewRegistry("patient-records")
	if err != nil {
		return err
	}

	pool, err := database.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.NewRedisClient(&cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	consentStore := database.NewConsentRepository(pool)
	auditStore := database.NewAuditRepository(pool)
	grantCache := cache.NewGrantCache(redisClient, cfg.Redis.CacheTTL, logger)
	emergencyLimiter := cache.NewRedisRateLimiter(redisClient, logger)

	ledger, err := auditsvc.NewLedger(ctx, cfg.Audit, cfg.ServerName, auditStore, logger, reg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	evaluator := consentsvc.NewEvaluator(consentStore, grantCache, cfg.Consent.CheckTimeout, logger, reg)
	consentService := consentsvc.NewService(consentStore, grantCache, ledger, logger, reg)
	emergencyService := consentsvc.NewEmergencyService(consentStore, grantCache, ledger, emergencyLimiter, cfg.Consent, logger, reg)
	auditQuery := auditsvc.NewQueryService(auditStore, logger)

	handlers := rest.NewHandlers(consentService, emergencyService, auditQuery, logger)
	router := rest.NewRouter(rest.RouterConfig{
		Handlers:    handlers,
		Auth:        middleware.TrustedHeaderAuth(),
		RateLimiter: middleware.NewClientRateLimiter(50, 100, logger),
		Gateway:     middleware.NewAccessGateway(evaluator, ledger, logger, reg),
	})

	server := rest.NewServer(cfg.Server, router, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
