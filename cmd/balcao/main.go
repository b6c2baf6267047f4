package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/balcao-pos/balcao-pos/internal/app"
	"github.com/balcao-pos/balcao-pos/internal/catalog"
	"github.com/balcao-pos/balcao-pos/internal/checkout"
	"github.com/balcao-pos/balcao-pos/internal/fiscal"
	"github.com/balcao-pos/balcao-pos/internal/observability"
	"github.com/balcao-pos/balcao-pos/internal/platform/cache"
	"github.com/balcao-pos/balcao-pos/internal/platform/db"
	"github.com/balcao-pos/balcao-pos/internal/shared"
	"github.com/balcao-pos/balcao-pos/internal/tax"
	"github.com/balcao-pos/balcao-pos/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	catalogRepo := catalog.NewRepository(dbpool)
	catalogService := catalog.NewService(catalogRepo, logger)
	catalogHandler := catalog.NewHandler(logger, catalogService)

	var lookup tax.LookupPort
	if cfg.TaxLookupEnabled {
		lookup = tax.NewTableClient(cfg.TaxLookupURL, cfg.TaxLookupToken, cfg.TaxLookupTimeout)
	}
	taxEngine := tax.NewEngine(tax.Config{
		Regime:        tax.Regime(cfg.TaxRegime),
		VATRate:       decimal.NewFromFloat(cfg.TaxRateVAT),
		PISRate:       decimal.NewFromFloat(cfg.TaxRatePIS),
		COFINSRate:    decimal.NewFromFloat(cfg.TaxRateCOFINS),
		ExciseRate:    decimal.NewFromFloat(cfg.TaxRateExcise),
		AnnualGross:   decimal.NewFromFloat(cfg.TaxAnnualGross),
		Region:        cfg.MerchantRegion,
		LookupEnabled: cfg.TaxLookupEnabled,
	}, lookup, logger)

	authority := fiscal.NewAuthorityClient(cfg.AuthorityURL, fiscal.Credentials{
		ClientID:     cfg.AuthorityClientID,
		ClientSecret: cfg.AuthorityClientSecret,
	}, cfg.AuthorityEnvironment, cfg.AuthorityTimeout)

	fiscalRepo := fiscal.NewRepository(dbpool)
	checkoutRepo := checkout.NewRepository(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	merchant := fiscal.Merchant{
		ID:        cfg.MerchantID,
		TaxID:     cfg.MerchantTaxID,
		Name:      cfg.MerchantName,
		TradeName: cfg.MerchantTradeName,
		Region:    cfg.MerchantRegion,
	}
	pipeline := fiscal.NewPipeline(authority, fiscalRepo, checkoutRepo, jobsClient, merchant, logger)
	usageCounter := fiscal.NewUsageCounter(redisClient, cfg.MerchantID)
	fiscalHandler := fiscal.NewHandler(logger, fiscalRepo, jobsClient, usageCounter)

	checkoutService := checkout.NewService(checkoutRepo, catalogService, taxEngine, pipeline, idempotencyStore, logger)
	checkoutHandler := checkout.NewHandler(checkoutService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	jobsHandler := jobs.NewHandler(inspector, logger)

	metrics := observability.NewMetrics()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Metrics:         metrics,
		CatalogHandler:  catalogHandler,
		CheckoutHandler: checkoutHandler,
		FiscalHandler:   fiscalHandler,
		JobsHandler:     jobsHandler,
		Pool:            dbpool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server run", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
