package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/balcao-pos/balcao-pos/internal/app"
	"github.com/balcao-pos/balcao-pos/internal/fiscal"
	jobmetrics "github.com/balcao-pos/balcao-pos/internal/jobs"
	"github.com/balcao-pos/balcao-pos/internal/platform/cache"
	"github.com/balcao-pos/balcao-pos/internal/platform/db"
	"github.com/balcao-pos/balcao-pos/internal/shared"
	"github.com/balcao-pos/balcao-pos/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	authority := fiscal.NewAuthorityClient(cfg.AuthorityURL, fiscal.Credentials{
		ClientID:     cfg.AuthorityClientID,
		ClientSecret: cfg.AuthorityClientSecret,
	}, cfg.AuthorityEnvironment, cfg.AuthorityTimeout)
	fiscalRepo := fiscal.NewRepository(pool)
	artifacts := fiscal.NewDirArtifactStore(cfg.ArtifactDir)
	usageCounter := fiscal.NewUsageCounter(redisClient, cfg.MerchantID)

	metrics := jobmetrics.NewMetrics(nil)
	backupJob := jobs.NewBackupProcessor(authority, fiscalRepo, artifacts, metrics, logger)
	usageJob := jobs.NewUsageProcessor(usageCounter, metrics, logger)
	cleanupJob := jobs.NewCleanupProcessor(shared.NewIdempotencyStore(pool), metrics, logger)

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

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskDocumentBackup, Handler: backupJob.Handle},
			{Type: jobs.TaskUsageRegister, Handler: usageJob.Handle},
			{Type: jobs.TaskBackupSweep, Handler: backupJob.HandleSweep(jobsClient)},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/30 * * * *", Task: jobs.NewBackupSweepTask(), Options: []asynq.Option{asynq.Queue(jobs.QueueDefault)}},
			{Spec: "0 4 * * *", Task: jobs.NewIdempotencyCleanupTask(), Options: []asynq.Option{asynq.Queue(jobs.QueueDefault)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
