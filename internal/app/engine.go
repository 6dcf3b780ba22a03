package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/feedrelay/internal/config"
	"github.com/hitoshi/feedrelay/internal/database"
	"github.com/hitoshi/feedrelay/internal/dedup"
	"github.com/hitoshi/feedrelay/internal/delivery"
	"github.com/hitoshi/feedrelay/internal/feedparse"
	"github.com/hitoshi/feedrelay/internal/kv"
	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/notify"
	"github.com/hitoshi/feedrelay/internal/repository"
	"github.com/hitoshi/feedrelay/internal/security"
	"github.com/hitoshi/feedrelay/internal/worker/cleanup"
	fetchpkg "github.com/hitoshi/feedrelay/internal/worker/fetch"
)

// engine は取り込みエンジン一式をワイヤリングした結果。
type engine struct {
	scheduler      *fetchpkg.Scheduler
	metricsHandler http.Handler
	closers        []func() error
}

// Close はエンジンが保持する外部接続を閉じる。
func (e *engine) Close() {
	for _, c := range e.closers {
		if err := c(); err != nil {
			slog.Warn("failed to close resource", slog.String("error", err.Error()))
		}
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// openKV はREDIS_URLが設定されていればRedisを、なければプロセス内メモリを返す。
func openKV(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kv.Store, func() error, error) {
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL is not set; access health and seen windows are kept in memory")
		return kv.NewMemory(), func() error { return nil }, nil
	}

	store, err := kv.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("redis connection established")
	return store, store.Close, nil
}

// buildEngine はConfigとDB接続から取り込みエンジンを組み立てる。
func buildEngine(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*engine, error) {
	eng := &engine{}

	// 1. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)
	eng.metricsHandler = metrics.Handler(registry)

	// 2. リポジトリ
	subRepo := repository.NewPostgresSubscriptionRepo(db)
	destRepo := repository.NewPostgresDestinationRepo(db)
	settingsRepo := repository.NewPostgresSettingsRepo(db)
	receiptRepo := repository.NewPostgresReceiptRepo(db)

	// 3. KVストア
	store, closeKV, err := openKV(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	eng.closers = append(eng.closers, closeKV)

	// 4. フェッチ
	profiles, err := fetchpkg.LoadProfileSet(cfg.ProfilesFile)
	if err != nil {
		eng.Close()
		return nil, err
	}
	health := fetchpkg.NewHealthTracker(store, logger)
	fetcher := fetchpkg.NewFetcher(security.NewGuard(), health, profiles, collector, logger, fetchpkg.FetcherOptions{
		MaxAttempts:  cfg.FetchMaxAttempts,
		MaxBodySize:  cfg.FetchMaxSize,
		Timeout:      cfg.FetchTimeout,
		RetryTimeout: cfg.FetchRetryTimeout,
	})

	// 5. 解析・重複排除
	parser := feedparse.NewParser(logger)
	dedupStore := dedup.NewStore(store, receiptRepo, cfg.SeenWindowSize, logger)

	// 6. 配信
	notifier := notify.NewClient(&http.Client{Timeout: notify.RequestTimeout}, cfg.TelegramAPIBase, cfg.TelegramBotToken, logger)
	router := delivery.NewRouter(
		notifier, destRepo, settingsRepo, dedupStore,
		delivery.NewPacer(cfg.DeliveryInterval), collector, logger,
	)

	// 7. スケジューラ
	processor := fetchpkg.NewProcessor(fetcher, parser, health, dedupStore, router, collector, logger)
	cleanupJob := cleanup.NewCleanupJob(receiptRepo, cfg.ReceiptRetentionDays, logger)
	eng.scheduler = fetchpkg.NewScheduler(subRepo, processor, cleanupJob, collector, logger, fetchpkg.SchedulerOptions{
		BatchSize:  cfg.BatchSize,
		BatchDelay: cfg.BatchDelay,
	})

	return eng, nil
}
