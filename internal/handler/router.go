package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/feedrelay/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ヘルスチェック
	HealthChecker HealthChecker

	// 手動トリガー
	Trigger      CycleTrigger
	CycleStatus  CycleStatus
	TriggerCtx   context.Context
	TriggerToken string
	RateLimiter  *middleware.RateLimiter

	// メトリクス（nilの場合は/metricsを公開しない）
	MetricsHandler http.Handler

	Logger *slog.Logger
}

// NewRouter は運用エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware → SecurityHeadersMiddleware
//
// /check-rssにはさらにTokenMiddleware → RateLimitMiddlewareを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	healthHandler := NewHealthHandler(deps.HealthChecker, deps.CycleStatus, deps.Logger)
	triggerHandler := NewTriggerHandler(deps.Trigger, deps.TriggerCtx, deps.Logger)

	r.Get("/health", healthHandler.Health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewTokenMiddleware(deps.TriggerToken))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Get("/check-rss", triggerHandler.CheckRSS)
		r.Post("/check-rss", triggerHandler.CheckRSS)
	})

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	return r
}
