package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/feedrelay/internal/middleware"
	fetchpkg "github.com/hitoshi/feedrelay/internal/worker/fetch"
)

// CycleTrigger は取り込みサイクルを非同期に開始するインターフェース。
type CycleTrigger interface {
	// Trigger はサイクルをバックグラウンドで開始する。
	// 実行中の場合はfetch.ErrCycleInProgressを返す。
	Trigger(ctx context.Context) error
}

// TriggerResponse はPOST /check-rssのレスポンス。
type TriggerResponse struct {
	Status string `json:"status"`
}

// TriggerHandler は手動トリガーのHTTPハンドラー。
type TriggerHandler struct {
	trigger CycleTrigger
	baseCtx context.Context
	logger  *slog.Logger
}

// NewTriggerHandler はTriggerHandlerを生成する。
// baseCtxは開始したサイクルに引き継ぐコンテキストで、
// リクエスト終了後もサイクルを継続させるためプロセス全体の寿命を持つものを渡す。
// nilの場合はリクエストのコンテキストからキャンセルを切り離して使う。
func NewTriggerHandler(trigger CycleTrigger, baseCtx context.Context, logger *slog.Logger) *TriggerHandler {
	return &TriggerHandler{
		trigger: trigger,
		baseCtx: baseCtx,
		logger:  logger,
	}
}

// CheckRSS は取り込みサイクルを開始し、完了を待たずに202を返す。
// GET|POST /check-rss
func (h *TriggerHandler) CheckRSS(w http.ResponseWriter, r *http.Request) {
	ctx := h.baseCtx
	if ctx == nil {
		ctx = context.WithoutCancel(r.Context())
	}

	err := h.trigger.Trigger(ctx)
	switch {
	case err == nil:
		h.logger.Info("手動トリガーで取り込みサイクルを開始しました",
			slog.String("remote_addr", r.RemoteAddr),
		)
		writeJSON(w, http.StatusAccepted, TriggerResponse{Status: "started"})
	case errors.Is(err, fetchpkg.ErrCycleInProgress):
		middleware.WriteErrorResponse(w, http.StatusConflict, "CYCLE_IN_PROGRESS", "取り込みサイクルが実行中です。完了後に再度お試しください。")
	default:
		h.logger.Error("手動トリガーに失敗しました",
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
	}
}
