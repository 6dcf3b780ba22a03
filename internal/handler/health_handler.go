package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// healthTimeout はヘルスチェック時のDB疎通確認のタイムアウト。
const healthTimeout = 2 * time.Second

// HealthChecker はDB疎通確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// CycleStatus は取り込みサイクルの実行状態を返すインターフェース。
type CycleStatus interface {
	Running() bool
}

// HealthResponse はGET /healthのレスポンス。
type HealthResponse struct {
	Status       string `json:"status"`
	CycleRunning bool   `json:"cycle_running"`
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	db     HealthChecker
	cycles CycleStatus
	logger *slog.Logger
}

// NewHealthHandler はHealthHandlerを生成する。cyclesはnilでもよい。
func NewHealthHandler(db HealthChecker, cycles CycleStatus, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		cycles: cycles,
		logger: logger,
	}
}

// Health はDBへの疎通を確認し、結果を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok"}
	if h.cycles != nil {
		resp.CycleRunning = h.cycles.Running()
	}

	status := http.StatusOK
	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Error("ヘルスチェックでDB疎通確認に失敗しました",
			slog.String("error", err.Error()),
		)
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
