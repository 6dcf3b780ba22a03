package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	fetchpkg "github.com/hitoshi/feedrelay/internal/worker/fetch"
)

// --- モック定義 ---

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	pingFn func(ctx context.Context) error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

// mockTrigger はCycleTriggerとCycleStatusのモック実装。
type mockTrigger struct {
	triggerFn func(ctx context.Context) error
	running   bool
	calls     int
	lastCtx   context.Context
}

func (m *mockTrigger) Trigger(ctx context.Context) error {
	m.calls++
	m.lastCtx = ctx
	if m.triggerFn != nil {
		return m.triggerFn(ctx)
	}
	return nil
}

func (m *mockTrigger) Running() bool { return m.running }

// --- GET /health テスト ---

func TestHealthHandler_OK(t *testing.T) {
	var buf bytes.Buffer
	h := NewHealthHandler(&mockHealthChecker{}, &mockTrigger{running: true}, newTestLogger(&buf))

	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if !body.CycleRunning {
		t.Error("cycle_running = false, want true")
	}
}

func TestHealthHandler_DatabaseDown(t *testing.T) {
	var buf bytes.Buffer
	db := &mockHealthChecker{
		pingFn: func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("疎通確認にはタイムアウトが設定されるべき")
			}
			return errors.New("connection refused")
		},
	}
	h := NewHealthHandler(db, nil, newTestLogger(&buf))

	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var body HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Status != "unavailable" {
		t.Errorf("status = %q, want unavailable", body.Status)
	}
}

// --- /check-rss テスト ---

func TestTriggerHandler_Started(t *testing.T) {
	var buf bytes.Buffer
	trigger := &mockTrigger{}
	h := NewTriggerHandler(trigger, nil, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/check-rss", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	h.CheckRSS(w, req)
	cancel()

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	var body TriggerResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Status != "started" {
		t.Errorf("status = %q, want started", body.Status)
	}
	if trigger.lastCtx.Err() != nil {
		t.Error("開始したサイクルのコンテキストはリクエスト終了でキャンセルされるべきではない")
	}
}

func TestTriggerHandler_UsesBaseContext(t *testing.T) {
	var buf bytes.Buffer
	trigger := &mockTrigger{}
	type ctxKey struct{}
	base := context.WithValue(context.Background(), ctxKey{}, "app")
	h := NewTriggerHandler(trigger, base, newTestLogger(&buf))

	h.CheckRSS(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/check-rss", nil))

	if trigger.lastCtx.Value(ctxKey{}) != "app" {
		t.Error("baseCtxがサイクルに引き継がれるべき")
	}
}

func TestTriggerHandler_CycleInProgress(t *testing.T) {
	var buf bytes.Buffer
	trigger := &mockTrigger{
		triggerFn: func(ctx context.Context) error { return fetchpkg.ErrCycleInProgress },
	}
	h := NewTriggerHandler(trigger, nil, newTestLogger(&buf))

	w := httptest.NewRecorder()
	h.CheckRSS(w, httptest.NewRequest(http.MethodPost, "/check-rss", nil))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestTriggerHandler_UnexpectedError(t *testing.T) {
	var buf bytes.Buffer
	trigger := &mockTrigger{
		triggerFn: func(ctx context.Context) error { return errors.New("boom") },
	}
	h := NewTriggerHandler(trigger, nil, newTestLogger(&buf))

	w := httptest.NewRecorder()
	h.CheckRSS(w, httptest.NewRequest(http.MethodPost, "/check-rss", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}
