package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/feedrelay/internal/middleware"
	fetchpkg "github.com/hitoshi/feedrelay/internal/worker/fetch"
)

func newTestRouter(t *testing.T, trigger *mockTrigger, token string, limiter *middleware.RateLimiter) http.Handler {
	t.Helper()
	var buf bytes.Buffer
	return NewRouter(&RouterDeps{
		HealthChecker: &mockHealthChecker{},
		Trigger:       trigger,
		CycleStatus:   trigger,
		TriggerToken:  token,
		RateLimiter:   limiter,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("feedrelay_cycles_total 1\n"))
		}),
		Logger: newTestLogger(&buf),
	})
}

func TestRouter_Routes(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"health", http.MethodGet, "/health", http.StatusOK},
		{"trigger via GET", http.MethodGet, "/check-rss", http.StatusAccepted},
		{"trigger via POST", http.MethodPost, "/check-rss", http.StatusAccepted},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"unknown path", http.MethodGet, "/api/feeds", http.StatusNotFound},
		{"method not allowed", http.MethodDelete, "/check-rss", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, &mockTrigger{}, "", nil)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRouter_SecurityHeadersApplied(t *testing.T) {
	router := newTestRouter(t, &mockTrigger{}, "", nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

func TestRouter_MetricsBody(t *testing.T) {
	router := newTestRouter(t, &mockTrigger{}, "", nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(w.Body.String(), "feedrelay_cycles_total") {
		t.Errorf("unexpected metrics body: %s", w.Body.String())
	}
}

func TestRouter_TriggerRequiresToken(t *testing.T) {
	trigger := &mockTrigger{}
	router := newTestRouter(t, trigger, "secret", nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/check-rss", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if trigger.calls != 0 {
		t.Errorf("トークンなしでサイクルが開始された: calls = %d", trigger.calls)
	}

	req := httptest.NewRequest(http.MethodPost, "/check-rss", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	// ヘルスチェックはトークン不要
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRouter_TriggerConflictWhileRunning(t *testing.T) {
	trigger := &mockTrigger{
		running:   true,
		triggerFn: func(ctx context.Context) error { return fetchpkg.ErrCycleInProgress },
	}
	router := newTestRouter(t, trigger, "", nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/check-rss", nil))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestRouter_TriggerRateLimited(t *testing.T) {
	var buf bytes.Buffer
	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:  0.1,
		Burst: 1,
	}, newTestLogger(&buf))
	t.Cleanup(limiter.Stop)

	trigger := &mockTrigger{}
	router := newTestRouter(t, trigger, "", limiter)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/check-rss", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("1回目 status = %d, want %d", w.Code, http.StatusAccepted)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/check-rss", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("2回目 status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if trigger.calls != 1 {
		t.Errorf("calls = %d, want 1", trigger.calls)
	}
}
