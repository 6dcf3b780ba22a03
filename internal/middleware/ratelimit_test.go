package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func newRateLimitedHandler(t *testing.T, cfg RateLimiterConfig) (http.Handler, *RateLimiter, *int) {
	t.Helper()
	var buf bytes.Buffer
	rl := NewRateLimiter(cfg, newTestLogger(&buf))
	t.Cleanup(rl.Stop)

	calls := 0
	handler := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	}))
	return handler, rl, &calls
}

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/check-rss", nil)
	req.RemoteAddr = addr
	return req
}

func TestRateLimitMiddleware_AllowsRequestsWithinBurst(t *testing.T) {
	handler, _, calls := newRateLimitedHandler(t, RateLimiterConfig{
		Rate:            1,
		Burst:           3,
		CleanupInterval: time.Minute,
	})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("10.0.0.1:5000"))
		if w.Code != http.StatusAccepted {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusAccepted)
		}
	}
	if *calls != 3 {
		t.Errorf("handler call count = %d, want 3", *calls)
	}
}

func TestRateLimitMiddleware_Returns429WhenLimitExceeded(t *testing.T) {
	handler, _, calls := newRateLimitedHandler(t, RateLimiterConfig{
		Rate:            rate6PerMinute,
		Burst:           1,
		CleanupInterval: time.Minute,
	})

	handler.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:5000"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.1:5001"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil {
		t.Fatalf("Retry-After is not an integer: %q", w.Header().Get("Retry-After"))
	}
	if retryAfter != 10 {
		t.Errorf("Retry-After = %d, want 10", retryAfter)
	}
	if *calls != 1 {
		t.Errorf("handler call count = %d, want 1", *calls)
	}
}

func TestRateLimitMiddleware_ClientsAreIndependent(t *testing.T) {
	handler, rl, _ := newRateLimitedHandler(t, RateLimiterConfig{
		Rate:            rate6PerMinute,
		Burst:           1,
		CleanupInterval: time.Minute,
	})

	handler.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:5000"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.2:5000"))
	if w.Code != http.StatusAccepted {
		t.Errorf("別クライアントのステータス = %d, want %d", w.Code, http.StatusAccepted)
	}
	if rl.LimiterCount() != 2 {
		t.Errorf("LimiterCount = %d, want 2", rl.LimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesStaleEntries(t *testing.T) {
	handler, rl, _ := newRateLimitedHandler(t, RateLimiterConfig{
		Rate:            1,
		Burst:           1,
		CleanupInterval: time.Minute,
	})

	handler.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:5000"))

	rl.cleanup(time.Now())
	if rl.LimiterCount() != 1 {
		t.Errorf("直近のエントリは残るべき: LimiterCount = %d", rl.LimiterCount())
	}

	rl.cleanup(time.Now().Add(3 * time.Minute))
	if rl.LimiterCount() != 0 {
		t.Errorf("期限切れのエントリは削除されるべき: LimiterCount = %d", rl.LimiterCount())
	}
}

const rate6PerMinute = 6.0 / 60.0
