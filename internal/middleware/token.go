package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// NewTokenMiddleware は共有トークンを要求するミドルウェアを返す。
// トークンはAuthorization: Bearer またはクエリパラメータtokenで受け付ける。
// tokenが空の場合は検証しない。
func NewTokenMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(requestToken(r)), []byte(token)) != 1 {
				WriteErrorResponse(w, http.StatusUnauthorized, "UNAUTHORIZED", "トークンが正しくありません。")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
