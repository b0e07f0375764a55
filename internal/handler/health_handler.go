package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker はデータベース接続の疎通確認に使う。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// healthResponse はGET /healthのレスポンス。
type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// NewHealthHandler はヘルスチェックのハンドラーを返す。
// ストア未設定はプロセスの異常ではないため200を返し、storeフィールドで区別する。
func NewHealthHandler(checker HealthChecker, storeConfigured bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !storeConfigured {
			writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Store: "unconfigured"})
			return
		}
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Store: "unreachable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Store: "configured"})
	}
}
