package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// statusRecorder は最初に書かれたステータスコードを覚える。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// Unwrap は http.ResponseController 向け。
func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// requestLogFields は内側のミドルウェアが解決した値をアクセスログへ渡す。
type requestLogFields struct {
	mu       sync.Mutex
	userID   string
	deviceID string
}

var logFieldsContextKey = contextKey("log_fields")

// annotateLog は外側のアクセスログにユーザーIDと端末IDを記録する。空の値は無視する。
func annotateLog(ctx context.Context, userID, deviceID string) {
	f, ok := ctx.Value(logFieldsContextKey).(*requestLogFields)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if userID != "" {
		f.userID = userID
	}
	if deviceID != "" {
		f.deviceID = deviceID
	}
}

// NewLoggingMiddleware はリクエストごとに1行のアクセスログを出す。
// クエリ文字列は検証コードを含みうるため記録せず、modeだけを残す。
// 5xxはError、4xxはWarn、それ以外はInfo。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			fields := &requestLogFields{
				userID:   userIDOrEmpty(r.Context()),
				deviceID: DeviceIDFromContext(r.Context()),
			}

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), logFieldsContextKey, fields)))

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			}
			if mode := r.URL.Query().Get("mode"); mode != "" {
				attrs = append(attrs, slog.String("mode", mode))
			}

			fields.mu.Lock()
			if fields.userID != "" {
				attrs = append(attrs, slog.String("user_id", fields.userID))
			}
			if fields.deviceID != "" {
				attrs = append(attrs, slog.String("device_id", fields.deviceID))
			}
			fields.mu.Unlock()

			logger.LogAttrs(r.Context(), levelForStatus(rec.statusCode), "http_request", attrs...)
		})
	}
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func userIDOrEmpty(ctx context.Context) string {
	id, _ := UserIDFromContext(ctx)
	return id
}
