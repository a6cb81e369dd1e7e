package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/verifybridge/internal/model"
)

// captureAccessLog は handler を1回実行し、出力されたアクセスログを返す。
func captureAccessLog(t *testing.T, handler http.Handler, req *http.Request) (map[string]interface{}, string) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewLoggingMiddleware(logger)(handler).ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry, buf.String()
}

func TestLoggingMiddleware_StatusAndLevel(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantCode  float64
		wantLevel string
	}{
		{
			name:      "Writeのみは200",
			handler:   func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) },
			wantCode:  200,
			wantLevel: "INFO",
		},
		{
			name:      "204",
			handler:   func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) },
			wantCode:  204,
			wantLevel: "INFO",
		},
		{
			name: "未検証の403はWarn",
			handler: func(w http.ResponseWriter, r *http.Request) {
				WriteErrorResponse(w, http.StatusForbidden, model.NewEmailNotVerifiedError())
			},
			wantCode:  403,
			wantLevel: "WARN",
		},
		{
			name:      "502はError",
			handler:   func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			wantCode:  502,
			wantLevel: "ERROR",
		},
		{
			name: "2回目のWriteHeaderは無視",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusGone)
				w.WriteHeader(http.StatusOK)
			},
			wantCode:  410,
			wantLevel: "WARN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, _ := captureAccessLog(t, tt.handler, httptest.NewRequest(http.MethodGet, "/api/verification/status", nil))

			if entry["msg"] != "http_request" {
				t.Errorf("msg = %v", entry["msg"])
			}
			if entry["status"] != tt.wantCode {
				t.Errorf("status = %v, want %v", entry["status"], tt.wantCode)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tt.wantLevel)
			}
			if entry["method"] != "GET" || entry["path"] != "/api/verification/status" {
				t.Errorf("method/path = %v %v", entry["method"], entry["path"])
			}
			if d, ok := entry["duration_ms"].(float64); !ok || d < 0 {
				t.Errorf("duration_ms = %v", entry["duration_ms"])
			}
		})
	}
}

func TestLoggingMiddleware_ActionLinkLogsModeButNotCode(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/auth/action?mode=verifyEmail&oobCode=secret-code-123&continueUrl=x", nil)

	entry, raw := captureAccessLog(t, okHandler(), req)

	if entry["mode"] != "verifyEmail" {
		t.Errorf("mode = %v, want verifyEmail", entry["mode"])
	}
	if entry["path"] != "/auth/action" {
		t.Errorf("path = %v, want /auth/action", entry["path"])
	}
	if strings.Contains(raw, "secret-code-123") {
		t.Errorf("action code must not be logged: %s", raw)
	}
}

func TestLoggingMiddleware_UserIDFromOuterContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/verification/status", nil)
	req = req.WithContext(context.WithValue(req.Context(), userIDContextKey, "user-123"))

	entry, _ := captureAccessLog(t, okHandler(), req)
	if entry["user_id"] != "user-123" {
		t.Errorf("user_id = %v, want user-123", entry["user_id"])
	}
}

func TestLoggingMiddleware_AnonymousOmitsIDs(t *testing.T) {
	entry, _ := captureAccessLog(t, okHandler(), httptest.NewRequest(http.MethodGet, "/health", nil))

	for _, k := range []string{"user_id", "device_id", "mode"} {
		if _, ok := entry[k]; ok {
			t.Errorf("%s should be omitted, got %v", k, entry[k])
		}
	}
}

func TestLoggingMiddleware_IncludesIDsResolvedByInnerMiddleware(t *testing.T) {
	repo := &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: "user-inner", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}
	const device = "6f1c1f0e-3a53-4b8e-9a1f-0b7f3c2d4e5a"

	inner := NewDeviceMiddleware(DeviceConfig{})(NewSessionMiddleware(repo)(okHandler()))

	req := httptest.NewRequest(http.MethodGet, "/api/verification/status", nil)
	req.Header.Set(DeviceHeaderName, device)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "s1"})

	entry, _ := captureAccessLog(t, inner, req)
	if entry["user_id"] != "user-inner" {
		t.Errorf("user_id = %v, want user-inner", entry["user_id"])
	}
	if entry["device_id"] != device {
		t.Errorf("device_id = %v, want %s", entry["device_id"], device)
	}
}

func TestStatusRecorder_Unwrap(t *testing.T) {
	w := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: w}
	if rec.Unwrap() != w {
		t.Error("Unwrap should return the wrapped writer")
	}
}
