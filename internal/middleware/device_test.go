package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	testDeviceA = "0b8f7a6e-1d2c-4e3f-8a9b-1c2d3e4f5a6b"
	testDeviceB = "9a8b7c6d-5e4f-4a3b-9c2d-1e0f9a8b7c6d"
)

func serveDevice(t *testing.T, req *http.Request) (string, *httptest.ResponseRecorder) {
	t.Helper()
	var got string
	handler := NewDeviceMiddleware(DeviceConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = DeviceIDFromContext(r.Context())
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return got, w
}

func deviceCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == DeviceCookieName {
			return c
		}
	}
	return nil
}

func TestDeviceMiddleware_IssuesNewIDAndCookie(t *testing.T) {
	got, w := serveDevice(t, httptest.NewRequest(http.MethodGet, "/verify-email", nil))

	if !ValidDeviceID(got) {
		t.Fatalf("device id = %q, want UUID", got)
	}
	c := deviceCookie(w)
	if c == nil || c.Value != got {
		t.Fatalf("cookie = %+v, want value %q", c, got)
	}
	if !c.HttpOnly {
		t.Error("device cookie should be HttpOnly")
	}
}

func TestDeviceMiddleware_ResolutionOrder(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		header     string
		cookie     string
		want       string
		wantCookie bool
	}{
		{"クエリが最優先", testDeviceA, testDeviceB, testDeviceB, testDeviceA, false},
		{"ヘッダーはCookieより優先", "", testDeviceA, testDeviceB, testDeviceA, false},
		{"Cookieのみ", "", "", testDeviceB, testDeviceB, false},
		{"クエリのみならCookieを設定", testDeviceA, "", "", testDeviceA, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/auth/action"
			if tt.query != "" {
				target += "?device=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set(DeviceHeaderName, tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: DeviceCookieName, Value: tt.cookie})
			}

			got, w := serveDevice(t, req)

			if got != tt.want {
				t.Errorf("device = %q, want %q", got, tt.want)
			}
			c := deviceCookie(w)
			if tt.wantCookie && (c == nil || c.Value != tt.want) {
				t.Errorf("cookie = %+v, want %q", c, tt.want)
			}
			if !tt.wantCookie && c != nil {
				t.Errorf("existing cookie should not be overwritten, got %+v", c)
			}
		})
	}
}

func TestDeviceMiddleware_RejectsMalformedID(t *testing.T) {
	handler := NewDeviceMiddleware(DeviceConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/signals/email_verified", nil)
	req.Header.Set(DeviceHeaderName, "../../etc")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
