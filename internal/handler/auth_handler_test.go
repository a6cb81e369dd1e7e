package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/verifybridge/internal/auth"
	"github.com/hitoshi/verifybridge/internal/model"
	"github.com/hitoshi/verifybridge/internal/verification"
)

func newTestAuthHandler(svc AuthServiceInterface) *AuthHandler {
	return NewAuthHandler(svc, AuthHandlerConfig{
		BaseURL:       "http://localhost:3000",
		SessionMaxAge: 86400,
	})
}

// --- POST /auth/register テスト ---

func TestAuthHandler_Register_SetsCookieAndSendsVerification(t *testing.T) {
	var gotCont verification.ContinueConfig
	var gotDevice string
	svc := &mockAuthService{
		sendVerificationFn: func(ctx context.Context, userID, deviceID string, cont verification.ContinueConfig) error {
			gotCont = cont
			gotDevice = deviceID
			return nil
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/register",
		strings.NewReader(`{"email":"alice@example.com","password":"password123"}`))
	req = withDeviceID(req, testDeviceID)
	w := httptest.NewRecorder()

	h.Register(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	cookie := findCookie(resp, "session_id")
	if cookie == nil || cookie.Value != "session-123" {
		t.Fatalf("session cookie = %v, want session-123", cookie)
	}
	if !cookie.HttpOnly {
		t.Error("session cookie should be HttpOnly")
	}

	var body registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body.VerificationSent {
		t.Error("verification_sent = false, want true")
	}
	if body.Email != "alice@example.com" {
		t.Errorf("email = %q, want %q", body.Email, "alice@example.com")
	}
	if gotDevice != testDeviceID {
		t.Errorf("deviceID = %q, want %q", gotDevice, testDeviceID)
	}
	if !strings.Contains(gotCont.URL, "fromFirebase=1") || !strings.Contains(gotCont.URL, testDeviceID) {
		t.Errorf("continue URL = %q, want fromFirebase marker and device", gotCont.URL)
	}
}

func TestAuthHandler_Register_SendFailureStillCreatesUser(t *testing.T) {
	svc := &mockAuthService{
		sendVerificationFn: func(ctx context.Context, userID, deviceID string, cont verification.ContinueConfig) error {
			return errors.New("smtp down")
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/register",
		strings.NewReader(`{"email":"alice@example.com","password":"password123"}`))
	w := httptest.NewRecorder()

	h.Register(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	var body registerResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.VerificationSent {
		t.Error("verification_sent = true, want false")
	}
}

func TestAuthHandler_Register_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "不正なJSON",
			body:       `{"email":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeInvalidInput,
		},
		{
			name:       "未知のフィールド",
			body:       `{"email":"a@example.com","password":"password123","admin":true}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeInvalidInput,
		},
		{
			name:       "登録済みメールアドレス",
			body:       `{"email":"a@example.com","password":"password123"}`,
			err:        model.NewEmailTakenError(),
			wantStatus: http.StatusConflict,
			wantCode:   model.ErrCodeEmailTaken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				registerFn: func(ctx context.Context, email, password, deviceID string) (*model.User, *model.Session, error) {
					if tt.err != nil {
						return nil, nil, tt.err
					}
					return &model.User{ID: "user-123"}, &model.Session{ID: "session-123"}, nil
				},
			}
			h := newTestAuthHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.Register(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := decodeErrorCode(t, w); got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

// --- POST /auth/login テスト ---

func TestAuthHandler_Login_Success(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password, deviceID string) (*model.Session, error) {
			if email != "alice@example.com" || password != "password123" {
				t.Errorf("credentials = %q/%q", email, password)
			}
			return &model.Session{ID: "session-abc", UserID: "user-123"}, nil
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"email":"alice@example.com","password":"password123"}`))
	w := httptest.NewRecorder()

	h.Login(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if c := findCookie(resp, "session_id"); c == nil || c.Value != "session-abc" {
		t.Errorf("session cookie = %v, want session-abc", c)
	}
}

func TestAuthHandler_Login_InvalidCredentials(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password, deviceID string) (*model.Session, error) {
			return nil, model.NewInvalidCredentialsError()
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"email":"alice@example.com","password":"wrong"}`))
	w := httptest.NewRecorder()

	h.Login(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if c := findCookie(w.Result(), "session_id"); c != nil {
		t.Error("session cookie should not be set on failure")
	}
}

// --- POST /auth/logout テスト ---

func TestAuthHandler_Logout_ClearsCookieEvenOnError(t *testing.T) {
	logoutCalled := false
	svc := &mockAuthService{
		logoutFn: func(ctx context.Context, sessionID string) error {
			logoutCalled = true
			if sessionID != "session-123" {
				t.Errorf("sessionID = %q, want %q", sessionID, "session-123")
			}
			return errors.New("db down")
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "session-123"})
	w := httptest.NewRecorder()

	h.Logout(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if !logoutCalled {
		t.Error("expected Logout to be called")
	}
	c := findCookie(resp, "session_id")
	if c == nil || c.MaxAge >= 0 {
		t.Errorf("session cookie = %v, want cleared", c)
	}
}

// --- GET /auth/me テスト ---

func TestAuthHandler_Me(t *testing.T) {
	tests := []struct {
		name       string
		cookie     string
		user       *model.User
		err        error
		wantStatus int
	}{
		{
			name:       "Cookieなし",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "期限切れセッション",
			cookie:     "expired",
			err:        fmt.Errorf("lookup: %w", auth.ErrSessionNotFound),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "ユーザーが削除済み",
			cookie:     "session-123",
			err:        model.NewUserNotFoundError(),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "内部エラー",
			cookie:     "session-123",
			err:        errors.New("db down"),
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "ログイン中",
			cookie:     "session-123",
			user:       &model.User{ID: "user-123", Email: "alice@example.com", EmailVerified: true},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				getCurrentUserFn: func(ctx context.Context, sessionID string) (*model.User, error) {
					return tt.user, tt.err
				},
			}
			h := newTestAuthHandler(svc)

			req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "session_id", Value: tt.cookie})
			}
			w := httptest.NewRecorder()
			h.Me(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var body userResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body.ID != "user-123" || !body.EmailVerified {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

// --- POST /auth/token テスト ---

func TestAuthHandler_Token_IssuesForCurrentUser(t *testing.T) {
	svc := &mockAuthService{
		getCurrentUserFn: func(ctx context.Context, sessionID string) (*model.User, error) {
			return &model.User{ID: "user-123", EmailVerified: true}, nil
		},
		issueTokenFn: func(user *model.User) (string, error) {
			if !user.EmailVerified {
				t.Error("token should be issued from the latest user state")
			}
			return "fresh-token", nil
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "session-123"})
	w := httptest.NewRecorder()

	h.Token(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body tokenResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Token != "fresh-token" {
		t.Errorf("token = %q, want %q", body.Token, "fresh-token")
	}
}

// --- POST /auth/token/verify テスト ---

func TestAuthHandler_VerifyToken(t *testing.T) {
	issuer := auth.NewTokenIssuer([]byte("test-secret"), time.Hour)
	unverified, err := issuer.Issue("user-123", "alice@example.com", false)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tests := []struct {
		name       string
		body       string
		verifyFn   func(token string, requireVerified bool) (*auth.Claims, error)
		wantStatus int
		wantCode   string
		wantUID    string
	}{
		{
			name:       "発行直後の未検証トークンは受け入れる",
			body:       fmt.Sprintf(`{"token":%q,"require_verified":true}`, unverified),
			verifyFn:   issuer.Verify,
			wantStatus: http.StatusOK,
			wantUID:    "user-123",
		},
		{
			name: "古い未検証トークンは403",
			body: `{"token":"stale","require_verified":true}`,
			verifyFn: func(string, bool) (*auth.Claims, error) {
				return nil, auth.ErrEmailNotVerified
			},
			wantStatus: http.StatusForbidden,
			wantCode:   model.ErrCodeEmailNotVerified,
		},
		{
			name:       "不正なトークンは401",
			body:       `{"token":"garbage"}`,
			verifyFn:   issuer.Verify,
			wantStatus: http.StatusUnauthorized,
			wantCode:   model.ErrCodeUnauthorized,
		},
		{
			name:       "トークンなしは400",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestAuthHandler(&mockAuthService{verifyTokenFn: tt.verifyFn})

			req := httptest.NewRequest(http.MethodPost, "/auth/token/verify", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.VerifyToken(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantCode != "" {
				if got := decodeErrorCode(t, w); got != tt.wantCode {
					t.Errorf("code = %q, want %q", got, tt.wantCode)
				}
				return
			}
			var body claimsResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body.UID != tt.wantUID || body.EmailVerified {
				t.Errorf("claims = %+v", body)
			}
		})
	}
}

// --- POST /auth/action/apply テスト ---

func TestAuthHandler_ApplyCode(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "成功",
			body:       `{"code":"abc"}`,
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "コードなし",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeInvalidLink,
		},
		{
			name:       "使用済み",
			body:       `{"code":"abc"}`,
			err:        fmt.Errorf("apply: %w", verification.ErrInvalidActionCode),
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeInvalidActionCode,
		},
		{
			name:       "期限切れ",
			body:       `{"code":"abc"}`,
			err:        fmt.Errorf("apply: %w", verification.ErrExpiredActionCode),
			wantStatus: http.StatusGone,
			wantCode:   model.ErrCodeExpiredActionCode,
		},
		{
			name:       "内部エラー",
			body:       `{"code":"abc"}`,
			err:        errors.New("db down"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				applyActionCodeFn: func(ctx context.Context, code string) error {
					return tt.err
				},
			}
			h := newTestAuthHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/auth/action/apply", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.ApplyCode(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if got := decodeErrorCode(t, w); got != tt.wantCode {
					t.Errorf("code = %q, want %q", got, tt.wantCode)
				}
			}
		})
	}
}
