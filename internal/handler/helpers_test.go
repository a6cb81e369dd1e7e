package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/verifybridge/internal/auth"
	"github.com/hitoshi/verifybridge/internal/middleware"
	"github.com/hitoshi/verifybridge/internal/model"
	"github.com/hitoshi/verifybridge/internal/verification"
)

const testDeviceID = "6f1c2d3e-4a5b-4c6d-8e7f-901234567890"

// --- モック定義 ---

// mockAuthService はAuthServiceInterfaceのモック実装。
type mockAuthService struct {
	registerFn         func(ctx context.Context, email, password, deviceID string) (*model.User, *model.Session, error)
	loginFn            func(ctx context.Context, email, password, deviceID string) (*model.Session, error)
	logoutFn           func(ctx context.Context, sessionID string) error
	getCurrentUserFn   func(ctx context.Context, sessionID string) (*model.User, error)
	issueTokenFn       func(user *model.User) (string, error)
	verifyTokenFn      func(token string, requireVerified bool) (*auth.Claims, error)
	applyActionCodeFn  func(ctx context.Context, code string) error
	sendVerificationFn func(ctx context.Context, userID, deviceID string, cont verification.ContinueConfig) error
}

func (m *mockAuthService) Register(ctx context.Context, email, password, deviceID string) (*model.User, *model.Session, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, email, password, deviceID)
	}
	return &model.User{ID: "user-123", Email: email}, &model.Session{ID: "session-123", UserID: "user-123"}, nil
}

func (m *mockAuthService) Login(ctx context.Context, email, password, deviceID string) (*model.Session, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password, deviceID)
	}
	return &model.Session{ID: "session-123", UserID: "user-123"}, nil
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if m.getCurrentUserFn != nil {
		return m.getCurrentUserFn(ctx, sessionID)
	}
	return nil, nil
}

func (m *mockAuthService) IssueToken(user *model.User) (string, error) {
	if m.issueTokenFn != nil {
		return m.issueTokenFn(user)
	}
	return "token", nil
}

func (m *mockAuthService) VerifyToken(token string, requireVerified bool) (*auth.Claims, error) {
	if m.verifyTokenFn != nil {
		return m.verifyTokenFn(token, requireVerified)
	}
	return nil, auth.ErrInvalidToken
}

func (m *mockAuthService) ApplyActionCode(ctx context.Context, code string) error {
	if m.applyActionCodeFn != nil {
		return m.applyActionCodeFn(ctx, code)
	}
	return nil
}

func (m *mockAuthService) SendVerification(ctx context.Context, userID, deviceID string, cont verification.ContinueConfig) error {
	if m.sendVerificationFn != nil {
		return m.sendVerificationFn(ctx, userID, deviceID, cont)
	}
	return nil
}

// mockUserService はUserServiceInterfaceのモック実装。
type mockUserService struct {
	getProfileFn       func(ctx context.Context, userID string) (*model.User, error)
	setPendingInviteFn func(ctx context.Context, userID, invite string) error
	withdrawFn         func(ctx context.Context, userID string) error
}

func (m *mockUserService) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	if m.getProfileFn != nil {
		return m.getProfileFn(ctx, userID)
	}
	return &model.User{ID: userID, Email: "alice@example.com"}, nil
}

func (m *mockUserService) SetPendingInvite(ctx context.Context, userID, invite string) error {
	if m.setPendingInviteFn != nil {
		return m.setPendingInviteFn(ctx, userID, invite)
	}
	return nil
}

func (m *mockUserService) Withdraw(ctx context.Context, userID string) error {
	if m.withdrawFn != nil {
		return m.withdrawFn(ctx, userID)
	}
	return nil
}

// --- ヘルパー ---

// withUserID はリクエストのコンテキストにユーザーIDを注入する。
func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// withDeviceID はリクエストのコンテキストに端末IDを注入する。
func withDeviceID(r *http.Request, deviceID string) *http.Request {
	return r.WithContext(middleware.ContextWithDeviceID(r.Context(), deviceID))
}

// decodeErrorCode はエラーレスポンスのコードを取り出す。
func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body.Code
}

// findCookie はレスポンスから名前の一致するCookieを探す。
func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
