// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/verifybridge/internal/auth"
	"github.com/hitoshi/verifybridge/internal/middleware"
	"github.com/hitoshi/verifybridge/internal/model"
	"github.com/hitoshi/verifybridge/internal/verification"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, email, password, deviceID string) (*model.User, *model.Session, error)
	Login(ctx context.Context, email, password, deviceID string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
	IssueToken(user *model.User) (string, error)
	VerifyToken(token string, requireVerified bool) (*auth.Claims, error)
	ApplyActionCode(ctx context.Context, code string) error
	SendVerification(ctx context.Context, userID, deviceID string, cont verification.ContinueConfig) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type applyCodeRequest struct {
	Code string `json:"code"`
}

type userResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	PendingInvite string `json:"pending_invite,omitempty"`
}

type registerResponse struct {
	userResponse
	VerificationSent bool `json:"verification_sent"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type verifyTokenRequest struct {
	Token           string `json:"token"`
	RequireVerified bool   `json:"require_verified"`
}

type claimsResponse struct {
	UID           string `json:"uid"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		PendingInvite: u.PendingInvite,
	}
}

// Register はユーザーを登録し、最初の検証メールを送信する。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	deviceID := middleware.DeviceIDFromContext(r.Context())
	user, session, err := h.service.Register(r.Context(), req.Email, req.Password, deviceID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.setSessionCookie(w, session.ID, h.config.SessionMaxAge)

	// 送信に失敗しても登録は成立している。利用者は検証画面から再送できる。
	sent := true
	cont := verification.ContinueConfig{URL: verification.ContinueURL(h.config.BaseURL, deviceID)}
	if err := h.service.SendVerification(r.Context(), user.ID, deviceID, cont); err != nil {
		sent = false
		slog.Error("failed to send initial verification email",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		userResponse:     toUserResponse(user),
		VerificationSent: sent,
	})
}

// Login はパスワードで認証し、セッションCookieを設定する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	session, err := h.service.Login(r.Context(), req.Email, req.Password, middleware.DeviceIDFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setSessionCookie(w, session.ID, h.config.SessionMaxAge)
	w.WriteHeader(http.StatusNoContent)
}

// Logout はセッションを破棄する。
// 破棄に失敗してもCookieはクリアし、成功として応答する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err == nil && cookie.Value != "" {
		if logoutErr := h.service.Logout(r.Context(), cookie.Value); logoutErr != nil {
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
		}
	}

	h.setSessionCookie(w, "", -1)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// 未認証の場合は401を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// Token は現在の検証状態を反映したIDトークンを再発行する。
// POST /auth/token
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	token, err := h.service.IssueToken(user)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

// VerifyToken はIDトークンを検証し、クレームを返す。
// 他のサービスが役割設定などの前に呼ぶ。require_verifiedの場合、
// 未検証のトークンでも発行直後なら受け入れる。
// POST /auth/token/verify
func (h *AuthHandler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	var req verifyTokenRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeInvalidBody(w)
		return
	}

	claims, err := h.service.VerifyToken(req.Token, req.RequireVerified)
	switch {
	case errors.Is(err, auth.ErrEmailNotVerified):
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewEmailNotVerifiedError())
		return
	case errors.Is(err, auth.ErrInvalidToken):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	case err != nil:
		slog.Error("failed to verify token", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, claimsResponse{
		UID:           claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
	})
}

// ApplyCode はワンタイムコードを適用する。
// 無効・使用済みは400、期限切れは410を返す。
// POST /auth/action/apply
func (h *AuthHandler) ApplyCode(w http.ResponseWriter, r *http.Request) {
	var req applyCodeRequest
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidLinkError())
		return
	}

	if err := h.service.ApplyActionCode(r.Context(), req.Code); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// currentUser はセッションCookieからユーザーを解決する。
// 失敗時はレスポンスを書き込みfalseを返す。
func (h *AuthHandler) currentUser(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil || cookie.Value == "" {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return nil, false
	}

	user, err := h.service.GetCurrentUser(r.Context(), cookie.Value)
	if err != nil {
		var apiErr *model.APIError
		if errors.Is(err, auth.ErrSessionNotFound) || errors.As(err, &apiErr) {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return nil, false
		}
		handleServiceError(w, err)
		return nil, false
	}
	return user, true
}

// setSessionCookie はセッションCookieを設定する。maxAgeが負の場合は削除する。
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
