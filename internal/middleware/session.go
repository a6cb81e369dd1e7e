// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/verifybridge/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// sessionDeviceContextKey はセッション開始時の端末IDを格納するためのキー。
	sessionDeviceContextKey = contextKey("session_device_id")
)

// SessionFinder は repository.SessionRepository のうちミドルウェアが使う部分。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// NewSessionMiddleware はsession_id Cookieのセッションを解決し、
// ユーザーIDとセッション開始時の端末IDをコンテキストに載せる。
// セッションが無い・期限切れなら401。検索の失敗は一時的な障害として500を返し、
// クライアントがセッション消失と取り違えないようにする。
func NewSessionMiddleware(sessionFinder SessionFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			session, err := sessionFinder.FindByID(r.Context(), cookie.Value)
			if err != nil {
				slog.Error("session lookup failed",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if session == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			annotateLog(r.Context(), session.UserID, "")
			ctx := ContextWithUserID(r.Context(), session.UserID)
			if session.DeviceID != "" {
				ctx = context.WithValue(ctx, sessionDeviceContextKey, session.DeviceID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ErrNoUser はコンテキストに認証済みユーザーがいないことを示す。
var ErrNoUser = errors.New("no authenticated user in context")

// UserIDFromContext はセッションミドルウェアが載せたユーザーIDを返す。
func UserIDFromContext(ctx context.Context) (string, error) {
	if userID, ok := ctx.Value(userIDContextKey).(string); ok && userID != "" {
		return userID, nil
	}
	return "", ErrNoUser
}

// ContextWithUserID はユーザーIDを載せたコンテキストを返す。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// SessionDeviceFromContext はセッション開始時に記録された端末IDを返す。
func SessionDeviceFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionDeviceContextKey).(string)
	return id
}
