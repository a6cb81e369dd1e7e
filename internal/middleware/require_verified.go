package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/verifybridge/internal/model"
)

// VerificationChecker はユーザーのメールアドレス検証状態を返す。
type VerificationChecker interface {
	IsEmailVerified(ctx context.Context, userID string) (bool, error)
}

// NewRequireVerifiedMiddleware はメール未検証ユーザーを403で拒否するミドルウェアを返す。
// SessionMiddlewareの後に配置する。
func NewRequireVerifiedMiddleware(checker VerificationChecker) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			verified, err := checker.IsEmailVerified(r.Context(), userID)
			if err != nil {
				slog.Error("failed to check email verification",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if !verified {
				WriteErrorResponse(w, http.StatusForbidden, model.NewEmailNotVerifiedError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
