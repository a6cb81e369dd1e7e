package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/verifybridge/internal/middleware"
	"github.com/hitoshi/verifybridge/internal/model"
)

// ProfileReader はユーザーのプロフィールを取得する。
type ProfileReader interface {
	GetProfile(ctx context.Context, userID string) (*model.User, error)
}

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	ProfileReader

	// SetPendingInvite は検証完了後に再開する参加先を保存する。空文字は消去。
	SetPendingInvite(ctx context.Context, userID, invite string) error

	// Withdraw はユーザーの退会処理を実行する。
	Withdraw(ctx context.Context, userID string) error
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

type pendingInviteRequest struct {
	Invite string `json:"invite"`
}

type dashboardResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// GetMe はログインユーザーのプロフィールを返す。
// GET /api/users/me
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// PutPendingInvite は検証完了後に再開する参加先を保存する。
// 未検証ユーザーも利用できる。
// PUT /api/users/me/pending-invite
func (h *UserHandler) PutPendingInvite(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req pendingInviteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	if err := h.service.SetPendingInvite(r.Context(), userID, req.Invite); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Withdraw はユーザーの退会処理を実行する。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Withdraw(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Dashboard は検証済みユーザー向けの着地点。RequireVerifiedの後に配置する。
// GET /api/dashboard
func (h *UserHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, dashboardResponse{ID: user.ID, Email: user.Email})
}

func (h *UserHandler) loadUser(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return nil, false
	}
	user, err := h.service.GetProfile(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return nil, false
	}
	return user, true
}

// requireUserID はコンテキストからユーザーIDを取り出す。なければ401を書き込む。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}
