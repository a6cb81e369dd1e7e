package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/verifybridge/internal/middleware"
	"github.com/hitoshi/verifybridge/internal/model"
	"github.com/hitoshi/verifybridge/internal/signal"
	"github.com/hitoshi/verifybridge/internal/verification"
)

// VerificationSender は検証メールを送信する。auth.Serviceが実装する。
type VerificationSender interface {
	SendVerification(ctx context.Context, userID, deviceID string, cont verification.ContinueConfig) error
}

// DecisionMaker は検証完了後の遷移先を決める。verification.IntentRouterが実装する。
type DecisionMaker interface {
	Decide(ctx context.Context, store signal.Store, secondary bool) verification.Decision
	DecideIntent(intent string, secondary bool) verification.Decision
}

// VerificationHandler は元のコンテキスト（検証待ち画面）向けのHTTPハンドラー。
type VerificationHandler struct {
	sender   VerificationSender
	profiles ProfileReader
	router   DecisionMaker
	signals  signal.Provider
	baseURL  string
}

// NewVerificationHandler はVerificationHandlerを生成する。
func NewVerificationHandler(
	sender VerificationSender,
	profiles ProfileReader,
	router DecisionMaker,
	signals signal.Provider,
	baseURL string,
) *VerificationHandler {
	return &VerificationHandler{
		sender:   sender,
		profiles: profiles,
		router:   router,
		signals:  signals,
		baseURL:  baseURL,
	}
}

type sendRequest struct {
	ContinueURL string `json:"continue_url"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type statusResponse struct {
	Verified   bool                   `json:"verified"`
	Message    string                 `json:"message"`
	SignalHint bool                   `json:"signal_hint"`
	Decision   *verification.Decision `json:"decision,omitempty"`
}

// Send は検証メールを再送する。
// 遷移先URLには端末IDと、検証リンク側から戻ったことを示すマーカーを含める。
// ボディのcontinue_urlが同一オリジンならそれを使う。ボディは省略できる。
// POST /api/verification/send
func (h *VerificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	deviceID := middleware.DeviceIDFromContext(r.Context())

	var req sendRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeInvalidBody(w)
		return
	}
	cont := verification.ContinueConfig{URL: verification.ContinueURL(h.baseURL, deviceID)}
	if target, ok := verification.ContinueTarget(h.baseURL, req.ContinueURL); ok {
		cont.URL = target
	}
	if err := h.sender.SendVerification(r.Context(), userID, deviceID, cont); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			handleServiceError(w, err)
			return
		}
		slog.Error("failed to resend verification email",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewResendFailedError())
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: verification.MsgVerificationSent})
}

// Status は検証状態と、検証済みの場合の遷移判断を返す。
// 判断はこのリクエストの端末IDの名前空間から行い、参加先がなければ
// ユーザーに保存された参加先を使う。ストアの値は消さない。
// クエリにfromFirebaseがあれば検証リンク側コンテキストとして扱う。
// GET /api/verification/status
func (h *VerificationHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	user, err := h.profiles.GetProfile(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	store := h.signals.For(middleware.DeviceIDFromContext(r.Context()))
	secondary := verification.IsSecondary(r.URL.Query())

	hint := false
	if v, ok, err := store.Get(r.Context(), signal.KeyEmailVerified); err != nil {
		slog.Warn("failed to read verification signal", slog.String("error", err.Error()))
	} else if ok {
		hint = signal.IsSet(v)
	}

	if !user.EmailVerified {
		writeJSON(w, http.StatusOK, statusResponse{
			Verified:   false,
			Message:    verification.MsgStillNotVerified,
			SignalHint: hint,
		})
		return
	}

	d := h.router.Decide(r.Context(), store, secondary)
	if !secondary && !d.FromPendingIntent && user.PendingInvite != "" {
		d = h.router.DecideIntent(user.PendingInvite, false)
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Verified:   true,
		Message:    verification.MsgVerified,
		SignalHint: hint,
		Decision:   &d,
	})
}
