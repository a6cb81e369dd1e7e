package verification

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hitoshi/verifybridge/internal/signal"
)

// ActionRequest は検証リンクから1回だけ解析されるリクエスト。
type ActionRequest struct {
	Mode        string
	Code        string
	PendingJoin string
}

// ParseActionRequest はクエリパラメータからActionRequestを作る。
// コードはoobCodeを優先し、なければcodeを使う。
func ParseActionRequest(q url.Values) ActionRequest {
	code := q.Get(ParamCode)
	if code == "" {
		code = q.Get(ParamCodeAlias)
	}
	return ActionRequest{
		Mode:        strings.TrimSpace(q.Get(ParamMode)),
		Code:        strings.TrimSpace(code),
		PendingJoin: strings.TrimSpace(q.Get(ParamPendingEventJoin)),
	}
}

// ActionState は検証リンク処理の状態。Processingから一度だけSuccessかErrorに遷移する。
type ActionState string

const (
	ActionProcessing ActionState = "processing"
	ActionSuccess    ActionState = "success"
	ActionError      ActionState = "error"
)

// ActionResult は検証リンク処理の結果。
type ActionResult struct {
	State ActionState
	// Err はErrorの場合の分類済みエラー。
	Err error
	// Message は画面に表示するメッセージ。
	Message string
	// AlreadyConsumed はコードが無効・期限切れと判定されたが成功として扱ったことを示す。
	AlreadyConsumed bool
	// CloseTab は「このタブを閉じてください」を表示すべきかどうか。
	CloseTab bool
}

// publicMessager は利用者に見せてよいメッセージを持つエラー。
type publicMessager interface {
	PublicMessage() string
}

// ActionLinkHandler は検証リンクを開いたコンテキストでコードを適用する。
type ActionLinkHandler struct {
	applier  CodeApplier
	logger   *slog.Logger
	observer Observer
}

// NewActionLinkHandler はActionLinkHandlerを生成する。observerはnilでもよい。
func NewActionLinkHandler(applier CodeApplier, logger *slog.Logger, observer Observer) *ActionLinkHandler {
	if observer == nil {
		observer = nopObserver{}
	}
	return &ActionLinkHandler{applier: applier, logger: logger, observer: observer}
}

// Handle はリクエストを1回処理する。呼び出し側は同じリクエストで再実行しないこと。
// ストアへの書き込み失敗はログに残すだけで結果には影響しない。
func (h *ActionLinkHandler) Handle(ctx context.Context, store signal.Store, req ActionRequest) ActionResult {
	if req.Mode == "" || req.Code == "" {
		h.observer.ObserveAction("invalid_link")
		return ActionResult{State: ActionError, Err: ErrInvalidLink, Message: MsgInvalidLink}
	}
	if req.Mode != ModeVerifyEmail {
		h.observer.ObserveAction("unsupported_action")
		h.logger.Warn("unsupported action mode", slog.String("mode", req.Mode))
		return ActionResult{State: ActionError, Err: ErrUnsupportedAction, Message: MsgUnsupportedAction}
	}

	// コード適用に失敗しても再開先を失わないよう、適用前に書き出す。
	if req.PendingJoin != "" {
		if err := store.Set(ctx, signal.KeyPendingEventJoin, req.PendingJoin); err != nil {
			h.logger.Warn("failed to persist pending event join",
				slog.String("error", err.Error()),
			)
		}
	}

	err := h.applier.ApplyActionCode(ctx, req.Code)
	switch {
	case err == nil:
		h.markVerified(ctx, store)
		h.observer.ObserveAction("success")
		h.logger.Info("email verification applied")
		return ActionResult{State: ActionSuccess, Message: MsgVerified, CloseTab: true}

	case errors.Is(err, ErrInvalidActionCode), errors.Is(err, ErrExpiredActionCode):
		// 中間の確認ページが先にコードを消費していることがあるため成功として扱う。
		// 本当に期限切れのリンクも成功に見える点は既知の制約。
		h.markVerified(ctx, store)
		h.observer.ObserveAction("already_consumed")
		h.logger.Info("action code already consumed, treating as verified",
			slog.Bool("expired", errors.Is(err, ErrExpiredActionCode)),
		)
		return ActionResult{State: ActionSuccess, Message: MsgVerified, AlreadyConsumed: true, CloseTab: true}

	default:
		h.observer.ObserveAction("error")
		h.logger.Error("failed to apply action code", slog.String("error", err.Error()))
		msg := MsgVerifyFailed
		var pm publicMessager
		if errors.As(err, &pm) && pm.PublicMessage() != "" {
			msg = pm.PublicMessage()
		}
		return ActionResult{State: ActionError, Err: err, Message: msg}
	}
}

func (h *ActionLinkHandler) markVerified(ctx context.Context, store signal.Store) {
	if err := store.Set(ctx, signal.KeyEmailVerified, "true"); err != nil {
		h.logger.Warn("failed to write verification signal",
			slog.String("error", err.Error()),
		)
	}
}
