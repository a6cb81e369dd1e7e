package handler

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/verifybridge/internal/middleware"
	"github.com/hitoshi/verifybridge/internal/signal"
	"github.com/hitoshi/verifybridge/internal/verification"
)

// ActionLinkRunner は検証リンクを1回処理する。verification.ActionLinkHandlerが実装する。
type ActionLinkRunner interface {
	Handle(ctx context.Context, store signal.Store, req verification.ActionRequest) verification.ActionResult
}

// ActionHandler は検証リンクを開いたコンテキスト向けのHTTPハンドラー。
type ActionHandler struct {
	runner  ActionLinkRunner
	signals signal.Provider
	helpURL string
	baseURL string
}

// NewActionHandler はActionHandlerを生成する。
// baseURLはリンクのcontinueUrlを受け入れるオリジン。
func NewActionHandler(runner ActionLinkRunner, signals signal.Provider, helpURL, baseURL string) *ActionHandler {
	return &ActionHandler{runner: runner, signals: signals, helpURL: helpURL, baseURL: baseURL}
}

type actionResponse struct {
	State           verification.ActionState `json:"state"`
	Message         string                   `json:"message"`
	CloseTab        bool                     `json:"close_tab"`
	AlreadyConsumed bool                     `json:"already_consumed"`
	HelpURL         string                   `json:"help_url,omitempty"`
	ContinueURL     string                   `json:"continue_url,omitempty"`
}

var actionPage = template.Must(template.New("action").Parse(`<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>メールアドレスの確認</title></head>
<body>
<main data-state="{{.State}}">
<h1>{{if eq .State "success"}}確認が完了しました{{else}}確認できませんでした{{end}}</h1>
<p>{{.Message}}</p>
{{if .CloseTab}}<p>このタブを閉じて、元のタブに戻ってください。</p>{{end}}
{{if .ContinueURL}}<p><a href="{{.ContinueURL}}">このタブで続ける</a></p>{{end}}
{{if .HelpURL}}<p><a href="{{.HelpURL}}">ヘルプ</a></p>{{end}}
</main>
</body>
</html>
`))

// Handle は検証リンクのコードを適用し、結果を表示する。
// シグナルの名前空間はリンクに埋め込まれた端末ID（なければこのブラウザの端末ID）。
// Acceptがapplication/jsonの場合はJSONで応答する。
// 成功時、同一オリジンのcontinueUrlがあれば続行リンクを添える。
// GET /auth/action?mode=verifyEmail&oobCode=...&pendingEventJoin=...&device=...&continueUrl=...
func (h *ActionHandler) Handle(w http.ResponseWriter, r *http.Request) {
	req := verification.ParseActionRequest(r.URL.Query())
	deviceID := middleware.DeviceIDFromContext(r.Context())

	result := h.runner.Handle(r.Context(), h.signals.For(deviceID), req)

	resp := actionResponse{
		State:           result.State,
		Message:         result.Message,
		CloseTab:        result.CloseTab,
		AlreadyConsumed: result.AlreadyConsumed,
	}
	if result.State == verification.ActionError {
		resp.HelpURL = h.helpURL
	}
	if result.State == verification.ActionSuccess {
		// 別オリジンへのcontinueUrlは表示しない
		if target, ok := verification.ContinueTarget(h.baseURL, r.URL.Query().Get(verification.ParamContinueURL)); ok {
			resp.ContinueURL = target
		}
	}
	status := actionStatus(result)

	// ブラウザのキャッシュで同じリンクの結果を再表示しない
	w.Header().Set("Cache-Control", "no-store")

	if wantsJSON(r) {
		writeJSON(w, status, resp)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := actionPage.Execute(w, resp); err != nil {
		slog.Error("failed to render action page", slog.String("error", err.Error()))
	}
}

func actionStatus(result verification.ActionResult) int {
	if result.State == verification.ActionSuccess {
		return http.StatusOK
	}
	if errors.Is(result.Err, verification.ErrInvalidLink) || errors.Is(result.Err, verification.ErrUnsupportedAction) {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
