// Package verification はメールアドレス検証の突き合わせ状態機械を提供する。
//
// 検証リンクを開いたコンテキストではActionLinkHandlerがコードを適用し、
// 共有シグナルストアに完了フラグを書く。元のコンテキストではLoopが
// 購読イベントとポーリングの両方で検証状態を確認し、IntentRouterの
// 遷移をちょうど1回だけ実行する。ExpiryGuardはプリンシパルが存在しない
// 状態で検証画面に留まった場合にローカル状態を破棄して入口へ戻す。
package verification

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// 分類済みエラー。errors.Isで判定する。
var (
	// ErrInvalidLink は検証リンクにmodeまたはコードがない。
	ErrInvalidLink = errors.New("invalid verification link")
	// ErrUnsupportedAction はmodeがverifyEmail以外。
	ErrUnsupportedAction = errors.New("unsupported action")
	// ErrInvalidActionCode は認証機能がコードを無効（未知・使用済み）と判定した。
	ErrInvalidActionCode = errors.New("invalid action code")
	// ErrExpiredActionCode は認証機能がコードを期限切れと判定した。
	ErrExpiredActionCode = errors.New("expired action code")
	// ErrTransientCheck はリロードやトークン更新の一時的な失敗。
	ErrTransientCheck = errors.New("transient verification check failure")
	// ErrSessionAbsent は認証済みプリンシパルが存在しない。
	ErrSessionAbsent = errors.New("no authenticated principal")
	// ErrResendFailed は検証メールの再送に失敗した。
	ErrResendFailed = errors.New("failed to resend verification email")
	// ErrLoopStopped はLoopが起動していない、または停止済み。
	ErrLoopStopped = errors.New("verification loop stopped")
)

// 画面に表示する状態メッセージ。
const (
	MsgVerified          = "email verified"
	MsgStillNotVerified  = "still not verified"
	MsgCheckFailed       = "failed to check verification status"
	MsgVerificationSent  = "verification email sent"
	MsgUserNotFound      = "user not found"
	MsgResendFailed      = "failed to resend verification email"
	MsgVerifyFailed      = "failed to verify email"
	MsgInvalidLink       = "invalid verification link"
	MsgUnsupportedAction = "unsupported action"
)

// ModeVerifyEmail は唯一サポートするアクションのmode。
const ModeVerifyEmail = "verifyEmail"

// URLパラメータ名。
const (
	ParamMode             = "mode"
	ParamCode             = "oobCode"
	ParamCodeAlias        = "code"
	ParamPendingEventJoin = "pendingEventJoin"
	ParamFromFirebase     = "fromFirebase"
	ParamDevice           = "device"
	ParamContinueURL      = "continueUrl"
)

// Principal は認証機能が把握している認証済みユーザー。
// コアは読み取りと再取得のみを行い、直接変更しない。
type Principal struct {
	UID           string
	Email         string
	EmailVerified bool
	Token         string
}

// ContinueConfig は検証メール内リンクの遷移先設定。
type ContinueConfig struct {
	URL string
}

// CodeApplier はワンタイムコードを適用する。
// 無効・使用済みはErrInvalidActionCode、期限切れはErrExpiredActionCodeでラップして返すこと。
type CodeApplier interface {
	ApplyActionCode(ctx context.Context, code string) error
}

// Authenticator はコアが利用する認証機能。
type Authenticator interface {
	CodeApplier

	// CurrentPrincipal は現在のプリンシパルを返す。未認証ならnil, nil。
	CurrentPrincipal(ctx context.Context) (*Principal, error)
	// Reload はプリンシパルの最新状態を取得する。
	Reload(ctx context.Context, p *Principal) (*Principal, error)
	// RefreshToken は認証トークンを強制的に再発行する。
	RefreshToken(ctx context.Context, p *Principal) (string, error)
	// SendVerificationEmail は検証メールを送信する。
	SendVerificationEmail(ctx context.Context, p *Principal, cont ContinueConfig) error
	// Subscribe はプリンシパル変化の購読を開始し、解除関数を返す。
	// コールバックは任意のゴルーチンから呼ばれうる。
	Subscribe(fn func(*Principal)) (unsubscribe func())
}

// SignOuter はサインアウトを提供する認証機能が実装する。
type SignOuter interface {
	SignOut(ctx context.Context) error
}

// DecisionKind は遷移判断の種類。
type DecisionKind string

const (
	// DecisionNavigate はトップレベルの遷移を行う。
	DecisionNavigate DecisionKind = "navigate"
	// DecisionCloseTab は遷移せず「このタブを閉じてください」を表示する。
	DecisionCloseTab DecisionKind = "close_tab"
)

// Decision はIntentRouterの遷移判断。
type Decision struct {
	Kind DecisionKind `json:"kind"`
	// Route は遷移先パス。CloseTabの場合は空。
	Route string `json:"route,omitempty"`
	// FullReload はクライアント側ルーティングではなく全体の再読み込みを要求する。
	FullReload bool `json:"full_reload"`
	// FromPendingIntent は保存済みの参加先から作られた遷移かどうか。
	FromPendingIntent bool `json:"from_pending_intent"`
}

// Navigator は遷移判断を実行する。
type Navigator interface {
	Navigate(ctx context.Context, d Decision) error
}

// NavigatorFunc は関数をNavigatorとして使うためのアダプタ。
type NavigatorFunc func(ctx context.Context, d Decision) error

// Navigate はf(ctx, d)を呼ぶ。
func (f NavigatorFunc) Navigate(ctx context.Context, d Decision) error {
	return f(ctx, d)
}

// Observer は検証フローの各結果を記録する。metrics.Collectorが実装する。
type Observer interface {
	ObserveAction(outcome string)
	ObserveCheck(source, outcome string)
	ObserveRedirect(kind string)
	ObserveSignalHint()
	ObserveGuardExpired()
}

type nopObserver struct{}

func (nopObserver) ObserveAction(string)        {}
func (nopObserver) ObserveCheck(string, string) {}
func (nopObserver) ObserveRedirect(string)      {}
func (nopObserver) ObserveSignalHint()          {}
func (nopObserver) ObserveGuardExpired()        {}

// Routes は遷移先の設定。
type Routes struct {
	Landing string
	Entry   string
	Help    string
}

// DefaultRoutes はデフォルトの遷移先を返す。
func DefaultRoutes() Routes {
	return Routes{Landing: "/dashboard", Entry: "/welcome", Help: "/help"}
}

// ContinueURL は再送メールに埋め込む遷移先URLを組み立てる。
// fromFirebaseマーカーで、検証リンク側のコンテキストから到達したことを示す。
func ContinueURL(baseURL, device string) string {
	q := url.Values{}
	q.Set(ParamFromFirebase, "1")
	if device != "" {
		q.Set(ParamDevice, device)
	}
	return strings.TrimRight(baseURL, "/") + "/verify-email?" + q.Encode()
}

// ContinueTarget はrawがbaseURLと同じオリジンを指す場合だけ、その絶対URLを返す。
// "/"で始まる相対パスはbaseURLに対して解決する。それ以外は拒否する。
func ContinueTarget(baseURL, raw string) (string, bool) {
	if raw == "" || strings.ContainsAny(raw, "\\\r\n") {
		return "", false
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if !u.IsAbs() {
		if u.Host != "" || !strings.HasPrefix(u.Path, "/") {
			return "", false
		}
		return base.ResolveReference(u).String(), true
	}
	if u.Scheme != base.Scheme || u.Host != base.Host || u.User != nil {
		return "", false
	}
	return u.String(), true
}

// IsSecondary はURLクエリに検証リンク側コンテキストのマーカーがあるかを返す。
func IsSecondary(q url.Values) bool {
	return q.Has(ParamFromFirebase)
}
