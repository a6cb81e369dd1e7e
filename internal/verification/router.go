package verification

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hitoshi/verifybridge/internal/signal"
)

// JoinRoutePrefix は保存済み参加先への遷移パスの接頭辞。
const JoinRoutePrefix = "/join-event/"

// JoinPath は保存済みの参加先から遷移パスを組み立てる。
// 各セグメントを保存された値のまま個別にパーセントエンコードし、区切りの/はそのまま残す。
// 空のセグメントと "." ".." は捨てる。有効なセグメントがなければ空文字を返す。
func JoinPath(intent string) string {
	var segments []string
	for _, seg := range strings.Split(intent, "/") {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		segments = append(segments, url.PathEscape(seg))
	}
	if len(segments) == 0 {
		return ""
	}
	return JoinRoutePrefix + strings.Join(segments, "/")
}

// IntentRouter は検証完了後の遷移先を決める。
type IntentRouter struct {
	routes   Routes
	logger   *slog.Logger
	observer Observer
}

// NewIntentRouter はIntentRouterを生成する。observerはnilでもよい。
func NewIntentRouter(routes Routes, logger *slog.Logger, observer Observer) *IntentRouter {
	if routes.Landing == "" {
		routes.Landing = DefaultRoutes().Landing
	}
	if routes.Entry == "" {
		routes.Entry = DefaultRoutes().Entry
	}
	if routes.Help == "" {
		routes.Help = DefaultRoutes().Help
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &IntentRouter{routes: routes, logger: logger, observer: observer}
}

// Routes は設定済みの遷移先を返す。
func (r *IntentRouter) Routes() Routes {
	return r.routes
}

// DecideIntent は参加先の文字列から遷移判断を作る。ストアには触れない。
func (r *IntentRouter) DecideIntent(intent string, secondary bool) Decision {
	if secondary {
		return Decision{Kind: DecisionCloseTab}
	}
	if path := JoinPath(intent); path != "" {
		return Decision{Kind: DecisionNavigate, Route: path, FullReload: true, FromPendingIntent: true}
	}
	return Decision{Kind: DecisionNavigate, Route: r.routes.Landing, FullReload: true}
}

// Decide はストアの参加先を読み、遷移判断を返す。
// 参加先は読むだけで消さない。読み取り失敗時はデフォルトの遷移先にする。
func (r *IntentRouter) Decide(ctx context.Context, store signal.Store, secondary bool) Decision {
	if secondary {
		return r.DecideIntent("", true)
	}
	intent, ok, err := store.Get(ctx, signal.KeyPendingEventJoin)
	if err != nil {
		r.logger.Warn("failed to read pending event join",
			slog.String("error", err.Error()),
		)
		return r.DecideIntent("", false)
	}
	if !ok {
		intent = ""
	}
	return r.DecideIntent(intent, false)
}

// Redirect はDecideの結果をNavigatorで実行し、実行した判断を返す。
func (r *IntentRouter) Redirect(ctx context.Context, nav Navigator, store signal.Store, secondary bool) (Decision, error) {
	d := r.Decide(ctx, store, secondary)
	if err := ctx.Err(); err != nil {
		return d, err
	}
	kind := string(d.Kind)
	if d.Kind == DecisionNavigate {
		kind = "default"
		if d.FromPendingIntent {
			kind = "pending_intent"
		}
	}
	r.observer.ObserveRedirect(kind)
	r.logger.Info("post-verification redirect",
		slog.String("kind", kind),
		slog.String("route", d.Route),
	)
	return d, nav.Navigate(ctx, d)
}
