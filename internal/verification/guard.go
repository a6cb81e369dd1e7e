package verification

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/verifybridge/internal/signal"
)

// DefaultGracePeriod はExpiryGuardの既定の猶予時間。
const DefaultGracePeriod = 2500 * time.Millisecond

// ExpiryGuard はプリンシパルが存在しないまま検証画面に留まった場合に、
// 猶予時間の経過後に共有状態を消去して入口へ戻す。
type ExpiryGuard struct {
	auth     Authenticator
	store    signal.Store
	nav      Navigator
	grace    time.Duration
	entry    string
	logger   *slog.Logger
	observer Observer
}

// NewExpiryGuard はExpiryGuardを生成する。observerはnilでもよい。
func NewExpiryGuard(
	auth Authenticator,
	store signal.Store,
	nav Navigator,
	grace time.Duration,
	entryRoute string,
	logger *slog.Logger,
	observer Observer,
) *ExpiryGuard {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if entryRoute == "" {
		entryRoute = DefaultRoutes().Entry
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &ExpiryGuard{
		auth:     auth,
		store:    store,
		nav:      nav,
		grace:    grace,
		entry:    entryRoute,
		logger:   logger,
		observer: observer,
	}
}

// Arm は画面表示時に呼ぶ。プリンシパルがなく検証リンク側でもない場合だけ
// 一度きりのタイマーを仕掛け、armedにtrueを返す。
// 返されたstopは何度呼んでもよく、タイマーが動作中なら取り消して終了を待つ。
func (g *ExpiryGuard) Arm(ctx context.Context, secondary bool) (stop func(), armed bool) {
	noop := func() {}
	if secondary {
		return noop, false
	}

	p, err := g.auth.CurrentPrincipal(ctx)
	if err != nil {
		// 一時的な失敗はセッション不在とみなさない。
		g.logger.Warn("failed to get current principal for expiry guard",
			slog.String("error", err.Error()),
		)
		return noop, false
	}
	if p != nil {
		return noop, false
	}

	ctx, cancel := context.WithCancel(ctx)
	appeared := make(chan struct{}, 1)
	unsub := g.auth.Subscribe(func(p *Principal) {
		if p == nil {
			return
		}
		select {
		case appeared <- struct{}{}:
		default:
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsub()
		g.wait(ctx, appeared)
	}()

	g.logger.Info("session expiry guard armed", slog.Duration("grace", g.grace))
	return func() {
		cancel()
		<-done
	}, true
}

func (g *ExpiryGuard) wait(ctx context.Context, appeared <-chan struct{}) {
	timer := time.NewTimer(g.grace)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-appeared:
		g.logger.Info("principal appeared, expiry guard cancelled")
		return
	case <-timer.C:
	}

	// 購読イベントを取りこぼしていても、発火時点で改めて確認する。
	p, err := g.auth.CurrentPrincipal(ctx)
	if ctx.Err() != nil {
		return
	}
	if err == nil && p != nil {
		return
	}

	g.observer.ObserveGuardExpired()
	g.logger.Info("no principal after grace period, returning to entry",
		slog.String("route", g.entry),
	)
	if err := g.store.Clear(ctx); err != nil {
		g.logger.Warn("failed to clear signal store", slog.String("error", err.Error()))
	}
	if ctx.Err() != nil {
		return
	}
	if err := g.nav.Navigate(ctx, Decision{Kind: DecisionNavigate, Route: g.entry, FullReload: true}); err != nil {
		g.logger.Error("failed to navigate to entry", slog.String("error", err.Error()))
	}
}
