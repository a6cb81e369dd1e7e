package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/verifybridge/internal/signal"
)

// DefaultPollInterval はポーリングの既定間隔。
const DefaultPollInterval = 3 * time.Second

// 確認の起点。
const (
	sourceEvent  = "event"
	sourcePoll   = "poll"
	sourceManual = "manual"
)

// LoopConfig はLoopの設定。
type LoopConfig struct {
	PollInterval time.Duration
	// Secondary は検証リンク側コンテキスト（fromFirebaseマーカーあり）で動いているかどうか。
	Secondary bool
	// ContinueURL は再送メールに埋め込む遷移先。
	ContinueURL string
	// OnVerificationScreen は表示中の画面がまだ検証画面かを返す。nilなら常にtrue。
	OnVerificationScreen func() bool
}

// Status はLoopが公開する読み取り専用の状態。
type Status struct {
	Active        bool
	Verified      bool
	Routed        bool
	Decision      *Decision
	Message       string
	Checks        int
	LastCheckedAt time.Time
}

// CheckResult は手動確認の結果。
type CheckResult struct {
	Verified bool
	Message  string
	Err      error
}

// Notice は画面状態を変えない一時的な通知。
type Notice struct {
	Message string
	Err     error
}

type checkRequest struct {
	reply chan CheckResult
}

// Loop は元のコンテキストで検証完了を待ち、遷移をちょうど1回実行する。
// 購読イベント、ポーリング、手動確認はすべて1つのゴルーチンで直列に処理する。
type Loop struct {
	auth     Authenticator
	store    signal.Store
	router   *IntentRouter
	nav      Navigator
	cfg      LoopConfig
	logger   *slog.Logger
	observer Observer

	// routed は遷移判断を行ったかどうか。確認と設定を1ステップで行う。
	routed  atomic.Bool
	started atomic.Bool

	mu     sync.RWMutex
	status Status

	events     chan *Principal
	checks     chan checkRequest
	done       chan struct{}
	verifiedCh chan struct{}

	stopOnce sync.Once
	cancel   context.CancelFunc
	unsub    func()
}

// NewLoop はLoopを生成する。observerはnilでもよい。
func NewLoop(
	auth Authenticator,
	store signal.Store,
	router *IntentRouter,
	nav Navigator,
	cfg LoopConfig,
	logger *slog.Logger,
	observer Observer,
) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.OnVerificationScreen == nil {
		cfg.OnVerificationScreen = func() bool { return true }
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Loop{
		auth:       auth,
		store:      store,
		router:     router,
		nav:        nav,
		cfg:        cfg,
		logger:     logger,
		observer:   observer,
		events:     make(chan *Principal, 1),
		checks:     make(chan checkRequest),
		done:       make(chan struct{}),
		verifiedCh: make(chan struct{}),
	}
}

// Start は購読とポーリングを開始する。ctxがキャンセルされるかStopで終了する。
func (l *Loop) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("verification loop already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.setStatus(func(s *Status) { s.Active = true })

	l.unsub = l.auth.Subscribe(func(p *Principal) {
		// バッファには常に最新のイベントだけを残す
		for {
			select {
			case l.events <- p:
				return
			case <-ctx.Done():
				return
			default:
			}
			select {
			case <-l.events:
			default:
			}
		}
	})

	go l.run(ctx)

	l.logger.Info("verification loop started",
		slog.Duration("poll_interval", l.cfg.PollInterval),
		slog.Bool("secondary", l.cfg.Secondary),
	)
	return nil
}

// Stop は購読を解除し、ポーリングを止め、ゴルーチンの終了を待つ。
func (l *Loop) Stop() {
	if !l.started.Load() {
		return
	}
	l.stopOnce.Do(func() {
		l.cancel()
		if l.unsub != nil {
			l.unsub()
		}
		<-l.done
		l.setStatus(func(s *Status) { s.Active = false })
		l.logger.Info("verification loop stopped")
	})
}

// Done はゴルーチン終了時にcloseされるチャネルを返す。
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Verified は検証が確認され遷移判断が実行された後にcloseされるチャネルを返す。
func (l *Loop) Verified() <-chan struct{} {
	return l.verifiedCh
}

// Status は現在の状態のコピーを返す。
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.status
	if s.Decision != nil {
		d := *s.Decision
		s.Decision = &d
	}
	return s
}

func (l *Loop) setStatus(fn func(*Status)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.status)
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	tick := ticker.C

	for {
		var verified bool
		select {
		case <-ctx.Done():
			return

		case p := <-l.events:
			if p == nil {
				continue
			}
			verified, _ = l.check(ctx, p, sourceEvent)

		case <-tick:
			if !l.cfg.OnVerificationScreen() {
				continue
			}
			verified = l.poll(ctx)

		case req := <-l.checks:
			res := l.manualCheck(ctx)
			verified = res.Verified
			req.reply <- res
		}

		if verified && tick != nil {
			ticker.Stop()
			tick = nil
		}
	}
}

func (l *Loop) poll(ctx context.Context) bool {
	if v, ok, err := l.store.Get(ctx, signal.KeyEmailVerified); err == nil && ok && signal.IsSet(v) {
		l.observer.ObserveSignalHint()
		l.logger.Debug("verification signal observed")
	}
	if ctx.Err() != nil {
		return false
	}

	p, err := l.auth.CurrentPrincipal(ctx)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		l.observer.ObserveCheck(sourcePoll, "error")
		l.logger.Warn("failed to get current principal", slog.String("error", err.Error()))
		return false
	}
	if p == nil {
		// プリンシパルの不在はExpiryGuardが扱う。
		l.observer.ObserveCheck(sourcePoll, "absent")
		return false
	}
	verified, _ := l.check(ctx, p, sourcePoll)
	return verified
}

func (l *Loop) manualCheck(ctx context.Context) CheckResult {
	if l.routed.Load() {
		return CheckResult{Verified: true, Message: MsgVerified}
	}

	p, err := l.auth.CurrentPrincipal(ctx)
	if ctx.Err() != nil {
		return CheckResult{Message: MsgCheckFailed, Err: ErrLoopStopped}
	}
	if err != nil {
		l.observer.ObserveCheck(sourceManual, "error")
		return CheckResult{Message: MsgCheckFailed, Err: fmt.Errorf("%w: %v", ErrTransientCheck, err)}
	}
	if p == nil {
		l.observer.ObserveCheck(sourceManual, "absent")
		return CheckResult{Message: MsgUserNotFound, Err: ErrSessionAbsent}
	}

	verified, err := l.check(ctx, p, sourceManual)
	switch {
	case err != nil:
		return CheckResult{Message: MsgCheckFailed, Err: err}
	case !verified:
		return CheckResult{Message: MsgStillNotVerified}
	default:
		return CheckResult{Verified: true, Message: MsgVerified}
	}
}

// check はイベント・ポーリング・手動確認で共通の処理。
// リロード → 検証済みなら遷移済みフラグを立てる → トークン更新 → 状態更新 → 遷移。
// 各呼び出しの後にctxを確認し、停止後の結果は破棄する。
func (l *Loop) check(ctx context.Context, p *Principal, source string) (bool, error) {
	if l.routed.Load() {
		return true, nil
	}

	reloaded, err := l.auth.Reload(ctx, p)
	if ctx.Err() != nil {
		return false, ErrLoopStopped
	}
	l.setStatus(func(s *Status) {
		s.Checks++
		s.LastCheckedAt = time.Now()
	})
	if err != nil {
		l.observer.ObserveCheck(source, "error")
		l.logger.Warn("verification check failed",
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
		return false, fmt.Errorf("%w: %v", ErrTransientCheck, err)
	}
	if reloaded == nil || !reloaded.EmailVerified {
		l.observer.ObserveCheck(source, "unverified")
		return false, nil
	}

	if !l.routed.CompareAndSwap(false, true) {
		return true, nil
	}
	l.observer.ObserveCheck(source, "verified")

	token, err := l.auth.RefreshToken(ctx, reloaded)
	if ctx.Err() != nil {
		return true, ErrLoopStopped
	}
	if err != nil {
		l.logger.Warn("failed to refresh token after verification",
			slog.String("error", err.Error()),
		)
	} else {
		reloaded.Token = token
	}

	l.setStatus(func(s *Status) {
		s.Verified = true
		s.Message = MsgVerified
	})
	l.logger.Info("email verification observed",
		slog.String("source", source),
		slog.String("uid", reloaded.UID),
	)

	d, err := l.router.Redirect(ctx, l.nav, l.store, l.cfg.Secondary)
	if err != nil {
		l.logger.Error("failed to navigate after verification", slog.String("error", err.Error()))
	}
	l.setStatus(func(s *Status) {
		s.Routed = true
		s.Decision = &d
	})
	close(l.verifiedCh)
	return true, nil
}

// Check は共通処理を1回だけ実行する手動の「もう一度確認」。
// エラーになってもLoopは継続する。
func (l *Loop) Check(ctx context.Context) CheckResult {
	if !l.started.Load() {
		return CheckResult{Message: MsgCheckFailed, Err: ErrLoopStopped}
	}

	req := checkRequest{reply: make(chan CheckResult, 1)}
	select {
	case l.checks <- req:
	case <-l.done:
		return CheckResult{Message: MsgCheckFailed, Err: ErrLoopStopped}
	case <-ctx.Done():
		return CheckResult{Message: MsgCheckFailed, Err: ctx.Err()}
	}

	var res CheckResult
	select {
	case res = <-req.reply:
	case <-ctx.Done():
		return CheckResult{Message: MsgCheckFailed, Err: ctx.Err()}
	}
	l.setStatus(func(s *Status) { s.Message = res.Message })
	return res
}

// Resend は検証メールを再送する。検証状態は変更しない。
func (l *Loop) Resend(ctx context.Context) Notice {
	n := l.resend(ctx)
	l.setStatus(func(s *Status) { s.Message = n.Message })
	return n
}

func (l *Loop) resend(ctx context.Context) Notice {
	p, err := l.auth.CurrentPrincipal(ctx)
	if err != nil {
		l.logger.Warn("failed to get current principal for resend", slog.String("error", err.Error()))
		return Notice{Message: MsgResendFailed, Err: fmt.Errorf("%w: %v", ErrResendFailed, err)}
	}
	if p == nil {
		return Notice{Message: MsgUserNotFound, Err: ErrSessionAbsent}
	}

	if err := l.auth.SendVerificationEmail(ctx, p, ContinueConfig{URL: l.cfg.ContinueURL}); err != nil {
		l.logger.Warn("failed to resend verification email", slog.String("error", err.Error()))
		return Notice{Message: MsgResendFailed, Err: fmt.Errorf("%w: %v", ErrResendFailed, err)}
	}
	l.logger.Info("verification email resent", slog.String("uid", p.UID))
	return Notice{Message: MsgVerificationSent}
}

// SignOut はLoopを止めてサインアウトし、ストアを消去して入口へ遷移する。
// サインアウトの失敗はログに残し、遷移は必ず行う。
func (l *Loop) SignOut(ctx context.Context) error {
	l.Stop()

	if so, ok := l.auth.(SignOuter); ok {
		if err := so.SignOut(ctx); err != nil {
			l.logger.Warn("sign out failed", slog.String("error", err.Error()))
		}
	}
	if err := l.store.Clear(ctx); err != nil {
		l.logger.Warn("failed to clear signal store", slog.String("error", err.Error()))
	}

	return l.nav.Navigate(ctx, Decision{
		Kind:       DecisionNavigate,
		Route:      l.router.Routes().Entry,
		FullReload: true,
	})
}
