package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/verifybridge/internal/middleware"
	"github.com/hitoshi/verifybridge/internal/signal"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	SessionFinder       middleware.SessionFinder
	VerificationChecker middleware.VerificationChecker
	CORSAllowedOrigin   string
	RateLimiter         *middleware.RateLimiter
	DeviceConfig        middleware.DeviceConfig
	CSRFConfig          middleware.CSRFConfig

	// 運用
	HealthChecker     HealthChecker
	MetricsMiddleware func(next http.Handler) http.Handler
	MetricsHandler    http.Handler

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 検証
	ActionRunner ActionLinkRunner
	IntentRouter DecisionMaker
	Signals      signal.Provider
	HelpURL      string

	// ユーザー
	UserService UserServiceInterface
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → Metrics → SecurityHeaders → CORS → Device
//	/api/*: CSRF → Session → RateLimit(General)
//
// 認証ルート（/auth/*）と検証リンク（/auth/action）はセッションとCSRFの外に配置する。
// 検証リンクは別のブラウザで開かれることがあるため。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.MetricsMiddleware != nil {
		r.Use(deps.MetricsMiddleware)
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewDeviceMiddleware(deps.DeviceConfig))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	actionHandler := NewActionHandler(deps.ActionRunner, deps.Signals, deps.HelpURL, deps.AuthConfig.BaseURL)
	verificationHandler := NewVerificationHandler(
		deps.AuthService, deps.UserService, deps.IntentRouter, deps.Signals, deps.AuthConfig.BaseURL,
	)
	signalHandler := NewSignalHandler(deps.Signals)
	userHandler := NewUserHandler(deps.UserService)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		r.With(deps.RateLimiter.VerifyMiddleware("register")).Post("/register", authHandler.Register)
		r.With(deps.RateLimiter.VerifyMiddleware("login")).Post("/login", authHandler.Login)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
		r.Post("/token", authHandler.Token)
		r.Post("/token/verify", authHandler.VerifyToken)

		// 検証リンク
		r.Get("/action", actionHandler.Handle)
		r.With(deps.RateLimiter.VerifyMiddleware("apply")).Post("/action/apply", authHandler.ApplyCode)
	})

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

			// 共有シグナル（端末IDで名前空間を分ける。セッション不要）
			r.Route("/signals", func(r chi.Router) {
				r.Delete("/", signalHandler.Clear)
				r.Get("/{key}", signalHandler.Get)
				r.Put("/{key}", signalHandler.Put)
				r.Delete("/{key}", signalHandler.Delete)
			})

			// --- 認証が必要なルート ---
			// ミドルウェアスタック: Session → RateLimit(General)
			r.Group(func(r chi.Router) {
				r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
				r.Use(deps.RateLimiter.GeneralMiddleware())

				r.Route("/verification", func(r chi.Router) {
					r.With(deps.RateLimiter.VerifyMiddleware("resend")).Post("/send", verificationHandler.Send)
					r.Get("/status", verificationHandler.Status)
				})

				r.Route("/users/me", func(r chi.Router) {
					r.Get("/", userHandler.GetMe)
					r.Delete("/", userHandler.Withdraw)
					r.Put("/pending-invite", userHandler.PutPendingInvite)
				})

				r.With(middleware.NewRequireVerifiedMiddleware(deps.VerificationChecker)).
					Get("/dashboard", userHandler.Dashboard)
			})
		})
	})

	return r
}
