package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/portaldesk/internal/chatsync"
	"github.com/hitoshi/portaldesk/internal/metrics"
	"github.com/hitoshi/portaldesk/internal/middleware"
)

// ViewServer はWebSocketのビューセッションを提供する。realtime.Serverが満たす。
type ViewServer interface {
	Serve(w http.ResponseWriter, r *http.Request, mode chatsync.Mode, sessionID string)
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	AdminPolicy       middleware.AdminChecker
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	SecurityHeaders   middleware.SecurityHeadersConfig
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector

	// 運用
	Health          HealthChecker
	StoreConfigured bool
	MetricsHandler  http.Handler

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ポータル・管理コンソール
	PortalSubscriptions PortalSubscriptionService
	AdminSubscriptions  AdminSubscriptionService
	Messages            MessageGateway

	// ビューセッション
	Views ViewServer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → CSRF → Session → RateLimit(General) → Admin
//
// 認証ルート（/auth/*）とWebSocket（/ws/*）はセッションミドルウェアの外に配置する。
// ビューセッションは未サインイン時もsignedout状態を送るため、Cookieを自身で解決する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.SecurityHeaders))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

	authHandler := NewAuthHandler(deps.AuthService, deps.AdminPolicy, deps.AuthConfig)
	portalHandler := NewPortalHandler(deps.PortalSubscriptions, deps.Messages)
	adminHandler := NewAdminHandler(deps.AdminSubscriptions, deps.Messages)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.Health, deps.StoreConfigured))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/google/login", authHandler.Login)
		r.Get("/google/callback", authHandler.Callback)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	if deps.Views != nil {
		r.Get("/ws/portal", func(w http.ResponseWriter, r *http.Request) {
			deps.Views.Serve(w, r, chatsync.ModePortal, middleware.SessionIDFromRequest(r))
		})
		r.Get("/ws/admin", func(w http.ResponseWriter, r *http.Request) {
			deps.Views.Serve(w, r, chatsync.ModeAdmin, middleware.SessionIDFromRequest(r))
		})
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/portal", func(r chi.Router) {
			r.Get("/subscription", portalHandler.GetSubscription)
			r.Post("/plan-requests", portalHandler.RequestPlanChange)
			r.With(deps.RateLimiter.MessageMiddleware()).Post("/messages", portalHandler.SendMessage)
		})

		r.Route("/api/admin/clients/{clientUID}", func(r chi.Router) {
			r.Use(middleware.NewAdminMiddleware(deps.AdminPolicy))
			r.Get("/subscription", adminHandler.GetSubscription)
			r.Put("/subscription", adminHandler.UpdateSubscription)
			r.With(deps.RateLimiter.MessageMiddleware()).Post("/messages", adminHandler.SendMessage)
		})
	})

	return r
}
