package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/livefeed/internal/auth"
	"github.com/hitoshi/livefeed/internal/metrics"
	"github.com/hitoshi/livefeed/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// HealthChecker はヘルスチェック時に永続化層の疎通を確認する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	TokenVerifier       auth.TokenVerifier
	AuthFailureRecorder middleware.AuthFailureRecorder
	StatusRecorder      middleware.HTTPStatusRecorder
	CORSAllowedOrigin   string
	RateLimiter         *middleware.RateLimiter
	Logger              *slog.Logger

	// 認証・ユーザー
	AuthService AuthServiceInterface
	UserService UserServiceInterface

	// 投稿
	FeedService   FeedServiceInterface
	MaxUploadSize int64
	ImageDir      string

	// 通知
	Events       EventSource
	SSEHeartbeat time.Duration

	// 運用
	HealthChecker   HealthChecker
	MetricsGatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORS → Recovery → SecurityHeaders → Logging → Metrics → Auth(strict|permissive) → RateLimit(General)
//
// /health と /metrics は認証・レート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// CORS ミドルウェアを最上位に適用（プリフライトは認証前に応答する）
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.StatusRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusRecorder))
	}

	var authOpts []middleware.AuthOption
	if deps.AuthFailureRecorder != nil {
		authOpts = append(authOpts, middleware.WithAuthFailureRecorder(deps.AuthFailureRecorder))
	}
	strict := middleware.NewAuthMiddleware(deps.TokenVerifier, middleware.AuthModeStrict, authOpts...)
	permissive := middleware.NewAuthMiddleware(deps.TokenVerifier, middleware.AuthModePermissive, authOpts...)

	authHandler := NewAuthHandler(deps.AuthService)
	userHandler := NewUserHandler(deps.UserService)
	postHandler := NewPostHandler(deps.FeedService, deps.MaxUploadSize)
	eventsHandler := NewEventsHandler(deps.Events, deps.SSEHeartbeat)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}
	if deps.ImageDir != "" {
		r.Handle("/images/*", http.StripPrefix("/images/", http.FileServer(http.Dir(deps.ImageDir))))
	}

	// --- 認証不要のルート ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Put("/auth/signup", authHandler.Signup)
		r.Post("/auth/login", authHandler.Login)
	})

	// --- 認証任意のルート ---
	// 資格情報が無い、または無効な場合は匿名として扱う
	r.Group(func(r chi.Router) {
		r.Use(permissive)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/feed/events", eventsHandler.Stream)

		// 匿名の場合はサービス層で401を返す
		r.With(deps.RateLimiter.UploadMiddleware()).Put("/post-image", postHandler.UploadImage)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth(strict) → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(strict)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/auth/status", func(r chi.Router) {
			r.Get("/", userHandler.GetStatus)
			r.Patch("/", userHandler.UpdateStatus)
		})

		r.Route("/feed", func(r chi.Router) {
			r.Get("/posts", postHandler.ListPosts)
			r.Get("/me/posts", userHandler.ListMyPosts)

			// 画像を伴う操作にはアップロード専用レート制限を追加
			r.With(deps.RateLimiter.UploadMiddleware()).Post("/post", postHandler.CreatePost)

			r.Route("/post/{postID}", func(r chi.Router) {
				r.Get("/", postHandler.GetPost)
				r.With(deps.RateLimiter.UploadMiddleware()).Put("/", postHandler.UpdatePost)
				r.Delete("/", postHandler.DeletePost)
			})
		})
	})

	return r
}

// healthHandler は永続化層への疎通を確認する。checkerがnilの場合は常に200を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
