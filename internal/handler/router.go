package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedpulse/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	// 購読
	SubscriptionService SubscriptionServiceInterface

	// プッシュ配信
	PushHandler *PushHandler

	// メトリクス公開用ハンドラー。nilの場合は/metricsを公開しない
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	LoggingMiddleware → RateLimitMiddleware（購読登録のみ）
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	subHandler := NewSubscriptionHandler(deps.SubscriptionService)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// プッシュ配信はハブからのリクエストのためオーナー識別を要求しない
	if deps.PushHandler != nil {
		r.Post("/push", deps.PushHandler.Receive)
	}

	// 購読管理
	r.Route("/api/subscriptions", func(r chi.Router) {
		// POST /api/subscriptions - 購読登録（登録専用レート制限を追加）
		if deps.RateLimiter != nil {
			r.With(deps.RateLimiter.RegistrationMiddleware()).Post("/", subHandler.Subscribe)
		} else {
			r.Post("/", subHandler.Subscribe)
		}

		r.Get("/", subHandler.List)
		r.Get("/{id}/entries", subHandler.ListEntries)
	})

	// ソース管理
	r.Route("/api/sources", func(r chi.Router) {
		r.Post("/resume", subHandler.ResumeSource)
	})

	return r
}
