package handler

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/asinman/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *LoggerDep

	// ハンドラー
	ProductHandler *ProductHandler
	TaskHandler    *TaskHandler
	StatsHandler   *StatsHandler

	// ヘルスチェック
	DB *sql.DB

	// Prometheusメトリクス
	MetricsHandler http.Handler
}

// LoggerDep はロギングミドルウェアの依存をまとめる。
type LoggerDep struct {
	Middleware func(next http.Handler) http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → (CORS) → Logging → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	if deps.CORSAllowedOrigin != "" {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	}
	if deps.Logger != nil {
		r.Use(deps.Logger.Middleware)
	}

	// --- レート制限の外のルート ---

	r.Get("/health", healthHandler(deps.DB))

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- レート制限下のルート ---

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/asin", func(r chi.Router) {
			// POST /asin/scrape - バッチ投入（投入専用レート制限を追加）
			r.With(deps.RateLimiter.ScrapeSubmissionMiddleware()).Post("/scrape", deps.ProductHandler.ScrapeBatch)

			r.Get("/{asin}", deps.ProductHandler.GetProduct)
		})

		r.Get("/tasks/{id}", deps.TaskHandler.GetTask)
		r.Get("/stats", deps.StatsHandler.GetStats)
	})

	return r
}

// healthHandler はDB接続を確認するヘルスチェックハンドラーを返す。
func healthHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unhealthy",
					"reason": "database unreachable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
