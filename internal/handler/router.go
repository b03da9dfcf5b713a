package handler

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/paygate/internal/metrics"
	"github.com/hitoshi/paygate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	TokenParser        middleware.AccessTokenParser
	SignatureVerifier  middleware.SignatureVerifier
	CORSAllowedOrigins []string
	TrustedProxies     []netip.Prefix
	RateLimiter        *middleware.RateLimiter
	MaxBodyBytes       int64
	Metrics            metrics.MetricsCollector
	// MetricsHandler が nil の場合、/metrics は公開しない。
	MetricsHandler http.Handler
	DB             Pinger
	Logger         *slog.Logger

	AuthService        AuthServiceInterface
	MerchantService    MerchantServiceInterface
	TransactionService TransactionServiceInterface
	TransactionQuery   TransactionQueryInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	ClientIP → RequestID → Logging → Metrics → Recovery → SecurityHeaders → CORS
//
// /api 配下ではさらに GeneralRateLimit → BodyLimit を通り、ルートごとに
// AuthRateLimit、Bearer認証、署名検証のいずれかを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewClientIPMiddleware(deps.TrustedProxies))
	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	authHandler := NewAuthHandler(deps.AuthService)
	merchantHandler := NewMerchantHandler(deps.MerchantService, deps.TransactionQuery)
	txHandler := NewTransactionHandler(deps.TransactionService)

	bearer := middleware.NewBearerAuthMiddleware(deps.TokenParser)
	signed := middleware.NewSignatureMiddleware(deps.SignatureVerifier, deps.MaxBodyBytes)

	// --- 運用エンドポイント ---
	r.Get("/healthz", NewHealthHandler(deps.DB))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewBodyLimitMiddleware(deps.MaxBodyBytes))

		r.Route("/auth", func(r chi.Router) {
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/register", authHandler.Register)
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)
			r.With(bearer).Post("/logout", authHandler.Logout)
		})

		// ダッシュボード（Bearer認証）
		r.Route("/merchant", func(r chi.Router) {
			r.Use(bearer)
			r.Post("/create", merchantHandler.Create)
			r.Get("/keys", merchantHandler.Keys)
			r.Post("/rotate", merchantHandler.Rotate)
			r.Get("/transactions", merchantHandler.Transactions)
			r.Get("/stats", merchantHandler.Stats)
		})

		// マーチャントAPI（HMAC署名）
		r.Route("/transaction", func(r chi.Router) {
			r.Use(signed)
			r.Post("/checkout-session", txHandler.CreateCheckoutSession)
			r.Post("/process", txHandler.Process)
			r.Get("/history", txHandler.History)
			r.Post("/webhook", txHandler.Webhook)
		})
	})

	return r
}
