package api

import (
	"github.com/ayo6706/escrow-settlement/internal/api/handler"
	"github.com/ayo6706/escrow-settlement/internal/api/middleware"
	"github.com/ayo6706/escrow-settlement/internal/config"
	"github.com/ayo6706/escrow-settlement/internal/service"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Services bundles what the HTTP surface calls into.
type Services struct {
	Resolution  *service.ResolutionService
	Sweeps      *service.SweepService
	LockedFunds *service.LockedFundsService
	Cashouts    *service.CashoutService
	Webhooks    *service.WebhookService
	Wallets     handler.WalletReader
	DB          handler.Pinger
	Redis       redis.Cmdable
}

type Router struct {
	cfg    *config.Config
	logger *zap.Logger
	svc    Services
}

func NewRouter(cfg *config.Config, logger *zap.Logger, svc Services) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{cfg: cfg, logger: logger, svc: svc}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	// Handlers
	healthHandler := handler.NewHealthHandler(api.svc.DB, api.svc.Redis)
	webhookHandler := handler.NewWebhookHandler(api.svc.Webhooks)
	cashoutHandler := handler.NewCashoutHandler(api.svc.Cashouts, api.svc.Wallets)
	resolutionHandler := handler.NewResolutionHandler(api.svc.Resolution)
	sweepHandler := handler.NewSweepHandler(api.svc.Sweeps)
	lockedFundsHandler := handler.NewLockedFundsHandler(api.svc.LockedFunds)

	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Public Routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Post("/v1/webhooks/deposits", webhookHandler.HandleDepositWebhook)
	})

	// Protected Routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		// Wallets
		r.Get("/v1/wallets/{user_id}", cashoutHandler.GetWallet)
		r.Post("/v1/wallets/{user_id}/cashouts", cashoutHandler.CreateCashout)
		r.Get("/v1/cashouts/{id}", cashoutHandler.GetCashout)

		// Admin
		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))

			r.Get("/disputes/{id}", resolutionHandler.GetDispute)
			r.Post("/disputes/{id}/refund", resolutionHandler.Refund)
			r.Post("/disputes/{id}/release", resolutionHandler.Release)
			r.Post("/disputes/{id}/split", resolutionHandler.Split)

			r.Post("/sweeps/{name}", sweepHandler.Run)
			r.Get("/sweeps/{name}/candidates", sweepHandler.Candidates)

			r.Get("/locked-funds", lockedFundsHandler.Report)
			r.Post("/locked-funds/cleanup", lockedFundsHandler.Cleanup)
		})
	})

	return r
}
