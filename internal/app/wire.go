package app

import (
	"net/netip"

	"github.com/attaboy/authrisk/internal/auth"
	"github.com/attaboy/authrisk/internal/handler"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps holds all dependencies needed by NewRouter.
type RouterDeps struct {
	Engine *Engine
	Health handler.HealthCheck
	// CORSOrigin is echoed in Access-Control-Allow-Origin.
	CORSOrigin string
	// TrustedProxies may set the client address through X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

// NewRouter assembles the chi.Router with all routes and middleware.
func NewRouter(deps RouterDeps) chi.Router {
	e := deps.Engine
	logger := e.Logger

	// Handlers
	authHandler := handler.NewAuthHandler(e.Auth)
	sessionHandler := handler.NewSessionHandler(e.Sessions, e.Hub, e.Scorer)
	mfaHandler := handler.NewMFAHandler(e.MFA)
	riskHandler := handler.NewRiskHandler(e.Scorer, e.Assessor)

	requireSession := auth.RequireSession(e.Sessions, e.Signer)

	corsOrigin := deps.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}

	// Router
	r := chi.NewRouter()

	// Global middleware (order matters)
	r.Use(handler.Recovery(logger))
	r.Use(handler.RealIP(deps.TrustedProxies))
	r.Use(handler.RequestID)
	r.Use(handler.RequestLogger(logger))
	r.Use(handler.Metrics)
	r.Use(handler.CORSWithOrigins(corsOrigin))

	// Operational (no auth)
	r.Get("/health", handler.HealthHandler(deps.Health))
	r.Handle("/metrics", promhttp.Handler())

	// Streams upgrade the connection, so no JSON content type.
	r.With(requireSession).Get("/sessions/warnings", sessionHandler.Warnings)

	r.Group(func(r chi.Router) {
		r.Use(handler.JSONContentType)

		// Auth routes (no session)
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/login/mfa", authHandler.LoginMFA)
		})

		// Handle-presenting session routes
		r.Post("/sessions/validate", sessionHandler.Validate)
		r.Post("/sessions/refresh", sessionHandler.Refresh)

		// Session-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(requireSession)

			r.Post("/sessions/signout", sessionHandler.SignOut)
			r.Post("/events", riskHandler.LogEvent)
			r.Post("/risk/assess", riskHandler.Assess)

			r.Route("/mfa", func(r chi.Router) {
				r.Post("/challenges", mfaHandler.CreateChallenge)
				r.Post("/challenges/{id}/verify", mfaHandler.VerifyChallenge)
				r.Post("/devices", mfaHandler.SetupDevice)
				r.Post("/devices/{id}/verify", mfaHandler.VerifySetup)
				r.Delete("/devices/{id}", mfaHandler.DisableDevice)
			})
		})

		// Admin-authenticated routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireSession)
			r.Use(auth.RequireRole(auth.AdminRoles()...))

			r.Post("/owners/{id}/sessions/revoke", sessionHandler.RevokeAll)
		})
	})

	return r
}
