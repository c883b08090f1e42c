package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/org/authcore/internal/config"
	"github.com/org/authcore/internal/guard"
)

// Permissions required by the administrative routes.
const (
	permReadAudit     = "read:audit"
	permReadSecurity  = "read:security_event"
	permWriteSecurity = "write:security_event"
	permAdminSecurity = "admin:security"
	permAdminSystem   = "admin:system"
	permAdminAccount  = "admin:account"
	permIssue         = "admin:credential"
)

// Server is the HTTP surface of the security core.
type Server struct {
	guard   *guard.Guard
	limiter *rateLimiter
	proxies proxyResolver
	log     zerolog.Logger
	httpSrv *http.Server
}

// NewServer wires a Server over g. Rate limits and trusted proxies come from
// the active config.
func NewServer(g *guard.Guard, log zerolog.Logger) *Server {
	cfg := g.Config()
	log = log.With().Str("component", "api").Logger()
	trusted, err := config.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring trusted_proxies; forwarded headers will not be used")
		trusted = nil
	}
	return &Server{
		guard:   g,
		limiter: newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		proxies: proxyResolver{trusted: trusted},
		log:     log,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(s.proxies.middleware)
	r.Use(metricsMiddleware)
	r.Use(s.limiter.middleware)
	r.Use(accessLogMiddleware(s.log))

	r.Handle("/metrics", MetricsHandler())

	// Public routes
	r.Group(func(r chi.Router) {
		r.Get("/v1/sys/health", s.HealthHandler)
		r.Get("/v1/sys/seal-status", s.SealStatusHandler)
		r.Post("/v1/sys/init", s.InitHandler)
		r.Post("/v1/sys/unseal", s.UnsealHandler)
		r.Post("/v1/auth/login", s.LoginHandler)
		r.Post("/v1/auth/refresh", s.RefreshHandler)
	})

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.guard))

		r.Get("/v1/auth/verify", s.VerifyHandler)
		r.Post("/v1/auth/check", s.CheckPermissionHandler)
		r.Post("/v1/auth/logout", s.LogoutHandler)
		r.Post("/v1/auth/mfa/enroll", s.MFAEnrollHandler)
		r.Post("/v1/auth/mfa/verify", s.MFAVerifyHandler)

		r.Get("/v1/sessions", s.SessionListHandler)
		r.Post("/v1/sessions/touch", s.SessionTouchHandler)
		r.Delete("/v1/sessions/{id}", s.SessionTerminateHandler)

		r.With(requirePermission(s.guard, permIssue)).Post("/v1/auth/credentials", s.IssueCredentialsHandler)
		r.With(requirePermission(s.guard, permAdminAccount)).Post("/v1/auth/accounts", s.AccountCreateHandler)

		r.Route("/v1/threat", func(r chi.Router) {
			r.With(requirePermission(s.guard, permWriteSecurity)).Post("/auth-events", s.AuthEventHandler)
			r.With(requirePermission(s.guard, permWriteSecurity)).Post("/access-events", s.AccessEventHandler)
			r.With(requirePermission(s.guard, permReadSecurity)).Get("/events", s.ThreatEventsHandler)
			r.With(requirePermission(s.guard, permReadSecurity)).Get("/blocked", s.BlockedHandler)
			r.Group(func(r chi.Router) {
				r.Use(requirePermission(s.guard, permAdminSecurity))
				r.Post("/events/{id}/resolve", s.ResolveEventHandler)
				r.Post("/unblock", s.UnblockHandler)
				r.Post("/enable", s.EnableActorHandler)
			})
		})

		r.With(requirePermission(s.guard, permReadAudit)).Get("/v1/audit/events", s.AuditQueryHandler)
		r.With(requirePermission(s.guard, permReadAudit)).Get("/v1/audit/export", s.AuditExportHandler)

		r.Get("/v1/sys/roles", s.RoleListHandler)
		r.Get("/v1/sys/roles/{name}", s.RoleReadHandler)
		r.Group(func(r chi.Router) {
			r.Use(requirePermission(s.guard, permAdminSystem))
			r.Put("/v1/sys/seal", s.SealHandler)
			r.Post("/v1/sys/rotate", s.RotateHandler)
		})
	})

	return r
}

// Start begins listening on the configured address. TLS is used when a
// certificate and key are configured.
func (s *Server) Start() error {
	cfg := s.guard.Config()
	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.BuildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if useTLS(cfg) {
		if err := s.checkCert(cfg.TLSCertFile, time.Now()); err != nil {
			return err
		}
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.log.Info().Str("addr", cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	}

	s.log.Info().Str("addr", cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

func useTLS(cfg *config.Config) bool {
	return cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
