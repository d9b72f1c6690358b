// Package server wires the abuse-mitigation pipeline into an HTTP server:
// canonical host, security headers, block gate, rate-limit gate, threat gate,
// then the route handlers.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/carbocation/interpose"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/site-guard/config"
	"github.com/dobrevit/site-guard/pkg/appeal"
	"github.com/dobrevit/site-guard/pkg/blocklist"
	"github.com/dobrevit/site-guard/pkg/escalate"
	"github.com/dobrevit/site-guard/pkg/geo"
	"github.com/dobrevit/site-guard/pkg/notify"
	"github.com/dobrevit/site-guard/pkg/ratelimit"
	"github.com/dobrevit/site-guard/pkg/session"
	"github.com/dobrevit/site-guard/pkg/storage"
	"github.com/dobrevit/site-guard/pkg/threat"
)

const sessionCookie = "siteguard_session"

// Deps carries the assembled pipeline components.
type Deps struct {
	Backend         storage.Backend
	Durable         *storage.DurableStore
	Notifications   *notify.Log
	Registry        *blocklist.Registry
	Limiter         *ratelimit.Limiter
	Scanner         *threat.Scanner
	ThreatEscalator *escalate.Escalator
	Sessions        *session.Store
	Guard           *session.Guard
	Appeals         *appeal.Workflow
	Resolver        *geo.Resolver
}

// Server is the site-guard HTTP server.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *log.Logger

	router    *mux.Router
	handler   http.Handler
	startTime time.Time
}

// New creates the server and builds the middleware chain.
func New(cfg *config.Config, deps Deps, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.StandardLogger()
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}

	s.registerRoutes()

	middle := interpose.New()
	middle.Use(s.recoveryMiddleware())
	middle.Use(s.loggingMiddleware())
	middle.Use(s.canonicalHostMiddleware())
	middle.Use(s.securityHeadersMiddleware())
	middle.Use(s.blockGate())
	middle.Use(s.rateLimitGate())
	middle.Use(s.threatGate())
	middle.UseHandler(s.router)
	s.handler = middle

	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/security/block-status", s.handleBlockStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/security/appeal", s.handleAppealSubmit).Methods(http.MethodPost)
	s.router.HandleFunc("/security/appeals", s.requireOperator(s.handleAppealList)).Methods(http.MethodGet)
	s.router.HandleFunc("/security/appeals/{id}/decision", s.requireOperator(s.handleAppealDecision)).Methods(http.MethodPost)
	s.router.HandleFunc("/security/notifications", s.requireOperator(s.handleNotifications)).Methods(http.MethodGet)
	s.router.HandleFunc("/security/notifications/{id}/read", s.requireOperator(s.handleNotificationRead)).Methods(http.MethodPost)

	s.router.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	s.router.HandleFunc("/logout", s.requireOperator(s.handleLogout)).Methods(http.MethodPost)

	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	// Everything else belongs to the site the guard fronts; unmatched paths
	// get a structured 404 after passing the gates.
	s.router.PathPrefix("/").HandlerFunc(s.handleNotFound)
}

// Handler returns the complete middleware-wrapped handler, exposed for
// httptest-based tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Bind,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.cfg.Server.Bind).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// clientIP extracts the client address, honoring proxy headers only when
// configured to trust them.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.Server.TrustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// sessionToken pulls the opaque credential from the cookie or, for API
// clients, the Authorization header.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// wantsHTML reports whether the request is a browser navigation rather than
// an API call.
func wantsHTML(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}
