// Package httpapi implements the HTTP/WebSocket facade (C10): REST lease
// management for the web UI and M2M clients, a status snapshot endpoint,
// the auth flow routes, and a WebSocket stream of status/lease/config
// deltas.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shuthost/shuthost/internal/auth"
	"github.com/shuthost/shuthost/internal/config"
	"github.com/shuthost/shuthost/internal/hoststatus"
	"github.com/shuthost/shuthost/internal/leasestore"
	"github.com/shuthost/shuthost/internal/reconcile"
	"github.com/shuthost/shuthost/openapi"
)

// RequestTimeout bounds every request's handling time, per the resource
// model's fixed HTTP timeout constant.
const RequestTimeout = 30 * time.Second

// loginRateLimit bounds login/OIDC attempts per source IP, an ambient
// hardening concern (not itself a tested invariant) that fails open.
const (
	loginRateLimitRequests = 20
	loginRateLimitWindow   = time.Minute
)

// ConfigSource supplies the live hosts/clients snapshot.
type ConfigSource interface {
	Snapshot() *config.Snapshot
	Subscribe(buffer int) (<-chan *config.Snapshot, func())
}

// StatusSource is the subset of *hoststatus.Poller the facade needs.
type StatusSource interface {
	Snapshot() hoststatus.Status
	Subscribe(buffer int) (<-chan hoststatus.Status, func())
	PollUntilState(ctx context.Context, host string, desired hoststatus.State, timeout, interval time.Duration) error
}

// LeaseSource is the subset of *leasestore.Store the facade needs.
type LeaseSource interface {
	Snapshot() leasestore.Snapshot
	Subscribe(buffer int) (<-chan leasestore.Snapshot, func())
	Add(host string, source leasestore.Source) error
	Remove(host string, source leasestore.Source) error
	PurgeClient(name string) error
}

// Reconciler is the subset of *reconcile.Reconciler the facade needs.
type Reconciler interface {
	HandleHostState(ctx context.Context, host string, leaseSet map[leasestore.Source]struct{}) error
	SpawnHandleHostState(ctx context.Context, host string, leaseSet map[leasestore.Source]struct{})
}

// Server bundles every dependency the HTTP facade needs to build its router.
type Server struct {
	cfg    ConfigSource
	status StatusSource
	leases LeaseSource
	recon  Reconciler
	authrt *auth.Runtime

	log *slog.Logger
}

// New creates a Server ready to build a router via Router().
func New(cfg ConfigSource, status StatusSource, leases LeaseSource, recon Reconciler, authrt *auth.Runtime) *Server {
	return &Server{
		cfg:    cfg,
		status: status,
		leases: leases,
		recon:  recon,
		authrt: authrt,
		log:    slog.Default().With("component", "httpapi"),
	}
}

// Router builds the complete chi router: public auth routes, /metrics, and
// the auth-gated API/WS surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(requestIDHeader)
	r.Use(securityHeaders)
	r.Use(metricsMiddleware)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/openapi.json", serveOpenAPISpec)

	loginLimit := httprate.Limit(loginRateLimitRequests, loginRateLimitWindow, httprate.WithKeyFuncs(httprate.KeyByIP))
	r.Group(func(r chi.Router) {
		r.Use(loginLimit, chimw.Timeout(RequestTimeout))
		r.Get("/login", s.authrt.LoginGet)
		r.Post("/login", s.authrt.LoginPost)
		r.Post("/logout", s.authrt.Logout)
		r.Get("/oidc/login", s.authrt.OIDCLogin)
		r.Get("/oidc/callback", s.authrt.OIDCCallback)
	})

	// /ws is deliberately excluded from the request-timeout middleware:
	// chi's Timeout wraps ResponseWriter in a type that does not support
	// Hijacker, which breaks the WebSocket upgrade.
	r.Group(func(r chi.Router) {
		r.Use(s.authrt.Middleware)
		r.Get("/ws", s.handleWS)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authrt.Middleware, chimw.Timeout(RequestTimeout))

		r.Get("/api/hosts_status", s.handleHostsStatus)
		r.Post("/api/lease/{host}/{action}", s.handleWebLeaseAction)
		r.Post("/api/reset_leases/{client}", s.handleResetClientLeases)
	})

	// /api/m2m is public by design: automation clients carry no session
	// cookie and authenticate per-request via the X-Client-ID/X-Request
	// HMAC headers, verified inside handleM2MLeaseAction itself.
	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(RequestTimeout))
		r.Post("/api/m2m/lease/{host}/{action}", s.handleM2MLeaseAction)
	})

	return r
}
