package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mishabar410/policyshield/pkg/engine"
	"github.com/mishabar410/policyshield/pkg/metrics"
	"github.com/mishabar410/policyshield/pkg/rules"
)

// ServerVersion is this build's wire-visible version, reported by
// health/livez/readyz.
const ServerVersion = "0.1.0"

// adminActions is the set of endpoints that mutate global engine state and
// so require the stronger admin token when one is configured.
var adminActions = map[string]bool{
	"/api/v1/reload":          true,
	"/api/v1/kill":            true,
	"/api/v1/resume":          true,
	"/api/v1/respond-approval": true,
}

// publicPaths never require a token, matching the teacher's isPublicPath.
var publicPaths = map[string]bool{
	"/api/v1/livez":  true,
	"/api/v1/readyz": true,
	"/api/v1/health": true,
	"/metrics":       true,
}

// Config configures a Server.
type Config struct {
	Engine *engine.Engine

	// RulesPath and RulesLoader back the /api/v1/reload handler: it
	// recompiles the file at RulesPath off the critical path before
	// calling Engine.Reload, matching the watcher's own compile-then-swap
	// sequencing. RulesLoader defaults to rules.LoadFile.
	RulesPath   string
	RulesLoader func(path string) (*rules.RuleSet, error)

	APITokens  []string
	AdminToken string

	MaxConcurrentChecks int
	MaxRequestSize      int64
	RequestTimeout      time.Duration

	IdempotencyCapacity int
	IdempotencyTTL      time.Duration

	CORSOrigins []string

	AdminRateLimitPerMin    int
	AuthFailRateLimitPerMin int
	AuthFailLockout         time.Duration

	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// Server is the HTTP surface in front of a Shield Engine: every field it
// owns backs exactly one concern named in §4.11 (auth, limits, idempotency,
// correlation), wired together in Handler.
type Server struct {
	engine *engine.Engine

	rulesPath   string
	rulesLoader func(path string) (*rules.RuleSet, error)

	apiTokens  map[string]bool
	adminToken string

	sem            *semaphore.Weighted
	maxRequestSize int64
	requestTimeout time.Duration

	idempotency *idempotencyStore
	corsOrigins []string

	adminLimiter    *perIPLimiter
	authFailLockout *authFailLockout

	metrics *metrics.Registry
	logger  *slog.Logger
}

// New builds a Server from cfg, applying documented defaults for anything
// left zero-valued.
func New(cfg Config) *Server {
	if cfg.MaxConcurrentChecks <= 0 {
		cfg.MaxConcurrentChecks = 100
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.AdminRateLimitPerMin <= 0 {
		cfg.AdminRateLimitPerMin = 10
	}
	if cfg.AuthFailRateLimitPerMin <= 0 {
		cfg.AuthFailRateLimitPerMin = 5
	}
	if cfg.AuthFailLockout <= 0 {
		cfg.AuthFailLockout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.RulesLoader == nil {
		cfg.RulesLoader = rules.LoadFile
	}

	tokens := make(map[string]bool, len(cfg.APITokens))
	for _, t := range cfg.APITokens {
		tokens[t] = true
	}

	return &Server{
		engine:          cfg.Engine,
		rulesPath:       cfg.RulesPath,
		rulesLoader:     cfg.RulesLoader,
		apiTokens:       tokens,
		adminToken:      cfg.AdminToken,
		sem:             semaphore.NewWeighted(int64(cfg.MaxConcurrentChecks)),
		maxRequestSize:  cfg.MaxRequestSize,
		requestTimeout:  cfg.RequestTimeout,
		idempotency:     newIdempotencyStore(cfg.IdempotencyCapacity, cfg.IdempotencyTTL),
		corsOrigins:     cfg.CORSOrigins,
		adminLimiter:    newPerIPLimiter(cfg.AdminRateLimitPerMin, cfg.AdminRateLimitPerMin),
		authFailLockout: newAuthFailLockout(cfg.AuthFailRateLimitPerMin, cfg.AuthFailLockout),
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
	}
}

// Handler builds the complete mux with every middleware and route wired in.
// Order matters: request-id first (every later layer/log line wants it),
// then CORS (preflight must short-circuit before auth), then the
// size/content-type/admission/timeout transport concerns, then auth, with
// idempotency innermost since it needs to see the final response body.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/v1/check", s.withAuth(idempotencyMiddleware(s.idempotency)(http.HandlerFunc(s.handleCheck))))
	mux.Handle("/api/v1/post-check", s.withAuth(http.HandlerFunc(s.handlePostCheck)))
	mux.Handle("/api/v1/check-approval", s.withAuth(http.HandlerFunc(s.handleCheckApproval)))
	mux.Handle("/api/v1/respond-approval", s.withAuth(http.HandlerFunc(s.handleRespondApproval)))
	mux.Handle("/api/v1/pending-approvals", s.withAuth(http.HandlerFunc(s.handlePendingApprovals)))
	mux.Handle("/api/v1/reload", s.withAuth(http.HandlerFunc(s.handleReload)))
	mux.Handle("/api/v1/kill", s.withAuth(http.HandlerFunc(s.handleKill)))
	mux.Handle("/api/v1/resume", s.withAuth(http.HandlerFunc(s.handleResume)))
	mux.Handle("/api/v1/clear-taint", s.withAuth(http.HandlerFunc(s.handleClearTaint)))
	mux.Handle("/api/v1/constraints", s.withAuth(http.HandlerFunc(s.handleConstraints)))
	mux.Handle("/api/v1/rules", s.withAuth(http.HandlerFunc(s.handleRules)))
	mux.Handle("/api/v1/sessions/", s.withAuth(http.HandlerFunc(s.handleSession)))
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/livez", s.handleHealth)
	mux.HandleFunc("/api/v1/readyz", s.handleReadyz)
	mux.HandleFunc("/metrics", s.handleMetrics)

	return chain(mux,
		requestIDMiddleware,
		corsMiddleware(s.corsOrigins),
		bodyLimitMiddleware(s.maxRequestSize),
		contentTypeMiddleware,
		admissionMiddleware(s.sem),
		timeoutMiddleware(s.requestTimeout),
	)
}

// withAuth wraps a handler with bearer/admin-token auth and, for admin
// actions, the admin-endpoint rate limiter, per §4.11.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if s.authFailLockout.locked(ip) {
			writeTooManyRequests(w, r, int(5*time.Minute/time.Second))
			return
		}

		needsAdmin := adminActions[r.URL.Path]
		requireAdminToken := needsAdmin && s.adminToken != ""
		requireAnyToken := len(s.apiTokens) > 0 || requireAdminToken

		if requireAnyToken {
			token, ok := bearerToken(r)
			if !ok {
				writeUnauthorized(w, r, "missing Authorization header")
				return
			}
			if requireAdminToken {
				if token != s.adminToken {
					s.authFailLockout.recordFailure(ip)
					writeForbidden(w, r, "admin token required for this endpoint")
					return
				}
			} else if !s.apiTokens[token] {
				s.authFailLockout.recordFailure(ip)
				writeForbidden(w, r, "invalid API token")
				return
			}
		}

		if needsAdmin {
			adminRateLimitMiddleware(s.adminLimiter)(next).ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}
