package httpapi

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/regsync/internal/harvest"
	"github.com/agentworkforce/regsync/internal/registry"
)

// HarvestRunner starts an on-demand harvest of one registry.
type HarvestRunner interface {
	HarvestOne(ctx context.Context, name string) (harvest.Result, error)
}

type ServerConfig struct {
	JWTSecret string
	// Audience is the required aud claim of bearer tokens.
	Audience string
	// PeerUsername and PeerPassword protect the harvesting endpoints with
	// basic auth when PeerUsername is set.
	PeerUsername    string
	PeerPassword    string
	BaseURL         string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Harvests        HarvestRunner
	Gatherer        prometheus.Gatherer
	Log             logr.Logger
	Clock           func() time.Time
}

type Server struct {
	store       *registry.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	router      chi.Router
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *registry.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

// devJWTSecret signs admin tokens when no secret is configured.
const devJWTSecret = "dev-secret"

func NewServerWithConfig(store *registry.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.Log.Info("no JWT secret configured, admin API accepts tokens signed with the development secret; set jwt_secret outside development")
		cfg.JWTSecret = devJWTSecret
	}
	if cfg.Audience == "" {
		cfg.Audience = defaultAudience
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.peerAuth)
		r.Get("/synchronisation/changes", s.handleChanges)
		r.Get("/oai-pmh", s.handleOAI)
	})

	r.Route("/v1", func(r chi.Router) {
		r.With(s.requireScope(ScopeRegistriesRead)).Get("/registries", s.handleListRegistries)
		r.With(s.requireScope(ScopeRegistriesRead)).Get("/registries/{name}", s.handleGetRegistry)
		r.With(s.requireScope(ScopeRegistriesWrite)).Put("/registries/{name}", s.handleUpsertRegistry)
		r.With(s.requireScope(ScopeHarvestTrigger)).Post("/registries/{name}/harvest", s.handleHarvestNow)

		r.With(s.requireScope(ScopeEntriesWrite)).Post("/entries", s.handleRecordChange)
		r.With(s.requireScope(ScopeEntriesRead)).Get("/entries/{ref}", s.handleGetEntry)
		r.With(s.requireScope(ScopeOperationsPurge)).Delete("/operations", s.handlePurgeOperations)

		r.With(s.requireScope(ScopeIntegrityRead)).Get("/integrity/summary", s.handleIntegritySummary)
		r.With(s.requireScope(ScopeIntegrityWrite)).Post("/integrity/objects", s.handleAddObject)
		r.With(s.requireScope(ScopeIntegrityRead)).Get("/integrity/objects/{identifier}", s.handleGetObject)
		r.With(s.requireScope(ScopeIntegrityWrite)).Put("/integrity/objects/{identifier}/verification", s.handleRecordVerification)
		r.With(s.requireScope(ScopeIntegrityWrite)).Delete("/integrity/objects", s.handleDeleteObjects)

		r.With(s.requireScope(ScopePluginsWrite)).Post("/plugins/{plugin}/iterations", s.handleStartIteration)
		r.With(s.requireScope(ScopePluginsWrite)).Post("/plugins/iterations/{id}/finish", s.handleFinishIteration)
		r.With(s.requireScope(ScopePluginsRead)).Get("/plugins/{plugin}/summary", s.handlePluginSummary)
		r.With(s.requireScope(ScopePluginsWrite)).Delete("/plugins/{plugin}/iterations", s.handleDeleteIterations)

		r.With(s.requireScope(ScopeFormatsRead)).Get("/formats/at-risk", s.handleFormatsAtRisk)
		r.With(s.requireScope(ScopeFormatsWrite)).Put("/formats/{puid}/risk", s.handleSetFormatRisk)

		r.With(s.requireScope(ScopeNotificationsWrite)).Post("/notifications/certificate-warnings", s.handleCertificateWarning)
		r.With(s.requireScope(ScopeNotificationsRead)).Get("/notifications/stream", s.handleNotificationStream)
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) now() time.Time {
	return s.cfg.Clock().UTC()
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.cfg.Log.V(1).Info("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(started).String(),
			"correlationId", getCorrelationID(r))
	})
}

func (s *Server) peerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authErr := verifyPeer(r, s.cfg.PeerUsername, s.cfg.PeerPassword); authErr != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="regsync"`)
			writeXML(w, authErr.status, registry.NewChangesError(authErr.code, authErr.message, s.now()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := getCorrelationID(r)
			claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.Audience, scope, s.now())
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
				return
			}
			if correlationID == "" {
				writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
				return
			}
			if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, s.now()) {
				retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func writeXML(w http.ResponseWriter, status int, doc any) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(doc)
}

// writeStoreError maps registry and harvest errors onto the JSON error
// envelope.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	status, code := http.StatusInternalServerError, "internal_error"
	message := err.Error()
	var perr *registry.ProtocolError
	switch {
	case errors.Is(err, harvest.ErrHarvesting):
		status, code = http.StatusBadGateway, "harvest_failed"
	case errors.As(err, &perr):
		status, code, message = http.StatusBadRequest, perr.Code, perr.Message
		if errors.Is(err, registry.ErrNotFound) {
			status = http.StatusNotFound
		}
	case errors.Is(err, registry.ErrInvalidInput):
		status, code = http.StatusBadRequest, "bad_request"
	case errors.Is(err, registry.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, harvest.ErrHarvestInProgress), errors.Is(err, registry.ErrInvalidState):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, registry.ErrQueueFull):
		status, code = http.StatusServiceUnavailable, "queue_full"
	case errors.Is(err, registry.ErrNotImplemented):
		status, code = http.StatusNotImplemented, "not_implemented"
	}
	if status >= http.StatusInternalServerError {
		s.cfg.Log.Error(err, "request failed", "correlationId", correlationID)
	}
	writeError(w, status, code, message, correlationID)
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
