// Package control exposes the operator-facing admin surface for a running
// handler process: liveness/readiness/metrics probes, a handler inventory,
// reset triggers, and consistency-registry status, gated by an HMAC-signed
// admin token and rate-limited the same way the process's other sensitive
// operations are.
package control

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/arborq/eventhandler/internal/auth"
	"github.com/arborq/eventhandler/internal/logging"
	"github.com/arborq/eventhandler/internal/metrics"
	"github.com/arborq/eventhandler/internal/registry"
)

// Resettable is the subset of *handler.Runtime the admin surface drives.
type Resettable interface {
	Key() registry.Key
	Reset()
}

// RateLimiter gates how frequently sensitive admin operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures a HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Handlers    []Resettable
	Registry    *registry.Registry
	Verifier    *auth.HMACTokenVerifier
	RateLimiter RateLimiter
	TimeSource  func() time.Time
	Feed        *Feed
}

// HandlerSet bundles the process's admin HTTP handlers.
type HandlerSet struct {
	logger      *logging.Logger
	handlers    map[registry.Key]Resettable
	registry    *registry.Registry
	verifier    *auth.HMACTokenVerifier
	rateLimiter RateLimiter
	now         func() time.Time
	feed        *Feed
	startedAt   time.Time
}

// NewHandlerSet constructs a HandlerSet from opts.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	byKey := make(map[registry.Key]Resettable, len(opts.Handlers))
	for _, h := range opts.Handlers {
		byKey[h.Key()] = h
	}
	return &HandlerSet{
		logger:      logger,
		handlers:    byKey,
		registry:    opts.Registry,
		verifier:    opts.Verifier,
		rateLimiter: opts.RateLimiter,
		now:         now,
		feed:        opts.Feed,
		startedAt:   now(),
	}
}

// Register attaches every admin handler to mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/admin/handlers", h.ListHandlersHandler())
	mux.HandleFunc("/admin/handlers/reset", h.ResetHandler())
	mux.HandleFunc("/admin/registry", h.RegistryStatusHandler())
	if h.feed != nil {
		mux.HandleFunc("/admin/feed", func(w http.ResponseWriter, r *http.Request) {
			if !h.authorise(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			h.feed.ServeHTTP(w, r)
		})
	}
}

// MetricsHandler exposes the process's Prometheus metrics. Callers typically
// mount this on a separate listener from the rest of the admin surface so
// scraping never shares a port with operator-gated endpoints.
func (h *HandlerSet) MetricsHandler() http.Handler {
	return metrics.Handler()
}

// LivenessHandler reports that the process is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{Status: "alive"})
	}
}

// ReadinessHandler reports process readiness, including registered handler count.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Handlers      int     `json:"handlers"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:        "ok",
			UptimeSeconds: h.now().Sub(h.startedAt).Seconds(),
			Handlers:      len(h.handlers),
		})
	}
}

// ListHandlersHandler reports each registered handler's application and
// handler name; the consistency mode is not included.
func (h *HandlerSet) ListHandlersHandler() http.HandlerFunc {
	type entry struct {
		Application string `json:"application"`
		HandlerName string `json:"handler_name"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.authorise(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		out := make([]entry, 0, len(h.handlers))
		for key := range h.handlers {
			out = append(out, entry{Application: key.Application, HandlerName: key.HandlerName})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// ResetHandler authorises and triggers a reset of one named handler.
func (h *HandlerSet) ResetHandler() http.HandlerFunc {
	type request struct {
		Application string `json:"application"`
		HandlerName string `json:"handler_name"`
	}
	type response struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "admin_reset"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("reset denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("reset denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request payload", http.StatusBadRequest)
			return
		}
		key := registry.Key{Application: req.Application, HandlerName: req.HandlerName}
		target, ok := h.handlers[key]
		if !ok {
			http.Error(w, "unknown handler", http.StatusNotFound)
			return
		}
		target.Reset()
		reqLogger.Info("handler reset triggered", logging.String("application", key.Application), logging.String("handler_name", key.HandlerName))
		if h.feed != nil {
			h.feed.Publish(Event{Type: "reset", Application: key.Application, HandlerName: key.HandlerName})
		}
		writeJSON(w, http.StatusAccepted, response{Status: "accepted"})
	}
}

// RegistryStatusHandler reports the consistency registry's current state.
func (h *HandlerSet) RegistryStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.authorise(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.registry == nil {
			writeJSON(w, http.StatusOK, []registry.Status{})
			return
		}
		writeJSON(w, http.StatusOK, h.registry.List())
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	if h.verifier == nil {
		return false
	}
	token := bearerToken(r)
	if token == "" {
		return false
	}
	_, err := h.verifier.Verify(token)
	return err == nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if header != "" {
		return header
	}
	if token := strings.TrimSpace(r.Header.Get("X-Admin-Token")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
