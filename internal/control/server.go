package control

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tternquist/doh-sni-proxy/internal/cache"
	"github.com/tternquist/doh-sni-proxy/internal/config"
	"github.com/tternquist/doh-sni-proxy/internal/errorlog"
	"github.com/tternquist/doh-sni-proxy/internal/metrics"
	"github.com/tternquist/doh-sni-proxy/internal/proxy"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// CacheStore is the part of the address cache exposed over the API.
type CacheStore interface {
	Stats() cache.Stats
	Peek(hostname string) (cache.AddressRecord, bool)
	Delete(hostname string) bool
	Clear()
	PersistNow() error
}

// FilterTrigger re-runs IP selection for a cached hostname.
type FilterTrigger interface {
	StartFiltering(hostname string)
}

// ErrorSource lists recent warning and error log lines.
type ErrorSource interface {
	Entries() []errorlog.Entry
}

type ProxyStatus interface {
	State() proxy.State
	Addr() net.Addr
	OutboundTransports() int
}

// Config holds dependencies for the control server. Nil dependencies
// produce empty responses.
type Config struct {
	ControlCfg config.ControlConfig
	Cache      CacheStore
	Filter     FilterTrigger
	Proxy      ProxyStatus
	Stats      metrics.StatsProvider
	Errors     ErrorSource
	Logger     *slog.Logger
}

// Start creates and starts the control HTTP server. Returns nil if control is disabled.
func Start(cfg Config) *http.Server {
	if cfg.ControlCfg.Enabled == nil || !*cfg.ControlCfg.Enabled {
		return nil
	}
	if cfg.ControlCfg.Listen == "" {
		if cfg.Logger != nil {
			cfg.Logger.Info("control server disabled: missing listen address")
		}
		return nil
	}

	server := &http.Server{
		Addr:              cfg.ControlCfg.Listen,
		Handler:           NewRouter(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if cfg.Logger != nil {
				cfg.Logger.Error("control server error", "err", err)
			}
		}
	}()
	if cfg.Logger != nil {
		cfg.Logger.Info("control server listening", "addr", cfg.ControlCfg.Listen)
	}
	return server
}

// NewRouter builds the control API. /health and /metrics are open; every
// other route requires the configured token.
func NewRouter(cfg Config) http.Handler {
	auth := tokenAuth(strings.TrimSpace(cfg.ControlCfg.Token), strings.TrimSpace(cfg.ControlCfg.TokenHash))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", handleMetrics(cfg.Stats))

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Get("/cache/stats", handleCacheStats(cfg.Cache))
		r.Get("/cache/{hostname}", handleCacheEntry(cfg.Cache))
		r.Get("/proxy/status", handleProxyStatus(cfg.Proxy))
		r.Get("/errors", handleErrors(cfg.Errors))

		r.With(rateLimit(rate.Every(30*time.Second), 2)).Post("/cache/clear", handleCacheClear(cfg.Cache))
		r.With(rateLimit(rate.Every(10*time.Second), 2)).Post("/cache/persist", handleCachePersist(cfg.Cache))
		r.With(rateLimit(rate.Every(time.Second), 5)).Delete("/cache/{hostname}", handleCacheDelete(cfg.Cache))
		r.With(rateLimit(rate.Every(5*time.Second), 2)).Post("/filter/{hostname}", handleFilter(cfg.Cache, cfg.Filter))
	})
	return r
}

// rateLimit allows burst requests, refilling at refill.
func rateLimit(refill rate.Limit, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(refill, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// tokenAuth checks a bearer or X-Auth-Token credential. A bcrypt hash takes
// precedence over the plain token; with neither set all requests pass.
func tokenAuth(token, hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authorize(token, hash, r) {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authorize(token, hash string, r *http.Request) bool {
	if token == "" && hash == "" {
		return true
	}
	presented := extractToken(r)
	if presented == "" {
		return false
	}
	if hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(r.Header.Get("X-Auth-Token"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func handleMetrics(stats metrics.StatsProvider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if stats != nil {
			metrics.UpdateGauges(stats)
		}
		promhttp.HandlerFor(metrics.Init(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

func handleCacheStats(store CacheStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		writeJSON(w, http.StatusOK, store.Stats())
	}
}

func handleCacheEntry(store CacheStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host := config.NormalizeHost(chi.URLParam(r, "hostname"))
		if store == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not cached", "hostname": host})
			return
		}
		rec, ok := store.Peek(host)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not cached", "hostname": host})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"hostname":  rec.Hostname,
			"addresses": rec.Addresses,
			"created":   rec.CreatedAt,
			"expires":   rec.ExpiresAt,
			"expired":   rec.Expired(time.Now()),
		})
	}
}

func handleCacheDelete(store CacheStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host := config.NormalizeHost(chi.URLParam(r, "hostname"))
		if store == nil || !store.Delete(host) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not cached", "hostname": host})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func handleCacheClear(store CacheStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			store.Clear()
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func handleCachePersist(store CacheStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			if err := store.PersistNow(); err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func handleFilter(store CacheStore, filter FilterTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host := config.NormalizeHost(chi.URLParam(r, "hostname"))
		if store == nil || filter == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "ip filter not configured"})
			return
		}
		if _, ok := store.Peek(host); !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not cached", "hostname": host})
			return
		}
		filter.StartFiltering(host)
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "hostname": host})
	}
}

func handleProxyStatus(p ProxyStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p == nil {
			writeJSON(w, http.StatusOK, map[string]any{"state": proxy.Stopped.String()})
			return
		}
		out := map[string]any{
			"state":               p.State().String(),
			"outbound_transports": p.OutboundTransports(),
		}
		if addr := p.Addr(); addr != nil {
			out["listen"] = addr.String()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleErrors(src ErrorSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := []errorlog.Entry{}
		if src != nil {
			if e := src.Entries(); e != nil {
				entries = e
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"errors": entries})
	}
}
