// Package httpapi serves the operator endpoints: health overview,
// connection, authentication and outbound queue statistics, cache
// management, and the Prometheus scrape target. Everything except
// /metrics requires the configured API key.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relatemail/ferry/cache"
	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/circuitbreaker"
	"github.com/relatemail/ferry/pkg/health"
	"github.com/relatemail/ferry/pkg/metrics"
	"github.com/relatemail/ferry/server"
)

// StatsSource provides the system counters. *db.Database implements it.
type StatsSource interface {
	GetServerStats(ctx context.Context) (*metrics.ServerStats, error)
}

// ContentCache is the slice of *cache.Cache the API manages.
type ContentCache interface {
	GetStats() (objectCount int64, totalSize int64, err error)
	GetMetrics() *cache.CacheMetrics
	PurgeAll(ctx context.Context) error
}

// HealthSource reports component health. *health.Monitor implements it.
type HealthSource interface {
	OverallStatus() health.ComponentStatus
	AllStatuses() map[string]health.ComponentStatus
	CheckStatus(name string) (health.ComponentStatus, bool)
}

// BreakerSource exposes per-MX-host circuit state. *outbound.Engine
// implements it.
type BreakerSource interface {
	BreakerStates() map[string]circuitbreaker.State
}

// ConnectionSource is a per-protocol connection limiter.
type ConnectionSource interface {
	GetStats() server.ConnectionStats
}

// AuthCacheSource reports credential cache counters. *auth.Cache
// implements it.
type AuthCacheSource interface {
	GetStats() (hits, misses uint64, size int)
}

// AuthLimiterSource reports rate limiter occupancy. *auth.RateLimiter
// implements it.
type AuthLimiterSource interface {
	TrackedClients() int
}

// ServerOptions configures the HTTP API server. Nil sources disable
// their endpoints with 503 rather than failing startup.
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string

	Stats       StatsSource
	Cache       ContentCache
	Health      HealthSource
	Breakers    BreakerSource
	Limiters    []ConnectionSource
	AuthCache   AuthCacheSource
	AuthLimiter AuthLimiterSource
}

type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string

	stats       StatsSource
	cache       ContentCache
	health      HealthSource
	breakers    BreakerSource
	limiters    []ConnectionSource
	authCache   AuthCacheSource
	authLimiter AuthLimiterSource

	server *http.Server
}

func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
		}
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
		stats:        options.Stats,
		cache:        options.Cache,
		health:       options.Health,
		breakers:     options.Breakers,
		limiters:     options.Limiters,
		authCache:    options.AuthCache,
		authLimiter:  options.AuthLimiter,
	}, nil
}

// Start creates and runs the API server, pushing a fatal error to
// errChan. It blocks until the listener closes.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("Starting API server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down HTTP API server", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	// Scrapers do not carry the key; the host allowlist still applies.
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/health/overview", s.handleHealthOverview).Methods("GET")
	v1.HandleFunc("/health/components/{name}", s.handleComponentHealth).Methods("GET")
	v1.HandleFunc("/connections/stats", s.handleConnectionStats).Methods("GET")
	v1.HandleFunc("/auth/stats", s.handleAuthStats).Methods("GET")
	v1.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")
	v1.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET")
	v1.HandleFunc("/cache/purge", s.handleCachePurge).Methods("POST")

	return router
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: request",
			"method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Handlers

func (s *Server) handleHealthOverview(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Health monitor not available")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     s.health.OverallStatus(),
		"components": s.health.AllStatuses(),
	})
}

// handleComponentHealth is a single-component probe. Unhealthy and
// unreachable map to 503 so load balancers can act on the status code
// alone.
func (s *Server) handleComponentHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Health monitor not available")
		return
	}

	name := mux.Vars(r)["name"]
	status, known := s.health.CheckStatus(name)
	if !known {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown component %q", name))
		return
	}

	code := http.StatusOK
	if status == health.StatusUnhealthy || status == health.StatusUnreachable {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"component": name,
		"status":    status,
	})
}

type protocolConnections struct {
	Protocol string           `json:"protocol"`
	Total    int64            `json:"total"`
	Max      int64            `json:"max"`
	MaxPerIP int64            `json:"max_per_ip"`
	PerIP    map[string]int64 `json:"per_ip,omitempty"`
}

func (s *Server) handleConnectionStats(w http.ResponseWriter, r *http.Request) {
	protocols := make([]protocolConnections, 0, len(s.limiters))
	for _, limiter := range s.limiters {
		stats := limiter.GetStats()
		protocols = append(protocols, protocolConnections{
			Protocol: stats.Protocol,
			Total:    stats.TotalConnections,
			Max:      stats.MaxConnections,
			MaxPerIP: stats.MaxPerIP,
			PerIP:    stats.IPConnections,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"protocols": protocols,
	})
}

func (s *Server) handleAuthStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{}

	if s.authCache != nil {
		hits, misses, size := s.authCache.GetStats()
		resp["cache"] = map[string]interface{}{
			"hits":    hits,
			"misses":  misses,
			"entries": size,
		}
	}
	if s.authLimiter != nil {
		resp["limiter"] = map[string]interface{}{
			"tracked_clients": s.authLimiter.TrackedClients(),
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Stats source not available")
		return
	}

	stats, err := s.stats.GetServerStats(r.Context())
	if err != nil {
		logger.Error("HTTP API: error getting server stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get queue stats")
		return
	}

	resp := map[string]interface{}{
		"outbound": stats.OutboundByStatus,
		"accounts": stats.TotalAccounts,
		"messages": stats.TotalMessages,
	}

	if s.breakers != nil {
		states := map[string]string{}
		for host, state := range s.breakers.BreakerStates() {
			states[host] = state.String()
		}
		resp["breakers"] = states
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Cache not available")
		return
	}

	objects, totalSize, err := s.cache.GetStats()
	if err != nil {
		logger.Error("HTTP API: error getting cache stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get cache stats")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"objects":          objects,
		"total_size_bytes": totalSize,
		"counters":         s.cache.GetMetrics(),
	})
}

func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Cache not available")
		return
	}

	objects, totalSize, err := s.cache.GetStats()
	if err != nil {
		logger.Error("HTTP API: error getting cache stats before purge", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get cache stats before purge")
		return
	}

	if err := s.cache.PurgeAll(r.Context()); err != nil {
		logger.Error("HTTP API: error purging cache", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to purge cache")
		return
	}

	logger.Info("HTTP API: cache purged", "objects", objects, "bytes", totalSize)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":        "Cache purged successfully",
		"objects_purged": objects,
		"bytes_freed":    totalSize,
	})
}
