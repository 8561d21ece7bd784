// Package transport exposes the router as a JSON-RPC proxy over HTTP and
// websocket, along with health, status and metrics endpoints.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/rpcfallback/pkg/types"
)

// RouterAPI defines what the server needs from the router.
type RouterAPI interface {
	Send(ctx context.Context, method string, params []any) (json.RawMessage, error)
	Status() types.RouterStatus
	ActiveUpstreamCount() int
	IsHalted() bool
}

// StatusFiller adds per-upstream request counters and latencies to a
// status snapshot. metrics.RouterMetrics implements it.
type StatusFiller interface {
	FillStatus(status *types.RouterStatus)
}

// Server handles HTTP requests for the proxy.
type Server struct {
	router    RouterAPI
	stats     StatusFiller
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	// CORS configuration
	corsAllowedOrigins []string // Parsed list of allowed origins
	corsAllowAll       bool     // True if "*" or empty (allow all origins)
}

// NewServer creates a new HTTP server. stats may be nil.
func NewServer(r RouterAPI, stats StatusFiller, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		router:    r,
		stats:     stats,
		logger:    logger,
		startTime: time.Now(),
	}

	// Parse CORS allowed origins
	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		for _, o := range strings.Split(origins, ",") {
			s.corsAllowedOrigins = append(s.corsAllowedOrigins, strings.TrimSpace(o))
		}
	}

	s.wsServer = NewWebSocketServer(s, logger)
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// JSON-RPC proxy
	mux.HandleFunc("/", s.corsMiddleware(s.handleRPC))
	mux.HandleFunc("/ws", s.wsServer.Handler())

	mux.HandleFunc("/status", s.corsMiddleware(s.handleStatus))

	// Health endpoints (standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// Shutdown closes websocket clients. The HTTP listener is owned by the caller.
func (s *Server) Shutdown() {
	s.wsServer.Stop()
}

func (s *Server) originAllowed(origin string) bool {
	return s.corsAllowAll || slices.Contains(s.corsAllowedOrigins, origin)
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// handleRPC proxies a JSON-RPC request or batch through the router.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSONError(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	resp := s.process(r.Context(), body)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		s.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

// handleStatus returns router state with per-upstream counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.router.Status()
	if s.stats != nil {
		s.stats.FillStatus(&status)
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleHealth handles liveness probes. The process is alive as long as it
// answers, whatever the state of the upstreams.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// handleReady handles readiness probes: not ready while the chain is
// halted or no upstream is active.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{
		Status:          "ready",
		ActiveUpstreams: s.router.ActiveUpstreamCount(),
		Halted:          s.router.IsHalted(),
	}

	code := http.StatusOK
	switch {
	case resp.Halted:
		resp.Status = "halted"
		code = http.StatusServiceUnavailable
	case resp.ActiveUpstreams == 0:
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}
