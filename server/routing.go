package server

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	s.mux.HandleFunc("GET /health", s.corsMiddleware(s.HandleHealth))
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /ws", s.corsMiddleware(s.HandleWebSocket))

	// Lease protocol
	s.mux.HandleFunc("GET /jobs", s.corsMiddleware(s.HandleJobs))
	s.mux.HandleFunc("GET /jobs/{id}", s.corsMiddleware(s.HandleJob))
	s.mux.HandleFunc("POST /jobs/{id}/claim", s.corsMiddleware(s.HandleClaim))
	s.mux.HandleFunc("POST /jobs/{id}/unclaim", s.corsMiddleware(s.HandleUnclaim))
	s.mux.HandleFunc("POST /jobs/{id}/yield", s.corsMiddleware(s.HandleYield))
	s.mux.HandleFunc("POST /jobs/{id}/checkpoint", s.corsMiddleware(s.HandleCheckpoint))
	s.mux.HandleFunc("POST /jobs/{id}/complete", s.corsMiddleware(s.HandleComplete))
	s.mux.HandleFunc("POST /jobs/{id}/cancel", s.corsMiddleware(s.HandleCancel))
	s.mux.HandleFunc("POST /jobs/{id}/invalidate", s.corsMiddleware(s.HandleInvalidate))

	// Definitions
	s.mux.HandleFunc("GET /definitions", s.corsMiddleware(s.HandleDefinitions))
	s.mux.HandleFunc("POST /definitions", s.corsMiddleware(s.HandleCreateDefinition))
	s.mux.HandleFunc("GET /definitions/{id}", s.corsMiddleware(s.HandleDefinition))
	s.mux.HandleFunc("PUT /definitions/{id}", s.corsMiddleware(s.HandleRedefine))
	s.mux.HandleFunc("POST /definitions/{id}/instances", s.corsMiddleware(s.HandleCreateInstance))

	if s.triggers != nil {
		s.mux.HandleFunc("GET /triggers", s.corsMiddleware(s.HandleTriggers))
		s.mux.HandleFunc("POST /triggers", s.corsMiddleware(s.HandleCreateTrigger))
		s.mux.HandleFunc("DELETE /triggers/{id}", s.corsMiddleware(s.HandleDeleteTrigger))
		s.mux.HandleFunc("POST /triggers/{id}/fire", s.corsMiddleware(s.HandleFireTrigger))
	}
}

// preflight answers CORS preflight requests before routing, since the
// method-qualified patterns would otherwise reject OPTIONS with 405
func (s *Server) preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			s.corsMiddleware(func(http.ResponseWriter, *http.Request) {})(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers for allowed origins and answers preflight requests
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// checkOrigin validates a browser origin against the configured allowed
// origins. Prefix matching allows any port. Requests without an Origin
// header (workers, curl, tests) are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.allowedOrigins) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}
	for _, allowed := range s.allowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
