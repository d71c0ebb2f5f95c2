// Package server exposes the scheduler over HTTP: the lease protocol used by
// remote workers, definition and trigger management, a websocket stream of
// job events and the prometheus metrics endpoint.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/ingestd/pulse/schedule"
	"github.com/teranos/ingestd/pulse/trigger"
)

const (
	// MaxClients is the maximum number of concurrent websocket clients
	MaxClients = 100

	// ShutdownTimeout bounds how long Stop waits for goroutines
	ShutdownTimeout = 10 * time.Second
)

// ServerState is the server lifecycle state
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

func (st ServerState) String() string {
	switch st {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config wires the server to its collaborators. Triggers and Gatherer are optional.
type Config struct {
	Service        *schedule.Service
	Triggers       *trigger.Service
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Logger         *zap.SugaredLogger
}

// Server is the scheduler's HTTP surface
type Server struct {
	service        *schedule.Service
	triggers       *trigger.Service
	gatherer       prometheus.Gatherer
	allowedOrigins []string
	logger         *zap.SugaredLogger
	mux            *http.ServeMux
	httpServer     *http.Server

	clients        map[*Client]bool
	mu             sync.RWMutex
	broadcastDrops atomic.Int64
	state          atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the server and starts forwarding scheduler events to websocket clients
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		service:        cfg.Service,
		triggers:       cfg.Triggers,
		gatherer:       gatherer,
		allowedOrigins: cfg.AllowedOrigins,
		logger:         log.Named("server"),
		mux:            http.NewServeMux(),
		clients:        make(map[*Client]bool),
		ctx:            ctx,
		cancel:         cancel,
	}
	s.setupHTTPRoutes()
	s.startEventForwarder()
	return s
}

// Handler returns the routed handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.preflight(s.mux)
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", newState.String())
}

// ClientCount returns the number of connected websocket clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
