package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/logger"
	"github.com/teranos/ingestd/version"
)

// Start listens on addr and serves until Stop. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener until Stop
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Infow(fmt.Sprintf("HTTP server listening on %s", listener.Addr()),
		logger.FieldAddress, listener.Addr().String())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Stop drains the server: new websocket clients are refused, existing ones
// are closed, the HTTP server shuts down and background goroutines exit.
func (s *Server) Stop(ctx context.Context) error {
	if s.getState() == ServerStateStopped {
		return nil
	}
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	s.mu.Lock()
	clientsToClose := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clientsToClose = append(clientsToClose, client)
	}
	srv := s.httpServer
	s.mu.Unlock()

	// Closing the connection unblocks readPump, which unregisters the client
	for _, client := range clientsToClose {
		client.conn.Close()
	}

	var shutdownErr error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			shutdownErr = errors.Wrap(err, "http server shutdown")
		}
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Shutdown timeout exceeded, some goroutines may still be running",
			"timeout", ShutdownTimeout)
	}

	s.setState(ServerStateStopped)
	return shutdownErr
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Commit         string `json:"commit"`
	Clients        int    `json:"clients"`
	BroadcastDrops int64  `json:"broadcast_drops"`
}

// HandleHealth serves the health check with version info. A draining server answers 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	state := s.getState()

	status := http.StatusOK
	if state != ServerStateRunning {
		status = http.StatusServiceUnavailable
	}
	_ = writeJSON(w, status, HealthResponse{
		Status:         state.String(),
		Version:        info.Version,
		Commit:         info.CommitHash,
		Clients:        s.ClientCount(),
		BroadcastDrops: s.broadcastDrops.Load(),
	})
}
