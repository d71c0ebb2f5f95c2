package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/logger"
	"github.com/teranos/ingestd/pulse/job"
	"github.com/teranos/ingestd/pulse/schedule"
)

// WebSocket timeouts following the gorilla chat example
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	maxMessageSize = 4096             // clients only send control frames
	clientBuffer   = 256
)

// JobUpdateMessage is sent to websocket clients for every scheduler event
type JobUpdateMessage struct {
	Type      string             `json:"type"` // always "job_update"
	Event     schedule.EventType `json:"event"`
	Job       *job.Instance      `json:"job"`
	Timestamp int64              `json:"timestamp"`
}

// Client is one websocket connection
type Client struct {
	server    *Server
	conn      *websocket.Conn
	sendMsg   chan interface{}
	id        string
	closeOnce sync.Once

	// definition, when set, limits the stream to that definition's instances
	definition uuid.UUID
}

func (c *Client) wants(msg JobUpdateMessage) bool {
	if c.definition == uuid.Nil {
		return true
	}
	return msg.Job != nil && msg.Job.ID.DefinitionID == c.definition
}

// HandleWebSocket upgrades the connection and streams job events to it.
// ?definition=<uuid> narrows the stream to one definition.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var definition uuid.UUID
	if raw := r.URL.Query().Get("definition"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeServiceError(w, r, errors.NewInvalidRequestError("definition must be a uuid: %v", err))
			return
		}
		definition = id
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	client := &Client{
		server:     s,
		conn:       conn,
		sendMsg:    make(chan interface{}, clientBuffer),
		id:         uuid.NewString()[:8],
		definition: definition,
	}
	if !s.registerClient(client) {
		conn.Close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}

// registerClient adds a client unless the server is full or draining
func (s *Server) registerClient(client *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getState() != ServerStateRunning {
		return false
	}
	if len(s.clients) >= MaxClients {
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients)
		return false
	}
	s.clients[client] = true
	s.logger.Infow("Client connected", "client_id", client.id, "total_clients", len(s.clients))
	return true
}

func (s *Server) unregisterClient(client *Client) {
	s.mu.Lock()
	_, ok := s.clients[client]
	delete(s.clients, client)
	total := len(s.clients)
	s.mu.Unlock()

	if ok {
		client.close()
		s.logger.Infow("Client disconnected", "client_id", client.id, "total_clients", total)
	}
}

// broadcastJobUpdate queues msg for every client subscribed to its definition.
// Returns how many accepted it; a full client buffer counts as a drop.
func (s *Server) broadcastJobUpdate(msg JobUpdateMessage) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sent := 0
	for client := range s.clients {
		if !client.wants(msg) {
			continue
		}
		select {
		case client.sendMsg <- msg:
			sent++
		default:
			s.broadcastDrops.Add(1)
		}
	}
	return sent
}

// startEventForwarder subscribes to the scheduler's events and broadcasts them
func (s *Server) startEventForwarder() {
	if s.service == nil || s.service.Events() == nil {
		return
	}
	events, unsubscribe := s.service.Events().Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()

		for {
			select {
			case <-s.ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.broadcastJobUpdate(JobUpdateMessage{
					Type:      "job_update",
					Event:     ev.Type,
					Job:       ev.Instance,
					Timestamp: ev.At.Unix(),
				})
			}
		}
	}()
}

// readPump discards client messages and keeps the read deadline fresh
func (c *Client) readPump() {
	defer func() {
		c.server.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error", "client_id", c.id, logger.FieldError, err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return
		case msg, ok := <-c.sendMsg:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debugw("Message write error", "client_id", c.id, logger.FieldError, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close closes the send channel exactly once
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.sendMsg)
	})
}
