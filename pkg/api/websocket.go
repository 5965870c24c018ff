package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/fusion"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
	wsSendBuffer   = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsMessage is one frame pushed to presentation clients
type wsMessage struct {
	Type      string              `json:"type"`
	Telemetry *pkg.FusedTelemetry `json:"telemetry,omitempty"`
	Place     *PlaceState         `json:"place,omitempty"`
	Network   *NetworkState       `json:"network,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsMessage
	done chan struct{}
	once sync.Once
}

// enqueue drops the frame when the client is slow or gone
func (c *wsClient) enqueue(msg wsMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telemetry == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "telemetry not available", nil)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan wsMessage, wsSendBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	place := s.place
	network := s.network
	s.mu.Unlock()
	s.logger.Debug("WebSocket client connected", "remote_addr", r.RemoteAddr)

	if place != nil {
		client.enqueue(wsMessage{Type: "place", Place: place})
	}
	if network != nil {
		client.enqueue(wsMessage{Type: "network", Network: network})
	}
	sub := s.deps.Telemetry.Subscribe(func(u fusion.Update) {
		tel := u.Telemetry
		client.enqueue(wsMessage{Type: "telemetry", Telemetry: &tel})
	})

	go s.writeLoop(client)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("WebSocket read error", "error", err)
			}
			break
		}
	}

	sub.Cancel()
	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()
	client.close()
	s.logger.Debug("WebSocket client disconnected", "remote_addr", r.RemoteAddr)
}

func (s *Server) writeLoop(c *wsClient) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				s.logger.Debug("WebSocket write failed", "error", err)
				c.close()
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (s *Server) broadcast(msg wsMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		c.enqueue(msg)
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
