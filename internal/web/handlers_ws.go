package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"cardio2e-bridge/internal/panel"
)

// eventClass pulls the entity class out of an event payload. Events that
// carry none (session state, device errors) match every subscription.
func eventClass(event panel.Event) (panel.Class, bool) {
	switch data := event.Data.(type) {
	case panel.StateChange:
		return data.Class, true
	case panel.NameChange:
		return data.Class, true
	case panel.AlarmChange:
		return panel.ClassAlarm, true
	}
	return "", false
}

// WSHub fans panel events out to connected WebSocket clients. A client
// receives the full stream until it narrows it with a subscription
// message; zone-heavy panels make that narrowing worthwhile.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.Mutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan panel.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	classes map[panel.Class]bool // nil or empty means everything
}

// wsSubscription is the only inbound message a client may send.
type wsSubscription struct {
	Classes []string `json:"classes"`
}

// setFilter replaces the client's class subscription. Unknown class
// names are dropped; an empty result reverts to the full stream.
func (c *wsClient) setFilter(classes []string) {
	filter := make(map[panel.Class]bool, len(classes))
	for _, name := range classes {
		if class, ok := parseClass(name); ok {
			filter[class] = true
		}
	}
	c.mu.Lock()
	c.classes = filter
	c.mu.Unlock()
}

func (c *wsClient) wants(event panel.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.classes) == 0 {
		return true
	}
	class, ok := eventClass(event)
	if !ok {
		return true
	}
	return c.classes[class]
}

// NewWSHub creates a hub; Run must be started for it to do anything.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan panel.Event, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub event loop. It returns after Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("ws marshal", "err", err)
				continue
			}
			h.mu.Lock()
			var slow []*wsClient
			for client := range h.clients {
				if !client.wants(event) {
					continue
				}
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			// A client that cannot keep up loses its connection rather
			// than backing up the hub.
			for _, client := range slow {
				delete(h.clients, client)
				close(client.send)
				h.logger.Warn("ws client evicted (too slow)")
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues an event for delivery, dropping it if the hub is
// saturated.
func (h *WSHub) Broadcast(event panel.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("ws broadcast channel full, dropping event")
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Send channel closed by the hub.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Inbound traffic is subscription messages only; anything that does
	// not parse as one is ignored.
	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		var sub wsSubscription
		if err := json.Unmarshal(data, &sub); err != nil {
			s.logger.Debug("ws bad inbound message", "err", err)
			continue
		}
		client.setFilter(sub.Classes)
	}
}
