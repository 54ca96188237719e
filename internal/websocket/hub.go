package websocket

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"

	"github.com/makeasinger/songgen/internal/generation"
	"github.com/makeasinger/songgen/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	Principal string
	Conn      *websocket.Conn
	Send      chan []byte

	// pings is never closed; the hub may close Send at any time
	pings chan struct{}
}

// Hub fans generation events out to each principal's live connections.
type Hub struct {
	// Clients grouped by principal
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	log zerolog.Logger
}

var _ generation.Observer = (*Hub)(nil)

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	Principal string
	Message   []byte
}

// NewHub creates a new Hub
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "ws_hub").Logger(),
	}
}

// Run starts the hub's main loop. Only Run touches the clients map.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			return

		case client := <-h.register:
			if h.clients[client.Principal] == nil {
				h.clients[client.Principal] = make(map[*Client]bool)
			}
			h.clients[client.Principal][client] = true
			h.log.Debug().Str("principal", client.Principal).Msg("client registered")

		case client := <-h.unregister:
			h.remove(client)
			h.log.Debug().Str("principal", client.Principal).Msg("client unregistered")

		case msg := <-h.broadcast:
			for client := range h.clients[msg.Principal] {
				select {
				case client.Send <- msg.Message:
				default:
					// slow consumer
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.Principal]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.Principal)
	}
}

// Stop ends Run and closes every client channel.
func (h *Hub) Stop() {
	close(h.done)
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Notify implements generation.Observer.
func (h *Hub) Notify(e generation.Event) {
	data, err := json.Marshal(encodeEvent(e))
	if err != nil {
		h.log.Error().Err(err).Str("event", string(e.Type)).Msg("failed to marshal event")
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{Principal: e.Principal, Message: data}:
	case <-h.done:
	default:
		h.log.Warn().Str("principal", e.Principal).Str("event", string(e.Type)).Msg("broadcast queue full, dropping event")
	}
}

func encodeEvent(e generation.Event) interface{} {
	switch e.Type {
	case generation.EventCompleted:
		return model.WSCompleteMessage{
			Type:     model.WSMessageTypeComplete,
			TaskID:   e.TaskID,
			Artifact: e.Artifact,
		}
	case generation.EventFailed:
		return model.WSErrorMessage{
			Type:   model.WSMessageTypeError,
			TaskID: e.TaskID,
			Error: model.WSError{
				Code:    errorCode(e.Err),
				Message: errorMessage(e.Err),
			},
		}
	case generation.EventSubmitted:
		return model.WSProgressMessage{Type: model.WSMessageTypeSubmitted, TaskID: e.TaskID, Status: e.Status}
	case generation.EventBackground:
		return model.WSProgressMessage{Type: model.WSMessageTypeBackground, TaskID: e.TaskID, Status: e.Status}
	default:
		return model.WSProgressMessage{Type: model.WSMessageTypeProgress, TaskID: e.TaskID, Status: e.Status}
	}
}

func errorCode(err error) string {
	if errors.Is(err, model.ErrMissingMedia) {
		return "MISSING_MEDIA"
	}
	return "GENERATION_FAILED"
}

func errorMessage(err error) string {
	if err == nil {
		return "generation failed"
	}
	return err.Error()
}

// HandleConnection serves one WebSocket connection for principal until it
// closes.
func (h *Hub) HandleConnection(c *websocket.Conn, principal string) {
	client := &Client{
		Principal: principal,
		Conn:      c,
		Send:      make(chan []byte, 256),
		pings:     make(chan struct{}, 1),
	}

	h.Register(client)
	defer h.Unregister(client)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-client.pings:
				pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, pong); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("principal", principal).Msg("websocket error")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			select {
			case client.pings <- struct{}{}:
			default:
			}
		}
	}
}
