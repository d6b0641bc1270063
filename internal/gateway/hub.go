package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradedeck/core/internal/model"
	"tradedeck/core/internal/state"
	"tradedeck/core/pkg/logger"
)

// wsClient represents one connected surface over WebSocket.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub bridges store change notifications to connected surfaces. Every
// registry or tracker mutation arrives here through the notifier and is
// fanned out as a WSMessage; surfaces hold no write path.
type Hub struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	mu         sync.RWMutex

	log *logger.Logger
}

// NewHub creates a hub subscribed to nothing; call Attach to wire it to
// the store notifier.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
		log:        log,
	}
}

// Attach subscribes the hub to store events and returns the unsubscribe
// func for teardown.
func (h *Hub) Attach(events *state.Notifier) (detach func()) {
	return events.Subscribe(func(ev state.Event) {
		h.Broadcast(messageFromEvent(ev))
	})
}

// Run processes client registration and broadcasting until the process
// exits.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("Surface connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Debug("Surface disconnected")

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to all connected surfaces.
func (h *Hub) Broadcast(msg model.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Errorf("Failed to marshal WS message: %v", err)
		return
	}
	h.broadcast <- data
}

func messageFromEvent(ev state.Event) model.WSMessage {
	switch ev.Kind {
	case state.EventBotRemoved:
		return model.WSMessage{
			Type:    model.MessageTypeBotRemoved,
			Payload: model.WSBotRemovedPayload{BotID: ev.BotID},
		}
	case state.EventStatusUpdate:
		payload := model.WSStatusPayload{BotID: ev.BotID}
		if ev.Status != nil {
			payload.Status = *ev.Status
		}
		return model.WSMessage{Type: model.MessageTypeStatusUpdate, Payload: payload}
	default:
		payload := model.WSBotPayload{}
		if ev.Bot != nil {
			payload.Bot = *ev.Bot
		}
		return model.WSMessage{Type: model.MessageTypeBotUpsert, Payload: payload}
	}
}

// readPump drains control messages from the surface.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Errorf("WS error: %v", err)
			}
			break
		}
	}
}

// writePump pushes queued messages and keepalive pings to the surface.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway binds to loopback; surfaces connect locally.
		return true
	},
}

// ServeWS handles WebSocket upgrade requests from surfaces.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Errorf("Failed to upgrade websocket: %v", err)
		return
	}

	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}
