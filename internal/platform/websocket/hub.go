// Package websocket pushes notifications to participants who keep the
// cabinet open in a browser. The Hub is a notification.Channel: the
// dispatcher hands it the same rendered messages Telegram and e-mail get,
// and the Hub forwards them to every live connection of the recipient.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/auth"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/middleware"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/notification"
)

const (
	sendBuffer = 32
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Frame is the JSON document written to the socket for each notification.
type Frame struct {
	Kind    notification.Kind `json:"kind"`
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	SentAt  time.Time         `json:"sentAt"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one open browser tab of a participant.
type Client struct {
	ParticipantID uuid.UUID
	Send          chan []byte
}

// NewClient returns a client with a buffered outbox.
func NewClient(participantID uuid.UUID) *Client {
	return &Client{ParticipantID: participantID, Send: make(chan []byte, sendBuffer)}
}

// Hub tracks live connections per participant.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[*Client]struct{}
	now     func() time.Time
}

var _ notification.Channel = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]map[*Client]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.ParticipantID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.clients[c.ParticipantID] = set
	}
	set[c] = struct{}{}
}

// Unregister drops the client and closes its outbox. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.ParticipantID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.ParticipantID)
	}
	close(c.Send)
}

func (h *Hub) Name() string { return "web" }

// Deliver queues the message on every connection of the recipient. A
// recipient without an open connection is reported as ErrNoAddress so the
// dispatcher skips it without retrying. Full outboxes drop the frame.
func (h *Hub) Deliver(_ context.Context, msg notification.Message) error {
	data, err := json.Marshal(Frame{Kind: msg.Kind, Subject: msg.Subject, Body: msg.Body, SentAt: h.now()})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.clients[msg.Recipient.ID]
	if len(set) == 0 {
		return notification.ErrNoAddress
	}
	for c := range set {
		select {
		case c.Send <- data:
		default:
		}
	}
	return nil
}

// Online reports the number of open connections of a participant.
func (h *Hub) Online(participantID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[participantID])
}

// ConnectionCount returns the number of open connections overall.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler upgrades authenticated requests to WebSocket connections.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler builds a handler. An empty origins list accepts any origin.
func NewHandler(hub *Hub, origins []string, logger zerolog.Logger) *Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o != "*" {
			allowed[o] = struct{}{}
		}
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/live", h.Connect)
}

// Connect upgrades the request and starts the pumps for the caller.
func (h *Handler) Connect(c echo.Context) error {
	id, ok := auth.ActorID(c.Request().Context())
	if !ok {
		return middleware.NewHTTPError(http.StatusUnauthorized, "unauthorized", "Требуется авторизация")
	}
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return nil
	}

	client := NewClient(id)
	h.hub.Register(client)
	h.logger.Debug().Str("participant_id", id.String()).Int("connections", h.hub.Online(id)).Msg("connected")

	go h.writePump(client, ws)
	go h.readPump(client, &gorillaConn{ws})
	return nil
}

// readPump discards inbound frames and unregisters the client once the
// peer goes away.
func (h *Handler) readPump(client *Client, conn Conn) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case data, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// gorillaConn extends the read deadline on every pong.
type gorillaConn struct {
	*gorillawebsocket.Conn
}

func (c *gorillaConn) ReadMessage() (int, []byte, error) {
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error { return c.SetReadDeadline(time.Now().Add(pongWait)) })
	return c.Conn.ReadMessage()
}
