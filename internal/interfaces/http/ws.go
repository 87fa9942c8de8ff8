package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/marginwatch/internal/broadcast"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
)

// Inbound frame types
const (
	frameRegister          = "register"
	frameDeregister        = "deregister"
	frameSubscribeMarket   = "subscribe_market"
	frameUnsubscribeMarket = "unsubscribe_market"
	frameCheckMargin       = "check_margin"
)

type inboundFrame struct {
	Type     string   `json:"type"`
	ClientID string   `json:"clientId,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
}

// wsHandler adapts websocket frames to connection lifecycle operations
type wsHandler struct {
	manager  *broadcast.Manager
	upgrader websocket.Upgrader
	timeout  time.Duration
	logger   zerolog.Logger
}

func newWSHandler(manager *broadcast.Manager, config ServerConfig, logger zerolog.Logger) *wsHandler {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &wsHandler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || originAllowed(config.AllowedOrigins, origin)
			},
		},
		timeout: timeout,
		logger:  logger,
	}
}

// ServeHTTP upgrades the request and pumps frames until either side closes.
// The read pump runs on the request goroutine.
func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	c, err := h.manager.Connect()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to register connection")
		conn.Close()
		return
	}

	go h.writePump(conn, c)
	h.readPump(r.Context(), conn, c)
}

// readPump handles inbound frames. Leaving it disconnects the observer, which
// closes the send channel and ends the write pump.
func (h *wsHandler) readPump(ctx context.Context, conn *websocket.Conn, c *broadcast.Connection) {
	defer func() {
		h.manager.Disconnect(c.ID)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("connection_id", c.ID).Msg("Websocket read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.manager.SendError(c.ID, "invalid message: "+err.Error(), "")
			continue
		}
		h.dispatch(ctx, c.ID, frame)
	}
}

func (h *wsHandler) dispatch(ctx context.Context, connID string, frame inboundFrame) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var err error
	switch frame.Type {
	case frameRegister:
		err = h.manager.Register(ctx, connID, frame.ClientID)
	case frameDeregister:
		err = h.manager.Deregister(connID, frame.ClientID)
	case frameSubscribeMarket:
		_, err = h.manager.Subscribe(connID, frame.Symbols)
	case frameUnsubscribeMarket:
		_, err = h.manager.Unsubscribe(connID, frame.Symbols)
	case frameCheckMargin:
		// the manager already delivered any evaluation error to this connection
		_ = h.manager.RequestMarginCheck(ctx, connID, frame.ClientID)
	default:
		err = errors.New("unknown message type: " + frame.Type)
	}
	if err != nil {
		h.manager.SendError(connID, err.Error(), frame.ClientID)
	}
}

// writePump sends queued events as JSON frames and pings the peer
func (h *wsHandler) writePump(conn *websocket.Conn, c *broadcast.Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug().Err(err).Str("connection_id", c.ID).Str("event", msg.Event).Msg("Websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
