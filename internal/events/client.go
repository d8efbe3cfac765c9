package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 32
)

// Origin checks are left to the reverse proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected WebSocket peer subscribed to a single topic.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	topic  string
	logger *zap.Logger
}

func (c *Client) wants(topic string) bool { return c.topic == topic }

// Handler upgrades requests to WebSocket connections subscribed to
// ?setup=<key>, or to every run when the parameter is absent. The protocol
// is server-push only.
func Handler(hub *Hub, logger *zap.Logger) http.HandlerFunc {
	logger = logger.Named("events")
	return func(w http.ResponseWriter, r *http.Request) {
		topic := TopicRuns
		if key := r.URL.Query().Get("setup"); key != "" {
			topic = SetupTopic(key)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// the upgrader has already answered
			logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		c := &Client{
			hub:    hub,
			conn:   conn,
			send:   make(chan Message, sendBufferSize),
			topic:  topic,
			logger: logger.With(zap.String("remote_addr", r.RemoteAddr), zap.String("topic", topic)),
		}
		if !hub.subscribe(c) {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			conn.Close()
			return
		}
		go c.writePump()
		c.readPump()
	}
}

// readPump only watches for disconnection and pongs.
func (c *Client) readPump() {
	defer func() {
		c.hub.unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump is the only writer of conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}
