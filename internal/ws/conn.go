package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"graze/internal/model"
)

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionPing        = "ping"

	frameSubscribed   = "subscribed"
	frameUnsubscribed = "unsubscribed"
	frameData         = "data"
	framePong         = "pong"
	frameError        = "error"
	frameDisconnect   = "disconnect"

	writeTimeout   = 10 * time.Second
	maxMessageSize = 4 << 10
)

type clientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics,omitempty"`
}

type serverMessage struct {
	Type      string         `json:"type"`
	Topics    []string       `json:"topics,omitempty"`
	Topic     string         `json:"topic,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Message   string         `json:"message,omitempty"`
	Code      int            `json:"code,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// client wraps one WebSocket connection. Writes are serialized through
// writeMu; reads happen only on the connection's handler goroutine.
type client struct {
	conn        *websocket.Conn
	connectedAt time.Time
	limiter     *rate.Limiter

	writeMu sync.Mutex
	closed  bool
}

func (c *client) send(msg serverMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// disconnect notifies the peer with close code 1001, then closes.
func (c *client) disconnect(reason string) {
	_ = c.send(serverMessage{
		Type:   frameDisconnect,
		Code:   websocket.CloseGoingAway,
		Reason: reason,
	})
	c.writeMu.Lock()
	if !c.closed {
		c.closed = true
		deadline := time.Now().Add(writeTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, reason), deadline)
	}
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

func (c *client) close() {
	c.writeMu.Lock()
	c.closed = true
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handle upgrades the request and serves the subscription protocol
// until the peer disconnects. The caller resolves the principal.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request, user *model.User) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader already responded.
		h.logger.Warn("upgrade failed", "client", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &client{
		conn:        conn,
		connectedAt: h.now(),
		limiter:     rate.NewLimiter(h.cfg.SubscribeRate, h.cfg.SubscribeBurst),
	}
	h.register(c, user)
	h.logger.Debug("client connected", "uid", user.UID, "client", r.RemoteAddr)

	defer func() {
		h.unregister(c)
		c.close()
		h.logger.Debug("client disconnected", "uid", user.UID)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = c.send(serverMessage{Type: frameError, Message: "malformed message"})
			continue
		}

		switch msg.Action {
		case actionSubscribe:
			// One token for the request plus one per topic.
			if !c.limiter.AllowN(time.Now(), 1+len(msg.Topics)) {
				_ = c.send(serverMessage{Type: frameError, Message: "subscribe rate exceeded"})
				continue
			}
			accepted, denied := h.subscribe(r.Context(), c, msg.Topics)
			if len(denied) > 0 {
				_ = c.send(serverMessage{
					Type:    frameError,
					Message: fmt.Sprintf("Access denied: %v", denied),
				})
			}
			if len(accepted) > 0 {
				_ = c.send(serverMessage{Type: frameSubscribed, Topics: accepted})
			}

		case actionUnsubscribe:
			removed := h.unsubscribe(c, msg.Topics)
			_ = c.send(serverMessage{Type: frameUnsubscribed, Topics: removed})

		case actionPing:
			_ = c.send(serverMessage{
				Type:      framePong,
				Timestamp: h.now().UTC().Format(time.RFC3339),
			})

		default:
			_ = c.send(serverMessage{Type: frameError, Message: "unknown action: " + msg.Action})
		}
	}
}
