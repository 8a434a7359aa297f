package websocket

import (
	"net/http"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/lvdashuaibi/rsvpsync/config"
	"github.com/lvdashuaibi/rsvpsync/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024
)

var clientIDCounter atomic.Uint64

type Client struct {
	id           uint64
	hub          *Hub
	conn         *websocket.Conn
	send         chan Message
	rooms        map[string]bool // 由hub.mu保护
	pingInterval time.Duration
}

// inbound 客户端发来的消息
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type matchRequest struct {
	MatchID int64 `json:"match_id"`
}

type roomAck struct {
	MatchID int64  `json:"match_id"`
	Room    string `json:"room"`
}

// Handler 升级HTTP连接并注册到hub
type Handler struct {
	hub          *Hub
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

func NewHandler(hub *Hub, cfg config.WebSocketConfig) *Handler {
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}

	ping := cfg.PingInterval
	if ping <= 0 || ping >= pongWait {
		ping = (pongWait * 9) / 10
	}

	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBuffer,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
		pingInterval: ping,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket升级失败")
		return
	}

	c := &Client{
		id:           clientIDCounter.Add(1),
		hub:          h.hub,
		conn:         conn,
		send:         make(chan Message, 64),
		rooms:        make(map[string]bool),
		pingInterval: h.pingInterval,
	}
	select {
	case h.hub.register <- c:
	case <-h.hub.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Uint64("client", c.id).Msg("websocket异常关闭")
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.sendTo(c, Message{Type: EventError, Data: "无法解析的消息"})
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg inbound) {
	switch msg.Type {
	case EventPing:
		c.hub.sendTo(c, Message{Type: EventPong})

	case EventJoinMatch, EventLeaveMatch:
		var req matchRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.MatchID <= 0 {
			c.hub.sendTo(c, Message{Type: EventError, Data: "缺少match_id"})
			return
		}
		room := MatchRoom(req.MatchID)
		if msg.Type == EventJoinMatch {
			c.hub.join(c, room)
			c.hub.sendTo(c, Message{Type: EventJoinedMatch, Data: roomAck{MatchID: req.MatchID, Room: room}})
		} else {
			c.hub.leave(c, room)
			c.hub.sendTo(c, Message{Type: EventLeftMatch, Data: roomAck{MatchID: req.MatchID, Room: room}})
		}

	default:
		logging.Debug().Str("type", msg.Type).Uint64("client", c.id).Msg("忽略未知的websocket消息")
	}
}

// sendTo 客户端已注销时丢弃
func (h *Hub) sendTo(c *Client, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(msg)
			if err != nil {
				logging.Error().Err(err).Str("event", msg.Type).Msg("序列化websocket消息失败")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
