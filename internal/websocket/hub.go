// Package websocket 按比赛房间推送RSVP变化
package websocket

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/lvdashuaibi/rsvpsync/internal/logging"
	"github.com/lvdashuaibi/rsvpsync/internal/metrics"
)

// 事件类型
const (
	EventRSVPUpdate   = "rsvp_update"
	EventRSVPSummary  = "rsvp_summary"
	EventJoinMatch    = "join_match_rsvp"
	EventLeaveMatch   = "leave_match_rsvp"
	EventJoinedMatch  = "joined_match_rsvp"
	EventLeftMatch    = "left_match_rsvp"
	EventError        = "error"
	EventPing         = "ping"
	EventPong         = "pong"
	broadcastCapacity = 256
)

// ErrHubBusy 广播缓冲区已满
var ErrHubBusy = errors.New("websocket广播缓冲区已满")

type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type roomMessage struct {
	rooms []string
	msg   Message
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	rooms      map[string]map[*Client]bool
	broadcast  chan roomMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan roomMessage, broadcastCapacity),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// MatchRoom 比赛房间名
func MatchRoom(matchID int64) string {
	return "match_" + strconv.FormatInt(matchID, 10)
}

// LegacyMatchRoom 旧客户端使用的房间名
func LegacyMatchRoom(matchID int64) string {
	return "match" + strconv.FormatInt(matchID, 10)
}

// Run 处理连接注册和广播，ctx取消时关闭所有连接
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			n := h.ClientCount()
			h.closeAll()
			logging.Info().Str("component", "websocket-hub").Int("clients_closed", n).Msg("websocket hub已停止")
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			metrics.WebSocketConnections.Inc()
			logging.Debug().Uint64("client", c.id).Msg("websocket客户端已连接")

		case c := <-h.unregister:
			h.remove(c)

		case m := <-h.broadcast:
			h.deliver(m)
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	close(c.send)
	metrics.WebSocketConnections.Dec()
	logging.Debug().Uint64("client", c.id).Msg("websocket客户端已断开")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		metrics.WebSocketConnections.Dec()
	}
	h.clients = make(map[*Client]bool)
	h.rooms = make(map[string]map[*Client]bool)
}

// deliver 同一客户端在多个目标房间里只收到一次
func (h *Hub) deliver(m roomMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]bool)
	for _, room := range m.rooms {
		for c := range h.rooms[room] {
			if seen[c] {
				continue
			}
			seen[c] = true
			select {
			case c.send <- m.msg:
			default:
				logging.Warn().Uint64("client", c.id).Str("event", m.msg.Type).Msg("websocket客户端发送缓冲已满，丢弃消息")
			}
		}
	}
	metrics.WebSocketMessages.WithLabelValues(m.msg.Type).Add(float64(len(seen)))
}

// EmitToRooms 把事件推送给若干房间，不阻塞
func (h *Hub) EmitToRooms(rooms []string, event string, data interface{}) error {
	select {
	case h.broadcast <- roomMessage{rooms: rooms, msg: Message{Type: event, Data: data}}:
		return nil
	default:
		return ErrHubBusy
	}
}

// EmitToMatch 推送到比赛的两种房间
func (h *Hub) EmitToMatch(matchID int64, event string, data interface{}) error {
	return h.EmitToRooms([]string{MatchRoom(matchID), LegacyMatchRoom(matchID)}, event, data)
}

func (h *Hub) join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[room] = members
	}
	members[c] = true
	c.rooms[room] = true
}

func (h *Hub) leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize 房间内的连接数
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
