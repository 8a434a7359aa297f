package websocket

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/lvdashuaibi/rsvpsync/internal/logging"
)

// RoomChannel 跨实例房间广播的Redis频道
const RoomChannel = "rsvpsync:websocket:rooms"

type relayEnvelope struct {
	Rooms []string        `json:"rooms"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Relay 通过Redis发布订阅把房间事件送到每个实例的hub
// 发布方自己的hub也经订阅收到，不在本地重复推送
type Relay struct {
	client  *redis.Client
	hub     *Hub
	channel string
	timeout time.Duration
}

func NewRelay(client *redis.Client, hub *Hub) *Relay {
	return &Relay{client: client, hub: hub, channel: RoomChannel, timeout: 3 * time.Second}
}

// EmitToRooms 发布到所有实例
func (r *Relay) EmitToRooms(rooms []string, event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("序列化房间事件失败: %w", err)
	}
	payload, err := json.Marshal(relayEnvelope{Rooms: rooms, Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("序列化房间事件失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("发布房间事件失败: %w", err)
	}
	return nil
}

// EmitToMatch 发布到比赛的两种房间
func (r *Relay) EmitToMatch(matchID int64, event string, data interface{}) error {
	return r.EmitToRooms([]string{MatchRoom(matchID), LegacyMatchRoom(matchID)}, event, data)
}

// Run 订阅频道并转发给本地hub，ctx取消时返回
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("订阅房间频道失败: %w", err)
	}
	logging.Info().Str("channel", r.channel).Msg("已订阅跨实例房间频道")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-messages:
			if !ok {
				return nil
			}
			r.deliver(m.Payload)
		}
	}
}

func (r *Relay) deliver(payload string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		logging.Warn().Err(err).Msg("解析房间事件失败")
		return
	}
	if err := r.hub.EmitToRooms(env.Rooms, env.Event, env.Data); err != nil {
		logging.Warn().Err(err).Str("event", env.Event).Msg("转发房间事件失败")
	}
}
