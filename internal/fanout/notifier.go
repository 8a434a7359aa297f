// Package fanout 把RSVP变化推送到Discord嵌入消息和WebSocket房间
package fanout

import (
	"context"
	"time"

	"github.com/lvdashuaibi/rsvpsync/internal/discord"
	"github.com/lvdashuaibi/rsvpsync/internal/logging"
	"github.com/lvdashuaibi/rsvpsync/internal/metrics"
	"github.com/lvdashuaibi/rsvpsync/internal/model"
	"github.com/lvdashuaibi/rsvpsync/internal/websocket"
)

// EmbedUpdater 刷新Discord嵌入消息
type EmbedUpdater interface {
	UpdateRSVPEmbed(ctx context.Context, matchID int64) discord.EmbedResult
}

// RoomEmitter 向比赛房间推送事件
type RoomEmitter interface {
	EmitToMatch(matchID int64, event string, data interface{}) error
}

// MatchSummaryReader 读取比赛和出勤统计
type MatchSummaryReader interface {
	GetMatch(ctx context.Context, matchID int64) (*model.Match, error)
	GetRSVPCounts(ctx context.Context, matchID int64) (model.RSVPCounts, error)
}

// Result 各通道的投递结果，互不影响
type Result struct {
	Discord   bool     `json:"discord"`
	WebSocket bool     `json:"websocket"`
	Errors    []string `json:"errors,omitempty"`
}

type Notifier struct {
	discord EmbedUpdater
	rooms   RoomEmitter
	summary MatchSummaryReader
	now     func() time.Time
}

func NewNotifier(d EmbedUpdater, rooms RoomEmitter, summary MatchSummaryReader) *Notifier {
	return &Notifier{discord: d, rooms: rooms, summary: summary, now: time.Now}
}

// Notify 投递一次RSVP变化；任一通道失败都不影响另一个
func (n *Notifier) Notify(ctx context.Context, ev *model.RSVPEvent) Result {
	var res Result

	if n.discord != nil {
		embed := n.discord.UpdateRSVPEmbed(ctx, ev.MatchID)
		res.Discord = embed.Success
		if !embed.Success {
			res.Errors = append(res.Errors, "discord: "+embed.Error)
			metrics.FanoutFailures.WithLabelValues("discord").Inc()
		}
	}

	if n.rooms != nil {
		if err := n.emitWebSocket(ctx, ev); err != nil {
			res.Errors = append(res.Errors, "websocket: "+err.Error())
			metrics.FanoutFailures.WithLabelValues("websocket").Inc()
			logging.Warn().Err(err).Int64("match_id", ev.MatchID).Str("trace_id", ev.TraceID).Msg("WebSocket推送RSVP变化失败")
		} else {
			res.WebSocket = true
		}
	}

	return res
}

// Handle 作为Kafka消费者的处理函数，两个通道都失败时返回错误
func (n *Notifier) Handle(ctx context.Context, ev *model.RSVPEvent) error {
	res := n.Notify(ctx, ev)
	if !res.Discord && !res.WebSocket && len(res.Errors) > 0 {
		return &DeliveryError{MatchID: ev.MatchID, Errors: res.Errors}
	}
	return nil
}

func (n *Notifier) emitWebSocket(ctx context.Context, ev *model.RSVPEvent) error {
	update := model.RSVPUpdatePayload{
		MatchID:      ev.MatchID,
		PlayerID:     ev.PlayerID,
		Availability: ev.NewResponse,
		Timestamp:    ev.OccurredAt,
		PlayerName:   ev.PlayerName,
		TeamID:       ev.TeamID,
		Source:       ev.Source,
	}
	if err := n.rooms.EmitToMatch(ev.MatchID, websocket.EventRSVPUpdate, update); err != nil {
		return err
	}

	if n.summary == nil {
		return nil
	}
	match, err := n.summary.GetMatch(ctx, ev.MatchID)
	if err != nil {
		return err
	}
	counts, err := n.summary.GetRSVPCounts(ctx, ev.MatchID)
	if err != nil {
		return err
	}
	return n.rooms.EmitToMatch(ev.MatchID, websocket.EventRSVPSummary, model.RSVPSummaryPayload{
		MatchID:        match.ID,
		HomeTeamID:     match.HomeTeamID,
		AwayTeamID:     match.AwayTeamID,
		RSVPCounts:     counts,
		TotalResponses: counts.Total(),
		Timestamp:      n.now().UTC(),
	})
}
