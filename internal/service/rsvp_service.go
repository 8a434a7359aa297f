package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/rsvpsync/internal/fanout"
	"github.com/lvdashuaibi/rsvpsync/internal/logging"
	"github.com/lvdashuaibi/rsvpsync/internal/metrics"
	"github.com/lvdashuaibi/rsvpsync/internal/model"
	"github.com/lvdashuaibi/rsvpsync/internal/repository"
	"github.com/rs/zerolog"
)

const (
	// OperationTTL 幂等记录保留时间
	OperationTTL = 24 * time.Hour
	// BulkBatchSize 批量更新每批的大小
	BulkBatchSize = 50
)

// RSVPStore 出勤记录存储
type RSVPStore interface {
	GetPlayer(ctx context.Context, playerID int64) (*model.Player, error)
	GetMatch(ctx context.Context, matchID int64) (*model.Match, error)
	GetAvailability(ctx context.Context, matchID, playerID int64) (*model.Availability, error)
	ApplyRSVP(ctx context.Context, w repository.RSVPWrite) (model.RSVPResponse, bool, error)
	GetRSVPCounts(ctx context.Context, matchID int64) (model.RSVPCounts, error)
	DetermineTeamID(ctx context.Context, player *model.Player, match *model.Match) *int64
}

// RSVPCache 幂等记录和各来源的最近状态
type RSVPCache interface {
	GetOperationResult(ctx context.Context, operationID string) (*model.UpdateResult, bool, error)
	SetOperationResult(ctx context.Context, operationID string, result *model.UpdateResult, ttl time.Duration) error
	SetSourceState(ctx context.Context, state *model.RSVPState, ttl time.Duration) error
}

// EventPublisher 发布RSVP事件
type EventPublisher interface {
	SendRSVPEvent(ctx context.Context, event *model.RSVPEvent) error
}

// EventNotifier 直接扇出RSVP事件
type EventNotifier interface {
	Notify(ctx context.Context, event *model.RSVPEvent) fanout.Result
	Handle(ctx context.Context, event *model.RSVPEvent) error
}

type RSVPService struct {
	store          RSVPStore
	cache          RSVPCache
	producer       EventPublisher
	notifier       EventNotifier
	sourceStateTTL time.Duration
	now            func() time.Time
}

func NewRSVPService(store RSVPStore, cache RSVPCache, producer EventPublisher, notifier EventNotifier, sourceStateTTL time.Duration) *RSVPService {
	return &RSVPService{
		store:          store,
		cache:          cache,
		producer:       producer,
		notifier:       notifier,
		sourceStateTTL: sourceStateTTL,
		now:            time.Now,
	}
}

func failed(msg string) *model.UpdateResult {
	return &model.UpdateResult{Success: false, Message: msg}
}

// UpdateRSVP 更新球员对比赛的出勤回复
// 同一operation_id重复提交时直接返回第一次的结果
func (s *RSVPService) UpdateRSVP(ctx context.Context, req model.UpdateRequest) (*model.UpdateResult, error) {
	if !req.Response.Valid() {
		metrics.RSVPUpdates.WithLabelValues(string(req.Source), "rejected").Inc()
		return failed("无效的回复: " + string(req.Response)), fmt.Errorf("%q: %w", req.Response, model.ErrInvalidResponse)
	}
	if _, ok := model.ParseSource(string(req.Source)); !ok {
		metrics.RSVPUpdates.WithLabelValues("unknown", "rejected").Inc()
		return failed("无效的来源: " + string(req.Source)), fmt.Errorf("%q: %w", req.Source, model.ErrInvalidSource)
	}
	if req.OperationID == "" {
		req.OperationID = uuid.NewString()
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}

	log := logging.Component("rsvp").With().
		Int64("match_id", req.MatchID).Int64("player_id", req.PlayerID).
		Str("source", string(req.Source)).Str("operation_id", req.OperationID).Str("trace_id", req.TraceID).
		Logger()

	// 幂等检查
	if prev, found, err := s.cache.GetOperationResult(ctx, req.OperationID); err != nil {
		log.Warn().Err(err).Msg("读取幂等记录失败，继续处理")
	} else if found {
		metrics.RSVPUpdates.WithLabelValues(string(req.Source), "duplicate").Inc()
		log.Info().Msg("重复的RSVP操作，返回已有结果")
		return prev, nil
	}

	match, err := s.store.GetMatch(ctx, req.MatchID)
	if err != nil {
		return s.reject(req, log, err)
	}
	player, err := s.store.GetPlayer(ctx, req.PlayerID)
	if err != nil {
		return s.reject(req, log, err)
	}
	if req.Source == model.SourceDiscord && player.DiscordID == "" {
		return s.reject(req, log, fmt.Errorf("球员 %d: %w", player.ID, model.ErrMissingDiscordID))
	}

	at := s.now().UTC()
	old, changed, err := s.store.ApplyRSVP(ctx, repository.RSVPWrite{
		MatchID:     req.MatchID,
		Player:      player,
		Response:    req.Response,
		OperationID: req.OperationID,
		TraceID:     req.TraceID,
		At:          at,
	})
	if err != nil {
		metrics.RSVPUpdates.WithLabelValues(string(req.Source), "error").Inc()
		log.Error().Err(err).Msg("写入RSVP失败")
		return failed("RSVP更新失败"), err
	}

	s.recordSourceState(ctx, req, player, at)

	if !changed {
		result := &model.UpdateResult{Success: true, Message: "No change required"}
		metrics.RSVPUpdates.WithLabelValues(string(req.Source), "unchanged").Inc()
		s.remember(ctx, req.OperationID, result)
		return result, nil
	}

	event := &model.RSVPEvent{
		EventID:     uuid.NewString(),
		Type:        model.EventRSVPUpdated,
		MatchID:     req.MatchID,
		PlayerID:    player.ID,
		DiscordID:   player.DiscordID,
		PlayerName:  player.Name,
		TeamID:      s.store.DetermineTeamID(ctx, player, match),
		OldResponse: old,
		NewResponse: req.Response,
		Source:      req.Source,
		TraceID:     req.TraceID,
		OperationID: req.OperationID,
		Conflict:    req.Conflict,
		OccurredAt:  at,
	}
	s.publish(ctx, event)

	result := &model.UpdateResult{Success: true, Message: "RSVP updated", Event: event}
	metrics.RSVPUpdates.WithLabelValues(string(req.Source), "changed").Inc()
	s.remember(ctx, req.OperationID, result)
	log.Info().Str("old", string(old)).Str("new", string(req.Response)).Msg("RSVP已更新")
	return result, nil
}

// reject 数据完整性问题，返回明确的失败结果
func (s *RSVPService) reject(req model.UpdateRequest, log zerolog.Logger, err error) (*model.UpdateResult, error) {
	metrics.RSVPUpdates.WithLabelValues(string(req.Source), "rejected").Inc()
	log.Warn().Err(err).Msg("拒绝RSVP更新")

	msg := "RSVP更新失败"
	switch {
	case errors.Is(err, model.ErrMatchNotFound):
		msg = "比赛不存在"
	case errors.Is(err, model.ErrPlayerNotFound):
		msg = "球员不存在"
	case errors.Is(err, model.ErrMissingDiscordID):
		msg = "球员没有关联Discord账号"
	}
	return failed(msg), err
}

// recordSourceState 记录该来源最近看到的回复，供冲突解决读取
func (s *RSVPService) recordSourceState(ctx context.Context, req model.UpdateRequest, player *model.Player, at time.Time) {
	if player.DiscordID == "" {
		return
	}
	state := &model.RSVPState{
		Source:    req.Source,
		Response:  req.Response,
		Timestamp: at,
		UserID:    player.DiscordID,
		MatchID:   req.MatchID,
	}
	if err := s.cache.SetSourceState(ctx, state, s.sourceStateTTL); err != nil {
		logging.Warn().Err(err).Str("trace_id", req.TraceID).Msg("记录来源状态失败")
	}
}

func (s *RSVPService) remember(ctx context.Context, operationID string, result *model.UpdateResult) {
	if err := s.cache.SetOperationResult(ctx, operationID, result, OperationTTL); err != nil {
		logging.Warn().Err(err).Str("operation_id", operationID).Msg("保存幂等记录失败")
	}
}

// publish 发送到Kafka；发送失败时直接扇出
func (s *RSVPService) publish(ctx context.Context, event *model.RSVPEvent) {
	if s.producer != nil {
		err := s.producer.SendRSVPEvent(ctx, event)
		if err == nil {
			return
		}
		metrics.FanoutFailures.WithLabelValues("kafka").Inc()
		logging.Warn().Err(err).Str("trace_id", event.TraceID).Msg("发送RSVP事件到Kafka失败，直接扇出")
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, event)
	}
}

// GetRSVPStatus 查询球员的回复和比赛统计
func (s *RSVPService) GetRSVPStatus(ctx context.Context, matchID, playerID int64) (*model.RSVPStatus, error) {
	a, err := s.store.GetAvailability(ctx, matchID, playerID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.GetRSVPCounts(ctx, matchID)
	if err != nil {
		return nil, err
	}

	status := &model.RSVPStatus{
		MatchID:  matchID,
		PlayerID: playerID,
		Response: model.ResponseNoResponse,
		Counts:   counts,
	}
	if a != nil {
		status.Response = a.Response
		respondedAt := a.RespondedAt
		status.RespondedAt = &respondedAt
	}
	return status, nil
}

// BulkUpdateRSVPs 分批执行多条更新，单条失败不影响其他
func (s *RSVPService) BulkUpdateRSVPs(ctx context.Context, reqs []model.UpdateRequest) *model.BulkResult {
	result := &model.BulkResult{Total: len(reqs), Results: make([]model.BulkItemResult, 0, len(reqs))}

	for start := 0; start < len(reqs); start += BulkBatchSize {
		end := start + BulkBatchSize
		if end > len(reqs) {
			end = len(reqs)
		}

		for i := start; i < end; i++ {
			if ctx.Err() != nil {
				result.Results = append(result.Results, model.BulkItemResult{Index: i, Message: ctx.Err().Error()})
				result.Failed++
				continue
			}

			res, err := s.UpdateRSVP(ctx, reqs[i])
			item := model.BulkItemResult{Index: i}
			switch {
			case err != nil:
				item.Message = err.Error()
			case res != nil:
				item.Success = res.Success
				item.Message = res.Message
			}
			if item.Success {
				result.Succeeded++
			} else {
				result.Failed++
			}
			result.Results = append(result.Results, item)
		}

		logging.Debug().Int("batch_start", start).Int("batch_end", end).Int("total", len(reqs)).Msg("批量RSVP更新完成一批")
	}
	return result
}

// ProcessRSVPEvent 处理Kafka中的RSVP事件（消费者使用）
func (s *RSVPService) ProcessRSVPEvent(ctx context.Context, event *model.RSVPEvent) error {
	if s.notifier == nil {
		return nil
	}
	return s.notifier.Handle(ctx, event)
}
