// Package resolver 在停机之后合并Discord、数据库和移动端三方的RSVP状态
package resolver

import (
	"context"
	"time"

	"github.com/lvdashuaibi/rsvpsync/internal/logging"
	"github.com/lvdashuaibi/rsvpsync/internal/metrics"
	"github.com/lvdashuaibi/rsvpsync/internal/model"
)

// 各来源状态的置信度
const (
	DatabaseConfidence = 0.8
	DiscordConfidence  = 0.9
	MobileConfidence   = 0.9
)

// DefaultDowntimeWindow 默认停机窗口
const DefaultDowntimeWindow = time.Hour

// authority 来源权威度，越大越可信
var authority = map[model.RSVPSource]int{
	model.SourceSystem:  1,
	model.SourceWeb:     2,
	model.SourceDiscord: 3,
	model.SourceMobile:  4,
}

// Authority 来源的权威度，未知来源为0
func Authority(s model.RSVPSource) int {
	return authority[s]
}

// AvailabilityReader 读取数据库中的出勤记录
type AvailabilityReader interface {
	GetAvailabilityByDiscordID(ctx context.Context, matchID int64, discordID string) (*model.Availability, error)
}

// SourceStateReader 读取各来源最近一次看到的回复
type SourceStateReader interface {
	GetSourceState(ctx context.Context, source model.RSVPSource, matchID int64, discordID string) (*model.RSVPState, error)
}

// PlayerLookup 按Discord ID查找球员
type PlayerLookup interface {
	GetPlayerByDiscordID(ctx context.Context, discordID string) (*model.Player, error)
}

// Updater 正常的RSVP更新路径
type Updater interface {
	UpdateRSVP(ctx context.Context, req model.UpdateRequest) (*model.UpdateResult, error)
}

type Resolver struct {
	window  time.Duration
	db      AvailabilityReader
	states  SourceStateReader
	players PlayerLookup
	updater Updater
}

func New(window time.Duration, db AvailabilityReader, states SourceStateReader, players PlayerLookup, updater Updater) *Resolver {
	if window <= 0 {
		window = DefaultDowntimeWindow
	}
	return &Resolver{
		window:  window,
		db:      db,
		states:  states,
		players: players,
		updater: updater,
	}
}

// Window 停机窗口长度
func (r *Resolver) Window() time.Duration {
	return r.window
}

// Resolve 合并三方状态，nil表示该来源没有状态
// 纯函数，不读写任何外部系统
func (r *Resolver) Resolve(discord, database, mobile *model.RSVPState, downtimeStart time.Time, traceID string) *model.ConflictResolution {
	var states []model.RSVPState
	for _, s := range []*model.RSVPState{discord, database, mobile} {
		if s != nil {
			states = append(states, *s)
		}
	}

	res := r.resolve(states, downtimeStart, traceID)
	metrics.ConflictResolutions.WithLabelValues(string(res.ResolutionStrategy), string(res.ChosenSource)).Inc()
	return res
}

func (r *Resolver) resolve(states []model.RSVPState, downtimeStart time.Time, traceID string) *model.ConflictResolution {
	if len(states) == 0 {
		return &model.ConflictResolution{
			ResolvedResponse:   model.ResponseNoResponse,
			ChosenSource:       model.SourceSystem,
			ResolutionStrategy: model.StrategyUserIntentPreservation,
			Confidence:         1.0,
			ConflictingStates:  []model.RSVPState{},
			ResolutionReason:   "No RSVP state found",
			TraceID:            traceID,
		}
	}
	if len(states) == 1 || allAgree(states) {
		return &model.ConflictResolution{
			ResolvedResponse:   states[0].Response,
			ChosenSource:       states[0].Source,
			ResolutionStrategy: model.StrategyUserIntentPreservation,
			Confidence:         1.0,
			ConflictingStates:  states[:1],
			ResolutionReason:   "Single source of truth",
			TraceID:            traceID,
		}
	}

	log := logging.Component("resolver").With().Str("trace_id", traceID).Logger()
	log.Warn().Interface("states", states).Msg("检测到RSVP冲突")

	// 窗口左闭右开
	downtimeEnd := downtimeStart.Add(r.window)
	var changed []model.RSVPState
	for _, s := range states {
		if !s.Timestamp.Before(downtimeStart) && s.Timestamp.Before(downtimeEnd) {
			changed = append(changed, s)
		}
	}

	res := &model.ConflictResolution{ConflictingStates: states, TraceID: traceID}
	var winner model.RSVPState
	switch {
	case len(changed) == 1:
		winner = changed[0]
		res.ResolutionStrategy = model.StrategyLastWriteWins
		res.Confidence = 0.95
		res.ResolutionReason = "Only " + string(winner.Source) + " changed during downtime"
	case len(changed) > 1:
		winner = mostAuthoritative(changed)
		res.ResolutionStrategy = model.StrategySourceHierarchy
		res.Confidence = 0.85
		res.ResolutionReason = string(winner.Source) + " has highest authority among downtime changes"
	default:
		winner = mostAuthoritative(states)
		res.ResolutionStrategy = model.StrategySourceHierarchy
		res.Confidence = 0.70
		res.ResolutionReason = string(winner.Source) + " is most authoritative source"
	}
	res.ResolvedResponse = winner.Response
	res.ChosenSource = winner.Source

	log.Info().Str("source", string(res.ChosenSource)).Str("response", string(res.ResolvedResponse)).
		Str("reason", res.ResolutionReason).Msg("RSVP冲突已解决")
	return res
}

func allAgree(states []model.RSVPState) bool {
	for _, s := range states[1:] {
		if s.Response != states[0].Response {
			return false
		}
	}
	return true
}

// mostAuthoritative 权威度相同时保留靠前的状态
func mostAuthoritative(states []model.RSVPState) model.RSVPState {
	best := states[0]
	for _, s := range states[1:] {
		if Authority(s.Source) > Authority(best.Source) {
			best = s
		}
	}
	return best
}

// GetDatabaseState 数据库中的当前回复，按系统来源对待
func (r *Resolver) GetDatabaseState(ctx context.Context, matchID int64, discordID string) *model.RSVPState {
	if r.db == nil {
		return nil
	}
	a, err := r.db.GetAvailabilityByDiscordID(ctx, matchID, discordID)
	if err != nil {
		logging.Error().Err(err).Int64("match_id", matchID).Str("discord_id", discordID).Msg("读取数据库RSVP状态失败")
		return nil
	}
	if a == nil {
		return nil
	}
	return &model.RSVPState{
		Source:     model.SourceSystem,
		Response:   a.Response,
		Timestamp:  a.RespondedAt,
		Confidence: DatabaseConfidence,
		UserID:     discordID,
		MatchID:    matchID,
	}
}

// GetDiscordState Discord反应最近一次同步到的回复
func (r *Resolver) GetDiscordState(ctx context.Context, matchID int64, discordID string) *model.RSVPState {
	return r.sourceState(ctx, model.SourceDiscord, DiscordConfidence, matchID, discordID)
}

// GetMobileState 移动端最近一次提交的回复
func (r *Resolver) GetMobileState(ctx context.Context, matchID int64, discordID string) *model.RSVPState {
	return r.sourceState(ctx, model.SourceMobile, MobileConfidence, matchID, discordID)
}

func (r *Resolver) sourceState(ctx context.Context, source model.RSVPSource, confidence float64, matchID int64, discordID string) *model.RSVPState {
	if r.states == nil {
		return nil
	}
	s, err := r.states.GetSourceState(ctx, source, matchID, discordID)
	if err != nil {
		logging.Error().Err(err).Str("source", string(source)).Int64("match_id", matchID).Msg("读取来源RSVP状态失败")
		return nil
	}
	if s == nil {
		return nil
	}
	s.Confidence = confidence
	return s
}

// ConflictOperationID 冲突写回使用的操作ID，同一trace只会写一次
func ConflictOperationID(traceID string) string {
	return "conflict_resolution_" + traceID
}

// ApplyResolution 通过正常的RSVP更新路径写回结果，扇出也由该路径完成
func (r *Resolver) ApplyResolution(ctx context.Context, res *model.ConflictResolution, matchID int64, discordID string) bool {
	log := logging.Component("resolver").With().Str("trace_id", res.TraceID).Int64("match_id", matchID).Logger()

	player, err := r.players.GetPlayerByDiscordID(ctx, discordID)
	if err != nil {
		log.Error().Err(err).Str("discord_id", discordID).Msg("找不到冲突对应的球员")
		return false
	}

	result, err := r.updater.UpdateRSVP(ctx, model.UpdateRequest{
		MatchID:     matchID,
		PlayerID:    player.ID,
		Response:    res.ResolvedResponse,
		Source:      res.ChosenSource,
		OperationID: ConflictOperationID(res.TraceID),
		TraceID:     res.TraceID,
		Conflict: &model.ConflictMetadata{
			Strategy:   res.ResolutionStrategy,
			Confidence: res.Confidence,
			Reason:     res.ResolutionReason,
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("写回冲突解决结果失败")
		return false
	}
	if !result.Success {
		log.Error().Str("message", result.Message).Msg("写回冲突解决结果失败")
		return false
	}

	log.Info().Str("source", string(res.ChosenSource)).Str("response", string(res.ResolvedResponse)).Msg("冲突解决结果已写回")
	return true
}

// ReconcileResult 一次完整对账的结果
type ReconcileResult struct {
	Resolution *model.ConflictResolution `json:"resolution"`
	Applied    bool                      `json:"applied"`
	Skipped    bool                      `json:"skipped"` // 结果与数据库一致，无需写回
}

// Reconcile 收集三方状态、解决冲突，结果与数据库不同时写回
func (r *Resolver) Reconcile(ctx context.Context, matchID int64, discordID string, downtimeStart time.Time, traceID string) *ReconcileResult {
	dbState := r.GetDatabaseState(ctx, matchID, discordID)
	res := r.Resolve(
		r.GetDiscordState(ctx, matchID, discordID),
		dbState,
		r.GetMobileState(ctx, matchID, discordID),
		downtimeStart,
		traceID,
	)

	current := model.ResponseNoResponse
	if dbState != nil {
		current = dbState.Response
	}
	if res.ResolvedResponse == current {
		return &ReconcileResult{Resolution: res, Skipped: true}
	}
	return &ReconcileResult{Resolution: res, Applied: r.ApplyResolution(ctx, res, matchID, discordID)}
}
