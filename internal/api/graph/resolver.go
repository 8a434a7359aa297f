package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/rsvpsync/internal/logging"
	"github.com/lvdashuaibi/rsvpsync/internal/model"
	rsvpresolver "github.com/lvdashuaibi/rsvpsync/internal/resolver"
)

// RSVPService RSVP更新入口
type RSVPService interface {
	UpdateRSVP(ctx context.Context, req model.UpdateRequest) (*model.UpdateResult, error)
	BulkUpdateRSVPs(ctx context.Context, reqs []model.UpdateRequest) *model.BulkResult
	GetRSVPStatus(ctx context.Context, matchID, playerID int64) (*model.RSVPStatus, error)
}

// ConflictResolver 冲突解决
type ConflictResolver interface {
	Resolve(discord, database, mobile *model.RSVPState, downtimeStart time.Time, traceID string) *model.ConflictResolution
	ApplyResolution(ctx context.Context, res *model.ConflictResolution, matchID int64, discordID string) bool
	Reconcile(ctx context.Context, matchID int64, discordID string, downtimeStart time.Time, traceID string) *rsvpresolver.ReconcileResult
}

// LiveReporting 直播调度
type LiveReporting interface {
	ProcessActiveSessions(ctx context.Context) model.ProcessStats
	HealthCheck(ctx context.Context) model.HealthReport
}

// RealtimeBridge 实时服务桥接
type RealtimeBridge interface {
	NotifySessionStarted(ctx context.Context, sessionID int64, matchID, threadID string) model.BridgeResult
	NotifySessionStopped(ctx context.Context, sessionID int64, matchID, reason string) model.BridgeResult
	CheckRealtimeServiceHealth(ctx context.Context) model.RealtimeHealth
	GetActiveSessionsStatus(ctx context.Context) model.SessionsStatus
	ForceSessionSync(ctx context.Context) model.BridgeResult
	SendRealtimeCommand(ctx context.Context, command string, params map[string]string) model.BridgeResult
}

// Resolver GraphQL根解析器
type Resolver struct {
	rsvp     RSVPService
	conflict ConflictResolver
	live     LiveReporting
	bridge   RealtimeBridge
}

func NewResolver(rsvp RSVPService, conflict ConflictResolver, live LiveReporting, bridge RealtimeBridge) *Resolver {
	return &Resolver{rsvp: rsvp, conflict: conflict, live: live, bridge: bridge}
}

// ---------- 输入类型 ----------

type RSVPInput struct {
	MatchID     int32
	PlayerID    int32
	Response    string
	Source      string
	OperationID *string
	TraceID     *string
}

func (in RSVPInput) request() model.UpdateRequest {
	return model.UpdateRequest{
		MatchID:     int64(in.MatchID),
		PlayerID:    int64(in.PlayerID),
		Response:    model.RSVPResponse(in.Response),
		Source:      model.RSVPSource(in.Source),
		OperationID: deref(in.OperationID),
		TraceID:     deref(in.TraceID),
	}
}

type StateInput struct {
	Source    string
	Response  string
	Timestamp string
	UserID    *string
}

type ConflictInput struct {
	Discord       *StateInput
	Database      *StateInput
	Mobile        *StateInput
	DowntimeStart string
	TraceID       *string
	MatchID       *int32
	DiscordID     *string
	Apply         *bool
}

type CommandParam struct {
	Key   string
	Value string
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseTime(field, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("解析%s失败: %w", field, err)
	}
	return t, nil
}

func (in *StateInput) state(matchID int64) (*model.RSVPState, error) {
	if in == nil {
		return nil, nil
	}
	source, ok := model.ParseSource(in.Source)
	if !ok {
		return nil, fmt.Errorf("未知的RSVP来源: %q", in.Source)
	}
	response := model.RSVPResponse(in.Response)
	if !response.Valid() {
		return nil, fmt.Errorf("无效的RSVP回复: %q", in.Response)
	}
	ts, err := parseTime("timestamp", in.Timestamp)
	if err != nil {
		return nil, err
	}
	return &model.RSVPState{
		Source:    source,
		Response:  response,
		Timestamp: ts,
		UserID:    deref(in.UserID),
		MatchID:   matchID,
	}, nil
}

func traceIDOrNew(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return uuid.NewString()
}

// ---------- Query ----------

// RSVPStatus 球员的回复和比赛统计
func (r *Resolver) RSVPStatus(ctx context.Context, args struct{ MatchID, PlayerID int32 }) (*RSVPStatusResolver, error) {
	status, err := r.rsvp.GetRSVPStatus(ctx, int64(args.MatchID), int64(args.PlayerID))
	if err != nil {
		return nil, err
	}
	return &RSVPStatusResolver{status: status}, nil
}

func (r *Resolver) LiveReportingHealth(ctx context.Context) *LiveHealthResolver {
	return &LiveHealthResolver{h: r.live.HealthCheck(ctx)}
}

func (r *Resolver) RealtimeHealth(ctx context.Context) *RealtimeHealthResolver {
	return &RealtimeHealthResolver{h: r.bridge.CheckRealtimeServiceHealth(ctx)}
}

func (r *Resolver) ActiveSessionsStatus(ctx context.Context) *SessionsStatusResolver {
	return &SessionsStatusResolver{s: r.bridge.GetActiveSessionsStatus(ctx)}
}

// ---------- Mutation ----------

// UpdateRSVP 校验失败和写入失败都以success=false返回，不作为GraphQL错误
func (r *Resolver) UpdateRSVP(ctx context.Context, args struct{ Input RSVPInput }) *UpdateResultResolver {
	req := args.Input.request()
	res, err := r.rsvp.UpdateRSVP(ctx, req)
	if res == nil {
		msg := "RSVP更新失败"
		if err != nil {
			msg = fmt.Sprintf("RSVP更新失败: %v", err)
		}
		res = &model.UpdateResult{Success: false, Message: msg}
	}
	if err != nil {
		logging.Warn().Err(err).Int64("match_id", req.MatchID).Int64("player_id", req.PlayerID).Msg("GraphQL RSVP更新失败")
	}
	return &UpdateResultResolver{res: res}
}

func (r *Resolver) BulkUpdateRSVPs(ctx context.Context, args struct{ Inputs []RSVPInput }) *BulkResultResolver {
	reqs := make([]model.UpdateRequest, 0, len(args.Inputs))
	for _, in := range args.Inputs {
		reqs = append(reqs, in.request())
	}
	return &BulkResultResolver{res: r.rsvp.BulkUpdateRSVPs(ctx, reqs)}
}

func (r *Resolver) ResolveRSVPConflict(ctx context.Context, args struct{ Input ConflictInput }) (*ConflictResolutionResolver, error) {
	in := args.Input
	downtimeStart, err := parseTime("downtimeStart", in.DowntimeStart)
	if err != nil {
		return nil, err
	}

	var matchID int64
	if in.MatchID != nil {
		matchID = int64(*in.MatchID)
	}
	discord, err := in.Discord.state(matchID)
	if err != nil {
		return nil, err
	}
	database, err := in.Database.state(matchID)
	if err != nil {
		return nil, err
	}
	mobile, err := in.Mobile.state(matchID)
	if err != nil {
		return nil, err
	}

	res := r.conflict.Resolve(discord, database, mobile, downtimeStart, traceIDOrNew(in.TraceID))
	out := &ConflictResolutionResolver{res: res}

	if in.Apply != nil && *in.Apply {
		if in.MatchID == nil || deref(in.DiscordID) == "" {
			return nil, fmt.Errorf("写回冲突结果需要matchId和discordId")
		}
		out.applied = r.conflict.ApplyResolution(ctx, res, matchID, *in.DiscordID)
	}
	return out, nil
}

func (r *Resolver) ReconcileRSVP(ctx context.Context, args struct {
	MatchID       int32
	DiscordID     string
	DowntimeStart string
	TraceID       *string
}) (*ConflictResolutionResolver, error) {
	downtimeStart, err := parseTime("downtimeStart", args.DowntimeStart)
	if err != nil {
		return nil, err
	}
	rec := r.conflict.Reconcile(ctx, int64(args.MatchID), args.DiscordID, downtimeStart, traceIDOrNew(args.TraceID))
	return &ConflictResolutionResolver{res: rec.Resolution, applied: rec.Applied, skipped: rec.Skipped}, nil
}

func (r *Resolver) ProcessActiveSessions(ctx context.Context) *ProcessStatsResolver {
	return &ProcessStatsResolver{s: r.live.ProcessActiveSessions(ctx)}
}

func (r *Resolver) NotifySessionStarted(ctx context.Context, args struct {
	SessionID int32
	MatchID   string
	ThreadID  string
}) *BridgeResultResolver {
	return &BridgeResultResolver{res: r.bridge.NotifySessionStarted(ctx, int64(args.SessionID), args.MatchID, args.ThreadID)}
}

func (r *Resolver) NotifySessionStopped(ctx context.Context, args struct {
	SessionID int32
	MatchID   string
	Reason    string
}) *BridgeResultResolver {
	return &BridgeResultResolver{res: r.bridge.NotifySessionStopped(ctx, int64(args.SessionID), args.MatchID, args.Reason)}
}

func (r *Resolver) ForceSessionSync(ctx context.Context) *BridgeResultResolver {
	return &BridgeResultResolver{res: r.bridge.ForceSessionSync(ctx)}
}

func (r *Resolver) SendRealtimeCommand(ctx context.Context, args struct {
	Command string
	Params  *[]CommandParam
}) *BridgeResultResolver {
	params := map[string]string{}
	if args.Params != nil {
		for _, p := range *args.Params {
			params[p.Key] = p.Value
		}
	}
	return &BridgeResultResolver{res: r.bridge.SendRealtimeCommand(ctx, args.Command, params)}
}
