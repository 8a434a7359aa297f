package graph

import (
	"time"

	"github.com/lvdashuaibi/rsvpsync/internal/model"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func optionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// RSVPCountsResolver 比赛统计
type RSVPCountsResolver struct {
	c model.RSVPCounts
}

func (r *RSVPCountsResolver) Yes() int32   { return int32(r.c.Yes) }
func (r *RSVPCountsResolver) No() int32    { return int32(r.c.No) }
func (r *RSVPCountsResolver) Maybe() int32 { return int32(r.c.Maybe) }
func (r *RSVPCountsResolver) Total() int32 { return int32(r.c.Total()) }

// RSVPStatusResolver 球员回复
type RSVPStatusResolver struct {
	status *model.RSVPStatus
}

func (r *RSVPStatusResolver) MatchID() int32       { return int32(r.status.MatchID) }
func (r *RSVPStatusResolver) PlayerID() int32      { return int32(r.status.PlayerID) }
func (r *RSVPStatusResolver) Response() string     { return string(r.status.Response) }
func (r *RSVPStatusResolver) RespondedAt() *string { return optionalTime(r.status.RespondedAt) }
func (r *RSVPStatusResolver) Counts() *RSVPCountsResolver {
	return &RSVPCountsResolver{c: r.status.Counts}
}

// UpdateResultResolver RSVP更新结果
type UpdateResultResolver struct {
	res *model.UpdateResult
}

func (r *UpdateResultResolver) Success() bool   { return r.res.Success }
func (r *UpdateResultResolver) Message() string { return r.res.Message }

func (r *UpdateResultResolver) OldResponse() *string {
	if r.res.Event == nil {
		return nil
	}
	return optionalString(string(r.res.Event.OldResponse))
}

func (r *UpdateResultResolver) NewResponse() *string {
	if r.res.Event == nil {
		return nil
	}
	return optionalString(string(r.res.Event.NewResponse))
}

func (r *UpdateResultResolver) TraceID() *string {
	if r.res.Event == nil {
		return nil
	}
	return optionalString(r.res.Event.TraceID)
}

// BulkResultResolver 批量更新结果
type BulkResultResolver struct {
	res *model.BulkResult
}

func (r *BulkResultResolver) Total() int32     { return int32(r.res.Total) }
func (r *BulkResultResolver) Succeeded() int32 { return int32(r.res.Succeeded) }
func (r *BulkResultResolver) Failed() int32    { return int32(r.res.Failed) }

func (r *BulkResultResolver) Results() []*BulkItemResolver {
	out := make([]*BulkItemResolver, len(r.res.Results))
	for i := range r.res.Results {
		out[i] = &BulkItemResolver{item: r.res.Results[i]}
	}
	return out
}

type BulkItemResolver struct {
	item model.BulkItemResult
}

func (r *BulkItemResolver) Index() int32    { return int32(r.item.Index) }
func (r *BulkItemResolver) Success() bool   { return r.item.Success }
func (r *BulkItemResolver) Message() string { return r.item.Message }

// RSVPStateResolver 参与冲突解决的来源状态
type RSVPStateResolver struct {
	s model.RSVPState
}

func (r *RSVPStateResolver) Source() string      { return string(r.s.Source) }
func (r *RSVPStateResolver) Response() string    { return string(r.s.Response) }
func (r *RSVPStateResolver) Timestamp() string   { return formatTime(r.s.Timestamp) }
func (r *RSVPStateResolver) Confidence() float64 { return r.s.Confidence }
func (r *RSVPStateResolver) UserID() string      { return r.s.UserID }

// ConflictResolutionResolver 冲突解决结果
type ConflictResolutionResolver struct {
	res     *model.ConflictResolution
	applied bool
	skipped bool
}

func (r *ConflictResolutionResolver) ResolvedResponse() string { return string(r.res.ResolvedResponse) }
func (r *ConflictResolutionResolver) ChosenSource() string     { return string(r.res.ChosenSource) }
func (r *ConflictResolutionResolver) ResolutionStrategy() string {
	return string(r.res.ResolutionStrategy)
}
func (r *ConflictResolutionResolver) Confidence() float64      { return r.res.Confidence }
func (r *ConflictResolutionResolver) ResolutionReason() string { return r.res.ResolutionReason }
func (r *ConflictResolutionResolver) TraceID() string          { return r.res.TraceID }
func (r *ConflictResolutionResolver) Applied() bool            { return r.applied }
func (r *ConflictResolutionResolver) Skipped() bool            { return r.skipped }

func (r *ConflictResolutionResolver) ConflictingStates() []*RSVPStateResolver {
	out := make([]*RSVPStateResolver, len(r.res.ConflictingStates))
	for i := range r.res.ConflictingStates {
		out[i] = &RSVPStateResolver{s: r.res.ConflictingStates[i]}
	}
	return out
}

// ProcessStatsResolver 一轮直播调度统计
type ProcessStatsResolver struct {
	s model.ProcessStats
}

func (r *ProcessStatsResolver) TotalSessions() int32           { return int32(r.s.TotalSessions) }
func (r *ProcessStatsResolver) ScheduledTasks() int32          { return int32(r.s.ScheduledTasks) }
func (r *ProcessStatsResolver) BlockedByCircuitBreaker() int32 { return int32(r.s.BlockedByCircuitBreaker) }
func (r *ProcessStatsResolver) BlockedByBackpressure() int32   { return int32(r.s.BlockedByBackpressure) }
func (r *ProcessStatsResolver) FailedSubmissions() int32       { return int32(r.s.FailedSubmissions) }
func (r *ProcessStatsResolver) StaleSessions() int32           { return int32(r.s.StaleSessions) }
func (r *ProcessStatsResolver) CircuitBreakerState() string    { return string(r.s.CircuitBreakerState) }

func (r *ProcessStatsResolver) ProcessingTimeMs() float64 {
	return float64(r.s.ProcessingTime) / float64(time.Millisecond)
}

// LiveHealthResolver 直播调度健康状况
type LiveHealthResolver struct {
	h model.HealthReport
}

func (r *LiveHealthResolver) CircuitBreakerState() string   { return string(r.h.CircuitBreakerState) }
func (r *LiveHealthResolver) CircuitBreakerFailures() int32 { return int32(r.h.CircuitBreakerFailures) }
func (r *LiveHealthResolver) QueueSize() int32              { return int32(r.h.QueueSize) }
func (r *LiveHealthResolver) MaxQueueSize() int32           { return int32(r.h.MaxQueueSize) }
func (r *LiveHealthResolver) ActiveSessions() int32         { return int32(r.h.ActiveSessions) }
func (r *LiveHealthResolver) Timestamp() string             { return formatTime(r.h.Timestamp) }

// RealtimeHealthResolver 实时服务健康状况
type RealtimeHealthResolver struct {
	h model.RealtimeHealth
}

func (r *RealtimeHealthResolver) IsRunning() bool        { return r.h.IsRunning }
func (r *RealtimeHealthResolver) Health() string         { return r.h.Health }
func (r *RealtimeHealthResolver) LastHeartbeat() *string { return optionalTime(r.h.LastHeartbeat) }
func (r *RealtimeHealthResolver) Error() *string         { return optionalString(r.h.Error) }
func (r *RealtimeHealthResolver) Timestamp() string      { return formatTime(r.h.Timestamp) }

func (r *RealtimeHealthResolver) HeartbeatAgeSeconds() *int32 {
	if r.h.HeartbeatAgeSeconds == nil {
		return nil
	}
	age := int32(*r.h.HeartbeatAgeSeconds)
	return &age
}

// LiveSessionResolver 直播会话
type LiveSessionResolver struct {
	s model.LiveReportingSession
}

func (r *LiveSessionResolver) SessionID() int32    { return int32(r.s.ID) }
func (r *LiveSessionResolver) MatchID() string     { return r.s.MatchID }
func (r *LiveSessionResolver) ThreadID() string    { return r.s.ThreadID }
func (r *LiveSessionResolver) Competition() string { return r.s.Competition }
func (r *LiveSessionResolver) LastStatus() *string { return optionalString(r.s.LastStatus) }
func (r *LiveSessionResolver) LastUpdate() *string { return optionalTime(r.s.LastUpdate) }
func (r *LiveSessionResolver) UpdateCount() int32  { return int32(r.s.UpdateCount) }
func (r *LiveSessionResolver) ErrorCount() int32   { return int32(r.s.ErrorCount) }

// SessionsStatusResolver 协调状态
type SessionsStatusResolver struct {
	s model.SessionsStatus
}

func (r *SessionsStatusResolver) Timestamp() string          { return formatTime(r.s.Timestamp) }
func (r *SessionsStatusResolver) DatabaseSessions() int32    { return int32(r.s.DatabaseSessions) }
func (r *SessionsStatusResolver) CoordinationStatus() string { return r.s.CoordinationStatus }
func (r *SessionsStatusResolver) Error() *string             { return optionalString(r.s.Error) }

func (r *SessionsStatusResolver) Sessions() []*LiveSessionResolver {
	out := make([]*LiveSessionResolver, len(r.s.Sessions))
	for i := range r.s.Sessions {
		out[i] = &LiveSessionResolver{s: r.s.Sessions[i]}
	}
	return out
}

func (r *SessionsStatusResolver) RealtimeService() *RealtimeHealthResolver {
	if r.s.RealtimeService == nil {
		return nil
	}
	return &RealtimeHealthResolver{h: *r.s.RealtimeService}
}

// BridgeResultResolver 桥接操作结果
type BridgeResultResolver struct {
	res model.BridgeResult
}

func (r *BridgeResultResolver) Success() bool         { return r.res.Success }
func (r *BridgeResultResolver) Message() *string      { return optionalString(r.res.Message) }
func (r *BridgeResultResolver) Error() *string        { return optionalString(r.res.Error) }
func (r *BridgeResultResolver) Command() *string      { return optionalString(r.res.Command) }
func (r *BridgeResultResolver) SyncedSessions() int32 { return int32(r.res.SyncedSessions) }

func (r *BridgeResultResolver) SessionID() *int32 {
	if r.res.SessionID == 0 {
		return nil
	}
	id := int32(r.res.SessionID)
	return &id
}
