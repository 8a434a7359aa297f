package model

import (
	"time"
)

// RSVPResponse 球员对比赛的出勤回复
type RSVPResponse string

const (
	ResponseYes        RSVPResponse = "yes"
	ResponseNo         RSVPResponse = "no"
	ResponseMaybe      RSVPResponse = "maybe"
	ResponseNoResponse RSVPResponse = "no_response" // 不落库，用记录不存在表示
)

// Valid 是否为允许写入的回复（包括撤回）
func (r RSVPResponse) Valid() bool {
	switch r {
	case ResponseYes, ResponseNo, ResponseMaybe, ResponseNoResponse:
		return true
	}
	return false
}

// Stored 是否为会持久化的回复
func (r RSVPResponse) Stored() bool {
	return r == ResponseYes || r == ResponseNo || r == ResponseMaybe
}

// RSVPSource 回复来源
type RSVPSource string

const (
	SourceSystem  RSVPSource = "system"
	SourceWeb     RSVPSource = "web"
	SourceDiscord RSVPSource = "discord"
	SourceMobile  RSVPSource = "mobile"
)

// ParseSource 解析来源字符串，未知来源返回false
func ParseSource(s string) (RSVPSource, bool) {
	switch RSVPSource(s) {
	case SourceSystem, SourceWeb, SourceDiscord, SourceMobile:
		return RSVPSource(s), true
	}
	return "", false
}

// Player 球员
type Player struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	DiscordID     string `json:"discordId,omitempty"`
	PrimaryTeamID *int64 `json:"primaryTeamId,omitempty"`
}

// Match 比赛
type Match struct {
	ID         int64     `json:"id"`
	Date       time.Time `json:"date"`
	HomeTeamID int64     `json:"homeTeamId"`
	AwayTeamID int64     `json:"awayTeamId"`
}

// Availability 出勤记录，(match_id, player_id) 唯一
type Availability struct {
	ID          int64        `json:"id"`
	MatchID     int64        `json:"matchId"`
	PlayerID    int64        `json:"playerId"`
	DiscordID   string       `json:"discordId,omitempty"`
	Response    RSVPResponse `json:"response"`
	RespondedAt time.Time    `json:"respondedAt"`
	Notes       string       `json:"notes,omitempty"`
	OperationID string       `json:"operationId,omitempty"`
	TraceID     string       `json:"traceId,omitempty"`
}

// RSVPCounts 比赛出勤统计
type RSVPCounts struct {
	Yes   int `json:"yes"`
	No    int `json:"no"`
	Maybe int `json:"maybe"`
}

// Total 已回复总数
func (c RSVPCounts) Total() int {
	return c.Yes + c.No + c.Maybe
}

// RSVPState 冲突解决时某个来源给出的状态，不单独持久化
type RSVPState struct {
	Source     RSVPSource   `json:"source"`
	Response   RSVPResponse `json:"response"`
	Timestamp  time.Time    `json:"timestamp"`
	Confidence float64      `json:"confidence"`
	UserID     string       `json:"userId"`
	MatchID    int64        `json:"matchId"`
}

// ResolutionStrategy 冲突解决策略
type ResolutionStrategy string

const (
	StrategyLastWriteWins          ResolutionStrategy = "last_write_wins"
	StrategySourceHierarchy        ResolutionStrategy = "source_hierarchy"
	StrategyUserIntentPreservation ResolutionStrategy = "user_intent_preservation"
)

// ConflictResolution 冲突解决结果，仅用于审计日志和驱动apply
type ConflictResolution struct {
	ResolvedResponse   RSVPResponse       `json:"resolvedResponse"`
	ChosenSource       RSVPSource         `json:"chosenSource"`
	ResolutionStrategy ResolutionStrategy `json:"resolutionStrategy"`
	Confidence         float64            `json:"confidence"`
	ConflictingStates  []RSVPState        `json:"conflictingStates"`
	ResolutionReason   string             `json:"resolutionReason"`
	TraceID            string             `json:"traceId"`
}

// ConflictMetadata 冲突解决写回时附带的审计信息
type ConflictMetadata struct {
	Strategy   ResolutionStrategy `json:"resolutionStrategy"`
	Confidence float64            `json:"confidence"`
	Reason     string             `json:"resolutionReason"`
}

// UpdateRequest RSVP更新请求
type UpdateRequest struct {
	MatchID     int64
	PlayerID    int64
	Response    RSVPResponse
	Source      RSVPSource
	OperationID string
	TraceID     string
	Conflict    *ConflictMetadata
}

// UpdateResult RSVP更新结果
type UpdateResult struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Event   *RSVPEvent `json:"event,omitempty"`
}

// RSVPEventType 事件类型
type RSVPEventType string

const (
	EventRSVPUpdated RSVPEventType = "rsvp_updated"
)

// RSVPEvent Kafka中的RSVP变更事件
type RSVPEvent struct {
	EventID     string            `json:"eventId"`
	Type        RSVPEventType     `json:"type"`
	MatchID     int64             `json:"matchId"`
	PlayerID    int64             `json:"playerId"`
	DiscordID   string            `json:"discordId,omitempty"`
	PlayerName  string            `json:"playerName,omitempty"`
	TeamID      *int64            `json:"teamId,omitempty"`
	OldResponse RSVPResponse      `json:"oldResponse"`
	NewResponse RSVPResponse      `json:"newResponse"`
	Source      RSVPSource        `json:"source"`
	TraceID     string            `json:"traceId"`
	OperationID string            `json:"operationId"`
	Conflict    *ConflictMetadata `json:"conflict,omitempty"`
	OccurredAt  time.Time         `json:"occurredAt"`
}

// RoutingKey Kafka分区键，同一场比赛的事件进入同一分区
func (e *RSVPEvent) RoutingKey() string {
	return "match:" + itoa(e.MatchID)
}

// RSVPUpdatePayload WebSocket rsvp_update 事件
type RSVPUpdatePayload struct {
	MatchID      int64        `json:"match_id"`
	PlayerID     int64        `json:"player_id"`
	Availability RSVPResponse `json:"availability"`
	Timestamp    time.Time    `json:"timestamp"`
	PlayerName   string       `json:"player_name,omitempty"`
	TeamID       *int64       `json:"team_id,omitempty"`
	Source       RSVPSource   `json:"source"`
}

// RSVPSummaryPayload WebSocket rsvp_summary 事件
type RSVPSummaryPayload struct {
	MatchID        int64      `json:"match_id"`
	HomeTeamID     int64      `json:"home_team_id"`
	AwayTeamID     int64      `json:"away_team_id"`
	RSVPCounts     RSVPCounts `json:"rsvp_counts"`
	TotalResponses int        `json:"total_responses"`
	Timestamp      time.Time  `json:"timestamp"`
}

// RSVPStatus 球员在某场比赛的回复和比赛统计
type RSVPStatus struct {
	MatchID     int64        `json:"matchId"`
	PlayerID    int64        `json:"playerId"`
	Response    RSVPResponse `json:"response"`
	RespondedAt *time.Time   `json:"respondedAt,omitempty"`
	Counts      RSVPCounts   `json:"counts"`
}

// BulkItemResult 批量更新中单条请求的结果
type BulkItemResult struct {
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// BulkResult 批量更新结果
type BulkResult struct {
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Results   []BulkItemResult `json:"results"`
}
