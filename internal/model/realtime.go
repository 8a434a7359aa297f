package model

import (
	"time"
)

// 实时服务通知动作
const (
	ActionSessionStarted = "session_started"
	ActionSessionStopped = "session_stopped"
	ActionForceSync      = "force_sync"
)

// 实时服务健康状态
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthUnknown  = "unknown"
	HealthOffline  = "offline"
	HealthError    = "error"
)

// SessionNotification 发布到实时服务通知频道的消息
type SessionNotification struct {
	SessionID   int64     `json:"session_id"`
	MatchID     string    `json:"match_id"`
	ThreadID    string    `json:"thread_id,omitempty"`
	Competition string    `json:"competition,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Action      string    `json:"action"`
	Timestamp   time.Time `json:"timestamp"`
}

// RealtimeCommand 发布到实时服务命令频道的消息
type RealtimeCommand struct {
	Command   string            `json:"command"`
	Params    map[string]string `json:"params"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
}

// BridgeResult 桥接操作结果，错误不向上抛出
type BridgeResult struct {
	Success        bool                  `json:"success"`
	Message        string                `json:"message,omitempty"`
	Error          string                `json:"error,omitempty"`
	SessionID      int64                 `json:"session_id,omitempty"`
	Command        string                `json:"command,omitempty"`
	SyncedSessions int                   `json:"synced_sessions,omitempty"`
	Notifications  []SessionNotification `json:"notifications,omitempty"`
}

// RealtimeHealth 实时服务健康检查结果
type RealtimeHealth struct {
	IsRunning           bool       `json:"is_running"`
	Health              string     `json:"health"`
	LastHeartbeat       *time.Time `json:"last_heartbeat,omitempty"`
	HeartbeatAgeSeconds *int64     `json:"heartbeat_age_seconds,omitempty"`
	Error               string     `json:"error,omitempty"`
	Timestamp           time.Time  `json:"timestamp"`
}

// SessionsStatus 数据库会话与实时服务的协调状态
type SessionsStatus struct {
	Timestamp          time.Time              `json:"timestamp"`
	DatabaseSessions   int                    `json:"database_sessions"`
	Sessions           []LiveReportingSession `json:"sessions,omitempty"`
	RealtimeService    *RealtimeHealth        `json:"realtime_service,omitempty"`
	CoordinationStatus string                 `json:"coordination_status"`
	Error              string                 `json:"error,omitempty"`
}
