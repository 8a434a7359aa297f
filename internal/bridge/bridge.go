// Package bridge 通过Redis发布订阅和短期键与实时报道服务协调直播会话
package bridge

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/lvdashuaibi/rsvpsync/config"
	"github.com/lvdashuaibi/rsvpsync/internal/logging"
	"github.com/lvdashuaibi/rsvpsync/internal/metrics"
	"github.com/lvdashuaibi/rsvpsync/internal/model"
	"github.com/rs/zerolog"
)

const (
	keyPrefix    = "realtime_service:"
	StatusKey    = keyPrefix + "status"
	HeartbeatKey = keyPrefix + "heartbeat"

	StatusRunning = "running"
	StatusStopped = "stopped"

	newSessionTTL  = 300 * time.Second
	stopSessionTTL = 60 * time.Second
	commandTTL     = 30 * time.Second

	commandSource = "bridge_service"
)

// Store 桥接使用的Redis操作
type Store interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
}

// SessionLister 读取数据库中的活跃会话
type SessionLister interface {
	GetActiveSessions(ctx context.Context) ([]*model.LiveReportingSession, error)
}

type Bridge struct {
	store    Store
	sessions SessionLister
	cfg      config.RealtimeConfig
	now      func() time.Time
	log      zerolog.Logger

	mu sync.Mutex
	// lastBeat 本实例最后写入的心跳值
	lastBeat string
}

func New(store Store, sessions SessionLister, cfg config.RealtimeConfig) *Bridge {
	if cfg.NotificationChannel == "" {
		cfg.NotificationChannel = keyPrefix + "notifications"
	}
	if cfg.CommandChannel == "" {
		cfg.CommandChannel = keyPrefix + "commands"
	}
	if cfg.HealthyAge <= 0 {
		cfg.HealthyAge = 120 * time.Second
	}
	if cfg.DegradedAge <= 0 {
		cfg.DegradedAge = 300 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Bridge{
		store:    store,
		sessions: sessions,
		cfg:      cfg,
		now:      time.Now,
		log:      logging.Component("realtime_bridge"),
	}
}

func NewSessionKey(sessionID int64) string {
	return keyPrefix + "new_session:" + strconv.FormatInt(sessionID, 10)
}

func StopSessionKey(sessionID int64) string {
	return keyPrefix + "stop_session:" + strconv.FormatInt(sessionID, 10)
}

func CommandKey(command string) string {
	return keyPrefix + "command:" + command
}

func (b *Bridge) publish(ctx context.Context, action, channel string, payload []byte) error {
	err := b.store.Publish(ctx, channel, payload)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.BridgePublishes.WithLabelValues(action, result).Inc()
	return err
}

// notify 发布会话通知，并写入一个短期键供实时服务直接读取
func (b *Bridge) notify(ctx context.Context, n model.SessionNotification, key string, ttl time.Duration) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}
	if err := b.publish(ctx, n.Action, b.cfg.NotificationChannel, payload); err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	return b.store.SetEx(ctx, key, payload, ttl)
}

// NotifySessionStarted 通知实时服务有新的直播会话
func (b *Bridge) NotifySessionStarted(ctx context.Context, sessionID int64, matchID, threadID string) model.BridgeResult {
	n := model.SessionNotification{
		SessionID: sessionID,
		MatchID:   matchID,
		ThreadID:  threadID,
		Action:    model.ActionSessionStarted,
		Timestamp: b.now().UTC(),
	}
	if err := b.notify(ctx, n, NewSessionKey(sessionID), newSessionTTL); err != nil {
		b.log.Error().Err(err).Int64("session_id", sessionID).Msg("通知实时服务新会话失败")
		return model.BridgeResult{Success: false, Error: err.Error(), SessionID: sessionID}
	}

	b.log.Info().Int64("session_id", sessionID).Str("match_id", matchID).Msg("已通知实时服务新会话")
	return model.BridgeResult{Success: true, Message: "Real-time service notified", SessionID: sessionID}
}

// NotifySessionStopped 通知实时服务会话已停止
func (b *Bridge) NotifySessionStopped(ctx context.Context, sessionID int64, matchID, reason string) model.BridgeResult {
	n := model.SessionNotification{
		SessionID: sessionID,
		MatchID:   matchID,
		Reason:    reason,
		Action:    model.ActionSessionStopped,
		Timestamp: b.now().UTC(),
	}
	if err := b.notify(ctx, n, StopSessionKey(sessionID), stopSessionTTL); err != nil {
		b.log.Error().Err(err).Int64("session_id", sessionID).Msg("通知实时服务停止会话失败")
		return model.BridgeResult{Success: false, Error: err.Error(), SessionID: sessionID}
	}

	b.log.Info().Int64("session_id", sessionID).Str("reason", reason).Msg("已通知实时服务停止会话")
	return model.BridgeResult{Success: true, Message: "Real-time service notified of stop", SessionID: sessionID}
}

// CheckRealtimeServiceHealth 根据状态键和心跳时间判断实时服务健康状况
func (b *Bridge) CheckRealtimeServiceHealth(ctx context.Context) model.RealtimeHealth {
	now := b.now().UTC()

	status, _, err := b.store.Get(ctx, StatusKey)
	if err != nil {
		return b.healthError(now, err)
	}
	heartbeat, found, err := b.store.Get(ctx, HeartbeatKey)
	if err != nil {
		return b.healthError(now, err)
	}

	h := model.RealtimeHealth{IsRunning: status == StatusRunning, Timestamp: now}

	var age time.Duration
	hasAge := false
	if found {
		if last, ok := parseHeartbeat(heartbeat); ok {
			h.LastHeartbeat = &last
			age = now.Sub(last)
			// 时钟偏差导致的未来心跳按刚刚收到处理
			if age < 0 {
				age = 0
			}
			secs := int64(age / time.Second)
			h.HeartbeatAgeSeconds = &secs
			hasAge = true
		} else {
			b.log.Warn().Str("heartbeat", heartbeat).Msg("无法解析实时服务心跳")
		}
	}

	switch {
	case h.IsRunning && hasAge && age < b.cfg.HealthyAge:
		h.Health = model.HealthHealthy
	case h.IsRunning && hasAge && age < b.cfg.DegradedAge:
		h.Health = model.HealthDegraded
	case h.IsRunning:
		h.Health = model.HealthUnknown
	default:
		h.Health = model.HealthOffline
	}
	return h
}

func (b *Bridge) healthError(now time.Time, err error) model.RealtimeHealth {
	b.log.Error().Err(err).Msg("检查实时服务健康状况失败")
	return model.RealtimeHealth{IsRunning: false, Health: model.HealthError, Error: err.Error(), Timestamp: now}
}

// parseHeartbeat 接受RFC3339，以及不带时区的ISO时间（按UTC处理）
func parseHeartbeat(raw string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", raw); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

// GetActiveSessionsStatus 数据库会话与实时服务的协调状态
func (b *Bridge) GetActiveSessionsStatus(ctx context.Context) model.SessionsStatus {
	now := b.now().UTC()

	sessions, err := b.sessions.GetActiveSessions(ctx)
	if err != nil {
		b.log.Error().Err(err).Msg("读取活跃会话状态失败")
		return model.SessionsStatus{Timestamp: now, CoordinationStatus: "error", Error: err.Error()}
	}

	st := model.SessionsStatus{
		Timestamp:        now,
		DatabaseSessions: len(sessions),
		Sessions:         make([]model.LiveReportingSession, 0, len(sessions)),
	}
	for _, s := range sessions {
		st.Sessions = append(st.Sessions, *s)
	}

	health := b.CheckRealtimeServiceHealth(ctx)
	st.RealtimeService = &health
	st.CoordinationStatus = "degraded"
	if health.Health == model.HealthHealthy {
		st.CoordinationStatus = "healthy"
	}
	return st
}

func (b *Bridge) syncNotification(s *model.LiveReportingSession) model.SessionNotification {
	return model.SessionNotification{
		SessionID:   s.ID,
		MatchID:     s.MatchID,
		ThreadID:    s.ThreadID,
		Competition: s.Competition,
		Action:      model.ActionForceSync,
		Timestamp:   b.now().UTC(),
	}
}

// SyncSession 让实时服务重新同步一个会话
func (b *Bridge) SyncSession(ctx context.Context, s *model.LiveReportingSession) model.BridgeResult {
	n := b.syncNotification(s)
	if err := b.notify(ctx, n, "", 0); err != nil {
		b.log.Error().Err(err).Int64("session_id", s.ID).Msg("同步会话失败")
		return model.BridgeResult{Success: false, Error: err.Error(), SessionID: s.ID}
	}
	return model.BridgeResult{Success: true, SessionID: s.ID, SyncedSessions: 1, Notifications: []model.SessionNotification{n}}
}

// ForceSessionSync 为每个活跃会话发布force_sync，用于修复两边状态不一致
func (b *Bridge) ForceSessionSync(ctx context.Context) model.BridgeResult {
	sessions, err := b.sessions.GetActiveSessions(ctx)
	if err != nil {
		b.log.Error().Err(err).Msg("强制同步时读取活跃会话失败")
		return model.BridgeResult{Success: false, Error: err.Error()}
	}

	notifications := make([]model.SessionNotification, 0, len(sessions))
	for _, s := range sessions {
		n := b.syncNotification(s)
		if err := b.notify(ctx, n, "", 0); err != nil {
			b.log.Error().Err(err).Int64("session_id", s.ID).Msg("强制同步会话失败")
			return model.BridgeResult{
				Success:        false,
				Error:          err.Error(),
				SyncedSessions: len(notifications),
				Notifications:  notifications,
			}
		}
		notifications = append(notifications, n)
	}

	b.log.Info().Int("sessions", len(notifications)).Msg("已强制同步活跃会话")
	return model.BridgeResult{
		Success:        true,
		Message:        fmt.Sprintf("Synced %d sessions", len(notifications)),
		SyncedSessions: len(notifications),
		Notifications:  notifications,
	}
}

// SendRealtimeCommand 向实时服务发送命令，例如refresh_sessions、health_check、status_report
func (b *Bridge) SendRealtimeCommand(ctx context.Context, command string, params map[string]string) model.BridgeResult {
	if params == nil {
		params = map[string]string{}
	}
	cmd := model.RealtimeCommand{
		Command:   command,
		Params:    params,
		Timestamp: b.now().UTC(),
		Source:    commandSource,
	}

	err := func() error {
		payload, err := json.Marshal(cmd)
		if err != nil {
			return fmt.Errorf("序列化命令失败: %w", err)
		}
		if err := b.publish(ctx, "command", b.cfg.CommandChannel, payload); err != nil {
			return err
		}
		return b.store.SetEx(ctx, CommandKey(command), payload, commandTTL)
	}()
	if err != nil {
		b.log.Error().Err(err).Str("command", command).Msg("发送实时服务命令失败")
		return model.BridgeResult{Success: false, Command: command, Error: err.Error()}
	}

	b.log.Info().Str("command", command).Msg("已发送实时服务命令")
	return model.BridgeResult{Success: true, Command: command, Message: "Command sent to real-time service"}
}

// WriteHeartbeat 标记实时服务在运行并写入心跳，键在几个心跳周期后自然过期
func (b *Bridge) WriteHeartbeat(ctx context.Context) error {
	ttl := b.cfg.DegradedAge + b.cfg.HeartbeatInterval
	now := b.now().UTC().Format(time.RFC3339Nano)

	if err := b.store.SetEx(ctx, StatusKey, []byte(StatusRunning), ttl); err != nil {
		b.log.Warn().Err(err).Msg("写入实时服务状态失败")
		return err
	}
	if err := b.store.SetEx(ctx, HeartbeatKey, []byte(now), ttl); err != nil {
		b.log.Warn().Err(err).Msg("写入实时服务心跳失败")
		return err
	}
	b.mu.Lock()
	b.lastBeat = now
	b.mu.Unlock()
	return nil
}

// MarkStopped 进程退出时标记实时服务已停止
// 只有存储中的心跳仍是本实例写入的才标记，其他实例在写心跳时交给键过期
func (b *Bridge) MarkStopped(ctx context.Context) error {
	b.mu.Lock()
	last := b.lastBeat
	b.mu.Unlock()
	if last == "" {
		return nil
	}

	current, found, err := b.store.Get(ctx, HeartbeatKey)
	if err != nil {
		return err
	}
	if found && current != last {
		b.log.Info().Str("heartbeat", current).Msg("其他实例仍在写心跳，不标记停止")
		return nil
	}
	return b.store.SetEx(ctx, StatusKey, []byte(StatusStopped), b.cfg.DegradedAge)
}
