package livereporting

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/rsvpsync/config"
	"github.com/lvdashuaibi/rsvpsync/internal/logging"
	"github.com/lvdashuaibi/rsvpsync/internal/metrics"
	"github.com/lvdashuaibi/rsvpsync/internal/model"
	"github.com/rs/zerolog"
)

const (
	// TaskProcessMatch 直播处理任务名
	TaskProcessMatch = "process_match"
	// StaleReason 过期会话的停用原因
	StaleReason = "Session stale - no updates in 2 hours"
)

// SessionStore 直播会话存储
type SessionStore interface {
	GetActiveSessions(ctx context.Context) ([]*model.LiveReportingSession, error)
	DeactivateSession(ctx context.Context, sessionID int64, reason string) error
}

// TaskSubmitter 任务队列的提交端
type TaskSubmitter interface {
	QueueLength(ctx context.Context, queue string) (int64, error)
	PushTask(ctx context.Context, queue string, task *model.MatchTask) error
}

// ManagerSettings 调度参数
type ManagerSettings struct {
	Queue        string
	MaxQueueSize int64
	StaleAfter   time.Duration
	Retry        model.RetryPolicy
}

// DefaultManagerSettings 默认调度参数
func DefaultManagerSettings() ManagerSettings {
	return ManagerSettings{
		Queue:        "live_reporting",
		MaxQueueSize: 100,
		StaleAfter:   2 * time.Hour,
		Retry: model.RetryPolicy{
			MaxRetries:    3,
			IntervalStart: 2 * time.Second,
			IntervalStep:  2 * time.Second,
			IntervalMax:   30 * time.Second,
		},
	}
}

// ManagerSettingsFromConfig 从配置构建调度参数，零值使用默认
func ManagerSettingsFromConfig(cb config.CircuitBreakerConfig, lr config.LiveReportingConfig) ManagerSettings {
	s := DefaultManagerSettings()
	if lr.Queue != "" {
		s.Queue = lr.Queue
	}
	if cb.MaxQueueSize > 0 {
		s.MaxQueueSize = cb.MaxQueueSize
	}
	if lr.StaleAfter > 0 {
		s.StaleAfter = lr.StaleAfter
	}
	if lr.Retry.MaxRetries > 0 {
		s.Retry = model.RetryPolicy{
			MaxRetries:    lr.Retry.MaxRetries,
			IntervalStart: lr.Retry.IntervalStart,
			IntervalStep:  lr.Retry.IntervalStep,
			IntervalMax:   lr.Retry.IntervalMax,
		}
	}
	return s
}

// outcome 单个会话的调度结果
type outcome int

const (
	outcomeScheduled outcome = iota
	outcomeBlockedByBreaker
	outcomeBlockedByBackpressure
	outcomeSubmitFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeScheduled:
		return "scheduled"
	case outcomeBlockedByBreaker:
		return "blocked_breaker"
	case outcomeBlockedByBackpressure:
		return "blocked_backpressure"
	default:
		return "failed"
	}
}

// Manager 带熔断和背压保护的直播调度
type Manager struct {
	breaker  *CircuitBreaker
	sessions SessionStore
	tasks    TaskSubmitter
	settings ManagerSettings
	now      func() time.Time
	log      zerolog.Logger
}

func NewManager(breaker *CircuitBreaker, sessions SessionStore, tasks TaskSubmitter, settings ManagerSettings) *Manager {
	return &Manager{
		breaker:  breaker,
		sessions: sessions,
		tasks:    tasks,
		settings: settings,
		now:      time.Now,
		log:      logging.Component("live_reporting"),
	}
}

// Breaker 调度使用的熔断器
func (m *Manager) Breaker() *CircuitBreaker {
	return m.breaker
}

// QueueSize 直播队列当前长度，读取失败按0处理
func (m *Manager) QueueSize(ctx context.Context) int64 {
	n, err := m.tasks.QueueLength(ctx, m.settings.Queue)
	if err != nil {
		m.log.Warn().Err(err).Msg("读取队列长度失败")
		return 0
	}
	metrics.QueueDepth.Set(float64(n))
	return n
}

// CheckBackpressure 队列是否已满
func (m *Manager) CheckBackpressure(ctx context.Context) bool {
	size := m.QueueSize(ctx)
	if size >= m.settings.MaxQueueSize {
		m.log.Warn().Int64("queue_size", size).Int64("max_queue_size", m.settings.MaxQueueSize).Msg("触发背压保护")
		return true
	}
	return false
}

// ScheduleMatchProcessing 为一个会话提交处理任务，被保护机制拦截时返回false
// 提交成功即记为熔断器的一次成功，与任务最终是否执行成功无关
func (m *Manager) ScheduleMatchProcessing(ctx context.Context, session *model.LiveReportingSession) bool {
	return m.schedule(ctx, session) == outcomeScheduled
}

func (m *Manager) schedule(ctx context.Context, session *model.LiveReportingSession) outcome {
	log := m.log.With().Str("match_id", session.MatchID).Int64("session_id", session.ID).Logger()

	if !m.breaker.CanExecute(ctx) {
		log.Info().Msg("熔断器拦截比赛处理")
		return outcomeBlockedByBreaker
	}
	if m.CheckBackpressure(ctx) {
		log.Warn().Msg("背压拦截比赛处理")
		return outcomeBlockedByBackpressure
	}

	task := &model.MatchTask{
		ID:         uuid.NewString(),
		Name:       TaskProcessMatch,
		MatchID:    session.MatchID,
		SessionID:  session.ID,
		Queue:      m.settings.Queue,
		Retry:      m.settings.Retry,
		EnqueuedAt: m.now().UTC(),
	}
	if err := m.tasks.PushTask(ctx, m.settings.Queue, task); err != nil {
		log.Error().Err(err).Msg("提交比赛处理任务失败")
		m.breaker.RecordFailure(ctx)
		return outcomeSubmitFailed
	}

	log.Info().Str("task_id", task.ID).Msg("已提交比赛处理任务")
	m.breaker.RecordSuccess(ctx)
	return outcomeScheduled
}

// ProcessActiveSessions 处理所有活跃会话，返回本轮统计
func (m *Manager) ProcessActiveSessions(ctx context.Context) (stats model.ProcessStats) {
	start := m.now()
	defer func() {
		stats.ProcessingTime = m.now().Sub(start)
		stats.CircuitBreakerState = m.breaker.State()
	}()

	sessions, err := m.sessions.GetActiveSessions(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("读取活跃直播会话失败")
		m.breaker.RecordFailure(ctx)
		return stats
	}
	stats.TotalSessions = len(sessions)
	if len(sessions) == 0 {
		m.log.Info().Msg("没有活跃的直播会话")
		return stats
	}

	m.log.Info().Int("sessions", len(sessions)).Msg("开始处理活跃直播会话")
	for _, session := range sessions {
		if ctx.Err() != nil {
			break
		}

		if session.IsStale(m.now(), m.settings.StaleAfter) {
			m.log.Warn().Str("match_id", session.MatchID).Msg("停用过期的直播会话")
			if err := m.sessions.DeactivateSession(ctx, session.ID, StaleReason); err != nil {
				m.log.Error().Err(err).Int64("session_id", session.ID).Msg("停用直播会话失败")
			}
			stats.StaleSessions++
			metrics.ScheduleOutcomes.WithLabelValues("stale").Inc()
			continue
		}

		o := m.schedule(ctx, session)
		metrics.ScheduleOutcomes.WithLabelValues(o.String()).Inc()
		switch o {
		case outcomeScheduled:
			stats.ScheduledTasks++
		case outcomeBlockedByBreaker:
			stats.BlockedByCircuitBreaker++
		case outcomeBlockedByBackpressure:
			stats.BlockedByBackpressure++
		case outcomeSubmitFailed:
			stats.FailedSubmissions++
		}
	}
	return stats
}

// HealthCheck 调度健康状况
func (m *Manager) HealthCheck(ctx context.Context) model.HealthReport {
	m.breaker.Refresh(ctx)
	snap := m.breaker.Snapshot()

	active := 0
	if sessions, err := m.sessions.GetActiveSessions(ctx); err != nil {
		m.log.Warn().Err(err).Msg("读取活跃直播会话失败")
	} else {
		active = len(sessions)
	}

	return model.HealthReport{
		CircuitBreakerState:    snap.State,
		CircuitBreakerFailures: snap.FailureCount,
		QueueSize:              m.QueueSize(ctx),
		MaxQueueSize:           m.settings.MaxQueueSize,
		ActiveSessions:         active,
		Timestamp:              m.now().UTC(),
	}
}
