package model

import (
	"time"
)

// LiveReportingSession 正在直播报道的比赛会话，生命周期由外部管理
type LiveReportingSession struct {
	ID                 int64      `json:"id"`
	MatchID            string     `json:"matchId"`
	ThreadID           string     `json:"threadId"`
	Competition        string     `json:"competition"`
	IsActive           bool       `json:"isActive"`
	LastStatus         string     `json:"lastStatus,omitempty"`
	LastUpdate         *time.Time `json:"lastUpdate,omitempty"`
	UpdateCount        int        `json:"updateCount"`
	ErrorCount         int        `json:"errorCount"`
	DeactivationReason string     `json:"deactivationReason,omitempty"`
}

// IsStale 会话在staleAfter时间内没有任何更新；从未更新过的会话不算过期
func (s *LiveReportingSession) IsStale(now time.Time, staleAfter time.Duration) bool {
	if s.LastUpdate == nil {
		return false
	}
	return now.Sub(*s.LastUpdate) > staleAfter
}

// CircuitState 熔断器状态
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerSnapshot 熔断器持久化状态
type BreakerSnapshot struct {
	State           CircuitState `json:"state"`
	FailureCount    int          `json:"failureCount"`
	SuccessCount    int          `json:"successCount"`
	LastFailureTime time.Time    `json:"lastFailureTime"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// RetryPolicy 任务重试策略：第n次重试等待 min(start + step*n, max)
type RetryPolicy struct {
	MaxRetries    int           `json:"maxRetries"`
	IntervalStart time.Duration `json:"intervalStart"`
	IntervalStep  time.Duration `json:"intervalStep"`
	IntervalMax   time.Duration `json:"intervalMax"`
}

// Delay 第attempt次重试（从0开始）前的等待时间
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.IntervalStart + time.Duration(attempt)*p.IntervalStep
	if p.IntervalMax > 0 && d > p.IntervalMax {
		d = p.IntervalMax
	}
	return d
}

// MatchTask 直播处理任务
type MatchTask struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	MatchID    string      `json:"matchId"`
	SessionID  int64       `json:"sessionId"`
	Queue      string      `json:"queue"`
	Retry      RetryPolicy `json:"retry"`
	Attempt    int         `json:"attempt"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
	LastError  string      `json:"lastError,omitempty"`
	NotBefore  time.Time   `json:"notBefore,omitempty"`
}

// ProcessStats 一轮调度的统计
type ProcessStats struct {
	TotalSessions           int           `json:"total_sessions"`
	ScheduledTasks          int           `json:"scheduled_tasks"`
	BlockedByCircuitBreaker int           `json:"blocked_by_circuit_breaker"`
	BlockedByBackpressure   int           `json:"blocked_by_backpressure"`
	FailedSubmissions       int           `json:"failed_submissions"`
	StaleSessions           int           `json:"stale_sessions"`
	ProcessingTime          time.Duration `json:"processing_time"`
	CircuitBreakerState     CircuitState  `json:"circuit_breaker_state"`
}

// HealthReport 直播调度健康状况
type HealthReport struct {
	CircuitBreakerState    CircuitState `json:"circuit_breaker_state"`
	CircuitBreakerFailures int          `json:"circuit_breaker_failures"`
	QueueSize              int64        `json:"queue_size"`
	MaxQueueSize           int64        `json:"max_queue_size"`
	ActiveSessions         int          `json:"active_sessions"`
	Timestamp              time.Time    `json:"timestamp"`
}
