// Package livereporting 直播报道的调度保护：Redis持久化的熔断器、队列背压和任务消费
package livereporting

import (
	"context"
	"sync"
	"time"

	"github.com/lvdashuaibi/rsvpsync/config"
	"github.com/lvdashuaibi/rsvpsync/internal/logging"
	"github.com/lvdashuaibi/rsvpsync/internal/metrics"
	"github.com/lvdashuaibi/rsvpsync/internal/model"
	"github.com/rs/zerolog"
)

const breakerName = "live_reporting"

// StateStore 熔断器状态的持久化
type StateStore interface {
	LoadBreakerState(ctx context.Context, key string) (*model.BreakerSnapshot, bool, error)
	SaveBreakerState(ctx context.Context, key string, snap *model.BreakerSnapshot, ttl time.Duration) (bool, error)
}

// BreakerSettings 熔断器阈值
type BreakerSettings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	StateTTL         time.Duration
	KeyPrefix        string
}

// DefaultBreakerSettings 默认阈值
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		StateTTL:         time.Hour,
		KeyPrefix:        "live_reporting_circuit_breaker",
	}
}

// SettingsFromConfig 从配置构建阈值，零值使用默认
func SettingsFromConfig(cfg config.CircuitBreakerConfig) BreakerSettings {
	s := DefaultBreakerSettings()
	if cfg.FailureThreshold > 0 {
		s.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.RecoveryTimeout > 0 {
		s.RecoveryTimeout = cfg.RecoveryTimeout
	}
	if cfg.SuccessThreshold > 0 {
		s.SuccessThreshold = cfg.SuccessThreshold
	}
	if cfg.StateTTL > 0 {
		s.StateTTL = cfg.StateTTL
	}
	if cfg.KeyPrefix != "" {
		s.KeyPrefix = cfg.KeyPrefix
	}
	return s
}

// CircuitBreaker 多个进程共享的熔断器
// 状态的读改写没有分布式锁，并发的调度进程之间存在竞争，阈值设计容忍这种误差；
// 存储端只拒绝比已存状态更旧的写入
type CircuitBreaker struct {
	settings BreakerSettings
	key      string
	store    StateStore
	now      func() time.Time
	log      zerolog.Logger

	mu              sync.Mutex
	state           model.CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	// persisted 存储中应当有本实例看到或写入的状态；保存失败时清除
	persisted bool
	// pending 未能写入存储的本地变更时间
	pending time.Time
}

func NewCircuitBreaker(settings BreakerSettings, store StateStore) *CircuitBreaker {
	cb := &CircuitBreaker{
		settings: settings,
		key:      settings.KeyPrefix + ":state",
		store:    store,
		now:      time.Now,
		log:      logging.Component("circuit_breaker"),
		state:    model.CircuitClosed,
	}
	metrics.BreakerState.WithLabelValues(breakerName).Set(metrics.StateValue(model.CircuitClosed))
	return cb
}

// Key 状态在Redis中的键
func (cb *CircuitBreaker) Key() string {
	return cb.key
}

// Settings 当前阈值
func (cb *CircuitBreaker) Settings() BreakerSettings {
	return cb.settings
}

// Snapshot 内存中的状态
func (cb *CircuitBreaker) Snapshot() model.BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snapshot()
}

func (cb *CircuitBreaker) snapshot() model.BreakerSnapshot {
	return model.BreakerSnapshot{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// State 内存中的状态，不访问存储
func (cb *CircuitBreaker) State() model.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Refresh 从存储重新读取状态，不做状态迁移
func (cb *CircuitBreaker) Refresh(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.load(ctx)
}

func (cb *CircuitBreaker) isDefault() bool {
	return cb.state == model.CircuitClosed && cb.failureCount == 0 && cb.successCount == 0
}

// load 从存储刷新状态；读取失败时保留内存中的值
func (cb *CircuitBreaker) load(ctx context.Context) {
	if cb.store == nil {
		return
	}
	snap, found, err := cb.store.LoadBreakerState(ctx, cb.key)
	if err != nil {
		cb.log.Warn().Err(err).Msg("读取熔断器状态失败，使用内存中的状态")
		return
	}

	if !found {
		// 只有曾经存在的键消失才算过期；保存失败时保留内存中的状态
		if cb.persisted && !cb.isDefault() {
			cb.log.Warn().
				Str("state", string(cb.state)).
				Int("failure_count", cb.failureCount).
				Msg("熔断器持久化状态已过期，重置为closed")
			metrics.BreakerStateResets.WithLabelValues(breakerName).Inc()
			cb.transition(model.CircuitClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.lastFailureTime = time.Time{}
		}
		cb.persisted = false
		return
	}

	cb.persisted = true
	if !cb.pending.IsZero() && !snap.UpdatedAt.After(cb.pending) {
		// 存储中的状态不比未写入的本地变更新
		return
	}
	cb.pending = time.Time{}
	cb.transition(snap.State)
	cb.failureCount = snap.FailureCount
	cb.successCount = snap.SuccessCount
	cb.lastFailureTime = snap.LastFailureTime
}

// save 写回存储；写入失败只记录日志
func (cb *CircuitBreaker) save(ctx context.Context) {
	if cb.store == nil {
		return
	}
	snap := cb.snapshot()
	snap.UpdatedAt = cb.now()

	written, err := cb.store.SaveBreakerState(ctx, cb.key, &snap, cb.settings.StateTTL)
	if err != nil {
		cb.log.Warn().Err(err).Msg("保存熔断器状态失败")
		cb.persisted = false
		cb.pending = snap.UpdatedAt
		return
	}
	cb.persisted = true
	cb.pending = time.Time{}
	if !written {
		cb.log.Debug().Str("state", string(snap.State)).Msg("存储中已有更新的熔断器状态，本次写入被丢弃")
	}
}

func (cb *CircuitBreaker) transition(to model.CircuitState) {
	if to == "" {
		to = model.CircuitClosed
	}
	from := cb.state
	cb.state = to
	metrics.ObserveBreakerState(breakerName, from, to)
}

// CanExecute 是否允许提交新任务
// open状态超过恢复时间后转为half_open并放行
func (cb *CircuitBreaker) CanExecute(ctx context.Context) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.load(ctx)

	switch cb.state {
	case model.CircuitClosed, model.CircuitHalfOpen:
		return true
	case model.CircuitOpen:
		if !cb.lastFailureTime.IsZero() && cb.now().Sub(cb.lastFailureTime) > cb.settings.RecoveryTimeout {
			cb.transition(model.CircuitHalfOpen)
			cb.successCount = 0
			cb.save(ctx)
			cb.log.Info().Msg("熔断器进入half_open状态")
			return true
		}
		return false
	}
	return false
}

// RecordSuccess 记录一次成功
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.load(ctx)

	switch cb.state {
	case model.CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.settings.SuccessThreshold {
			cb.transition(model.CircuitClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.log.Info().Msg("熔断器关闭，服务已恢复")
		}
	case model.CircuitClosed:
		if cb.failureCount > 0 {
			cb.failureCount--
		}
	}
	cb.save(ctx)
}

// RecordFailure 记录一次失败
func (cb *CircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.load(ctx)

	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case model.CircuitClosed:
		if cb.failureCount >= cb.settings.FailureThreshold {
			cb.transition(model.CircuitOpen)
			cb.log.Warn().Int("failure_count", cb.failureCount).Msg("熔断器打开，失败次数过多")
		}
	case model.CircuitHalfOpen:
		cb.transition(model.CircuitOpen)
		cb.log.Warn().Msg("熔断器在恢复尝试中失败，重新打开")
	}
	cb.save(ctx)
}
