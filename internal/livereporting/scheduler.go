package livereporting

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/lvdashuaibi/rsvpsync/internal/lock"
	"github.com/lvdashuaibi/rsvpsync/internal/logging"
	"github.com/rs/zerolog"
)

// SchedulerLockName 调度实例竞争的锁，同一时间只有一个实例处理活跃会话
const SchedulerLockName = "live_reporting:scheduler"

// Scheduler 周期性调用ProcessActiveSessions
type Scheduler struct {
	manager  *Manager
	lock     lock.Lock
	interval time.Duration
	lockTTL  time.Duration
	sched    gocron.Scheduler
	log      zerolog.Logger
}

// NewScheduler lock为nil时每个实例都会调度
func NewScheduler(manager *Manager, l lock.Lock, interval time.Duration) (*Scheduler, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		manager:  manager,
		lock:     l,
		interval: interval,
		lockTTL:  3 * interval,
		sched:    sched,
		log:      logging.Component("live_scheduler"),
	}, nil
}

// Start 注册调度任务并启动
func (s *Scheduler) Start() error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.tick),
		gocron.WithName("process_active_sessions"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	s.sched.Start()
	s.log.Info().Dur("interval", s.interval).Msg("直播调度器已启动")
	return nil
}

// AddJob 在同一个调度器上注册额外的周期任务
func (s *Scheduler) AddJob(name string, interval time.Duration, fn func(ctx context.Context)) error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			fn(ctx)
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	return err
}

// tick 持有锁时处理一轮活跃会话
func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	if !s.leader(ctx) {
		s.log.Debug().Msg("未持有调度锁，跳过本轮")
		return
	}

	stats := s.manager.ProcessActiveSessions(ctx)
	s.log.Info().
		Int("total_sessions", stats.TotalSessions).
		Int("scheduled_tasks", stats.ScheduledTasks).
		Int("blocked_by_circuit_breaker", stats.BlockedByCircuitBreaker).
		Int("blocked_by_backpressure", stats.BlockedByBackpressure).
		Int("failed_submissions", stats.FailedSubmissions).
		Int("stale_sessions", stats.StaleSessions).
		Dur("processing_time", stats.ProcessingTime).
		Str("circuit_breaker_state", string(stats.CircuitBreakerState)).
		Msg("本轮直播调度完成")
}

// leader 续约已持有的锁，否则尝试获取
func (s *Scheduler) leader(ctx context.Context) bool {
	if s.lock == nil {
		return true
	}
	if s.lock.Held(SchedulerLockName) {
		ok, err := s.lock.RefreshLock(ctx, SchedulerLockName, s.lockTTL)
		if err != nil {
			s.log.Warn().Err(err).Msg("续约调度锁失败")
		}
		if ok {
			return true
		}
	}
	ok, err := s.lock.AcquireLock(ctx, SchedulerLockName, s.lockTTL)
	if err != nil {
		s.log.Warn().Err(err).Msg("获取调度锁失败")
		return false
	}
	if ok {
		s.log.Info().Msg("成为直播调度实例")
	}
	return ok
}

// Stop 停止调度并释放锁
func (s *Scheduler) Stop() error {
	err := s.sched.Shutdown()
	if s.lock != nil && s.lock.Held(SchedulerLockName) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := s.lock.ReleaseLock(ctx, SchedulerLockName); rerr != nil {
			s.log.Warn().Err(rerr).Msg("释放调度锁失败")
		}
	}
	s.log.Info().Msg("直播调度器已停止")
	return err
}
