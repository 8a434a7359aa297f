package livereporting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/rsvpsync/config"
	"github.com/lvdashuaibi/rsvpsync/internal/logging"
	"github.com/lvdashuaibi/rsvpsync/internal/metrics"
	"github.com/lvdashuaibi/rsvpsync/internal/model"
)

// TaskConsumer 任务队列的消费端
type TaskConsumer interface {
	PopTask(ctx context.Context, queue string, timeout time.Duration) (*model.MatchTask, error)
	ScheduleRetry(ctx context.Context, queue string, task *model.MatchTask) error
	PromoteDueTasks(ctx context.Context, queue string, now time.Time, limit int) (int, error)
	PushDead(ctx context.Context, queue string, task *model.MatchTask) error
}

// Processor 执行一个直播处理任务
type Processor interface {
	ProcessMatch(ctx context.Context, task *model.MatchTask) error
}

// ProcessorFunc 函数形式的Processor
type ProcessorFunc func(ctx context.Context, task *model.MatchTask) error

func (f ProcessorFunc) ProcessMatch(ctx context.Context, task *model.MatchTask) error {
	return f(ctx, task)
}

const promoteBatch = 100

// Worker 消费直播队列，失败的任务按任务自带的策略延迟重试
type Worker struct {
	tasks           TaskConsumer
	processor       Processor
	queue           string
	workers         int
	popTimeout      time.Duration
	promoteInterval time.Duration
	now             func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(tasks TaskConsumer, processor Processor, cfg config.LiveReportingConfig) *Worker {
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultManagerSettings().Queue
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	popTimeout := cfg.PopTimeout
	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		tasks:           tasks,
		processor:       processor,
		queue:           queue,
		workers:         workers,
		popTimeout:      popTimeout,
		promoteInterval: time.Second,
		now:             time.Now,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start 启动消费goroutine和重试搬运goroutine
func (w *Worker) Start() {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func(workerID int) {
			defer w.wg.Done()
			w.consume(workerID)
		}(i)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.promoteLoop()
	}()

	logging.Info().Str("queue", w.queue).Int("workers", w.workers).Msg("已启动直播任务消费者")
}

func (w *Worker) consume(workerID int) {
	log := logging.Component("live_worker").With().Int("worker", workerID).Logger()

	for {
		if w.ctx.Err() != nil {
			return
		}
		task, err := w.tasks.PopTask(w.ctx, w.queue, w.popTimeout)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("读取直播任务失败")
			if !w.sleep(time.Second) {
				return
			}
			continue
		}
		if task == nil {
			continue
		}
		w.handle(w.ctx, task)
	}
}

// handle 执行任务；失败时未超过重试次数则延迟重试，否则进入死信列表
func (w *Worker) handle(ctx context.Context, task *model.MatchTask) {
	log := logging.Component("live_worker").With().
		Str("task_id", task.ID).Str("match_id", task.MatchID).Int("attempt", task.Attempt).Logger()

	err := w.processor.ProcessMatch(ctx, task)
	if err == nil {
		metrics.TaskExecutions.WithLabelValues("success").Inc()
		log.Debug().Msg("直播任务完成")
		return
	}

	task.LastError = err.Error()
	if task.Attempt >= task.Retry.MaxRetries {
		metrics.TaskExecutions.WithLabelValues("dead").Inc()
		log.Error().Err(err).Msg("直播任务超过重试次数，放入死信列表")
		if err := w.tasks.PushDead(ctx, w.queue, task); err != nil {
			log.Error().Err(err).Msg("写入死信列表失败")
		}
		return
	}

	delay := task.Retry.Delay(task.Attempt)
	task.Attempt++
	task.NotBefore = w.now().Add(delay)
	metrics.TaskExecutions.WithLabelValues("retry").Inc()
	log.Warn().Err(err).Dur("delay", delay).Msg("直播任务失败，稍后重试")
	if err := w.tasks.ScheduleRetry(ctx, w.queue, task); err != nil {
		log.Error().Err(err).Msg("安排重试失败，任务丢失")
	}
}

func (w *Worker) promoteLoop() {
	ticker := time.NewTicker(w.promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			n, err := w.tasks.PromoteDueTasks(w.ctx, w.queue, w.now(), promoteBatch)
			if err != nil {
				if w.ctx.Err() == nil {
					logging.Warn().Err(err).Msg("搬运到期重试任务失败")
				}
				continue
			}
			if n > 0 {
				logging.Debug().Int("count", n).Msg("到期重试任务已重新入队")
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) bool {
	select {
	case <-w.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Stop 停止消费并等待进行中的任务结束
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
	logging.Info().Msg("直播任务消费者已停止")
}

// SessionTracker 处理任务时读写会话
type SessionTracker interface {
	GetSessionByMatchID(ctx context.Context, matchID string) (*model.LiveReportingSession, error)
	TouchSession(ctx context.Context, sessionID int64, status string) error
	RecordSessionError(ctx context.Context, sessionID int64) error
}

// SessionSyncer 让实时服务同步一个会话
type SessionSyncer interface {
	SyncSession(ctx context.Context, session *model.LiveReportingSession) model.BridgeResult
}

// SyncProcessor 把会话交给实时服务同步，并记录处理结果
type SyncProcessor struct {
	sessions SessionTracker
	syncer   SessionSyncer
}

func NewSyncProcessor(sessions SessionTracker, syncer SessionSyncer) *SyncProcessor {
	return &SyncProcessor{sessions: sessions, syncer: syncer}
}

// ProcessMatch 会话已经结束时任务直接完成
func (p *SyncProcessor) ProcessMatch(ctx context.Context, task *model.MatchTask) error {
	session, err := p.sessions.GetSessionByMatchID(ctx, task.MatchID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			logging.Info().Str("match_id", task.MatchID).Msg("直播会话已结束，跳过任务")
			return nil
		}
		return err
	}

	res := p.syncer.SyncSession(ctx, session)
	if !res.Success {
		if err := p.sessions.RecordSessionError(ctx, session.ID); err != nil {
			logging.Warn().Err(err).Int64("session_id", session.ID).Msg("记录会话错误失败")
		}
		return fmt.Errorf("同步直播会话 %d 失败: %s", session.ID, res.Error)
	}

	if err := p.sessions.TouchSession(ctx, session.ID, "synced"); err != nil {
		logging.Warn().Err(err).Int64("session_id", session.ID).Msg("更新会话状态失败")
	}
	return nil
}
