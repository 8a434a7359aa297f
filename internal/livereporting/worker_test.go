package livereporting

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/rsvpsync/config"
	"github.com/lvdashuaibi/rsvpsync/internal/model"
	"github.com/lvdashuaibi/rsvpsync/internal/repository"
)

type fakeConsumer struct {
	retried []*model.MatchTask
	dead    []*model.MatchTask
}

func (f *fakeConsumer) PopTask(ctx context.Context, queue string, timeout time.Duration) (*model.MatchTask, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeConsumer) ScheduleRetry(ctx context.Context, queue string, task *model.MatchTask) error {
	copied := *task
	f.retried = append(f.retried, &copied)
	return nil
}

func (f *fakeConsumer) PromoteDueTasks(ctx context.Context, queue string, now time.Time, limit int) (int, error) {
	return 0, nil
}

func (f *fakeConsumer) PushDead(ctx context.Context, queue string, task *model.MatchTask) error {
	f.dead = append(f.dead, task)
	return nil
}

func failingProcessor(err error) Processor {
	return ProcessorFunc(func(ctx context.Context, task *model.MatchTask) error { return err })
}

func testTask() *model.MatchTask {
	return &model.MatchTask{ID: "t1", Name: TaskProcessMatch, MatchID: "espn-1", Retry: DefaultManagerSettings().Retry}
}

func TestWorkerHandle_SuccessNeedsNoRetry(t *testing.T) {
	tasks := &fakeConsumer{}
	w := NewWorker(tasks, failingProcessor(nil), config.LiveReportingConfig{})

	w.handle(context.Background(), testTask())
	if len(tasks.retried) != 0 || len(tasks.dead) != 0 {
		t.Fatalf("retried=%d dead=%d", len(tasks.retried), len(tasks.dead))
	}
}

func TestWorkerHandle_RetriesWithLinearBackoffThenDeadLetters(t *testing.T) {
	tasks := &fakeConsumer{}
	c := &clock{t: time.Date(2025, 5, 1, 19, 0, 0, 0, time.UTC)}
	w := NewWorker(tasks, failingProcessor(errors.New("espn timeout")), config.LiveReportingConfig{})
	w.now = c.now

	task := testTask()
	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}
	for i, want := range wantDelays {
		w.handle(context.Background(), task)
		if len(tasks.retried) != i+1 {
			t.Fatalf("attempt %d: retried %d times", i, len(tasks.retried))
		}
		got := tasks.retried[i]
		if got.Attempt != i+1 || got.NotBefore.Sub(c.t) != want || got.LastError != "espn timeout" {
			t.Fatalf("attempt %d: task = %+v", i, got)
		}
	}

	w.handle(context.Background(), task)
	if len(tasks.dead) != 1 || len(tasks.retried) != 3 {
		t.Fatalf("after max retries: retried=%d dead=%d", len(tasks.retried), len(tasks.dead))
	}
}

func TestWorker_EndToEndWithRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	repo, err := repository.NewRedisRepositoryWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	defer repo.Close()

	var calls int32
	done := make(chan struct{})
	processor := ProcessorFunc(func(ctx context.Context, task *model.MatchTask) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("first attempt fails")
		}
		close(done)
		return nil
	})

	w := NewWorker(repo, processor, config.LiveReportingConfig{Queue: "live_reporting", Workers: 1, PopTimeout: 50 * time.Millisecond})
	w.promoteInterval = 10 * time.Millisecond
	w.Start()
	defer w.Stop()

	task := testTask()
	task.Retry = model.RetryPolicy{MaxRetries: 3, IntervalStart: 10 * time.Millisecond, IntervalStep: 10 * time.Millisecond, IntervalMax: 50 * time.Millisecond}
	if err := repo.PushTask(context.Background(), "live_reporting", task); err != nil {
		t.Fatalf("push: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("task was not retried, calls = %d", atomic.LoadInt32(&calls))
	}
}

type fakeTracker struct {
	session *model.LiveReportingSession
	touched []string
	errors  int
}

func (f *fakeTracker) GetSessionByMatchID(ctx context.Context, matchID string) (*model.LiveReportingSession, error) {
	if f.session == nil {
		return nil, fmt.Errorf("比赛 %s: %w", matchID, model.ErrSessionNotFound)
	}
	return f.session, nil
}

func (f *fakeTracker) TouchSession(ctx context.Context, id int64, status string) error {
	f.touched = append(f.touched, status)
	return nil
}

func (f *fakeTracker) RecordSessionError(ctx context.Context, id int64) error {
	f.errors++
	return nil
}

type fakeSyncer struct{ result model.BridgeResult }

func (f fakeSyncer) SyncSession(ctx context.Context, s *model.LiveReportingSession) model.BridgeResult {
	return f.result
}

func TestSyncProcessor(t *testing.T) {
	ctx := context.Background()

	tracker := &fakeTracker{session: &model.LiveReportingSession{ID: 4, MatchID: "espn-1"}}
	p := NewSyncProcessor(tracker, fakeSyncer{model.BridgeResult{Success: true}})
	if err := p.ProcessMatch(ctx, testTask()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(tracker.touched) != 1 || tracker.touched[0] != "synced" {
		t.Fatalf("touched = %v", tracker.touched)
	}

	p = NewSyncProcessor(tracker, fakeSyncer{model.BridgeResult{Error: "redis down"}})
	if err := p.ProcessMatch(ctx, testTask()); err == nil {
		t.Fatal("failed sync should return an error so the task is retried")
	}
	if tracker.errors != 1 {
		t.Fatalf("errors = %d", tracker.errors)
	}

	p = NewSyncProcessor(&fakeTracker{}, fakeSyncer{})
	if err := p.ProcessMatch(ctx, testTask()); err != nil {
		t.Fatalf("ended session should complete the task: %v", err)
	}
}
