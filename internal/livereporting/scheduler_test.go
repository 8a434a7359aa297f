package livereporting

import (
	"context"
	"testing"
	"time"

	"github.com/lvdashuaibi/rsvpsync/internal/model"
)

type fakeLock struct {
	available bool
	held      bool
	acquires  int
	refreshes int
	released  bool
}

func (f *fakeLock) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	f.acquires++
	if !f.available {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) RefreshLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	f.refreshes++
	return f.held, nil
}

func (f *fakeLock) ReleaseLock(ctx context.Context, name string) error {
	f.held = false
	f.released = true
	return nil
}

func (f *fakeLock) Held(name string) bool { return f.held }
func (f *fakeLock) ReleaseAllLocks()      { f.held = false }
func (f *fakeLock) Close() error          { return nil }

func newTestScheduler(t *testing.T, l *fakeLock) (*Scheduler, *fakeQueue) {
	t.Helper()
	queue := &fakeQueue{}
	sessions := &fakeSessions{active: []*model.LiveReportingSession{session(1, nil)}}
	m, _ := newTestManager(sessions, queue)

	var s *Scheduler
	var err error
	if l == nil {
		s, err = NewScheduler(m, nil, time.Minute)
	} else {
		s, err = NewScheduler(m, l, time.Minute)
	}
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	return s, queue
}

func TestSchedulerTick_OnlyLeaderProcesses(t *testing.T) {
	l := &fakeLock{}
	s, queue := newTestScheduler(t, l)

	s.tick()
	if len(queue.pushed) != 0 {
		t.Fatal("instance without the lock must not schedule")
	}

	l.available = true
	s.tick()
	if len(queue.pushed) != 1 {
		t.Fatalf("leader pushed %d tasks", len(queue.pushed))
	}

	s.tick()
	if l.refreshes != 1 || len(queue.pushed) != 2 {
		t.Fatalf("refreshes=%d pushed=%d", l.refreshes, len(queue.pushed))
	}
}

func TestSchedulerTick_WithoutLock(t *testing.T) {
	s, queue := newTestScheduler(t, nil)
	s.tick()
	if len(queue.pushed) != 1 {
		t.Fatalf("pushed %d tasks", len(queue.pushed))
	}
}

func TestSchedulerStopReleasesLock(t *testing.T) {
	l := &fakeLock{available: true}
	s, _ := newTestScheduler(t, l)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.tick()

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !l.released {
		t.Fatal("stop should release the scheduler lock")
	}
}
