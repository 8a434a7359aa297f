package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/lvdashuaibi/rsvpsync/config"
	"github.com/lvdashuaibi/rsvpsync/internal/model"
	"github.com/lvdashuaibi/rsvpsync/internal/repository"
)

type fakeSessions struct {
	sessions []*model.LiveReportingSession
	err      error
}

func (f fakeSessions) GetActiveSessions(ctx context.Context) ([]*model.LiveReportingSession, error) {
	return f.sessions, f.err
}

type brokenStore struct{}

func (brokenStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return errors.New("connection refused")
}

func (brokenStore) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("connection refused")
}

func (brokenStore) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}

var fixedNow = time.Date(2025, 5, 1, 19, 0, 0, 0, time.UTC)

func newTestBridge(t *testing.T, sessions SessionLister) (*Bridge, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo, err := repository.NewRedisRepositoryWithClient(client)
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	b := New(repo, sessions, config.RealtimeConfig{})
	b.now = func() time.Time { return fixedNow }
	return b, mr, client
}

func subscribe(t *testing.T, client *redis.Client, channel string) *redis.PubSub {
	t.Helper()
	sub := client.Subscribe(context.Background(), channel)
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { sub.Close() })
	return sub
}

func receive(t *testing.T, sub *redis.PubSub) string {
	t.Helper()
	select {
	case msg := <-sub.Channel():
		return msg.Payload
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
		return ""
	}
}

func TestNotifySessionStarted(t *testing.T) {
	b, mr, client := newTestBridge(t, fakeSessions{})
	sub := subscribe(t, client, "realtime_service:notifications")

	res := b.NotifySessionStarted(context.Background(), 12, "espn-1", "thread-9")
	if !res.Success || res.SessionID != 12 {
		t.Fatalf("result = %+v", res)
	}

	var n model.SessionNotification
	if err := json.Unmarshal([]byte(receive(t, sub)), &n); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if n.Action != model.ActionSessionStarted || n.ThreadID != "thread-9" || n.SessionID != 12 {
		t.Fatalf("notification = %+v", n)
	}
	if ttl := mr.TTL("realtime_service:new_session:12"); ttl != 300*time.Second {
		t.Fatalf("ttl = %v", ttl)
	}
}

func TestNotifySessionStopped(t *testing.T) {
	b, mr, client := newTestBridge(t, fakeSessions{})
	sub := subscribe(t, client, "realtime_service:notifications")

	res := b.NotifySessionStopped(context.Background(), 12, "espn-1", "match ended")
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	var n model.SessionNotification
	if err := json.Unmarshal([]byte(receive(t, sub)), &n); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if n.Action != model.ActionSessionStopped || n.Reason != "match ended" {
		t.Fatalf("notification = %+v", n)
	}
	if ttl := mr.TTL("realtime_service:stop_session:12"); ttl != 60*time.Second {
		t.Fatalf("ttl = %v", ttl)
	}
}

func TestOperationsReportStoreErrors(t *testing.T) {
	ctx := context.Background()
	b := New(brokenStore{}, fakeSessions{}, config.RealtimeConfig{})

	if res := b.NotifySessionStarted(ctx, 1, "m", "t"); res.Success || res.Error == "" {
		t.Fatalf("started = %+v", res)
	}
	if res := b.NotifySessionStopped(ctx, 1, "m", "r"); res.Success || res.Error == "" {
		t.Fatalf("stopped = %+v", res)
	}
	if res := b.SendRealtimeCommand(ctx, "refresh_sessions", nil); res.Success || res.Command != "refresh_sessions" {
		t.Fatalf("command = %+v", res)
	}
	if h := b.CheckRealtimeServiceHealth(ctx); h.Health != model.HealthError || h.IsRunning {
		t.Fatalf("health = %+v", h)
	}
}

func TestCheckRealtimeServiceHealth(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		heartbeat string
		want      string
	}{
		{"fresh heartbeat", "running", fixedNow.Add(-30 * time.Second).Format(time.RFC3339), model.HealthHealthy},
		{"just written", "running", fixedNow.Format(time.RFC3339), model.HealthHealthy},
		{"old heartbeat", "running", fixedNow.Add(-200 * time.Second).Format(time.RFC3339), model.HealthDegraded},
		{"stale heartbeat", "running", fixedNow.Add(-10 * time.Minute).Format(time.RFC3339), model.HealthUnknown},
		{"no heartbeat", "running", "", model.HealthUnknown},
		{"naive iso heartbeat", "running", "2025-05-01T18:59:00.123456", model.HealthHealthy},
		{"not running", "stopped", fixedNow.Format(time.RFC3339), model.HealthOffline},
		{"nothing", "", "", model.HealthOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, mr, _ := newTestBridge(t, fakeSessions{})
			if tt.status != "" {
				mr.Set(StatusKey, tt.status)
			}
			if tt.heartbeat != "" {
				mr.Set(HeartbeatKey, tt.heartbeat)
			}
			h := b.CheckRealtimeServiceHealth(context.Background())
			if h.Health != tt.want {
				t.Fatalf("health = %s, want %s", h.Health, tt.want)
			}
		})
	}
}

func TestWriteHeartbeatMakesServiceHealthy(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBridge(t, fakeSessions{})

	if err := b.WriteHeartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	h := b.CheckRealtimeServiceHealth(ctx)
	if !h.IsRunning || h.Health != model.HealthHealthy || *h.HeartbeatAgeSeconds != 0 {
		t.Fatalf("health = %+v", h)
	}

	if err := b.MarkStopped(ctx); err != nil {
		t.Fatalf("mark stopped: %v", err)
	}
	if h := b.CheckRealtimeServiceHealth(ctx); h.Health != model.HealthOffline {
		t.Fatalf("health after stop = %s", h.Health)
	}
}

func TestMarkStoppedLeavesOtherInstanceRunning(t *testing.T) {
	ctx := context.Background()
	b, _, client := newTestBridge(t, fakeSessions{})
	repo, err := repository.NewRedisRepositoryWithClient(client)
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	other := New(repo, fakeSessions{}, config.RealtimeConfig{})
	other.now = func() time.Time { return fixedNow.Add(30 * time.Second) }

	if err := b.WriteHeartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := other.WriteHeartbeat(ctx); err != nil {
		t.Fatalf("other heartbeat: %v", err)
	}

	if err := b.MarkStopped(ctx); err != nil {
		t.Fatalf("mark stopped: %v", err)
	}
	if h := b.CheckRealtimeServiceHealth(ctx); !h.IsRunning {
		t.Fatalf("another instance is still beating, health = %+v", h)
	}

	if err := other.MarkStopped(ctx); err != nil {
		t.Fatalf("other mark stopped: %v", err)
	}
	if h := b.CheckRealtimeServiceHealth(ctx); h.IsRunning {
		t.Fatalf("last beating instance stopped, health = %+v", h)
	}
}

func TestMarkStoppedWithoutHeartbeatIsNoop(t *testing.T) {
	ctx := context.Background()
	b, mr, _ := newTestBridge(t, fakeSessions{})
	mr.Set(StatusKey, StatusRunning)

	if err := b.MarkStopped(ctx); err != nil {
		t.Fatalf("mark stopped: %v", err)
	}
	if v, _ := mr.Get(StatusKey); v != StatusRunning {
		t.Fatalf("status = %q, want running", v)
	}
}

func TestForceSessionSync(t *testing.T) {
	sessions := fakeSessions{sessions: []*model.LiveReportingSession{
		{ID: 1, MatchID: "espn-1", ThreadID: "t1"},
		{ID: 2, MatchID: "espn-2", ThreadID: "t2", Competition: "usa.1"},
	}}
	b, _, client := newTestBridge(t, sessions)
	sub := subscribe(t, client, "realtime_service:notifications")

	res := b.ForceSessionSync(context.Background())
	if !res.Success || res.SyncedSessions != 2 || res.Message != "Synced 2 sessions" {
		t.Fatalf("result = %+v", res)
	}
	for i := 0; i < 2; i++ {
		var n model.SessionNotification
		if err := json.Unmarshal([]byte(receive(t, sub)), &n); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if n.Action != model.ActionForceSync {
			t.Fatalf("notification = %+v", n)
		}
	}
}

func TestForceSessionSync_ListError(t *testing.T) {
	b, _, _ := newTestBridge(t, fakeSessions{err: errors.New("db down")})
	if res := b.ForceSessionSync(context.Background()); res.Success || res.Error == "" {
		t.Fatalf("result = %+v", res)
	}
}

func TestSendRealtimeCommand(t *testing.T) {
	b, mr, client := newTestBridge(t, fakeSessions{})
	sub := subscribe(t, client, "realtime_service:commands")

	res := b.SendRealtimeCommand(context.Background(), "refresh_sessions", map[string]string{"reason": "manual"})
	if !res.Success || res.Command != "refresh_sessions" {
		t.Fatalf("result = %+v", res)
	}

	var cmd model.RealtimeCommand
	if err := json.Unmarshal([]byte(receive(t, sub)), &cmd); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if cmd.Source != "bridge_service" || cmd.Params["reason"] != "manual" {
		t.Fatalf("command = %+v", cmd)
	}
	if ttl := mr.TTL("realtime_service:command:refresh_sessions"); ttl != 30*time.Second {
		t.Fatalf("ttl = %v", ttl)
	}
}

func TestGetActiveSessionsStatus(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBridge(t, fakeSessions{sessions: []*model.LiveReportingSession{{ID: 1, MatchID: "espn-1"}}})

	st := b.GetActiveSessionsStatus(ctx)
	if st.DatabaseSessions != 1 || st.CoordinationStatus != "degraded" || st.RealtimeService.Health != model.HealthOffline {
		t.Fatalf("status = %+v", st)
	}

	b.WriteHeartbeat(ctx)
	if st := b.GetActiveSessionsStatus(ctx); st.CoordinationStatus != "healthy" {
		t.Fatalf("coordination = %s", st.CoordinationStatus)
	}

	b, _, _ = newTestBridge(t, fakeSessions{err: errors.New("db down")})
	if st := b.GetActiveSessionsStatus(ctx); st.CoordinationStatus != "error" || st.Error == "" {
		t.Fatalf("status = %+v", st)
	}
}
