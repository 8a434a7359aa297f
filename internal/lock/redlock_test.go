package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newNodes(t *testing.T, n int) ([]*miniredis.Miniredis, []*redis.Client) {
	t.Helper()
	var servers []*miniredis.Miniredis
	var clients []*redis.Client
	for i := 0; i < n; i++ {
		s := miniredis.RunT(t)
		c := redis.NewClient(&redis.Options{Addr: s.Addr()})
		t.Cleanup(func() { c.Close() })
		servers = append(servers, s)
		clients = append(clients, c)
	}
	return servers, clients
}

func TestRedLock_ExclusiveAcrossInstances(t *testing.T) {
	ctx := context.Background()
	_, clients := newNodes(t, 3)

	a := NewRedLockWithClients(clients, 1)
	b := NewRedLockWithClients(clients, 1)
	b.retryDelay = time.Millisecond

	ok, err := a.AcquireLock(ctx, "scheduler", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if !a.Held("scheduler") {
		t.Fatal("a should report the lock as held")
	}

	ok, err = b.AcquireLock(ctx, "scheduler", 10*time.Second)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second instance must not get the lock")
	}

	if err := a.ReleaseLock(ctx, "scheduler"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = b.AcquireLock(ctx, "scheduler", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestRedLock_QuorumSurvivesOneNodeDown(t *testing.T) {
	ctx := context.Background()
	servers, clients := newNodes(t, 3)
	servers[2].Close()

	l := NewRedLockWithClients(clients, 1)
	ok, err := l.AcquireLock(ctx, "scheduler", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("2 of 3 nodes should be a quorum: ok=%v err=%v", ok, err)
	}
}

func TestRedLock_RefreshLosesExpiredLock(t *testing.T) {
	ctx := context.Background()
	servers, clients := newNodes(t, 1)

	l := NewRedLockWithClients(clients, 1)
	if ok, _ := l.AcquireLock(ctx, "scheduler", time.Second); !ok {
		t.Fatal("acquire failed")
	}

	ok, err := l.RefreshLock(ctx, "scheduler", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("refresh of a live lock: ok=%v err=%v", ok, err)
	}

	servers[0].FastForward(10 * time.Second)
	ok, err = l.RefreshLock(ctx, "scheduler", 5*time.Second)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if ok {
		t.Fatal("refresh after expiry should report the lock as lost")
	}
	if l.Held("scheduler") {
		t.Fatal("lost lock should no longer be held")
	}
}

func TestRedLock_ReleaseUnknownLock(t *testing.T) {
	_, clients := newNodes(t, 1)
	l := NewRedLockWithClients(clients, 1)
	if err := l.ReleaseLock(context.Background(), "nope"); err == nil {
		t.Fatal("expected error releasing a lock that is not held")
	}
}
