package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/rsvpsync/config"
	"github.com/lvdashuaibi/rsvpsync/internal/logging"
)

const (
	// 只刷新自己持有的锁
	refreshScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	// 只释放自己持有的锁
	unlockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`

	redLockPrefix = "rsvpsync:lock:"
)

type RedLock struct {
	clients    []*redis.Client
	mu         sync.Mutex
	locks      map[string]string // key是锁名，value是token值
	retries    int
	retryDelay time.Duration
}

// NewRedLock 按配置连接所有锁节点
func NewRedLock(cfg config.RedisConfig, lockCfg config.LockConfig) (*RedLock, error) {
	ctx := context.Background()

	addrs := cfg.LockAddresses
	if len(addrs) == 0 {
		addrs = []string{cfg.DataAddress}
	}

	var clients []*redis.Client
	for _, addr := range addrs {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})

		// 测试连接
		if err := client.Ping(ctx).Err(); err != nil {
			for _, c := range clients {
				c.Close()
			}
			client.Close()
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}

		clients = append(clients, client)
	}

	return NewRedLockWithClients(clients, lockCfg.RetryCount), nil
}

// NewRedLockWithClients 使用已有的Redis客户端创建锁
func NewRedLockWithClients(clients []*redis.Client, retries int) *RedLock {
	if retries <= 0 {
		retries = 1
	}
	return &RedLock{
		clients:    clients,
		locks:      make(map[string]string),
		retries:    retries,
		retryDelay: 100 * time.Millisecond,
	}
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

// AcquireLock 获取分布式锁
func (r *RedLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.locks[lockName]; ok {
		return false, fmt.Errorf("锁 %s 已被当前实例持有", lockName)
	}

	key := redLockPrefix + lockName
	token := uuid.NewString()

	// Redlock算法: 尝试在多个节点上获取锁
	for attempt := 0; attempt < r.retries; attempt++ {
		success := 0
		start := time.Now()

		for i, client := range r.clients {
			ok, err := client.SetNX(ctx, key, token, ttl).Result()
			if err != nil {
				logging.Warn().Err(err).Int("node", i).Str("lock", lockName).Msg("在节点获取锁失败")
				continue
			}
			if ok {
				success++
			}
		}

		// 判断是否在多数节点获取成功，且剩余有效期为正
		validity := ttl - time.Since(start)
		if success >= r.quorum() && validity > 0 {
			r.locks[lockName] = token
			logging.Debug().Str("lock", lockName).Str("token", token).Msg("获取锁成功")
			return true, nil
		}

		// 获取失败，释放所有节点上的锁
		r.unlockAll(ctx, key, token)

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(r.retryDelay):
		}
	}

	return false, nil
}

// RefreshLock 刷新锁的过期时间
func (r *RedLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, exists := r.locks[lockName]
	if !exists {
		return false, fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}

	key := redLockPrefix + lockName
	success := 0
	for i, client := range r.clients {
		result, err := client.Eval(ctx, refreshScript, []string{key}, token, ttl.Milliseconds()).Result()
		if err != nil {
			logging.Warn().Err(err).Int("node", i).Str("lock", lockName).Msg("在节点刷新锁失败")
			continue
		}
		if n, _ := result.(int64); n == 1 {
			success++
		}
	}

	if success >= r.quorum() {
		return true, nil
	}

	delete(r.locks, lockName)
	return false, nil
}

// ReleaseLock 释放分布式锁
func (r *RedLock) ReleaseLock(ctx context.Context, lockName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, exists := r.locks[lockName]
	if !exists {
		return fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}

	r.unlockAll(ctx, redLockPrefix+lockName, token)
	delete(r.locks, lockName)
	logging.Debug().Str("lock", lockName).Msg("释放锁成功")
	return nil
}

// Held 当前实例是否持有锁
func (r *RedLock) Held(lockName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.locks[lockName]
	return ok
}

// unlockAll 在所有节点上释放锁
func (r *RedLock) unlockAll(ctx context.Context, key, token string) {
	for i, client := range r.clients {
		if err := client.Eval(ctx, unlockScript, []string{key}, token).Err(); err != nil {
			logging.Warn().Err(err).Int("node", i).Str("key", key).Msg("在节点释放锁失败")
		}
	}
}

// ReleaseAllLocks 释放所有持有的锁
func (r *RedLock) ReleaseAllLocks() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, token := range r.locks {
		r.unlockAll(context.Background(), redLockPrefix+name, token)
	}
	r.locks = make(map[string]string)
}

// Close 关闭分布式锁客户端
func (r *RedLock) Close() error {
	r.ReleaseAllLocks()

	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			logging.Warn().Err(err).Msg("关闭Redis客户端失败")
		}
	}
	return nil
}
