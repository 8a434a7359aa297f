package lock

import (
	"context"
	"time"
)

// Lock 分布式锁接口，直播调度器用它选出唯一的调度实例
type Lock interface {
	// AcquireLock 尝试获取锁，不阻塞等待
	// 返回值：bool表示是否成功获取锁，error表示获取过程中的错误
	AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	// RefreshLock 刷新锁的过期时间
	// 返回false表示锁已经丢失
	RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	// ReleaseLock 释放分布式锁
	ReleaseLock(ctx context.Context, lockName string) error

	// Held 当前实例是否认为自己持有锁
	Held(lockName string) bool

	// ReleaseAllLocks 释放所有持有的锁
	ReleaseAllLocks()

	// Close 关闭分布式锁客户端
	Close() error
}
