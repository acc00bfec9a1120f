package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis 单 key 锁
//
// 加锁：SET key token NX PX ttl。token 标识持有者，过期时间防止进程崩溃后锁永远不释放。
// 解锁：Lua 脚本比较 token 后再 DEL，避免删掉过期后被别人重新拿到的锁。

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DistributedLock 一个 Redis key 上的互斥锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	token      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, token string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		token:      token,
		expiration: expiration,
	}
}

// NewAccountLock 账户余额锁，key 为 命名空间/身份
func NewAccountLock(client *redis.Client, accountKey, token string, expiration time.Duration) *DistributedLock {
	return NewDistributedLock(client, fmt.Sprintf("bank:lock:account:%s", accountKey), token, expiration)
}

// TryLock 非阻塞加锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.expiration).Result()
}

// Lock 按固定间隔重试，直到拿到锁、ctx 结束或用完重试次数
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for attempt := 0; attempt < maxRetries; attempt++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return fmt.Errorf("加锁 %s: %w", l.key, err)
		}
		if ok {
			return nil
		}
		timer.Reset(retryInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %s", ErrLockFailed, l.key)
}

// Unlock 只删除自己持有的锁；锁已过期时返回 ErrLockExpired，此时持有期间的互斥不再有保证
func (l *DistributedLock) Unlock(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrLockExpired
	}
	return nil
}
