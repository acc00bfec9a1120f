package lock

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"bankledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
)

// RedisLocker 基于 DistributedLock 的跨进程 Locker
//
// 多个账本进程共享同一个存储时使用。锁有过期时间，持有锁的操作必须在 TTL 内完成。
type RedisLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
	logger        *slog.Logger
}

var _ Locker = (*RedisLocker)(nil)

func NewRedisLocker(client *redis.Client, ttl, retryInterval time.Duration, maxRetries int, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
		logger:        logger,
	}
}

func (r *RedisLocker) Lock(ctx context.Context, keys ...string) (Unlock, error) {
	keys = SortKeys(keys)
	// token 标识本次持有者，释放时校验
	token := strconv.FormatInt(idgen.NextID(), 10)
	held := make([]*DistributedLock, 0, len(keys))

	release := func() {
		// 调用方的 ctx 可能已取消，释放锁不能跟着失败
		unlockCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Unlock(unlockCtx); err != nil {
				r.logger.Warn("[RedisLocker] 释放锁失败", "key", held[i].key, "err", err)
			}
		}
	}

	for _, key := range keys {
		l := NewAccountLock(r.client, key, token, r.ttl)
		if err := l.Lock(ctx, r.retryInterval, r.maxRetries); err != nil {
			release()
			return nil, err
		}
		held = append(held, l)
	}
	return release, nil
}
