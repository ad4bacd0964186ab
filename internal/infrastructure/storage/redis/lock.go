package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
)

// 仅当值等于持有者 token 时删除，避免误释放他人的锁
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Locker SETNX + TTL 分布式锁
type Locker struct {
	rdb      *redis.Client
	prefix   string
	unlockSc *redis.Script
}

var _ port.Locker = (*Locker)(nil)

// NewLocker 创建分布式锁
func NewLocker(rdb *redis.Client, prefix string) *Locker {
	return &Locker{
		rdb:      rdb,
		prefix:   prefix,
		unlockSc: redis.NewScript(unlockLua),
	}
}

func (l *Locker) lockKey(key string) string {
	return l.prefix + ":lock:" + key
}

// Acquire 获取锁，返回可重复调用的释放函数；锁被占用时返回 model.ErrLockHeld
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := l.lockKey(key)

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, model.ErrLockHeld
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true
		// 调用方 ctx 可能已取消
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
	}
	return unlock, nil
}
