package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options 连接参数
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Dial 创建客户端并 Ping 校验连通性
func Dial(ctx context.Context, opt Options) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opt.Addr, err)
	}
	return rdb, nil
}
