package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
)

// Repo 事件流与快照缓存
type Repo struct {
	rdb         *redis.Client
	prefix      string
	ttl         time.Duration
	keyLatest   string // prefix + ":funding:latest"
	eventStream string
	eventChan   string
}

var (
	_ port.EventPublisher = (*Repo)(nil)
	_ port.SnapshotSink   = (*Repo)(nil)
)

// New 创建 Repo；stream/chan 为空时使用 prefix 派生的默认名
func New(rdb *redis.Client, prefix string, ttl time.Duration, eventStream, eventChan string) *Repo {
	if strings.TrimSpace(eventStream) == "" {
		eventStream = prefix + ":events"
	}
	if strings.TrimSpace(eventChan) == "" {
		eventChan = prefix + ":events:pub"
	}
	return &Repo{
		rdb:         rdb,
		prefix:      prefix,
		ttl:         ttl,
		keyLatest:   prefix + ":funding:latest",
		eventStream: eventStream,
		eventChan:   eventChan,
	}
}

// SaveSnapshot 最新有效快照写入 hash，field = "binance:BTCUSDT"
func (r *Repo) SaveSnapshot(ctx context.Context, snap model.FundingSnapshot) error {
	if snap.Quality() != model.SnapshotValid {
		return nil
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	field := fmt.Sprintf("%s:%s", snap.Exchange, snap.Symbol)
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyLatest, field, string(b))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyLatest, r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// LatestSnapshot 读取缓存快照
func (r *Repo) LatestSnapshot(ctx context.Context, exchange, symbol string) (model.FundingSnapshot, error) {
	var snap model.FundingSnapshot
	raw, err := r.rdb.HGet(ctx, r.keyLatest, fmt.Sprintf("%s:%s", exchange, symbol)).Result()
	if err == redis.Nil {
		return snap, fmt.Errorf("snapshot %s:%s: %w", exchange, symbol, model.ErrNotFound)
	}
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal([]byte(raw), &snap)
	return snap, err
}

// Publish 事件写入 stream 并广播到 pubsub
func (r *Repo) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	// 1) Stream: XADD <stream> * type key payload
	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.eventStream,
		MaxLen: 100000,
		Approx: true,
		Values: map[string]any{
			"ts_ms":   ev.At.UnixMilli(),
			"type":    string(ev.Type),
			"key":     ev.Key(),
			"payload": string(payload),
		},
	}).Result()
	if err != nil {
		return err
	}

	// 2) PubSub: PUBLISH <channel> json
	return r.rdb.Publish(ctx, r.eventChan, payload).Err()
}
