package port

import (
	"context"
	"time"

	"fundingarb/internal/domain/model"
)

// EventPublisher 生命周期事件发布
type EventPublisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// SnapshotSink 最新有效快照缓存
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, snap model.FundingSnapshot) error
}

// Locker 分布式互斥锁；锁被占用时返回 model.ErrLockHeld
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RecordingArchive 录制结果归档
type RecordingArchive interface {
	Archive(ctx context.Context, session model.RecordingSession, points []model.DataPoint) (key string, err error)
}
