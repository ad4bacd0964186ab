package port

import (
	"context"
	"time"

	"fundingarb/internal/domain/model"
)

// PositionRepository 持仓存储
type PositionRepository interface {
	// InsertIfAbsent 原子插入；(userId, symbol) 或 (symbol, primary, hedge) 已有非终态持仓时
	// 返回 model.ErrDuplicateActivePosition
	InsertIfAbsent(ctx context.Context, p model.Position) error
	GetPosition(ctx context.Context, id string) (model.Position, error)
	// UpdatePosition 写入状态与进度；已处于终态的记录返回 model.ErrTerminalStatus。
	// 资金费字段不在此写入。
	UpdatePosition(ctx context.Context, p model.Position) error
	ListPositionsByUser(ctx context.Context, userID string, activeOnly bool) ([]model.Position, error)
	ListPositionsByStatus(ctx context.Context, statuses ...model.PositionStatus) ([]model.Position, error)
	ListDueExits(ctx context.Context, now time.Time) ([]model.Position, error)
	// OverrideStatus 运维改写状态（允许改写终态）
	OverrideStatus(ctx context.Context, id string, status model.PositionStatus, note string, at time.Time) error
	// DeletePosition 删除持仓并级联删除资金费记录
	DeletePosition(ctx context.Context, id string) error
}

// FundingRepository 资金费账本
type FundingRepository interface {
	// ApplyFunding 幂等入账：记录不存在时插入并原子累加持仓资金费字段，返回是否新入账
	ApplyFunding(ctx context.Context, pay model.FundingPayment) (bool, error)
	ListFundingPayments(ctx context.Context, positionID string) ([]model.FundingPayment, error)
}

// SubscriptionRepository 订阅存储
type SubscriptionRepository interface {
	// InsertSubscriptionIfAbsent 同一 (symbol, primary, hedge) 已有非终态订阅时返回
	// model.ErrDuplicateActiveSubscription
	InsertSubscriptionIfAbsent(ctx context.Context, s model.Subscription) error
	GetSubscription(ctx context.Context, id string) (model.Subscription, error)
	UpdateSubscription(ctx context.Context, s model.Subscription) error
	ListSubscriptions(ctx context.Context, statuses ...model.SubscriptionStatus) ([]model.Subscription, error)
}

// RecordingRepository 录制会话存储
type RecordingRepository interface {
	CreateSession(ctx context.Context, s model.RecordingSession) error
	UpdateSession(ctx context.Context, s model.RecordingSession) error
	GetSession(ctx context.Context, id string) (model.RecordingSession, error)
	ListSessions(ctx context.Context) ([]model.RecordingSession, error)
	AppendDataPoint(ctx context.Context, p model.DataPoint) error
	ListDataPoints(ctx context.Context, sessionID string) ([]model.DataPoint, error)
	// DeleteSessionsBefore 删除早于 cutoff 的非录制中会话并级联删除样本
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// AuditRepository 审计记录
type AuditRepository interface {
	AppendAudit(ctx context.Context, rec model.AuditRecord) error
	ListAudit(ctx context.Context, limit int) ([]model.AuditRecord, error)
}

// Store 持久化聚合
type Store interface {
	PositionRepository
	FundingRepository
	SubscriptionRepository
	RecordingRepository
	AuditRepository
	Close() error
}
