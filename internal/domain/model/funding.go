package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotQuality 资金费率快照质量
type SnapshotQuality string

const (
	SnapshotValid           SnapshotQuality = "VALID"            // 可用于下单定量与调度
	SnapshotInvalidMark     SnapshotQuality = "INVALID_MARK"     // 标记价格缺失或 <= 0
	SnapshotUnknownInterval SnapshotQuality = "UNKNOWN_INTERVAL" // 资金费周期未知（0）
)

// FundingSnapshot 单个交易所/币对的资金费率快照
//
// MarkPrice 为可选值：交易所未返回时 Valid=false。
// FundingIntervalHours 为 0 表示周期未知，调用方必须先通过 Quality() 分支处理。
type FundingSnapshot struct {
	Exchange             string              `json:"exchange"`
	Symbol               string              `json:"symbol"`
	FundingRate          decimal.Decimal     `json:"funding_rate"` // 有符号比例，如 0.0001
	MarkPrice            decimal.NullDecimal `json:"mark_price"`
	FundingIntervalHours int                 `json:"funding_interval_hours"`
	IntervalDerived      bool                `json:"interval_derived,omitempty"` // 周期由两次 nextFundingTime 推导
	NextFundingTime      time.Time           `json:"next_funding_time"`
	ObservedAt           time.Time           `json:"observed_at"`
}

// Quality 返回快照质量；标记价格无效优先于周期未知
func (s FundingSnapshot) Quality() SnapshotQuality {
	if !s.MarkPrice.Valid || !s.MarkPrice.Decimal.IsPositive() {
		return SnapshotInvalidMark
	}
	if s.FundingIntervalHours <= 0 {
		return SnapshotUnknownInterval
	}
	return SnapshotValid
}

// Mark 返回可用于定量的标记价格；无效快照返回 ErrInvalidSnapshot
func (s FundingSnapshot) Mark() (decimal.Decimal, error) {
	if !s.MarkPrice.Valid || !s.MarkPrice.Decimal.IsPositive() {
		return decimal.Zero, &Error{
			Kind:   KindDataQuality,
			Op:     "snapshot.mark",
			Reason: fmt.Sprintf("%s %s mark price absent or non-positive", s.Exchange, s.Symbol),
			Err:    ErrInvalidSnapshot,
		}
	}
	return s.MarkPrice.Decimal, nil
}

// Interval 返回资金费周期；未知时返回 ErrUnknownFundingInterval
func (s FundingSnapshot) Interval() (time.Duration, error) {
	if s.FundingIntervalHours <= 0 {
		return 0, &Error{
			Kind:   KindDataQuality,
			Op:     "snapshot.interval",
			Reason: fmt.Sprintf("%s %s funding interval unknown", s.Exchange, s.Symbol),
			Err:    ErrUnknownFundingInterval,
		}
	}
	return time.Duration(s.FundingIntervalHours) * time.Hour, nil
}

// Validate 快照必须同时具备有效标记价格与已知周期
func (s FundingSnapshot) Validate() error {
	if _, err := s.Mark(); err != nil {
		return err
	}
	if _, err := s.Interval(); err != nil {
		return err
	}
	return nil
}

// FundingSettlement 一次已结算的资金费事件（nextFundingTime 从 T1 推进到 T2 时，T1 即已结算）
type FundingSettlement struct {
	Exchange    string          `json:"exchange"`
	Symbol      string          `json:"symbol"`
	FundingTime time.Time       `json:"funding_time"`
	FundingRate decimal.Decimal `json:"funding_rate"`
	MarkPrice   decimal.Decimal `json:"mark_price"`
}

// FundingPayment 持仓单腿在某次结算时的资金费入账记录
// 幂等键：(PositionID, Exchange, FundingTime)
type FundingPayment struct {
	PositionID  string          `json:"position_id"`
	Exchange    string          `json:"exchange"`
	Role        LegRole         `json:"role"`
	FundingTime time.Time       `json:"funding_time"`
	FundingRate decimal.Decimal `json:"funding_rate"`
	MarkPrice   decimal.Decimal `json:"mark_price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"` // 正数为收入
	RecordedAt  time.Time       `json:"recorded_at"`
}

// Key 幂等键
func (p FundingPayment) Key() string {
	return fmt.Sprintf("%s|%s|%d", p.PositionID, p.Exchange, p.FundingTime.UnixMilli())
}
