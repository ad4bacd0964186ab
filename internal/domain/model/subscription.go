package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus 订阅状态
type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "PENDING"
	SubscriptionTriggered SubscriptionStatus = "TRIGGERED"
	SubscriptionExecuted  SubscriptionStatus = "EXECUTED"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionError     SubscriptionStatus = "ERROR"
)

// NonTerminalSubscriptionStatuses 单飞约束作用范围
var NonTerminalSubscriptionStatuses = []SubscriptionStatus{SubscriptionPending, SubscriptionTriggered}

// IsTerminal 是否终态
func (s SubscriptionStatus) IsTerminal() bool {
	switch s {
	case SubscriptionExecuted, SubscriptionCancelled, SubscriptionError:
		return true
	}
	return false
}

var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionPending:   {SubscriptionTriggered, SubscriptionCancelled, SubscriptionError},
	SubscriptionTriggered: {SubscriptionExecuted, SubscriptionError, SubscriptionCancelled},
}

// CanTransition 单向迁移，不会重入任何状态
func (s SubscriptionStatus) CanTransition(to SubscriptionStatus) bool {
	for _, next := range subscriptionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// SubscriptionConfig 订阅执行参数
type SubscriptionConfig struct {
	UserID         string           `json:"user_id"`
	Quantity       decimal.Decimal  `json:"quantity"` // 与 Notional 二选一
	Notional       decimal.Decimal  `json:"notional"` // 按有效标记价格换算数量
	GraduatedParts int              `json:"graduated_parts"`
	Leverage       int              `json:"leverage"`
	PrimarySide    Side             `json:"primary_side"`
	Protective     ProtectiveParams `json:"protective"`
	Supersede      bool             `json:"supersede,omitempty"`
}

// Validate 校验参数
func (c SubscriptionConfig) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user id required")
	}
	if !c.Quantity.IsPositive() && !c.Notional.IsPositive() {
		return fmt.Errorf("quantity or notional must be positive")
	}
	if c.GraduatedParts < 1 {
		return fmt.Errorf("graduated parts must be >= 1")
	}
	if c.PrimarySide != "" && c.PrimarySide != SideLong && c.PrimarySide != SideShort {
		return fmt.Errorf("unknown primary side %q", c.PrimarySide)
	}
	return nil
}

// Subscription 资金费率套利订阅
type Subscription struct {
	ID                 string             `json:"id"`
	Symbol             string             `json:"symbol"`
	PrimaryExchange    string             `json:"primary_exchange"`
	HedgeExchange      string             `json:"hedge_exchange"`
	Status             SubscriptionStatus `json:"status"`
	Config             SubscriptionConfig `json:"config"`
	PositionID         string             `json:"position_id,omitempty"`
	EntryPrice         decimal.Decimal    `json:"entry_price"`
	HedgeEntryPrice    decimal.Decimal    `json:"hedge_entry_price"`
	FundingTime        *time.Time         `json:"funding_time,omitempty"`
	ScheduledEntryTime *time.Time         `json:"scheduled_entry_time,omitempty"` // nil 表示尚未完成调度
	ScheduledExitTime  *time.Time         `json:"scheduled_exit_time,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	ExecutedAt         *time.Time         `json:"executed_at,omitempty"`
	ErrorMessage       string             `json:"error_message,omitempty"`
}

// Key 单飞键 (symbol, primary, hedge)
func (s *Subscription) Key() string {
	return s.Symbol + "|" + s.PrimaryExchange + "|" + s.HedgeExchange
}

// Transition 单向状态迁移
func (s *Subscription) Transition(to SubscriptionStatus) error {
	if !s.Status.CanTransition(to) {
		if s.Status.IsTerminal() {
			return fmt.Errorf("subscription %s is %s: %w", s.ID, s.Status, ErrTerminalStatus)
		}
		return fmt.Errorf("subscription %s: illegal transition %s -> %s", s.ID, s.Status, to)
	}
	s.Status = to
	return nil
}

// Due 是否到达入场时间
func (s *Subscription) Due(now time.Time) bool {
	return s.Status == SubscriptionPending && s.ScheduledEntryTime != nil && !now.Before(*s.ScheduledEntryTime)
}
