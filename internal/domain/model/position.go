package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus 持仓生命周期状态
type PositionStatus string

const (
	PositionInitializing PositionStatus = "INITIALIZING"
	PositionExecuting    PositionStatus = "EXECUTING"
	PositionActive       PositionStatus = "ACTIVE"
	PositionCompleted    PositionStatus = "COMPLETED"
	PositionError        PositionStatus = "ERROR"
	PositionCancelled    PositionStatus = "CANCELLED"
	PositionLiquidated   PositionStatus = "LIQUIDATED"
)

// NonTerminalPositionStatuses 非终态集合（单飞约束作用范围）
var NonTerminalPositionStatuses = []PositionStatus{PositionInitializing, PositionExecuting, PositionActive}

// IsTerminal 终态一旦写入不可变，仅运维对账操作可改写
func (s PositionStatus) IsTerminal() bool {
	switch s {
	case PositionCompleted, PositionError, PositionCancelled, PositionLiquidated:
		return true
	}
	return false
}

// Valid 是否为已知状态
func (s PositionStatus) Valid() bool {
	switch s {
	case PositionInitializing, PositionExecuting, PositionActive,
		PositionCompleted, PositionError, PositionCancelled, PositionLiquidated:
		return true
	}
	return false
}

var positionTransitions = map[PositionStatus][]PositionStatus{
	PositionInitializing: {PositionExecuting, PositionError, PositionCancelled},
	PositionExecuting:    {PositionActive, PositionError, PositionCancelled},
	PositionActive:       {PositionCompleted, PositionError, PositionLiquidated},
}

// CanTransition 引擎侧允许的状态迁移
func (s PositionStatus) CanTransition(to PositionStatus) bool {
	for _, next := range positionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Side 持仓方向
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite 对冲方向
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Sign 多头 +1，空头 -1
func (s Side) Sign() decimal.Decimal {
	if s == SideLong {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// OpenOrderSide 开仓下单方向
func (s Side) OpenOrderSide() OrderSide {
	if s == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// CloseOrderSide 平仓下单方向
func (s Side) CloseOrderSide() OrderSide {
	return s.OpenOrderSide().Opposite()
}

// LegRole 腿角色
type LegRole string

const (
	RolePrimary LegRole = "PRIMARY"
	RoleHedge   LegRole = "HEDGE"
)

// LegStatus 单腿状态
type LegStatus string

const (
	LegPending LegStatus = "PENDING"
	LegOpening LegStatus = "OPENING"
	LegOpen    LegStatus = "OPEN"
	LegClosing LegStatus = "CLOSING"
	LegClosed  LegStatus = "CLOSED"
	LegFailed  LegStatus = "FAILED"
)

// ProtectiveKind 保护单类型
type ProtectiveKind string

const (
	ProtectiveTakeProfit ProtectiveKind = "TAKE_PROFIT"
	ProtectiveStopLoss   ProtectiveKind = "STOP_LOSS"
)

// ProtectiveParams 止盈止损参数（相对开仓均价的百分比，0 表示不设置）
type ProtectiveParams struct {
	TakeProfitPct decimal.Decimal `json:"take_profit_pct"`
	StopLossPct   decimal.Decimal `json:"stop_loss_pct"`
}

// Enabled 是否配置了任一保护单
func (p ProtectiveParams) Enabled() bool {
	return p.TakeProfitPct.IsPositive() || p.StopLossPct.IsPositive()
}

// ProtectiveOrder 已挂出的保护单
type ProtectiveOrder struct {
	Kind         ProtectiveKind  `json:"kind"`
	OrderID      string          `json:"order_id"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Quantity     decimal.Decimal `json:"quantity"`
}

// Leg 对冲持仓的单腿
type Leg struct {
	Role          LegRole           `json:"role"`
	Exchange      string            `json:"exchange"`
	Side          Side              `json:"side"`
	Leverage      int               `json:"leverage"`
	Quantity      decimal.Decimal   `json:"quantity"`   // 目标数量
	FilledQty     decimal.Decimal   `json:"filled_qty"` // 实际开仓成交
	ClosedQty     decimal.Decimal   `json:"closed_qty"` // 已平仓数量
	AvgEntryPrice decimal.Decimal   `json:"avg_entry_price"`
	AvgExitPrice  decimal.Decimal   `json:"avg_exit_price"`
	Fees          decimal.Decimal   `json:"fees"`
	OrderIDs      []string          `json:"order_ids"` // 按提交顺序
	Status        LegStatus         `json:"status"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	Protective    []ProtectiveOrder `json:"protective,omitempty"`

	// 资金费由账本原子写入，不随腿明细一起持久化
	FundingEarned decimal.Decimal `json:"-"`
}

// OpenQty 当前敞口
func (l *Leg) OpenQty() decimal.Decimal {
	q := l.FilledQty.Sub(l.ClosedQty)
	if q.IsNegative() {
		return decimal.Zero
	}
	return q
}

// Remaining 距离目标数量的剩余
func (l *Leg) Remaining() decimal.Decimal {
	return l.Quantity.Sub(l.FilledQty)
}

// RecordFill 记录开仓成交并更新加权均价；成交量不得超过目标数量
func (l *Leg) RecordFill(qty, price decimal.Decimal) error {
	if !qty.IsPositive() {
		return nil
	}
	next := l.FilledQty.Add(qty)
	if next.GreaterThan(l.Quantity) {
		return fmt.Errorf("leg %s fill %s exceeds target %s", l.Role, next, l.Quantity)
	}
	if price.IsPositive() {
		notional := l.AvgEntryPrice.Mul(l.FilledQty).Add(price.Mul(qty))
		l.AvgEntryPrice = notional.Div(next)
	}
	l.FilledQty = next
	return nil
}

// RecordClose 记录平仓成交
func (l *Leg) RecordClose(qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	open := l.OpenQty()
	if qty.GreaterThan(open) {
		qty = open
	}
	if price.IsPositive() {
		notional := l.AvgExitPrice.Mul(l.ClosedQty).Add(price.Mul(qty))
		l.AvgExitPrice = notional.Div(l.ClosedQty.Add(qty))
	}
	l.ClosedQty = l.ClosedQty.Add(qty)
}

// OrderPurpose 订单用途
type OrderPurpose string

const (
	PurposeEntry      OrderPurpose = "ENTRY"
	PurposeUnwind     OrderPurpose = "UNWIND"
	PurposeExit       OrderPurpose = "EXIT"
	PurposeTakeProfit OrderPurpose = "TAKE_PROFIT"
	PurposeStopLoss   OrderPurpose = "STOP_LOSS"
)

// OrderRecord 持仓拥有的订单记录（只追加，按下标引用）
type OrderRecord struct {
	Index       int             `json:"index"`
	Role        LegRole         `json:"role"`
	Part        int             `json:"part"`
	Purpose     OrderPurpose    `json:"purpose"`
	Exchange    string          `json:"exchange"`
	OrderID     string          `json:"order_id,omitempty"`
	ClientID    string          `json:"client_id,omitempty"`
	Side        OrderSide       `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	State       OrderState      `json:"state"`
	Reason      string          `json:"reason,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Position 双腿对冲持仓
type Position struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	Symbol         string           `json:"symbol"`
	SubscriptionID string           `json:"subscription_id,omitempty"`
	Status         PositionStatus   `json:"status"`
	GraduatedParts int              `json:"graduated_parts"`
	CurrentPart    int              `json:"current_part"`
	Primary        Leg              `json:"primary"`
	Hedge          Leg              `json:"hedge"`
	Orders         []OrderRecord    `json:"orders"`
	Protective     ProtectiveParams `json:"protective"`

	LastFundingPaid    decimal.Decimal `json:"last_funding_paid"`
	LastFundingAt      *time.Time      `json:"last_funding_at,omitempty"`
	TotalFundingEarned decimal.Decimal `json:"total_funding_earned"`
	GrossProfit        decimal.Decimal `json:"gross_profit"`
	NetProfit          decimal.Decimal `json:"net_profit"`

	ErrorMessage string `json:"error_message,omitempty"`
	Note         string `json:"note,omitempty"`
	NeedsAudit   bool   `json:"needs_audit,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ExitAt         *time.Time `json:"exit_at,omitempty"` // 计划平仓时间
}

// IsTerminal 是否终态
func (p *Position) IsTerminal() bool { return p.Status.IsTerminal() }

// Leg 按角色取腿
func (p *Position) Leg(role LegRole) *Leg {
	if role == RoleHedge {
		return &p.Hedge
	}
	return &p.Primary
}

// Transition 引擎侧状态迁移；终态不可再迁移
func (p *Position) Transition(to PositionStatus, at time.Time) error {
	if p.Status.IsTerminal() {
		return fmt.Errorf("position %s is %s: %w", p.ID, p.Status, ErrTerminalStatus)
	}
	if !p.Status.CanTransition(to) {
		return fmt.Errorf("position %s: illegal transition %s -> %s", p.ID, p.Status, to)
	}
	p.Status = to
	switch {
	case to == PositionExecuting && p.StartedAt == nil:
		p.StartedAt = &at
	case to.IsTerminal():
		p.CompletedAt = &at
	}
	return nil
}

// AdvancePart 分片双腿确认后推进进度；currentPart 只增不减
func (p *Position) AdvancePart(part int) error {
	if part != p.CurrentPart+1 || part > p.GraduatedParts {
		return fmt.Errorf("position %s: cannot advance from part %d to %d of %d", p.ID, p.CurrentPart, part, p.GraduatedParts)
	}
	p.CurrentPart = part
	return nil
}

// AppendOrder 追加订单记录，返回其下标
func (p *Position) AppendOrder(rec OrderRecord) int {
	rec.Index = len(p.Orders)
	p.Orders = append(p.Orders, rec)
	if rec.OrderID != "" {
		leg := p.Leg(rec.Role)
		leg.OrderIDs = append(leg.OrderIDs, rec.OrderID)
	}
	return rec.Index
}

// Order 按下标取订单记录
func (p *Position) Order(idx int) *OrderRecord {
	if idx < 0 || idx >= len(p.Orders) {
		return nil
	}
	return &p.Orders[idx]
}

// Hedged 双腿均有成交
func (p *Position) Hedged() bool {
	return p.Primary.FilledQty.IsPositive() && p.Hedge.FilledQty.IsPositive()
}

// Imbalance 主腿相对对冲腿的未对冲敞口（正数表示主腿多出）
func (p *Position) Imbalance() decimal.Decimal {
	return p.Primary.OpenQty().Sub(p.Hedge.OpenQty())
}

// AddNote 追加备注
func (p *Position) AddNote(note string) {
	if p.Note == "" {
		p.Note = note
		return
	}
	p.Note = p.Note + "; " + note
}

// Clone 深拷贝（切片字段独立）
func (p Position) Clone() Position {
	out := p
	out.Orders = append([]OrderRecord(nil), p.Orders...)
	out.Primary = p.Primary.clone()
	out.Hedge = p.Hedge.clone()
	return out
}

func (l Leg) clone() Leg {
	out := l
	out.OrderIDs = append([]string(nil), l.OrderIDs...)
	out.Protective = append([]ProtectiveOrder(nil), l.Protective...)
	return out
}
