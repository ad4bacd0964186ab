package port

import (
	"context"

	"github.com/shopspring/decimal"

	"fundingarb/internal/domain/model"
)

// OrderRequest 下单请求
type OrderRequest struct {
	Symbol        string
	Side          model.OrderSide
	Type          model.OrderType
	Quantity      decimal.Decimal
	StopPrice     decimal.Decimal // 止盈止损触发价
	ReduceOnly    bool
	Leverage      int
	ClientOrderID string
}

// OrderAck 下单回执；市价单可能已带成交信息
type OrderAck struct {
	OrderID   string
	State     model.OrderState
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
}

// OrderStatus 订单查询结果
type OrderStatus struct {
	OrderID   string
	State     model.OrderState
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Reason    string
}

// ExchangePosition 交易所侧持仓
type ExchangePosition struct {
	Exchange   string
	Symbol     string
	Side       model.Side
	Quantity   decimal.Decimal // 绝对值
	EntryPrice decimal.Decimal
	Leverage   int
}

// Connector 交易所能力集合
//
// 所有调用失败时返回分类错误：model.ErrRateLimited、model.ErrTimeout、
// model.ErrAuthFailure 或 *model.RejectedError。
type Connector interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetFundingSnapshot(ctx context.Context, symbol string) (model.FundingSnapshot, error)
	GetOpenPositions(ctx context.Context) ([]ExchangePosition, error)
}

// ConnectorResolver 按交易所名称解析连接器
type ConnectorResolver interface {
	Get(exchange string) (Connector, error)
	Names() []string
}
