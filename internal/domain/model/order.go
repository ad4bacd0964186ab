package model

// OrderSide 下单方向
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite 反向
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

// OrderState 订单状态（交易所状态归一化后）
type OrderState string

const (
	OrderSubmitted       OrderState = "SUBMITTED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderRejected        OrderState = "REJECTED"
	OrderExpired         OrderState = "EXPIRED"
	OrderFailed          OrderState = "FAILED" // 未能提交到交易所
)

// Final 是否已结束（不会再有成交）
func (s OrderState) Final() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired, OrderFailed:
		return true
	}
	return false
}
