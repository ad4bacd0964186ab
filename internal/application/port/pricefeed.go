package port

import (
	"context"

	"github.com/shopspring/decimal"
)

// MarkPriceTick 标记价格推送
type MarkPriceTick struct {
	Exchange        string          // "binance" "bybit"
	Symbol          string          // "BTCUSDT"
	MarkPrice       decimal.Decimal // 标记价格
	FundingRate     decimal.Decimal // 当前预测资金费率
	NextFundingTime int64           // unix ms，0 表示未推送
	Ts              int64           // unix ms
}

// MarkPriceFeed 标记价格流
type MarkPriceFeed interface {
	Name() string
	Subscribe(ctx context.Context, symbols []string) (<-chan MarkPriceTick, error)
}
