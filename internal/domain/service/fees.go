package service

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FeeRate 单个交易所的手续费率（比例，如 0.0004 = 0.04%）
type FeeRate struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// FeeSchedule 各交易所手续费表
type FeeSchedule struct {
	rates    map[string]FeeRate
	fallback FeeRate
}

// NewFeeSchedule 创建手续费表；未配置的交易所使用默认吃单费率 0.05%
func NewFeeSchedule(rates map[string]FeeRate) *FeeSchedule {
	fs := &FeeSchedule{
		rates: make(map[string]FeeRate, len(rates)),
		fallback: FeeRate{
			Maker: decimal.RequireFromString("0.0002"),
			Taker: decimal.RequireFromString("0.0005"),
		},
	}
	for name, r := range rates {
		fs.rates[strings.ToLower(name)] = r
	}
	return fs
}

// DefaultFeeSchedule 常用交易所默认费率（VIP0）
func DefaultFeeSchedule() *FeeSchedule {
	return NewFeeSchedule(map[string]FeeRate{
		"binance": {Maker: decimal.RequireFromString("0.0002"), Taker: decimal.RequireFromString("0.0004")},
		"bybit":   {Maker: decimal.RequireFromString("0.0002"), Taker: decimal.RequireFromString("0.00055")},
	})
}

// Rate 取交易所费率
func (fs *FeeSchedule) Rate(exchange string) FeeRate {
	if fs == nil {
		return FeeRate{}
	}
	if r, ok := fs.rates[strings.ToLower(exchange)]; ok {
		return r
	}
	return fs.fallback
}

// TakerFee 市价单手续费 = 成交量 * 成交价 * 吃单费率
func (fs *FeeSchedule) TakerFee(exchange string, qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price).Mul(fs.Rate(exchange).Taker).Abs()
}
