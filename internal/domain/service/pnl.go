package service

import (
	"github.com/shopspring/decimal"

	"fundingarb/internal/domain/model"
)

// Profit 持仓收益
type Profit struct {
	PricePnL decimal.Decimal // 双腿价格盈亏
	Funding  decimal.Decimal // 累计资金费
	Fees     decimal.Decimal // 双腿开平仓手续费
	Gross    decimal.Decimal // 价格盈亏 + 资金费
	Net      decimal.Decimal // Gross - Fees
}

// LegPricePnL 单腿已平仓部分的价格盈亏
func LegPricePnL(leg *model.Leg) decimal.Decimal {
	if !leg.ClosedQty.IsPositive() {
		return decimal.Zero
	}
	diff := leg.AvgExitPrice.Sub(leg.AvgEntryPrice)
	return diff.Mul(leg.ClosedQty).Mul(leg.Side.Sign())
}

// ComputeProfit 计算毛利与净利（手续费包含开仓与平仓）
func ComputeProfit(p *model.Position) Profit {
	price := LegPricePnL(&p.Primary).Add(LegPricePnL(&p.Hedge))
	fees := p.Primary.Fees.Add(p.Hedge.Fees)
	gross := price.Add(p.TotalFundingEarned)
	return Profit{
		PricePnL: price,
		Funding:  p.TotalFundingEarned,
		Fees:     fees,
		Gross:    gross,
		Net:      gross.Sub(fees),
	}
}

// HedgeFirstOnExit 收益由资金费驱动且对冲腿为静置腿（未收取资金费）时，先平对冲腿
func HedgeFirstOnExit(p *model.Position) bool {
	if !p.TotalFundingEarned.IsPositive() {
		return false
	}
	return !p.Hedge.FundingEarned.IsPositive() && p.Primary.FundingEarned.IsPositive()
}
