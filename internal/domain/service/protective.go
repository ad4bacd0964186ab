package service

import (
	"github.com/shopspring/decimal"

	"fundingarb/internal/domain/model"
)

const pricePrecision = 8

var hundred = decimal.NewFromInt(100)

// ProtectiveTargets 根据开仓均价与参数计算单腿应挂的止盈止损单
//
// 多头止盈在上方、止损在下方；空头相反。数量为当前敞口。
func ProtectiveTargets(leg *model.Leg, params model.ProtectiveParams) []model.ProtectiveOrder {
	open := leg.OpenQty()
	if !open.IsPositive() || !leg.AvgEntryPrice.IsPositive() {
		return nil
	}
	var out []model.ProtectiveOrder
	if params.TakeProfitPct.IsPositive() {
		move := leg.AvgEntryPrice.Mul(params.TakeProfitPct).Div(hundred)
		out = append(out, model.ProtectiveOrder{
			Kind:         model.ProtectiveTakeProfit,
			TriggerPrice: leg.AvgEntryPrice.Add(move.Mul(leg.Side.Sign())).Round(pricePrecision),
			Quantity:     open,
		})
	}
	if params.StopLossPct.IsPositive() {
		move := leg.AvgEntryPrice.Mul(params.StopLossPct).Div(hundred)
		out = append(out, model.ProtectiveOrder{
			Kind:         model.ProtectiveStopLoss,
			TriggerPrice: leg.AvgEntryPrice.Sub(move.Mul(leg.Side.Sign())).Round(pricePrecision),
			Quantity:     open,
		})
	}
	return out
}

// ProtectiveDiff 当前保护单与目标的差异
type ProtectiveDiff struct {
	Keep   []model.ProtectiveOrder
	Cancel []model.ProtectiveOrder
	Place  []model.ProtectiveOrder
}

// Empty 无需任何交易所调用
func (d ProtectiveDiff) Empty() bool { return len(d.Cancel) == 0 && len(d.Place) == 0 }

// DiffProtective 仅替换与目标不一致的保护单
func DiffProtective(current, target []model.ProtectiveOrder) ProtectiveDiff {
	var diff ProtectiveDiff
	matched := make([]bool, len(target))
	for _, cur := range current {
		found := false
		for i, tgt := range target {
			if !matched[i] && sameProtective(cur, tgt) {
				matched[i] = true
				found = true
				break
			}
		}
		if found {
			diff.Keep = append(diff.Keep, cur)
		} else {
			diff.Cancel = append(diff.Cancel, cur)
		}
	}
	for i, tgt := range target {
		if !matched[i] {
			diff.Place = append(diff.Place, tgt)
		}
	}
	return diff
}

func sameProtective(a, b model.ProtectiveOrder) bool {
	return a.Kind == b.Kind && a.TriggerPrice.Equal(b.TriggerPrice) && a.Quantity.Equal(b.Quantity)
}

// ProtectiveOrderType 保护单对应的交易所订单类型
func ProtectiveOrderType(kind model.ProtectiveKind) model.OrderType {
	if kind == model.ProtectiveTakeProfit {
		return model.OrderTypeTakeProfit
	}
	return model.OrderTypeStopMarket
}
