package service

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/domain/model"
)

// EntryTrigger 计算入场触发时间
//
// trigger = fundingTime - offset。若 nextFundingTime 已过期则按周期向后滚动；
// 若触发点已过但结算尚未发生，则立即触发。
func EntryTrigger(nextFunding time.Time, interval, offset time.Duration, now time.Time) (trigger, fundingTime time.Time, err error) {
	if interval <= 0 {
		return time.Time{}, time.Time{}, model.ErrUnknownFundingInterval
	}
	fundingTime = nextFunding
	for !fundingTime.After(now) {
		fundingTime = fundingTime.Add(interval)
	}
	trigger = fundingTime.Add(-offset)
	if trigger.Before(now) {
		trigger = now
	}
	return trigger, fundingTime, nil
}

// DeriveIntervalHours 由两次不同的 nextFundingTime 推导周期（小时）
func DeriveIntervalHours(prev, cur time.Time) (int, error) {
	diff := cur.Sub(prev)
	if diff <= 0 {
		return 0, fmt.Errorf("derive interval: next funding time did not advance (%s -> %s): %w",
			prev.Format(time.RFC3339), cur.Format(time.RFC3339), model.ErrUnknownFundingInterval)
	}
	if diff%time.Hour != 0 {
		return 0, fmt.Errorf("derive interval: %s is not a whole number of hours: %w", diff, model.ErrUnknownFundingInterval)
	}
	return int(diff / time.Hour), nil
}

// FundingAmount 单腿资金费：费率为正时多头支付、空头收取；正数为收入
func FundingAmount(side model.Side, qty, markPrice, rate decimal.Decimal) decimal.Decimal {
	return qty.Mul(markPrice).Mul(rate).Mul(side.Sign()).Neg()
}

// SizeFromNotional 按名义价值与有效标记价格计算数量
func SizeFromNotional(notional decimal.Decimal, snap model.FundingSnapshot, step decimal.Decimal) (decimal.Decimal, error) {
	mark, err := snap.Mark()
	if err != nil {
		return decimal.Zero, err
	}
	qty := roundDown(notional.Div(mark), step)
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("notional %s too small at mark %s", notional, mark)
	}
	return qty, nil
}
