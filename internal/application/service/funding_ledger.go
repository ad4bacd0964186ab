package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
	domainsvc "fundingarb/internal/domain/service"
)

// SettlementHistory 结算历史来源
type SettlementHistory interface {
	Settlements(exchange, symbol string) []model.FundingSettlement
}

// FundingLedger 资金费入账
//
// 入账键为 (positionId, exchange, fundingTime)，重复结算与补录都不会重复计入。
type FundingLedger struct {
	store   port.Store
	history SettlementHistory
	events  port.EventPublisher
	now     func() time.Time
}

// NewFundingLedger 创建账本
func NewFundingLedger(store port.Store, history SettlementHistory, events port.EventPublisher) *FundingLedger {
	return &FundingLedger{store: store, history: history, events: events, now: time.Now}
}

// OnSettlement 为该 (exchange, symbol) 上有敞口且在结算前已开始的非终态持仓入账
func (l *FundingLedger) OnSettlement(ctx context.Context, st model.FundingSettlement) {
	positions, err := l.store.ListPositionsByStatus(ctx, model.NonTerminalPositionStatuses...)
	if err != nil {
		log.Error().Str("exchange", st.Exchange).Str("symbol", st.Symbol).Err(err).Msg("list positions for funding failed")
		return
	}
	for _, p := range positions {
		if p.Symbol != st.Symbol || p.StartedAt == nil || !p.StartedAt.Before(st.FundingTime) {
			continue
		}
		for _, role := range []model.LegRole{model.RolePrimary, model.RoleHedge} {
			leg := p.Leg(role)
			if leg.Exchange != st.Exchange || !leg.OpenQty().IsPositive() {
				continue
			}
			if _, err := l.credit(ctx, &p, role, leg.OpenQty(), st); err != nil {
				log.Error().Str("position", p.ID).Str("leg", string(role)).Err(err).Msg("credit funding failed")
			}
		}
	}
}

// Backfill 用观测器的结算历史补录持仓窗口 [startedAt, completedAt|now] 内的资金费，返回新入账笔数
func (l *FundingLedger) Backfill(ctx context.Context, positionID string) (int, error) {
	p, err := l.store.GetPosition(ctx, positionID)
	if err != nil {
		return 0, err
	}
	if p.StartedAt == nil {
		return 0, nil
	}
	end := l.now()
	if p.CompletedAt != nil {
		end = *p.CompletedAt
	}
	applied := 0
	for _, role := range []model.LegRole{model.RolePrimary, model.RoleHedge} {
		leg := p.Leg(role)
		// 补录时敞口按建仓成交量计：窗口截止于平仓时间
		held := leg.FilledQty
		if !held.IsPositive() {
			continue
		}
		for _, st := range l.history.Settlements(leg.Exchange, p.Symbol) {
			if !st.FundingTime.After(*p.StartedAt) || st.FundingTime.After(end) {
				continue
			}
			ok, err := l.credit(ctx, &p, role, held, st)
			if err != nil {
				return applied, err
			}
			if ok {
				applied++
			}
		}
	}
	if applied > 0 {
		log.Info().Str("position", p.ID).Int("payments", applied).Msg("funding backfilled")
	}
	return applied, nil
}

func (l *FundingLedger) credit(ctx context.Context, p *model.Position, role model.LegRole, qty decimal.Decimal, st model.FundingSettlement) (bool, error) {
	leg := p.Leg(role)
	pay := model.FundingPayment{
		PositionID:  p.ID,
		Exchange:    st.Exchange,
		Role:        role,
		FundingTime: st.FundingTime,
		FundingRate: st.FundingRate,
		MarkPrice:   st.MarkPrice,
		Quantity:    qty,
		Amount:      domainsvc.FundingAmount(leg.Side, qty, st.MarkPrice, st.FundingRate),
		RecordedAt:  l.now(),
	}
	applied, err := l.store.ApplyFunding(ctx, pay)
	if err != nil || !applied {
		return false, err
	}
	log.Info().
		Str("position", p.ID).
		Str("exchange", st.Exchange).
		Str("leg", string(role)).
		Time("funding_time", st.FundingTime).
		Str("amount", pay.Amount.String()).
		Msg("funding credited")
	if l.events != nil {
		ev := model.PositionEvent(model.EventFundingCredited, p, fmt.Sprintf("%s %s %s", role, st.Exchange, pay.Amount), l.now())
		if err := l.events.Publish(ctx, ev); err != nil {
			log.Warn().Str("position", p.ID).Err(err).Msg("publish funding event failed")
		}
	}
	return true, nil
}
