package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
	domainsvc "fundingarb/internal/domain/service"
)

const tickLockKey = "scheduler:tick"

// FundingSource 调度器依赖的快照来源
type FundingSource interface {
	Observe(ctx context.Context, exchange, symbol string) (model.FundingSnapshot, error)
	Watch(exchange, symbol string)
}

// ExecutionRequester 调度器向引擎交接的接口
type ExecutionRequester interface {
	RequestExecution(ctx context.Context, req ExecutionRequest) (PositionHandle, error)
	ClosePosition(ctx context.Context, positionID, userID string) (model.Position, error)
}

// SchedulerConfig 调度参数
type SchedulerConfig struct {
	TickInterval    time.Duration
	EntryOffset     time.Duration            // 默认入场提前量
	ExchangeOffsets map[string]time.Duration // 按交易所覆盖
	ExitDelay       time.Duration            // 结算后多久平仓
	LockTTL         time.Duration
	QuantityStep    decimal.Decimal
}

// Scheduler 资金费窗口订阅调度器
//
// 所有订阅状态变更都在 mu 下进行，执行回调也不例外，避免回调早于交接结果落库。
type Scheduler struct {
	store     port.Store
	source    FundingSource
	requester ExecutionRequester
	locker    port.Locker
	events    port.EventPublisher
	metrics   port.Metrics
	cfg       SchedulerConfig
	now       func() time.Time

	mu sync.Mutex
}

// NewScheduler 创建调度器；locker 为空时不做多实例互斥
func NewScheduler(
	store port.Store,
	source FundingSource,
	requester ExecutionRequester,
	locker port.Locker,
	events port.EventPublisher,
	metrics port.Metrics,
	cfg SchedulerConfig,
) *Scheduler {
	if metrics == nil {
		metrics = port.NopMetrics{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Scheduler{
		store:     store,
		source:    source,
		requester: requester,
		locker:    locker,
		events:    events,
		metrics:   metrics,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Subscribe 创建订阅；同一 (symbol, primary, hedge) 已有非终态订阅时返回
// model.ErrDuplicateActiveSubscription，除非设置了 Supersede 且旧订阅仍为 PENDING
func (s *Scheduler) Subscribe(ctx context.Context, symbol, primary, hedge string, cfg model.SubscriptionConfig) (model.Subscription, error) {
	if symbol == "" || primary == "" || hedge == "" || primary == hedge {
		return model.Subscription{}, &model.Error{Kind: model.KindRejected, Op: "scheduler.subscribe", Reason: "symbol and two distinct exchanges required"}
	}
	if err := cfg.Validate(); err != nil {
		return model.Subscription{}, &model.Error{Kind: model.KindRejected, Op: "scheduler.subscribe", Reason: err.Error()}
	}
	if cfg.PrimarySide == "" {
		cfg.PrimarySide = model.SideShort
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub := model.Subscription{
		ID:              uuid.NewString(),
		Symbol:          symbol,
		PrimaryExchange: primary,
		HedgeExchange:   hedge,
		Status:          model.SubscriptionPending,
		Config:          cfg,
		CreatedAt:       s.now(),
	}
	if cfg.Supersede {
		if err := s.supersede(ctx, &sub); err != nil {
			return model.Subscription{}, err
		}
	}

	s.source.Watch(primary, symbol)
	s.source.Watch(hedge, symbol)
	if err := s.schedule(ctx, &sub); err != nil {
		log.Info().
			Str("subscription", sub.ID).
			Str("symbol", symbol).
			Err(err).
			Msg("subscription left unscheduled, will re-observe")
	}

	if err := s.store.InsertSubscriptionIfAbsent(ctx, sub); err != nil {
		if errors.Is(err, model.ErrDuplicateActiveSubscription) {
			return model.Subscription{}, &model.Error{Kind: model.KindConstraint, Op: "scheduler.subscribe", Err: err}
		}
		return model.Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}
	s.changed(ctx, &sub, model.EventSubscriptionCreated, "")
	return sub, nil
}

// supersede 取消同一路由上仍为 PENDING 的旧订阅
func (s *Scheduler) supersede(ctx context.Context, sub *model.Subscription) error {
	active, err := s.store.ListSubscriptions(ctx, model.NonTerminalSubscriptionStatuses...)
	if err != nil {
		return err
	}
	for _, old := range active {
		if old.Key() != sub.Key() {
			continue
		}
		if old.Status != model.SubscriptionPending {
			return &model.Error{Kind: model.KindConstraint, Op: "scheduler.supersede", Reason: "subscription " + old.ID + " already triggered", Err: model.ErrAlreadyExecuting}
		}
		if err := old.Transition(model.SubscriptionCancelled); err != nil {
			return err
		}
		old.ErrorMessage = "superseded by " + sub.ID
		if err := s.store.UpdateSubscription(ctx, old); err != nil {
			return err
		}
		s.changed(ctx, &old, model.EventSubscriptionCancelled, old.ErrorMessage)
	}
	return nil
}

// ComputeTriggerTime 入场触发时间 = nextFundingTime - entryOffset；无效快照返回数据质量错误
func (s *Scheduler) ComputeTriggerTime(snap model.FundingSnapshot) (time.Time, error) {
	trigger, _, err := s.triggerFor(snap)
	return trigger, err
}

func (s *Scheduler) triggerFor(snap model.FundingSnapshot) (time.Time, time.Time, error) {
	if err := snap.Validate(); err != nil {
		return time.Time{}, time.Time{}, err
	}
	interval, _ := snap.Interval()
	return domainsvc.EntryTrigger(snap.NextFundingTime, interval, s.offset(snap.Exchange), s.now())
}

func (s *Scheduler) offset(exchange string) time.Duration {
	if d, ok := s.cfg.ExchangeOffsets[exchange]; ok {
		return d
	}
	return s.cfg.EntryOffset
}

// schedule 观测主腿快照并写入入场/平仓时间
func (s *Scheduler) schedule(ctx context.Context, sub *model.Subscription) error {
	snap, err := s.source.Observe(ctx, sub.PrimaryExchange, sub.Symbol)
	if err != nil {
		return err
	}
	trigger, fundingTime, err := s.triggerFor(snap)
	if err != nil {
		return err
	}
	exit := fundingTime.Add(s.cfg.ExitDelay)
	sub.ScheduledEntryTime = &trigger
	sub.FundingTime = &fundingTime
	sub.ScheduledExitTime = &exit
	sub.EntryPrice, _ = snap.Mark()
	if hs, err := s.source.Observe(ctx, sub.HedgeExchange, sub.Symbol); err == nil {
		sub.HedgeEntryPrice, _ = hs.Mark()
	}
	log.Info().
		Str("subscription", sub.ID).
		Str("symbol", sub.Symbol).
		Time("entry", trigger).
		Time("funding", fundingTime).
		Time("exit", exit).
		Int("interval_hours", snap.FundingIntervalHours).
		Msg("subscription scheduled")
	return nil
}

// Tick 触发到期订阅并发起到期平仓；其他实例持有锁时跳过
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.locker != nil {
		unlock, err := s.locker.Acquire(ctx, tickLockKey, s.cfg.LockTTL)
		if errors.Is(err, model.ErrLockHeld) {
			log.Debug().Msg("scheduler tick skipped, lock held elsewhere")
			return nil
		}
		if err != nil {
			return fmt.Errorf("acquire tick lock: %w", err)
		}
		defer unlock()
	}

	s.mu.Lock()
	err := s.tickSubscriptions(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.exitDue(ctx)
	return nil
}

func (s *Scheduler) tickSubscriptions(ctx context.Context) error {
	pending, err := s.store.ListSubscriptions(ctx, model.SubscriptionPending)
	if err != nil {
		return fmt.Errorf("list pending subscriptions: %w", err)
	}
	for i := range pending {
		sub := &pending[i]
		if sub.ScheduledEntryTime == nil {
			if err := s.schedule(ctx, sub); err != nil {
				log.Debug().Str("subscription", sub.ID).Err(err).Msg("still unscheduled")
				continue
			}
			if err := s.store.UpdateSubscription(ctx, *sub); err != nil {
				log.Error().Str("subscription", sub.ID).Err(err).Msg("persist schedule failed")
				continue
			}
		}
		if sub.Due(s.now()) {
			s.trigger(ctx, sub)
		}
	}
	return nil
}

// trigger 触发时重新观测：快照无效不触发，结算时间已过则转 ERROR
func (s *Scheduler) trigger(ctx context.Context, sub *model.Subscription) {
	now := s.now()
	if sub.FundingTime != nil && !now.Before(*sub.FundingTime) {
		s.errored(ctx, sub, "funding time passed before entry")
		return
	}
	snap, err := s.source.Observe(ctx, sub.PrimaryExchange, sub.Symbol)
	if err != nil {
		log.Warn().
			Str("subscription", sub.ID).
			Str("kind", model.KindOf(err).String()).
			Err(err).
			Msg("snapshot unusable at trigger time, retrying next tick")
		return
	}

	qty := sub.Config.Quantity
	if !qty.IsPositive() {
		qty, err = domainsvc.SizeFromNotional(sub.Config.Notional, snap, s.cfg.QuantityStep)
		if err != nil {
			s.errored(ctx, sub, "size from notional: "+model.Reason(err))
			return
		}
	}
	if mark, err := snap.Mark(); err == nil {
		sub.EntryPrice = mark
	}

	if err := sub.Transition(model.SubscriptionTriggered); err != nil {
		log.Error().Str("subscription", sub.ID).Err(err).Msg("trigger transition failed")
		return
	}
	if err := s.store.UpdateSubscription(ctx, *sub); err != nil {
		log.Error().Str("subscription", sub.ID).Err(err).Msg("persist trigger failed")
		return
	}
	s.changed(ctx, sub, model.EventSubscriptionTriggered, "")

	handle, err := s.requester.RequestExecution(ctx, ExecutionRequest{
		UserID:          sub.Config.UserID,
		Symbol:          sub.Symbol,
		PrimaryExchange: sub.PrimaryExchange,
		HedgeExchange:   sub.HedgeExchange,
		Quantity:        qty,
		GraduatedParts:  sub.Config.GraduatedParts,
		Leverage:        sub.Config.Leverage,
		PrimarySide:     sub.Config.PrimarySide,
		Protective:      sub.Config.Protective,
		SubscriptionID:  sub.ID,
		ExitAt:          sub.ScheduledExitTime,
	})
	if err != nil {
		s.errored(ctx, sub, "handoff failed: "+model.Reason(err))
		return
	}
	sub.PositionID = handle.PositionID
	if err := s.store.UpdateSubscription(ctx, *sub); err != nil {
		log.Error().Str("subscription", sub.ID).Str("position", handle.PositionID).Err(err).Msg("persist handoff failed")
	}
	log.Info().
		Str("subscription", sub.ID).
		Str("position", handle.PositionID).
		Str("quantity", qty.String()).
		Msg("subscription handed off")
}

func (s *Scheduler) errored(ctx context.Context, sub *model.Subscription, reason string) {
	if err := sub.Transition(model.SubscriptionError); err != nil {
		log.Error().Str("subscription", sub.ID).Err(err).Msg("error transition failed")
		return
	}
	sub.ErrorMessage = reason
	if err := s.store.UpdateSubscription(ctx, *sub); err != nil {
		log.Error().Str("subscription", sub.ID).Err(err).Msg("persist subscription error failed")
	}
	s.changed(ctx, sub, model.EventSubscriptionErrored, reason)
	log.Warn().Str("subscription", sub.ID).Str("reason", reason).Msg("subscription failed")
}

// exitDue 对到达平仓时间的 ACTIVE 持仓发起平仓
func (s *Scheduler) exitDue(ctx context.Context) {
	due, err := s.store.ListDueExits(ctx, s.now())
	if err != nil {
		log.Warn().Err(err).Msg("list due exits failed")
		return
	}
	for _, p := range due {
		if _, err := s.requester.ClosePosition(ctx, p.ID, ""); err != nil {
			log.Warn().Str("position", p.ID).Err(err).Msg("scheduled exit failed, will retry")
		}
	}
}

// Cancel 仅允许 PENDING 或尚未交接的 TRIGGERED 订阅
func (s *Scheduler) Cancel(ctx context.Context, id string) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return model.Subscription{}, err
	}
	switch {
	case sub.Status == model.SubscriptionPending:
	case sub.Status == model.SubscriptionTriggered && sub.PositionID == "":
	case sub.Status == model.SubscriptionTriggered, sub.Status == model.SubscriptionExecuted:
		return sub, &model.Error{Kind: model.KindConstraint, Op: "scheduler.cancel", Reason: "subscription " + id, Err: model.ErrAlreadyExecuting}
	default:
		return sub, &model.Error{Kind: model.KindConstraint, Op: "scheduler.cancel", Reason: "subscription " + id + " is " + string(sub.Status), Err: model.ErrTerminalStatus}
	}
	if err := sub.Transition(model.SubscriptionCancelled); err != nil {
		return sub, err
	}
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return sub, err
	}
	s.changed(ctx, &sub, model.EventSubscriptionCancelled, "")
	return sub, nil
}

// PositionActivated 持仓进入 ACTIVE：订阅 EXECUTED
func (s *Scheduler) PositionActivated(ctx context.Context, p model.Position) {
	if p.SubscriptionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle(ctx, p.SubscriptionID, &p, nil)
}

// PositionFailed 持仓失败或被停止：订阅 ERROR
func (s *Scheduler) PositionFailed(ctx context.Context, p model.Position, err error) {
	if p.SubscriptionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = errors.New(p.ErrorMessage)
	}
	s.settle(ctx, p.SubscriptionID, &p, err)
}

// settle 根据持仓结果结算 TRIGGERED 订阅
func (s *Scheduler) settle(ctx context.Context, subID string, p *model.Position, cause error) {
	sub, err := s.store.GetSubscription(ctx, subID)
	if err != nil {
		log.Warn().Str("subscription", subID).Err(err).Msg("load subscription for settlement failed")
		return
	}
	if sub.Status != model.SubscriptionTriggered {
		return
	}
	sub.PositionID = p.ID
	if cause != nil {
		reason := p.ErrorMessage
		if reason == "" {
			reason = model.Reason(cause)
		}
		s.errored(ctx, &sub, reason)
		return
	}
	if err := sub.Transition(model.SubscriptionExecuted); err != nil {
		log.Error().Str("subscription", sub.ID).Err(err).Msg("executed transition failed")
		return
	}
	at := s.now()
	sub.ExecutedAt = &at
	sub.EntryPrice = p.Primary.AvgEntryPrice
	sub.HedgeEntryPrice = p.Hedge.AvgEntryPrice
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		log.Error().Str("subscription", sub.ID).Err(err).Msg("persist executed subscription failed")
		return
	}
	s.changed(ctx, &sub, model.EventSubscriptionExecuted, "")
}

// Recover 启动时恢复资金费观测，并结算遗留的 TRIGGERED 订阅
func (s *Scheduler) Recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rewatch(ctx); err != nil {
		return err
	}
	triggered, err := s.store.ListSubscriptions(ctx, model.SubscriptionTriggered)
	if err != nil {
		return fmt.Errorf("list triggered subscriptions: %w", err)
	}
	if len(triggered) == 0 {
		return nil
	}
	bySub, err := s.positionsBySubscription(ctx)
	if err != nil {
		return err
	}
	for i := range triggered {
		sub := &triggered[i]
		p, ok := bySub[sub.ID]
		if !ok && sub.PositionID != "" {
			if got, err := s.store.GetPosition(ctx, sub.PositionID); err == nil {
				p, ok = got, true
			}
		}
		if !ok {
			s.errored(ctx, sub, "execution handoff interrupted by restart")
			continue
		}
		switch {
		case p.Status == model.PositionActive || p.Status == model.PositionCompleted:
			s.settle(ctx, sub.ID, &p, nil)
		case p.Status.IsTerminal():
			s.settle(ctx, sub.ID, &p, errors.New(string(p.Status)))
		default:
			log.Warn().
				Str("subscription", sub.ID).
				Str("position", p.ID).
				Str("status", string(p.Status)).
				Msg("triggered subscription owns an unfinished position")
		}
	}
	return nil
}

// rewatch 非终态订阅与持仓的两腿重新加入观测集合
func (s *Scheduler) rewatch(ctx context.Context) error {
	subs, err := s.store.ListSubscriptions(ctx, model.NonTerminalSubscriptionStatuses...)
	if err != nil {
		return fmt.Errorf("list open subscriptions: %w", err)
	}
	for _, sub := range subs {
		s.source.Watch(sub.PrimaryExchange, sub.Symbol)
		s.source.Watch(sub.HedgeExchange, sub.Symbol)
	}
	positions, err := s.store.ListPositionsByStatus(ctx,
		model.PositionInitializing, model.PositionExecuting, model.PositionActive)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}
	for _, p := range positions {
		s.source.Watch(p.Primary.Exchange, p.Symbol)
		s.source.Watch(p.Hedge.Exchange, p.Symbol)
	}
	if n := len(subs) + len(positions); n > 0 {
		log.Info().Int("subscriptions", len(subs)).Int("positions", len(positions)).Msg("funding watch restored")
	}
	return nil
}

func (s *Scheduler) positionsBySubscription(ctx context.Context) (map[string]model.Position, error) {
	all, err := s.store.ListPositionsByStatus(ctx,
		model.PositionInitializing, model.PositionExecuting, model.PositionActive,
		model.PositionCompleted, model.PositionError, model.PositionCancelled, model.PositionLiquidated)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	out := make(map[string]model.Position)
	for _, p := range all {
		if p.SubscriptionID != "" {
			out[p.SubscriptionID] = p
		}
	}
	return out, nil
}

// List 按状态列出订阅
func (s *Scheduler) List(ctx context.Context, statuses ...model.SubscriptionStatus) ([]model.Subscription, error) {
	return s.store.ListSubscriptions(ctx, statuses...)
}

// Get 查询订阅
func (s *Scheduler) Get(ctx context.Context, id string) (model.Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// Run 启动时恢复，然后按 TickInterval 周期调度
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("recover subscriptions failed")
	}
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("scheduler tick failed")
			}
		}
	}
}

func (s *Scheduler) changed(ctx context.Context, sub *model.Subscription, t model.EventType, msg string) {
	s.metrics.SubscriptionChanged(string(sub.Status))
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, model.SubscriptionEvent(t, sub, msg, s.now())); err != nil {
		log.Warn().Str("subscription", sub.ID).Str("event", string(t)).Err(err).Msg("publish event failed")
	}
}
