package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
	domainsvc "fundingarb/internal/domain/service"
)

// EngineConfig 分批建仓引擎参数
type EngineConfig struct {
	OrderRetry       domainsvc.RetryPolicy // 下单瞬时错误重试
	FillPoll         domainsvc.RetryPolicy // 成交确认轮询
	HedgeAttempts    int                   // 对冲腿最多下单次数
	ImbalanceTimeout time.Duration         // 主腿成交后对冲必须完成的时限
	QuantityStep     decimal.Decimal       // 下单数量步长
}

// DefaultEngineConfig 默认参数
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		OrderRetry:       domainsvc.RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		FillPoll:         domainsvc.RetryPolicy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second},
		HedgeAttempts:    3,
		ImbalanceTimeout: 30 * time.Second,
	}
}

// Engine 分批建仓状态机
//
// Engine 本身无状态：每次调用都作用于调用方传入的持仓副本，
// 串行化由 Coordinator 的按持仓互斥保证。
type Engine struct {
	store      port.PositionRepository
	connectors port.ConnectorResolver
	fees       *domainsvc.FeeSchedule
	events     port.EventPublisher
	metrics    port.Metrics
	cfg        EngineConfig
	now        func() time.Time
}

// NewEngine 创建引擎
func NewEngine(
	store port.PositionRepository,
	connectors port.ConnectorResolver,
	fees *domainsvc.FeeSchedule,
	events port.EventPublisher,
	metrics port.Metrics,
	cfg EngineConfig,
) *Engine {
	if fees == nil {
		fees = domainsvc.DefaultFeeSchedule()
	}
	if metrics == nil {
		metrics = port.NopMetrics{}
	}
	if cfg.HedgeAttempts < 1 {
		cfg.HedgeAttempts = 1
	}
	if cfg.ImbalanceTimeout <= 0 {
		cfg.ImbalanceTimeout = 30 * time.Second
	}
	return &Engine{
		store:      store,
		connectors: connectors,
		fees:       fees,
		events:     events,
		metrics:    metrics,
		cfg:        cfg,
		now:        time.Now,
	}
}

// orderSpec 一笔待提交订单
type orderSpec struct {
	Role       model.LegRole
	Part       int
	Purpose    model.OrderPurpose
	Side       model.OrderSide
	Quantity   decimal.Decimal
	ReduceOnly bool
	// ignoreStop 平仓与回补敞口不受紧急停止影响
	ignoreStop bool
}

// orderResult 交易所往返结果
type orderResult struct {
	ack    port.OrderAck
	status port.OrderStatus
	err    error
	placed bool
	took   time.Duration
}

// Execute 从 currentPart+1 开始逐片建仓，直到 ACTIVE 或终态
func (e *Engine) Execute(ctx context.Context, exec *Execution, p model.Position) (model.Position, error) {
	pc, err := e.connectors.Get(p.Primary.Exchange)
	if err != nil {
		return e.fail(ctx, exec, p, nil, nil, err)
	}
	hc, err := e.connectors.Get(p.Hedge.Exchange)
	if err != nil {
		return e.fail(ctx, exec, p, nil, nil, err)
	}

	if exec.Stopped() {
		return e.halt(ctx, exec, p, pc, hc)
	}
	if p.Status == model.PositionInitializing {
		if err := p.Transition(model.PositionExecuting, e.now()); err != nil {
			return p, err
		}
		p.Primary.Status = model.LegOpening
		p.Hedge.Status = model.LegOpening
		e.save(ctx, &p)
		e.publish(ctx, model.PositionEvent(model.EventPositionOpened, &p, "", e.now()))
	}

	for part := p.CurrentPart + 1; part <= p.GraduatedParts; part++ {
		if exec.Stopped() {
			return e.halt(ctx, exec, p, pc, hc)
		}
		if err := e.executePart(ctx, exec, &p, part, pc, hc); err != nil {
			if errors.Is(err, model.ErrEmergencyStopped) {
				return e.halt(ctx, exec, p, pc, hc)
			}
			return e.fail(ctx, exec, p, pc, hc, err)
		}
	}

	p.Primary.Status = model.LegOpen
	p.Hedge.Status = model.LegOpen
	if err := p.Transition(model.PositionActive, e.now()); err != nil {
		return e.fail(ctx, exec, p, pc, hc, err)
	}
	e.save(ctx, &p)
	e.publish(ctx, model.PositionEvent(model.EventPositionActive, &p, "", e.now()))
	log.Info().
		Str("position", p.ID).
		Str("symbol", p.Symbol).
		Str("primary_filled", p.Primary.FilledQty.String()).
		Str("hedge_filled", p.Hedge.FilledQty.String()).
		Msg("position fully entered")

	if p.Protective.Enabled() {
		if _, err := e.SyncTpSl(ctx, &p); err != nil {
			log.Warn().Str("position", p.ID).Err(err).Msg("apply protective orders failed")
		}
		e.save(ctx, &p)
	}
	return p, nil
}

// executePart 单个分片：主腿成交确认后按实际成交量下对冲腿
func (e *Engine) executePart(ctx context.Context, exec *Execution, p *model.Position, part int, pc, hc port.Connector) error {
	qty, err := domainsvc.SliceQuantity(p.Primary.Quantity, p.GraduatedParts, part, e.cfg.QuantityStep)
	if err != nil {
		return &model.Error{Kind: model.KindRejected, Op: "engine.slice", Reason: err.Error()}
	}

	before := p.Primary.FilledQty
	res := e.submit(ctx, exec, p, pc, orderSpec{
		Role:     model.RolePrimary,
		Part:     part,
		Purpose:  model.PurposeEntry,
		Side:     p.Primary.Side.OpenOrderSide(),
		Quantity: qty,
	})
	if res.err != nil {
		return res.err
	}
	filled := p.Primary.FilledQty.Sub(before)
	if !filled.IsPositive() {
		return &model.Error{Kind: model.KindRejected, Op: "engine.primary", Reason: "primary order confirmed with zero fill"}
	}

	hedged, herr := e.hedgeWithRetry(ctx, exec, p, part, hc, filled)
	if herr != nil || hedged.LessThan(filled) {
		if errors.Is(herr, model.ErrEmergencyStopped) {
			return herr
		}
		return e.imbalance(ctx, p, part, pc, hc, filled, hedged, herr)
	}

	if err := p.AdvancePart(part); err != nil {
		return err
	}
	at := e.now()
	p.LastProgressAt = &at
	e.save(ctx, p)
	e.publish(ctx, model.PositionEvent(model.EventPartFilled, p, fmt.Sprintf("part %d/%d filled %s", part, p.GraduatedParts, filled), at))
	log.Info().
		Str("position", p.ID).
		Int("part", part).
		Int("parts", p.GraduatedParts).
		Str("filled", filled.String()).
		Msg("part confirmed on both legs")
	return nil
}

// hedgeWithRetry 对冲腿有限次重试，数量始终为主腿实际成交减去已对冲部分
func (e *Engine) hedgeWithRetry(ctx context.Context, exec *Execution, p *model.Position, part int, hc port.Connector, target decimal.Decimal) (decimal.Decimal, error) {
	hedged := decimal.Zero
	// 所有对冲尝试（含成交轮询）共享同一个时限
	hctx, cancel := context.WithTimeout(ctx, e.cfg.ImbalanceTimeout)
	defer cancel()
	expired := func() bool { return hctx.Err() != nil && ctx.Err() == nil }
	var lastErr error
	for attempt := 0; attempt < e.cfg.HedgeAttempts; attempt++ {
		remaining := target.Sub(hedged)
		if !remaining.IsPositive() {
			return hedged, nil
		}
		if attempt > 0 {
			if hctx.Err() != nil {
				break
			}
			if err := sleepCtx(hctx, e.cfg.OrderRetry.Delay(attempt-1)); err != nil {
				if !expired() {
					lastErr = err
				}
				break
			}
		}
		before := p.Hedge.FilledQty
		res := e.submit(hctx, exec, p, hc, orderSpec{
			Role:     model.RoleHedge,
			Part:     part,
			Purpose:  model.PurposeEntry,
			Side:     p.Hedge.Side.OpenOrderSide(),
			Quantity: remaining,
		})
		hedged = hedged.Add(p.Hedge.FilledQty.Sub(before))
		lastErr = res.err
		if res.err == nil && !target.Sub(hedged).IsPositive() {
			return hedged, nil
		}
		// 成交量未知时不再补单，避免重复对冲
		var unknown *exposureUnknownError
		if errors.Is(res.err, model.ErrEmergencyStopped) || errors.As(res.err, &unknown) || hctx.Err() != nil {
			break
		}
		log.Warn().
			Str("position", p.ID).
			Int("part", part).
			Int("attempt", attempt+1).
			Str("hedged", hedged.String()).
			Str("target", target.String()).
			Err(res.err).
			Msg("hedge leg incomplete")
	}
	if expired() && (lastErr == nil || errors.Is(lastErr, context.DeadlineExceeded)) {
		lastErr = &model.Error{
			Kind:   model.KindTransient,
			Op:     "engine.hedge",
			Reason: fmt.Sprintf("hedge not confirmed within %s", e.cfg.ImbalanceTimeout),
			Err:    model.ErrTimeout,
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("hedge filled %s of %s", hedged, target)
	}
	return hedged, lastErr
}

// imbalance 对冲失败：平掉主腿未对冲部分后返回 Imbalance 错误
func (e *Engine) imbalance(ctx context.Context, p *model.Position, part int, pc, hc port.Connector, filled, hedged decimal.Decimal, cause error) error {
	unhedged := filled.Sub(hedged)
	unwound, uerr := e.unwind(ctx, p, part, pc, hc)
	reason := fmt.Sprintf("imbalance at part %d: primary filled %s, hedge filled %s", part, filled, hedged)
	if cause != nil {
		reason += ": " + model.Reason(cause)
	}
	if uerr != nil {
		reason += fmt.Sprintf("; unwind of %s failed: %s", unhedged, model.Reason(uerr))
	} else {
		reason += fmt.Sprintf("; unwound %s on %s", unwound, p.Primary.Exchange)
	}
	return &model.Error{Kind: model.KindImbalance, Op: "engine.hedge", Reason: reason, Err: cause}
}

// unwind 平掉两腿的差额，返回平仓数量
func (e *Engine) unwind(ctx context.Context, p *model.Position, part int, pc, hc port.Connector) (decimal.Decimal, error) {
	diff := p.Imbalance()
	if diff.IsZero() {
		return decimal.Zero, nil
	}
	role, conn := model.RolePrimary, pc
	if diff.IsNegative() {
		role, conn = model.RoleHedge, hc
		diff = diff.Neg()
	}
	if conn == nil {
		return decimal.Zero, fmt.Errorf("no connector to unwind %s leg", role)
	}
	leg := p.Leg(role)

	// 回补敞口不受调用方取消影响
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ImbalanceTimeout)
	defer cancel()

	res := e.submit(uctx, nil, p, conn, orderSpec{
		Role:       role,
		Part:       part,
		Purpose:    model.PurposeUnwind,
		Side:       leg.Side.CloseOrderSide(),
		Quantity:   diff,
		ReduceOnly: true,
		ignoreStop: true,
	})
	closed := res.status.FilledQty
	log.Warn().
		Str("position", p.ID).
		Str("leg", string(role)).
		Str("unhedged", diff.String()).
		Str("closed", closed.String()).
		Err(res.err).
		Msg("unwound unhedged exposure")
	if res.err != nil {
		return closed, res.err
	}
	if closed.LessThan(diff) {
		return closed, fmt.Errorf("unwind closed %s of %s", closed, diff)
	}
	return closed, nil
}

// fail 将持仓转为 ERROR；存在敞口差额时先回补
func (e *Engine) fail(ctx context.Context, exec *Execution, p model.Position, pc, hc port.Connector, cause error) (model.Position, error) {
	err := cause
	if model.KindOf(cause) != model.KindImbalance && !p.Imbalance().IsZero() && pc != nil && hc != nil {
		filled := p.Primary.OpenQty()
		hedged := p.Hedge.OpenQty()
		err = e.imbalance(ctx, &p, p.CurrentPart+1, pc, hc, filled, hedged, cause)
	}

	p.ErrorMessage = model.Reason(err)
	if p.Hedged() && p.Imbalance().IsZero() {
		p.AddNote(fmt.Sprintf("balanced exposure of %s remains open on both legs", p.Primary.OpenQty()))
	}
	for _, leg := range []*model.Leg{&p.Primary, &p.Hedge} {
		if leg.OpenQty().IsPositive() {
			leg.Status = model.LegOpen
		} else {
			leg.Status = model.LegFailed
		}
	}
	if terr := p.Transition(model.PositionError, e.now()); terr != nil {
		log.Error().Str("position", p.ID).Err(terr).Msg("cannot mark position failed")
		return p, err
	}
	e.save(ctx, &p)
	e.metrics.PositionFinished(string(p.Status))
	e.publish(ctx, model.PositionEvent(model.EventPositionErrored, &p, p.ErrorMessage, e.now()))
	log.Error().
		Str("position", p.ID).
		Str("symbol", p.Symbol).
		Str("kind", model.KindOf(err).String()).
		Str("reason", p.ErrorMessage).
		Msg("position failed")
	return p, err
}

// halt 紧急停止：撤掉在途订单，保留最后一致状态并写入备注
func (e *Engine) halt(ctx context.Context, exec *Execution, p model.Position, pc, hc port.Connector) (model.Position, error) {
	e.cancelInFlight(ctx, exec)

	if !p.Imbalance().IsZero() {
		if _, err := e.unwind(ctx, &p, p.CurrentPart+1, pc, hc); err != nil || !p.Imbalance().IsZero() {
			p.AddNote("emergency stop")
			stopErr := &model.Error{
				Kind:   model.KindImbalance,
				Op:     "engine.stop",
				Reason: fmt.Sprintf("emergency stop left unhedged exposure of %s", p.Imbalance().Abs()),
				Err:    err,
			}
			return e.fail(ctx, exec, p, pc, hc, stopErr)
		}
	}

	note := fmt.Sprintf("emergency stop at part %d/%d: manual reconciliation may be required", p.CurrentPart, p.GraduatedParts)
	p.AddNote(note)
	if !p.Primary.FilledQty.IsPositive() && !p.Hedge.FilledQty.IsPositive() {
		if err := p.Transition(model.PositionCancelled, e.now()); err == nil {
			e.metrics.PositionFinished(string(p.Status))
		}
	}
	e.save(ctx, &p)
	e.publish(ctx, model.PositionEvent(model.EventPositionStopped, &p, note, e.now()))
	log.Warn().
		Str("position", p.ID).
		Str("status", string(p.Status)).
		Int("part", p.CurrentPart).
		Msg("execution halted by emergency stop")
	return p, &model.Error{Kind: model.KindConstraint, Op: "engine.execute", Reason: note, Err: model.ErrEmergencyStopped}
}

// cancelInFlight 对尚未撤单的在途订单发起撤单（尽力而为）
func (e *Engine) cancelInFlight(ctx context.Context, exec *Execution) (attempted, failed int) {
	if exec == nil {
		return 0, 0
	}
	for _, o := range exec.claimCancel() {
		attempted++
		conn, err := e.connectors.Get(o.Exchange)
		if err == nil {
			err = conn.CancelOrder(context.WithoutCancel(ctx), o.Symbol, o.OrderID)
		}
		if err != nil {
			failed++
			log.Warn().Str("exchange", o.Exchange).Str("order", o.OrderID).Err(err).Msg("cancel in-flight order failed")
		}
	}
	return attempted, failed
}

// submit 下单并等待成交确认，结果写入持仓的订单记录与腿
func (e *Engine) submit(ctx context.Context, exec *Execution, p *model.Position, conn port.Connector, spec orderSpec) orderResult {
	req, rec := e.prepare(p, conn, spec)
	res := e.roundTrip(ctx, exec, conn, req, spec.ignoreStop)
	e.apply(p, spec, rec, res)
	return res
}

// prepare 构造下单请求与订单记录
func (e *Engine) prepare(p *model.Position, conn port.Connector, spec orderSpec) (port.OrderRequest, model.OrderRecord) {
	leg := p.Leg(spec.Role)
	clientID := clientOrderID(p.ID, spec.Role, spec.Purpose, len(p.Orders))
	req := port.OrderRequest{
		Symbol:        p.Symbol,
		Side:          spec.Side,
		Type:          model.OrderTypeMarket,
		Quantity:      spec.Quantity,
		ReduceOnly:    spec.ReduceOnly,
		Leverage:      leg.Leverage,
		ClientOrderID: clientID,
	}
	rec := model.OrderRecord{
		Role:        spec.Role,
		Part:        spec.Part,
		Purpose:     spec.Purpose,
		Exchange:    conn.Name(),
		ClientID:    clientID,
		Side:        spec.Side,
		Quantity:    spec.Quantity,
		State:       model.OrderSubmitted,
		SubmittedAt: e.now(),
	}
	return req, rec
}

// clientOrderID 同一次下单尝试的所有重试复用同一个 ID，交易所据此去重
func clientOrderID(positionID string, role model.LegRole, purpose model.OrderPurpose, seq int) string {
	id := strings.ReplaceAll(positionID, "-", "")
	if len(id) > 16 {
		id = id[:16]
	}
	return fmt.Sprintf("fa%s%c%c%d", id, role[0], purpose[0], seq)
}

// roundTrip 与交易所交互：下单（瞬时错误复用 clientOrderId 重试）后轮询成交
func (e *Engine) roundTrip(ctx context.Context, exec *Execution, conn port.Connector, req port.OrderRequest, ignoreStop bool) orderResult {
	start := e.now()
	var ack port.OrderAck
	err := withRetry(ctx, e.cfg.OrderRetry, "place_order", func() error {
		var err error
		ack, err = conn.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		e.metrics.OrderPlaced(conn.Name(), resultLabel(err))
		return orderResult{err: err, took: e.now().Sub(start)}
	}

	status, err := e.awaitFill(ctx, exec, conn, req.Symbol, ack, ignoreStop)
	took := e.now().Sub(start)
	switch {
	case err != nil:
		e.metrics.OrderPlaced(conn.Name(), resultLabel(err))
	case status.State == model.OrderFilled:
		e.metrics.OrderPlaced(conn.Name(), "filled")
		e.metrics.OrderConfirmed(conn.Name(), took)
	default:
		e.metrics.OrderPlaced(conn.Name(), "partial")
		e.metrics.OrderConfirmed(conn.Name(), took)
	}
	return orderResult{ack: ack, status: status, err: err, placed: true, took: took}
}

// awaitFill 轮询订单直到终态；轮询耗尽或紧急停止时撤单并以最后一次查询为准
func (e *Engine) awaitFill(ctx context.Context, exec *Execution, conn port.Connector, symbol string, ack port.OrderAck, ignoreStop bool) (port.OrderStatus, error) {
	st := port.OrderStatus{OrderID: ack.OrderID, State: ack.State, FilledQty: ack.FilledQty, AvgPrice: ack.AvgPrice}
	if st.State.Final() {
		return st, stateError(st)
	}
	if exec != nil {
		exec.track(conn.Name(), symbol, ack.OrderID)
		defer exec.untrack(conn.Name(), ack.OrderID)
	}

	stopErr := &model.Error{Kind: model.KindConstraint, Op: "engine.await_fill", Reason: "emergency stop", Err: model.ErrEmergencyStopped}
	stopping := func() bool { return exec != nil && !ignoreStop && exec.Stopped() }

	for attempt := 0; attempt < e.cfg.FillPoll.Attempts(); attempt++ {
		if stopping() {
			return e.cancelAndSettle(ctx, exec, conn, symbol, st, stopErr)
		}
		if err := sleepCtx(ctx, e.cfg.FillPoll.Delay(attempt)); err != nil {
			return e.cancelAndSettle(ctx, exec, conn, symbol, st, err)
		}
		next, err := conn.GetOrderStatus(ctx, symbol, ack.OrderID)
		if err != nil {
			if model.IsTransient(err) {
				continue
			}
			return e.cancelAndSettle(ctx, exec, conn, symbol, st, err)
		}
		st = next
		if st.State.Final() {
			// 停止流程撤掉的订单按停止处理，而不是拒单
			if st.State != model.OrderFilled && stopping() {
				return st, stopErr
			}
			return st, stateError(st)
		}
	}
	return e.cancelAndSettle(ctx, exec, conn, symbol, st, &model.Error{
		Kind: model.KindTransient, Op: "engine.await_fill", Reason: "fill not confirmed", Err: model.ErrTimeout,
	})
}

// cancelAndSettle 撤单后再查一次以获取最终成交量
func (e *Engine) cancelAndSettle(ctx context.Context, exec *Execution, conn port.Connector, symbol string, st port.OrderStatus, cause error) (port.OrderStatus, error) {
	cctx := context.WithoutCancel(ctx)
	if exec == nil || exec.claimCancelOrder(conn.Name(), st.OrderID) {
		if err := conn.CancelOrder(cctx, symbol, st.OrderID); err != nil {
			log.Warn().Str("exchange", conn.Name()).Str("order", st.OrderID).Err(err).Msg("cancel order failed")
		}
	}
	final, err := conn.GetOrderStatus(cctx, symbol, st.OrderID)
	if err != nil {
		log.Error().Str("exchange", conn.Name()).Str("order", st.OrderID).Err(err).Msg("final order status unavailable")
		return st, &exposureUnknownError{exchange: conn.Name(), orderID: st.OrderID, cause: cause}
	}
	st = final
	if st.State == model.OrderFilled {
		return st, nil
	}
	return st, cause
}

// exposureUnknownError 撤单后仍查不到订单最终状态，成交量未知
type exposureUnknownError struct {
	exchange string
	orderID  string
	cause    error
}

func (e *exposureUnknownError) Error() string { return e.cause.Error() }
func (e *exposureUnknownError) Unwrap() error { return e.cause }

// stateError 终态订单的错误语义：有成交即视为成功（部分成交由调用方按实际数量处理）
func stateError(st port.OrderStatus) error {
	switch st.State {
	case model.OrderFilled:
		return nil
	case model.OrderRejected, model.OrderFailed:
		return model.Rejected("", st.Reason)
	default:
		if st.FilledQty.IsPositive() {
			return nil
		}
		reason := st.Reason
		if reason == "" {
			reason = fmt.Sprintf("order %s ended %s without fill", st.OrderID, st.State)
		}
		return model.Rejected("", reason)
	}
}

func resultLabel(err error) string {
	switch model.KindOf(err) {
	case model.KindRejected:
		return "rejected"
	case model.KindTransient:
		return "timeout"
	case model.KindConstraint:
		return "stopped"
	case model.KindAuth:
		return "auth_failure"
	}
	return "failed"
}

// apply 将往返结果写入订单记录与腿
func (e *Engine) apply(p *model.Position, spec orderSpec, rec model.OrderRecord, res orderResult) {
	now := e.now()
	rec.UpdatedAt = now
	if !res.placed {
		rec.State = model.OrderFailed
		if model.KindOf(res.err) == model.KindRejected {
			rec.State = model.OrderRejected
		}
		rec.Reason = model.Reason(res.err)
		p.AppendOrder(rec)
		return
	}
	rec.OrderID = res.ack.OrderID
	rec.State = res.status.State
	rec.FilledQty = res.status.FilledQty
	rec.AvgPrice = res.status.AvgPrice
	if res.err != nil {
		rec.Reason = model.Reason(res.err)
	}
	p.AppendOrder(rec)

	var unknown *exposureUnknownError
	if errors.As(res.err, &unknown) {
		p.NeedsAudit = true
		p.AddNote(fmt.Sprintf("exposure unknown on %s order %s, manual reconciliation required", unknown.exchange, unknown.orderID))
	}

	fill := res.status.FilledQty
	if !fill.IsPositive() {
		return
	}
	leg := p.Leg(spec.Role)
	price := res.status.AvgPrice
	leg.Fees = leg.Fees.Add(e.fees.TakerFee(leg.Exchange, fill, price))
	if spec.Purpose == model.PurposeEntry {
		if err := leg.RecordFill(fill, price); err != nil {
			// 交易所回报超出目标数量：只记入目标范围内的部分
			excess := fill.Sub(leg.Remaining())
			log.Error().Str("position", p.ID).Str("excess", excess.String()).Err(err).Msg("fill exceeds leg target")
			if cerr := leg.RecordFill(leg.Remaining(), price); cerr != nil {
				log.Error().Str("position", p.ID).Err(cerr).Msg("record clamped fill failed")
			}
			p.NeedsAudit = true
			p.AddNote(fmt.Sprintf("%s leg overfilled by %s on %s", spec.Role, excess, leg.Exchange))
		}
		return
	}
	leg.RecordClose(fill, price)
}

// SyncTpSl 对比已挂保护单与目标，仅替换不一致的部分；无差异时不产生任何交易所调用
func (e *Engine) SyncTpSl(ctx context.Context, p *model.Position) (bool, error) {
	changed := false
	for _, role := range []model.LegRole{model.RolePrimary, model.RoleHedge} {
		leg := p.Leg(role)
		target := domainsvc.ProtectiveTargets(leg, p.Protective)
		diff := domainsvc.DiffProtective(leg.Protective, target)
		if diff.Empty() {
			continue
		}
		conn, err := e.connectors.Get(leg.Exchange)
		if err != nil {
			return changed, err
		}
		changed = true

		kept := append([]model.ProtectiveOrder(nil), diff.Keep...)
		for _, old := range diff.Cancel {
			if err := withRetry(ctx, e.cfg.OrderRetry, "cancel_protective", func() error {
				return conn.CancelOrder(ctx, p.Symbol, old.OrderID)
			}); err != nil && !errors.Is(err, model.ErrNotFound) {
				leg.Protective = append(kept, diff.Cancel...)
				return changed, fmt.Errorf("cancel %s %s: %w", role, old.Kind, err)
			}
		}
		for _, want := range diff.Place {
			placed, err := e.placeProtective(ctx, p, conn, role, want)
			if err != nil {
				leg.Protective = kept
				return changed, err
			}
			kept = append(kept, placed)
		}
		leg.Protective = kept
		log.Info().
			Str("position", p.ID).
			Str("leg", string(role)).
			Int("cancelled", len(diff.Cancel)).
			Int("placed", len(diff.Place)).
			Msg("protective orders synced")
	}
	return changed, nil
}

func (e *Engine) placeProtective(ctx context.Context, p *model.Position, conn port.Connector, role model.LegRole, want model.ProtectiveOrder) (model.ProtectiveOrder, error) {
	leg := p.Leg(role)
	purpose := model.PurposeStopLoss
	if want.Kind == model.ProtectiveTakeProfit {
		purpose = model.PurposeTakeProfit
	}
	clientID := clientOrderID(p.ID, role, purpose, len(p.Orders))
	req := port.OrderRequest{
		Symbol:        p.Symbol,
		Side:          leg.Side.CloseOrderSide(),
		Type:          domainsvc.ProtectiveOrderType(want.Kind),
		Quantity:      want.Quantity,
		StopPrice:     want.TriggerPrice,
		ReduceOnly:    true,
		Leverage:      leg.Leverage,
		ClientOrderID: clientID,
	}
	var ack port.OrderAck
	err := withRetry(ctx, e.cfg.OrderRetry, "place_protective", func() error {
		var err error
		ack, err = conn.PlaceOrder(ctx, req)
		return err
	})
	rec := model.OrderRecord{
		Role:        role,
		Part:        p.CurrentPart,
		Purpose:     purpose,
		Exchange:    conn.Name(),
		ClientID:    clientID,
		Side:        req.Side,
		Quantity:    want.Quantity,
		State:       model.OrderSubmitted,
		SubmittedAt: e.now(),
		UpdatedAt:   e.now(),
	}
	if err != nil {
		rec.State = model.OrderFailed
		rec.Reason = model.Reason(err)
		p.AppendOrder(rec)
		e.metrics.OrderPlaced(conn.Name(), resultLabel(err))
		return model.ProtectiveOrder{}, fmt.Errorf("place %s %s: %w", role, want.Kind, err)
	}
	rec.OrderID = ack.OrderID
	p.AppendOrder(rec)
	e.metrics.OrderPlaced(conn.Name(), "resting")
	want.OrderID = ack.OrderID
	return want, nil
}

// CheckProtectiveFills 查询保护单状态，任一成交时记录平仓并返回 true
func (e *Engine) CheckProtectiveFills(ctx context.Context, p *model.Position) (bool, error) {
	triggered := false
	for _, role := range []model.LegRole{model.RolePrimary, model.RoleHedge} {
		leg := p.Leg(role)
		if len(leg.Protective) == 0 {
			continue
		}
		conn, err := e.connectors.Get(leg.Exchange)
		if err != nil {
			return triggered, err
		}
		resting := leg.Protective[:0:0]
		for _, po := range leg.Protective {
			st, err := conn.GetOrderStatus(ctx, p.Symbol, po.OrderID)
			if err != nil {
				resting = append(resting, po)
				log.Debug().Str("position", p.ID).Str("order", po.OrderID).Err(err).Msg("protective status query failed")
				continue
			}
			switch {
			case st.State == model.OrderFilled || (st.State.Final() && st.FilledQty.IsPositive()):
				triggered = true
				leg.Fees = leg.Fees.Add(e.fees.TakerFee(leg.Exchange, st.FilledQty, st.AvgPrice))
				leg.RecordClose(st.FilledQty, st.AvgPrice)
				e.markOrder(p, po.OrderID, st)
				log.Info().
					Str("position", p.ID).
					Str("leg", string(role)).
					Str("kind", string(po.Kind)).
					Str("filled", st.FilledQty.String()).
					Msg("protective order filled")
			case st.State.Final():
				e.markOrder(p, po.OrderID, st)
			default:
				resting = append(resting, po)
			}
		}
		leg.Protective = resting
	}
	return triggered, nil
}

func (e *Engine) markOrder(p *model.Position, orderID string, st port.OrderStatus) {
	for i := range p.Orders {
		if p.Orders[i].OrderID == orderID {
			p.Orders[i].State = st.State
			p.Orders[i].FilledQty = st.FilledQty
			p.Orders[i].AvgPrice = st.AvgPrice
			p.Orders[i].Reason = st.Reason
			p.Orders[i].UpdatedAt = e.now()
			return
		}
	}
}

// Exit 平仓：资金费驱动且对冲腿为静置腿时先平对冲腿，否则双腿并发平仓；
// 双腿都确认后进入 COMPLETED 并计算毛利与净利
func (e *Engine) Exit(ctx context.Context, p model.Position) (model.Position, error) {
	if p.Status != model.PositionActive {
		return p, &model.Error{
			Kind:   model.KindConstraint,
			Op:     "engine.exit",
			Reason: fmt.Sprintf("position %s is %s", p.ID, p.Status),
			Err:    model.ErrTerminalStatus,
		}
	}
	pc, err := e.connectors.Get(p.Primary.Exchange)
	if err != nil {
		return p, err
	}
	hc, err := e.connectors.Get(p.Hedge.Exchange)
	if err != nil {
		return p, err
	}
	e.cancelProtective(ctx, &p, pc, hc)
	for _, leg := range []*model.Leg{&p.Primary, &p.Hedge} {
		if leg.OpenQty().IsPositive() {
			leg.Status = model.LegClosing
		}
	}
	e.save(ctx, &p)

	if domainsvc.HedgeFirstOnExit(&p) {
		log.Info().Str("position", p.ID).Msg("funding-driven exit, closing hedge leg first")
		err = e.closeLeg(ctx, &p, model.RoleHedge, hc)
		if err == nil {
			err = e.closeLeg(ctx, &p, model.RolePrimary, pc)
		}
	} else {
		err = e.closeBoth(ctx, &p, pc, hc)
	}

	if err != nil {
		if model.KindOf(err) == model.KindRejected {
			return e.fail(ctx, nil, p, nil, nil, &model.Error{
				Kind:   model.KindRejected,
				Op:     "engine.exit",
				Reason: "exit rejected, open exposure remains: " + model.Reason(err),
				Err:    err,
			})
		}
		for _, leg := range []*model.Leg{&p.Primary, &p.Hedge} {
			if leg.OpenQty().IsPositive() {
				leg.Status = model.LegOpen
			}
		}
		p.AddNote("exit incomplete: " + model.Reason(err))
		e.save(ctx, &p)
		return p, err
	}

	profit := domainsvc.ComputeProfit(&p)
	p.GrossProfit = profit.Gross
	p.NetProfit = profit.Net
	p.Primary.Status = model.LegClosed
	p.Hedge.Status = model.LegClosed
	if err := p.Transition(model.PositionCompleted, e.now()); err != nil {
		return p, err
	}
	e.save(ctx, &p)
	e.metrics.PositionFinished(string(p.Status))
	e.publish(ctx, model.PositionEvent(model.EventPositionCompleted, &p,
		fmt.Sprintf("gross %s net %s", p.GrossProfit.StringFixed(4), p.NetProfit.StringFixed(4)), e.now()))
	log.Info().
		Str("position", p.ID).
		Str("funding", profit.Funding.String()).
		Str("price_pnl", profit.PricePnL.String()).
		Str("fees", profit.Fees.String()).
		Str("net", profit.Net.String()).
		Msg("position completed")
	return p, nil
}

// closeLeg 以 reduce-only 市价单平掉单腿剩余敞口
func (e *Engine) closeLeg(ctx context.Context, p *model.Position, role model.LegRole, conn port.Connector) error {
	leg := p.Leg(role)
	qty := leg.OpenQty()
	if !qty.IsPositive() {
		leg.Status = model.LegClosed
		return nil
	}
	leg.Status = model.LegClosing
	res := e.submit(ctx, nil, p, conn, orderSpec{
		Role:       role,
		Part:       p.CurrentPart,
		Purpose:    model.PurposeExit,
		Side:       leg.Side.CloseOrderSide(),
		Quantity:   qty,
		ReduceOnly: true,
		ignoreStop: true,
	})
	if res.err != nil {
		return res.err
	}
	if leg.OpenQty().IsPositive() {
		return &model.Error{Kind: model.KindTransient, Op: "engine.close_leg", Reason: fmt.Sprintf("%s leg still open %s", role, leg.OpenQty())}
	}
	leg.Status = model.LegClosed
	return nil
}

// closeBoth 双腿并发下单，结果按腿顺序写回持仓
func (e *Engine) closeBoth(ctx context.Context, p *model.Position, pc, hc port.Connector) error {
	type pending struct {
		role model.LegRole
		conn port.Connector
		spec orderSpec
		req  port.OrderRequest
		rec  model.OrderRecord
		res  orderResult
	}
	var legs []*pending
	for _, x := range []struct {
		role model.LegRole
		conn port.Connector
	}{{model.RolePrimary, pc}, {model.RoleHedge, hc}} {
		leg := p.Leg(x.role)
		qty := leg.OpenQty()
		if !qty.IsPositive() {
			leg.Status = model.LegClosed
			continue
		}
		leg.Status = model.LegClosing
		spec := orderSpec{
			Role:       x.role,
			Part:       p.CurrentPart,
			Purpose:    model.PurposeExit,
			Side:       leg.Side.CloseOrderSide(),
			Quantity:   qty,
			ReduceOnly: true,
			ignoreStop: true,
		}
		req, rec := e.prepare(p, x.conn, spec)
		// 两笔订单在同一序号上准备，用角色前缀区分
		legs = append(legs, &pending{role: x.role, conn: x.conn, spec: spec, req: req, rec: rec})
	}

	// 一腿失败不能中断另一腿的平仓
	var g errgroup.Group
	for _, lp := range legs {
		g.Go(func() error {
			lp.res = e.roundTrip(ctx, nil, lp.conn, lp.req, true)
			return lp.res.err
		})
	}
	gerr := g.Wait()

	for _, lp := range legs {
		e.apply(p, lp.spec, lp.rec, lp.res)
		if p.Leg(lp.role).OpenQty().IsZero() {
			p.Leg(lp.role).Status = model.LegClosed
		}
	}
	if gerr != nil {
		return gerr
	}
	for _, lp := range legs {
		if p.Leg(lp.role).OpenQty().IsPositive() {
			return &model.Error{Kind: model.KindTransient, Op: "engine.close_leg", Reason: fmt.Sprintf("%s leg still open %s", lp.role, p.Leg(lp.role).OpenQty())}
		}
	}
	return nil
}

// cancelProtective 平仓前撤掉所有保护单
func (e *Engine) cancelProtective(ctx context.Context, p *model.Position, pc, hc port.Connector) {
	for _, x := range []struct {
		leg  *model.Leg
		conn port.Connector
	}{{&p.Primary, pc}, {&p.Hedge, hc}} {
		for _, po := range x.leg.Protective {
			if err := x.conn.CancelOrder(ctx, p.Symbol, po.OrderID); err != nil {
				log.Warn().Str("position", p.ID).Str("order", po.OrderID).Err(err).Msg("cancel protective before exit failed")
			}
		}
		x.leg.Protective = nil
	}
}

func (e *Engine) save(ctx context.Context, p *model.Position) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdatePosition(context.WithoutCancel(ctx), *p); err != nil {
		log.Error().Str("position", p.ID).Str("status", string(p.Status)).Err(err).Msg("persist position failed")
	}
}

func (e *Engine) publish(ctx context.Context, ev model.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn().Str("event", string(ev.Type)).Str("position", ev.PositionID).Err(err).Msg("publish event failed")
	}
}
