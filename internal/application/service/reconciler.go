package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
)

// ReconcilerConfig 对账参数
type ReconcilerConfig struct {
	Interval   time.Duration // 卡住检测周期
	StuckAfter time.Duration
}

// OrphanReport 孤儿持仓导入结果
type OrphanReport struct {
	Imported []model.Position `json:"imported"`
	Skipped  []string         `json:"skipped,omitempty"`
}

// Reconciler 交易所持仓与本地记录对账
type Reconciler struct {
	store      port.Store
	connectors port.ConnectorResolver
	events     port.EventPublisher
	cfg        ReconcilerConfig
	now        func() time.Time

	mu       sync.Mutex
	reported map[string]bool // 已上报过的卡住持仓

	locks PositionLocker
}

// PositionLocker 与执行/平仓共用的持仓级互斥
type PositionLocker interface {
	LockPosition(id string) func()
}

// UsePositionLocks 强平判定与平仓流程互斥；须在 Run 之前调用
func (r *Reconciler) UsePositionLocks(l PositionLocker) {
	r.locks = l
}

func (r *Reconciler) lock(id string) func() {
	if r.locks == nil {
		return func() {}
	}
	return r.locks.LockPosition(id)
}

// NewReconciler 创建对账模块
func NewReconciler(store port.Store, connectors port.ConnectorResolver, events port.EventPublisher, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 10 * time.Minute
	}
	return &Reconciler{
		store:      store,
		connectors: connectors,
		events:     events,
		cfg:        cfg,
		now:        time.Now,
		reported:   make(map[string]bool),
	}
}

type legKey struct {
	exchange string
	symbol   string
}

// fetchOpenPositions 并发查询所有交易所持仓；任一失败则整体失败
func (r *Reconciler) fetchOpenPositions(ctx context.Context) ([]port.ExchangePosition, error) {
	var (
		mu  sync.Mutex
		all []port.ExchangePosition
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range r.connectors.Names() {
		g.Go(func() error {
			conn, err := r.connectors.Get(name)
			if err != nil {
				return err
			}
			open, err := conn.GetOpenPositions(gctx)
			if err != nil {
				return fmt.Errorf("%s open positions: %w", name, err)
			}
			mu.Lock()
			for _, ep := range open {
				if ep.Exchange == "" {
					ep.Exchange = name
				}
				if ep.Quantity.IsPositive() {
					all = append(all, ep)
				}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Symbol != all[j].Symbol {
			return all[i].Symbol < all[j].Symbol
		}
		return all[i].Exchange < all[j].Exchange
	})
	return all, nil
}

// knownLegs 已被本地记录覆盖的 (exchange, symbol)：非终态持仓，以及仍有敞口的 ERROR 持仓
func (r *Reconciler) knownLegs(ctx context.Context) (map[legKey]bool, error) {
	positions, err := r.store.ListPositionsByStatus(ctx,
		model.PositionInitializing, model.PositionExecuting, model.PositionActive, model.PositionError)
	if err != nil {
		return nil, err
	}
	known := make(map[legKey]bool)
	for _, p := range positions {
		for _, leg := range []*model.Leg{&p.Primary, &p.Hedge} {
			if p.Status == model.PositionError && !leg.OpenQty().IsPositive() {
				continue
			}
			known[legKey{leg.Exchange, p.Symbol}] = true
		}
	}
	return known, nil
}

// DetectOrphans 导入交易所上存在但本地没有记录的持仓
//
// 两个交易所上方向相反的同币对持仓配对导入为 ACTIVE（空头腿为主腿）并标记待审计；
// 无法配对的单腿导入为 ERROR。
func (r *Reconciler) DetectOrphans(ctx context.Context, userID string) (OrphanReport, error) {
	var report OrphanReport
	open, err := r.fetchOpenPositions(ctx)
	if err != nil {
		return report, err
	}
	known, err := r.knownLegs(ctx)
	if err != nil {
		return report, err
	}

	bySymbol := make(map[string][]port.ExchangePosition)
	var symbols []string
	for _, ep := range open {
		if known[legKey{ep.Exchange, ep.Symbol}] {
			continue
		}
		if _, ok := bySymbol[ep.Symbol]; !ok {
			symbols = append(symbols, ep.Symbol)
		}
		bySymbol[ep.Symbol] = append(bySymbol[ep.Symbol], ep)
	}

	for _, symbol := range symbols {
		legs := bySymbol[symbol]
		for len(legs) > 0 {
			short, long, rest := pairOrphans(legs)
			legs = rest
			var p model.Position
			if short != nil && long != nil {
				p = r.pairedOrphan(userID, *short, *long)
			} else {
				single := short
				if single == nil {
					single = long
				}
				p = r.singleOrphan(userID, *single)
			}
			if err := r.store.InsertIfAbsent(ctx, p); err != nil {
				report.Skipped = append(report.Skipped, fmt.Sprintf("%s %s/%s: %v", symbol, p.Primary.Exchange, p.Hedge.Exchange, err))
				continue
			}
			r.audit(ctx, model.AuditRecord{
				Action:     model.AuditImport,
				PositionID: p.ID,
				ToStatus:   string(p.Status),
				Operator:   "reconciler",
				Reason:     p.Note,
			})
			r.publish(ctx, model.PositionEvent(model.EventPositionImported, &p, p.Note, r.now()))
			log.Warn().
				Str("position", p.ID).
				Str("symbol", symbol).
				Str("status", string(p.Status)).
				Str("primary", p.Primary.Exchange).
				Str("hedge", p.Hedge.Exchange).
				Msg("orphan position imported")
			report.Imported = append(report.Imported, p)
		}
	}
	return report, nil
}

// pairOrphans 取出一对方向相反、交易所不同的持仓；无法配对时返回单腿
func pairOrphans(legs []port.ExchangePosition) (short, long *port.ExchangePosition, rest []port.ExchangePosition) {
	for i := range legs {
		for j := range legs {
			if i == j || legs[i].Side != model.SideShort || legs[j].Side != model.SideLong || legs[i].Exchange == legs[j].Exchange {
				continue
			}
			s, l := legs[i], legs[j]
			for k := range legs {
				if k != i && k != j {
					rest = append(rest, legs[k])
				}
			}
			return &s, &l, rest
		}
	}
	first := legs[0]
	if first.Side == model.SideShort {
		return &first, nil, legs[1:]
	}
	return nil, &first, legs[1:]
}

func (r *Reconciler) pairedOrphan(userID string, short, long port.ExchangePosition) model.Position {
	now := r.now()
	return model.Position{
		ID:             uuid.NewString(),
		UserID:         userID,
		Symbol:         short.Symbol,
		Status:         model.PositionActive,
		GraduatedParts: 1,
		CurrentPart:    1,
		Primary:        importedLeg(model.RolePrimary, short),
		Hedge:          importedLeg(model.RoleHedge, long),
		Note:           "imported from exchange state, opened outside this engine",
		NeedsAudit:     true,
		CreatedAt:      now,
		StartedAt:      &now,
		LastProgressAt: &now,
	}
}

func (r *Reconciler) singleOrphan(userID string, ep port.ExchangePosition) model.Position {
	now := r.now()
	p := model.Position{
		ID:             uuid.NewString(),
		UserID:         userID,
		Symbol:         ep.Symbol,
		Status:         model.PositionError,
		GraduatedParts: 1,
		CurrentPart:    1,
		ErrorMessage:   "unhedged orphan leg",
		Note:           fmt.Sprintf("imported unhedged %s %s on %s", ep.Side, ep.Quantity, ep.Exchange),
		NeedsAudit:     true,
		CreatedAt:      now,
		StartedAt:      &now,
		CompletedAt:    &now,
	}
	p.Primary = importedLeg(model.RolePrimary, ep)
	p.Hedge = model.Leg{Role: model.RoleHedge, Side: ep.Side.Opposite(), Status: model.LegFailed}
	return p
}

func importedLeg(role model.LegRole, ep port.ExchangePosition) model.Leg {
	return model.Leg{
		Role:          role,
		Exchange:      ep.Exchange,
		Side:          ep.Side,
		Leverage:      ep.Leverage,
		Quantity:      ep.Quantity,
		FilledQty:     ep.Quantity,
		AvgEntryPrice: ep.EntryPrice,
		Status:        model.LegOpen,
	}
}

// DetectLiquidated ACTIVE 持仓的任一腿在交易所已不存在时标记为 LIQUIDATED
func (r *Reconciler) DetectLiquidated(ctx context.Context) ([]model.Position, error) {
	active, err := r.store.ListPositionsByStatus(ctx, model.PositionActive)
	if err != nil || len(active) == 0 {
		return nil, err
	}
	open, err := r.fetchOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool)
	for _, ep := range open {
		present[ep.Exchange+"|"+ep.Symbol+"|"+string(ep.Side)] = true
	}

	var out []model.Position
	for _, candidate := range active {
		if missingLeg(&candidate, present) == nil {
			continue
		}
		if p, ok := r.liquidate(ctx, candidate.ID, present); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// missingLeg 交易所已不存在的未平仓腿；任一腿平仓中则不判定
func missingLeg(p *model.Position, present map[string]bool) *model.Leg {
	var missing *model.Leg
	for _, leg := range []*model.Leg{&p.Primary, &p.Hedge} {
		if leg.Status == model.LegClosing {
			return nil
		}
		if leg.OpenQty().IsPositive() && !present[leg.Exchange+"|"+p.Symbol+"|"+string(leg.Side)] {
			missing = leg
		}
	}
	return missing
}

// liquidate 持锁重读后再判定，避免与进行中的平仓竞争
func (r *Reconciler) liquidate(ctx context.Context, id string, present map[string]bool) (model.Position, bool) {
	unlock := r.lock(id)
	defer unlock()

	p, err := r.store.GetPosition(ctx, id)
	if err != nil {
		log.Error().Str("position", id).Err(err).Msg("reload position failed")
		return p, false
	}
	if p.Status != model.PositionActive {
		return p, false
	}
	missing := missingLeg(&p, present)
	if missing == nil {
		return p, false
	}
	reason := fmt.Sprintf("%s leg no longer exists on %s", missing.Role, missing.Exchange)
	from := p.Status
	if err := p.Transition(model.PositionLiquidated, r.now()); err != nil {
		return p, false
	}
	p.ErrorMessage = reason
	p.NeedsAudit = true
	if err := r.store.UpdatePosition(ctx, p); err != nil {
		log.Error().Str("position", p.ID).Err(err).Msg("mark liquidated failed")
		return p, false
	}
	r.audit(ctx, model.AuditRecord{
		Action:     model.AuditLiquidate,
		PositionID: p.ID,
		FromStatus: string(from),
		ToStatus:   string(p.Status),
		Operator:   "reconciler",
		Reason:     reason,
	})
	r.publish(ctx, model.PositionEvent(model.EventPositionLiquidated, &p, reason, r.now()))
	log.Warn().Str("position", p.ID).Str("reason", reason).Msg("position liquidated")
	return p, true
}

// DetectStuck EXECUTING 且开始时间早于 now-staleAfter、此后无成交进展的持仓；只返回，不迁移
func (r *Reconciler) DetectStuck(ctx context.Context, staleAfter time.Duration) ([]model.Position, error) {
	executing, err := r.store.ListPositionsByStatus(ctx, model.PositionExecuting)
	if err != nil {
		return nil, err
	}
	cutoff := r.now().Add(-staleAfter)
	var out []model.Position
	for _, p := range executing {
		if p.StartedAt == nil || !p.StartedAt.Before(cutoff) {
			continue
		}
		if p.LastProgressAt != nil && !p.LastProgressAt.Before(cutoff) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// MarkError 运维将持仓改写为 ERROR（允许改写终态），记录审计
func (r *Reconciler) MarkError(ctx context.Context, positionID, reason, operator string) error {
	p, err := r.store.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "marked error by operator"
	}
	if err := r.store.OverrideStatus(ctx, positionID, model.PositionError, reason, r.now()); err != nil {
		return err
	}
	r.audit(ctx, model.AuditRecord{
		Action:     model.AuditMarkError,
		PositionID: positionID,
		FromStatus: string(p.Status),
		ToStatus:   string(model.PositionError),
		Operator:   operator,
		Reason:     reason,
	})
	p.Status = model.PositionError
	r.publish(ctx, model.PositionEvent(model.EventPositionErrored, &p, reason, r.now()))
	return nil
}

// CleanupTerminal 将早于 olderThan 的指定终态持仓归并为 COMPLETED，返回处理数量
func (r *Reconciler) CleanupTerminal(ctx context.Context, statuses []model.PositionStatus, olderThan time.Duration, operator string) (int, error) {
	for _, st := range statuses {
		if !st.IsTerminal() {
			return 0, &model.Error{Kind: model.KindRejected, Op: "reconciler.cleanup", Reason: "status " + string(st) + " is not terminal"}
		}
	}
	positions, err := r.store.ListPositionsByStatus(ctx, statuses...)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-olderThan)
	n := 0
	for _, p := range positions {
		if p.Status == model.PositionCompleted || p.CompletedAt == nil || p.CompletedAt.After(cutoff) {
			continue
		}
		note := "normalized from " + string(p.Status)
		if err := r.store.OverrideStatus(ctx, p.ID, model.PositionCompleted, note, r.now()); err != nil {
			return n, err
		}
		r.audit(ctx, model.AuditRecord{
			Action:     model.AuditNormalize,
			PositionID: p.ID,
			FromStatus: string(p.Status),
			ToStatus:   string(model.PositionCompleted),
			Operator:   operator,
		})
		n++
	}
	log.Info().Int("normalized", n).Str("operator", operator).Msg("terminal positions normalized")
	return n, nil
}

// PurgePosition 删除终态持仓并级联删除资金费记录
func (r *Reconciler) PurgePosition(ctx context.Context, positionID, operator string) error {
	p, err := r.store.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if !p.IsTerminal() {
		return &model.Error{Kind: model.KindConstraint, Op: "reconciler.purge", Reason: fmt.Sprintf("position %s is %s", p.ID, p.Status)}
	}
	if err := r.store.DeletePosition(ctx, positionID); err != nil {
		return err
	}
	r.audit(ctx, model.AuditRecord{
		Action:     model.AuditPurge,
		PositionID: positionID,
		FromStatus: string(p.Status),
		Operator:   operator,
	})
	log.Warn().Str("position", positionID).Str("operator", operator).Msg("position purged")
	return nil
}

// Audit 最近的审计记录
func (r *Reconciler) Audit(ctx context.Context, limit int) ([]model.AuditRecord, error) {
	return r.store.ListAudit(ctx, limit)
}

// Run 周期检测卡住的持仓，只上报不迁移
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.reportStuck(ctx)
		}
	}
}

func (r *Reconciler) reportStuck(ctx context.Context) {
	stuck, err := r.DetectStuck(ctx, r.cfg.StuckAfter)
	if err != nil {
		log.Warn().Err(err).Msg("detect stuck positions failed")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool, len(stuck))
	for _, p := range stuck {
		seen[p.ID] = true
		if r.reported[p.ID] {
			continue
		}
		r.reported[p.ID] = true
		msg := fmt.Sprintf("no progress since %s at part %d/%d", p.StartedAt.Format(time.RFC3339), p.CurrentPart, p.GraduatedParts)
		log.Warn().Str("position", p.ID).Str("symbol", p.Symbol).Msg("position stuck: " + msg)
		r.publish(ctx, model.PositionEvent(model.EventPositionStuck, &p, msg, r.now()))
	}
	for id := range r.reported {
		if !seen[id] {
			delete(r.reported, id)
		}
	}
}

func (r *Reconciler) audit(ctx context.Context, rec model.AuditRecord) {
	rec.ID = uuid.NewString()
	rec.At = r.now()
	if err := r.store.AppendAudit(ctx, rec); err != nil {
		log.Error().Str("action", rec.Action).Str("position", rec.PositionID).Err(err).Msg("append audit failed")
	}
}

func (r *Reconciler) publish(ctx context.Context, ev model.Event) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ctx, ev); err != nil {
		log.Warn().Str("event", string(ev.Type)).Err(err).Msg("publish event failed")
	}
}
