package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
)

// ExecutionRequest 建仓请求
type ExecutionRequest struct {
	UserID          string                 `json:"user_id"`
	Symbol          string                 `json:"symbol"`
	PrimaryExchange string                 `json:"primary_exchange"`
	HedgeExchange   string                 `json:"hedge_exchange"`
	Quantity        decimal.Decimal        `json:"quantity"`
	GraduatedParts  int                    `json:"graduated_parts"`
	Leverage        int                    `json:"leverage"`
	PrimarySide     model.Side             `json:"primary_side"`
	Protective      model.ProtectiveParams `json:"protective"`
	SubscriptionID  string                 `json:"subscription_id,omitempty"`
	ExitAt          *time.Time             `json:"exit_at,omitempty"`
}

// Validate 校验请求
func (r ExecutionRequest) Validate() error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("user id required")
	case r.Symbol == "":
		return fmt.Errorf("symbol required")
	case r.PrimaryExchange == "" || r.HedgeExchange == "":
		return fmt.Errorf("primary and hedge exchange required")
	case r.PrimaryExchange == r.HedgeExchange:
		return fmt.Errorf("primary and hedge exchange must differ")
	case !r.Quantity.IsPositive():
		return fmt.Errorf("quantity must be positive")
	case r.GraduatedParts < 1:
		return fmt.Errorf("graduated parts must be >= 1")
	}
	return nil
}

// ExecutionListener 执行结果回调（调度器据此结算订阅）
type ExecutionListener interface {
	PositionActivated(ctx context.Context, p model.Position)
	PositionFailed(ctx context.Context, p model.Position, err error)
}

// StopReport 紧急停止结果
type StopReport struct {
	Executions      []string `json:"executions"`
	CancelAttempted int      `json:"cancel_attempted"`
	CancelFailed    int      `json:"cancel_failed"`
}

// CoordinatorConfig 协调器参数
type CoordinatorConfig struct {
	MonitorInterval time.Duration // ACTIVE 持仓保护单检查周期
	DefaultLeverage int
}

// Coordinator 执行注册表，按执行 ID 登记所有在途建仓
type Coordinator struct {
	engine    *Engine
	store     port.PositionRepository
	metrics   port.Metrics
	cfg       CoordinatorConfig
	now       func() time.Time
	listeners []ExecutionListener

	mu         sync.RWMutex
	executions map[string]*Execution
	byPosition map[string]string

	stopped atomic.Bool
	locks   keyedMutex
	wg      sync.WaitGroup

	watcher FundingWatcher
}

// FundingWatcher 资金费观测登记
type FundingWatcher interface {
	Watch(exchange, symbol string)
}

// NewCoordinator 创建协调器
func NewCoordinator(engine *Engine, store port.PositionRepository, metrics port.Metrics, cfg CoordinatorConfig) *Coordinator {
	if metrics == nil {
		metrics = port.NopMetrics{}
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 5 * time.Second
	}
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = 1
	}
	return &Coordinator{
		engine:     engine,
		store:      store,
		metrics:    metrics,
		cfg:        cfg,
		now:        time.Now,
		executions: make(map[string]*Execution),
		byPosition: make(map[string]string),
	}
}

// AddListener 注册执行结果回调；须在 Run 之前调用
func (c *Coordinator) AddListener(l ExecutionListener) {
	c.listeners = append(c.listeners, l)
}

// SetFundingWatcher 准入后登记两腿的资金费观测；须在 Run 之前调用
func (c *Coordinator) SetFundingWatcher(w FundingWatcher) {
	c.watcher = w
}

// LockPosition 获取持仓级互斥锁，返回解锁函数
func (c *Coordinator) LockPosition(id string) func() {
	return c.locks.Lock(id)
}

// RequestExecution 原子准入后异步执行
//
// 同一 (userId, symbol) 或 (symbol, primary, hedge) 已有非终态持仓时返回
// model.ErrDuplicateActivePosition。
func (c *Coordinator) RequestExecution(ctx context.Context, req ExecutionRequest) (PositionHandle, error) {
	if c.stopped.Load() {
		return PositionHandle{}, &model.Error{Kind: model.KindConstraint, Op: "coordinator.request", Err: model.ErrEmergencyStopped}
	}
	if err := req.Validate(); err != nil {
		return PositionHandle{}, &model.Error{Kind: model.KindRejected, Op: "coordinator.request", Reason: err.Error()}
	}
	side := req.PrimarySide
	if side == "" {
		side = model.SideShort
	}
	leverage := req.Leverage
	if leverage <= 0 {
		leverage = c.cfg.DefaultLeverage
	}

	now := c.now()
	p := model.Position{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Symbol:         req.Symbol,
		SubscriptionID: req.SubscriptionID,
		Status:         model.PositionInitializing,
		GraduatedParts: req.GraduatedParts,
		Primary: model.Leg{
			Role:     model.RolePrimary,
			Exchange: req.PrimaryExchange,
			Side:     side,
			Leverage: leverage,
			Quantity: req.Quantity,
			Status:   model.LegPending,
		},
		Hedge: model.Leg{
			Role:     model.RoleHedge,
			Exchange: req.HedgeExchange,
			Side:     side.Opposite(),
			Leverage: leverage,
			Quantity: req.Quantity,
			Status:   model.LegPending,
		},
		Protective: req.Protective,
		CreatedAt:  now,
		ExitAt:     req.ExitAt,
	}
	if err := c.store.InsertIfAbsent(ctx, p); err != nil {
		if errors.Is(err, model.ErrDuplicateActivePosition) {
			return PositionHandle{}, &model.Error{Kind: model.KindConstraint, Op: "coordinator.request", Err: err}
		}
		return PositionHandle{}, fmt.Errorf("admit position: %w", err)
	}
	if c.watcher != nil {
		c.watcher.Watch(p.Primary.Exchange, p.Symbol)
		c.watcher.Watch(p.Hedge.Exchange, p.Symbol)
	}

	exec := newExecution(uuid.NewString(), &p)
	c.mu.Lock()
	c.executions[exec.ID] = exec
	c.byPosition[p.ID] = exec.ID
	n := len(c.executions)
	c.mu.Unlock()
	c.metrics.ActiveExecutions(n)
	// 停止与准入之间的竞争：登记之后再检查一次
	if c.stopped.Load() {
		exec.Stop()
	}

	log.Info().
		Str("execution", exec.ID).
		Str("position", p.ID).
		Str("user", p.UserID).
		Str("symbol", p.Symbol).
		Str("primary", p.Primary.Exchange).
		Str("hedge", p.Hedge.Exchange).
		Str("quantity", p.Primary.Quantity.String()).
		Int("parts", p.GraduatedParts).
		Msg("execution admitted")

	c.wg.Add(1)
	go c.run(exec, p)
	return PositionHandle{ExecutionID: exec.ID, PositionID: p.ID, exec: exec}, nil
}

func (c *Coordinator) run(exec *Execution, p model.Position) {
	defer c.wg.Done()
	ctx := context.Background()

	unlock := c.locks.Lock(p.ID)
	final, err := c.engine.Execute(ctx, exec, p)
	unlock()

	c.mu.Lock()
	delete(c.executions, exec.ID)
	delete(c.byPosition, p.ID)
	n := len(c.executions)
	c.mu.Unlock()
	c.metrics.ActiveExecutions(n)
	exec.finish(final, err)

	for _, l := range c.listeners {
		if err == nil && final.Status == model.PositionActive {
			l.PositionActivated(ctx, final)
		} else {
			l.PositionFailed(ctx, final, err)
		}
	}
}

// Execution 按执行 ID 取在途执行；已结束或未知时返回 ErrStaleHandle
func (c *Coordinator) Execution(id string) (*Execution, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exec, ok := c.executions[id]
	if !ok {
		return nil, &model.Error{Kind: model.KindConstraint, Op: "coordinator.execution", Reason: "execution " + id, Err: model.ErrStaleHandle}
	}
	return exec, nil
}

// Executions 在途执行快照
func (c *Coordinator) Executions() []*Execution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Execution, 0, len(c.executions))
	for _, e := range c.executions {
		out = append(out, e)
	}
	return out
}

// GetActivePositions 用户的非终态持仓
func (c *Coordinator) GetActivePositions(ctx context.Context, userID string) ([]model.Position, error) {
	return c.store.ListPositionsByUser(ctx, userID, true)
}

// GetPosition 按 ID 查询；userID 非空时校验归属
func (c *Coordinator) GetPosition(ctx context.Context, positionID, userID string) (model.Position, error) {
	p, err := c.store.GetPosition(ctx, positionID)
	if err != nil {
		return model.Position{}, err
	}
	if userID != "" && p.UserID != userID {
		return model.Position{}, fmt.Errorf("position %s: %w", positionID, model.ErrNotFound)
	}
	return p, nil
}

// StopAll 紧急停止：拒绝新准入，阻止新分片，尽力撤掉所有在途订单
func (c *Coordinator) StopAll(ctx context.Context) StopReport {
	c.stopped.Store(true)
	var report StopReport
	for _, exec := range c.Executions() {
		exec.Stop()
		report.Executions = append(report.Executions, exec.ID)
		attempted, failed := c.engine.cancelInFlight(ctx, exec)
		report.CancelAttempted += attempted
		report.CancelFailed += failed
	}
	log.Warn().
		Int("executions", len(report.Executions)).
		Int("cancel_attempted", report.CancelAttempted).
		Int("cancel_failed", report.CancelFailed).
		Msg("emergency stop issued")
	return report
}

// Resume 解除紧急停止，重新接受准入
func (c *Coordinator) Resume() {
	c.stopped.Store(false)
	log.Info().Msg("emergency stop lifted")
}

// Stopped 是否处于紧急停止
func (c *Coordinator) Stopped() bool { return c.stopped.Load() }

// SyncTpSl 重新同步保护单；参数未变时不产生交易所调用
func (c *Coordinator) SyncTpSl(ctx context.Context, positionID, userID string) error {
	return c.withActive(ctx, positionID, userID, func(p *model.Position) (bool, error) {
		return c.engine.SyncTpSl(ctx, p)
	})
}

// UpdateProtective 更新止盈止损参数并同步
func (c *Coordinator) UpdateProtective(ctx context.Context, positionID, userID string, params model.ProtectiveParams) error {
	return c.withActive(ctx, positionID, userID, func(p *model.Position) (bool, error) {
		changed := !p.Protective.TakeProfitPct.Equal(params.TakeProfitPct) || !p.Protective.StopLossPct.Equal(params.StopLossPct)
		p.Protective = params
		synced, err := c.engine.SyncTpSl(ctx, p)
		return changed || synced, err
	})
}

func (c *Coordinator) withActive(ctx context.Context, positionID, userID string, fn func(p *model.Position) (bool, error)) error {
	unlock := c.locks.Lock(positionID)
	defer unlock()

	p, err := c.GetPosition(ctx, positionID, userID)
	if err != nil {
		return err
	}
	if p.Status != model.PositionActive {
		return &model.Error{
			Kind:   model.KindConstraint,
			Op:     "coordinator.protective",
			Reason: fmt.Sprintf("position %s is %s", p.ID, p.Status),
		}
	}
	changed, err := fn(&p)
	if changed {
		if uerr := c.store.UpdatePosition(ctx, p); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}

// ClosePosition 平仓；userID 为空表示内部调用（计划平仓、保护单触发）
func (c *Coordinator) ClosePosition(ctx context.Context, positionID, userID string) (model.Position, error) {
	unlock := c.locks.Lock(positionID)
	defer unlock()

	p, err := c.GetPosition(ctx, positionID, userID)
	if err != nil {
		return model.Position{}, err
	}
	return c.engine.Exit(ctx, p)
}

// Run 周期检查 ACTIVE 持仓的保护单成交，触发后平掉剩余敞口
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.monitor(ctx)
		}
	}
}

func (c *Coordinator) monitor(ctx context.Context) {
	active, err := c.store.ListPositionsByStatus(ctx, model.PositionActive)
	if err != nil {
		log.Warn().Err(err).Msg("list active positions failed")
		return
	}
	for _, p := range active {
		if !hasProtective(&p) {
			continue
		}
		c.checkProtective(ctx, p.ID)
	}
}

func (c *Coordinator) checkProtective(ctx context.Context, positionID string) {
	unlock := c.locks.Lock(positionID)
	defer unlock()

	p, err := c.store.GetPosition(ctx, positionID)
	if err != nil || p.Status != model.PositionActive {
		return
	}
	triggered, err := c.engine.CheckProtectiveFills(ctx, &p)
	if err != nil {
		log.Warn().Str("position", p.ID).Err(err).Msg("check protective fills failed")
	}
	if !triggered {
		return
	}
	p.AddNote("protective order filled")
	if _, err := c.engine.Exit(ctx, p); err != nil {
		log.Error().Str("position", p.ID).Err(err).Msg("exit after protective fill failed")
	}
}

func hasProtective(p *model.Position) bool {
	return len(p.Primary.Protective) > 0 || len(p.Hedge.Protective) > 0
}

// Shutdown 紧急停止并等待在途执行结束
func (c *Coordinator) Shutdown(ctx context.Context) StopReport {
	report := c.StopAll(ctx)
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("shutdown deadline reached with executions still running")
	}
	return report
}

// keyedMutex 按键互斥，空闲的键会被回收
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock 获取 key 的锁，返回释放函数
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
