package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
	domainsvc "fundingarb/internal/domain/service"
	"fundingarb/internal/infrastructure/storage/memory"
)

// fakeConnector 内存交易所：市价单默认按 mark 立即成交，条件单挂起
type fakeConnector struct {
	name string

	mu        sync.Mutex
	mark      decimal.Decimal
	seq       int
	orders    map[string]port.OrderStatus
	placed    []port.OrderRequest
	cancelled []string
	positions []port.ExchangePosition

	placeFn    func(n int, req port.OrderRequest) (port.OrderAck, error)
	statusFn   func(orderID string) (port.OrderStatus, error)
	snapshotFn func(symbol string) (model.FundingSnapshot, error)
	gate       func(req port.OrderRequest) // 下单前调用，不持锁，可阻塞
	openErr    error
}

func newFakeConnector(name string) *fakeConnector {
	return &fakeConnector{
		name:   name,
		mark:   decimal.NewFromInt(100),
		orders: make(map[string]port.OrderStatus),
	}
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) PlaceOrder(_ context.Context, req port.OrderRequest) (port.OrderAck, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		gate(req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	n := len(f.placed)
	if f.placeFn != nil {
		ack, err := f.placeFn(n, req)
		if err != nil {
			return ack, err
		}
		if ack.OrderID != "" {
			f.orders[ack.OrderID] = port.OrderStatus{OrderID: ack.OrderID, State: ack.State, FilledQty: ack.FilledQty, AvgPrice: ack.AvgPrice}
			return ack, nil
		}
	}
	f.seq++
	id := fmt.Sprintf("%s-%d", f.name, f.seq)
	st := port.OrderStatus{OrderID: id, State: model.OrderSubmitted}
	if req.Type == model.OrderTypeMarket {
		st.State = model.OrderFilled
		st.FilledQty = req.Quantity
		st.AvgPrice = f.mark
	}
	f.orders[id] = st
	return port.OrderAck{OrderID: id, State: st.State, FilledQty: st.FilledQty, AvgPrice: st.AvgPrice}, nil
}

func (f *fakeConnector) GetOrderStatus(_ context.Context, _ string, orderID string) (port.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusFn != nil {
		return f.statusFn(orderID)
	}
	st, ok := f.orders[orderID]
	if !ok {
		return port.OrderStatus{}, model.ErrNotFound
	}
	return st, nil
}

func (f *fakeConnector) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	st, ok := f.orders[orderID]
	if !ok {
		return model.ErrNotFound
	}
	if !st.State.Final() {
		st.State = model.OrderCancelled
		f.orders[orderID] = st
	}
	return nil
}

func (f *fakeConnector) GetFundingSnapshot(_ context.Context, symbol string) (model.FundingSnapshot, error) {
	f.mu.Lock()
	fn := f.snapshotFn
	f.mu.Unlock()
	if fn != nil {
		return fn(symbol)
	}
	return model.FundingSnapshot{
		Symbol:               symbol,
		FundingRate:          decimal.RequireFromString("0.0001"),
		MarkPrice:            decimal.NewNullDecimal(f.mark),
		FundingIntervalHours: 8,
		NextFundingTime:      time.Now().Add(time.Hour).Truncate(time.Second),
	}, nil
}

func (f *fakeConnector) GetOpenPositions(context.Context) ([]port.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	return append([]port.ExchangePosition(nil), f.positions...), nil
}

// setOrder 直接改写订单状态（模拟交易所侧成交）
func (f *fakeConnector) setOrder(st port.OrderStatus) {
	f.mu.Lock()
	f.orders[st.OrderID] = st
	f.mu.Unlock()
}

func (f *fakeConnector) placedRequests() []port.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]port.OrderRequest(nil), f.placed...)
}

func (f *fakeConnector) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

type fakeResolver map[string]port.Connector

func (r fakeResolver) Get(exchange string) (port.Connector, error) {
	c, ok := r[exchange]
	if !ok {
		return nil, fmt.Errorf("exchange %s: %w", exchange, model.ErrNotFound)
	}
	return c, nil
}

func (r fakeResolver) Names() []string {
	out := make([]string, 0, len(r))
	for name := range r {
		out = append(out, name)
	}
	return out
}

// recordingPublisher 记录所有事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev model.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) ofType(t model.EventType) []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testEngineConfig() EngineConfig {
	return EngineConfig{
		OrderRetry:       domainsvc.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		FillPoll:         domainsvc.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		HedgeAttempts:    2,
		ImbalanceTimeout: time.Second,
	}
}

type harness struct {
	store   *memory.Store
	primary *fakeConnector
	hedge   *fakeConnector
	events  *recordingPublisher
	engine  *Engine
	coord   *Coordinator
}

func newHarness(t *testing.T, cfg EngineConfig) *harness {
	t.Helper()
	h := &harness{
		store:   memory.New(),
		primary: newFakeConnector("binance"),
		hedge:   newFakeConnector("bybit"),
		events:  &recordingPublisher{},
	}
	resolver := fakeResolver{"binance": h.primary, "bybit": h.hedge}
	h.engine = NewEngine(h.store, resolver, domainsvc.DefaultFeeSchedule(), h.events, nil, cfg)
	h.coord = NewCoordinator(h.engine, h.store, nil, CoordinatorConfig{MonitorInterval: 10 * time.Millisecond})
	return h
}

func (h *harness) request(qty string, parts int) ExecutionRequest {
	return ExecutionRequest{
		UserID:          "u1",
		Symbol:          "BTCUSDT",
		PrimaryExchange: "binance",
		HedgeExchange:   "bybit",
		Quantity:        decimal.RequireFromString(qty),
		GraduatedParts:  parts,
		Leverage:        3,
	}
}

// execute 同步执行到结束
func (h *harness) execute(t *testing.T, req ExecutionRequest) (model.Position, error) {
	t.Helper()
	handle, err := h.coord.RequestExecution(context.Background(), req)
	if err != nil {
		t.Fatalf("RequestExecution failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return handle.Wait(ctx)
}

// waitFor 轮询直到条件满足
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
