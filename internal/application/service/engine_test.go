package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
)

func TestGraduatedEntryTwoParts(t *testing.T) {
	h := newHarness(t, testEngineConfig())

	p, err := h.execute(t, h.request("10", 2))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if p.Status != model.PositionActive {
		t.Fatalf("expected ACTIVE, got %s (%s)", p.Status, p.ErrorMessage)
	}
	if p.CurrentPart != 2 {
		t.Errorf("expected currentPart 2, got %d", p.CurrentPart)
	}
	if !p.Primary.FilledQty.Equal(decimal.NewFromInt(10)) || !p.Hedge.FilledQty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected both legs filled 10, got %s / %s", p.Primary.FilledQty, p.Hedge.FilledQty)
	}

	parts := h.events.ofType(model.EventPartFilled)
	if len(parts) != 2 {
		t.Fatalf("expected 2 part events, got %d", len(parts))
	}
	if parts[0].Part != 1 || parts[0].Status != string(model.PositionExecuting) {
		t.Errorf("after part 1 expected currentPart=1 EXECUTING, got %d %s", parts[0].Part, parts[0].Status)
	}
	if parts[1].Part != 2 {
		t.Errorf("expected second part event at part 2, got %d", parts[1].Part)
	}

	for _, req := range h.primary.placedRequests() {
		if !req.Quantity.Equal(decimal.NewFromInt(5)) {
			t.Errorf("expected primary slices of 5, got %s", req.Quantity)
		}
		if req.Side != model.OrderSideSell {
			t.Errorf("expected short primary to sell, got %s", req.Side)
		}
	}
	for _, req := range h.hedge.placedRequests() {
		if req.Side != model.OrderSideBuy {
			t.Errorf("expected long hedge to buy, got %s", req.Side)
		}
	}

	if len(p.Primary.OrderIDs) != 2 || p.Primary.OrderIDs[0] != "binance-1" || p.Primary.OrderIDs[1] != "binance-2" {
		t.Errorf("primary order ids not in submission order: %v", p.Primary.OrderIDs)
	}
	for i, o := range p.Orders {
		if o.Index != i {
			t.Errorf("order %d has index %d", i, o.Index)
		}
	}

	stored, err := h.store.GetPosition(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if stored.Status != model.PositionActive || stored.StartedAt == nil {
		t.Errorf("stored position not active: %s", stored.Status)
	}
	t.Logf("✓ graduated entry: %d parts, %d orders", p.CurrentPart, len(p.Orders))
}

func TestHedgeSizedToActualPrimaryFill(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	// 主腿只成交 3（市价单剩余部分过期）
	h.primary.placeFn = func(n int, req port.OrderRequest) (port.OrderAck, error) {
		return port.OrderAck{
			OrderID:   "p-partial",
			State:     model.OrderExpired,
			FilledQty: decimal.NewFromInt(3),
			AvgPrice:  decimal.NewFromInt(100),
		}, nil
	}

	p, _ := h.execute(t, h.request("5", 1))
	hedgeReqs := h.hedge.placedRequests()
	if len(hedgeReqs) != 1 || !hedgeReqs[0].Quantity.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected one hedge order of 3, got %+v", hedgeReqs)
	}
	if !p.Hedge.FilledQty.Equal(p.Primary.FilledQty) {
		t.Errorf("hedge %s does not mirror primary %s", p.Hedge.FilledQty, p.Primary.FilledQty)
	}
	if p.Primary.FilledQty.GreaterThan(p.Primary.Quantity) {
		t.Errorf("filledQty exceeds quantity")
	}
}

func TestHedgeFailureUnwindsPrimary(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	h.hedge.placeFn = func(n int, req port.OrderRequest) (port.OrderAck, error) {
		return port.OrderAck{}, model.Rejected("110007", "ab not enough for new order")
	}

	p, err := h.execute(t, h.request("5", 1))
	if model.KindOf(err) != model.KindImbalance {
		t.Fatalf("expected imbalance error, got %v", err)
	}
	if p.Status != model.PositionError {
		t.Fatalf("expected ERROR, got %s", p.Status)
	}
	if !strings.Contains(p.ErrorMessage, "imbalance") || !strings.Contains(p.ErrorMessage, "ab not enough for new order") {
		t.Errorf("imbalance reason not recorded: %q", p.ErrorMessage)
	}
	if got := len(h.hedge.placedRequests()); got != 2 {
		t.Errorf("expected 2 bounded hedge attempts, got %d", got)
	}

	primaryReqs := h.primary.placedRequests()
	if len(primaryReqs) != 2 {
		t.Fatalf("expected entry + unwind on primary, got %d orders", len(primaryReqs))
	}
	unwind := primaryReqs[1]
	if !unwind.ReduceOnly || unwind.Side != model.OrderSideBuy || !unwind.Quantity.Equal(decimal.NewFromInt(5)) {
		t.Errorf("unexpected unwind order: %+v", unwind)
	}
	if !p.Primary.OpenQty().IsZero() {
		t.Errorf("primary exposure left open: %s", p.Primary.OpenQty())
	}
	if p.Status == model.PositionActive && p.Hedge.FilledQty.IsZero() {
		t.Errorf("position active with one leg at 0")
	}
	t.Logf("✓ imbalance unwound: %s", p.ErrorMessage)
}

func TestRejectedPrimaryPreservesReason(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	h.primary.placeFn = func(n int, req port.OrderRequest) (port.OrderAck, error) {
		return port.OrderAck{}, model.Rejected("-2019", "Margin is insufficient.")
	}

	p, err := h.execute(t, h.request("5", 2))
	if model.KindOf(err) != model.KindRejected {
		t.Fatalf("expected rejected error, got %v", err)
	}
	if p.Status != model.PositionError {
		t.Fatalf("expected ERROR, got %s", p.Status)
	}
	if p.ErrorMessage != "Margin is insufficient." {
		t.Errorf("exchange reason not preserved verbatim: %q", p.ErrorMessage)
	}
	if len(h.hedge.placedRequests()) != 0 {
		t.Errorf("hedge must not be placed after rejected primary")
	}
	if len(p.Orders) != 1 || p.Orders[0].State != model.OrderRejected {
		t.Errorf("rejected order not recorded: %+v", p.Orders)
	}
}

func TestTransientPlacementReusesClientOrderID(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	h.primary.placeFn = func(n int, req port.OrderRequest) (port.OrderAck, error) {
		if n <= 2 {
			return port.OrderAck{}, model.ErrTimeout
		}
		return port.OrderAck{}, nil
	}

	p, err := h.execute(t, h.request("2", 1))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if p.Status != model.PositionActive {
		t.Fatalf("expected ACTIVE, got %s", p.Status)
	}
	reqs := h.primary.placedRequests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 placement attempts, got %d", len(reqs))
	}
	for _, r := range reqs[1:] {
		if r.ClientOrderID != reqs[0].ClientOrderID {
			t.Errorf("client order id changed across retries: %s vs %s", r.ClientOrderID, reqs[0].ClientOrderID)
		}
	}
	if len(reqs[0].ClientOrderID) > 36 {
		t.Errorf("client order id too long: %s", reqs[0].ClientOrderID)
	}
}

func TestEmergencyStopMidPart(t *testing.T) {
	cfg := testEngineConfig()
	cfg.FillPoll.MaxAttempts = 2000
	h := newHarness(t, cfg)
	// 第一片立即成交，第二片主腿挂单不成交
	h.primary.placeFn = func(n int, req port.OrderRequest) (port.OrderAck, error) {
		if n == 1 {
			return port.OrderAck{}, nil
		}
		return port.OrderAck{OrderID: "slow-1", State: model.OrderSubmitted}, nil
	}

	handle, err := h.coord.RequestExecution(context.Background(), h.request("10", 2))
	if err != nil {
		t.Fatalf("RequestExecution failed: %v", err)
	}
	waitFor(t, "in-flight part 2 order", func() bool {
		exec, err := h.coord.Execution(handle.ExecutionID)
		return err == nil && exec.InFlight() > 0
	})

	report := h.coord.StopAll(context.Background())
	if len(report.Executions) != 1 || report.CancelAttempted != 1 {
		t.Errorf("unexpected stop report: %+v", report)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := handle.Wait(ctx)
	if !errors.Is(err, model.ErrEmergencyStopped) {
		t.Fatalf("expected emergency stop error, got %v", err)
	}
	if p.Status != model.PositionExecuting {
		t.Errorf("expected last consistent EXECUTING status, got %s", p.Status)
	}
	if p.CurrentPart != 1 {
		t.Errorf("expected currentPart 1, got %d", p.CurrentPart)
	}
	if !strings.Contains(p.Note, "emergency stop") {
		t.Errorf("expected explicit note, got %q", p.Note)
	}
	cancelled := h.primary.cancelledIDs()
	if len(cancelled) == 0 || cancelled[0] != "slow-1" {
		t.Errorf("in-flight order not cancelled: %v", cancelled)
	}
	if _, err := h.store.GetPosition(context.Background(), p.ID); err != nil {
		t.Errorf("stopped position must not be deleted: %v", err)
	}

	if _, err := h.coord.RequestExecution(context.Background(), ExecutionRequest{
		UserID: "u2", Symbol: "ETHUSDT", PrimaryExchange: "binance", HedgeExchange: "bybit",
		Quantity: decimal.NewFromInt(1), GraduatedParts: 1,
	}); !errors.Is(err, model.ErrEmergencyStopped) {
		t.Errorf("expected admissions rejected while stopped, got %v", err)
	}
	h.coord.Resume()
	if h.coord.Stopped() {
		t.Errorf("resume did not lift stop")
	}
	t.Logf("✓ emergency stop: %s", p.Note)
}

func TestConcurrentRequestsSingleFlight(t *testing.T) {
	cfg := testEngineConfig()
	h := newHarness(t, cfg)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.coord.RequestExecution(context.Background(), h.request("1", 1))
		}(i)
	}
	wg.Wait()

	admitted, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, model.ErrDuplicateActivePosition):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if admitted != 1 || rejected != 1 {
		t.Errorf("expected 1 admitted and 1 rejected, got %d / %d", admitted, rejected)
	}
}

func TestSyncTpSlIdempotent(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	req := h.request("4", 1)
	req.Protective = model.ProtectiveParams{
		TakeProfitPct: decimal.NewFromInt(2),
		StopLossPct:   decimal.NewFromInt(1),
	}
	p, err := h.execute(t, req)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(p.Primary.Protective) != 2 || len(p.Hedge.Protective) != 2 {
		t.Fatalf("expected TP and SL on both legs, got %d / %d", len(p.Primary.Protective), len(p.Hedge.Protective))
	}
	// 空头主腿止盈在下方
	for _, po := range p.Primary.Protective {
		if po.Kind == model.ProtectiveTakeProfit && !po.TriggerPrice.Equal(decimal.NewFromInt(98)) {
			t.Errorf("short take-profit expected at 98, got %s", po.TriggerPrice)
		}
	}

	before := len(h.primary.placedRequests()) + len(h.hedge.placedRequests())
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := h.coord.SyncTpSl(ctx, p.ID, "u1"); err != nil {
			t.Fatalf("SyncTpSl #%d failed: %v", i+1, err)
		}
	}
	after := len(h.primary.placedRequests()) + len(h.hedge.placedRequests())
	if after != before || len(h.primary.cancelledIDs())+len(h.hedge.cancelledIDs()) != 0 {
		t.Errorf("repeated sync produced exchange calls: placed %d -> %d", before, after)
	}

	if err := h.coord.UpdateProtective(ctx, p.ID, "u1", model.ProtectiveParams{
		TakeProfitPct: decimal.NewFromInt(3),
		StopLossPct:   decimal.NewFromInt(1),
	}); err != nil {
		t.Fatalf("UpdateProtective failed: %v", err)
	}
	if got := len(h.primary.cancelledIDs()); got != 1 {
		t.Errorf("expected only the take-profit replaced on primary, cancelled %d", got)
	}
	if got := len(h.primary.placedRequests()) + len(h.hedge.placedRequests()); got != after+2 {
		t.Errorf("expected 2 new protective orders, got %d", got-after)
	}

	if err := h.coord.SyncTpSl(ctx, p.ID, "someone-else"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected foreign user rejected, got %v", err)
	}
	t.Logf("✓ tp/sl sync idempotent")
}

func TestExitClosesHedgeFirstWhenFundingDriven(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	p, err := h.execute(t, h.request("10", 1))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	ctx := context.Background()
	applied, err := h.store.ApplyFunding(ctx, model.FundingPayment{
		PositionID:  p.ID,
		Exchange:    "binance",
		Role:        model.RolePrimary,
		FundingTime: time.Now().Add(-time.Minute),
		FundingRate: decimal.RequireFromString("0.001"),
		MarkPrice:   decimal.NewFromInt(100),
		Quantity:    decimal.NewFromInt(10),
		Amount:      decimal.NewFromInt(1),
	})
	if err != nil || !applied {
		t.Fatalf("ApplyFunding failed: %v", err)
	}

	closed, err := h.coord.ClosePosition(ctx, p.ID, "u1")
	if err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if closed.Status != model.PositionCompleted {
		t.Fatalf("expected COMPLETED, got %s", closed.Status)
	}
	var exits []model.LegRole
	for _, o := range closed.Orders {
		if o.Purpose == model.PurposeExit {
			exits = append(exits, o.Role)
		}
	}
	if len(exits) != 2 || exits[0] != model.RoleHedge {
		t.Errorf("expected hedge closed first, got %v", exits)
	}
	fees := closed.Primary.Fees.Add(closed.Hedge.Fees)
	if !fees.IsPositive() {
		t.Errorf("expected entry and exit fees, got %s", fees)
	}
	if !closed.GrossProfit.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected gross = funding 1 at flat prices, got %s", closed.GrossProfit)
	}
	if !closed.NetProfit.Equal(closed.GrossProfit.Sub(fees)) {
		t.Errorf("net %s != gross %s - fees %s", closed.NetProfit, closed.GrossProfit, fees)
	}

	if _, err := h.coord.ClosePosition(ctx, p.ID, "u1"); model.KindOf(err) != model.KindConstraint {
		t.Errorf("expected closing a completed position to be rejected, got %v", err)
	}
}

func TestExitClosesBothLegsConcurrently(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	p, err := h.execute(t, h.request("3", 1))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	closed, err := h.coord.ClosePosition(context.Background(), p.ID, "")
	if err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if closed.Status != model.PositionCompleted {
		t.Fatalf("expected COMPLETED, got %s", closed.Status)
	}
	if !closed.Primary.OpenQty().IsZero() || !closed.Hedge.OpenQty().IsZero() {
		t.Errorf("legs still open after exit")
	}
	seen := map[string]bool{}
	for _, o := range closed.Orders {
		if o.Purpose == model.PurposeExit {
			if seen[o.ClientID] {
				t.Errorf("duplicate client id %s on concurrent exit", o.ClientID)
			}
			seen[o.ClientID] = true
		}
	}
}

func TestProtectiveFillTriggersExit(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	req := h.request("2", 1)
	req.Protective = model.ProtectiveParams{StopLossPct: decimal.NewFromInt(5)}
	p, err := h.execute(t, req)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	sl := p.Primary.Protective[0]
	h.primary.setOrder(port.OrderStatus{
		OrderID:   sl.OrderID,
		State:     model.OrderFilled,
		FilledQty: sl.Quantity,
		AvgPrice:  sl.TriggerPrice,
	})

	h.coord.monitor(context.Background())

	got, err := h.store.GetPosition(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if got.Status != model.PositionCompleted {
		t.Fatalf("expected COMPLETED after stop-loss fill, got %s", got.Status)
	}
	if !got.Primary.AvgExitPrice.Equal(sl.TriggerPrice) {
		t.Errorf("primary exit price %s, want stop %s", got.Primary.AvgExitPrice, sl.TriggerPrice)
	}
}

func TestStaleHandle(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	if _, err := h.coord.Execution("missing"); !errors.Is(err, model.ErrStaleHandle) {
		t.Errorf("expected stale handle, got %v", err)
	}
	if _, err := (PositionHandle{}).Wait(context.Background()); !errors.Is(err, model.ErrStaleHandle) {
		t.Errorf("expected stale handle from zero handle, got %v", err)
	}
}

// restingPrimary 主腿首单挂起不成交，之后的单按默认市价成交
func restingPrimary(h *harness) {
	h.primary.placeFn = func(n int, req port.OrderRequest) (port.OrderAck, error) {
		if n == 1 {
			return port.OrderAck{OrderID: "p-rest", State: model.OrderSubmitted}, nil
		}
		return port.OrderAck{}, nil
	}
}

func TestStatusAuthFailureCancelsAndFlagsUnknownExposure(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	restingPrimary(h)
	// 交易所侧已全部成交，但状态查询一直鉴权失败
	h.primary.statusFn = func(orderID string) (port.OrderStatus, error) {
		if orderID == "p-rest" {
			h.primary.orders[orderID] = port.OrderStatus{
				OrderID: orderID, State: model.OrderFilled,
				FilledQty: decimal.NewFromInt(5), AvgPrice: decimal.NewFromInt(100),
			}
			return port.OrderStatus{}, model.ErrAuthFailure
		}
		return h.primary.orders[orderID], nil
	}

	p, err := h.execute(t, h.request("5", 1))
	if !errors.Is(err, model.ErrAuthFailure) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	if p.Status != model.PositionError {
		t.Fatalf("expected ERROR, got %s", p.Status)
	}
	cancelled := h.primary.cancelledIDs()
	if len(cancelled) != 1 || cancelled[0] != "p-rest" {
		t.Errorf("expected cancel of p-rest, got %v", cancelled)
	}
	if !p.NeedsAudit {
		t.Errorf("unknown exposure must be flagged for audit")
	}
	if !strings.Contains(p.Note, "exposure unknown on binance order p-rest") || !strings.Contains(p.Note, "manual reconciliation required") {
		t.Errorf("unexpected note: %q", p.Note)
	}
	if len(h.hedge.placedRequests()) != 0 {
		t.Errorf("hedge must not be placed without a confirmed primary fill")
	}
	t.Logf("✓ unknown exposure flagged: %s", p.Note)
}

func TestStatusAuthFailureSettlesFromFinalQuery(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	restingPrimary(h)
	calls := 0
	h.primary.statusFn = func(orderID string) (port.OrderStatus, error) {
		if orderID != "p-rest" {
			return h.primary.orders[orderID], nil
		}
		calls++
		if calls == 1 {
			return port.OrderStatus{}, model.ErrAuthFailure
		}
		return port.OrderStatus{
			OrderID: orderID, State: model.OrderFilled,
			FilledQty: decimal.NewFromInt(5), AvgPrice: decimal.NewFromInt(100),
		}, nil
	}

	p, err := h.execute(t, h.request("5", 1))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if p.Status != model.PositionActive {
		t.Fatalf("expected ACTIVE, got %s", p.Status)
	}
	if got := h.primary.cancelledIDs(); len(got) != 1 {
		t.Errorf("expected cancel before final query, got %v", got)
	}
	hedgeReqs := h.hedge.placedRequests()
	if len(hedgeReqs) != 1 || !hedgeReqs[0].Quantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected hedge of 5, got %+v", hedgeReqs)
	}
	if p.NeedsAudit {
		t.Errorf("settled fill must not be flagged")
	}
}

func TestHedgeBoundedByImbalanceTimeout(t *testing.T) {
	cfg := testEngineConfig()
	cfg.FillPoll.MaxAttempts = 2000
	cfg.ImbalanceTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	// 对冲单一直挂着
	h.hedge.placeFn = func(n int, req port.OrderRequest) (port.OrderAck, error) {
		return port.OrderAck{OrderID: "h-rest", State: model.OrderSubmitted}, nil
	}

	start := time.Now()
	p, err := h.execute(t, h.request("5", 1))
	took := time.Since(start)
	if model.KindOf(err) != model.KindImbalance {
		t.Fatalf("expected imbalance error, got %v", err)
	}
	if took > time.Second {
		t.Errorf("hedge wait not bounded by imbalance timeout: %s", took)
	}
	if !strings.Contains(p.ErrorMessage, "hedge not confirmed within 50ms") {
		t.Errorf("timeout reason not recorded: %q", p.ErrorMessage)
	}
	if got := h.hedge.cancelledIDs(); len(got) == 0 || got[0] != "h-rest" {
		t.Errorf("resting hedge order not cancelled: %v", got)
	}
	primaryReqs := h.primary.placedRequests()
	if len(primaryReqs) != 2 || !primaryReqs[1].ReduceOnly {
		t.Fatalf("expected primary unwind, got %+v", primaryReqs)
	}
	t.Logf("✓ hedge gave up after %s", took)
}

func TestPrimaryOverfillClampedAndFlagged(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	h.primary.placeFn = func(n int, req port.OrderRequest) (port.OrderAck, error) {
		if n > 1 {
			return port.OrderAck{}, nil
		}
		return port.OrderAck{
			OrderID:   "p-over",
			State:     model.OrderFilled,
			FilledQty: decimal.NewFromInt(7),
			AvgPrice:  decimal.NewFromInt(100),
		}, nil
	}

	p, err := h.execute(t, h.request("5", 1))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !p.Primary.FilledQty.Equal(decimal.NewFromInt(5)) {
		t.Errorf("primary fill not clamped to target: %s", p.Primary.FilledQty)
	}
	hedgeReqs := h.hedge.placedRequests()
	if len(hedgeReqs) != 1 || !hedgeReqs[0].Quantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("hedge must follow the booked fill, got %+v", hedgeReqs)
	}
	if !p.NeedsAudit || !strings.Contains(p.Note, "PRIMARY leg overfilled by 2 on binance") {
		t.Errorf("overfill not flagged: audit=%v note=%q", p.NeedsAudit, p.Note)
	}
}
