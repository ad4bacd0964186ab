package paper

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
)

type markOnly struct {
	mark decimal.Decimal
}

func (m *markOnly) Name() string { return "binance" }
func (m *markOnly) PlaceOrder(context.Context, port.OrderRequest) (port.OrderAck, error) {
	panic("market connector must not receive orders")
}
func (m *markOnly) GetOrderStatus(context.Context, string, string) (port.OrderStatus, error) {
	panic("unexpected call")
}
func (m *markOnly) CancelOrder(context.Context, string, string) error { panic("unexpected call") }
func (m *markOnly) GetFundingSnapshot(_ context.Context, symbol string) (model.FundingSnapshot, error) {
	return model.FundingSnapshot{
		Exchange: "binance", Symbol: symbol, MarkPrice: decimal.NewNullDecimal(m.mark),
		FundingIntervalHours: 8, NextFundingTime: time.Now().Add(time.Hour),
	}, nil
}
func (m *markOnly) GetOpenPositions(context.Context) ([]port.ExchangePosition, error) {
	panic("unexpected call")
}

func market(side model.OrderSide, qty string, reduce bool, clientID string) port.OrderRequest {
	return port.OrderRequest{
		Symbol: "BTCUSDT", Side: side, Type: model.OrderTypeMarket,
		Quantity: decimal.RequireFromString(qty), ReduceOnly: reduce, ClientOrderID: clientID,
	}
}

func TestPaperFillsAtMarkAndTracksPosition(t *testing.T) {
	src := &markOnly{mark: decimal.NewFromInt(100)}
	c := New(src)
	ctx := context.Background()

	ack, err := c.PlaceOrder(ctx, market(model.OrderSideSell, "2", false, "c1"))
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if ack.State != model.OrderFilled || ack.AvgPrice.String() != "100" {
		t.Errorf("ack = %+v", ack)
	}

	// 同一 clientOrderID 重试返回原订单
	again, _ := c.PlaceOrder(ctx, market(model.OrderSideSell, "2", false, "c1"))
	if again.OrderID != ack.OrderID {
		t.Errorf("retry should be idempotent: %s vs %s", again.OrderID, ack.OrderID)
	}

	src.mark = decimal.NewFromInt(110)
	if _, err := c.PlaceOrder(ctx, market(model.OrderSideSell, "2", false, "c2")); err != nil {
		t.Fatalf("second order failed: %v", err)
	}
	positions, _ := c.GetOpenPositions(ctx)
	if len(positions) != 1 || positions[0].Side != model.SideShort || positions[0].Quantity.String() != "4" {
		t.Fatalf("positions = %+v", positions)
	}
	if positions[0].EntryPrice.String() != "105" {
		t.Errorf("entry = %s", positions[0].EntryPrice)
	}

	// reduce-only 数量截断到持仓
	closeAck, err := c.PlaceOrder(ctx, market(model.OrderSideBuy, "10", true, "c3"))
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if closeAck.FilledQty.String() != "4" {
		t.Errorf("close filled %s", closeAck.FilledQty)
	}
	if positions, _ := c.GetOpenPositions(ctx); len(positions) != 0 {
		t.Errorf("expected flat, got %+v", positions)
	}
	t.Logf("✓ paper connector fills at mark and tracks net position")
}

func TestPaperReduceOnlyWithoutPositionRejected(t *testing.T) {
	c := New(&markOnly{mark: decimal.NewFromInt(100)})
	_, err := c.PlaceOrder(context.Background(), market(model.OrderSideBuy, "1", true, ""))
	if model.KindOf(err) != model.KindRejected {
		t.Errorf("expected rejection, got %v", err)
	}
}

func TestPaperConditionalOrdersRest(t *testing.T) {
	c := New(&markOnly{mark: decimal.NewFromInt(100)})
	ctx := context.Background()
	ack, err := c.PlaceOrder(ctx, port.OrderRequest{
		Symbol: "BTCUSDT", Side: model.OrderSideBuy, Type: model.OrderTypeStopMarket,
		Quantity: decimal.NewFromInt(1), StopPrice: decimal.NewFromInt(120), ReduceOnly: true,
	})
	if err != nil || ack.State != model.OrderSubmitted {
		t.Fatalf("ack=%+v err=%v", ack, err)
	}
	if err := c.CancelOrder(ctx, "BTCUSDT", ack.OrderID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	st, _ := c.GetOrderStatus(ctx, "BTCUSDT", ack.OrderID)
	if st.State != model.OrderCancelled {
		t.Errorf("state = %s", st.State)
	}
	if _, err := c.GetOrderStatus(ctx, "BTCUSDT", "missing"); model.KindOf(err) == model.KindTransient {
		t.Errorf("unknown order should not be transient: %v", err)
	}
}
