package paper

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
)

// Connector 模拟盘：行情走真实交易所，下单在本地按标记价格成交
type Connector struct {
	market port.Connector

	mu        sync.Mutex
	seq       int64
	orders    map[string]port.OrderStatus
	byClient  map[string]string          // clientOrderID -> orderID
	positions map[string]decimal.Decimal // symbol -> 有符号数量
	entry     map[string]decimal.Decimal
}

// New 包装一个只用于行情的连接器
func New(market port.Connector) *Connector {
	return &Connector{
		market:    market,
		orders:    make(map[string]port.OrderStatus),
		byClient:  make(map[string]string),
		positions: make(map[string]decimal.Decimal),
		entry:     make(map[string]decimal.Decimal),
	}
}

func (c *Connector) Name() string { return c.market.Name() }

func (c *Connector) PlaceOrder(ctx context.Context, req port.OrderRequest) (port.OrderAck, error) {
	if !req.Quantity.IsPositive() {
		return port.OrderAck{}, model.Rejected("", "quantity must be positive")
	}

	c.mu.Lock()
	if id, ok := c.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		st := c.orders[id]
		c.mu.Unlock()
		return port.OrderAck{OrderID: id, State: st.State, FilledQty: st.FilledQty, AvgPrice: st.AvgPrice}, nil
	}
	c.mu.Unlock()

	if req.Type != model.OrderTypeMarket {
		return c.rest(req), nil
	}

	snap, err := c.market.GetFundingSnapshot(ctx, req.Symbol)
	if err != nil {
		return port.OrderAck{}, err
	}
	if !snap.MarkPrice.Valid {
		return port.OrderAck{}, fmt.Errorf("paper %s %s: no mark price: %w", c.Name(), req.Symbol, model.ErrTimeout)
	}
	price := snap.MarkPrice.Decimal

	c.mu.Lock()
	defer c.mu.Unlock()
	qty := req.Quantity
	pos := c.positions[req.Symbol]
	if req.ReduceOnly {
		// reduce-only 不得反向开仓
		if (req.Side == model.OrderSideBuy) == pos.IsPositive() || pos.IsZero() {
			return port.OrderAck{}, model.Rejected("reduce_only", "ReduceOnly Order is rejected")
		}
		qty = decimal.Min(qty, pos.Abs())
	}
	signed := qty
	if req.Side == model.OrderSideSell {
		signed = qty.Neg()
	}
	next := pos.Add(signed)
	switch {
	case next.IsZero():
		delete(c.positions, req.Symbol)
		delete(c.entry, req.Symbol)
	case pos.IsZero() || pos.Sign() == signed.Sign():
		// 加仓：加权均价
		c.entry[req.Symbol] = c.entry[req.Symbol].Mul(pos.Abs()).Add(price.Mul(qty)).Div(next.Abs())
		c.positions[req.Symbol] = next
	default:
		c.positions[req.Symbol] = next
	}

	id := c.nextID()
	st := port.OrderStatus{OrderID: id, State: model.OrderFilled, FilledQty: qty, AvgPrice: price}
	c.orders[id] = st
	if req.ClientOrderID != "" {
		c.byClient[req.ClientOrderID] = id
	}
	log.Info().Str("exchange", c.Name()).Str("symbol", req.Symbol).Str("side", string(req.Side)).
		Str("qty", qty.String()).Str("price", price.String()).Msg("paper order filled")
	return port.OrderAck{OrderID: id, State: st.State, FilledQty: qty, AvgPrice: price}, nil
}

// rest 条件单只挂起，不模拟触发
func (c *Connector) rest(req port.OrderRequest) port.OrderAck {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID()
	c.orders[id] = port.OrderStatus{OrderID: id, State: model.OrderSubmitted}
	if req.ClientOrderID != "" {
		c.byClient[req.ClientOrderID] = id
	}
	return port.OrderAck{OrderID: id, State: model.OrderSubmitted}
}

func (c *Connector) nextID() string {
	c.seq++
	return "paper-" + strconv.FormatInt(c.seq, 10)
}

func (c *Connector) GetOrderStatus(_ context.Context, _ string, orderID string) (port.OrderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.orders[orderID]
	if !ok {
		return port.OrderStatus{}, fmt.Errorf("paper order %s: %w", orderID, model.ErrNotFound)
	}
	return st, nil
}

func (c *Connector) CancelOrder(_ context.Context, _ string, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.orders[orderID]
	if !ok {
		return fmt.Errorf("paper order %s: %w", orderID, model.ErrNotFound)
	}
	if !st.State.Final() {
		st.State = model.OrderCancelled
		c.orders[orderID] = st
	}
	return nil
}

func (c *Connector) GetFundingSnapshot(ctx context.Context, symbol string) (model.FundingSnapshot, error) {
	return c.market.GetFundingSnapshot(ctx, symbol)
}

func (c *Connector) GetOpenPositions(context.Context) ([]port.ExchangePosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]port.ExchangePosition, 0, len(c.positions))
	for sym, qty := range c.positions {
		side := model.SideLong
		if qty.IsNegative() {
			side = model.SideShort
		}
		out = append(out, port.ExchangePosition{
			Exchange:   c.Name(),
			Symbol:     sym,
			Side:       side,
			Quantity:   qty.Abs(),
			EntryPrice: c.entry[sym],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
