package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
)

// Name 交易所名称
const Name = "binance"

// Options Binance U 本位合约连接参数
type Options struct {
	APIKey    string
	APISecret string
	BaseURL   string // 为空时使用 SDK 默认地址
	Testnet   bool
	Timeout   time.Duration
}

// Connector 基于 go-binance futures SDK 的连接器
type Connector struct {
	client *futures.Client

	mu        sync.Mutex
	intervals map[string]int // symbol -> 资金费周期（小时）
	leverage  map[string]int // 已设置的杠杆
}

// NewConnector 创建 Binance 连接器
func NewConnector(opts Options) *Connector {
	futures.UseTestnet = opts.Testnet
	client := futures.NewClient(opts.APIKey, opts.APISecret)
	if opts.BaseURL != "" {
		client.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.HTTPClient = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return &Connector{
		client:    client,
		intervals: make(map[string]int),
		leverage:  make(map[string]int),
	}
}

func (c *Connector) Name() string { return Name }

// PlaceOrder 下单；市价单使用 RESULT 回执，直接带回成交量与均价
func (c *Connector) PlaceOrder(ctx context.Context, req port.OrderRequest) (port.OrderAck, error) {
	if req.Leverage > 0 && !req.ReduceOnly {
		if err := c.ensureLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return port.OrderAck{}, err
		}
	}

	svc := c.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(req.Quantity.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	switch req.Type {
	case model.OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case model.OrderTypeStopMarket:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(req.StopPrice.String()).
			WorkingType(futures.WorkingTypeMarkPrice)
	case model.OrderTypeTakeProfit:
		svc = svc.Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(req.StopPrice.String()).
			WorkingType(futures.WorkingTypeMarkPrice)
	default:
		return port.OrderAck{}, model.Rejected("", fmt.Sprintf("unsupported order type %s", req.Type))
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return port.OrderAck{}, mapError("place order", err)
	}
	return port.OrderAck{
		OrderID:   strconv.FormatInt(res.OrderID, 10),
		State:     mapStatus(string(res.Status)),
		FilledQty: parseDecimal(res.ExecutedQuantity),
		AvgPrice:  parseDecimal(res.AvgPrice),
	}, nil
}

func (c *Connector) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	c.mu.Lock()
	current := c.leverage[symbol]
	c.mu.Unlock()
	if current == leverage {
		return nil
	}
	if _, err := c.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return mapError("change leverage", err)
	}
	c.mu.Lock()
	c.leverage[symbol] = leverage
	c.mu.Unlock()
	return nil
}

func (c *Connector) GetOrderStatus(ctx context.Context, symbol, orderID string) (port.OrderStatus, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return port.OrderStatus{}, fmt.Errorf("binance order id %q: %w", orderID, model.ErrNotFound)
	}
	order, err := c.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return port.OrderStatus{}, mapError("get order", err)
	}
	return port.OrderStatus{
		OrderID:   orderID,
		State:     mapStatus(string(order.Status)),
		FilledQty: parseDecimal(order.ExecutedQuantity),
		AvgPrice:  parseDecimal(order.AvgPrice),
	}, nil
}

func (c *Connector) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance order id %q: %w", orderID, model.ErrNotFound)
	}
	if _, err := c.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		// 订单已终结
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			return nil
		}
		return mapError("cancel order", err)
	}
	return nil
}

// GetFundingSnapshot premiumIndex 提供标记价格、当前费率与下次结算时间
func (c *Connector) GetFundingSnapshot(ctx context.Context, symbol string) (model.FundingSnapshot, error) {
	res, err := c.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return model.FundingSnapshot{}, mapError("premium index", err)
	}
	var idx *futures.PremiumIndex
	for _, item := range res {
		if strings.EqualFold(item.Symbol, symbol) {
			idx = item
			break
		}
	}
	if idx == nil {
		return model.FundingSnapshot{}, fmt.Errorf("binance premium index %s: %w", symbol, model.ErrNotFound)
	}

	snap := model.FundingSnapshot{
		Exchange:        Name,
		Symbol:          strings.ToUpper(symbol),
		FundingRate:     parseDecimal(idx.LastFundingRate),
		NextFundingTime: time.UnixMilli(idx.NextFundingTime).UTC(),
		ObservedAt:      time.Now().UTC(),
	}
	if mark := parseDecimal(idx.MarkPrice); mark.IsPositive() {
		snap.MarkPrice = decimal.NewNullDecimal(mark)
	}
	// 周期查询失败不影响快照，交给观察器用两次结算时间推导
	if hours, err := c.fundingInterval(ctx, symbol); err == nil {
		snap.FundingIntervalHours = hours
	}
	return snap, nil
}

// fundingInterval 取最近两次结算记录的时间差，按 symbol 缓存
func (c *Connector) fundingInterval(ctx context.Context, symbol string) (int, error) {
	c.mu.Lock()
	hours, ok := c.intervals[symbol]
	c.mu.Unlock()
	if ok {
		return hours, nil
	}

	history, err := c.client.NewFundingRateService().Symbol(symbol).Limit(2).Do(ctx)
	if err != nil {
		return 0, mapError("funding rate history", err)
	}
	hours = intervalFromHistory(history)
	if hours == 0 {
		return 0, model.ErrUnknownFundingInterval
	}
	c.mu.Lock()
	c.intervals[symbol] = hours
	c.mu.Unlock()
	return hours, nil
}

func intervalFromHistory(history []*futures.FundingRate) int {
	if len(history) < 2 {
		return 0
	}
	diff := history[len(history)-1].FundingTime - history[len(history)-2].FundingTime
	if diff < 0 {
		diff = -diff
	}
	// 结算时间可能有几毫秒偏差，四舍五入到整小时
	hours := int((time.Duration(diff)*time.Millisecond + 30*time.Minute) / time.Hour)
	if hours <= 0 {
		return 0
	}
	return hours
}

// GetOpenPositions 返回非零持仓
func (c *Connector) GetOpenPositions(ctx context.Context) ([]port.ExchangePosition, error) {
	risks, err := c.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, mapError("position risk", err)
	}
	out := make([]port.ExchangePosition, 0, len(risks))
	for _, r := range risks {
		amt := parseDecimal(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := model.SideLong
		if amt.IsNegative() {
			side = model.SideShort
		}
		leverage, _ := strconv.Atoi(r.Leverage)
		out = append(out, port.ExchangePosition{
			Exchange:   Name,
			Symbol:     r.Symbol,
			Side:       side,
			Quantity:   amt.Abs(),
			EntryPrice: parseDecimal(r.EntryPrice),
			Leverage:   leverage,
		})
	}
	return out, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}
