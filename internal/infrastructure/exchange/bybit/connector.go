package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
)

// Name 交易所名称
const Name = "bybit"

const category = "linear"

// Options Bybit USDT 永续连接参数
type Options struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	Timeout    time.Duration
	RecvWindow time.Duration
}

// Connector Bybit V5 连接器
type Connector struct {
	api *APIClient

	mu        sync.Mutex
	intervals map[string]int
	leverage  map[string]int
}

// NewConnector 创建 Bybit 连接器
func NewConnector(opts Options) *Connector {
	return &Connector{
		api:       NewAPIClient(NewCredentials(opts.APIKey, opts.APISecret), opts.BaseURL, opts.Timeout, opts.RecvWindow),
		intervals: make(map[string]int),
		leverage:  make(map[string]int),
	}
}

func (c *Connector) Name() string { return Name }

type createOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// PlaceOrder 下单；V5 下单回执不带成交信息，成交由 GetOrderStatus 轮询
func (c *Connector) PlaceOrder(ctx context.Context, req port.OrderRequest) (port.OrderAck, error) {
	if req.Leverage > 0 && !req.ReduceOnly {
		if err := c.ensureLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return port.OrderAck{}, err
		}
	}

	payload := map[string]interface{}{
		"category":    category,
		"symbol":      req.Symbol,
		"side":        orderSide(req.Side),
		"orderType":   "Market",
		"qty":         req.Quantity.String(),
		"positionIdx": 0,
	}
	if req.ClientOrderID != "" {
		payload["orderLinkId"] = req.ClientOrderID
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}
	switch req.Type {
	case model.OrderTypeMarket:
	case model.OrderTypeStopMarket, model.OrderTypeTakeProfit:
		payload["triggerPrice"] = req.StopPrice.String()
		payload["triggerBy"] = "MarkPrice"
		payload["triggerDirection"] = triggerDirection(req.Type, req.Side)
	default:
		return port.OrderAck{}, model.Rejected("", fmt.Sprintf("unsupported order type %s", req.Type))
	}

	raw, err := c.api.signedJSONRequest(ctx, "POST", "/v5/order/create", payload)
	if err != nil {
		return port.OrderAck{}, err
	}
	var res createOrderResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return port.OrderAck{}, fmt.Errorf("bybit parse order response: %w", err)
	}

	log.Info().
		Str("exchange", Name).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Str("quantity", req.Quantity.String()).
		Str("order_id", res.OrderID).
		Msg("order placed")

	return port.OrderAck{OrderID: res.OrderID, State: model.OrderSubmitted}, nil
}

func orderSide(side model.OrderSide) string {
	if side == model.OrderSideBuy {
		return "Buy"
	}
	return "Sell"
}

// triggerDirection 1: 价格上穿触发, 2: 价格下穿触发
//
// 卖出平多：止损下穿、止盈上穿；买入平空相反。
func triggerDirection(typ model.OrderType, side model.OrderSide) int {
	stop := typ == model.OrderTypeStopMarket
	sell := side == model.OrderSideSell
	if stop == sell {
		return 2
	}
	return 1
}

func (c *Connector) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	c.mu.Lock()
	current := c.leverage[symbol]
	c.mu.Unlock()
	if current == leverage {
		return nil
	}
	lv := strconv.Itoa(leverage)
	_, err := c.api.signedJSONRequest(ctx, "POST", "/v5/position/set-leverage", map[string]interface{}{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  lv,
		"sellLeverage": lv,
	})
	var rc *retCodeError
	// 110043: leverage not modified
	if err != nil && !(errors.As(err, &rc) && rc.code == 110043) {
		return err
	}
	c.mu.Lock()
	c.leverage[symbol] = leverage
	c.mu.Unlock()
	return nil
}

type orderListResult struct {
	List []struct {
		OrderID      string `json:"orderId"`
		OrderStatus  string `json:"orderStatus"`
		CumExecQty   string `json:"cumExecQty"`
		AvgPrice     string `json:"avgPrice"`
		RejectReason string `json:"rejectReason"`
	} `json:"list"`
}

func (c *Connector) GetOrderStatus(ctx context.Context, symbol, orderID string) (port.OrderStatus, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	raw, err := c.api.signedQueryRequest(ctx, "/v5/order/realtime", params)
	if err != nil {
		return port.OrderStatus{}, err
	}
	var res orderListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return port.OrderStatus{}, fmt.Errorf("bybit parse order status: %w", err)
	}
	if len(res.List) == 0 {
		return port.OrderStatus{}, fmt.Errorf("bybit order %s: %w", orderID, model.ErrNotFound)
	}
	o := res.List[0]
	st := port.OrderStatus{
		OrderID:   o.OrderID,
		State:     mapStatus(o.OrderStatus),
		FilledQty: parseDecimal(o.CumExecQty),
		AvgPrice:  parseDecimal(o.AvgPrice),
	}
	if st.State == model.OrderRejected && o.RejectReason != "EC_NoError" {
		st.Reason = o.RejectReason
	}
	return st, nil
}

func (c *Connector) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := c.api.signedJSONRequest(ctx, "POST", "/v5/order/cancel", map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	})
	var rc *retCodeError
	// 110001: order not exists or too late to cancel
	if errors.As(err, &rc) && rc.code == 110001 {
		return nil
	}
	return err
}

type tickersResult struct {
	List []struct {
		Symbol          string `json:"symbol"`
		MarkPrice       string `json:"markPrice"`
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
	} `json:"list"`
}

func (c *Connector) GetFundingSnapshot(ctx context.Context, symbol string) (model.FundingSnapshot, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	raw, err := c.api.publicRequest(ctx, "/v5/market/tickers", params)
	if err != nil {
		return model.FundingSnapshot{}, err
	}
	var res tickersResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return model.FundingSnapshot{}, fmt.Errorf("bybit parse tickers: %w", err)
	}
	if len(res.List) == 0 {
		return model.FundingSnapshot{}, fmt.Errorf("bybit ticker %s: %w", symbol, model.ErrNotFound)
	}
	t := res.List[0]
	next, _ := strconv.ParseInt(t.NextFundingTime, 10, 64)

	snap := model.FundingSnapshot{
		Exchange:        Name,
		Symbol:          strings.ToUpper(t.Symbol),
		FundingRate:     parseDecimal(t.FundingRate),
		NextFundingTime: time.UnixMilli(next).UTC(),
		ObservedAt:      time.Now().UTC(),
	}
	if mark := parseDecimal(t.MarkPrice); mark.IsPositive() {
		snap.MarkPrice = decimal.NewNullDecimal(mark)
	}
	if hours, err := c.fundingInterval(ctx, symbol); err == nil {
		snap.FundingIntervalHours = hours
	} else {
		log.Debug().Str("exchange", Name).Str("symbol", symbol).Err(err).Msg("funding interval unavailable")
	}
	return snap, nil
}

type instrumentsResult struct {
	List []struct {
		Symbol          string `json:"symbol"`
		FundingInterval int    `json:"fundingInterval"` // 分钟
	} `json:"list"`
}

func (c *Connector) fundingInterval(ctx context.Context, symbol string) (int, error) {
	c.mu.Lock()
	hours, ok := c.intervals[symbol]
	c.mu.Unlock()
	if ok {
		return hours, nil
	}

	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	raw, err := c.api.publicRequest(ctx, "/v5/market/instruments-info", params)
	if err != nil {
		return 0, err
	}
	var res instrumentsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("bybit parse instruments: %w", err)
	}
	if len(res.List) == 0 || res.List[0].FundingInterval < 60 {
		return 0, model.ErrUnknownFundingInterval
	}
	hours = res.List[0].FundingInterval / 60
	c.mu.Lock()
	c.intervals[symbol] = hours
	c.mu.Unlock()
	return hours, nil
}

type positionListResult struct {
	List []struct {
		Symbol   string `json:"symbol"`
		Side     string `json:"side"`
		Size     string `json:"size"`
		AvgPrice string `json:"avgPrice"`
		Leverage string `json:"leverage"`
	} `json:"list"`
}

func (c *Connector) GetOpenPositions(ctx context.Context) ([]port.ExchangePosition, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("settleCoin", "USDT")
	raw, err := c.api.signedQueryRequest(ctx, "/v5/position/list", params)
	if err != nil {
		return nil, err
	}
	var res positionListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("bybit parse positions: %w", err)
	}
	out := make([]port.ExchangePosition, 0, len(res.List))
	for _, p := range res.List {
		size := parseDecimal(p.Size)
		if size.IsZero() {
			continue
		}
		var side model.Side
		switch p.Side {
		case "Buy":
			side = model.SideLong
		case "Sell":
			side = model.SideShort
		default:
			continue
		}
		leverage, _ := strconv.Atoi(strings.Split(p.Leverage, ".")[0])
		out = append(out, port.ExchangePosition{
			Exchange:   Name,
			Symbol:     p.Symbol,
			Side:       side,
			Quantity:   size.Abs(),
			EntryPrice: parseDecimal(p.AvgPrice),
			Leverage:   leverage,
		})
	}
	return out, nil
}

// mapStatus 归一化 Bybit 订单状态
func mapStatus(status string) model.OrderState {
	switch status {
	case "New", "Untriggered", "Triggered", "Created", "Active":
		return model.OrderSubmitted
	case "PartiallyFilled":
		return model.OrderPartiallyFilled
	case "Filled":
		return model.OrderFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return model.OrderCancelled
	case "Rejected":
		return model.OrderRejected
	default:
		return model.OrderSubmitted
	}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}
