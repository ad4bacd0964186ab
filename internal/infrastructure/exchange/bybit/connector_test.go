package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
)

type route func(w http.ResponseWriter, r *http.Request)

func newTestConnector(t *testing.T, routes map[string]route) *Connector {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewConnector(Options{APIKey: "key", APISecret: "secret", BaseURL: srv.URL, Timeout: 2 * time.Second})
}

func okResult(result string) route {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":` + result + `,"time":1700000000000}`))
	}
}

func TestSignedRequestHeaders(t *testing.T) {
	var got http.Header
	var body map[string]interface{}
	c := newTestConnector(t, map[string]route{
		"/v5/order/create": func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Clone()
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &body)
			okResult(`{"orderId":"b-1","orderLinkId":"fa1"}`)(w, r)
		},
	})

	ack, err := c.PlaceOrder(context.Background(), port.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          model.OrderSideBuy,
		Type:          model.OrderTypeStopMarket,
		Quantity:      decimal.RequireFromString("0.5"),
		StopPrice:     decimal.NewFromInt(70000),
		ReduceOnly:    true,
		ClientOrderID: "fa1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if ack.OrderID != "b-1" || ack.State != model.OrderSubmitted {
		t.Errorf("ack = %+v", ack)
	}
	if got.Get("X-BAPI-API-KEY") != "key" || got.Get("X-BAPI-SIGN") == "" || got.Get("X-BAPI-RECV-WINDOW") != "5000" {
		t.Errorf("missing signature headers: %v", got)
	}
	if body["side"] != "Buy" || body["orderLinkId"] != "fa1" || body["reduceOnly"] != true {
		t.Errorf("payload = %v", body)
	}
	// 买入平空的止损在价格上穿时触发
	if body["triggerPrice"] != "70000" || body["triggerDirection"] != float64(1) {
		t.Errorf("trigger = %v / %v", body["triggerPrice"], body["triggerDirection"])
	}
	t.Logf("✓ signed order request carries V5 headers")
}

func TestSignMatchesV5Scheme(t *testing.T) {
	creds := NewCredentials("key", "secret")
	a := creds.Sign("1700000000000key5000category=linear")
	b := creds.Sign("1700000000000key5000category=linear")
	if a != b || len(a) != 64 {
		t.Errorf("signature should be stable hex sha256, got %q", a)
	}
	if a == creds.Sign("1700000000001key5000category=linear") {
		t.Error("signature should depend on timestamp")
	}
}

func TestGetFundingSnapshot(t *testing.T) {
	c := newTestConnector(t, map[string]route{
		"/v5/market/tickers":          okResult(`{"category":"linear","list":[{"symbol":"BTCUSDT","markPrice":"64990.5","fundingRate":"-0.0002","nextFundingTime":"1700028800000"}]}`),
		"/v5/market/instruments-info": okResult(`{"category":"linear","list":[{"symbol":"BTCUSDT","fundingInterval":480}]}`),
	})
	snap, err := c.GetFundingSnapshot(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetFundingSnapshot failed: %v", err)
	}
	if snap.Exchange != Name || snap.FundingRate.String() != "-0.0002" || snap.FundingIntervalHours != 8 {
		t.Errorf("snapshot = %+v", snap)
	}
	if !snap.MarkPrice.Valid || snap.Quality() != model.SnapshotValid {
		t.Errorf("snapshot should be valid: %+v", snap)
	}
	if snap.NextFundingTime.UnixMilli() != 1700028800000 {
		t.Errorf("next funding = %s", snap.NextFundingTime)
	}
}

func TestGetOrderStatus(t *testing.T) {
	c := newTestConnector(t, map[string]route{
		"/v5/order/realtime": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("orderId") != "b-9" {
				t.Errorf("unexpected query %s", r.URL.RawQuery)
			}
			okResult(`{"list":[{"orderId":"b-9","orderStatus":"PartiallyFilled","cumExecQty":"0.3","avgPrice":"65000"}]}`)(w, r)
		},
	})
	st, err := c.GetOrderStatus(context.Background(), "BTCUSDT", "b-9")
	if err != nil {
		t.Fatalf("GetOrderStatus failed: %v", err)
	}
	if st.State != model.OrderPartiallyFilled || st.FilledQty.String() != "0.3" || st.AvgPrice.String() != "65000" {
		t.Errorf("status = %+v", st)
	}
}

func TestCancelOrderAlreadyFinal(t *testing.T) {
	c := newTestConnector(t, map[string]route{
		"/v5/order/cancel": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"retCode":110001,"retMsg":"order not exists or too late to cancel","result":{}}`))
		},
	})
	if err := c.CancelOrder(context.Background(), "BTCUSDT", "b-1"); err != nil {
		t.Errorf("cancel of a final order should succeed, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		write func(w http.ResponseWriter)
		check func(error) bool
	}{
		{"http 429", func(w http.ResponseWriter) { w.WriteHeader(http.StatusTooManyRequests) }, func(err error) bool { return errors.Is(err, model.ErrRateLimited) }},
		{"http 502", func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) }, func(err error) bool { return model.IsTransient(err) }},
		{"retCode rate limit", func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"retCode":10006,"retMsg":"Too many visits!","result":{}}`))
		}, func(err error) bool { return errors.Is(err, model.ErrRateLimited) }},
		{"retCode auth", func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"retCode":10003,"retMsg":"API key is invalid.","result":{}}`))
		}, func(err error) bool { return model.KindOf(err) == model.KindAuth }},
		{"retCode rejected", func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"retCode":110007,"retMsg":"ab not enough for new order","result":{}}`))
		}, func(err error) bool {
			return model.KindOf(err) == model.KindRejected && model.Reason(err) == "ab not enough for new order"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConnector(t, map[string]route{
				"/v5/order/create": func(w http.ResponseWriter, r *http.Request) { tt.write(w) },
			})
			_, err := c.PlaceOrder(context.Background(), port.OrderRequest{
				Symbol: "BTCUSDT", Side: model.OrderSideSell, Type: model.OrderTypeMarket,
				Quantity: decimal.NewFromInt(1),
			})
			if err == nil || !tt.check(err) {
				t.Errorf("unexpected classification: %v", err)
			}
		})
	}
}

func TestGetOpenPositions(t *testing.T) {
	c := newTestConnector(t, map[string]route{
		"/v5/position/list": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("settleCoin") != "USDT" {
				t.Errorf("settleCoin missing: %s", r.URL.RawQuery)
			}
			okResult(`{"list":[
				{"symbol":"BTCUSDT","side":"Buy","size":"0.5","avgPrice":"65000","leverage":"3"},
				{"symbol":"ETHUSDT","side":"","size":"0","avgPrice":"0","leverage":"10"}
			]}`)(w, r)
		},
	})
	got, err := c.GetOpenPositions(context.Background())
	if err != nil {
		t.Fatalf("GetOpenPositions failed: %v", err)
	}
	if len(got) != 1 || got[0].Side != model.SideLong || got[0].Leverage != 3 {
		t.Errorf("positions = %+v", got)
	}
}

func TestTriggerDirection(t *testing.T) {
	cases := []struct {
		typ  model.OrderType
		side model.OrderSide
		want int
	}{
		{model.OrderTypeStopMarket, model.OrderSideSell, 2},
		{model.OrderTypeTakeProfit, model.OrderSideSell, 1},
		{model.OrderTypeStopMarket, model.OrderSideBuy, 1},
		{model.OrderTypeTakeProfit, model.OrderSideBuy, 2},
	}
	for _, c := range cases {
		if got := triggerDirection(c.typ, c.side); got != c.want {
			t.Errorf("triggerDirection(%s,%s) = %d, want %d", c.typ, c.side, got, c.want)
		}
	}
}

func TestParseTicker(t *testing.T) {
	tick, ok := parseTicker([]byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1700000000500,"data":{"symbol":"BTCUSDT","markPrice":"65000.2","fundingRate":"0.0001","nextFundingTime":"1700028800000"}}`))
	if !ok || tick.MarkPrice.String() != "65000.2" || tick.NextFundingTime != 1700028800000 || tick.Ts != 1700000000500 {
		t.Errorf("tick = %+v ok=%v", tick, ok)
	}
	if _, ok := parseTicker([]byte(`{"topic":"tickers.BTCUSDT","type":"delta","ts":1,"data":{"symbol":"BTCUSDT","lastPrice":"1"}}`)); ok {
		t.Error("delta without mark price should be skipped")
	}
	if _, ok := parseTicker([]byte(`{"success":true,"ret_msg":"","op":"subscribe"}`)); ok {
		t.Error("subscribe ack should be skipped")
	}
	if !strings.HasPrefix(string(pingMsg), `{"op"`) {
		t.Error("unexpected ping payload")
	}
}
