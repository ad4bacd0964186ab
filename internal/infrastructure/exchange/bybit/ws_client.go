package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/application/port"
	"fundingarb/internal/infrastructure/exchange"
)

// MarkPriceFeed Bybit tickers 推送（含标记价格与资金费率）
type MarkPriceFeed struct {
	wsURL string // e.g. wss://stream.bybit.com/v5/public/linear
}

// NewMarkPriceFeed 创建标记价格流
func NewMarkPriceFeed(wsURL string) *MarkPriceFeed {
	return &MarkPriceFeed{wsURL: strings.TrimSpace(wsURL)}
}

func (f *MarkPriceFeed) Name() string { return Name }

type subReq struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type tickerItem struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

type tickerMsg struct {
	Topic string     `json:"topic"`
	Type  string     `json:"type"`
	Ts    int64      `json:"ts"`
	Data  tickerItem `json:"data"`

	Success *bool  `json:"success,omitempty"`
	RetMsg  string `json:"ret_msg,omitempty"`
	Op      string `json:"op,omitempty"`
}

var pingMsg = []byte(`{"op":"ping"}`)

func (f *MarkPriceFeed) Subscribe(ctx context.Context, symbols []string) (<-chan port.MarkPriceTick, error) {
	if f.wsURL == "" {
		return nil, errors.New("bybit ws_url empty")
	}
	topics := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		topics = append(topics, "tickers."+s)
	}
	if len(topics) == 0 {
		return nil, errors.New("no valid symbols for bybit topics")
	}

	out := make(chan port.MarkPriceTick, 1024)
	ws := &exchange.WSHelper{URL: f.wsURL}
	go func() {
		defer close(out)
		exchange.Reconnect(ctx, f.Name(), func(ctx context.Context) error {
			conn, err := ws.DialWS(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := conn.WriteJSON(subReq{Op: "subscribe", Args: topics}); err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			log.Info().Str("feed", f.Name()).Int("topics", len(topics)).Msg("ws connected & subscribed")

			return ws.ReadWithPing(ctx, conn, pingMsg, func(b []byte) {
				tick, ok := parseTicker(b)
				if !ok {
					return
				}
				select {
				case out <- tick:
				case <-ctx.Done():
				}
			})
		})
	}()
	return out, nil
}

// parseTicker delta 消息可能不带 markPrice，此时不产生 tick
func parseTicker(b []byte) (port.MarkPriceTick, bool) {
	var msg tickerMsg
	if err := json.Unmarshal(b, &msg); err != nil {
		log.Error().Str("feed", Name).Err(err).Msg("json unmarshal failed")
		return port.MarkPriceTick{}, false
	}
	if msg.Success != nil {
		if !*msg.Success {
			log.Error().Str("feed", Name).Str("ret_msg", msg.RetMsg).Msg("subscribe not success")
		}
		return port.MarkPriceTick{}, false
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") {
		return port.MarkPriceTick{}, false
	}

	d := msg.Data
	mark, err := decimal.NewFromString(strings.TrimSpace(d.MarkPrice))
	if err != nil {
		return port.MarkPriceTick{}, false
	}
	sym := strings.ToUpper(strings.TrimSpace(d.Symbol))
	if sym == "" {
		sym = strings.TrimPrefix(msg.Topic, "tickers.")
	}
	rate, _ := decimal.NewFromString(strings.TrimSpace(d.FundingRate))
	next, _ := strconv.ParseInt(d.NextFundingTime, 10, 64)
	ts := msg.Ts
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return port.MarkPriceTick{
		Exchange:        Name,
		Symbol:          sym,
		MarkPrice:       mark,
		FundingRate:     rate,
		NextFundingTime: next,
		Ts:              ts,
	}, true
}
