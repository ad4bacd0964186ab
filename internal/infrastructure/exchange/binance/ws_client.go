package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/application/port"
	"fundingarb/internal/infrastructure/exchange"
)

// MarkPriceFeed Binance 标记价格流（<symbol>@markPrice@1s 组合流）
type MarkPriceFeed struct {
	wsURL string // e.g. wss://fstream.binance.com
}

// NewMarkPriceFeed 创建标记价格流
func NewMarkPriceFeed(wsURL string) *MarkPriceFeed {
	return &MarkPriceFeed{wsURL: strings.TrimSpace(wsURL)}
}

func (f *MarkPriceFeed) Name() string { return Name }

type combinedMsg struct {
	Stream string       `json:"stream"`
	Data   markPriceMsg `json:"data"`
}

type markPriceMsg struct {
	Event           string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

func (f *MarkPriceFeed) Subscribe(ctx context.Context, symbols []string) (<-chan port.MarkPriceTick, error) {
	wsURL, err := buildCombinedURL(f.wsURL, symbols)
	if err != nil {
		return nil, err
	}

	out := make(chan port.MarkPriceTick, 1024)
	ws := &exchange.WSHelper{URL: wsURL}
	go func() {
		defer close(out)
		exchange.Reconnect(ctx, f.Name(), func(ctx context.Context) error {
			conn, err := ws.DialWS(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			log.Info().Str("feed", f.Name()).Int("symbols", len(symbols)).Msg("ws connected")
			return ws.ReadWithPing(ctx, conn, nil, func(b []byte) {
				tick, ok := parseMarkPrice(b)
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

func parseMarkPrice(b []byte) (port.MarkPriceTick, bool) {
	var msg combinedMsg
	if err := json.Unmarshal(b, &msg); err != nil {
		log.Error().Str("feed", Name).Err(err).Msg("json unmarshal failed")
		return port.MarkPriceTick{}, false
	}
	d := msg.Data
	sym := strings.ToUpper(strings.TrimSpace(d.Symbol))
	mark, err := decimal.NewFromString(strings.TrimSpace(d.MarkPrice))
	if sym == "" || err != nil {
		return port.MarkPriceTick{}, false
	}
	rate, _ := decimal.NewFromString(strings.TrimSpace(d.FundingRate))
	ts := d.EventTime
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return port.MarkPriceTick{
		Exchange:        Name,
		Symbol:          sym,
		MarkPrice:       mark,
		FundingRate:     rate,
		NextFundingTime: d.NextFundingTime,
		Ts:              ts,
	}, true
}

func buildCombinedURL(base string, symbols []string) (string, error) {
	if base == "" {
		return "", errors.New("binance ws_url empty")
	}

	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		streams = append(streams, fmt.Sprintf("%s@markPrice@1s", s))
	}
	if len(streams) == 0 {
		return "", errors.New("no valid symbols")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = "/stream"
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return u.String(), nil
}
