package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
)

type settlementRecorder struct {
	mu  sync.Mutex
	got []model.FundingSettlement
}

func (r *settlementRecorder) OnSettlement(_ context.Context, st model.FundingSettlement) {
	r.mu.Lock()
	r.got = append(r.got, st)
	r.mu.Unlock()
}

type memorySink struct {
	mu    sync.Mutex
	saved []model.FundingSnapshot
}

func (s *memorySink) SaveSnapshot(_ context.Context, snap model.FundingSnapshot) error {
	s.mu.Lock()
	s.saved = append(s.saved, snap)
	s.mu.Unlock()
	return nil
}

func TestObserveFillsMissingMarkFromStream(t *testing.T) {
	conn := newFakeConnector("bybit")
	next := time.Now().Add(time.Hour).Truncate(time.Second)
	conn.snapshotFn = snapshotAt(next, "", 8)
	sink := &memorySink{}
	obs := NewFundingObserver(fakeResolver{"bybit": conn}, sink, nil, ObserverConfig{MarkStaleAfter: time.Minute})
	ctx := context.Background()

	if _, err := obs.Observe(ctx, "bybit", "ETHUSDT"); !errors.Is(err, model.ErrInvalidSnapshot) {
		t.Fatalf("expected invalid snapshot without mark, got %v", err)
	}
	if len(sink.saved) != 0 {
		t.Errorf("invalid snapshot reached the sink")
	}

	obs.OnMarkPrice(port.MarkPriceTick{
		Exchange:  "bybit",
		Symbol:    "ETHUSDT",
		MarkPrice: decimal.RequireFromString("2500.5"),
		Ts:        time.Now().UnixMilli(),
	})
	snap, err := obs.Observe(ctx, "bybit", "ETHUSDT")
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if !snap.MarkPrice.Decimal.Equal(decimal.RequireFromString("2500.5")) || snap.Exchange != "bybit" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if latest, ok := obs.Latest("bybit", "ETHUSDT"); !ok || !latest.NextFundingTime.Equal(next) {
		t.Errorf("valid snapshot not cached")
	}
	if len(sink.saved) != 1 {
		t.Errorf("expected 1 snapshot sunk, got %d", len(sink.saved))
	}
}

func TestObserveIgnoresStaleStreamMark(t *testing.T) {
	conn := newFakeConnector("bybit")
	conn.snapshotFn = snapshotAt(time.Now().Add(time.Hour), "", 8)
	obs := NewFundingObserver(fakeResolver{"bybit": conn}, nil, nil, ObserverConfig{MarkStaleAfter: time.Second})

	obs.OnMarkPrice(port.MarkPriceTick{
		Exchange:  "bybit",
		Symbol:    "ETHUSDT",
		MarkPrice: decimal.NewFromInt(2500),
		Ts:        time.Now().Add(-time.Minute).UnixMilli(),
	})
	if _, err := obs.Observe(context.Background(), "bybit", "ETHUSDT"); !errors.Is(err, model.ErrInvalidSnapshot) {
		t.Errorf("stale stream mark must not validate a snapshot, got %v", err)
	}
}

func TestObserveDetectsSettlement(t *testing.T) {
	conn := newFakeConnector("binance")
	t1 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	obs := NewFundingObserver(fakeResolver{"binance": conn}, nil, nil, ObserverConfig{})
	obs.now = func() time.Time { return t1.Add(-time.Hour) }
	rec := &settlementRecorder{}
	obs.AddListener(rec)
	ctx := context.Background()

	conn.snapshotFn = snapshotAt(t1, "100", 8)
	if _, err := obs.Observe(ctx, "binance", "BTCUSDT"); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	// 同一结算时间的再次观测更新费率
	conn.snapshotFn = func(symbol string) (model.FundingSnapshot, error) {
		return model.FundingSnapshot{
			Symbol:               symbol,
			FundingRate:          decimal.RequireFromString("0.0005"),
			MarkPrice:            decimal.NewNullDecimal(decimal.NewFromInt(102)),
			FundingIntervalHours: 8,
			NextFundingTime:      t1,
		}, nil
	}
	_, _ = obs.Observe(ctx, "binance", "BTCUSDT")
	if len(rec.got) != 0 {
		t.Fatalf("no settlement expected before nextFundingTime advances")
	}

	conn.snapshotFn = snapshotAt(t1.Add(8*time.Hour), "105", 8)
	if _, err := obs.Observe(ctx, "binance", "BTCUSDT"); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if len(rec.got) != 1 {
		t.Fatalf("expected one settlement, got %d", len(rec.got))
	}
	st := rec.got[0]
	if !st.FundingTime.Equal(t1) || !st.FundingRate.Equal(decimal.RequireFromString("0.0005")) || !st.MarkPrice.Equal(decimal.NewFromInt(102)) {
		t.Errorf("settlement should carry last observation for T1, got %+v", st)
	}
	if hist := obs.Settlements("binance", "BTCUSDT"); len(hist) != 1 {
		t.Errorf("expected settlement history of 1, got %d", len(hist))
	}
}

func TestObserveRejectsExchangeFailure(t *testing.T) {
	conn := newFakeConnector("binance")
	conn.snapshotFn = func(string) (model.FundingSnapshot, error) {
		return model.FundingSnapshot{}, model.ErrTimeout
	}
	obs := NewFundingObserver(fakeResolver{"binance": conn}, nil, nil, ObserverConfig{})
	if _, err := obs.Observe(context.Background(), "binance", "BTCUSDT"); !model.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
	if _, err := obs.Observe(context.Background(), "okx", "BTCUSDT"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected unknown exchange error, got %v", err)
	}
}

func TestWatchedSorted(t *testing.T) {
	obs := NewFundingObserver(fakeResolver{}, nil, nil, ObserverConfig{})
	obs.Watch("bybit", "ETHUSDT")
	obs.Watch("binance", "ETHUSDT")
	obs.Watch("binance", "BTCUSDT")
	obs.Watch("binance", "BTCUSDT")
	obs.Unwatch("bybit", "ETHUSDT")

	got := obs.Watched()
	want := [][2]string{{"binance", "BTCUSDT"}, {"binance", "ETHUSDT"}}
	if len(got) != len(want) {
		t.Fatalf("watched = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("watched[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if syms := obs.symbolsFor("binance"); len(syms) != 2 {
		t.Errorf("expected 2 binance symbols, got %v", syms)
	}
}

// fakeFeed 记录每次订阅；订阅的 ctx 结束时关闭通道
type fakeFeed struct {
	name string

	mu   sync.Mutex
	subs []feedSubscription
}

type feedSubscription struct {
	symbols []string
	ctx     context.Context
	ticks   chan port.MarkPriceTick
}

func (f *fakeFeed) Name() string { return f.name }

func (f *fakeFeed) Subscribe(ctx context.Context, symbols []string) (<-chan port.MarkPriceTick, error) {
	sub := feedSubscription{symbols: append([]string(nil), symbols...), ctx: ctx, ticks: make(chan port.MarkPriceTick, 4)}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	out := make(chan port.MarkPriceTick)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case tick := <-sub.ticks:
				select {
				case out <- tick:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeFeed) subscriptions() []feedSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]feedSubscription(nil), f.subs...)
}

func TestRunResubscribesFeedWhenWatchGrows(t *testing.T) {
	conn := newFakeConnector("binance")
	feed := &fakeFeed{name: "binance"}
	obs := NewFundingObserver(fakeResolver{"binance": conn}, nil, nil, ObserverConfig{PollInterval: time.Hour, MarkStaleAfter: time.Minute}, feed)
	obs.Watch("binance", "BTCUSDT")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Run(ctx)

	waitFor(t, "initial subscription", func() bool { return len(feed.subscriptions()) == 1 })
	obs.Watch("binance", "ETHUSDT")
	waitFor(t, "resubscription", func() bool { return len(feed.subscriptions()) == 2 })

	subs := feed.subscriptions()
	if got := subs[1].symbols; len(got) != 2 || got[0] != "BTCUSDT" || got[1] != "ETHUSDT" {
		t.Fatalf("resubscribed with %v", got)
	}
	select {
	case <-subs[0].ctx.Done():
	case <-time.After(time.Second):
		t.Errorf("previous subscription not cancelled")
	}

	// 新订阅的推送能进入观测器
	subs[1].ticks <- port.MarkPriceTick{Exchange: "binance", Symbol: "ETHUSDT", MarkPrice: decimal.NewFromInt(2500), Ts: time.Now().UnixMilli()}
	waitFor(t, "mark tick", func() bool {
		obs.mu.RLock()
		defer obs.mu.RUnlock()
		_, ok := obs.marks[obsKey{"binance", "ETHUSDT"}]
		return ok
	})

	// 重复 Watch 不触发重新订阅
	obs.Watch("binance", "ETHUSDT")
	time.Sleep(20 * time.Millisecond)
	if n := len(feed.subscriptions()); n != 2 {
		t.Errorf("duplicate watch resubscribed, %d subscriptions", n)
	}
	t.Logf("✓ feed follows the watch set")
}
