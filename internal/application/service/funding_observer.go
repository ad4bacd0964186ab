package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
	domainsvc "fundingarb/internal/domain/service"
)

// SettlementListener 资金费结算回调
type SettlementListener interface {
	OnSettlement(ctx context.Context, st model.FundingSettlement)
}

// ObserverConfig 资金费率观测参数
type ObserverConfig struct {
	PollInterval      time.Duration // 轮询周期
	MarkStaleAfter    time.Duration // 推送标记价格的最大可用时长
	HistorySize       int           // 每个 key 保留的 nextFundingTime 数量
	SettlementHistory int           // 每个 key 保留的结算记录数量
}

type obsKey struct {
	exchange string
	symbol   string
}

// lastObs 针对某个结算时间最近一次观测到的费率与价格
type lastObs struct {
	fundingTime time.Time
	rate        decimal.Decimal
	mark        decimal.Decimal
}

// FundingObserver 资金费率观测器
//
// 统一各交易所快照格式；缺失标记价格时用推送流补齐，周期未知时由两次不同的
// nextFundingTime 推导。无效快照只返回错误，不会进入缓存。
type FundingObserver struct {
	connectors port.ConnectorResolver
	feeds      []port.MarkPriceFeed
	sink       port.SnapshotSink
	metrics    port.Metrics
	cfg        ObserverConfig
	now        func() time.Time

	mu          sync.RWMutex
	watched     map[obsKey]struct{}
	latest      map[obsKey]model.FundingSnapshot
	nextTimes   map[obsKey][]time.Time
	last        map[obsKey]lastObs
	marks       map[obsKey]port.MarkPriceTick
	settlements map[obsKey][]model.FundingSettlement
	watchCh     chan struct{} // 观测集合变化通知

	listenerMu sync.RWMutex
	listeners  []SettlementListener
}

// NewFundingObserver 创建观测器；sink 与 feeds 可为空
func NewFundingObserver(connectors port.ConnectorResolver, sink port.SnapshotSink, metrics port.Metrics, cfg ObserverConfig, feeds ...port.MarkPriceFeed) *FundingObserver {
	if metrics == nil {
		metrics = port.NopMetrics{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MarkStaleAfter <= 0 {
		cfg.MarkStaleAfter = 10 * time.Second
	}
	if cfg.HistorySize < 2 {
		cfg.HistorySize = 8
	}
	if cfg.SettlementHistory <= 0 {
		cfg.SettlementHistory = 64
	}
	return &FundingObserver{
		connectors:  connectors,
		feeds:       feeds,
		sink:        sink,
		metrics:     metrics,
		cfg:         cfg,
		now:         time.Now,
		watched:     make(map[obsKey]struct{}),
		latest:      make(map[obsKey]model.FundingSnapshot),
		nextTimes:   make(map[obsKey][]time.Time),
		last:        make(map[obsKey]lastObs),
		marks:       make(map[obsKey]port.MarkPriceTick),
		settlements: make(map[obsKey][]model.FundingSettlement),
		watchCh:     make(chan struct{}, 1),
	}
}

// AddListener 注册结算回调
func (o *FundingObserver) AddListener(l SettlementListener) {
	o.listenerMu.Lock()
	o.listeners = append(o.listeners, l)
	o.listenerMu.Unlock()
}

// Watch 加入轮询集合
func (o *FundingObserver) Watch(exchange, symbol string) {
	key := obsKey{exchange, symbol}
	o.mu.Lock()
	_, ok := o.watched[key]
	o.watched[key] = struct{}{}
	o.mu.Unlock()
	if !ok {
		o.notifyWatch()
	}
}

// Unwatch 移出轮询集合
func (o *FundingObserver) Unwatch(exchange, symbol string) {
	key := obsKey{exchange, symbol}
	o.mu.Lock()
	_, ok := o.watched[key]
	delete(o.watched, key)
	o.mu.Unlock()
	if ok {
		o.notifyWatch()
	}
}

func (o *FundingObserver) notifyWatch() {
	select {
	case o.watchCh <- struct{}{}:
	default:
	}
}

// Watched 当前轮询集合
func (o *FundingObserver) Watched() [][2]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([][2]string, 0, len(o.watched))
	for k := range o.watched {
		out = append(out, [2]string{k.exchange, k.symbol})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// Observe 拉取并归一化一次快照；返回的快照一定是 VALID
func (o *FundingObserver) Observe(ctx context.Context, exchange, symbol string) (model.FundingSnapshot, error) {
	conn, err := o.connectors.Get(exchange)
	if err != nil {
		return model.FundingSnapshot{}, err
	}
	snap, err := conn.GetFundingSnapshot(ctx, symbol)
	if err != nil {
		return model.FundingSnapshot{}, err
	}
	snap.Exchange = exchange
	snap.Symbol = symbol
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = o.now()
	}
	key := obsKey{exchange, symbol}

	o.mu.Lock()
	o.fillMark(key, &snap)
	o.recordNextTime(key, snap.NextFundingTime)
	if snap.FundingIntervalHours <= 0 {
		o.deriveInterval(key, &snap)
	}
	settled, ok := o.detectSettlement(key, &snap)
	o.recordLast(key, &snap)
	quality := snap.Quality()
	if quality == model.SnapshotValid {
		o.latest[key] = snap
	}
	o.mu.Unlock()

	o.metrics.SnapshotObserved(exchange, string(quality))
	if ok {
		o.emit(ctx, settled)
	}
	if err := snap.Validate(); err != nil {
		log.Debug().
			Str("exchange", exchange).
			Str("symbol", symbol).
			Str("quality", string(quality)).
			Msg("discarding funding snapshot")
		return model.FundingSnapshot{}, err
	}
	if o.sink != nil {
		if err := o.sink.SaveSnapshot(ctx, snap); err != nil {
			log.Warn().Str("exchange", exchange).Str("symbol", symbol).Err(err).Msg("save snapshot failed")
		}
	}
	return snap, nil
}

// fillMark 快照缺少标记价格时用新鲜的推送补齐
func (o *FundingObserver) fillMark(key obsKey, snap *model.FundingSnapshot) {
	if snap.MarkPrice.Valid && snap.MarkPrice.Decimal.IsPositive() {
		return
	}
	tick, ok := o.marks[key]
	if !ok || !tick.MarkPrice.IsPositive() {
		return
	}
	if o.now().Sub(time.UnixMilli(tick.Ts)) > o.cfg.MarkStaleAfter {
		return
	}
	snap.MarkPrice = decimal.NewNullDecimal(tick.MarkPrice)
}

// recordNextTime 记录不同的 nextFundingTime（按时间递增）
func (o *FundingObserver) recordNextTime(key obsKey, t time.Time) {
	if t.IsZero() {
		return
	}
	hist := o.nextTimes[key]
	if n := len(hist); n > 0 && !t.After(hist[n-1]) {
		return
	}
	hist = append(hist, t)
	if len(hist) > o.cfg.HistorySize {
		hist = hist[len(hist)-o.cfg.HistorySize:]
	}
	o.nextTimes[key] = hist
}

// deriveInterval 用最近两次不同的 nextFundingTime 推导周期
func (o *FundingObserver) deriveInterval(key obsKey, snap *model.FundingSnapshot) {
	hist := o.nextTimes[key]
	if len(hist) < 2 {
		return
	}
	hours, err := domainsvc.DeriveIntervalHours(hist[len(hist)-2], hist[len(hist)-1])
	if err != nil {
		log.Debug().Str("exchange", key.exchange).Str("symbol", key.symbol).Err(err).Msg("derive funding interval failed")
		return
	}
	snap.FundingIntervalHours = hours
	snap.IntervalDerived = true
}

// detectSettlement nextFundingTime 前移即表示上一个结算时间已结算
func (o *FundingObserver) detectSettlement(key obsKey, snap *model.FundingSnapshot) (model.FundingSettlement, bool) {
	prev, ok := o.last[key]
	if !ok || snap.NextFundingTime.IsZero() || !snap.NextFundingTime.After(prev.fundingTime) {
		return model.FundingSettlement{}, false
	}
	mark := prev.mark
	if !mark.IsPositive() && snap.MarkPrice.Valid {
		mark = snap.MarkPrice.Decimal
	}
	if !mark.IsPositive() {
		log.Warn().
			Str("exchange", key.exchange).
			Str("symbol", key.symbol).
			Time("funding_time", prev.fundingTime).
			Msg("settlement without a valid mark price, not recorded")
		return model.FundingSettlement{}, false
	}
	st := model.FundingSettlement{
		Exchange:    key.exchange,
		Symbol:      key.symbol,
		FundingTime: prev.fundingTime,
		FundingRate: prev.rate,
		MarkPrice:   mark,
	}
	hist := append(o.settlements[key], st)
	if len(hist) > o.cfg.SettlementHistory {
		hist = hist[len(hist)-o.cfg.SettlementHistory:]
	}
	o.settlements[key] = hist
	return st, true
}

func (o *FundingObserver) recordLast(key obsKey, snap *model.FundingSnapshot) {
	if snap.NextFundingTime.IsZero() {
		return
	}
	obs := lastObs{fundingTime: snap.NextFundingTime, rate: snap.FundingRate}
	if snap.MarkPrice.Valid && snap.MarkPrice.Decimal.IsPositive() {
		obs.mark = snap.MarkPrice.Decimal
	} else if prev, ok := o.last[key]; ok && prev.fundingTime.Equal(snap.NextFundingTime) {
		obs.mark = prev.mark
	}
	o.last[key] = obs
}

func (o *FundingObserver) emit(ctx context.Context, st model.FundingSettlement) {
	log.Info().
		Str("exchange", st.Exchange).
		Str("symbol", st.Symbol).
		Time("funding_time", st.FundingTime).
		Str("rate", st.FundingRate.String()).
		Msg("funding settled")
	o.listenerMu.RLock()
	listeners := append([]SettlementListener(nil), o.listeners...)
	o.listenerMu.RUnlock()
	for _, l := range listeners {
		l.OnSettlement(ctx, st)
	}
}

// Latest 最近一次有效快照
func (o *FundingObserver) Latest(exchange, symbol string) (model.FundingSnapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	snap, ok := o.latest[obsKey{exchange, symbol}]
	return snap, ok
}

// Settlements 已检测到的结算历史（按时间递增）
func (o *FundingObserver) Settlements(exchange, symbol string) []model.FundingSettlement {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]model.FundingSettlement(nil), o.settlements[obsKey{exchange, symbol}]...)
}

// OnMarkPrice 消费标记价格推送
func (o *FundingObserver) OnMarkPrice(tick port.MarkPriceTick) {
	if !tick.MarkPrice.IsPositive() {
		return
	}
	key := obsKey{tick.Exchange, tick.Symbol}
	o.mu.Lock()
	if cur, ok := o.marks[key]; !ok || tick.Ts >= cur.Ts {
		o.marks[key] = tick
	}
	o.mu.Unlock()
}

// feedSub 某个推送流当前的订阅
type feedSub struct {
	symbols string
	cancel  context.CancelFunc
}

// Run 订阅推送流并周期轮询所有观测对象；观测集合变化时重新订阅
func (o *FundingObserver) Run(ctx context.Context) error {
	subs := make(map[string]feedSub, len(o.feeds))
	defer func() {
		for _, sub := range subs {
			sub.cancel()
		}
	}()

	o.syncFeeds(ctx, subs)
	o.pollAll(ctx)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.watchCh:
			o.syncFeeds(ctx, subs)
			o.pollAll(ctx)
		case <-ticker.C:
			o.syncFeeds(ctx, subs)
			o.pollAll(ctx)
		}
	}
}

// syncFeeds 订阅集合与观测集合不一致的推送流重新订阅；失败的留待下次重试
func (o *FundingObserver) syncFeeds(ctx context.Context, subs map[string]feedSub) {
	for _, feed := range o.feeds {
		name := feed.Name()
		symbols := o.symbolsFor(name)
		joined := strings.Join(symbols, ",")
		cur, ok := subs[name]
		if ok && cur.symbols == joined {
			continue
		}
		if ok {
			cur.cancel()
			delete(subs, name)
		}
		if len(symbols) == 0 {
			continue
		}
		fctx, cancel := context.WithCancel(ctx)
		ch, err := feed.Subscribe(fctx, symbols)
		if err != nil {
			cancel()
			log.Warn().Str("feed", name).Err(err).Msg("subscribe mark price feed failed")
			continue
		}
		subs[name] = feedSub{symbols: joined, cancel: cancel}
		log.Debug().Str("feed", name).Strs("symbols", symbols).Msg("mark price feed subscribed")
		go func() {
			for tick := range ch {
				o.OnMarkPrice(tick)
			}
			log.Debug().Str("feed", name).Msg("mark price feed closed")
		}()
	}
}

func (o *FundingObserver) symbolsFor(exchange string) []string {
	var out []string
	for _, w := range o.Watched() {
		if w[0] == exchange {
			out = append(out, w[1])
		}
	}
	return out
}

func (o *FundingObserver) pollAll(ctx context.Context) {
	for _, w := range o.Watched() {
		if ctx.Err() != nil {
			return
		}
		if _, err := o.Observe(ctx, w[0], w[1]); err != nil && model.KindOf(err) != model.KindDataQuality {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Warn().Str("exchange", w[0]).Str("symbol", w[1]).Err(err).Msg("observe funding snapshot failed")
		}
	}
}
