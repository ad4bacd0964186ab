package svc

import (
	"context"
	"fmt"
	"strings"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"fundingarb/internal/application/port"
	"fundingarb/internal/application/service"
	domainsvc "fundingarb/internal/domain/service"
	s3blob "fundingarb/internal/infrastructure/blob/s3"
	"fundingarb/internal/infrastructure/config"
	"fundingarb/internal/infrastructure/events"
	"fundingarb/internal/infrastructure/exchange"
	"fundingarb/internal/infrastructure/exchange/binance"
	"fundingarb/internal/infrastructure/exchange/bybit"
	"fundingarb/internal/infrastructure/exchange/paper"
	"fundingarb/internal/infrastructure/exchange/ratelimit"
	"fundingarb/internal/infrastructure/metrics"
	"fundingarb/internal/infrastructure/storage/memory"
	"fundingarb/internal/infrastructure/storage/postgres"
	redisrepo "fundingarb/internal/infrastructure/storage/redis"
	"fundingarb/internal/infrastructure/storage/sqlite"
)

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	Store       port.Store
	redisClient *redisclient.Client
	redisRepo   *redisrepo.Repo
	locker      port.Locker
	events      *events.Composite
	archive     port.RecordingArchive
	Metrics     *metrics.Metrics
	Connectors  *exchange.Registry

	// 应用业务组件（依赖基础设施）
	Observer    *service.FundingObserver
	Ledger      *service.FundingLedger
	Engine      *service.Engine
	Coordinator *service.Coordinator
	Scheduler   *service.Scheduler
	Reconciler  *service.Reconciler
	Recorder    *service.Recorder

	// 资源管理
	closerChain []func() error
}

// New 创建并初始化 ServiceContext
// 这是应用启动的唯一入口点，所有依赖初始化都在这里完成
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		Metrics:     metrics.New(),
		closerChain: make([]func() error, 0),
	}

	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 按依赖顺序初始化：存储 → 事件 → 连接器 → 业务组件
func (sc *ServiceContext) initializeComponents() error {
	if err := sc.initializeStorage(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInitFailed, err)
	}
	if err := sc.initializeEvents(); err != nil {
		return fmt.Errorf("event publisher initialization failed: %w", err)
	}
	if err := sc.initializeArchive(); err != nil {
		return fmt.Errorf("archive initialization failed: %w", err)
	}
	if err := sc.initializeConnectors(); err != nil {
		return fmt.Errorf("connector initialization failed: %w", err)
	}
	sc.initializeServices()

	log.Info().
		Str("store", sc.Config.Store.Driver).
		Strs("exchanges", sc.Connectors.Names()).
		Int("feeds", len(sc.Connectors.Feeds())).
		Int("publishers", sc.events.Len()).
		Bool("dry_run", sc.Config.App.DryRun).
		Msg("✓ All components initialized")
	return nil
}

// initializeStorage 初始化持久化存储与 Redis
func (sc *ServiceContext) initializeStorage() error {
	switch sc.Config.Store.Driver {
	case "memory":
		sc.Store = memory.New()
	case "sqlite":
		repo, err := sqlite.New(sc.Ctx, sc.Config.Store.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite repo creation failed: %w", err)
		}
		sc.Store = repo
		log.Info().Str("path", sc.Config.Store.SQLitePath).Msg("✓ SQLite initialized")
	case "postgres":
		repo, err := postgres.New(sc.Ctx, sc.Config.Store.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres repo creation failed: %w", err)
		}
		sc.Store = repo
		log.Info().Msg("✓ Postgres initialized")
	default:
		return fmt.Errorf("store driver %q not supported", sc.Config.Store.Driver)
	}
	store := sc.Store
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing store")
		return store.Close()
	})

	if sc.Config.Redis.Enabled {
		if err := sc.initRedis(); err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
	}
	return nil
}

// initRedis 快照缓存、事件流与调度锁
func (sc *ServiceContext) initRedis() error {
	rc := sc.Config.Redis
	rdb, err := redisrepo.Dial(sc.Ctx, redisrepo.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	if err != nil {
		return err
	}
	sc.redisClient = rdb
	sc.redisRepo = redisrepo.New(rdb, rc.Prefix, sc.Config.SnapshotTTL(), rc.EventStream, rc.EventChannel)
	sc.locker = redisrepo.NewLocker(rdb, rc.Prefix)

	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", rc.Addr).
		Int("db", rc.DB).
		Msg("✓ Redis initialized")
	return nil
}

// initializeEvents 日志始终开启，Redis 与 Kafka 按配置叠加
func (sc *ServiceContext) initializeEvents() error {
	pubs := []port.EventPublisher{events.NewLogPublisher()}
	if sc.redisRepo != nil {
		pubs = append(pubs, sc.redisRepo)
	}
	if kc := sc.Config.Kafka; kc.Enabled {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      kc.Brokers,
			Topic:        kc.Topic,
			MaxRetries:   kc.MaxRetries,
			RetryBackoff: sc.Config.KafkaRetryBackoff(),
		})
		if err != nil {
			return err
		}
		pubs = append(pubs, kp)
		sc.closerChain = append(sc.closerChain, func() error {
			log.Info().Msg("closing kafka writer")
			return kp.Close()
		})
		log.Info().Strs("brokers", kc.Brokers).Str("topic", kc.Topic).Msg("✓ Kafka publisher initialized")
	}
	sc.events = events.NewComposite(pubs...)
	return nil
}

func (sc *ServiceContext) initializeArchive() error {
	ac := sc.Config.Archive
	if !ac.Enabled {
		return nil
	}
	archive, err := s3blob.New(sc.Ctx, s3blob.ClientConfig{
		Bucket:         ac.Bucket,
		Prefix:         ac.Prefix,
		Region:         ac.Region,
		Endpoint:       ac.Endpoint,
		AccessKey:      ac.AccessKey,
		SecretKey:      ac.SecretKey,
		ForcePathStyle: ac.UsePathStyle,
	})
	if err != nil {
		return err
	}
	sc.archive = archive
	log.Info().Str("bucket", ac.Bucket).Msg("✓ Recording archive initialized")
	return nil
}

// initializeConnectors 每个启用的交易所：REST 连接器（限流包装）+ 可选的标记价格流
func (sc *ServiceContext) initializeConnectors() error {
	sc.Connectors = exchange.NewRegistry()
	for _, name := range sc.Config.GetEnabledExchanges() {
		ex, _ := sc.Config.Exchange(name)
		conn, feed, err := buildConnector(ex)
		if err != nil {
			return err
		}
		if sc.Config.App.DryRun {
			conn = paper.New(conn)
		}
		if err := sc.Connectors.Register(ratelimit.Wrap(conn, ex.RateLimit, ex.Burst, ex.Timeout())); err != nil {
			return err
		}
		if feed != nil {
			sc.Connectors.RegisterFeed(feed)
		}
		log.Info().
			Str("exchange", name).
			Bool("testnet", ex.Testnet).
			Float64("rps", ex.RateLimit).
			Bool("feed", feed != nil).
			Msg("✓ Exchange connector initialized")
	}
	return nil
}

func buildConnector(ex config.ExchangeConfig) (port.Connector, port.MarkPriceFeed, error) {
	var feed port.MarkPriceFeed
	switch strings.ToLower(ex.Name) {
	case binance.Name:
		conn := binance.NewConnector(binance.Options{
			APIKey:    ex.APIKey,
			APISecret: ex.APISecret,
			BaseURL:   ex.BaseURL,
			Testnet:   ex.Testnet,
			Timeout:   ex.Timeout(),
		})
		if ex.WsURL != "" {
			feed = binance.NewMarkPriceFeed(ex.WsURL)
		}
		return conn, feed, nil
	case bybit.Name:
		conn := bybit.NewConnector(bybit.Options{
			APIKey:     ex.APIKey,
			APISecret:  ex.APISecret,
			BaseURL:    ex.BaseURL,
			Timeout:    ex.Timeout(),
			RecvWindow: ex.RecvWindow(),
		})
		if ex.WsURL != "" {
			feed = bybit.NewMarkPriceFeed(ex.WsURL)
		}
		return conn, feed, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, ex.Name)
	}
}

// feeSchedule 配置中未给出费率的交易所使用默认费率
func (sc *ServiceContext) feeSchedule() *domainsvc.FeeSchedule {
	rates := make(map[string]domainsvc.FeeRate)
	for _, ex := range sc.Config.Exchanges {
		if maker, taker, ok := ex.Fees(); ok {
			rates[strings.ToLower(ex.Name)] = domainsvc.FeeRate{Maker: maker, Taker: taker}
		}
	}
	if len(rates) == 0 {
		return domainsvc.DefaultFeeSchedule()
	}
	return domainsvc.NewFeeSchedule(rates)
}

func (sc *ServiceContext) initializeServices() {
	cfg := sc.Config

	var sink port.SnapshotSink
	if sc.redisRepo != nil {
		sink = sc.redisRepo
	}
	sc.Observer = service.NewFundingObserver(sc.Connectors, sink, sc.Metrics, service.ObserverConfig{
		PollInterval:      cfg.PollInterval(),
		MarkStaleAfter:    cfg.MarkStaleAfter(),
		HistorySize:       cfg.Observer.HistorySize,
		SettlementHistory: cfg.Observer.SettlementHistory,
	}, sc.Connectors.Feeds()...)
	for _, symbol := range cfg.Observer.Symbols {
		for _, ex := range sc.Connectors.Names() {
			sc.Observer.Watch(ex, strings.ToUpper(symbol))
		}
	}

	sc.Ledger = service.NewFundingLedger(sc.Store, sc.Observer, sc.events)
	sc.Observer.AddListener(sc.Ledger)

	sc.Engine = service.NewEngine(sc.Store, sc.Connectors, sc.feeSchedule(), sc.events, sc.Metrics, service.EngineConfig{
		OrderRetry:       cfg.OrderRetryPolicy(),
		FillPoll:         cfg.FillPollPolicy(),
		HedgeAttempts:    cfg.Engine.HedgeAttempts,
		ImbalanceTimeout: cfg.ImbalanceTimeout(),
		QuantityStep:     cfg.QuantityStep(),
	})
	sc.Coordinator = service.NewCoordinator(sc.Engine, sc.Store, sc.Metrics, service.CoordinatorConfig{
		MonitorInterval: cfg.MonitorInterval(),
		DefaultLeverage: cfg.Engine.DefaultLeverage,
	})
	sc.Coordinator.SetFundingWatcher(sc.Observer)

	// redis 关闭时 locker 为 nil，单实例部署不做互斥
	sc.Scheduler = service.NewScheduler(sc.Store, sc.Observer, sc.Coordinator, sc.locker, sc.events, sc.Metrics, service.SchedulerConfig{
		TickInterval:    cfg.TickInterval(),
		EntryOffset:     cfg.EntryOffset(),
		ExchangeOffsets: cfg.ExchangeOffsets(),
		ExitDelay:       cfg.ExitDelay(),
		LockTTL:         cfg.LockTTL(),
		QuantityStep:    cfg.QuantityStep(),
	})
	sc.Coordinator.AddListener(sc.Scheduler)

	sc.Reconciler = service.NewReconciler(sc.Store, sc.Connectors, sc.events, service.ReconcilerConfig{
		Interval:   cfg.ReconcileInterval(),
		StuckAfter: cfg.StuckAfter(),
	})
	sc.Reconciler.UsePositionLocks(sc.Coordinator)

	sc.Recorder = service.NewRecorder(sc.Store, sc.Observer, sc.archive, service.RecorderConfig{
		Before:         cfg.RecordBefore(),
		After:          cfg.RecordAfter(),
		SampleInterval: cfg.SampleInterval(),
	})
	sc.closerChain = append(sc.closerChain, func() error {
		sc.Recorder.Close()
		return nil
	})
}

// Events 事件发布器（组合）
func (sc *ServiceContext) Events() port.EventPublisher { return sc.events }

// Close 关闭 ServiceContext 中的所有资源，按初始化的相反顺序
func (sc *ServiceContext) Close() error {
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
		}
	}
	sc.closerChain = nil
	return nil
}
