package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	domainsvc "fundingarb/internal/domain/service"
)

// DefaultPath 默认配置文件
const DefaultPath = "configs/config.toml"

type Config struct {
	App struct {
		Name   string `toml:"name"`
		DryRun bool   `toml:"dry_run"` // 使用模拟撮合连接器，只读取真实行情
	} `toml:"app"`

	Log struct {
		Level   string `toml:"level"`
		Console bool   `toml:"console"`
	} `toml:"log"`

	HTTP struct {
		Enabled            bool   `toml:"enabled"`
		Addr               string `toml:"addr"`
		ReadTimeoutSec     int    `toml:"read_timeout_sec"`
		ShutdownTimeoutSec int    `toml:"shutdown_timeout_sec"`
	} `toml:"http"`

	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"metrics"`

	Store struct {
		Driver         string `toml:"driver"` // memory | sqlite | postgres
		SQLitePath     string `toml:"sqlite_path"`
		PostgresDSNEnv string `toml:"postgres_dsn_env"`
		PostgresDSN    string `toml:"-"`
	} `toml:"store"`

	Redis struct {
		Enabled        bool   `toml:"enabled"`
		Addr           string `toml:"addr"`
		PasswordEnv    string `toml:"password_env"`
		Password       string `toml:"-"`
		DB             int    `toml:"db"`
		Prefix         string `toml:"prefix"`
		SnapshotTTLSec int    `toml:"snapshot_ttl_sec"`
		EventStream    string `toml:"event_stream"`
		EventChannel   string `toml:"event_channel"`
	} `toml:"redis"`

	Kafka struct {
		Enabled        bool     `toml:"enabled"`
		Brokers        []string `toml:"brokers"`
		Topic          string   `toml:"topic"`
		MaxRetries     int      `toml:"max_retries"`
		RetryBackoffMs int      `toml:"retry_backoff_ms"`
	} `toml:"kafka"`

	Archive struct {
		Enabled      bool   `toml:"enabled"`
		Bucket       string `toml:"bucket"`
		Prefix       string `toml:"prefix"`
		Region       string `toml:"region"`
		Endpoint     string `toml:"endpoint"`
		UsePathStyle bool   `toml:"use_path_style"`
		AccessKeyEnv string `toml:"access_key_env"`
		SecretKeyEnv string `toml:"secret_key_env"`
		AccessKey    string `toml:"-"`
		SecretKey    string `toml:"-"`
	} `toml:"archive"`

	Scheduler struct {
		TickMs             int            `toml:"tick_ms"`
		EntryOffsetSec     int            `toml:"entry_offset_sec"`
		ExchangeOffsetsSec map[string]int `toml:"exchange_offsets_sec"`
		ExitDelaySec       int            `toml:"exit_delay_sec"`
		LockTTLSec         int            `toml:"lock_ttl_sec"`
	} `toml:"scheduler"`

	Engine struct {
		OrderRetries        int    `toml:"order_retries"`
		OrderRetryBaseMs    int    `toml:"order_retry_base_ms"`
		OrderRetryMaxMs     int    `toml:"order_retry_max_ms"`
		FillPollAttempts    int    `toml:"fill_poll_attempts"`
		FillPollBaseMs      int    `toml:"fill_poll_base_ms"`
		FillPollMaxMs       int    `toml:"fill_poll_max_ms"`
		HedgeAttempts       int    `toml:"hedge_attempts"`
		ImbalanceTimeoutSec int    `toml:"imbalance_timeout_sec"`
		QuantityStep        string `toml:"quantity_step"`
		DefaultLeverage     int    `toml:"default_leverage"`
		MonitorIntervalSec  int    `toml:"monitor_interval_sec"`
	} `toml:"engine"`

	Observer struct {
		Symbols           []string `toml:"symbols"` // 启动即观测（所有启用交易所）
		PollIntervalSec   int      `toml:"poll_interval_sec"`
		MarkStaleAfterSec int      `toml:"mark_stale_after_sec"`
		HistorySize       int      `toml:"history_size"`
		SettlementHistory int      `toml:"settlement_history"`
	} `toml:"observer"`

	Recorder struct {
		BeforeSec        int `toml:"before_sec"`
		AfterSec         int `toml:"after_sec"`
		SampleIntervalMs int `toml:"sample_interval_ms"`
	} `toml:"recorder"`

	Reconcile struct {
		IntervalSec   int `toml:"interval_sec"`
		StuckAfterSec int `toml:"stuck_after_sec"`
	} `toml:"reconcile"`

	Exchanges []ExchangeConfig `toml:"exchanges"`

	quantityStep decimal.Decimal
}

// ExchangeConfig 单个交易所配置；密钥只从环境变量读取
type ExchangeConfig struct {
	Name         string  `toml:"name"`
	Enabled      bool    `toml:"enabled"`
	Testnet      bool    `toml:"testnet"`
	BaseURL      string  `toml:"base_url"`
	WsURL        string  `toml:"ws_url"`
	APIKeyEnv    string  `toml:"api_key_env"`
	APISecretEnv string  `toml:"api_secret_env"`
	RateLimit    float64 `toml:"rate_limit"` // 每秒请求数
	Burst        int     `toml:"burst"`
	TimeoutMs    int     `toml:"timeout_ms"`
	RecvWindowMs int     `toml:"recv_window_ms"`
	MakerFee     string  `toml:"maker_fee"`
	TakerFee     string  `toml:"taker_fee"`

	APIKey    string `toml:"-"`
	APISecret string `toml:"-"`
}

// Timeout 单次调用超时
func (e ExchangeConfig) Timeout() time.Duration { return ms(e.TimeoutMs) }

// RecvWindow 签名请求的有效时间窗
func (e ExchangeConfig) RecvWindow() time.Duration { return ms(e.RecvWindowMs) }

// Fees 解析手续费率；未配置时返回 ok=false
func (e ExchangeConfig) Fees() (maker, taker decimal.Decimal, ok bool) {
	if e.MakerFee == "" || e.TakerFee == "" {
		return decimal.Zero, decimal.Zero, false
	}
	maker, err1 := decimal.NewFromString(e.MakerFee)
	taker, err2 := decimal.NewFromString(e.TakerFee)
	if err1 != nil || err2 != nil {
		return decimal.Zero, decimal.Zero, false
	}
	return maker, taker, true
}

// Load 读取 TOML，加载可选的 .env 并从环境变量解析密钥
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	// .env 不存在时忽略
	_ = godotenv.Load()

	applyDefaults(&cfg)
	resolveSecrets(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "fundingarb"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.ReadTimeoutSec <= 0 {
		cfg.HTTP.ReadTimeoutSec = 10
	}
	if cfg.HTTP.ShutdownTimeoutSec <= 0 {
		cfg.HTTP.ShutdownTimeoutSec = 10
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "data/fundingarb.db"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "fundingarb"
	}
	if cfg.Redis.SnapshotTTLSec <= 0 {
		cfg.Redis.SnapshotTTLSec = 3600
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "fundingarb.events"
	}
	if cfg.Kafka.MaxRetries <= 0 {
		cfg.Kafka.MaxRetries = 3
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "recordings"
	}
	if cfg.Scheduler.TickMs <= 0 {
		cfg.Scheduler.TickMs = 1000
	}
	if cfg.Scheduler.EntryOffsetSec <= 0 {
		cfg.Scheduler.EntryOffsetSec = 60
	}
	if cfg.Scheduler.ExitDelaySec <= 0 {
		cfg.Scheduler.ExitDelaySec = 60
	}
	if cfg.Scheduler.LockTTLSec <= 0 {
		cfg.Scheduler.LockTTLSec = 30
	}
	if cfg.Engine.OrderRetries <= 0 {
		cfg.Engine.OrderRetries = 3
	}
	if cfg.Engine.OrderRetryBaseMs <= 0 {
		cfg.Engine.OrderRetryBaseMs = 200
	}
	if cfg.Engine.OrderRetryMaxMs <= 0 {
		cfg.Engine.OrderRetryMaxMs = 2000
	}
	if cfg.Engine.FillPollAttempts <= 0 {
		cfg.Engine.FillPollAttempts = 10
	}
	if cfg.Engine.FillPollBaseMs <= 0 {
		cfg.Engine.FillPollBaseMs = 100
	}
	if cfg.Engine.FillPollMaxMs <= 0 {
		cfg.Engine.FillPollMaxMs = 2000
	}
	if cfg.Engine.HedgeAttempts <= 0 {
		cfg.Engine.HedgeAttempts = 3
	}
	if cfg.Engine.ImbalanceTimeoutSec <= 0 {
		cfg.Engine.ImbalanceTimeoutSec = 30
	}
	if cfg.Engine.QuantityStep == "" {
		cfg.Engine.QuantityStep = "0.001"
	}
	if cfg.Engine.DefaultLeverage <= 0 {
		cfg.Engine.DefaultLeverage = 1
	}
	if cfg.Engine.MonitorIntervalSec <= 0 {
		cfg.Engine.MonitorIntervalSec = 5
	}
	if cfg.Observer.PollIntervalSec <= 0 {
		cfg.Observer.PollIntervalSec = 30
	}
	if cfg.Observer.MarkStaleAfterSec <= 0 {
		cfg.Observer.MarkStaleAfterSec = 10
	}
	if cfg.Recorder.BeforeSec <= 0 {
		cfg.Recorder.BeforeSec = 300
	}
	if cfg.Recorder.AfterSec <= 0 {
		cfg.Recorder.AfterSec = 300
	}
	if cfg.Recorder.SampleIntervalMs <= 0 {
		cfg.Recorder.SampleIntervalMs = 1000
	}
	if cfg.Reconcile.IntervalSec <= 0 {
		cfg.Reconcile.IntervalSec = 60
	}
	if cfg.Reconcile.StuckAfterSec <= 0 {
		cfg.Reconcile.StuckAfterSec = 600
	}
	for i := range cfg.Exchanges {
		ex := &cfg.Exchanges[i]
		ex.Name = strings.ToLower(strings.TrimSpace(ex.Name))
		if ex.RateLimit <= 0 {
			ex.RateLimit = 10
		}
		if ex.Burst <= 0 {
			ex.Burst = 20
		}
		if ex.TimeoutMs <= 0 {
			ex.TimeoutMs = 5000
		}
		if ex.RecvWindowMs <= 0 {
			ex.RecvWindowMs = 5000
		}
	}
}

func resolveSecrets(cfg *Config) {
	cfg.Store.PostgresDSN = env(cfg.Store.PostgresDSNEnv)
	cfg.Redis.Password = env(cfg.Redis.PasswordEnv)
	cfg.Archive.AccessKey = env(cfg.Archive.AccessKeyEnv)
	cfg.Archive.SecretKey = env(cfg.Archive.SecretKeyEnv)
	for i := range cfg.Exchanges {
		cfg.Exchanges[i].APIKey = env(cfg.Exchanges[i].APIKeyEnv)
		cfg.Exchanges[i].APISecret = env(cfg.Exchanges[i].APISecretEnv)
	}
}

func env(name string) string {
	if name == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}

func validate(cfg *Config) error {
	switch cfg.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if cfg.Store.PostgresDSN == "" {
			return fmt.Errorf("store.driver is postgres but env %q is empty", cfg.Store.PostgresDSNEnv)
		}
	default:
		return fmt.Errorf("store.driver %q not supported", cfg.Store.Driver)
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr empty but enabled")
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers empty but enabled")
	}
	if cfg.Archive.Enabled && strings.TrimSpace(cfg.Archive.Bucket) == "" {
		return errors.New("archive.bucket empty but enabled")
	}

	step, err := decimal.NewFromString(cfg.Engine.QuantityStep)
	if err != nil || !step.IsPositive() {
		return fmt.Errorf("engine.quantity_step %q must be a positive decimal", cfg.Engine.QuantityStep)
	}
	cfg.quantityStep = step

	seen := map[string]struct{}{}
	for _, ex := range cfg.Exchanges {
		if ex.Name == "" {
			return errors.New("exchanges: name required")
		}
		if _, dup := seen[ex.Name]; dup {
			return fmt.Errorf("exchanges: %s configured twice", ex.Name)
		}
		seen[ex.Name] = struct{}{}
		if !ex.Enabled || cfg.App.DryRun {
			continue
		}
		if ex.APIKey == "" || ex.APISecret == "" {
			return fmt.Errorf("exchange %s enabled but credentials missing (env %s / %s)", ex.Name, ex.APIKeyEnv, ex.APISecretEnv)
		}
	}
	if len(cfg.GetEnabledExchanges()) < 2 {
		return errors.New("at least two exchanges must be enabled for hedged entries")
	}
	for name := range cfg.Scheduler.ExchangeOffsetsSec {
		if _, ok := seen[strings.ToLower(name)]; !ok {
			return fmt.Errorf("scheduler.exchange_offsets_sec: unknown exchange %s", name)
		}
	}
	return nil
}

// GetEnabledExchanges 已启用的交易所名称（按配置顺序）
func (c *Config) GetEnabledExchanges() []string {
	var out []string
	for _, ex := range c.Exchanges {
		if ex.Enabled {
			out = append(out, ex.Name)
		}
	}
	return out
}

// Exchange 按名称取交易所配置
func (c *Config) Exchange(name string) (ExchangeConfig, bool) {
	for _, ex := range c.Exchanges {
		if ex.Name == strings.ToLower(name) {
			return ex, true
		}
	}
	return ExchangeConfig{}, false
}

// QuantityStep 数量精度
func (c *Config) QuantityStep() decimal.Decimal { return c.quantityStep }

func (c *Config) ReadTimeout() time.Duration       { return sec(c.HTTP.ReadTimeoutSec) }
func (c *Config) ShutdownTimeout() time.Duration   { return sec(c.HTTP.ShutdownTimeoutSec) }
func (c *Config) SnapshotTTL() time.Duration       { return sec(c.Redis.SnapshotTTLSec) }
func (c *Config) KafkaRetryBackoff() time.Duration { return ms(c.Kafka.RetryBackoffMs) }
func (c *Config) TickInterval() time.Duration      { return ms(c.Scheduler.TickMs) }
func (c *Config) EntryOffset() time.Duration       { return sec(c.Scheduler.EntryOffsetSec) }
func (c *Config) ExitDelay() time.Duration         { return sec(c.Scheduler.ExitDelaySec) }
func (c *Config) LockTTL() time.Duration           { return sec(c.Scheduler.LockTTLSec) }
func (c *Config) ImbalanceTimeout() time.Duration  { return sec(c.Engine.ImbalanceTimeoutSec) }
func (c *Config) MonitorInterval() time.Duration   { return sec(c.Engine.MonitorIntervalSec) }
func (c *Config) PollInterval() time.Duration      { return sec(c.Observer.PollIntervalSec) }
func (c *Config) MarkStaleAfter() time.Duration    { return sec(c.Observer.MarkStaleAfterSec) }
func (c *Config) RecordBefore() time.Duration      { return sec(c.Recorder.BeforeSec) }
func (c *Config) RecordAfter() time.Duration       { return sec(c.Recorder.AfterSec) }
func (c *Config) SampleInterval() time.Duration    { return ms(c.Recorder.SampleIntervalMs) }
func (c *Config) ReconcileInterval() time.Duration { return sec(c.Reconcile.IntervalSec) }
func (c *Config) StuckAfter() time.Duration        { return sec(c.Reconcile.StuckAfterSec) }

// ExchangeOffsets 按交易所覆盖的入场提前量
func (c *Config) ExchangeOffsets() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Scheduler.ExchangeOffsetsSec))
	for name, s := range c.Scheduler.ExchangeOffsetsSec {
		out[strings.ToLower(name)] = sec(s)
	}
	return out
}

// OrderRetryPolicy 下单瞬时错误重试策略
func (c *Config) OrderRetryPolicy() domainsvc.RetryPolicy {
	return domainsvc.RetryPolicy{
		MaxAttempts: c.Engine.OrderRetries,
		BaseDelay:   ms(c.Engine.OrderRetryBaseMs),
		MaxDelay:    ms(c.Engine.OrderRetryMaxMs),
	}
}

// FillPollPolicy 成交确认轮询策略
func (c *Config) FillPollPolicy() domainsvc.RetryPolicy {
	return domainsvc.RetryPolicy{
		MaxAttempts: c.Engine.FillPollAttempts,
		BaseDelay:   ms(c.Engine.FillPollBaseMs),
		MaxDelay:    ms(c.Engine.FillPollMaxMs),
	}
}

func sec(n int) time.Duration { return time.Duration(n) * time.Second }
func ms(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
