package sqlstore

// 非终态集合需与 model.NonTerminalPositionStatuses / NonTerminalSubscriptionStatuses 保持一致
var schema = []string{
	`CREATE TABLE IF NOT EXISTS positions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  subscription_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  primary_exchange TEXT NOT NULL,
  hedge_exchange TEXT NOT NULL,
  graduated_parts INTEGER NOT NULL,
  current_part INTEGER NOT NULL,
  primary_leg TEXT NOT NULL,
  hedge_leg TEXT NOT NULL,
  orders TEXT NOT NULL,
  protective TEXT NOT NULL,
  last_funding_paid TEXT NOT NULL DEFAULT '0',
  last_funding_at BIGINT,
  total_funding TEXT NOT NULL DEFAULT '0',
  primary_funding TEXT NOT NULL DEFAULT '0',
  hedge_funding TEXT NOT NULL DEFAULT '0',
  gross_profit TEXT NOT NULL DEFAULT '0',
  net_profit TEXT NOT NULL DEFAULT '0',
  error_message TEXT NOT NULL DEFAULT '',
  note TEXT NOT NULL DEFAULT '',
  needs_audit INTEGER NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL,
  started_at BIGINT,
  last_progress_at BIGINT,
  completed_at BIGINT,
  exit_at BIGINT
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_positions_user_symbol ON positions(user_id, symbol)
  WHERE status IN ('INITIALIZING','EXECUTING','ACTIVE')`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_positions_route ON positions(symbol, primary_exchange, hedge_exchange)
  WHERE status IN ('INITIALIZING','EXECUTING','ACTIVE')`,
	`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id)`,

	`CREATE TABLE IF NOT EXISTS funding_payments (
  position_id TEXT NOT NULL,
  exchange TEXT NOT NULL,
  role TEXT NOT NULL,
  funding_time BIGINT NOT NULL,
  funding_rate TEXT NOT NULL,
  mark_price TEXT NOT NULL,
  quantity TEXT NOT NULL,
  amount TEXT NOT NULL,
  recorded_at BIGINT NOT NULL,
  PRIMARY KEY (position_id, exchange, funding_time)
)`,

	`CREATE TABLE IF NOT EXISTS subscriptions (
  id TEXT PRIMARY KEY,
  symbol TEXT NOT NULL,
  primary_exchange TEXT NOT NULL,
  hedge_exchange TEXT NOT NULL,
  status TEXT NOT NULL,
  config TEXT NOT NULL,
  position_id TEXT NOT NULL DEFAULT '',
  entry_price TEXT NOT NULL DEFAULT '0',
  hedge_entry_price TEXT NOT NULL DEFAULT '0',
  funding_time BIGINT,
  scheduled_entry_time BIGINT,
  scheduled_exit_time BIGINT,
  created_at BIGINT NOT NULL,
  executed_at BIGINT,
  error_message TEXT NOT NULL DEFAULT ''
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_route ON subscriptions(symbol, primary_exchange, hedge_exchange)
  WHERE status IN ('PENDING','TRIGGERED')`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status)`,

	`CREATE TABLE IF NOT EXISTS recording_sessions (
  id TEXT PRIMARY KEY,
  exchange TEXT NOT NULL,
  symbol TEXT NOT NULL,
  funding_rate TEXT NOT NULL,
  funding_payment_time BIGINT NOT NULL,
  window_start BIGINT NOT NULL,
  window_end BIGINT NOT NULL,
  status TEXT NOT NULL,
  total_data_points INTEGER NOT NULL DEFAULT 0,
  error_message TEXT NOT NULL DEFAULT '',
  archive_key TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL,
  completed_at BIGINT
)`,
	`CREATE TABLE IF NOT EXISTS recording_points (
  session_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  captured_at BIGINT NOT NULL,
  offset_ms BIGINT NOT NULL,
  mark_price TEXT NOT NULL,
  funding_rate TEXT NOT NULL,
  next_funding_time BIGINT NOT NULL,
  PRIMARY KEY (session_id, seq)
)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
  id TEXT PRIMARY KEY,
  action TEXT NOT NULL,
  position_id TEXT NOT NULL DEFAULT '',
  from_status TEXT NOT NULL DEFAULT '',
  to_status TEXT NOT NULL DEFAULT '',
  operator TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at)`,
}
