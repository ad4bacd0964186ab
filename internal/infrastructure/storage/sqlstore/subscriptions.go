package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"fundingarb/internal/domain/model"
)

const subscriptionColumns = `id, symbol, primary_exchange, hedge_exchange, status, config, position_id,
  entry_price, hedge_entry_price, funding_time, scheduled_entry_time, scheduled_exit_time, created_at,
  executed_at, error_message`

func (r *Repo) InsertSubscriptionIfAbsent(ctx context.Context, s model.Subscription) error {
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("encode subscription config: %w", err)
	}
	res, err := r.db.ExecContext(ctx, r.q(`
INSERT INTO subscriptions (`+subscriptionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`),
		s.ID, s.Symbol, s.PrimaryExchange, s.HedgeExchange, string(s.Status), string(cfg), s.PositionID,
		s.EntryPrice, s.HedgeEntryPrice, msPtr(s.FundingTime), msPtr(s.ScheduledEntryTime),
		msPtr(s.ScheduledExitTime), ms(s.CreatedAt), msPtr(s.ExecutedAt), s.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", s.Key(), model.ErrDuplicateActiveSubscription)
	}
	return nil
}

func (r *Repo) GetSubscription(ctx context.Context, id string) (model.Subscription, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`), id)
	s, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, fmt.Errorf("subscription %s: %w", id, model.ErrNotFound)
	}
	return s, err
}

func (r *Repo) UpdateSubscription(ctx context.Context, s model.Subscription) error {
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("encode subscription config: %w", err)
	}
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE subscriptions SET status = ?, config = ?, position_id = ?, entry_price = ?, hedge_entry_price = ?,
  funding_time = ?, scheduled_entry_time = ?, scheduled_exit_time = ?, executed_at = ?, error_message = ?
WHERE id = ? AND status IN ('PENDING','TRIGGERED')`),
		string(s.Status), string(cfg), s.PositionID, s.EntryPrice, s.HedgeEntryPrice, msPtr(s.FundingTime),
		msPtr(s.ScheduledEntryTime), msPtr(s.ScheduledExitTime), msPtr(s.ExecutedAt), s.ErrorMessage, s.ID)
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", s.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := r.GetSubscription(ctx, s.ID); err != nil {
		return err
	}
	return fmt.Errorf("subscription %s: %w", s.ID, model.ErrTerminalStatus)
}

func (r *Repo) ListSubscriptions(ctx context.Context, statuses ...model.SubscriptionStatus) ([]model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	var args []any
	if len(statuses) > 0 {
		var in string
		in, args = inList(statuses)
		query += ` WHERE status IN ` + in
	}
	rows, err := r.db.QueryContext(ctx, r.q(query+` ORDER BY created_at`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Subscription, 0)
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSubscription(rs rowScanner) (model.Subscription, error) {
	var (
		s                            model.Subscription
		status, cfg                  string
		created                      int64
		fundingTime, entry, exit, ex sql.NullInt64
	)
	err := rs.Scan(&s.ID, &s.Symbol, &s.PrimaryExchange, &s.HedgeExchange, &status, &cfg, &s.PositionID,
		&s.EntryPrice, &s.HedgeEntryPrice, &fundingTime, &entry, &exit, &created, &ex, &s.ErrorMessage)
	if err != nil {
		return model.Subscription{}, err
	}
	if err := json.Unmarshal([]byte(cfg), &s.Config); err != nil {
		return model.Subscription{}, fmt.Errorf("decode subscription config of %s: %w", s.ID, err)
	}
	s.Status = model.SubscriptionStatus(status)
	s.CreatedAt = fromMs(created)
	s.FundingTime = fromNull(fundingTime)
	s.ScheduledEntryTime = fromNull(entry)
	s.ScheduledExitTime = fromNull(exit)
	s.ExecutedAt = fromNull(ex)
	return s, nil
}
