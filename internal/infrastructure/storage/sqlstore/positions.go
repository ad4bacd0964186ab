package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/domain/model"
)

const positionColumns = `id, user_id, symbol, subscription_id, status, graduated_parts, current_part,
  primary_leg, hedge_leg, orders, protective, last_funding_paid, last_funding_at, total_funding,
  primary_funding, hedge_funding, gross_profit, net_profit, error_message, note, needs_audit,
  created_at, started_at, last_progress_at, completed_at, exit_at`

var activeStatuses = `('INITIALIZING','EXECUTING','ACTIVE')`

type positionBlobs struct {
	primary, hedge, orders, protective []byte
}

func encodePosition(p *model.Position) (positionBlobs, error) {
	var b positionBlobs
	var err error
	if b.primary, err = json.Marshal(p.Primary); err != nil {
		return b, fmt.Errorf("encode primary leg: %w", err)
	}
	if b.hedge, err = json.Marshal(p.Hedge); err != nil {
		return b, fmt.Errorf("encode hedge leg: %w", err)
	}
	orders := p.Orders
	if orders == nil {
		orders = []model.OrderRecord{}
	}
	if b.orders, err = json.Marshal(orders); err != nil {
		return b, fmt.Errorf("encode orders: %w", err)
	}
	if b.protective, err = json.Marshal(p.Protective); err != nil {
		return b, fmt.Errorf("encode protective: %w", err)
	}
	return b, nil
}

func (r *Repo) InsertIfAbsent(ctx context.Context, p model.Position) error {
	b, err := encodePosition(&p)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, r.q(`
INSERT INTO positions (id, user_id, symbol, subscription_id, status, primary_exchange, hedge_exchange,
  graduated_parts, current_part, primary_leg, hedge_leg, orders, protective, gross_profit, net_profit,
  error_message, note, needs_audit, created_at, started_at, last_progress_at, completed_at, exit_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`),
		p.ID, p.UserID, p.Symbol, p.SubscriptionID, string(p.Status), p.Primary.Exchange, p.Hedge.Exchange,
		p.GraduatedParts, p.CurrentPart, string(b.primary), string(b.hedge), string(b.orders), string(b.protective),
		p.GrossProfit, p.NetProfit, p.ErrorMessage, p.Note, boolInt(p.NeedsAudit), ms(p.CreatedAt),
		msPtr(p.StartedAt), msPtr(p.LastProgressAt), msPtr(p.CompletedAt), msPtr(p.ExitAt),
	)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s for user %s on %s/%s: %w", p.Symbol, p.UserID, p.Primary.Exchange, p.Hedge.Exchange, model.ErrDuplicateActivePosition)
	}
	return nil
}

func (r *Repo) GetPosition(ctx context.Context, id string) (model.Position, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+positionColumns+` FROM positions WHERE id = ?`), id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Position{}, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	return p, err
}

func (r *Repo) UpdatePosition(ctx context.Context, p model.Position) error {
	b, err := encodePosition(&p)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE positions SET status = ?, subscription_id = ?, graduated_parts = ?, current_part = ?,
  primary_leg = ?, hedge_leg = ?, orders = ?, protective = ?, gross_profit = ?, net_profit = ?,
  error_message = ?, note = ?, needs_audit = ?, started_at = ?, last_progress_at = ?,
  completed_at = ?, exit_at = ?
WHERE id = ? AND status IN `+activeStatuses),
		string(p.Status), p.SubscriptionID, p.GraduatedParts, p.CurrentPart,
		string(b.primary), string(b.hedge), string(b.orders), string(b.protective), p.GrossProfit, p.NetProfit,
		p.ErrorMessage, p.Note, boolInt(p.NeedsAudit), msPtr(p.StartedAt), msPtr(p.LastProgressAt),
		msPtr(p.CompletedAt), msPtr(p.ExitAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var status string
	err = r.db.QueryRowContext(ctx, r.q(`SELECT status FROM positions WHERE id = ?`), p.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("position %s: %w", p.ID, model.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("position %s is %s: %w", p.ID, status, model.ErrTerminalStatus)
}

func (r *Repo) ListPositionsByUser(ctx context.Context, userID string, activeOnly bool) ([]model.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE user_id = ?`
	if activeOnly {
		query += ` AND status IN ` + activeStatuses
	}
	return r.queryPositions(ctx, query+` ORDER BY created_at`, userID)
}

func (r *Repo) ListPositionsByStatus(ctx context.Context, statuses ...model.PositionStatus) ([]model.Position, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	in, args := inList(statuses)
	return r.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions WHERE status IN `+in+` ORDER BY created_at`, args...)
}

func (r *Repo) ListDueExits(ctx context.Context, now time.Time) ([]model.Position, error) {
	return r.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions
WHERE status = 'ACTIVE' AND exit_at IS NOT NULL AND exit_at <= ? ORDER BY exit_at`, ms(now))
}

func (r *Repo) OverrideStatus(ctx context.Context, id string, status model.PositionStatus, note string, at time.Time) error {
	p, err := r.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if status == model.PositionError && p.ErrorMessage == "" {
		p.ErrorMessage = note
	}
	p.AddNote(note)
	completed := p.CompletedAt
	if status.IsTerminal() && completed == nil {
		completed = &at
	}
	_, err = r.db.ExecContext(ctx, r.q(`
UPDATE positions SET status = ?, error_message = ?, note = ?, completed_at = ? WHERE id = ?`),
		string(status), p.ErrorMessage, p.Note, msPtr(completed), id)
	if err != nil {
		return fmt.Errorf("override position %s: %w", id, err)
	}
	return nil
}

func (r *Repo) DeletePosition(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM funding_payments WHERE position_id = ?`), id); err != nil {
		return fmt.Errorf("delete funding payments: %w", err)
	}
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM positions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	return tx.Commit()
}

func (r *Repo) ApplyFunding(ctx context.Context, pay model.FundingPayment) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var total, primary, hedge decimal.Decimal
	err = tx.QueryRowContext(ctx, r.q(`SELECT total_funding, primary_funding, hedge_funding FROM positions WHERE id = ?`+r.dialect.ForUpdate),
		pay.PositionID).Scan(&total, &primary, &hedge)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("position %s: %w", pay.PositionID, model.ErrNotFound)
	}
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, r.q(`
INSERT INTO funding_payments (position_id, exchange, role, funding_time, funding_rate, mark_price, quantity, amount, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`),
		pay.PositionID, pay.Exchange, string(pay.Role), ms(pay.FundingTime), pay.FundingRate, pay.MarkPrice,
		pay.Quantity, pay.Amount, ms(pay.RecordedAt))
	if err != nil {
		return false, fmt.Errorf("insert funding payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	total = total.Add(pay.Amount)
	if pay.Role == model.RoleHedge {
		hedge = hedge.Add(pay.Amount)
	} else {
		primary = primary.Add(pay.Amount)
	}
	_, err = tx.ExecContext(ctx, r.q(`
UPDATE positions SET last_funding_paid = ?, last_funding_at = ?, total_funding = ?, primary_funding = ?, hedge_funding = ?
WHERE id = ?`), pay.Amount, ms(pay.FundingTime), total, primary, hedge, pay.PositionID)
	if err != nil {
		return false, fmt.Errorf("credit funding: %w", err)
	}
	return true, tx.Commit()
}

func (r *Repo) ListFundingPayments(ctx context.Context, positionID string) ([]model.FundingPayment, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
SELECT position_id, exchange, role, funding_time, funding_rate, mark_price, quantity, amount, recorded_at
FROM funding_payments WHERE position_id = ? ORDER BY funding_time`), positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FundingPayment
	for rows.Next() {
		var pay model.FundingPayment
		var role string
		var ft, rec int64
		if err := rows.Scan(&pay.PositionID, &pay.Exchange, &role, &ft, &pay.FundingRate, &pay.MarkPrice,
			&pay.Quantity, &pay.Amount, &rec); err != nil {
			return nil, err
		}
		pay.Role = model.LegRole(role)
		pay.FundingTime = fromMs(ft)
		pay.RecordedAt = fromMs(rec)
		out = append(out, pay)
	}
	return out, rows.Err()
}

func (r *Repo) queryPositions(ctx context.Context, query string, args ...any) ([]model.Position, error) {
	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(rs rowScanner) (model.Position, error) {
	var (
		p                                  model.Position
		status                             string
		primaryLeg, hedgeLeg, orders, prot string
		primaryFunding, hedgeFunding       decimal.Decimal
		needsAudit                         int
		created                            int64
		lastFundingAt, started, progress   sql.NullInt64
		completed, exitAt                  sql.NullInt64
	)
	err := rs.Scan(&p.ID, &p.UserID, &p.Symbol, &p.SubscriptionID, &status, &p.GraduatedParts, &p.CurrentPart,
		&primaryLeg, &hedgeLeg, &orders, &prot, &p.LastFundingPaid, &lastFundingAt, &p.TotalFundingEarned,
		&primaryFunding, &hedgeFunding, &p.GrossProfit, &p.NetProfit, &p.ErrorMessage, &p.Note, &needsAudit,
		&created, &started, &progress, &completed, &exitAt)
	if err != nil {
		return model.Position{}, err
	}
	if err := json.Unmarshal([]byte(primaryLeg), &p.Primary); err != nil {
		return model.Position{}, fmt.Errorf("decode primary leg of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(hedgeLeg), &p.Hedge); err != nil {
		return model.Position{}, fmt.Errorf("decode hedge leg of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(orders), &p.Orders); err != nil {
		return model.Position{}, fmt.Errorf("decode orders of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(prot), &p.Protective); err != nil {
		return model.Position{}, fmt.Errorf("decode protective of %s: %w", p.ID, err)
	}
	p.Status = model.PositionStatus(status)
	p.Primary.FundingEarned = primaryFunding
	p.Hedge.FundingEarned = hedgeFunding
	p.NeedsAudit = needsAudit != 0
	p.CreatedAt = fromMs(created)
	p.LastFundingAt = fromNull(lastFundingAt)
	p.StartedAt = fromNull(started)
	p.LastProgressAt = fromNull(progress)
	p.CompletedAt = fromNull(completed)
	p.ExitAt = fromNull(exitAt)
	return p, nil
}
