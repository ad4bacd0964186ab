package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fundingarb/internal/domain/model"
)

const sessionColumns = `id, exchange, symbol, funding_rate, funding_payment_time, window_start, window_end,
  status, total_data_points, error_message, archive_key, created_at, completed_at`

func (r *Repo) CreateSession(ctx context.Context, s model.RecordingSession) error {
	_, err := r.db.ExecContext(ctx, r.q(`INSERT INTO recording_sessions (`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.ID, s.Exchange, s.Symbol, s.FundingRate, ms(s.FundingPaymentTime), ms(s.WindowStart), ms(s.WindowEnd),
		string(s.Status), s.TotalDataPoints, s.ErrorMessage, s.ArchiveKey, ms(s.CreatedAt), msPtr(s.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert recording session: %w", err)
	}
	return nil
}

func (r *Repo) UpdateSession(ctx context.Context, s model.RecordingSession) error {
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE recording_sessions SET funding_rate = ?, status = ?, total_data_points = ?, error_message = ?,
  archive_key = ?, completed_at = ?
WHERE id = ?`),
		s.FundingRate, string(s.Status), s.TotalDataPoints, s.ErrorMessage, s.ArchiveKey, msPtr(s.CompletedAt), s.ID)
	if err != nil {
		return fmt.Errorf("update recording session %s: %w", s.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recording session %s: %w", s.ID, model.ErrNotFound)
	}
	return nil
}

func (r *Repo) GetSession(ctx context.Context, id string) (model.RecordingSession, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+sessionColumns+` FROM recording_sessions WHERE id = ?`), id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RecordingSession{}, fmt.Errorf("recording session %s: %w", id, model.ErrNotFound)
	}
	return s, err
}

func (r *Repo) ListSessions(ctx context.Context) ([]model.RecordingSession, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM recording_sessions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.RecordingSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repo) AppendDataPoint(ctx context.Context, p model.DataPoint) error {
	_, err := r.db.ExecContext(ctx, r.q(`
INSERT INTO recording_points (session_id, seq, captured_at, offset_ms, mark_price, funding_rate, next_funding_time)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
		p.SessionID, p.Seq, ms(p.CapturedAt), p.OffsetMs, p.MarkPrice, p.FundingRate, ms(p.NextFundingTime))
	if err != nil {
		return fmt.Errorf("insert data point %s#%d: %w", p.SessionID, p.Seq, err)
	}
	return nil
}

func (r *Repo) ListDataPoints(ctx context.Context, sessionID string) ([]model.DataPoint, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
SELECT session_id, seq, captured_at, offset_ms, mark_price, funding_rate, next_funding_time
FROM recording_points WHERE session_id = ? ORDER BY seq`), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DataPoint
	for rows.Next() {
		var p model.DataPoint
		var captured, next int64
		if err := rows.Scan(&p.SessionID, &p.Seq, &captured, &p.OffsetMs, &p.MarkPrice, &p.FundingRate, &next); err != nil {
			return nil, err
		}
		p.CapturedAt = fromMs(captured)
		p.NextFundingTime = fromMs(next)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	const match = `SELECT id FROM recording_sessions WHERE status <> 'RECORDING' AND created_at < ?`
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM recording_points WHERE session_id IN (`+match+`)`), ms(cutoff)); err != nil {
		return 0, fmt.Errorf("delete data points: %w", err)
	}
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM recording_sessions WHERE status <> 'RECORDING' AND created_at < ?`), ms(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete recording sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

func scanSession(rs rowScanner) (model.RecordingSession, error) {
	var (
		s                                  model.RecordingSession
		status                             string
		payment, winStart, winEnd, created int64
		completed                          sql.NullInt64
	)
	err := rs.Scan(&s.ID, &s.Exchange, &s.Symbol, &s.FundingRate, &payment, &winStart, &winEnd, &status,
		&s.TotalDataPoints, &s.ErrorMessage, &s.ArchiveKey, &created, &completed)
	if err != nil {
		return model.RecordingSession{}, err
	}
	s.Status = model.RecordingStatus(status)
	s.FundingPaymentTime = fromMs(payment)
	s.WindowStart = fromMs(winStart)
	s.WindowEnd = fromMs(winEnd)
	s.CreatedAt = fromMs(created)
	s.CompletedAt = fromNull(completed)
	return s, nil
}
