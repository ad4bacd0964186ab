package sqlstore

import (
	"context"
	"fmt"

	"fundingarb/internal/domain/model"
)

func (r *Repo) AppendAudit(ctx context.Context, rec model.AuditRecord) error {
	_, err := r.db.ExecContext(ctx, r.q(`
INSERT INTO audit_log (id, action, position_id, from_status, to_status, operator, reason, at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.Action, rec.PositionID, rec.FromStatus, rec.ToStatus, rec.Operator, rec.Reason, ms(rec.At))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (r *Repo) ListAudit(ctx context.Context, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, r.q(`
SELECT id, action, position_id, from_status, to_status, operator, reason, at
FROM audit_log ORDER BY at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		var at int64
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.PositionID, &rec.FromStatus, &rec.ToStatus,
			&rec.Operator, &rec.Reason, &at); err != nil {
			return nil, err
		}
		rec.At = fromMs(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}
