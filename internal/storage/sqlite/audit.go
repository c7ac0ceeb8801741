package sqlite

import (
	"context"
	"database/sql"
	"time"

	"healbot/internal/domain"
	apperrors "healbot/internal/errors"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendAudit inserts an audit entry and returns its id. There is no update
// or delete counterpart.
func (s *Store) AppendAudit(ctx context.Context, e domain.AuditEntry) (int64, error) {
	return insertAudit(ctx, s.db, e)
}

func (s *Store) ListAudit(ctx context.Context, reportID string) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, report_id, event, from_status, to_status, detail, actor, created_at
		 FROM audit_entries WHERE report_id = ? ORDER BY id`, reportID)
	if err != nil {
		return nil, apperrors.Storage(err, "list audit entries")
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var from, to string
		if err := rows.Scan(&e.ID, &e.ReportID, &e.Event, &from, &to, &e.Detail, &e.Actor, &e.CreatedAt); err != nil {
			return nil, apperrors.Storage(err, "scan audit entry")
		}
		e.FromStatus = domain.Status(from)
		e.ToStatus = domain.Status(to)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage(err, "list audit entries")
	}
	return out, nil
}

func insertAudit(ctx context.Context, db dbtx, e domain.AuditEntry) (int64, error) {
	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO audit_entries (report_id, event, from_status, to_status, detail, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ReportID, e.Event, string(e.FromStatus), string(e.ToStatus), e.Detail, e.Actor, at.UTC(),
	)
	if err != nil {
		return 0, apperrors.Storage(err, "insert audit entry")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperrors.Storage(err, "insert audit entry")
	}
	return id, nil
}
