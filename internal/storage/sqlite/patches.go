package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"healbot/internal/domain"
	apperrors "healbot/internal/errors"
)

// InsertPatchRecord stores a record and returns it with its assigned id.
func (s *Store) InsertPatchRecord(ctx context.Context, rec domain.PatchRecord) (domain.PatchRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.Outcome == "" {
		rec.Outcome = domain.PatchPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO patch_records (report_id, file, backup_location, outcome, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ReportID, rec.File, rec.BackupLocation, string(rec.Outcome), rec.Error, rec.CreatedAt,
	)
	if err != nil {
		return rec, apperrors.Storage(err, "insert patch record")
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return rec, apperrors.Storage(err, "insert patch record")
	}
	return rec, nil
}

// SetPatchOutcome records the outcome of a patch; applied and rolled_back
// also stamp their timestamp columns.
func (s *Store) SetPatchOutcome(ctx context.Context, id int64, outcome domain.PatchOutcome, errMsg string, at time.Time) error {
	at = at.UTC()
	var (
		res sql.Result
		err error
	)
	switch outcome {
	case domain.PatchApplied:
		res, err = s.db.ExecContext(ctx,
			`UPDATE patch_records SET outcome = ?, error = ?, applied_at = ? WHERE id = ?`,
			string(outcome), errMsg, at, id)
	case domain.PatchRolledBack:
		res, err = s.db.ExecContext(ctx,
			`UPDATE patch_records SET outcome = ?, error = ?, rolled_back_at = ? WHERE id = ?`,
			string(outcome), errMsg, at, id)
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE patch_records SET outcome = ?, error = ? WHERE id = ?`,
			string(outcome), errMsg, id)
	}
	if err != nil {
		return apperrors.Storage(err, "update patch record")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFoundf("patch record %d not found", id)
	}
	return nil
}

func (s *Store) GetPatchRecord(ctx context.Context, id int64) (domain.PatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patchColumns+` FROM patch_records WHERE id = ?`, id)
	rec, err := scanPatchRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, apperrors.NotFoundf("patch record %d not found", id)
	}
	if err != nil {
		return rec, apperrors.Storage(err, "get patch record")
	}
	return rec, nil
}

// ListPatchRecords returns a report's records in creation order.
func (s *Store) ListPatchRecords(ctx context.Context, reportID string) ([]domain.PatchRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patchColumns+` FROM patch_records WHERE report_id = ? ORDER BY id`, reportID)
	if err != nil {
		return nil, apperrors.Storage(err, "list patch records")
	}
	defer rows.Close()

	var out []domain.PatchRecord
	for rows.Next() {
		rec, err := scanPatchRecord(rows)
		if err != nil {
			return nil, apperrors.Storage(err, "scan patch record")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage(err, "list patch records")
	}
	return out, nil
}

// FailPendingPatchRecords marks every in-flight record of a report as failed.
func (s *Store) FailPendingPatchRecords(ctx context.Context, reportID, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE patch_records SET outcome = ?, error = ? WHERE report_id = ? AND outcome = ?`,
		string(domain.PatchFailed), reason, reportID, string(domain.PatchPending))
	if err != nil {
		return 0, apperrors.Storage(err, "fail pending patch records")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const patchColumns = `id, report_id, file, backup_location, outcome, error, created_at, applied_at, rolled_back_at`

func scanPatchRecord(row rowScanner) (domain.PatchRecord, error) {
	var (
		rec                 domain.PatchRecord
		outcome             string
		applied, rolledBack sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.ReportID, &rec.File, &rec.BackupLocation, &outcome,
		&rec.Error, &rec.CreatedAt, &applied, &rolledBack)
	if err != nil {
		return rec, err
	}
	rec.Outcome = domain.PatchOutcome(outcome)
	if applied.Valid {
		rec.AppliedAt = applied.Time
	}
	if rolledBack.Valid {
		rec.RolledBackAt = rolledBack.Time
	}
	return rec, nil
}
