package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"healbot/internal/domain"
	apperrors "healbot/internal/errors"
)

const reportColumns = `id, kind, submitter_id, submitter_label, description, logs, source_url, user_agent,
	submitted_at, created_at, updated_at, status, priority, category, auto_fixable, verdict,
	analysis, proposals, pull_request_url, last_error`

func (s *Store) InsertReport(ctx context.Context, r domain.Report) error {
	logs, err := json.Marshal(nonNilLogs(r.Logs))
	if err != nil {
		return apperrors.Storage(err, "encode logs")
	}
	proposals, err := json.Marshal(nonNilProposals(r.Proposals))
	if err != nil {
		return apperrors.Storage(err, "encode proposals")
	}
	analysis, err := encodeAnalysis(r.Analysis)
	if err != nil {
		return apperrors.Storage(err, "encode analysis")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports (`+reportColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), r.SubmitterID, r.SubmitterLabel, r.Description, string(logs),
		r.SourceURL, r.UserAgent, r.SubmittedAt.UTC(), r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
		string(r.Status), string(r.Priority), r.Category, r.AutoFixable, string(r.Verdict),
		analysis, string(proposals), r.PullRequestURL, r.LastError,
	)
	if err != nil {
		return apperrors.Storage(err, "insert report")
	}
	return nil
}

func (s *Store) GetReport(ctx context.Context, id string) (domain.Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Report{}, apperrors.NotFoundf("report %s not found", id)
	}
	if err != nil {
		return domain.Report{}, apperrors.Storage(err, "get report")
	}
	return r, nil
}

// ListStaleReports returns reports in any of statuses whose last update is
// before cutoff, oldest first.
func (s *Store) ListStaleReports(ctx context.Context, statuses []domain.Status, cutoff time.Time, limit int) ([]domain.Report, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, 0, len(statuses)+2)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, cutoff.UTC(), limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reportColumns+` FROM reports
		 WHERE status IN (`+placeholders+`) AND updated_at < ?
		 ORDER BY updated_at, id LIMIT ?`, args...)
	if err != nil {
		return nil, apperrors.Storage(err, "list stale reports")
	}
	defer rows.Close()

	var out []domain.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, apperrors.Storage(err, "scan report")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage(err, "list stale reports")
	}
	return out, nil
}

// DeleteReport removes the report row. Audit entries and patch records stay.
func (s *Store) DeleteReport(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = ?`, id)
	if err != nil {
		return apperrors.Storage(err, "delete report")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFoundf("report %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (domain.Report, error) {
	var (
		r                              domain.Report
		kind, status, priority         string
		verdict, logs, analysis, props string
	)
	err := row.Scan(
		&r.ID, &kind, &r.SubmitterID, &r.SubmitterLabel, &r.Description, &logs,
		&r.SourceURL, &r.UserAgent, &r.SubmittedAt, &r.CreatedAt, &r.UpdatedAt,
		&status, &priority, &r.Category, &r.AutoFixable, &verdict,
		&analysis, &props, &r.PullRequestURL, &r.LastError,
	)
	if err != nil {
		return r, err
	}
	r.Kind = domain.Kind(kind)
	r.Status = domain.Status(status)
	r.Priority = domain.Priority(priority)
	r.Verdict = domain.Verdict(verdict)
	if logs != "" {
		if err := json.Unmarshal([]byte(logs), &r.Logs); err != nil {
			return r, err
		}
	}
	if props != "" {
		if err := json.Unmarshal([]byte(props), &r.Proposals); err != nil {
			return r, err
		}
	}
	if analysis != "" {
		r.Analysis = &domain.Analysis{}
		if err := json.Unmarshal([]byte(analysis), r.Analysis); err != nil {
			return r, err
		}
	}
	return r, nil
}

func encodeAnalysis(a *domain.Analysis) (string, error) {
	if a == nil {
		return "", nil
	}
	b, err := json.Marshal(a)
	return string(b), err
}

func nonNilLogs(l []domain.LogEntry) []domain.LogEntry {
	if l == nil {
		return []domain.LogEntry{}
	}
	return l
}

func nonNilProposals(p []domain.FixProposal) []domain.FixProposal {
	if p == nil {
		return []domain.FixProposal{}
	}
	return p
}
