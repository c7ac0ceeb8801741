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

// ReportUpdate lists the fields written together with a status change.
// Nil fields are left unchanged.
type ReportUpdate struct {
	Verdict        *domain.Verdict
	Priority       *domain.Priority
	Category       *string
	AutoFixable    *bool
	Analysis       *domain.Analysis
	Proposals      []domain.FixProposal
	PullRequestURL *string
	LastError      *string
}

// Transition is a compare-and-set status change plus its audit row.
type Transition struct {
	ReportID string
	From     domain.Status
	To       domain.Status
	Actor    string
	Detail   string
	At       time.Time
	Update   ReportUpdate
}

// TransitionStatus moves a report from t.From to t.To only if it is still in
// t.From, writing the update and the audit entry in one transaction.
func (s *Store) TransitionStatus(ctx context.Context, t Transition) error {
	if !domain.CanTransition(t.From, t.To) {
		return apperrors.InvalidTransition(string(t.From), string(t.To))
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(t.To), at}
	u := t.Update
	if u.Verdict != nil {
		// verdict is write-once
		sets = append(sets, "verdict = CASE WHEN verdict = '' THEN ? ELSE verdict END")
		args = append(args, string(*u.Verdict))
	}
	if u.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, string(*u.Priority))
	}
	if u.Category != nil {
		sets = append(sets, "category = ?")
		args = append(args, *u.Category)
	}
	if u.AutoFixable != nil {
		sets = append(sets, "auto_fixable = ?")
		args = append(args, *u.AutoFixable)
	}
	if u.Analysis != nil {
		enc, err := encodeAnalysis(u.Analysis)
		if err != nil {
			return apperrors.Storage(err, "encode analysis")
		}
		sets = append(sets, "analysis = ?")
		args = append(args, enc)
	}
	if u.Proposals != nil {
		enc, err := json.Marshal(u.Proposals)
		if err != nil {
			return apperrors.Storage(err, "encode proposals")
		}
		sets = append(sets, "proposals = ?")
		args = append(args, string(enc))
	}
	if u.PullRequestURL != nil {
		sets = append(sets, "pull_request_url = ?")
		args = append(args, *u.PullRequestURL)
	}
	if u.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *u.LastError)
	}
	args = append(args, t.ReportID, string(t.From))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Storage(err, "begin transition")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE reports SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return apperrors.Storage(err, "update report status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Storage(err, "update report status")
	}
	if n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM reports WHERE id = ?`, t.ReportID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFoundf("report %s not found", t.ReportID)
		}
		if err != nil {
			return apperrors.Storage(err, "read report status")
		}
		return apperrors.InvalidTransition(current, string(t.To)).WithContext("expected", string(t.From))
	}

	entry := domain.AuditEntry{
		ReportID:   t.ReportID,
		Event:      domain.EventTransition,
		FromStatus: t.From,
		ToStatus:   t.To,
		Detail:     t.Detail,
		Actor:      t.Actor,
		CreatedAt:  at,
	}
	entry.ID, err = insertAudit(ctx, tx, entry)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Storage(err, "commit transition")
	}

	s.mu.RLock()
	notify := s.onTransition
	s.mu.RUnlock()
	if notify != nil {
		notify(ctx, entry)
	}
	return nil
}
