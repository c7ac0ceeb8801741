package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"healbot/internal/domain"
	apperrors "healbot/internal/errors"
	"healbot/internal/storage/sqlite"
)

const maxRollbackAttempts = 3

// Rollback restores every applied file of a report from its backup, newest
// first, then moves the report to rolled_back. If any restore fails the
// report keeps its status so the operator can retry.
func (p *Pipeline) Rollback(ctx context.Context, reportID, actor string) (domain.Report, error) {
	if strings.TrimSpace(actor) == "" {
		actor = "operator"
	}
	r, err := p.store.GetReport(ctx, reportID)
	if err != nil {
		return domain.Report{}, err
	}
	if !r.Status.IsRollbackable() {
		return r, apperrors.InvalidTransition(string(r.Status), string(domain.StatusRolledBack))
	}

	records, err := p.store.ListPatchRecords(ctx, r.ID)
	if err != nil {
		return r, err
	}

	restored := 0
	var failures []string
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Outcome != domain.PatchApplied {
			continue
		}
		if _, err := p.patcher.Restore(ctx, rec); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{"report": r.ID, "file": rec.File}).Error("restore failed")
			failures = append(failures, fmt.Sprintf("%s: %v", rec.File, err))
			continue
		}
		restored++
		if err := p.audit.Event(ctx, r.ID, domain.EventPatchRolledBack, actor, "file="+rec.File); err != nil {
			p.logger.WithError(err).WithField("report", r.ID).Error("audit event lost")
		}
	}
	if len(failures) > 0 {
		return r, apperrors.PatchApplyFailure(nil, "rollback incomplete: "+strings.Join(failures, "; "))
	}

	detail := fmt.Sprintf("%d file(s) restored", restored)
	for attempt := 1; ; attempt++ {
		rolled, err := p.transitionAs(ctx, r, domain.StatusRolledBack, actor, detail, sqlite.ReportUpdate{})
		if err == nil || !apperrors.Is(err, apperrors.TypeInvalidTransition) || attempt == maxRollbackAttempts {
			return rolled, err
		}
		// A worker may have published while files were being restored.
		current, getErr := p.store.GetReport(ctx, r.ID)
		if getErr != nil {
			return r, getErr
		}
		if !current.Status.IsRollbackable() {
			return current, err
		}
		r = current
	}
}
