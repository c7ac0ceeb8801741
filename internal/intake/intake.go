// Package intake accepts user submissions and hands them to the pipeline.
package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"healbot/internal/domain"
	"healbot/internal/ratelimit"
	"healbot/internal/sanitize"
)

type Limiter interface {
	Allow(ctx context.Context, submitterID string, now time.Time) (ratelimit.Decision, error)
}

type Store interface {
	InsertReport(ctx context.Context, r domain.Report) error
}

type Auditor interface {
	Record(ctx context.Context, e domain.AuditEntry) error
}

type Enqueuer interface {
	Enqueue(reportID string) error
}

type Service struct {
	sanitizer *sanitize.Sanitizer
	limiter   Limiter
	store     Store
	audit     Auditor
	queue     Enqueuer
	logger    logrus.FieldLogger
	now       func() time.Time
	newID     func() string
}

func NewService(sanitizer *sanitize.Sanitizer, limiter Limiter, store Store, audit Auditor, queue Enqueuer, logger logrus.FieldLogger) *Service {
	return &Service{
		sanitizer: sanitizer,
		limiter:   limiter,
		store:     store,
		audit:     audit,
		queue:     queue,
		logger:    logger.WithField("component", "intake"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Submit sanitizes raw, charges the submitter's rate window, persists a
// pending report and enqueues it. Validation and rate-limit failures persist
// nothing. A full queue is not an error: the recovery sweep picks the report up.
func (s *Service) Submit(ctx context.Context, raw domain.Submission) (string, error) {
	clean, err := s.sanitizer.Report(raw)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	if _, err := s.limiter.Allow(ctx, clean.SubmitterID, now); err != nil {
		s.logger.WithField("submitter", clean.SubmitterID).Info("submission rate limited")
		return "", err
	}

	submittedAt := clean.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = now
	}
	r := domain.Report{
		ID:             s.newID(),
		Kind:           clean.Kind,
		SubmitterID:    clean.SubmitterID,
		SubmitterLabel: clean.SubmitterLabel,
		Description:    clean.Text,
		Logs:           clean.Logs,
		SourceURL:      clean.SourceURL,
		UserAgent:      clean.UserAgent,
		SubmittedAt:    submittedAt.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
		Status:         domain.StatusPending,
	}
	if err := s.store.InsertReport(ctx, r); err != nil {
		return "", err
	}

	if err := s.audit.Record(ctx, domain.AuditEntry{
		ReportID:  r.ID,
		Event:     domain.EventSubmitted,
		ToStatus:  domain.StatusPending,
		Actor:     r.SubmitterID,
		Detail:    fmt.Sprintf("kind=%s logs=%d", r.Kind, len(r.Logs)),
		CreatedAt: now,
	}); err != nil {
		s.logger.WithError(err).WithField("report", r.ID).Error("audit submitted event lost")
	}

	log := s.logger.WithFields(logrus.Fields{"report": r.ID, "kind": r.Kind, "submitter": r.SubmitterID})
	if s.queue != nil {
		if err := s.queue.Enqueue(r.ID); err != nil {
			log.WithError(err).Warn("enqueue failed, report left for recovery")
		}
	}
	log.Info("report accepted")
	return r.ID, nil
}
