package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"healbot/internal/domain"
	"healbot/internal/storage/sqlite"
)

const actorRecovery = "recovery"

var resumableStatuses = []domain.Status{domain.StatusPending, domain.StatusAnalyzing, domain.StatusTriaged}

type Enqueuer interface {
	Enqueue(reportID string) error
}

// SweepResult tracks what one recovery pass did.
type SweepResult struct {
	Requeued    int
	Interrupted int
	QueueFull   int
	Errors      []string
}

// Recovery re-enqueues reports that stalled before the patch stage and
// settles reports interrupted while fixing.
type Recovery struct {
	store      Store
	audit      Auditor
	queue      Enqueuer
	stuckAfter time.Duration
	logger     logrus.FieldLogger
	now        func() time.Time
}

func NewRecovery(store Store, audit Auditor, queue Enqueuer, stuckAfter time.Duration, logger logrus.FieldLogger) *Recovery {
	return &Recovery{
		store:      store,
		audit:      audit,
		queue:      queue,
		stuckAfter: stuckAfter,
		logger:     logger.WithField("component", "recovery"),
		now:        time.Now,
	}
}

// Sweep handles reports untouched for longer than the stuck threshold.
func (rc *Recovery) Sweep(ctx context.Context) (SweepResult, error) {
	return rc.sweep(ctx, rc.now().Add(-rc.stuckAfter))
}

// SweepAll treats every non-terminal report as stalled. Used at startup, when
// nothing can be in flight in this process.
func (rc *Recovery) SweepAll(ctx context.Context) (SweepResult, error) {
	return rc.sweep(ctx, rc.now().Add(time.Second))
}

func (rc *Recovery) sweep(ctx context.Context, cutoff time.Time) (SweepResult, error) {
	var result SweepResult

	stale, err := rc.store.ListStaleReports(ctx, resumableStatuses, cutoff, 0)
	if err != nil {
		return result, err
	}
	for _, r := range stale {
		if rc.queue == nil {
			break
		}
		if err := rc.queue.Enqueue(r.ID); err != nil {
			result.QueueFull++
			continue
		}
		result.Requeued++
		rc.event(ctx, r.ID, domain.EventRecoveryRequeue, "resuming from "+string(r.Status))
	}

	fixing, err := rc.store.ListStaleReports(ctx, []domain.Status{domain.StatusFixing}, cutoff, 0)
	if err != nil {
		return result, err
	}
	for _, r := range fixing {
		if err := rc.interrupt(ctx, r); err != nil {
			rc.logger.WithError(err).WithField("report", r.ID).Error("failed to settle interrupted report")
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", r.ID, err))
			continue
		}
		result.Interrupted++
	}

	rc.logger.WithFields(logrus.Fields{
		"requeued":    result.Requeued,
		"interrupted": result.Interrupted,
		"queue_full":  result.QueueFull,
	}).Info("recovery sweep complete")
	return result, nil
}

func (rc *Recovery) interrupt(ctx context.Context, r domain.Report) error {
	n, err := rc.store.FailPendingPatchRecords(ctx, r.ID, "interrupted before completion")
	if err != nil {
		return err
	}
	msg := "interrupted while fixing; backups kept for manual restore"
	err = rc.store.TransitionStatus(ctx, sqlite.Transition{
		ReportID: r.ID,
		From:     domain.StatusFixing,
		To:       domain.StatusFixFailed,
		Actor:    actorRecovery,
		Detail:   msg,
		At:       rc.now(),
		Update:   sqlite.ReportUpdate{LastError: &msg},
	})
	if err != nil {
		return err
	}
	rc.event(ctx, r.ID, domain.EventRecoveryInterrupted, fmt.Sprintf("%d pending patch record(s) marked failed", n))
	return nil
}

func (rc *Recovery) event(ctx context.Context, reportID, event, detail string) {
	if err := rc.audit.Event(ctx, reportID, event, actorRecovery, detail); err != nil {
		rc.logger.WithError(err).WithFields(logrus.Fields{"report": reportID, "event": event}).Error("audit event lost")
	}
}

// FormatSweepSummary returns a human-readable summary of a SweepResult.
func FormatSweepSummary(result SweepResult) string {
	msg := fmt.Sprintf("requeued %d, interrupted %d", result.Requeued, result.Interrupted)
	if result.QueueFull > 0 {
		msg += fmt.Sprintf(", %d left for next sweep (queue full)", result.QueueFull)
	}
	if len(result.Errors) > 0 {
		msg += fmt.Sprintf("\nErrors:\n%s", strings.Join(result.Errors, "\n"))
	}
	return msg
}

// Job is a named periodic task.
type Job struct {
	Name string
	Run  func(ctx context.Context)
}

// StartScheduler runs jobs on a cron schedule (standard five fields or
// descriptors such as "@every 5m") until ctx is cancelled. The returned
// channel closes when the scheduler goroutine exits.
func StartScheduler(ctx context.Context, schedule string, logger logrus.FieldLogger, jobs ...Job) (<-chan struct{}, error) {
	schedule = strings.TrimSpace(schedule)
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	log := logger.WithField("component", "scheduler")
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	log.WithField("jobs", strings.Join(names, ",")).Infof("scheduled (cron: %s)", schedule)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			now := time.Now()
			next := sched.Next(now)
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			for _, j := range jobs {
				j.Run(ctx)
			}
		}
	}()
	return done, nil
}
