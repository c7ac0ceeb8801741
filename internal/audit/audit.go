// Package audit records the forensic trail of every report.
package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"healbot/internal/domain"
)

// Store persists audit entries. Implementations must not offer update or delete.
type Store interface {
	AppendAudit(ctx context.Context, e domain.AuditEntry) (int64, error)
}

// Mirror receives a copy of every persisted entry.
type Mirror interface {
	Append(ctx context.Context, e domain.AuditEntry) error
}

// TransitionNotifier is implemented by stores that write status transition
// entries inside their own transaction rather than through Record.
type TransitionNotifier interface {
	NotifyTransitions(fn func(ctx context.Context, e domain.AuditEntry))
}

type Recorder struct {
	store  Store
	mirror Mirror
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewRecorder builds a Recorder. When store is a TransitionNotifier the
// recorder subscribes to it, so committed transitions reach the mirror too.
func NewRecorder(store Store, mirror Mirror, logger logrus.FieldLogger) *Recorder {
	r := &Recorder{
		store:  store,
		mirror: mirror,
		logger: logger.WithField("component", "audit"),
		now:    time.Now,
	}
	if n, ok := store.(TransitionNotifier); ok {
		n.NotifyTransitions(r.committed)
	}
	return r
}

// Record persists e, stamping CreatedAt when unset. A mirror failure is
// logged and does not fail the call.
func (r *Recorder) Record(ctx context.Context, e domain.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	id, err := r.store.AppendAudit(ctx, e)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"report": e.ReportID,
			"event":  e.Event,
		}).Error("audit write failed")
		return err
	}
	e.ID = id
	r.committed(ctx, e)
	return nil
}

// committed logs and mirrors an entry that is already persisted.
func (r *Recorder) committed(ctx context.Context, e domain.AuditEntry) {
	fields := logrus.Fields{"report": e.ReportID, "event": e.Event}
	if e.Actor != "" {
		fields["actor"] = e.Actor
	}
	if e.ToStatus != "" {
		fields["to"] = e.ToStatus
	}
	r.logger.WithFields(fields).Debug(e.Detail)

	if r.mirror != nil {
		if err := r.mirror.Append(ctx, e); err != nil {
			r.logger.WithError(err).Warn("audit mirror append failed")
		}
	}
}

// Event is shorthand for an entry without a status change.
func (r *Recorder) Event(ctx context.Context, reportID, event, actor, detail string) error {
	return r.Record(ctx, domain.AuditEntry{
		ReportID: reportID,
		Event:    event,
		Actor:    actor,
		Detail:   detail,
	})
}
