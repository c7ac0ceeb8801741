// Package pipeline drives each report through the triage, arbitration,
// patch and publish stages.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"healbot/internal/arbiter"
	"healbot/internal/domain"
	apperrors "healbot/internal/errors"
	"healbot/internal/integrations/github"
	"healbot/internal/storage/sqlite"
	"healbot/internal/triage"
)

const actorPipeline = "pipeline"

type Store interface {
	GetReport(ctx context.Context, id string) (domain.Report, error)
	TransitionStatus(ctx context.Context, t sqlite.Transition) error
	ListStaleReports(ctx context.Context, statuses []domain.Status, cutoff time.Time, limit int) ([]domain.Report, error)
	ListPatchRecords(ctx context.Context, reportID string) ([]domain.PatchRecord, error)
	FailPendingPatchRecords(ctx context.Context, reportID, reason string) (int64, error)
}

type Auditor interface {
	Record(ctx context.Context, e domain.AuditEntry) error
	Event(ctx context.Context, reportID, event, actor, detail string) error
}

type Classifier interface {
	Classify(ctx context.Context, r domain.Report) triage.Result
	Provider() string
	Model() string
}

type Arbiter interface {
	Decide(ctx context.Context, r domain.Report) arbiter.Decision
	Model() string
}

type Patcher interface {
	Apply(ctx context.Context, reportID string, proposals []domain.FixProposal) ([]domain.PatchRecord, error)
	Restore(ctx context.Context, rec domain.PatchRecord) (domain.PatchRecord, error)
}

type Publisher interface {
	Publish(ctx context.Context, req github.Request) (github.Result, error)
}

type Alerter interface {
	AlertMalicious(ctx context.Context, r domain.Report) error
}

// Deps wires the pipeline. Publisher and Alerter may be nil.
type Deps struct {
	Store          Store
	Audit          Auditor
	Classifier     Classifier
	Arbiter        Arbiter
	Patcher        Patcher
	Publisher      Publisher
	Alerter        Alerter
	PublishTimeout time.Duration
	Logger         logrus.FieldLogger
}

type Pipeline struct {
	store          Store
	audit          Auditor
	classifier     Classifier
	arbiter        Arbiter
	patcher        Patcher
	publisher      Publisher
	alerter        Alerter
	publishTimeout time.Duration
	logger         logrus.FieldLogger
	now            func() time.Time
}

func New(d Deps) *Pipeline {
	timeout := d.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Pipeline{
		store:          d.Store,
		audit:          d.Audit,
		classifier:     d.Classifier,
		arbiter:        d.Arbiter,
		patcher:        d.Patcher,
		publisher:      d.Publisher,
		alerter:        d.Alerter,
		publishTimeout: timeout,
		logger:         d.Logger.WithField("component", "pipeline"),
		now:            time.Now,
	}
}

// Process advances a report from its current status until it reaches a
// status that needs no further automatic work. Losing a compare-and-set race
// to another worker ends processing without error.
func (p *Pipeline) Process(ctx context.Context, reportID string) error {
	r, err := p.store.GetReport(ctx, reportID)
	if err != nil {
		return err
	}
	log := p.logger.WithField("report", r.ID)
	enteredFixing := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var next domain.Report
		switch r.Status {
		case domain.StatusPending:
			next, err = p.transition(ctx, r, domain.StatusAnalyzing, "", sqlite.ReportUpdate{})
		case domain.StatusAnalyzing:
			next, err = p.classify(ctx, r)
		case domain.StatusTriaged:
			next, err = p.arbitrate(ctx, r)
			enteredFixing = err == nil && next.Status == domain.StatusFixing
		case domain.StatusFixing:
			if !enteredFixing {
				// an interrupted apply is settled by the recovery sweep
				log.Debug("report already fixing, leaving it to recovery")
				return nil
			}
			next, err = p.applyFix(ctx, r)
		case domain.StatusFixedApplied:
			next, err = p.publish(ctx, r)
		default:
			log.WithField("status", r.Status).Debug("nothing to do")
			return nil
		}
		if err != nil {
			if apperrors.Is(err, apperrors.TypeInvalidTransition) {
				log.WithError(err).Info("report advanced by another worker")
				return nil
			}
			return err
		}
		if next.Status == r.Status {
			return nil
		}
		r = next
	}
}

// transition performs a compare-and-set from r.Status to "to" and returns the
// report as it now stands.
func (p *Pipeline) transition(ctx context.Context, r domain.Report, to domain.Status, detail string, u sqlite.ReportUpdate) (domain.Report, error) {
	return p.transitionAs(ctx, r, to, actorPipeline, detail, u)
}

func (p *Pipeline) transitionAs(ctx context.Context, r domain.Report, to domain.Status, actor, detail string, u sqlite.ReportUpdate) (domain.Report, error) {
	at := p.now()
	err := p.store.TransitionStatus(ctx, sqlite.Transition{
		ReportID: r.ID,
		From:     r.Status,
		To:       to,
		Actor:    actor,
		Detail:   detail,
		At:       at,
		Update:   u,
	})
	if err != nil {
		return r, err
	}
	p.logger.WithFields(logrus.Fields{
		"report": r.ID,
		"from":   r.Status,
		"to":     to,
	}).Info("status changed")

	r.Status = to
	r.UpdatedAt = at
	if u.Verdict != nil && r.Verdict == domain.VerdictNone {
		r.Verdict = *u.Verdict
	}
	if u.Priority != nil {
		r.Priority = *u.Priority
	}
	if u.Category != nil {
		r.Category = *u.Category
	}
	if u.AutoFixable != nil {
		r.AutoFixable = *u.AutoFixable
	}
	if u.Analysis != nil {
		r.Analysis = u.Analysis
	}
	if u.Proposals != nil {
		r.Proposals = u.Proposals
	}
	if u.PullRequestURL != nil {
		r.PullRequestURL = *u.PullRequestURL
	}
	if u.LastError != nil {
		r.LastError = *u.LastError
	}
	return r, nil
}

func (p *Pipeline) classify(ctx context.Context, r domain.Report) (domain.Report, error) {
	res := p.classifier.Classify(ctx, r)

	outcome := string(res.Verdict)
	if res.Outcome == triage.OutcomeNeedsReview {
		outcome = "needs_review"
	}
	p.event(ctx, r.ID, domain.EventClassifierCall, fmt.Sprintf("provider=%s model=%s outcome=%s tokens=%d",
		p.classifier.Provider(), p.classifier.Model(), outcome, res.Usage.TotalTokens()))

	analysis := copyAnalysis(r.Analysis)
	analysis.ClassifierProvider = p.classifier.Provider()
	analysis.ClassifierModel = p.classifier.Model()
	analysis.ClassifierReason = res.Reasoning
	analysis.SuggestedFix = res.SuggestedFix
	analysis.ClassifiedAt = p.now().UTC()

	if res.Outcome == triage.OutcomeNeedsReview {
		msg := errorText(res.Err)
		analysis.ClassifierReason = msg
		return p.transition(ctx, r, domain.StatusNeedsManualReview, "classification failed: "+msg, sqlite.ReportUpdate{
			Analysis:  analysis,
			LastError: &msg,
		})
	}

	u := sqlite.ReportUpdate{
		Verdict:     &res.Verdict,
		Priority:    &res.Priority,
		Category:    &res.Category,
		AutoFixable: &res.AutoFixable,
		Analysis:    analysis,
	}
	switch res.Verdict {
	case domain.VerdictSpam:
		return p.transition(ctx, r, domain.StatusSpam, "classified as spam", u)
	case domain.VerdictMalicious:
		next, err := p.transition(ctx, r, domain.StatusMalicious, "classified as malicious", u)
		if err != nil {
			return next, err
		}
		p.alertMalicious(ctx, next)
		return next, nil
	default:
		return p.transition(ctx, r, domain.StatusTriaged, "classified as legitimate", u)
	}
}

// alertMalicious runs once, only by the worker that won the transition.
func (p *Pipeline) alertMalicious(ctx context.Context, r domain.Report) {
	log := p.logger.WithFields(logrus.Fields{"report": r.ID, "submitter": r.SubmitterID})
	log.Warn("malicious report")
	if p.alerter == nil {
		p.event(ctx, r.ID, domain.EventAlertFailed, "no alert channel configured")
		return
	}
	if err := p.alerter.AlertMalicious(ctx, r); err != nil {
		log.WithError(err).Error("malicious alert failed")
		p.event(ctx, r.ID, domain.EventAlertFailed, err.Error())
		return
	}
	p.event(ctx, r.ID, domain.EventMaliciousAlert, "operators alerted")
}

func (p *Pipeline) arbitrate(ctx context.Context, r domain.Report) (domain.Report, error) {
	if !r.AutoFixable {
		return p.transition(ctx, r, domain.StatusNeedsManualReview, "not auto-fixable", sqlite.ReportUpdate{})
	}

	d := p.arbiter.Decide(ctx, r)
	p.event(ctx, r.ID, domain.EventArbiterCall, fmt.Sprintf("model=%s decision=%s fixes=%d tokens=%d",
		p.arbiter.Model(), d.Outcome, len(d.Proposals), d.Usage.TotalTokens()))

	analysis := copyAnalysis(r.Analysis)
	analysis.ArbiterModel = p.arbiter.Model()
	analysis.ArbiterDecision = string(d.Outcome)
	analysis.ArbiterReason = d.Reasoning
	analysis.DecidedAt = p.now().UTC()

	if d.Violation != nil {
		p.event(ctx, r.ID, domain.EventDenyListViolation, d.Violation.Error())
	}
	if d.Outcome != arbiter.OutcomeImplement {
		u := sqlite.ReportUpdate{Analysis: analysis}
		detail := "arbiter rejected"
		if d.Err != nil {
			msg := d.Err.Error()
			u.LastError = &msg
			detail += ": " + msg
		}
		return p.transition(ctx, r, domain.StatusNeedsManualReview, detail, u)
	}

	return p.transition(ctx, r, domain.StatusFixing, fmt.Sprintf("arbiter approved %d fix(es)", len(d.Proposals)), sqlite.ReportUpdate{
		Analysis:  analysis,
		Proposals: d.Proposals,
	})
}

func (p *Pipeline) applyFix(ctx context.Context, r domain.Report) (domain.Report, error) {
	records, err := p.patcher.Apply(ctx, r.ID, r.Proposals)
	for _, rec := range records {
		p.event(ctx, r.ID, domain.EventPatchBackup, fmt.Sprintf("file=%s backup=%s", rec.File, rec.BackupLocation))
		switch rec.Outcome {
		case domain.PatchApplied:
			p.event(ctx, r.ID, domain.EventPatchApplied, "file="+rec.File)
		case domain.PatchFailed:
			p.event(ctx, r.ID, domain.EventPatchFailed, fmt.Sprintf("file=%s error=%s", rec.File, rec.Error))
		case domain.PatchRolledBack:
			p.event(ctx, r.ID, domain.EventPatchRolledBack, "file="+rec.File+" batch failed")
		}
	}
	if err != nil {
		if apperrors.Is(err, apperrors.TypeDenyList) {
			p.event(ctx, r.ID, domain.EventDenyListViolation, err.Error())
		}
		msg := err.Error()
		// keep going with a fresh context so a cancelled worker still records the failure
		return p.transition(context.WithoutCancel(ctx), r, domain.StatusFixFailed, "patch failed: "+msg, sqlite.ReportUpdate{LastError: &msg})
	}
	return p.transition(ctx, r, domain.StatusFixedApplied, fmt.Sprintf("%d file(s) patched", len(records)), sqlite.ReportUpdate{})
}

func (p *Pipeline) publish(ctx context.Context, r domain.Report) (domain.Report, error) {
	if p.publisher == nil {
		p.event(ctx, r.ID, domain.EventPublishSkipped, "publisher not configured")
		return r, nil
	}
	records, err := p.store.ListPatchRecords(ctx, r.ID)
	if err != nil {
		return r, err
	}
	var applied []domain.PatchRecord
	for _, rec := range records {
		if rec.Outcome == domain.PatchApplied {
			applied = append(applied, rec)
		}
	}

	pctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	res, err := p.publisher.Publish(pctx, github.Request{Report: r, Proposals: r.Proposals, Records: applied})
	if err != nil {
		msg := err.Error()
		p.event(ctx, r.ID, domain.EventPublishCall, "failed: "+msg)
		return p.transition(ctx, r, domain.StatusPublishFailed, "publish failed", sqlite.ReportUpdate{LastError: &msg})
	}
	p.event(ctx, r.ID, domain.EventPublishCall, fmt.Sprintf("branch=%s pr=%s", res.Branch, res.PullRequestURL))
	return p.transition(ctx, r, domain.StatusPublished, "pull request opened", sqlite.ReportUpdate{PullRequestURL: &res.PullRequestURL})
}

func (p *Pipeline) event(ctx context.Context, reportID, event, detail string) {
	if err := p.audit.Event(context.WithoutCancel(ctx), reportID, event, actorPipeline, detail); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{"report": reportID, "event": event}).Error("audit event lost")
	}
}

func copyAnalysis(a *domain.Analysis) *domain.Analysis {
	if a == nil {
		return &domain.Analysis{}
	}
	c := *a
	return &c
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return strings.TrimSpace(err.Error())
}
