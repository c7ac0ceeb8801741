package httpapi

import (
	"time"

	"healbot/internal/domain"
)

type reportView struct {
	ID             string               `json:"id"`
	Kind           domain.Kind          `json:"kind"`
	SubmitterID    string               `json:"submitterId"`
	SubmitterLabel string               `json:"submitterLabel,omitempty"`
	Description    string               `json:"description"`
	Logs           []domain.LogEntry    `json:"logs"`
	SourceURL      string               `json:"sourceUrl,omitempty"`
	UserAgent      string               `json:"userAgent,omitempty"`
	SubmittedAt    time.Time            `json:"submittedAt"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
	Status         domain.Status        `json:"status"`
	Priority       domain.Priority      `json:"priority,omitempty"`
	Category       string               `json:"category,omitempty"`
	AutoFixable    bool                 `json:"autoFixable"`
	Verdict        domain.Verdict       `json:"verdict,omitempty"`
	Analysis       *domain.Analysis     `json:"analysis,omitempty"`
	Proposals      []domain.FixProposal `json:"proposals"`
	PullRequestURL string               `json:"pullRequestUrl,omitempty"`
	LastError      string               `json:"lastError,omitempty"`
}

func newReportView(r domain.Report) reportView {
	v := reportView{
		ID:             r.ID,
		Kind:           r.Kind,
		SubmitterID:    r.SubmitterID,
		SubmitterLabel: r.SubmitterLabel,
		Description:    r.Description,
		Logs:           r.Logs,
		SourceURL:      r.SourceURL,
		UserAgent:      r.UserAgent,
		SubmittedAt:    r.SubmittedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Status:         r.Status,
		Priority:       r.Priority,
		Category:       r.Category,
		AutoFixable:    r.AutoFixable,
		Verdict:        r.Verdict,
		Analysis:       r.Analysis,
		Proposals:      r.Proposals,
		PullRequestURL: r.PullRequestURL,
		LastError:      r.LastError,
	}
	if v.Logs == nil {
		v.Logs = []domain.LogEntry{}
	}
	if v.Proposals == nil {
		v.Proposals = []domain.FixProposal{}
	}
	return v
}

type auditView struct {
	ID         int64         `json:"id"`
	Event      string        `json:"event"`
	FromStatus domain.Status `json:"fromStatus,omitempty"`
	ToStatus   domain.Status `json:"toStatus,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Actor      string        `json:"actor,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
}

func newAuditView(e domain.AuditEntry) auditView {
	return auditView{
		ID:         e.ID,
		Event:      e.Event,
		FromStatus: e.FromStatus,
		ToStatus:   e.ToStatus,
		Detail:     e.Detail,
		Actor:      e.Actor,
		CreatedAt:  e.CreatedAt,
	}
}

type patchView struct {
	ID             int64               `json:"id"`
	File           string              `json:"file"`
	BackupLocation string              `json:"backupLocation"`
	Outcome        domain.PatchOutcome `json:"outcome"`
	Error          string              `json:"error,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	AppliedAt      *time.Time          `json:"appliedAt,omitempty"`
	RolledBackAt   *time.Time          `json:"rolledBackAt,omitempty"`
}

func newPatchView(p domain.PatchRecord) patchView {
	v := patchView{
		ID:             p.ID,
		File:           p.File,
		BackupLocation: p.BackupLocation,
		Outcome:        p.Outcome,
		Error:          p.Error,
		CreatedAt:      p.CreatedAt,
	}
	if !p.AppliedAt.IsZero() {
		t := p.AppliedAt
		v.AppliedAt = &t
	}
	if !p.RolledBackAt.IsZero() {
		t := p.RolledBackAt
		v.RolledBackAt = &t
	}
	return v
}
