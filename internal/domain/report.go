package domain

import "time"

type Kind string

const (
	KindBug        Kind = "bug"
	KindSuggestion Kind = "suggestion"
)

type LogEntry struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the unit of work tracked through the pipeline. All free-text
// fields hold sanitized text only.
type Report struct {
	ID             string
	Kind           Kind
	SubmitterID    string
	SubmitterLabel string
	Description    string
	Logs           []LogEntry
	SourceURL      string
	UserAgent      string
	SubmittedAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Status      Status
	Priority    Priority
	Category    string
	AutoFixable bool
	Verdict     Verdict // set once by the classifier
	Analysis    *Analysis
	Proposals   []FixProposal

	PullRequestURL string
	LastError      string
}

// Submission is a raw or sanitized intake payload, before a Report exists.
type Submission struct {
	Kind           Kind
	SubmitterID    string
	SubmitterLabel string
	Text           string
	Logs           []LogEntry
	SourceURL      string
	UserAgent      string
	SubmittedAt    time.Time
}
