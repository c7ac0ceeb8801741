package domain

import "time"

// FixProposal is a file-scoped literal substitution proposed by the arbiter.
// It is passed by value and never edited after it is produced.
type FixProposal struct {
	File        string `json:"file"`
	SearchFor   string `json:"searchFor"`
	ReplaceWith string `json:"replaceWith"`
	Explanation string `json:"explanation"`
}

type PatchOutcome string

const (
	// PatchPending means the backup exists and the mutation is in flight.
	PatchPending    PatchOutcome = "pending"
	PatchApplied    PatchOutcome = "applied"
	PatchFailed     PatchOutcome = "failed"
	PatchRolledBack PatchOutcome = "rolled_back"
)

type PatchRecord struct {
	ID             int64
	ReportID       string
	File           string
	BackupLocation string
	Outcome        PatchOutcome
	Error          string
	CreatedAt      time.Time
	AppliedAt      time.Time
	RolledBackAt   time.Time
}
