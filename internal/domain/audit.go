package domain

import "time"

// Audit event names.
const (
	EventSubmitted           = "submitted"
	EventTransition          = "transition"
	EventClassifierCall      = "classifier_call"
	EventArbiterCall         = "arbiter_call"
	EventDenyListViolation   = "deny_list_violation"
	EventMaliciousAlert      = "malicious_alert"
	EventAlertFailed         = "alert_failed"
	EventPatchBackup         = "patch_backup"
	EventPatchApplied        = "patch_applied"
	EventPatchFailed         = "patch_failed"
	EventPatchRolledBack     = "patch_rolled_back"
	EventPublishCall         = "publish_call"
	EventPublishSkipped      = "publish_skipped"
	EventRecoveryRequeue     = "recovery_requeue"
	EventRecoveryInterrupted = "recovery_interrupted"
)

// AuditEntry is one append-only row of the forensic trail.
type AuditEntry struct {
	ID         int64
	ReportID   string
	Event      string
	FromStatus Status
	ToStatus   Status
	Detail     string
	Actor      string
	CreatedAt  time.Time
}
