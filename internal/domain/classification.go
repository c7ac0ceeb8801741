package domain

import "time"

// Analysis is the reasoning chain attached to a report: what the classifier
// concluded and, if it ran, what the arbiter decided.
type Analysis struct {
	ClassifierProvider string    `json:"classifier_provider,omitempty"`
	ClassifierModel    string    `json:"classifier_model,omitempty"`
	ClassifierReason   string    `json:"classifier_reasoning,omitempty"`
	SuggestedFix       string    `json:"suggested_fix,omitempty"`
	ClassifiedAt       time.Time `json:"classified_at,omitempty"`

	ArbiterModel    string    `json:"arbiter_model,omitempty"`
	ArbiterDecision string    `json:"arbiter_decision,omitempty"`
	ArbiterReason   string    `json:"arbiter_reasoning,omitempty"`
	DecidedAt       time.Time `json:"decided_at,omitempty"`
}

type Verdict string

const (
	VerdictNone       Verdict = ""
	VerdictLegitimate Verdict = "legitimate"
	VerdictSpam       Verdict = "spam"
	VerdictMalicious  Verdict = "malicious"
)

func ParseVerdict(s string) (Verdict, bool) {
	switch Verdict(s) {
	case VerdictLegitimate, VerdictSpam, VerdictMalicious:
		return Verdict(s), true
	}
	return VerdictNone, false
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityNone     Priority = "none"
)

func ParsePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityNone:
		return Priority(s), true
	}
	return "", false
}
