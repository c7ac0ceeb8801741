package domain

type Status string

const (
	StatusPending           Status = "pending"
	StatusAnalyzing         Status = "analyzing"
	StatusTriaged           Status = "triaged"
	StatusSpam              Status = "spam"
	StatusMalicious         Status = "malicious"
	StatusNeedsManualReview Status = "needs_manual_review"
	StatusFixing            Status = "fixing"
	StatusFixedApplied      Status = "fixed_applied"
	StatusFixFailed         Status = "fix_failed"
	StatusPublished         Status = "published"
	StatusPublishFailed     Status = "publish_failed"
	StatusRolledBack        Status = "rolled_back"
)

var transitions = map[Status][]Status{
	StatusPending:       {StatusAnalyzing},
	StatusAnalyzing:     {StatusTriaged, StatusSpam, StatusMalicious, StatusNeedsManualReview},
	StatusTriaged:       {StatusNeedsManualReview, StatusFixing},
	StatusFixing:        {StatusFixedApplied, StatusFixFailed},
	StatusFixedApplied:  {StatusPublished, StatusPublishFailed, StatusRolledBack},
	StatusPublished:     {StatusRolledBack},
	StatusPublishFailed: {StatusRolledBack},
}

// CanTransition reports whether a report may move from one status to another.
// Only the edges above exist; in particular no status is ever skipped.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition exists from s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsRollbackable reports whether an operator restore may start from s.
func (s Status) IsRollbackable() bool {
	return CanTransition(s, StatusRolledBack)
}

func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	if _, ok := transitions[st]; ok {
		return st, true
	}
	switch st {
	case StatusSpam, StatusMalicious, StatusNeedsManualReview, StatusFixFailed, StatusRolledBack:
		return st, true
	}
	return "", false
}
