package github

import (
	"fmt"
	"strings"

	"healbot/internal/domain"
)

func pullRequestTitle(r domain.Report) string {
	label := "Fix"
	if r.Kind == domain.KindSuggestion {
		label = "Implement suggestion"
	}
	return fmt.Sprintf("[autofix] %s for report %s", label, shortID(r.ID))
}

// PullRequestBody renders the report, both reasoning steps, the touched
// files and revert guidance.
func PullRequestBody(req Request) string {
	r := req.Report
	var b strings.Builder

	b.WriteString("## Report\n\n")
	fmt.Fprintf(&b, "- **ID:** `%s`\n", r.ID)
	fmt.Fprintf(&b, "- **Kind:** %s\n", r.Kind)
	fmt.Fprintf(&b, "- **Priority:** %s\n", orNone(string(r.Priority)))
	fmt.Fprintf(&b, "- **Category:** %s\n", orNone(r.Category))

	b.WriteString("\n## Evaluation\n\n")
	if r.Analysis != nil {
		fmt.Fprintf(&b, "**Classifier** (%s): %s\n\n", orNone(r.Analysis.ClassifierModel), orNone(r.Analysis.ClassifierReason))
		fmt.Fprintf(&b, "**Arbiter** (%s): %s\n", orNone(r.Analysis.ArbiterModel), orNone(r.Analysis.ArbiterReason))
	} else {
		b.WriteString("_no analysis recorded_\n")
	}

	b.WriteString("\n## Changes\n\n")
	for _, p := range req.Proposals {
		fmt.Fprintf(&b, "- `%s`: %s\n", p.File, p.Explanation)
	}

	b.WriteString("\n## Reverting\n\n")
	fmt.Fprintf(&b, "Close this pull request to discard the change. The patch is already applied on the running host; run `healbot rollback %s` to restore the files from their backups.\n", r.ID)
	if len(req.Records) > 0 {
		b.WriteString("\nBackups:\n")
		for _, rec := range req.Records {
			fmt.Fprintf(&b, "- `%s` -> `%s`\n", rec.File, rec.BackupLocation)
		}
	}
	return b.String()
}

func shortID(id string) string {
	return strings.TrimPrefix(BranchName(id), branchPrefix)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "n/a"
	}
	return s
}
