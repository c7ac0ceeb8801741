// Package sanitize turns raw submissions into text that is safe to store,
// render, and forward to an external model.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"healbot/internal/domain"
	apperrors "healbot/internal/errors"
)

const (
	RedactedPlaceholder = "[REDACTED]"
	BlockedPlaceholder  = "[BLOCKED]"
)

// submitterIDPattern bounds identities used as storage, rate-limit and alert keys.
var submitterIDPattern = regexp.MustCompile(`^[A-Za-z0-9._@:+-]{1,128}$`)

type Options struct {
	MinBugLength        int
	MinSuggestionLength int
	MaxLength           int
	MaxLogs             int
	MaxMetaLength       int
}

func DefaultOptions() Options {
	return Options{
		MinBugLength:        10,
		MinSuggestionLength: 20,
		MaxLength:           5000,
		MaxLogs:             50,
		MaxMetaLength:       512,
	}
}

type Sanitizer struct {
	opts Options
}

// New fills zero fields of opts from DefaultOptions.
func New(opts Options) *Sanitizer {
	def := DefaultOptions()
	if opts.MinBugLength <= 0 {
		opts.MinBugLength = def.MinBugLength
	}
	if opts.MinSuggestionLength <= 0 {
		opts.MinSuggestionLength = def.MinSuggestionLength
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = def.MaxLength
	}
	if opts.MaxLogs <= 0 {
		opts.MaxLogs = def.MaxLogs
	}
	if opts.MaxMetaLength <= 0 {
		opts.MaxMetaLength = def.MaxMetaLength
	}
	return &Sanitizer{opts: opts}
}

// Report validates raw and returns a sanitized copy. raw is not modified.
func (s *Sanitizer) Report(raw domain.Submission) (domain.Submission, error) {
	submitter := strings.TrimSpace(raw.SubmitterID)
	if submitter == "" {
		return domain.Submission{}, apperrors.Validationf("submitter id is required")
	}
	if !submitterIDPattern.MatchString(submitter) {
		return domain.Submission{}, apperrors.Validationf("submitter id must be 1-128 characters of letters, digits and . _ @ : + -")
	}

	var minLen int
	switch raw.Kind {
	case domain.KindBug:
		minLen = s.opts.MinBugLength
	case domain.KindSuggestion:
		minLen = s.opts.MinSuggestionLength
	default:
		return domain.Submission{}, apperrors.Validationf("unknown report kind %q", raw.Kind)
	}

	text := strings.TrimSpace(raw.Text)
	if utf8.RuneCountInString(text) < minLen {
		if raw.Kind == domain.KindSuggestion {
			return domain.Submission{}, apperrors.Validationf("suggestion must be at least %d characters", minLen)
		}
		return domain.Submission{}, apperrors.Validationf("description must be at least %d characters", minLen)
	}

	out := domain.Submission{
		Kind:           raw.Kind,
		SubmitterID:    submitter,
		SubmitterLabel: s.meta(raw.SubmitterLabel),
		Text:           Text(text, s.opts.MaxLength),
		SourceURL:      s.meta(raw.SourceURL),
		UserAgent:      s.meta(raw.UserAgent),
		SubmittedAt:    raw.SubmittedAt,
	}

	logs := raw.Logs
	if len(logs) > s.opts.MaxLogs {
		// most recent entries are the useful ones
		logs = logs[len(logs)-s.opts.MaxLogs:]
	}
	if len(logs) > 0 {
		out.Logs = make([]domain.LogEntry, 0, len(logs))
		for _, l := range logs {
			out.Logs = append(out.Logs, domain.LogEntry{
				Type:      s.meta(l.Type),
				Message:   Text(l.Message, s.opts.MaxLength),
				Timestamp: l.Timestamp,
			})
		}
	}
	return out, nil
}

func (s *Sanitizer) meta(v string) string {
	return Text(strings.TrimSpace(v), s.opts.MaxMetaLength)
}

// Text redacts secrets, truncates to maxRunes, blocks SQL control keywords,
// and escapes markup. maxRunes <= 0 disables truncation.
func Text(in string, maxRunes int) string {
	out := Redact(in)
	out = Truncate(out, maxRunes)
	out = BlockSQL(out)
	return Escape(out)
}

var secretPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`), "${1}" + RedactedPlaceholder},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=\-]+`), "Bearer " + RedactedPlaceholder},
	// token prefixes match even when glued to a preceding word, e.g. OPENAI_KEY_sk-...
	{regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`), RedactedPlaceholder},
	{regexp.MustCompile(`(?:pk|sk|rk)_(?:live|test)_[A-Za-z0-9]{8,}`), RedactedPlaceholder},
	{regexp.MustCompile(`(?:ghp|gho|ghs|ghu|ghr)_[A-Za-z0-9]{20,}`), RedactedPlaceholder},
	{regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`), RedactedPlaceholder},
	{regexp.MustCompile(`xox[abprs]-[A-Za-z0-9\-]{10,}`), RedactedPlaceholder},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), RedactedPlaceholder},
	// key=value, key: value and JSON "key": "value" pairs
	{regexp.MustCompile(`(?i)([A-Za-z0-9_]*(?:password|passwd|pwd|secret|token|api[_-]?key))(["']?\s*[=:]\s*)("[^"]*"|'[^']*'|[^\s&,;"'}]+)`), "${1}${2}" + RedactedPlaceholder},
}

// Redact replaces credential-shaped substrings with RedactedPlaceholder.
func Redact(in string) string {
	out := in
	for _, p := range secretPatterns {
		out = p.re.ReplaceAllString(out, p.repl)
	}
	return out
}

var sqlKeywords = regexp.MustCompile(`(?i)\b(?:DROP|DELETE|INSERT|UPDATE|CREATE|ALTER|EXEC|EXECUTE|TRUNCATE|UNION|GRANT)\b`)

func BlockSQL(in string) string {
	return sqlKeywords.ReplaceAllString(in, BlockedPlaceholder)
}

var markupEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
)

func Escape(in string) string {
	return markupEscaper.Replace(in)
}

// Truncate cuts in to at most maxRunes runes.
func Truncate(in string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(in) <= maxRunes {
		return in
	}
	runes := []rune(in)
	return string(runes[:maxRunes])
}
