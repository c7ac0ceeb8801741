package arbiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healbot/internal/domain"
	apperrors "healbot/internal/errors"
	"healbot/internal/integrations/llm"
	"healbot/internal/logging"
	"healbot/internal/policy"
)

func denyList() *policy.DenyList {
	return policy.NewDenyList([]string{".env", "auth", "payment", "*.pem"}, []string{"auth", "payment", "security"})
}

func triaged(kind domain.Kind) domain.Report {
	return domain.Report{
		ID:          "r1",
		Kind:        kind,
		Status:      domain.StatusTriaged,
		AutoFixable: true,
		Category:    "ui",
		Priority:    domain.PriorityLow,
		Description: "button label reads Sumbit",
	}
}

func fixed(text string) (llm.CompleterFunc, *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context, s, u string) (string, llm.Usage, error) {
		calls.Add(1)
		return text, llm.Usage{InputTokens: 1}, nil
	}, &calls
}

func fixJSON(files ...string) string {
	var fixes []string
	for _, f := range files {
		fixes = append(fixes, fmt.Sprintf(`{"file":%q,"searchFor":"Sumbit","replaceWith":"Submit","explanation":"typo"}`, f))
	}
	return fmt.Sprintf(`{"decision":"implement","reasoning":"safe typo fix","fixes":[%s]}`, strings.Join(fixes, ","))
}

func TestDecideImplement(t *testing.T) {
	c, _ := fixed(fixJSON("src/components/Form.jsx"))
	a := New(c, denyList(), Options{}, logging.Discard())

	d := a.Decide(context.Background(), triaged(domain.KindBug))
	require.NoError(t, d.Err)
	assert.Equal(t, OutcomeImplement, d.Outcome)
	require.Len(t, d.Proposals, 1)
	assert.Equal(t, "src/components/Form.jsx", d.Proposals[0].File)
	assert.Nil(t, d.Violation)
}

func TestDecideDenyListedPathDowngraded(t *testing.T) {
	c, _ := fixed(fixJSON("src/auth/login.js"))
	a := New(c, denyList(), Options{}, logging.Discard())

	d := a.Decide(context.Background(), triaged(domain.KindBug))
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.Empty(t, d.Proposals)
	require.Error(t, d.Violation)
	assert.True(t, apperrors.Is(d.Violation, apperrors.TypeDenyList))
}

func TestDecideDenyListedCategorySkipsCall(t *testing.T) {
	c, calls := fixed(fixJSON("src/a.js"))
	a := New(c, denyList(), Options{}, logging.Discard())

	r := triaged(domain.KindBug)
	r.Category = "payment"
	d := a.Decide(context.Background(), r)
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.True(t, apperrors.Is(d.Violation, apperrors.TypeDenyList))
	assert.Equal(t, int32(0), calls.Load())
}

func TestDecideIneligibleReport(t *testing.T) {
	c, calls := fixed(fixJSON("src/a.js"))
	a := New(c, denyList(), Options{}, logging.Discard())

	r := triaged(domain.KindBug)
	r.AutoFixable = false
	d := a.Decide(context.Background(), r)
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.Error(t, d.Err)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDecideFailuresReject(t *testing.T) {
	transport := llm.CompleterFunc(func(ctx context.Context, s, u string) (string, llm.Usage, error) {
		return "", llm.Usage{}, errors.New("503")
	})
	d := New(transport, denyList(), Options{}, logging.Discard()).Decide(context.Background(), triaged(domain.KindBug))
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.True(t, apperrors.Is(d.Err, apperrors.TypeArbitration))

	slow := llm.CompleterFunc(func(ctx context.Context, s, u string) (string, llm.Usage, error) {
		<-ctx.Done()
		return "", llm.Usage{}, ctx.Err()
	})
	d = New(slow, denyList(), Options{Timeout: 20 * time.Millisecond}, logging.Discard()).Decide(context.Background(), triaged(domain.KindBug))
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.ErrorIs(t, d.Err, context.DeadlineExceeded)

	garbage, _ := fixed("sure, I'll fix it")
	d = New(garbage, denyList(), Options{}, logging.Discard()).Decide(context.Background(), triaged(domain.KindBug))
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.True(t, apperrors.Is(d.Err, apperrors.TypeArbitration))
}

func TestParseResponseSchema(t *testing.T) {
	bad := map[string]struct {
		text string
		kind domain.Kind
	}{
		"two fixes for bug":    {fixJSON("a.js", "b.js"), domain.KindBug},
		"zero fixes":           {`{"decision":"implement","reasoning":"x","fixes":[]}`, domain.KindSuggestion},
		"too many suggestions": {fixJSON("a", "b", "c", "d", "e", "f"), domain.KindSuggestion},
		"absolute path":        {fixJSON("/etc/passwd"), domain.KindBug},
		"traversal":            {fixJSON("../x.js"), domain.KindBug},
		"unknown decision":     {`{"decision":"maybe","reasoning":"x","fixes":[]}`, domain.KindBug},
		"unknown field":        {`{"decision":"reject","reasoning":"x","fixes":[],"confidence":1}`, domain.KindBug},
		"empty reasoning":      {`{"decision":"reject","reasoning":"","fixes":[]}`, domain.KindBug},
		"noop fix":             {`{"decision":"implement","reasoning":"x","fixes":[{"file":"a.js","searchFor":"a","replaceWith":"a","explanation":"e"}]}`, domain.KindBug},
		"empty search":         {`{"decision":"implement","reasoning":"x","fixes":[{"file":"a.js","searchFor":"","replaceWith":"a","explanation":"e"}]}`, domain.KindBug},
		"no explanation":       {`{"decision":"implement","reasoning":"x","fixes":[{"file":"a.js","searchFor":"a","replaceWith":"b","explanation":" "}]}`, domain.KindBug},
		"huge field":           {fmt.Sprintf(`{"decision":"implement","reasoning":"x","fixes":[{"file":"a.js","searchFor":%q,"replaceWith":"b","explanation":"e"}]}`, strings.Repeat("s", 70*1024)), domain.KindBug},
	}
	for name, tc := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ParseResponse(tc.text, tc.kind, 5)
			assert.True(t, apperrors.Is(err, apperrors.TypeArbitration), "err: %v", err)
		})
	}

	d, err := ParseResponse(fixJSON("a.js", "./src/b.js"), domain.KindSuggestion, 5)
	require.NoError(t, err)
	assert.Equal(t, "src/b.js", d.Proposals[1].File)

	d, err = ParseResponse(`{"decision":"reject","reasoning":"too vague"}`, domain.KindSuggestion, 5)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReject, d.Outcome)
}

func TestPromptMentionsDenyPatterns(t *testing.T) {
	var seen string
	c := llm.CompleterFunc(func(ctx context.Context, s, u string) (string, llm.Usage, error) {
		seen = u
		return `{"decision":"reject","reasoning":"no"}`, llm.Usage{}, nil
	})
	New(c, denyList(), Options{MaxSuggestionFiles: 3}, logging.Discard()).Decide(context.Background(), triaged(domain.KindSuggestion))
	assert.Contains(t, seen, ".env")
	assert.Contains(t, seen, "between 1 and 3 fixes")
	assert.Contains(t, seen, "<report>")
}

func TestPromptCarriesTriageSuggestion(t *testing.T) {
	var seen string
	c := llm.CompleterFunc(func(ctx context.Context, s, u string) (string, llm.Usage, error) {
		seen = u
		return `{"decision":"reject","reasoning":"no"}`, llm.Usage{}, nil
	})
	r := triaged(domain.KindBug)
	r.Analysis = &domain.Analysis{ClassifierReason: "typo", SuggestedFix: "change the button label to Submit"}
	New(c, denyList(), Options{MaxSuggestionFiles: 3}, logging.Discard()).Decide(context.Background(), r)

	start, end := strings.Index(seen, "<report>"), strings.Index(seen, "</report>")
	require.True(t, start >= 0 && end > start)
	assert.Contains(t, seen[start:end], "triage suggestion: change the button label to Submit")
}
