package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healbot/internal/domain"
	apperrors "healbot/internal/errors"
	"healbot/internal/integrations/llm"
	"healbot/internal/logging"
)

func reply(text string) llm.CompleterFunc {
	return func(ctx context.Context, systemPrompt, userPrompt string) (string, llm.Usage, error) {
		return text, llm.Usage{InputTokens: 10, OutputTokens: 5}, nil
	}
}

func sampleReport() domain.Report {
	return domain.Report{ID: "r1", Kind: domain.KindBug, Description: "the save button is misspelled as sav"}
}

func TestClassifyVerdictClasses(t *testing.T) {
	for _, v := range []string{"legitimate", "spam", "malicious"} {
		t.Run(v, func(t *testing.T) {
			c := New(reply(fmt.Sprintf(`{"verdict":%q,"priority":"low","category":"UI","autoFixable":false,"reasoning":"ok"}`, v)), time.Second, logging.Discard())
			res := c.Classify(context.Background(), sampleReport())
			require.NoError(t, res.Err)
			assert.Equal(t, OutcomeVerdict, res.Outcome)
			assert.Equal(t, domain.Verdict(v), res.Verdict)
			assert.Equal(t, "ui", res.Category)
		})
	}
}

func TestClassifyAcceptsFencedReply(t *testing.T) {
	c := New(reply("```json\n{\"verdict\":\"legitimate\",\"priority\":\"high\",\"category\":\"ui\",\"autoFixable\":true,\"reasoning\":\"typo\"}\n```"), time.Second, logging.Discard())
	res := c.Classify(context.Background(), sampleReport())
	require.NoError(t, res.Err)
	assert.True(t, res.AutoFixable)
	assert.Equal(t, domain.PriorityHigh, res.Priority)
	assert.Equal(t, int64(15), res.Usage.TotalTokens())
}

func TestClassifyFailsClosed(t *testing.T) {
	cases := map[string]string{
		"not json":           "I think this is legitimate",
		"unknown field":      `{"verdict":"legitimate","priority":"low","category":"ui","autoFixable":true,"reasoning":"x","extra":1}`,
		"bad verdict":        `{"verdict":"probably","priority":"low","category":"ui","autoFixable":true,"reasoning":"x"}`,
		"bad priority":       `{"verdict":"legitimate","priority":"urgent","category":"ui","autoFixable":true,"reasoning":"x"}`,
		"missing fixable":    `{"verdict":"legitimate","priority":"low","category":"ui","reasoning":"x"}`,
		"empty reasoning":    `{"verdict":"legitimate","priority":"low","category":"ui","autoFixable":true,"reasoning":"  "}`,
		"bad category":       `{"verdict":"legitimate","priority":"low","category":"ui; rm -rf","autoFixable":true,"reasoning":"x"}`,
		"two objects":        `{"verdict":"legitimate","priority":"low","category":"ui","autoFixable":true,"reasoning":"x"} {}`,
		"wrong fixable type": `{"verdict":"legitimate","priority":"low","category":"ui","autoFixable":"yes","reasoning":"x"}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			res := New(reply(text), time.Second, logging.Discard()).Classify(context.Background(), sampleReport())
			assert.Equal(t, OutcomeNeedsReview, res.Outcome)
			assert.True(t, apperrors.Is(res.Err, apperrors.TypeClassification), "err: %v", res.Err)
			assert.Equal(t, domain.VerdictNone, res.Verdict)
		})
	}
}

func TestClassifyTransportErrorAndTimeout(t *testing.T) {
	failing := llm.CompleterFunc(func(ctx context.Context, s, u string) (string, llm.Usage, error) {
		return "", llm.Usage{}, errors.New("connection refused")
	})
	res := New(failing, time.Second, logging.Discard()).Classify(context.Background(), sampleReport())
	assert.Equal(t, OutcomeNeedsReview, res.Outcome)
	assert.True(t, apperrors.Is(res.Err, apperrors.TypeClassification))

	slow := llm.CompleterFunc(func(ctx context.Context, s, u string) (string, llm.Usage, error) {
		<-ctx.Done()
		return "", llm.Usage{}, ctx.Err()
	})
	res = New(slow, 20*time.Millisecond, logging.Discard()).Classify(context.Background(), sampleReport())
	assert.Equal(t, OutcomeNeedsReview, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestBuildPromptsBounded(t *testing.T) {
	r := sampleReport()
	r.Description = strings.Repeat("d", 9000)
	r.SourceURL = strings.Repeat("u", 1000)
	for i := 0; i < 30; i++ {
		r.Logs = append(r.Logs, domain.LogEntry{Type: "error", Message: fmt.Sprintf("log-%02d %s", i, strings.Repeat("m", 500))})
	}

	system, user := BuildPrompts(r)
	assert.Contains(t, system, "untrusted data")
	assert.True(t, strings.HasPrefix(user, "Classify the report below.\n\n<report>\n"))
	assert.True(t, strings.HasSuffix(user, "</report>\n"))
	assert.Equal(t, 1, strings.Count(user, "</report>"))
	assert.Contains(t, user, strings.Repeat("d", 4000))
	assert.NotContains(t, user, strings.Repeat("d", 4001))
	assert.NotContains(t, user, "log-09")
	assert.Contains(t, user, "log-10")
	assert.NotContains(t, user, strings.Repeat("m", 300))
	assert.NotContains(t, user, strings.Repeat("u", 257))
}

func TestParseResponseTruncatesReasoning(t *testing.T) {
	res, err := ParseResponse(fmt.Sprintf(`{"verdict":"spam","priority":"none","category":"other","autoFixable":false,"reasoning":%q}`, strings.Repeat("r", 3000)))
	require.NoError(t, err)
	assert.Len(t, res.Reasoning, 2000)
}

func TestClassifyReturnsSuggestedFix(t *testing.T) {
	var system string
	c := New(llm.CompleterFunc(func(_ context.Context, s, _ string) (string, llm.Usage, error) {
		system = s
		return `{"verdict":"legitimate","priority":"low","category":"ui","autoFixable":true,"reasoning":"typo","suggestedFix":" rename Sav to Save "}`, llm.Usage{}, nil
	}), time.Second, logging.Discard())

	res := c.Classify(context.Background(), sampleReport())
	require.NoError(t, res.Err)
	assert.Equal(t, "rename Sav to Save", res.SuggestedFix)
	assert.Contains(t, system, "suggestedFix")
}
