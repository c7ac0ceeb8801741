package slackbot

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healbot/internal/domain"
	apperrors "healbot/internal/errors"
	"healbot/internal/logging"
)

type fakeSlack struct {
	mu        sync.Mutex
	posts     []map[string]string
	userLists int
	fail      bool
}

func (f *fakeSlack) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fail {
			fmt.Fprint(w, `{"ok":false,"error":"channel_not_found"}`)
			return
		}
		f.posts = append(f.posts, map[string]string{
			"channel": r.Form.Get("channel"),
			"text":    r.Form.Get("text"),
			"blocks":  r.Form.Get("blocks"),
		})
		fmt.Fprint(w, `{"ok":true,"channel":"C1","ts":"1700000000.000100"}`)
	})
	mux.HandleFunc("/users.list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.userLists++
		f.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"members":[
			{"id":"U0AAAAAAA","name":"alice","real_name":"Alice Smith","profile":{"display_name":"ali"}},
			{"id":"U0BBBBBBB","name":"bob","real_name":"Bob Jones","profile":{"display_name":""}}
		],"response_metadata":{"next_cursor":""}}`)
	})
	return mux
}

func newTestAlerter(t *testing.T, fake *fakeSlack, mentions []string) *Alerter {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	a, err := New(Options{
		Token:      "xoxb-test",
		Channel:    "C1",
		Mentions:   mentions,
		HTTPClient: srv.Client(),
		APIURL:     srv.URL + "/",
	}, logging.Discard())
	require.NoError(t, err)
	return a
}

func maliciousReport() domain.Report {
	return domain.Report{
		ID:             "rep-1",
		Kind:           domain.KindBug,
		SubmitterID:    "user-42",
		SubmitterLabel: "free",
		Priority:       domain.PriorityHigh,
		Category:       "injection",
		Verdict:        domain.VerdictMalicious,
		Analysis:       &domain.Analysis{ClassifierReason: "prompt injection attempt"},
	}
}

func TestAlertMaliciousPostsReportDetails(t *testing.T) {
	fake := &fakeSlack{}
	a := newTestAlerter(t, fake, nil)

	require.NoError(t, a.AlertMalicious(context.Background(), maliciousReport()))
	require.Len(t, fake.posts, 1)
	post := fake.posts[0]
	assert.Equal(t, "C1", post["channel"])
	assert.Contains(t, post["text"], "rep-1")
	for _, want := range []string{"rep-1", "user-42", "high", "injection", "prompt injection attempt"} {
		assert.Contains(t, post["blocks"], want)
	}
	assert.Zero(t, fake.userLists)
}

func TestAlertMaliciousResolvesMentions(t *testing.T) {
	fake := &fakeSlack{}
	a := newTestAlerter(t, fake, []string{"Alice Smith", "U0CCCCCCC", "nobody"})

	require.NoError(t, a.AlertMalicious(context.Background(), maliciousReport()))
	require.NoError(t, a.AlertMalicious(context.Background(), maliciousReport()))
	require.Len(t, fake.posts, 2)
	assert.Contains(t, fake.posts[0]["blocks"], "<@U0AAAAAAA>")
	assert.Contains(t, fake.posts[0]["blocks"], "<@U0CCCCCCC>")
	assert.Equal(t, 1, fake.userLists, "user list is cached")
}

func TestAlertMaliciousSurfacesSlackError(t *testing.T) {
	fake := &fakeSlack{fail: true}
	a := newTestAlerter(t, fake, nil)
	assert.Error(t, a.AlertMalicious(context.Background(), maliciousReport()))
}

func TestNewRequiresTokenAndChannel(t *testing.T) {
	_, err := New(Options{Token: "xoxb"}, logging.Discard())
	assert.True(t, apperrors.Is(err, apperrors.TypeConfig))
}

func TestIsLikelySlackID(t *testing.T) {
	assert.True(t, isLikelySlackID("U0AAAAAAA"))
	assert.True(t, isLikelySlackID("W12345678"))
	assert.False(t, isLikelySlackID("alice"))
	assert.False(t, isLikelySlackID("u0aaaaaaa"))
}
