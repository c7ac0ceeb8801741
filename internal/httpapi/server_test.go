package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healbot/internal/audit"
	"healbot/internal/domain"
	apperrors "healbot/internal/errors"
	"healbot/internal/intake"
	"healbot/internal/logging"
	"healbot/internal/ratelimit"
	"healbot/internal/sanitize"
	"healbot/internal/storage/sqlite"
)

type fakeRollback struct {
	calls []string
	err   error
}

func (f *fakeRollback) Rollback(_ context.Context, id, actor string) (domain.Report, error) {
	f.calls = append(f.calls, id+"|"+actor)
	if f.err != nil {
		return domain.Report{}, f.err
	}
	return domain.Report{ID: id, Status: domain.StatusRolledBack}, nil
}

type testServer struct {
	srv      *httptest.Server
	store    *sqlite.Store
	rollback *fakeRollback
}

func newTestServer(t *testing.T, operatorToken string) *testServer {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "http-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := logging.Discard()
	svc := intake.NewService(
		sanitize.New(sanitize.DefaultOptions()),
		ratelimit.New(ratelimit.NewMemoryStore(), 2, time.Hour),
		store,
		audit.NewRecorder(store, nil, logger),
		nil,
		logger,
	)
	rb := &fakeRollback{}
	s := New(Options{
		Intake:        svc,
		Reports:       store,
		Rollback:      rb,
		OperatorToken: operatorToken,
		Ping:          store.Ping,
		Logger:        logger,
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store, rollback: rb}
}

func (ts *testServer) do(t *testing.T, method, path, body, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSubmitBugReport(t *testing.T) {
	ts := newTestServer(t, "")
	resp, body := ts.do(t, http.MethodPost, "/api/bug-reports",
		`{"submitterId":"u1","description":"the upload button does nothing","logs":[{"type":"error","message":"boom","timestamp":"2026-01-02T03:04:05Z"}],"submittedAt":"2026-01-02T03:04:05Z","unknownField":1}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	id, _ := body["reportId"].(string)
	require.NotEmpty(t, id)

	r, err := ts.store.GetReport(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.KindBug, r.Kind)
	assert.Equal(t, domain.StatusPending, r.Status)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), r.SubmittedAt.UTC())
}

func TestSubmitSuggestionUsesSuggestionText(t *testing.T) {
	ts := newTestServer(t, "")
	resp, body := ts.do(t, http.MethodPost, "/api/suggestions",
		`{"submitterId":"u1","suggestionText":"please add keyboard shortcuts to the editor"}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	r, err := ts.store.GetReport(context.Background(), body["reportId"].(string))
	require.NoError(t, err)
	assert.Equal(t, domain.KindSuggestion, r.Kind)
	assert.Contains(t, r.Description, "keyboard shortcuts")
}

func TestSubmitValidationErrors(t *testing.T) {
	ts := newTestServer(t, "")
	cases := map[string]string{
		"short description": `{"submitterId":"u1","description":"short"}`,
		"bad json":          `{"submitterId":`,
		"bad timestamp":     `{"submitterId":"u1","description":"long enough text","submittedAt":"yesterday"}`,
		"missing submitter": `{"description":"long enough text"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, out := ts.do(t, http.MethodPost, "/api/bug-reports", body, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, false, out["success"])
			assert.NotEmpty(t, out["error"])
		})
	}
	var n int
	require.NoError(t, ts.store.DB().QueryRow(`SELECT COUNT(*) FROM reports`).Scan(&n))
	assert.Zero(t, n)
}

func TestSubmitBodyTooLarge(t *testing.T) {
	ts := newTestServer(t, "")
	big := `{"submitterId":"u1","description":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	resp, out := ts.do(t, http.MethodPost, "/api/bug-reports", big, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "request body too large", out["error"])
}

func TestSubmitRateLimitedSetsRetryAfter(t *testing.T) {
	ts := newTestServer(t, "")
	body := `{"submitterId":"u1","description":"the upload button does nothing"}`
	for i := 0; i < 2; i++ {
		resp, _ := ts.do(t, http.MethodPost, "/api/bug-reports", body, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, out := ts.do(t, http.MethodPost, "/api/bug-reports", body, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.NotContains(t, out["error"], "2")
}

func TestOperatorRoutesDisabledWithoutToken(t *testing.T) {
	ts := newTestServer(t, "")
	resp, _ := ts.do(t, http.MethodGet, "/api/reports/x", "", "anything")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOperatorRoutes(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	resp, body := ts.do(t, http.MethodPost, "/api/bug-reports", `{"submitterId":"u1","description":"the upload button does nothing"}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := body["reportId"].(string)

	resp, _ = ts.do(t, http.MethodGet, "/api/reports/"+id, "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/api/reports/"+id, "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/reports/"+id, "", "s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, "pending", body["status"])

	resp, body = ts.do(t, http.MethodGet, "/api/reports/"+id+"/audit", "", "s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EventSubmitted, entries[0].(map[string]any)["event"])

	resp, body = ts.do(t, http.MethodGet, "/api/reports/"+id+"/patches", "", "s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["patches"])

	resp, _ = ts.do(t, http.MethodGet, "/api/reports/missing", "", "s3cret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/reports/"+id+"/rollback", "", "s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []string{id + "|operator"}, ts.rollback.calls)
}

func TestRollbackErrorMapping(t *testing.T) {
	ts := newTestServer(t, "tok")
	cases := []struct {
		err  error
		code int
	}{
		{apperrors.InvalidTransition("pending", "rolled_back"), http.StatusConflict},
		{apperrors.NotFoundf("report x not found"), http.StatusNotFound},
		{apperrors.PatchApplyFailure(errors.New("disk /secret/path"), "restore failed"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		ts.rollback.err = tc.err
		resp, out := ts.do(t, http.MethodPost, "/api/reports/x/rollback", "", "tok")
		assert.Equal(t, tc.code, resp.StatusCode)
		assert.NotContains(t, out["error"], "/secret/path")
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, "")
	resp, body := ts.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	require.NoError(t, ts.store.Close())
	resp, _ = ts.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
