package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"healbot/internal/domain"
	apperrors "healbot/internal/errors"
	"healbot/internal/storage/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	dir        string
	configPath string
	dbPath     string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	for _, key := range []string{"GITHUB_TOKEN", "SLACK_BOT_TOKEN", "RATE_LIMIT_BACKEND", "BACKUP_BACKEND", "LLM_PROVIDER", "DB_PATH", "POLICY_PATH", "AUDIT_LOG_PATH"} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	env := testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "config.yaml"),
		dbPath:     filepath.Join(dir, "healbot.db"),
	}
	cfg := fmt.Sprintf(`db_path: %s
project_root: %s
backup_dir: %s
llm_provider: anthropic
anthropic_api_key: test-key
log_level: error
`, env.dbPath, dir, filepath.Join(dir, "backups"))
	require.NoError(t, os.WriteFile(env.configPath, []byte(cfg), 0o600))
	return env
}

func (e testEnv) seed(t *testing.T, r domain.Report, events ...domain.AuditEntry) {
	t.Helper()
	store, err := sqlite.Open(e.dbPath)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.InsertReport(ctx, r))
	for _, ev := range events {
		_, err := store.AppendAudit(ctx, ev)
		require.NoError(t, err)
	}
}

func (e testEnv) report(t *testing.T, id string) domain.Report {
	t.Helper()
	store, err := sqlite.Open(e.dbPath)
	require.NoError(t, err)
	defer store.Close()
	r, err := store.GetReport(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (e testEnv) run(args ...string) (string, error) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func report(id string, status domain.Status, at time.Time) domain.Report {
	return domain.Report{
		ID:          id,
		Kind:        domain.KindBug,
		SubmitterID: "user-1",
		Description: "save button does nothing",
		SubmittedAt: at,
		CreatedAt:   at,
		UpdatedAt:   at,
		Status:      status,
	}
}

func TestAuditCommandPrintsTrail(t *testing.T) {
	env := newTestEnv(t)
	at := time.Now().Add(-time.Minute).UTC()
	env.seed(t, report("r-audit", domain.StatusPending, at), domain.AuditEntry{
		ReportID:  "r-audit",
		Event:     domain.EventSubmitted,
		Actor:     "intake",
		Detail:    "bug from user-1",
		CreatedAt: at,
	})

	out, err := env.run("audit", "r-audit")
	require.NoError(t, err)
	assert.Contains(t, out, "EVENT")
	assert.Contains(t, out, domain.EventSubmitted)
	assert.Contains(t, out, "bug from user-1")

	out, err = env.run("audit", "r-audit", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"ReportID": "r-audit"`)
}

func TestAuditCommandUnknownReport(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run("audit", "missing")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.TypeNotFound))
}

func TestRollbackCommandRejectsPendingReport(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, report("r-pending", domain.StatusPending, time.Now().UTC()))

	_, err := env.run("rollback", "r-pending", "--actor", "alice")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.TypeInvalidTransition))
	assert.Equal(t, domain.StatusPending, env.report(t, "r-pending").Status)
}

func TestSweepCommandFailsInterruptedFix(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, report("r-fixing", domain.StatusFixing, time.Now().UTC()))

	out, err := env.run("sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "requeued 0, interrupted 0")
	assert.Equal(t, domain.StatusFixing, env.report(t, "r-fixing").Status)

	out, err = env.run("sweep", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "requeued 0, interrupted 1")
	assert.Equal(t, domain.StatusFixFailed, env.report(t, "r-fixing").Status)
}

func TestInvalidConfigFailsBeforeRunning(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(env.configPath, []byte("llm_provider: bard\n"), 0o600))

	_, err := env.run("sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm_provider")
	_, statErr := os.Stat(env.dbPath)
	assert.True(t, os.IsNotExist(statErr))
}
