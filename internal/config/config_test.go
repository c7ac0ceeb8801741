package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setMinimalValidConfigEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("BACKUP_BACKEND", "")
	t.Setenv("RATE_LIMIT_BACKEND", "")
}

func TestLoadFromEnvWithDefaults(t *testing.T) {
	setMinimalValidConfigEnv(t)
	t.Setenv("DENY_PATH_PATTERNS", "secrets/, *.pem ,")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing-config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LLMProvider != "openai" {
		t.Fatalf("unexpected provider: %q", cfg.LLMProvider)
	}
	if cfg.DBPath != "./healbot.db" {
		t.Fatalf("unexpected db path default: %q", cfg.DBPath)
	}
	if cfg.RateLimitMax != 10 || cfg.RateLimitWindow() != time.Hour {
		t.Fatalf("unexpected rate limit defaults: %d per %s", cfg.RateLimitMax, cfg.RateLimitWindow())
	}
	if cfg.MinDescriptionLength != 10 || cfg.MinSuggestionLength != 20 || cfg.MaxTextLength != 5000 {
		t.Fatalf("unexpected length defaults: %+v", cfg)
	}
	if cfg.ExternalHTTPTimeoutSeconds != defaultExternalHTTPTimeoutSeconds {
		t.Fatalf("unexpected external HTTP timeout default: %d", cfg.ExternalHTTPTimeoutSeconds)
	}
	if len(cfg.DenyPathPatterns) != 2 || cfg.DenyPathPatterns[1] != "*.pem" {
		t.Fatalf("unexpected deny patterns: %v", cfg.DenyPathPatterns)
	}
	if len(cfg.DenyCategories) != len(DefaultDenyCategories) {
		t.Fatalf("expected default deny categories, got %v", cfg.DenyCategories)
	}
	if cfg.GitHubConfigured() {
		t.Fatal("github should not be configured without a token")
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
llm_provider: "anthropic"
anthropic_api_key: "yaml-anthropic"
db_path: "/tmp/yaml.db"
project_root: "/srv/app"
rate_limit_max: 3
github_token: "ghp-yaml"
github_owner: "acme"
github_repo: "web"
deny_categories: ["billing"]
external_http_timeout_seconds: 75
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("DB_PATH", "/tmp/env.db")
	t.Setenv("EXTERNAL_HTTP_TIMEOUT_SECONDS", "120")
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("DENY_CATEGORIES", "")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LLMProvider != "openai" || cfg.OpenAIAPIKey != "sk-env" {
		t.Fatalf("expected provider from env override, got %q", cfg.LLMProvider)
	}
	if cfg.DBPath != "/tmp/env.db" {
		t.Fatalf("expected db path from env override, got %q", cfg.DBPath)
	}
	if cfg.ProjectRoot != "/srv/app" {
		t.Fatalf("expected project root from yaml, got %q", cfg.ProjectRoot)
	}
	if cfg.RateLimitMax != 3 {
		t.Fatalf("expected rate limit from yaml, got %d", cfg.RateLimitMax)
	}
	if !cfg.GitHubConfigured() {
		t.Fatal("expected github to be configured from yaml")
	}
	if len(cfg.DenyCategories) != 1 || cfg.DenyCategories[0] != "billing" {
		t.Fatalf("expected deny categories from yaml, got %v", cfg.DenyCategories)
	}
	if cfg.ExternalHTTPTimeoutSeconds != 120 {
		t.Fatalf("expected external HTTP timeout from env override, got %d", cfg.ExternalHTTPTimeoutSeconds)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown provider":    {"LLM_PROVIDER": "gemini"},
		"missing anthropic":   {"LLM_PROVIDER": "anthropic", "ANTHROPIC_API_KEY": ""},
		"s3 without bucket":   {"BACKUP_BACKEND": "s3", "S3_BUCKET": ""},
		"redis without addr":  {"RATE_LIMIT_BACKEND": "redis", "REDIS_ADDR": ""},
		"bad int":             {"RATE_LIMIT_MAX": "ten"},
		"negative workers":    {"WORKERS": "-1"},
		"bad schedule":        {"RECOVERY_SCHEDULE": "whenever"},
		"github without repo": {"GITHUB_TOKEN": "ghp-x", "GITHUB_REPO_OWNER": "", "GITHUB_REPO_NAME": ""},
		"short http timeout":  {"EXTERNAL_HTTP_TIMEOUT_SECONDS": "2"},
		"unknown log level":   {"LOG_LEVEL": "loud"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			setMinimalValidConfigEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestEnvOverrideHelpers(t *testing.T) {
	s := "initial"
	t.Setenv("HB_TEST_STR", "value")
	envOverride(&s, "HB_TEST_STR")
	if s != "value" {
		t.Fatalf("envOverride failed, got %q", s)
	}

	i := 1
	t.Setenv("HB_TEST_INT", "42")
	if err := envOverrideInt(&i, "HB_TEST_INT"); err != nil || i != 42 {
		t.Fatalf("envOverrideInt failed, got %d (%v)", i, err)
	}

	list := []string{"a"}
	t.Setenv("HB_TEST_LIST", " x , ,y")
	envOverrideList(&list, "HB_TEST_LIST")
	if len(list) != 2 || list[0] != "x" || list[1] != "y" {
		t.Fatalf("envOverrideList failed, got %v", list)
	}
}

func TestPathPrecedence(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	if got := Path(""); got != "config.yaml" {
		t.Fatalf("default path = %q", got)
	}
	t.Setenv("CONFIG_PATH", "/etc/healbot/config.yaml")
	if got := Path(""); got != "/etc/healbot/config.yaml" {
		t.Fatalf("env path = %q", got)
	}
	if got := Path("local.yaml"); got != "local.yaml" {
		t.Fatalf("explicit path = %q", got)
	}
}
