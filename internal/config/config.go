package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const defaultExternalHTTPTimeout = 90 * time.Second
const defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)

// DefaultDenyPathPatterns are path fragments and globs the pipeline never
// patches unless the operator replaces the list.
var DefaultDenyPathPatterns = []string{
	".env",
	"config.js",
	"auth",
	"payment",
	"stripe",
	"supabase",
	"database",
	"migration",
	"schema",
	"credential",
	"secret",
	"password",
	"*.pem",
	"*.key",
	".git/",
}

var DefaultDenyCategories = []string{"auth", "authentication", "payment", "security", "database", "credentials"}

type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	DBPath      string `yaml:"db_path"`
	ProjectRoot string `yaml:"project_root"`

	BackupDir     string `yaml:"backup_dir"`
	BackupBackend string `yaml:"backup_backend"`
	S3Bucket      string `yaml:"s3_bucket"`
	S3Region      string `yaml:"s3_region"`
	S3Prefix      string `yaml:"s3_prefix"`

	LLMProvider       string `yaml:"llm_provider"`
	LLMModel          string `yaml:"llm_model"`
	LLMArbiterModel   string `yaml:"llm_arbiter_model"`
	LLMTimeoutSeconds int    `yaml:"llm_timeout_seconds"`
	AnthropicAPIKey   string `yaml:"anthropic_api_key"`
	OpenAIAPIKey      string `yaml:"openai_api_key"`

	GitHubToken             string `yaml:"github_token"`
	GitHubOwner             string `yaml:"github_owner"`
	GitHubRepo              string `yaml:"github_repo"`
	GitHubBaseBranch        string `yaml:"github_base_branch"`
	GitHubRequestsPerSecond int    `yaml:"github_requests_per_second"`

	RateLimitMax           int    `yaml:"rate_limit_max"`
	RateLimitWindowMinutes int    `yaml:"rate_limit_window_minutes"`
	RateLimitBackend       string `yaml:"rate_limit_backend"`
	RedisAddr              string `yaml:"redis_addr"`
	RedisPassword          string `yaml:"redis_password"`

	MinDescriptionLength int `yaml:"min_description_length"`
	MinSuggestionLength  int `yaml:"min_suggestion_length"`
	MaxTextLength        int `yaml:"max_text_length"`
	MaxSuggestionFiles   int `yaml:"max_suggestion_files"`

	DenyPathPatterns []string `yaml:"deny_path_patterns"`
	DenyCategories   []string `yaml:"deny_categories"`
	PolicyPath       string   `yaml:"policy_path"`
	AuditLogPath     string   `yaml:"audit_log_path"`

	SlackBotToken     string `yaml:"slack_bot_token"`
	SlackAlertChannel string `yaml:"slack_alert_channel"`
	// Slack user IDs or names mentioned on every operator alert.
	SlackAlertMentions []string `yaml:"slack_alert_mentions"`

	Workers           int    `yaml:"workers"`
	QueueSize         int    `yaml:"queue_size"`
	RecoverySchedule  string `yaml:"recovery_schedule"`
	StuckAfterMinutes int    `yaml:"stuck_after_minutes"`

	OperatorToken              string `yaml:"operator_token"`
	ExternalHTTPTimeoutSeconds int    `yaml:"external_http_timeout_seconds"`
	LogLevel                   string `yaml:"log_level"`
	LogFormat                  string `yaml:"log_format"`
}

// Path picks the config file: explicit if set, else CONFIG_PATH, else config.yaml.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return envPath
	}
	return "config.yaml"
}

// Load reads an optional YAML file at path, applies env overrides and
// defaults, and validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	var cfg Config

	// .env only fills variables that are not already set.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return cfg, fmt.Errorf("loading .env: %w", err)
		}
	}

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("error parsing %s: %w", path, err)
			}
			log.Debugf("Loaded config from %s", path)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	envOverride(&cfg.ListenAddr, "LISTEN_ADDR")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.ProjectRoot, "PROJECT_ROOT")
	envOverride(&cfg.BackupDir, "BACKUP_DIR")
	envOverride(&cfg.BackupBackend, "BACKUP_BACKEND")
	envOverride(&cfg.S3Bucket, "S3_BUCKET")
	envOverride(&cfg.S3Region, "AWS_REGION")
	envOverride(&cfg.S3Prefix, "S3_PREFIX")
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.LLMArbiterModel, "LLM_ARBITER_MODEL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.GitHubToken, "GITHUB_TOKEN")
	envOverride(&cfg.GitHubOwner, "GITHUB_REPO_OWNER")
	envOverride(&cfg.GitHubRepo, "GITHUB_REPO_NAME")
	envOverride(&cfg.GitHubBaseBranch, "GITHUB_BASE_BRANCH")
	envOverride(&cfg.RateLimitBackend, "RATE_LIMIT_BACKEND")
	envOverride(&cfg.RedisAddr, "REDIS_ADDR")
	envOverride(&cfg.RedisPassword, "REDIS_PASSWORD")
	envOverride(&cfg.PolicyPath, "POLICY_PATH")
	envOverride(&cfg.AuditLogPath, "AUDIT_LOG_PATH")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackAlertChannel, "SLACK_ALERT_CHANNEL")
	envOverride(&cfg.RecoverySchedule, "RECOVERY_SCHEDULE")
	envOverride(&cfg.OperatorToken, "OPERATOR_TOKEN")
	envOverride(&cfg.LogLevel, "LOG_LEVEL")
	envOverride(&cfg.LogFormat, "LOG_FORMAT")
	envOverrideList(&cfg.DenyPathPatterns, "DENY_PATH_PATTERNS")
	envOverrideList(&cfg.DenyCategories, "DENY_CATEGORIES")
	envOverrideList(&cfg.SlackAlertMentions, "SLACK_ALERT_MENTIONS")

	ints := []struct {
		field *int
		key   string
	}{
		{&cfg.LLMTimeoutSeconds, "LLM_TIMEOUT_SECONDS"},
		{&cfg.GitHubRequestsPerSecond, "GITHUB_REQUESTS_PER_SECOND"},
		{&cfg.RateLimitMax, "RATE_LIMIT_MAX"},
		{&cfg.RateLimitWindowMinutes, "RATE_LIMIT_WINDOW_MINUTES"},
		{&cfg.MinDescriptionLength, "MIN_DESCRIPTION_LENGTH"},
		{&cfg.MinSuggestionLength, "MIN_SUGGESTION_LENGTH"},
		{&cfg.MaxTextLength, "MAX_TEXT_LENGTH"},
		{&cfg.MaxSuggestionFiles, "MAX_SUGGESTION_FILES"},
		{&cfg.Workers, "WORKERS"},
		{&cfg.QueueSize, "QUEUE_SIZE"},
		{&cfg.StuckAfterMinutes, "STUCK_AFTER_MINUTES"},
		{&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS"},
	}
	for _, i := range ints {
		if err := envOverrideInt(i.field, i.key); err != nil {
			return err
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./healbot.db"
	}
	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = "."
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = "./.auto-heal-backups"
	}
	if cfg.BackupBackend == "" {
		cfg.BackupBackend = "fs"
	}
	if cfg.S3Region == "" {
		cfg.S3Region = "us-east-1"
	}
	if cfg.S3Prefix == "" {
		cfg.S3Prefix = "healbot-backups"
	}
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if cfg.LLMTimeoutSeconds == 0 {
		cfg.LLMTimeoutSeconds = 60
	}
	if cfg.GitHubRequestsPerSecond == 0 {
		cfg.GitHubRequestsPerSecond = 5
	}
	if cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = 10
	}
	if cfg.RateLimitWindowMinutes == 0 {
		cfg.RateLimitWindowMinutes = 60
	}
	if cfg.RateLimitBackend == "" {
		cfg.RateLimitBackend = "memory"
	}
	if cfg.MinDescriptionLength == 0 {
		cfg.MinDescriptionLength = 10
	}
	if cfg.MinSuggestionLength == 0 {
		cfg.MinSuggestionLength = 20
	}
	if cfg.MaxTextLength == 0 {
		cfg.MaxTextLength = 5000
	}
	if cfg.MaxSuggestionFiles == 0 {
		cfg.MaxSuggestionFiles = 5
	}
	if len(cfg.DenyPathPatterns) == 0 {
		cfg.DenyPathPatterns = append([]string(nil), DefaultDenyPathPatterns...)
	}
	if len(cfg.DenyCategories) == 0 {
		cfg.DenyCategories = append([]string(nil), DefaultDenyCategories...)
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 256
	}
	if cfg.RecoverySchedule == "" {
		cfg.RecoverySchedule = "@every 5m"
	}
	if cfg.StuckAfterMinutes == 0 {
		cfg.StuckAfterMinutes = 15
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = defaultExternalHTTPTimeoutSeconds
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
}

// Validate checks ranges and provider/backend combinations.
func (c Config) Validate() error {
	switch c.LLMProvider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("anthropic_api_key is required when llm_provider=anthropic")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("openai_api_key is required when llm_provider=openai")
		}
	default:
		return fmt.Errorf("llm_provider must be 'anthropic' or 'openai', got '%s'", c.LLMProvider)
	}

	switch c.BackupBackend {
	case "fs":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("s3_bucket is required when backup_backend=s3")
		}
	default:
		return fmt.Errorf("backup_backend must be 'fs' or 's3', got '%s'", c.BackupBackend)
	}

	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required when rate_limit_backend=redis")
		}
	default:
		return fmt.Errorf("rate_limit_backend must be 'memory' or 'redis', got '%s'", c.RateLimitBackend)
	}

	if c.GitHubToken != "" && (c.GitHubOwner == "" || c.GitHubRepo == "") {
		return fmt.Errorf("github_token is set but github_owner/github_repo are not configured")
	}

	if c.RateLimitMax < 1 {
		return fmt.Errorf("invalid rate_limit_max '%d': must be >= 1", c.RateLimitMax)
	}
	if c.RateLimitWindowMinutes < 1 {
		return fmt.Errorf("invalid rate_limit_window_minutes '%d': must be >= 1", c.RateLimitWindowMinutes)
	}
	if c.MinDescriptionLength < 1 {
		return fmt.Errorf("invalid min_description_length '%d': must be >= 1", c.MinDescriptionLength)
	}
	if c.MaxTextLength < c.MinDescriptionLength || c.MaxTextLength < c.MinSuggestionLength {
		return fmt.Errorf("invalid max_text_length '%d': must be >= the minimum lengths", c.MaxTextLength)
	}
	if c.MaxSuggestionFiles < 1 {
		return fmt.Errorf("invalid max_suggestion_files '%d': must be >= 1", c.MaxSuggestionFiles)
	}
	if c.Workers < 1 {
		return fmt.Errorf("invalid workers '%d': must be >= 1", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("invalid queue_size '%d': must be >= 1", c.QueueSize)
	}
	if c.LLMTimeoutSeconds < 1 {
		return fmt.Errorf("invalid llm_timeout_seconds '%d': must be >= 1", c.LLMTimeoutSeconds)
	}
	if c.ExternalHTTPTimeoutSeconds < 5 {
		return fmt.Errorf("invalid external_http_timeout_seconds '%d': must be >= 5", c.ExternalHTTPTimeoutSeconds)
	}
	if c.StuckAfterMinutes < 1 {
		return fmt.Errorf("invalid stuck_after_minutes '%d': must be >= 1", c.StuckAfterMinutes)
	}
	if _, err := cron.ParseStandard(c.RecoverySchedule); err != nil {
		return fmt.Errorf("invalid recovery_schedule '%s': %w", c.RecoverySchedule, err)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level '%s': %w", c.LogLevel, err)
	}
	return nil
}

func (c Config) GitHubConfigured() bool {
	return c.GitHubToken != "" && c.GitHubOwner != "" && c.GitHubRepo != ""
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackAlertChannel != ""
}

func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMinutes) * time.Minute
}

func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

func (c Config) StuckAfter() time.Duration {
	return time.Duration(c.StuckAfterMinutes) * time.Minute
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideList(field *[]string, envKey string) {
	val := os.Getenv(envKey)
	if val == "" {
		return
	}
	*field = nil
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			*field = append(*field, item)
		}
	}
}
