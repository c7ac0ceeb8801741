package app

import (
	"context"
	"fmt"
	"time"

	"healbot/internal/arbiter"
	"healbot/internal/audit"
	"healbot/internal/config"
	"healbot/internal/httpx"
	githubpub "healbot/internal/integrations/github"
	"healbot/internal/integrations/llm"
	slackbot "healbot/internal/integrations/slack"
	"healbot/internal/patch"
	"healbot/internal/pipeline"
	"healbot/internal/policy"
	"healbot/internal/ratelimit"
	"healbot/internal/storage/sqlite"
	"healbot/internal/triage"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// components holds everything a command needs after startup. close releases
// them in reverse order of acquisition.
type components struct {
	cfg      config.Config
	logger   *logrus.Logger
	store    *sqlite.Store
	recorder *audit.Recorder
	deny     *policy.DenyList
	pipeline *pipeline.Pipeline
	limiter  *ratelimit.Limiter

	closers []func() error
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.logger.WithError(err).Warn("Shutdown cleanup failed")
		}
	}
	c.closers = nil
}

func build(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*components, error) {
	c := &components{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			c.close()
		}
	}()

	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	logger.WithFields(logrus.Fields{
		"provider":         cfg.LLMProvider,
		"model":            cfg.LLMModel,
		"project_root":     cfg.ProjectRoot,
		"backup_backend":   cfg.BackupBackend,
		"rate_limit":       fmt.Sprintf("%d/%s", cfg.RateLimitMax, cfg.RateLimitWindow()),
		"github":           cfg.GitHubConfigured(),
		"slack":            cfg.SlackConfigured(),
		"external_timeout": appliedHTTPTimeout,
	}).Info("Config loaded")

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	c.store = store
	c.closers = append(c.closers, store.Close)
	logger.Infof("Database initialized at %s", cfg.DBPath)

	var mirror audit.Mirror
	if cfg.AuditLogPath != "" {
		m, err := audit.NewJSONLMirror(cfg.AuditLogPath)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		c.closers = append(c.closers, m.Close)
		mirror = m
	}
	c.recorder = audit.NewRecorder(store, mirror, logger)

	c.deny = policy.NewDenyList(cfg.DenyPathPatterns, cfg.DenyCategories)
	if cfg.PolicyPath != "" {
		rules, err := policy.LoadRules(cfg.PolicyPath)
		if err != nil {
			return nil, err
		}
		c.deny.Replace(rules)
	}

	classifierLLM, err := llm.New(llmOptions(cfg, cfg.LLMModel, logger))
	if err != nil {
		return nil, err
	}
	arbiterModel := cfg.LLMArbiterModel
	if arbiterModel == "" {
		arbiterModel = cfg.LLMModel
	}
	arbiterLLM, err := llm.New(llmOptions(cfg, arbiterModel, logger))
	if err != nil {
		return nil, err
	}

	backups, err := backupStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	engine := patch.NewEngine(cfg.ProjectRoot, c.deny, backups, store, logger)

	deps := pipeline.Deps{
		Store:      store,
		Audit:      c.recorder,
		Classifier: triage.New(classifierLLM, cfg.LLMTimeout(), logger),
		Arbiter: arbiter.New(arbiterLLM, c.deny, arbiter.Options{
			MaxSuggestionFiles: cfg.MaxSuggestionFiles,
			Timeout:            cfg.LLMTimeout(),
		}, logger),
		Patcher: engine,
		Logger:  logger,
	}
	if cfg.GitHubConfigured() {
		pub, err := githubpub.New(githubpub.Options{
			Token:             cfg.GitHubToken,
			Owner:             cfg.GitHubOwner,
			Repo:              cfg.GitHubRepo,
			BaseBranch:        cfg.GitHubBaseBranch,
			RequestsPerSecond: float64(cfg.GitHubRequestsPerSecond),
			HTTPClient:        httpx.ExternalHTTPClient(),
		}, logger)
		if err != nil {
			return nil, err
		}
		deps.Publisher = pub
	} else {
		logger.Warn("GitHub is not configured; applied fixes will not be published")
	}
	if cfg.SlackConfigured() {
		alerter, err := slackbot.New(slackbot.Options{
			Token:      cfg.SlackBotToken,
			Channel:    cfg.SlackAlertChannel,
			Mentions:   cfg.SlackAlertMentions,
			HTTPClient: httpx.ExternalHTTPClient(),
		}, logger)
		if err != nil {
			return nil, err
		}
		deps.Alerter = alerter
	} else {
		logger.Warn("Slack is not configured; malicious reports will only be audited")
	}
	c.pipeline = pipeline.New(deps)

	limiterStore, err := rateLimitStore(ctx, c)
	if err != nil {
		return nil, err
	}
	c.limiter = ratelimit.New(limiterStore, cfg.RateLimitMax, cfg.RateLimitWindow())

	ok = true
	return c, nil
}

func llmOptions(cfg config.Config, model string, logger *logrus.Logger) llm.Options {
	return llm.Options{
		Provider:        cfg.LLMProvider,
		Model:           model,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		HTTPClient:      httpx.ExternalHTTPClient(),
		Logger:          logger,
	}
}

func backupStore(ctx context.Context, cfg config.Config) (patch.BackupStore, error) {
	if cfg.BackupBackend == "s3" {
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return patch.DialS3BackupStore(dialCtx, cfg.S3Region, cfg.S3Bucket, cfg.S3Prefix)
	}
	return patch.NewFSBackupStore(cfg.BackupDir)
}

func rateLimitStore(ctx context.Context, c *components) (ratelimit.Store, error) {
	if c.cfg.RateLimitBackend != "redis" {
		return ratelimit.NewMemoryStore(), nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := ratelimit.DialRedis(dialCtx, c.cfg.RedisAddr, c.cfg.RedisPassword)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, client.Close)
	return ratelimit.NewRedisStore(redis.UniversalClient(client)), nil
}
