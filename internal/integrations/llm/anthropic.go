package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"
)

type AnthropicCompleter struct {
	client anthropic.Client
	model  string
	logger logrus.FieldLogger
}

func NewAnthropic(opts Options) *AnthropicCompleter {
	model := opts.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.AnthropicAPIKey),
		option.WithHTTPClient(opts.HTTPClient),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &AnthropicCompleter{
		client: anthropic.NewClient(reqOpts...),
		model:  model,
		logger: opts.Logger,
	}
}

func (a *AnthropicCompleter) Provider() string { return "anthropic" }

func (a *AnthropicCompleter) Model() string { return a.model }

func (a *AnthropicCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		a.logger.WithError(err).Warn("llm anthropic error")
		return "", Usage{}, fmt.Errorf("Anthropic API error: %w", err)
	}
	usage := Usage{
		InputTokens:              message.Usage.InputTokens,
		OutputTokens:             message.Usage.OutputTokens,
		CacheCreationInputTokens: message.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     message.Usage.CacheReadInputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			a.logger.WithFields(logrus.Fields{
				"model":      a.model,
				"size":       len(block.Text),
				"tokens_in":  usage.InputTokens,
				"tokens_out": usage.OutputTokens,
			}).Debug("llm anthropic response")
			return block.Text, usage, nil
		}
	}
	return "", usage, fmt.Errorf("no text content in Anthropic response")
}
