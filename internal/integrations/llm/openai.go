package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

type OpenAICompleter struct {
	client *openai.Client
	model  string
	logger logrus.FieldLogger
}

func NewOpenAI(opts Options) *OpenAICompleter {
	model := opts.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	cfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	cfg.HTTPClient = opts.HTTPClient
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &OpenAICompleter{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: opts.Logger,
	}
}

func (o *OpenAICompleter) Provider() string { return "openai" }

func (o *OpenAICompleter) Model() string { return o.model }

func (o *OpenAICompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
		MaxTokens:   4096,
	})
	if err != nil {
		o.logger.WithError(err).Warn("llm openai error")
		return "", Usage{}, fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("no choices in OpenAI response")
	}
	usage := Usage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}
	content := resp.Choices[0].Message.Content
	o.logger.WithFields(logrus.Fields{
		"model":      o.model,
		"size":       len(content),
		"tokens_in":  usage.InputTokens,
		"tokens_out": usage.OutputTokens,
	}).Debug("llm openai response")
	return content, usage, nil
}
