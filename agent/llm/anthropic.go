package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient implements Client on the Anthropic Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicClient creates a client. model may be empty for the default.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_0)
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: 2048,
	}
}

// Classify implements Classifier.
func (a *AnthropicClient) Classify(ctx context.Context, req ClassifyRequest) (*Classification, error) {
	text, err := a.complete(ctx, classifySystem, classifyPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic classify: %w", err)
	}
	return DecodeClassification(extractJSON(text))
}

// Draft implements Drafter.
func (a *AnthropicClient) Draft(ctx context.Context, req DraftRequest) (*Draft, error) {
	text, err := a.complete(ctx, draftSystem, draftPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic draft: %w", err)
	}
	return DecodeDraft(extractJSON(text))
}

func (a *AnthropicClient) complete(ctx context.Context, system, prompt string) (string, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return b.String(), nil
}
