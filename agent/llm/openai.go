package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient implements Client on the OpenAI Chat Completions API.
type OpenAIClient struct {
	client openai.Client
	model  openai.ChatModel
}

// NewOpenAIClient creates a client. model may be empty for the default.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	if model == "" {
		model = openai.ChatModelGPT4o
	}
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Classify implements Classifier.
func (o *OpenAIClient) Classify(ctx context.Context, req ClassifyRequest) (*Classification, error) {
	text, err := o.complete(ctx, classifySystem, classifyPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("openai classify: %w", err)
	}
	return DecodeClassification(extractJSON(text))
}

// Draft implements Drafter.
func (o *OpenAIClient) Draft(ctx context.Context, req DraftRequest) (*Draft, error) {
	text, err := o.complete(ctx, draftSystem, draftPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("openai draft: %w", err)
	}
	return DecodeDraft(extractJSON(text))
}

func (o *OpenAIClient) complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}
