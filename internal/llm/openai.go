package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"docquery/internal/provider"
)

// OpenAIClient calls an OpenAI-style Chat Completions API, hosted or a local
// OpenAI-compatible server selected by base URL.
type OpenAIClient struct {
	model  openai.ChatModel
	client *openai.Client
}

const (
	defaultChatTemperature = 0.2
	defaultMaxTokens       = 500
)

// NewOpenAIClient builds a client with defaults against api.openai.com.
func NewOpenAIClient(apiKey string, model openai.ChatModel) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIClient{model: model, client: &cli}, nil
}

// NewLocalClient builds a client against a self-hosted OpenAI-compatible
// server.
func NewLocalClient(serverURL, model string) (*OpenAIClient, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("server url required")
	}
	cli := openai.NewClient(option.WithBaseURL(serverURL))
	return &OpenAIClient{model: openai.ChatModel(model), client: &cli}, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               c.model,
		Messages:            buildMessages(system, user),
		Temperature:         openai.Float(defaultChatTemperature),
		MaxCompletionTokens: openai.Int(defaultMaxTokens),
	})
	if err != nil {
		return "", provider.Classify(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: no choices returned", provider.ErrInvalidResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

func buildMessages(system, user string) []openai.ChatCompletionMessageParamUnion {
	return []openai.ChatCompletionMessageParamUnion{
		{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(system),
				},
			},
		},
		{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfString: openai.String(user),
				},
			},
		},
	}
}
