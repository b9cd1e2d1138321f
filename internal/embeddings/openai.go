package embeddings

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"docquery/internal/provider"
)

// OpenAIEmbedder calls an OpenAI-style embeddings API. It backs both the
// hosted variant (api.openai.com) and the local variant (an OpenAI-compatible
// inference server such as llama.cpp selected by base URL); the two differ
// only in endpoint and batch limit.
type OpenAIEmbedder struct {
	model    openai.EmbeddingModel
	client   *openai.Client
	maxBatch int
}

const (
	// The hosted API accepts up to 2048 inputs per request.
	hostedMaxBatch = 2048
	// Local inference servers are far more conservative.
	localMaxBatch = 64
)

// NewOpenAIEmbedder creates an embedder against the hosted OpenAI API.
func NewOpenAIEmbedder(apiKey string, model openai.EmbeddingModel) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if model == "" {
		model = openai.EmbeddingModelTextEmbedding3Small
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIEmbedder{model: model, client: &cli, maxBatch: hostedMaxBatch}, nil
}

// NewLocalEmbedder creates an embedder against a self-hosted
// OpenAI-compatible server.
func NewLocalEmbedder(serverURL, model string) (*OpenAIEmbedder, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("server url required")
	}
	cli := openai.NewClient(option.WithBaseURL(serverURL))
	return &OpenAIEmbedder{model: openai.EmbeddingModel(model), client: &cli, maxBatch: localMaxBatch}, nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, 0, len(texts))
	for _, batch := range batches(texts, e.maxBatch) {
		resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: batch,
			},
			Model: e.model,
		})
		if err != nil {
			return nil, provider.Classify(err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("%w: expected %d embeddings, got %d", provider.ErrInvalidResponse, len(batch), len(resp.Data))
		}
		for _, d := range resp.Data {
			vec := make(Vector, len(d.Embedding))
			for i, v := range d.Embedding {
				vec[i] = float32(v)
			}
			out = append(out, vec)
		}
	}
	return out, nil
}
