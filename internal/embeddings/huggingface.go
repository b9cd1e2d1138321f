package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"docquery/internal/provider"
)

const defaultHFBaseURL = "https://api-inference.huggingface.co/models"

// HuggingFaceEmbedder calls the HuggingFace inference API. The feature
// extraction endpoint embeds one input per call, so batches degrade to
// sequential requests.
type HuggingFaceEmbedder struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewHuggingFaceEmbedder(apiKey, model string) (*HuggingFaceEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if model == "" {
		return nil, fmt.Errorf("model required")
	}
	return &HuggingFaceEmbedder{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultHFBaseURL,
		client:  http.DefaultClient,
	}, nil
}

func (e *HuggingFaceEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, 0, len(texts))
	for _, text := range texts {
		vec, err := e.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (e *HuggingFaceEmbedder) embedOne(ctx context.Context, text string) (Vector, error) {
	body, err := json.Marshal(map[string]string{"inputs": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/"+e.model, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, provider.Classify(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.Classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, provider.FromStatus(resp.StatusCode, string(data))
	}
	return decodeHFVector(data)
}

// decodeHFVector handles both response shapes: a single vector for sentence
// models and a list of sentence vectors for others (first entry applies).
func decodeHFVector(data []byte) (Vector, error) {
	var flat []float32
	if err := json.Unmarshal(data, &flat); err == nil && len(flat) > 0 {
		return Vector(flat), nil
	}
	var nested [][]float32
	if err := json.Unmarshal(data, &nested); err == nil && len(nested) > 0 && len(nested[0]) > 0 {
		return Vector(nested[0]), nil
	}
	return nil, fmt.Errorf("%w: unrecognized embedding payload", provider.ErrInvalidResponse)
}
