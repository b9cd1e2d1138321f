package llm

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

// HuggingFaceClient calls the HuggingFace inference API text-generation
// endpoint.
type HuggingFaceClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewHuggingFaceClient(apiKey, model string) (*HuggingFaceClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if model == "" {
		return nil, fmt.Errorf("model required")
	}
	return &HuggingFaceClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultHFBaseURL,
		client:  http.DefaultClient,
	}, nil
}

func (c *HuggingFaceClient) Complete(ctx context.Context, system, user string) (string, error) {
	payload := map[string]any{
		"inputs": system + "\n\n" + user,
		"parameters": map[string]any{
			"max_new_tokens":   500,
			"return_full_text": false,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+c.model, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", provider.Classify(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", provider.Classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", provider.FromStatus(resp.StatusCode, string(data))
	}

	var results []struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := json.Unmarshal(data, &results); err != nil || len(results) == 0 || results[0].GeneratedText == "" {
		return "", fmt.Errorf("%w: unrecognized completion payload", provider.ErrInvalidResponse)
	}
	return results[0].GeneratedText, nil
}
