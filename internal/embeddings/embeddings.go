package embeddings

import (
	"context"
	"fmt"

	"docquery/internal/provider"
)

// Vector is a fixed-dimension embedding vector.
type Vector []float32

// Embedder turns texts into embedding vectors. Implementations preserve
// input order and return exactly one vector per input text, splitting large
// inputs into as few provider calls as the backend's request limits allow.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([]Vector, error)
}

// Probe issues one embedding call and verifies the returned dimension
// matches the configured one. A mismatch is a fatal configuration error and
// must abort process start rather than fail per-request.
func Probe(ctx context.Context, e Embedder, dimension int) error {
	vecs, err := e.EmbedBatch(ctx, []string{"dimension probe"})
	if err != nil {
		return fmt.Errorf("embedding probe failed: %w", err)
	}
	if len(vecs) != 1 {
		return fmt.Errorf("%w: probe returned %d vectors", provider.ErrInvalidResponse, len(vecs))
	}
	if len(vecs[0]) != dimension {
		return fmt.Errorf("embedding dimension mismatch: provider returned %d, configured %d", len(vecs[0]), dimension)
	}
	return nil
}

// batches splits texts into slices of at most size elements, preserving order.
func batches(texts []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		out = append(out, texts[start:end])
	}
	return out
}
