package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Cache provides query result caching.
type Cache interface {
	// GetAnswer retrieves a cached query result by key. Returns nil on miss.
	GetAnswer(ctx context.Context, key string) (*Answer, error)

	// SetAnswer stores a query result with TTL.
	SetAnswer(ctx context.Context, key string, answer *Answer, ttl time.Duration) error

	// InvalidateAll drops every cached answer; called whenever the set of
	// searchable documents changes.
	InvalidateAll(ctx context.Context) error

	// Close closes the cache connection.
	Close() error
}

// Answer is a cached query response.
type Answer struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources"`
}

// Source is one retrieved chunk attribution in a cached answer.
type Source struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float32 `json:"score"`
	Preview    string  `json:"preview"`
}

// Key derives a stable cache key from the question and top_k.
func Key(question string, topK int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", topK, question)))
	return hex.EncodeToString(sum[:])
}
