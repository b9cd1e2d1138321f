package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"docquery/internal/embeddings"
)

type DocumentStatus string

const (
	StatusPending   DocumentStatus = "pending"
	StatusProcessed DocumentStatus = "processed"
	StatusFailed    DocumentStatus = "failed"
)

var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

type Document struct {
	ID          uuid.UUID
	Filename    string
	ContentType string
	Status      DocumentStatus
	FailReason  string
	CreatedAt   time.Time
}

// Chunk is one embedded slice of a document. Ord values for a document are
// contiguous from 0 in original text order.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Ord        int
	Text       string
	TokenCount int
	Embedding  embeddings.Vector
}

type SearchResult struct {
	Chunk    Chunk
	Filename string
	Score    float32
}

// Health reports the diagnostics the setup tooling polls.
type Health struct {
	Connected   bool   `json:"connected"`
	SchemaReady bool   `json:"schema_ready"`
	Dimension   int    `json:"dimension"`
	Error       string `json:"error,omitempty"`
}

// Store defines the persistence contract for documents and their vector
// chunks.
type Store interface {
	// CreateDocument persists the document row together with its raw upload
	// bytes; workers read the bytes back instead of receiving them on the
	// queue, which keeps task payloads within broker message limits.
	CreateDocument(ctx context.Context, filename, contentType string, content []byte) (Document, error)
	GetDocument(ctx context.Context, id uuid.UUID) (Document, error)
	// DocumentContent returns the raw bytes stored at upload time.
	DocumentContent(ctx context.Context, id uuid.UUID) ([]byte, error)
	ListDocuments(ctx context.Context, limit, offset int) ([]Document, error)
	// UpdateDocumentStatus sets status and, for failures, a reason code.
	UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus, reason string) error
	// InsertChunks writes all chunks and embeddings for one document in a
	// single transaction: either every chunk lands or none do. Fails fast
	// with ErrDimensionMismatch before touching the database if any
	// embedding has the wrong dimension.
	InsertChunks(ctx context.Context, docID uuid.UUID, chunks []Chunk) error
	// DeleteChunks removes all chunks for a document, used as compensation
	// when ingestion fails after a partial write.
	DeleteChunks(ctx context.Context, docID uuid.UUID) error
	// DeleteDocument removes the document row; chunks cascade.
	DeleteDocument(ctx context.Context, id uuid.UUID) error
	// Search returns up to topK chunks of processed documents ranked by
	// cosine similarity to vector, ties broken by (ord, document_id).
	Search(ctx context.Context, vector embeddings.Vector, topK int) ([]SearchResult, error)
	Health(ctx context.Context) Health
}
