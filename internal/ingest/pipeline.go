package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"docquery/internal/chunker"
	"docquery/internal/embeddings"
	"docquery/internal/parser"
	"docquery/internal/retry"
	"docquery/internal/store"
)

// Reason codes recorded on documents.fail_reason.
const (
	ReasonUnsupportedFormat = "unsupported_format"
	ReasonCorruptDocument   = "corrupt_document"
	ReasonEmbeddingFailed   = "embedding_failed"
	ReasonStorageWrite      = "storage_write_failed"
	ReasonCancelled         = "cancelled"
)

// ErrStorageWrite marks a vector store write failure; the pipeline has
// already run its compensating delete by the time it surfaces.
var ErrStorageWrite = errors.New("storage write failed")

// Pipeline carries one document from raw bytes to durable vector chunks:
// parse, chunk, embed, store. Stages run in order and never restart
// automatically; a caller retries the whole pipeline on failure. On any
// failure no partial chunks remain and the document is marked failed with a
// reason code.
type Pipeline struct {
	Store    store.Store
	Embedder embeddings.Embedder
	Chunking chunker.Options

	// Provider call budget: each embed call gets CallTimeout and is retried
	// up to Attempts times with Backoff for retryable errors only.
	Attempts    int
	Backoff     time.Duration
	CallTimeout time.Duration

	Log *slog.Logger
}

// Run processes one document. Returns the stage error; callers decide
// whether a whole-pipeline retry is worthwhile (provider.Retryable).
func (p *Pipeline) Run(ctx context.Context, docID uuid.UUID, contentType parser.ContentType, content []byte) error {
	log := p.Log.With("document_id", docID)

	text, err := parser.Extract(content, contentType)
	if err != nil {
		// Deterministic input, retry cannot help.
		return p.fail(ctx, docID, reasonForParseError(err), err)
	}

	chunks := chunker.Split(text, p.Chunking)
	log.Debug("document chunked", "chunks", len(chunks))

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	var vectors []embeddings.Vector
	err = retry.Do(ctx, p.Attempts, p.Backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
		defer cancel()
		var embedErr error
		vectors, embedErr = p.Embedder.EmbedBatch(callCtx, texts)
		return embedErr
	})
	if err != nil {
		return p.fail(ctx, docID, reasonForProviderError(ctx, err), err)
	}
	if len(vectors) != len(chunks) {
		err := fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
		return p.fail(ctx, docID, ReasonEmbeddingFailed, err)
	}

	records := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		records[i] = store.Chunk{
			DocumentID: docID,
			Ord:        c.Index,
			Text:       c.Text,
			TokenCount: c.TokenCount,
			Embedding:  vectors[i],
		}
	}
	if err := p.Store.InsertChunks(ctx, docID, records); err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrStorageWrite, err)
		return p.fail(ctx, docID, ReasonStorageWrite, wrapped)
	}

	if err := p.Store.UpdateDocumentStatus(ctx, docID, store.StatusProcessed, ""); err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrStorageWrite, err)
		return p.fail(ctx, docID, ReasonStorageWrite, wrapped)
	}

	log.Info("document processed", "chunks", len(chunks))
	return nil
}

// fail runs the compensating delete and records the failure. Cleanup uses a
// detached context so a cancelled request still leaves no partial chunks.
func (p *Pipeline) fail(ctx context.Context, docID uuid.UUID, reason string, cause error) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	log := p.Log.With("document_id", docID)
	if err := p.Store.DeleteChunks(cleanupCtx, docID); err != nil {
		log.Error("compensating delete failed", "err", err)
	}
	if err := p.Store.UpdateDocumentStatus(cleanupCtx, docID, store.StatusFailed, reason); err != nil {
		log.Error("failed to mark document failed", "err", err)
	}
	log.Warn("ingestion failed", "reason", reason, "err", cause)
	return cause
}

func reasonForParseError(err error) string {
	if errors.Is(err, parser.ErrUnsupportedFormat) {
		return ReasonUnsupportedFormat
	}
	return ReasonCorruptDocument
}

func reasonForProviderError(ctx context.Context, err error) string {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	return ReasonEmbeddingFailed
}
