package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"docquery/internal/app"
	"docquery/internal/chunker"
	"docquery/internal/httputil"
	"docquery/internal/ingest"
	"docquery/internal/parser"
	"docquery/internal/provider"
	"docquery/internal/queue"
	"docquery/internal/store"
)

// ingestTaskPayload mirrors what the server enqueues on upload. The raw
// bytes are read back from the store, not carried on the queue.
type ingestTaskPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
}

func main() {
	deps, err := app.Build(context.Background(), "ingester")
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	deps.Log.Info("ingester starting")

	pipeline := &ingest.Pipeline{
		Store:    deps.Store,
		Embedder: deps.Embedder,
		Chunking: chunker.Options{
			Size:    deps.Config.ChunkSize,
			Overlap: deps.Config.ChunkOverlap,
		},
		Attempts:    deps.Config.ProviderAttempts,
		Backoff:     200 * time.Millisecond,
		CallTimeout: time.Duration(deps.Config.ProviderTimeoutMS) * time.Millisecond,
		Log:         deps.Log,
	}

	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		return deps.Queue.Worker(ctx, queue.TaskTypeIngest, ingestHandler(deps, pipeline))
	})

	g.Go(func() error {
		return httputil.ServeHealth(deps.Log, deps.Config.Port, func() error {
			h := deps.Store.Health(ctx)
			if !h.Connected {
				return fmt.Errorf("store unavailable: %s", h.Error)
			}
			return nil
		})
	})

	if err := g.Wait(); err != nil {
		deps.Log.Error("ingester stopped", "err", err)
	}
}

// ingestHandler runs the whole pipeline per task. Returning an error
// re-enqueues the task with backoff, so only retryable provider failures
// propagate; terminal failures are already recorded on the document and
// must not spin the queue.
func ingestHandler(deps app.Deps, pipeline *ingest.Pipeline) queue.Handler {
	return func(ctx context.Context, task queue.Task) error {
		var payload ingestTaskPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			deps.Log.Error("bad task payload, dropping", "task_id", task.ID, "err", err)
			return nil
		}
		log := deps.Log.With("document_id", payload.DocumentID)

		doc, err := deps.Store.GetDocument(ctx, payload.DocumentID)
		if errors.Is(err, store.ErrDocumentNotFound) {
			log.Warn("document gone before ingestion, dropping task")
			return nil
		}
		if err != nil {
			return err
		}
		content, err := deps.Store.DocumentContent(ctx, payload.DocumentID)
		if err != nil {
			if errors.Is(err, store.ErrDocumentNotFound) {
				log.Warn("document gone before ingestion, dropping task")
				return nil
			}
			return err
		}

		err = pipeline.Run(ctx, doc.ID, parser.ContentType(doc.ContentType), content)
		if err != nil {
			if provider.Retryable(err) {
				log.Warn("ingestion will be retried", "attempt", task.Attempts+1, "err", err)
				return err
			}
			return nil
		}

		// New chunks change what retrieval can see.
		if err := deps.Cache.InvalidateAll(ctx); err != nil {
			log.Warn("cache invalidation failed", "err", err)
		}
		return nil
	}
}
