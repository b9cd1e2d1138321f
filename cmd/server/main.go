package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"docquery/internal/app"
	"docquery/internal/cache"
	"docquery/internal/config"
	"docquery/internal/httputil"
	"docquery/internal/parser"
	"docquery/internal/query"
	"docquery/internal/queue"
	"docquery/internal/store"
)

// ingestTaskPayload travels through the queue to the ingester. It carries
// only the document ID; the raw bytes live on the document row, so the task
// stays far below NATS' max message size no matter how large the upload is.
type ingestTaskPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
}

type queryRequest struct {
	Question string `json:"question" validate:"required,min=3,max=500"`
	TopK     int    `json:"top_k" validate:"omitempty,min=1"`
}

type searchRequest struct {
	Query string `json:"query" validate:"required,min=1,max=500"`
	TopK  int    `json:"top_k" validate:"omitempty,min=1"`
}

func main() {
	deps, err := app.Build(context.Background(), "server")
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	engine := newEngine(deps)

	r := httputil.NewRouter(deps.Log)
	r.Post("/api/documents/upload", uploadHandler(deps))
	r.Get("/api/documents", listDocumentsHandler(deps))
	r.Get("/api/documents/{id}", getDocumentHandler(deps))
	r.Delete("/api/documents/{id}", deleteDocumentHandler(deps))
	r.Post("/api/query", queryHandler(deps, engine))
	r.Post("/api/search", searchHandler(deps, engine))
	r.Get("/healthz", healthHandler(deps))

	addr := fmt.Sprintf(":%d", deps.Config.Port)
	deps.Log.Info("server listening", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		deps.Log.Error("server failed", "err", err)
	}
}

func newEngine(deps app.Deps) *query.Engine {
	return &query.Engine{
		Store:    deps.Store,
		Embedder: deps.Embedder,
		LLM:      deps.LLM,
		Opts: query.Options{
			TopKDefault:      deps.Config.TopKDefault,
			TopKMax:          deps.Config.TopKMax,
			MaxContextTokens: deps.Config.MaxContextTokens,
			Attempts:         deps.Config.ProviderAttempts,
			Backoff:          200 * time.Millisecond,
			CallTimeout:      time.Duration(deps.Config.ProviderTimeoutMS) * time.Millisecond,
		},
		Log: deps.Log,
	}
}

func uploadHandler(deps app.Deps) http.HandlerFunc {
	maxFileSize := deps.Config.MaxUploadSize

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if r.ContentLength > maxFileSize {
			httputil.Fail(deps.Log, w, fmt.Sprintf("file too large (max %d bytes)", maxFileSize), nil, http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxFileSize)

		file, header, err := r.FormFile("file")
		if err != nil {
			httputil.Fail(deps.Log, w, "file is required", err, http.StatusBadRequest)
			return
		}
		defer file.Close()

		if header.Size > maxFileSize {
			httputil.Fail(deps.Log, w, fmt.Sprintf("file too large (max %d bytes)", maxFileSize), nil, http.StatusRequestEntityTooLarge)
			return
		}

		contentType, err := parser.TypeFromMIME(header.Header.Get("Content-Type"), header.Filename)
		if err != nil {
			httputil.Fail(deps.Log, w, "unsupported file type (only PDF, DOCX and TXT allowed)", err, http.StatusBadRequest)
			return
		}

		content, err := io.ReadAll(file)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to read file", err, http.StatusInternalServerError)
			return
		}

		doc, err := deps.Store.CreateDocument(ctx, header.Filename, string(contentType), content)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to persist document", err, http.StatusInternalServerError)
			return
		}

		body, err := json.Marshal(ingestTaskPayload{DocumentID: doc.ID})
		if err != nil {
			fail(deps, ctx, w, "marshal payload failed", err, doc.ID, http.StatusInternalServerError)
			return
		}
		task := queue.Task{
			Type:        queue.TaskTypeIngest,
			Payload:     body,
			MaxAttempts: deps.Config.IngestMaxAttempts,
		}
		if err := queue.EnqueueWithRetry(ctx, deps.Queue, task, 3, 200*time.Millisecond); err != nil {
			fail(deps, ctx, w, "failed to enqueue document; please retry", err, doc.ID, http.StatusInternalServerError)
			return
		}

		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
			"document_id": doc.ID.String(),
			"status":      doc.Status,
		})
	}
}

// fail marks the document failed before answering, so a rejected upload
// never appears stuck in pending.
func fail(deps app.Deps, ctx context.Context, w http.ResponseWriter, message string, err error, docID uuid.UUID, status int) {
	log := deps.Log.With("document_id", docID)
	if docID != uuid.Nil {
		if upErr := deps.Store.UpdateDocumentStatus(ctx, docID, store.StatusFailed, "enqueue_failed"); upErr != nil {
			log.Error("failed to mark document failed", "err", upErr)
		}
	}
	httputil.Fail(log, w, message, err, status)
}

func listDocumentsHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)
		if limit > 200 {
			limit = 200
		}
		offset := queryInt(r, "offset", 0)

		docs, err := deps.Store.ListDocuments(r.Context(), limit, offset)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to list documents", err, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"documents": docs})
	}
}

func getDocumentHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid document id", err, http.StatusBadRequest)
			return
		}
		doc, err := deps.Store.GetDocument(r.Context(), docID)
		if errors.Is(err, store.ErrDocumentNotFound) {
			httputil.Fail(deps.Log, w, "document not found", err, http.StatusNotFound)
			return
		}
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to load document", err, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, doc)
	}
}

func deleteDocumentHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid document id", err, http.StatusBadRequest)
			return
		}
		if err := deps.Store.DeleteDocument(r.Context(), docID); err != nil {
			if errors.Is(err, store.ErrDocumentNotFound) {
				httputil.Fail(deps.Log, w, "document not found", err, http.StatusNotFound)
				return
			}
			httputil.Fail(deps.Log, w, "failed to delete document", err, http.StatusInternalServerError)
			return
		}
		// Removed chunks change what retrieval can see.
		if err := deps.Cache.InvalidateAll(r.Context()); err != nil {
			deps.Log.Warn("cache invalidation failed", "err", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func queryHandler(deps app.Deps, engine *query.Engine) http.HandlerFunc {
	cacheTTL := time.Duration(deps.Config.CacheTTL) * time.Second

	return func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Fail(deps.Log, w, "invalid payload", err, http.StatusBadRequest)
			return
		}
		if err := httputil.Validator.Struct(&req); err != nil {
			httputil.ValidationError(deps.Log, w, err)
			return
		}

		topK, ok := resolveTopK(deps.Config, req.TopK)
		if !ok {
			httputil.Fail(deps.Log, w, fmt.Sprintf("top_k must be at most %d", deps.Config.TopKMax), nil, http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		key := cache.Key(req.Question, topK)
		if cached, err := deps.Cache.GetAnswer(ctx, key); err == nil && cached != nil {
			deps.Log.Info("cache hit", "question", req.Question)
			httputil.WriteJSON(w, http.StatusOK, map[string]any{
				"answer":  cached.Text,
				"sources": cachedSources(cached.Sources),
				"cached":  true,
			})
			return
		}

		ans, err := engine.Ask(ctx, req.Question, topK)
		switch {
		case errors.Is(err, query.ErrTimeout):
			httputil.Fail(deps.Log, w, "query timed out; please retry", err, http.StatusGatewayTimeout)
			return
		case errors.Is(err, query.ErrGenerationFailed):
			httputil.Fail(deps.Log, w, "answering service unavailable; please retry", err, http.StatusServiceUnavailable)
			return
		case err != nil:
			httputil.Fail(deps.Log, w, "query failed", err, http.StatusInternalServerError)
			return
		}

		if err := deps.Cache.SetAnswer(ctx, key, toCached(ans), cacheTTL); err != nil {
			deps.Log.Warn("failed to cache answer", "err", err)
		}

		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"answer":  ans.Text,
			"sources": ans.Sources,
			"cached":  false,
		})
	}
}

// searchHandler exposes retrieval without generation: the ranked chunks and
// their similarity scores, useful for inspecting what a question would be
// answered from.
func searchHandler(deps app.Deps, engine *query.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Fail(deps.Log, w, "invalid payload", err, http.StatusBadRequest)
			return
		}
		if err := httputil.Validator.Struct(&req); err != nil {
			httputil.ValidationError(deps.Log, w, err)
			return
		}
		topK, ok := resolveTopK(deps.Config, req.TopK)
		if !ok {
			httputil.Fail(deps.Log, w, fmt.Sprintf("top_k must be at most %d", deps.Config.TopKMax), nil, http.StatusBadRequest)
			return
		}

		results, err := engine.Search(r.Context(), req.Query, topK)
		if err != nil {
			if errors.Is(err, query.ErrTimeout) {
				httputil.Fail(deps.Log, w, "search timed out; please retry", err, http.StatusGatewayTimeout)
				return
			}
			httputil.Fail(deps.Log, w, "search failed", err, http.StatusInternalServerError)
			return
		}

		out := make([]map[string]any, len(results))
		for i, res := range results {
			out[i] = map[string]any{
				"chunk_id":    res.Chunk.ID,
				"document_id": res.Chunk.DocumentID,
				"filename":    res.Filename,
				"chunk_index": res.Chunk.Ord,
				"text":        res.Chunk.Text,
				"score":       res.Score,
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"query":   req.Query,
			"total":   len(out),
			"results": out,
		})
	}
}

// resolveTopK applies the default and checks the requested value against the
// configured maximum, which is tunable and so cannot live in a struct tag.
func resolveTopK(cfg config.Config, requested int) (int, bool) {
	if requested <= 0 {
		return cfg.TopKDefault, true
	}
	if requested > cfg.TopKMax {
		return 0, false
	}
	return requested, true
}

func healthHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := deps.Store.Health(r.Context())
		status := http.StatusOK
		if !h.Connected || !h.SchemaReady {
			status = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, status, map[string]any{
			"store":    h,
			"provider": deps.Config.Provider,
		})
	}
}

func toCached(ans query.Answer) *cache.Answer {
	sources := make([]cache.Source, len(ans.Sources))
	for i, s := range ans.Sources {
		sources[i] = cache.Source{
			ChunkID:    s.ChunkID.String(),
			DocumentID: s.DocumentID.String(),
			Filename:   s.Filename,
			ChunkIndex: s.ChunkIndex,
			Score:      s.Score,
			Preview:    s.Preview,
		}
	}
	return &cache.Answer{Text: ans.Text, Sources: sources}
}

// cachedSources keeps the response shape identical for cached and fresh
// answers; an empty slice renders as [] instead of null.
func cachedSources(sources []cache.Source) []cache.Source {
	if sources == nil {
		return []cache.Source{}
	}
	return sources
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
