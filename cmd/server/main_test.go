package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"docquery/internal/app"
	"docquery/internal/cache"
	"docquery/internal/config"
	"docquery/internal/embeddings"
	"docquery/internal/llm"
	"docquery/internal/query"
	"docquery/internal/queue"
	"docquery/internal/store"
)

func newTestDeps(st store.Store, q queue.Queue, c cache.Cache) app.Deps {
	return app.Deps{
		Store: st,
		Queue: q,
		Cache: c,
		Config: config.Config{
			MaxUploadSize:     1024 * 1024, // 1MB for tests
			TopKDefault:       4,
			TopKMax:           20,
			MaxContextTokens:  3000,
			CacheTTL:          300,
			IngestMaxAttempts: 5,
			ProviderAttempts:  1,
			ProviderTimeoutMS: 1000,
		},
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestUploadHandler(t *testing.T) {
	validDocID := uuid.New()

	tests := []struct {
		name          string
		filename      string
		contentType   string
		content       []byte
		setup         func(*store.MockStore, *queue.MockQueue)
		wantStatus    int
		checkResponse func(*testing.T, *http.Response)
	}{
		{
			name:        "successful upload",
			filename:    "test.txt",
			contentType: "text/plain",
			content:     []byte("Hello"),
			setup: func(s *store.MockStore, q *queue.MockQueue) {
				s.On("CreateDocument", mock.Anything, "test.txt", "text/plain", []byte("Hello")).
					Return(store.Document{ID: validDocID, Status: store.StatusPending}, nil).Once()
				q.On("Enqueue", mock.Anything, mock.MatchedBy(func(task queue.Task) bool {
					if task.Type != queue.TaskTypeIngest || task.MaxAttempts != 5 {
						return false
					}
					var p ingestTaskPayload
					if err := json.Unmarshal(task.Payload, &p); err != nil {
						return false
					}
					return p.DocumentID == validDocID
				})).Return(nil).Once()
			},
			wantStatus: http.StatusAccepted,
			checkResponse: func(t *testing.T, resp *http.Response) {
				var result map[string]any
				if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
					t.Fatalf("Failed to decode response: %v", err)
				}
				if result["document_id"] != validDocID.String() {
					t.Errorf("Expected document_id %s, got %v", validDocID, result["document_id"])
				}
				if result["status"] != string(store.StatusPending) {
					t.Errorf("Expected status %s, got %v", store.StatusPending, result["status"])
				}
			},
		},
		{
			name:        "file too large",
			filename:    "large.txt",
			contentType: "text/plain",
			content:     make([]byte, 2*1024*1024), // 2MB
			wantStatus:  http.StatusRequestEntityTooLarge,
		},
		{
			name:        "missing Content-Type detects from extension",
			filename:    "report.docx",
			contentType: "",
			content:     []byte("content"),
			setup: func(s *store.MockStore, q *queue.MockQueue) {
				s.On("CreateDocument", mock.Anything, "report.docx", "docx", mock.Anything).
					Return(store.Document{ID: validDocID, Status: store.StatusPending}, nil).Once()
				q.On("Enqueue", mock.Anything, mock.Anything).Return(nil).Once()
			},
			wantStatus: http.StatusAccepted,
		},
		{
			name:        "unsupported type",
			filename:    "archive.zip",
			contentType: "application/zip",
			content:     []byte("content"),
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "CreateDocument failure",
			filename:    "test.txt",
			contentType: "text/plain",
			content:     []byte("content"),
			setup: func(s *store.MockStore, q *queue.MockQueue) {
				s.On("CreateDocument", mock.Anything, "test.txt", "text/plain", mock.Anything).
					Return(store.Document{}, errors.New("db error")).Once()
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:        "Enqueue failure marks doc failed",
			filename:    "test.txt",
			contentType: "text/plain",
			content:     []byte("content"),
			setup: func(s *store.MockStore, q *queue.MockQueue) {
				s.On("CreateDocument", mock.Anything, "test.txt", "text/plain", mock.Anything).
					Return(store.Document{ID: validDocID, Status: store.StatusPending}, nil).Once()
				q.On("Enqueue", mock.Anything, mock.Anything).Return(errors.New("queue error")).Times(3)
				s.On("UpdateDocumentStatus", mock.Anything, validDocID, store.StatusFailed, "enqueue_failed").Return(nil).Once()
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockStore := new(store.MockStore)
			mockQueue := new(queue.MockQueue)

			if tt.setup != nil {
				tt.setup(mockStore, mockQueue)
			}

			deps := newTestDeps(mockStore, mockQueue, cache.NewNoOpCache())
			handler := uploadHandler(deps)

			req, err := createMultipartRequest(tt.filename, tt.contentType, tt.content)
			if err != nil {
				t.Fatalf("Failed to create request: %v", err)
			}

			w := httptest.NewRecorder()
			handler(w, req)

			resp := w.Result()
			if resp.StatusCode != tt.wantStatus {
				body, _ := io.ReadAll(resp.Body)
				t.Errorf("Expected status %d, got %d. Body: %s", tt.wantStatus, resp.StatusCode, string(body))
			}

			if tt.checkResponse != nil {
				resp.Body = io.NopCloser(bytes.NewReader(w.Body.Bytes()))
				tt.checkResponse(t, resp)
			}

			mockStore.AssertExpectations(t)
			mockQueue.AssertExpectations(t)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		deps := newTestDeps(new(store.MockStore), new(queue.MockQueue), cache.NewNoOpCache())
		handler := uploadHandler(deps)

		req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", nil)
		req.Header.Set("Content-Type", "multipart/form-data")
		w := httptest.NewRecorder()

		handler(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})
}

func TestUploadTaskPayloadBounded(t *testing.T) {
	// Raw bytes stay on the document row, so the queue message must remain
	// tiny regardless of upload size (NATS defaults to a 1MB payload cap).
	validDocID := uuid.New()
	mockStore := new(store.MockStore)
	mockQueue := new(queue.MockQueue)

	content := bytes.Repeat([]byte("a"), 900*1024)
	mockStore.On("CreateDocument", mock.Anything, "big.txt", "text/plain", content).
		Return(store.Document{ID: validDocID, Status: store.StatusPending}, nil).Once()
	mockQueue.On("Enqueue", mock.Anything, mock.MatchedBy(func(task queue.Task) bool {
		return len(task.Payload) < 1024
	})).Return(nil).Once()

	deps := newTestDeps(mockStore, mockQueue, cache.NewNoOpCache())
	handler := uploadHandler(deps)

	req, err := createMultipartRequest("big.txt", "text/plain", content)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d. Body: %s", w.Code, w.Body.String())
	}
	mockQueue.AssertExpectations(t)
}

func TestQueryTopKMaxFollowsConfig(t *testing.T) {
	// The bound lives in config, not in a struct tag, so raising TOP_K_MAX
	// must let larger values through.
	mockStore := new(store.MockStore)
	mockEmbedder := new(embeddings.MockEmbedder)
	mockCache := new(cache.MockCache)

	mockCache.On("GetAnswer", mock.Anything, mock.Anything).Return((*cache.Answer)(nil), nil).Once()
	mockCache.On("SetAnswer", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	mockEmbedder.On("EmbedBatch", mock.Anything, mock.Anything).
		Return([]embeddings.Vector{{0.1}}, nil).Once()
	mockStore.On("Search", mock.Anything, mock.Anything, 30).
		Return([]store.SearchResult{}, nil).Once()

	deps := newTestDeps(mockStore, new(queue.MockQueue), mockCache)
	deps.Config.TopKMax = 50
	deps.Embedder = mockEmbedder
	deps.LLM = new(llm.MockClient)
	handler := queryHandler(deps, newEngine(deps))

	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"question": "what is go?", "top_k": 30}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}
	mockStore.AssertExpectations(t)
}

func TestSearchHandler(t *testing.T) {
	result := store.SearchResult{
		Chunk: store.Chunk{
			ID:         uuid.New(),
			DocumentID: uuid.New(),
			Ord:        2,
			Text:       "Go is a programming language.",
			TokenCount: 10,
		},
		Filename: "go.txt",
		Score:    0.9,
	}

	tests := []struct {
		name          string
		body          string
		setup         func(*store.MockStore, *embeddings.MockEmbedder)
		wantStatus    int
		checkResponse func(*testing.T, map[string]any)
	}{
		{
			name: "successful search",
			body: `{"query": "what is go?", "top_k": 2}`,
			setup: func(s *store.MockStore, e *embeddings.MockEmbedder) {
				e.On("EmbedBatch", mock.Anything, []string{"what is go?"}).
					Return([]embeddings.Vector{{0.1}}, nil).Once()
				s.On("Search", mock.Anything, mock.Anything, 2).
					Return([]store.SearchResult{result}, nil).Once()
			},
			wantStatus: http.StatusOK,
			checkResponse: func(t *testing.T, got map[string]any) {
				if got["total"] != float64(1) {
					t.Errorf("expected total 1, got %v", got["total"])
				}
				results, ok := got["results"].([]any)
				if !ok || len(results) != 1 {
					t.Fatalf("expected 1 result, got %v", got["results"])
				}
				first := results[0].(map[string]any)
				if first["filename"] != "go.txt" || first["chunk_index"] != float64(2) {
					t.Errorf("unexpected result attribution: %v", first)
				}
				if first["text"] != "Go is a programming language." {
					t.Errorf("expected full chunk text, got %v", first["text"])
				}
			},
		},
		{
			name: "empty store",
			body: `{"query": "anything"}`,
			setup: func(s *store.MockStore, e *embeddings.MockEmbedder) {
				e.On("EmbedBatch", mock.Anything, mock.Anything).
					Return([]embeddings.Vector{{0.1}}, nil).Once()
				s.On("Search", mock.Anything, mock.Anything, 4).
					Return([]store.SearchResult{}, nil).Once()
			},
			wantStatus: http.StatusOK,
			checkResponse: func(t *testing.T, got map[string]any) {
				if got["total"] != float64(0) {
					t.Errorf("expected total 0, got %v", got["total"])
				}
				if _, ok := got["results"].([]any); !ok {
					t.Errorf("results must be an empty array, got %v", got["results"])
				}
			},
		},
		{
			name:       "missing query",
			body:       `{"top_k": 2}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "top_k above configured max",
			body:       `{"query": "anything", "top_k": 21}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockStore := new(store.MockStore)
			mockEmbedder := new(embeddings.MockEmbedder)

			if tt.setup != nil {
				tt.setup(mockStore, mockEmbedder)
			}

			deps := newTestDeps(mockStore, new(queue.MockQueue), cache.NewNoOpCache())
			deps.Embedder = mockEmbedder
			deps.LLM = new(llm.MockClient)
			handler := searchHandler(deps, newEngine(deps))

			req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			handler(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d. Body: %s", tt.wantStatus, w.Code, w.Body.String())
			}

			if tt.checkResponse != nil {
				var result map[string]any
				if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
					t.Fatalf("Failed to decode response: %v", err)
				}
				tt.checkResponse(t, result)
			}

			mockStore.AssertExpectations(t)
			mockEmbedder.AssertExpectations(t)
		})
	}
}

func TestQueryHandler(t *testing.T) {
	resultChunk := store.SearchResult{
		Chunk: store.Chunk{
			ID:         uuid.New(),
			DocumentID: uuid.New(),
			Ord:        0,
			Text:       "Go is a programming language.",
			TokenCount: 10,
		},
		Filename: "go.txt",
		Score:    0.9,
	}

	tests := []struct {
		name          string
		body          string
		setup         func(*store.MockStore, *embeddings.MockEmbedder, *llm.MockClient, *cache.MockCache)
		wantStatus    int
		checkResponse func(*testing.T, map[string]any)
	}{
		{
			name: "successful query",
			body: `{"question": "what is go?"}`,
			setup: func(s *store.MockStore, e *embeddings.MockEmbedder, c *llm.MockClient, cc *cache.MockCache) {
				cc.On("GetAnswer", mock.Anything, cache.Key("what is go?", 4)).Return((*cache.Answer)(nil), nil).Once()
				e.On("EmbedBatch", mock.Anything, []string{"what is go?"}).
					Return([]embeddings.Vector{{0.1}}, nil).Once()
				s.On("Search", mock.Anything, mock.Anything, 4).
					Return([]store.SearchResult{resultChunk}, nil).Once()
				c.On("Complete", mock.Anything, mock.Anything, mock.Anything).
					Return("Go is a programming language.", nil).Once()
				cc.On("SetAnswer", mock.Anything, cache.Key("what is go?", 4), mock.Anything, 300*time.Second).Return(nil).Once()
			},
			wantStatus: http.StatusOK,
			checkResponse: func(t *testing.T, result map[string]any) {
				if result["answer"] != "Go is a programming language." {
					t.Errorf("unexpected answer %v", result["answer"])
				}
				if result["cached"] != false {
					t.Error("fresh answer must report cached=false")
				}
				sources, ok := result["sources"].([]any)
				if !ok || len(sources) != 1 {
					t.Errorf("expected 1 source, got %v", result["sources"])
				}
			},
		},
		{
			name: "cache hit skips engine",
			body: `{"question": "what is go?", "top_k": 2}`,
			setup: func(s *store.MockStore, e *embeddings.MockEmbedder, c *llm.MockClient, cc *cache.MockCache) {
				cc.On("GetAnswer", mock.Anything, cache.Key("what is go?", 2)).
					Return(&cache.Answer{Text: "cached answer"}, nil).Once()
			},
			wantStatus: http.StatusOK,
			checkResponse: func(t *testing.T, result map[string]any) {
				if result["answer"] != "cached answer" {
					t.Errorf("unexpected answer %v", result["answer"])
				}
				if result["cached"] != true {
					t.Error("cache hit must report cached=true")
				}
			},
		},
		{
			name: "no information found",
			body: `{"question": "what is go?"}`,
			setup: func(s *store.MockStore, e *embeddings.MockEmbedder, c *llm.MockClient, cc *cache.MockCache) {
				cc.On("GetAnswer", mock.Anything, mock.Anything).Return((*cache.Answer)(nil), nil).Once()
				e.On("EmbedBatch", mock.Anything, mock.Anything).
					Return([]embeddings.Vector{{0.1}}, nil).Once()
				s.On("Search", mock.Anything, mock.Anything, 4).
					Return([]store.SearchResult{}, nil).Once()
				cc.On("SetAnswer", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
			},
			wantStatus: http.StatusOK,
			checkResponse: func(t *testing.T, result map[string]any) {
				if result["answer"] != query.NoInformationAnswer {
					t.Errorf("expected no-information answer, got %v", result["answer"])
				}
			},
		},
		{
			name: "generation failure",
			body: `{"question": "what is go?"}`,
			setup: func(s *store.MockStore, e *embeddings.MockEmbedder, c *llm.MockClient, cc *cache.MockCache) {
				cc.On("GetAnswer", mock.Anything, mock.Anything).Return((*cache.Answer)(nil), nil).Once()
				e.On("EmbedBatch", mock.Anything, mock.Anything).
					Return([]embeddings.Vector{{0.1}}, nil).Once()
				s.On("Search", mock.Anything, mock.Anything, 4).
					Return([]store.SearchResult{resultChunk}, nil).Once()
				c.On("Complete", mock.Anything, mock.Anything, mock.Anything).
					Return("", errors.New("boom")).Once()
			},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "question too short",
			body:       `{"question": "go"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "top_k out of range",
			body:       `{"question": "what is go?", "top_k": 100}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed payload",
			body:       `{`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockStore := new(store.MockStore)
			mockEmbedder := new(embeddings.MockEmbedder)
			mockLLM := new(llm.MockClient)
			mockCache := new(cache.MockCache)

			if tt.setup != nil {
				tt.setup(mockStore, mockEmbedder, mockLLM, mockCache)
			}

			deps := newTestDeps(mockStore, new(queue.MockQueue), mockCache)
			deps.Embedder = mockEmbedder
			deps.LLM = mockLLM
			handler := queryHandler(deps, newEngine(deps))

			req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			handler(w, req)

			resp := w.Result()
			if resp.StatusCode != tt.wantStatus {
				body, _ := io.ReadAll(resp.Body)
				t.Errorf("Expected status %d, got %d. Body: %s", tt.wantStatus, resp.StatusCode, string(body))
			}

			if tt.checkResponse != nil {
				var result map[string]any
				if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
					t.Fatalf("Failed to decode response: %v", err)
				}
				tt.checkResponse(t, result)
			}

			mockStore.AssertExpectations(t)
			mockEmbedder.AssertExpectations(t)
			mockLLM.AssertExpectations(t)
			mockCache.AssertExpectations(t)
		})
	}
}

func TestGetDocumentHandler(t *testing.T) {
	validDocID := uuid.New()

	tests := []struct {
		name       string
		docID      string
		setup      func(*store.MockStore)
		wantStatus int
	}{
		{
			name:  "found",
			docID: validDocID.String(),
			setup: func(s *store.MockStore) {
				s.On("GetDocument", mock.Anything, validDocID).
					Return(store.Document{ID: validDocID, Filename: "a.txt", Status: store.StatusProcessed}, nil).Once()
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "invalid UUID",
			docID:      "not-a-uuid",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:  "not found",
			docID: validDocID.String(),
			setup: func(s *store.MockStore) {
				s.On("GetDocument", mock.Anything, validDocID).
					Return(store.Document{}, store.ErrDocumentNotFound).Once()
			},
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockStore := new(store.MockStore)
			if tt.setup != nil {
				tt.setup(mockStore)
			}

			deps := newTestDeps(mockStore, new(queue.MockQueue), cache.NewNoOpCache())
			handler := getDocumentHandler(deps)

			w := httptest.NewRecorder()
			handler(w, requestWithID(http.MethodGet, "/api/documents/"+tt.docID, tt.docID))

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d. Body: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			mockStore.AssertExpectations(t)
		})
	}
}

func TestDeleteDocumentHandler(t *testing.T) {
	validDocID := uuid.New()

	t.Run("delete invalidates cache", func(t *testing.T) {
		mockStore := new(store.MockStore)
		mockCache := new(cache.MockCache)
		mockStore.On("DeleteDocument", mock.Anything, validDocID).Return(nil).Once()
		mockCache.On("InvalidateAll", mock.Anything).Return(nil).Once()

		deps := newTestDeps(mockStore, new(queue.MockQueue), mockCache)
		handler := deleteDocumentHandler(deps)

		w := httptest.NewRecorder()
		handler(w, requestWithID(http.MethodDelete, "/api/documents/"+validDocID.String(), validDocID.String()))

		if w.Code != http.StatusNoContent {
			t.Errorf("Expected status 204, got %d", w.Code)
		}
		mockStore.AssertExpectations(t)
		mockCache.AssertExpectations(t)
	})

	t.Run("not found", func(t *testing.T) {
		mockStore := new(store.MockStore)
		mockCache := new(cache.MockCache)
		mockStore.On("DeleteDocument", mock.Anything, validDocID).Return(store.ErrDocumentNotFound).Once()

		deps := newTestDeps(mockStore, new(queue.MockQueue), mockCache)
		handler := deleteDocumentHandler(deps)

		w := httptest.NewRecorder()
		handler(w, requestWithID(http.MethodDelete, "/api/documents/"+validDocID.String(), validDocID.String()))

		if w.Code != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", w.Code)
		}
		mockCache.AssertNotCalled(t, "InvalidateAll", mock.Anything)
	})
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		health     store.Health
		wantStatus int
	}{
		{
			name:       "healthy",
			health:     store.Health{Connected: true, SchemaReady: true, Dimension: 1536},
			wantStatus: http.StatusOK,
		},
		{
			name:       "store down",
			health:     store.Health{Connected: false, Error: "connection refused"},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockStore := new(store.MockStore)
			mockStore.On("Health", mock.Anything).Return(tt.health).Once()

			deps := newTestDeps(mockStore, new(queue.MockQueue), cache.NewNoOpCache())
			handler := healthHandler(deps)

			w := httptest.NewRecorder()
			handler(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}
}

func requestWithID(method, target, id string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func createMultipartRequest(filename, contentType string, content []byte) (*http.Request, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	h := make(map[string][]string)
	h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename)}
	if contentType != "" {
		h["Content-Type"] = []string{contentType}
	}

	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(content); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req, nil
}
