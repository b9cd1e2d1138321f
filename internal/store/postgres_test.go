package store

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"docquery/internal/embeddings"
)

// newTestStore connects to the database named by DB_URL. The tests need a
// scratch database because the chunks table is created with dimension 3.
func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("DB_URL")
	if dsn == "" {
		t.Skip("DB_URL not set; skipping Postgres integration tests")
	}
	s, err := NewPostgres(dsn, Options{Dimension: 3})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	return s
}

func createProcessedDocument(t *testing.T, s *PostgresStore, filename string, chunks []Chunk) Document {
	t.Helper()
	ctx := context.Background()
	doc, err := s.CreateDocument(ctx, filename, "txt", []byte("content"))
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	t.Cleanup(func() { _ = s.DeleteDocument(context.Background(), doc.ID) })

	for i := range chunks {
		chunks[i].DocumentID = doc.ID
	}
	if err := s.InsertChunks(ctx, doc.ID, chunks); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	if err := s.UpdateDocumentStatus(ctx, doc.ID, StatusProcessed, ""); err != nil {
		t.Fatalf("UpdateDocumentStatus: %v", err)
	}
	return doc
}

func TestSearchTieBreakAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two documents, each with chunks at ord 0 and 1, all sharing the same
	// embedding so every result ties on distance.
	same := embeddings.Vector{1, 0, 0}
	docX := createProcessedDocument(t, s, "x.txt", []Chunk{
		{Ord: 0, Text: "x0", TokenCount: 1, Embedding: same},
		{Ord: 1, Text: "x1", TokenCount: 1, Embedding: same},
	})
	docY := createProcessedDocument(t, s, "y.txt", []Chunk{
		{Ord: 0, Text: "y0", TokenCount: 1, Embedding: same},
		{Ord: 1, Text: "y1", TokenCount: 1, Embedding: same},
	})

	lo, hi := docX.ID, docY.ID
	if bytes.Compare(hi[:], lo[:]) < 0 {
		lo, hi = hi, lo
	}

	results, err := s.Search(ctx, same, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	// Equal distances rank by ord first, then document id.
	wantOrder := []struct {
		ord   int
		docID uuid.UUID
	}{
		{0, lo}, {0, hi}, {1, lo}, {1, hi},
	}
	for i, want := range wantOrder {
		got := results[i].Chunk
		if got.Ord != want.ord || got.DocumentID != want.docID {
			t.Errorf("result %d: got (ord=%d doc=%s), want (ord=%d doc=%s)",
				i, got.Ord, got.DocumentID, want.ord, want.docID)
		}
	}
	for i, r := range results {
		if r.Score < 0.999 {
			t.Errorf("result %d: identical vector must score ~1, got %f", i, r.Score)
		}
	}

	// Repeating the search returns the identical ranking.
	again, err := s.Search(ctx, same, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for i := range results {
		if again[i].Chunk.ID != results[i].Chunk.ID {
			t.Fatalf("result %d differs between identical searches", i)
		}
	}

	// topK caps the result set at exactly k when more chunks exist.
	capped, err := s.Search(ctx, same, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(capped) != 3 {
		t.Fatalf("expected exactly 3 results, got %d", len(capped))
	}
	for i := range capped {
		if capped[i].Chunk.ID != results[i].Chunk.ID {
			t.Errorf("capped result %d is not a prefix of the full ranking", i)
		}
	}
}

func TestSearchRanksByDistance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createProcessedDocument(t, s, "mixed.txt", []Chunk{
		{Ord: 0, Text: "far", TokenCount: 1, Embedding: embeddings.Vector{0, 1, 0}},
		{Ord: 1, Text: "near", TokenCount: 1, Embedding: embeddings.Vector{1, 0, 0}},
	})

	results, err := s.Search(ctx, embeddings.Vector{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Chunk.Text != "near" || results[1].Chunk.Text != "far" {
		t.Errorf("expected nearest chunk first, got %q then %q",
			results[0].Chunk.Text, results[1].Chunk.Text)
	}
}

func TestDocumentContentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	raw := []byte("raw upload bytes \x00\x01\x02")
	doc, err := s.CreateDocument(ctx, "blob.txt", "txt", raw)
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	t.Cleanup(func() { _ = s.DeleteDocument(context.Background(), doc.ID) })

	got, err := s.DocumentContent(ctx, doc.ID)
	if err != nil {
		t.Fatalf("DocumentContent: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("content round trip mismatch: got %q", got)
	}

	if _, err := s.DocumentContent(ctx, uuid.New()); err != ErrDocumentNotFound {
		t.Errorf("expected ErrDocumentNotFound for unknown id, got %v", err)
	}
}
