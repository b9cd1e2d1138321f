package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"docquery/internal/embeddings"
	"docquery/internal/llm"
	"docquery/internal/retry"
	"docquery/internal/store"
)

var (
	// ErrGenerationFailed wraps completion provider failures. Surfaced as a
	// user-visible "answering service unavailable" message, never as a
	// fabricated answer.
	ErrGenerationFailed = errors.New("answer generation failed")
	// ErrTimeout marks a query that ran out of its time budget; no partial
	// answer accompanies it.
	ErrTimeout = errors.New("query timed out")
)

// NoInformationAnswer is returned when retrieval finds nothing to ground an
// answer on. The model is not called in that case.
const NoInformationAnswer = "I couldn't find any relevant information to answer your question."

const systemPrompt = `You are a helpful assistant answering questions based on the provided document excerpts.
Only use information from the provided context to answer the question.
If the context doesn't contain the information needed to answer the question, say so clearly.
Do not make up or infer information that is not explicitly stated in the context.
Answer in markdown, concisely.`

// Options bounds retrieval and context assembly.
type Options struct {
	TopKDefault int
	TopKMax     int
	// MaxContextTokens caps the assembled context. Chunks are dropped whole,
	// lowest similarity first, never truncated mid-chunk.
	MaxContextTokens int
	Attempts         int
	Backoff          time.Duration
	CallTimeout      time.Duration
}

// Source attributes one retrieved chunk used for an answer.
type Source struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocumentID uuid.UUID `json:"document_id"`
	Filename   string    `json:"filename"`
	ChunkIndex int       `json:"chunk_index"`
	Score      float32   `json:"score"`
	Preview    string    `json:"preview"`
}

// Answer is the generated response plus the retrieval set it was grounded on.
type Answer struct {
	Text    string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// Engine is the stateless query pipeline: embed the question, rank stored
// chunks by similarity, generate a grounded answer.
type Engine struct {
	Store    store.Store
	Embedder embeddings.Embedder
	LLM      llm.Client
	Opts     Options
	Log      *slog.Logger
}

// Ask answers one question. topK <= 0 selects the configured default; values
// above the maximum are clamped.
func (e *Engine) Ask(ctx context.Context, question string, topK int) (Answer, error) {
	results, err := e.retrieve(ctx, question, topK)
	if err != nil {
		return Answer{}, err
	}
	return e.generate(ctx, question, results)
}

// Search runs retrieval only: embed the question and rank stored chunks by
// similarity, without calling the model. Same clamping rules as Ask.
func (e *Engine) Search(ctx context.Context, question string, topK int) ([]store.SearchResult, error) {
	return e.retrieve(ctx, question, topK)
}

func (e *Engine) retrieve(ctx context.Context, question string, topK int) ([]store.SearchResult, error) {
	topK = e.clampTopK(topK)

	var vecs []embeddings.Vector
	err := retry.Do(ctx, e.Opts.Attempts, e.Opts.Backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.Opts.CallTimeout)
		defer cancel()
		var embedErr error
		vecs, embedErr = e.Embedder.EmbedBatch(callCtx, []string{question})
		return embedErr
	})
	if err != nil {
		return nil, mapTimeout(ctx, fmt.Errorf("embed question: %w", err))
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed question: expected 1 vector, got %d", len(vecs))
	}

	results, err := e.Store.Search(ctx, vecs[0], topK)
	if err != nil {
		return nil, mapTimeout(ctx, fmt.Errorf("similarity search: %w", err))
	}
	return results, nil
}

func (e *Engine) generate(ctx context.Context, question string, results []store.SearchResult) (Answer, error) {
	sources := buildSources(results)

	kept := e.fitContext(results)
	if len(kept) == 0 {
		return Answer{Text: NoInformationAnswer, Sources: nil}, nil
	}

	user := buildUserPrompt(question, kept)
	var text string
	err := retry.Do(ctx, e.Opts.Attempts, e.Opts.Backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.Opts.CallTimeout)
		defer cancel()
		var llmErr error
		text, llmErr = e.LLM.Complete(callCtx, systemPrompt, user)
		return llmErr
	})
	if err != nil {
		if timeoutErr := mapTimeout(ctx, err); errors.Is(timeoutErr, ErrTimeout) {
			return Answer{}, timeoutErr
		}
		return Answer{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return Answer{Text: text, Sources: sources[:len(kept)]}, nil
}

func (e *Engine) clampTopK(topK int) int {
	if topK <= 0 {
		topK = e.Opts.TopKDefault
	}
	if e.Opts.TopKMax > 0 && topK > e.Opts.TopKMax {
		topK = e.Opts.TopKMax
	}
	return topK
}

// fitContext keeps the highest-similarity prefix of results whose combined
// token count fits the context budget. Results arrive ranked, so dropping
// the suffix drops the least relevant chunks first.
func (e *Engine) fitContext(results []store.SearchResult) []store.SearchResult {
	if e.Opts.MaxContextTokens <= 0 {
		return results
	}
	total := 0
	for i, r := range results {
		total += r.Chunk.TokenCount
		if total > e.Opts.MaxContextTokens {
			return results[:i]
		}
	}
	return results
}

func buildUserPrompt(question string, results []store.SearchResult) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "[Source %d: %s (chunk %d)]\n", i+1, r.Filename, r.Chunk.Ord+1)
		b.WriteString(strings.TrimSpace(r.Chunk.Text))
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

func buildSources(results []store.SearchResult) []Source {
	sources := make([]Source, len(results))
	for i, r := range results {
		sources[i] = Source{
			ChunkID:    r.Chunk.ID,
			DocumentID: r.Chunk.DocumentID,
			Filename:   r.Filename,
			ChunkIndex: r.Chunk.Ord,
			Score:      r.Score,
			Preview:    truncate(strings.TrimSpace(r.Chunk.Text), 150),
		}
	}
	return sources
}

// mapTimeout converts a deadline expiry on the request context into
// ErrTimeout so callers report it distinctly.
func mapTimeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// truncate limits text to maxLen characters, cutting at a word boundary.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if idx := strings.LastIndex(s[:maxLen], " "); idx > 0 {
		return s[:idx] + "..."
	}
	return s[:maxLen] + "..."
}
