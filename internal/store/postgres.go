package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"docquery/internal/embeddings"
)

type PostgresStore struct {
	db        *sql.DB
	dimension int
	probes    int
}

// Options tunes the vector index. Lists controls ivfflat index creation
// (0 skips the index so searches run exact); Probes sets ivfflat.probes per
// search query (0 keeps the server default). Both trade recall for speed
// explicitly rather than silently.
type Options struct {
	Dimension int
	Lists     int
	Probes    int
}

func NewPostgres(dsn string, opts Options) (*PostgresStore, error) {
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", opts.Dimension)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{db: db, dimension: opts.Dimension, probes: opts.Probes}
	if err := s.migrate(context.Background(), opts.Lists); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context, lists int) error {
	// Use advisory lock to prevent concurrent migrations from multiple services.
	const lockID = 815423901

	var acquired bool
	err := s.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !acquired {
		// Another service is running migrations; wait briefly and skip
		time.Sleep(2 * time.Second)
		return nil
	}
	defer func() {
		_, _ = s.db.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)
	}()

	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			filename TEXT NOT NULL,
			content_type TEXT NOT NULL,
			status TEXT NOT NULL,
			fail_reason TEXT NOT NULL DEFAULT '',
			content BYTEA NOT NULL,
			created_at TIMESTAMPTZ DEFAULT now()
		);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			ord INT NOT NULL,
			text TEXT NOT NULL,
			token_count INT NOT NULL,
			embedding vector(%d) NOT NULL,
			UNIQUE (document_id, ord)
		);`, s.dimension),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	if lists > 0 {
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS chunks_embedding_idx
			ON chunks USING ivfflat (embedding vector_cosine_ops)
			WITH (lists = %d)
		`, lists))
		if err != nil {
			return fmt.Errorf("failed to create vector index: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, filename, contentType string, content []byte) (Document, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents(id, filename, content_type, status, content) VALUES($1,$2,$3,$4,$5)`,
		id, filename, contentType, StatusPending, content)
	if err != nil {
		return Document{}, err
	}
	return Document{
		ID:          id,
		Filename:    filename,
		ContentType: contentType,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	var d Document
	row := s.db.QueryRowContext(ctx,
		`SELECT id, filename, content_type, status, fail_reason, created_at FROM documents WHERE id=$1`, id)
	if err := row.Scan(&d.ID, &d.Filename, &d.ContentType, &d.Status, &d.FailReason, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrDocumentNotFound
		}
		return Document{}, err
	}
	return d, nil
}

func (s *PostgresStore) DocumentContent(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var content []byte
	row := s.db.QueryRowContext(ctx, `SELECT content FROM documents WHERE id=$1`, id)
	if err := row.Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	return content, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, content_type, status, fail_reason, created_at
		FROM documents
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Filename, &d.ContentType, &d.Status, &d.FailReason, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status=$1, fail_reason=$2 WHERE id=$3`, status, reason, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *PostgresStore) InsertChunks(ctx context.Context, docID uuid.UUID, chunks []Chunk) error {
	for _, c := range chunks {
		if len(c.Embedding) != s.dimension {
			return fmt.Errorf("%w: chunk %d has %d, store configured for %d",
				ErrDimensionMismatch, c.Ord, len(c.Embedding), s.dimension)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range chunks {
		id := c.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks(id, document_id, ord, text, token_count, embedding)
			VALUES($1,$2,$3,$4,$5,$6)`,
			id, docID, c.Ord, c.Text, c.TokenCount, pgvector.NewVector(c.Embedding))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) DeleteChunks(ctx context.Context, docID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id=$1`, docID)
	return err
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, vector embeddings.Vector, topK int) ([]SearchResult, error) {
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d, store configured for %d",
			ErrDimensionMismatch, len(vector), s.dimension)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if s.probes > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL ivfflat.probes = %d`, s.probes)); err != nil {
			return nil, err
		}
	}

	// Only chunks of processed documents are searchable, so a query never
	// observes a document whose ingestion has not committed end to end. Ties
	// on distance break by (ord, document_id) for deterministic ranking.
	rows, err := tx.QueryContext(ctx, `
		SELECT
			c.id,
			c.document_id,
			c.ord,
			c.text,
			c.token_count,
			d.filename,
			1 - (c.embedding <=> $1) AS similarity
		FROM chunks c
		JOIN documents d ON d.id = c.document_id AND d.status = $2
		ORDER BY c.embedding <=> $1, c.ord, c.document_id
		LIMIT $3
	`, pgvector.NewVector(vector), StatusProcessed, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Chunk.ID, &r.Chunk.DocumentID, &r.Chunk.Ord,
			&r.Chunk.Text, &r.Chunk.TokenCount, &r.Filename, &r.Score); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, tx.Commit()
}

func (s *PostgresStore) Health(ctx context.Context) Health {
	h := Health{Dimension: s.dimension}
	if err := s.db.PingContext(ctx); err != nil {
		h.Error = err.Error()
		return h
	}
	h.Connected = true

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM information_schema.tables
		WHERE table_name IN ('documents', 'chunks')`).Scan(&n)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.SchemaReady = n == 2
	return h
}
