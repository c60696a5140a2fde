// Package postgres implements the memory.Store interface on PostgreSQL with
// the pgvector extension.
//
// Stored texts are split into overlapping chunks; each chunk is embedded and
// indexed separately, but retrieval always resolves back to the parent
// document and dedups on it, so one stored memory never appears twice in a
// result set regardless of how many of its chunks matched.
//
// All operations are safe for concurrent use.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/cortantse/lumina/pkg/memory"
	"github.com/cortantse/lumina/pkg/provider/embeddings"
)

// Compile-time check that *Store satisfies [memory.Store].
var _ memory.Store = (*Store)(nil)

// Config holds tuning knobs for a [Store].
type Config struct {
	// ChunkSize is the maximum chunk length in runes. Default: 100.
	ChunkSize int

	// ChunkOverlap is the overlap between neighbouring chunks. Default: 15.
	ChunkOverlap int

	// SimilarityThreshold drops results scoring below it. Default: 0.78.
	SimilarityThreshold float64

	// CandidateMultiplier over-fetches raw chunk candidates to survive
	// parent-document dedup: candidates = limit × multiplier. Default: 10.
	CandidateMultiplier int
}

func (c *Config) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 100
	}
	if c.ChunkOverlap <= 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = 15
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.78
	}
	if c.CandidateMultiplier <= 0 {
		c.CandidateMultiplier = 10
	}
}

// Store is a pgvector-backed memory store.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
	cfg      Config
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs the
// schema migration.
//
// The embedder's Dimensions() must stay constant for the lifetime of the
// database; changing the embedding model requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider, cfg Config) (*Store, error) {
	cfg.applyDefaults()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so vector columns can
	// be scanned into and inserted from pgvector.Vector values.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("memory store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory store: ping: %w", err)
	}

	s := &Store{pool: pool, embedder: embedder, cfg: cfg}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// migrate ensures the extension and tables exist.
func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS memories (
			id         UUID PRIMARY KEY,
			text       TEXT NOT NULL,
			type       TEXT NOT NULL,
			metadata   JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_chunks (
			id        UUID PRIMARY KEY,
			parent_id UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			content   TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		)`, s.embedder.Dimensions()),
		`CREATE INDEX IF NOT EXISTS memory_chunks_embedding_idx
			ON memory_chunks USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("memory store: migrate: %w", err)
		}
	}
	return nil
}

// Store implements memory.Store.
func (s *Store) Store(ctx context.Context, text string, typ memory.Type, metadata map[string]string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("memory store: text must not be empty")
	}
	if metadata == nil {
		metadata = map[string]string{}
	}

	chunks := memory.ChunkText(text, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	vectors, err := s.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return "", fmt.Errorf("memory store: embed: %w", err)
	}

	parentID := uuid.NewString()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("memory store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO memories (id, text, type, metadata, created_at) VALUES ($1, $2, $3, $4, $5)`,
		parentID, text, string(typ), metadata, time.Now(),
	); err != nil {
		return "", fmt.Errorf("memory store: insert parent: %w", err)
	}

	for i, chunk := range chunks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO memory_chunks (id, parent_id, content, embedding) VALUES ($1, $2, $3, $4)`,
			uuid.NewString(), parentID, chunk, pgvector.NewVector(vectors[i]),
		); err != nil {
			return "", fmt.Errorf("memory store: insert chunk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("memory store: commit: %w", err)
	}
	return parentID, nil
}

// Retrieve implements memory.Store.
func (s *Store) Retrieve(ctx context.Context, query string, limit int) ([]memory.Scored, error) {
	if limit <= 0 {
		limit = 3
	}

	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory store: embed query: %w", err)
	}

	candidates := limit * s.cfg.CandidateMultiplier
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.text, m.type, m.metadata, m.created_at,
		       1 - (c.embedding <=> $1) AS score
		FROM memory_chunks c
		JOIN memories m ON m.id = c.parent_id
		ORDER BY c.embedding <=> $1
		LIMIT $2`,
		pgvector.NewVector(qvec), candidates,
	)
	if err != nil {
		return nil, fmt.Errorf("memory store: query: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool, limit)
	results := make([]memory.Scored, 0, limit)
	for rows.Next() {
		var (
			m     memory.Memory
			typ   string
			score float64
		)
		if err := rows.Scan(&m.ID, &m.Text, &typ, &m.Metadata, &m.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("memory store: scan: %w", err)
		}
		if score < s.cfg.SimilarityThreshold {
			continue
		}
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		m.Type = memory.Type(typ)
		results = append(results, memory.Scored{Memory: m, Score: score})
		if len(results) >= limit {
			break
		}
	}
	return results, rows.Err()
}

// Close implements memory.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
