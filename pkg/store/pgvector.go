package store

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/xhad/thrive/internal/models"
)

type PGVectorConfig struct {
	ConnString string
	TableName  string
	ModelID    string
	Dim        int
}

// PGVectorIndex is a vector index backed by Postgres + pgvector, for
// corpora too large to hold in process memory. Every write is durable
// immediately, so it has no Persist step. Search uses an ivfflat cosine
// index, which is approximate above the list count.
type PGVectorIndex struct {
	config PGVectorConfig
	pool   *pgxpool.Pool
}

func OpenPG(ctx context.Context, config PGVectorConfig) (*PGVectorIndex, error) {
	if config.TableName == "" {
		config.TableName = "chunks"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	ix := &PGVectorIndex{
		config: config,
		pool:   pool,
	}

	if err := ix.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return ix, nil
}

func (ix *PGVectorIndex) initialize(ctx context.Context) error {
	_, err := ix.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			chunk_id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			title TEXT,
			source TEXT,
			content TEXT,
			embedding vector(%d)
		)`, ix.config.TableName, ix.config.Dim)
	if _, err = ix.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	createDocIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_document_idx ON %s (document_id)`,
		ix.config.TableName, ix.config.TableName)
	if _, err = ix.pool.Exec(ctx, createDocIndex); err != nil {
		return fmt.Errorf("failed to create document index: %w", err)
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`,
		ix.config.TableName, ix.config.TableName)
	if _, err = ix.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create embedding index: %w", err)
	}

	return ix.checkMeta(ctx)
}

// checkMeta records the embedding model and dimensionality on first use
// and rejects a mismatch on every later open.
func (ix *PGVectorIndex) checkMeta(ctx context.Context) error {
	_, err := ix.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS thrive_index_meta (
			table_name TEXT PRIMARY KEY,
			model_id TEXT NOT NULL,
			dim INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create meta table: %w", err)
	}

	var modelID string
	var dim int
	err = ix.pool.QueryRow(ctx,
		"SELECT model_id, dim FROM thrive_index_meta WHERE table_name = $1",
		ix.config.TableName).Scan(&modelID, &dim)
	if err == pgx.ErrNoRows {
		_, err = ix.pool.Exec(ctx,
			"INSERT INTO thrive_index_meta (table_name, model_id, dim) VALUES ($1, $2, $3)",
			ix.config.TableName, ix.config.ModelID, ix.config.Dim)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to read meta table: %w", err)
	}

	if ix.config.ModelID != "" && modelID != ix.config.ModelID {
		return &MismatchError{Field: "model", Got: modelID, Want: ix.config.ModelID}
	}
	if dim != ix.config.Dim {
		return &MismatchError{Field: "dimension", Got: fmt.Sprint(dim), Want: fmt.Sprint(ix.config.Dim)}
	}
	return nil
}

// Upsert inserts or replaces entries by chunk ID inside one
// transaction, so readers see either none or all of a batch.
func (ix *PGVectorIndex) Upsert(ctx context.Context, entries []models.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := ix.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(`
		INSERT INTO %s (chunk_id, document_id, ordinal, title, source, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chunk_id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			ordinal = EXCLUDED.ordinal,
			title = EXCLUDED.title,
			source = EXCLUDED.source,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding`,
		ix.config.TableName)

	for _, e := range entries {
		if len(e.Vector) != ix.config.Dim {
			return fmt.Errorf("entry %s has dim %d, index dim %d", e.ChunkID, len(e.Vector), ix.config.Dim)
		}
		_, err = tx.Exec(ctx, stmt,
			e.ChunkID,
			e.DocumentID,
			e.Ordinal,
			sanitizeUTF8(e.Title),
			e.Source,
			sanitizeUTF8(e.Text),
			pgvector.NewVector(e.Vector),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert entry %s: %w", e.ChunkID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (ix *PGVectorIndex) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := ix.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE document_id = $1", ix.config.TableName),
		documentID)
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", documentID, err)
	}
	return nil
}

func (ix *PGVectorIndex) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	_, err := ix.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE chunk_id = ANY($1)", ix.config.TableName),
		chunkIDs)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// Search returns the k nearest entries by cosine similarity, ties
// broken by chunk ID for deterministic ordering.
func (ix *PGVectorIndex) Search(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT chunk_id, document_id, ordinal, title, source, content,
		       1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1, chunk_id
		LIMIT $2`,
		ix.config.TableName)

	rows, err := ix.pool.Query(ctx, query, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var sc models.ScoredChunk
		err := rows.Scan(
			&sc.Entry.ChunkID,
			&sc.Entry.DocumentID,
			&sc.Entry.Ordinal,
			&sc.Entry.Title,
			&sc.Entry.Source,
			&sc.Entry.Text,
			&sc.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (ix *PGVectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := ix.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT count(*) FROM %s", ix.config.TableName)).Scan(&n)
	return n, err
}

func (ix *PGVectorIndex) Close() error {
	if ix.pool != nil {
		ix.pool.Close()
	}
	return nil
}

func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	v := make([]rune, 0, len(s))
	for i, r := range s {
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue
			}
		}
		v = append(v, r)
	}
	return string(v)
}
