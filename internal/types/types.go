package types

import (
	"context"

	"github.com/xhad/thrive/internal/models"
)

// Core interfaces

// Chunker splits a document into overlapping, size-bounded chunks.
// Identical document text must always yield an identical chunk
// sequence with identical chunk IDs.
type Chunker interface {
	Chunk(doc models.Document) ([]models.Chunk, error)
}

// Embedder converts text into fixed-dimension vectors via the external
// embedding capability. EmbedDocuments preserves input order and count.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	ModelID() string
	Dim() int
}

// VectorIndex stores index entries and answers nearest-neighbor
// queries. Upsert is idempotent by chunk ID. Search returns the k
// entries most similar to the query vector, ties broken by chunk ID,
// k clamped to the index size.
type VectorIndex interface {
	Upsert(ctx context.Context, entries []models.IndexEntry) error
	DeleteDocument(ctx context.Context, documentID string) error
	DeleteChunks(ctx context.Context, chunkIDs []string) error
	Search(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Persister is implemented by indexes that hold their state in process
// memory and flush it to durable storage on demand. Stores that are
// durable on every write (pgvector) do not implement it.
type Persister interface {
	Persist() error
}

// TokenCounter measures text against the completion service's token
// budget.
type TokenCounter interface {
	Count(text string) int
}

// DocumentSource supplies documents to the ingestion pipeline.
type DocumentSource interface {
	Load(ctx context.Context) ([]models.Document, error)
}
