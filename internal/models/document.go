package models

import "time"

// Document is a source unit of knowledge. It is immutable once loaded
// for a given ingestion run; re-ingesting a changed document replaces
// its chunks.
type Document struct {
	ID       string
	Title    string
	Content  string
	Source   string // origin tag, e.g. "filesystem"
	Modified time.Time
	Metadata map[string]string
}

// Chunk is a contiguous span of a document's text. Start and End are
// byte offsets into the original content; consecutive chunks of the
// same document overlap by the configured amount.
type Chunk struct {
	ID         string
	DocumentID string
	Ordinal    int
	Text       string
	Start      int
	End        int
}

// IndexEntry pairs a chunk with its embedding vector plus the metadata
// needed to display a retrieval result without re-reading the source.
type IndexEntry struct {
	ChunkID    string
	DocumentID string
	Ordinal    int
	Title      string
	Source     string
	Text       string
	Vector     []float32
}

// ScoredChunk is one retrieval result: an index entry and its cosine
// similarity to the query vector.
type ScoredChunk struct {
	Entry IndexEntry
	Score float64
}

// Excerpt is a chunk selected into a context block, with provenance.
type Excerpt struct {
	DocumentID string
	Title      string
	Text       string
	Score      float64
}

// ContextBlock is the token-bounded context handed to the completion
// service.
type ContextBlock struct {
	Excerpts []Excerpt
	Tokens   int
}

// Empty reports whether the block contains no excerpts.
func (b ContextBlock) Empty() bool {
	return len(b.Excerpts) == 0
}

// IngestReport summarizes one ingestion run. Failed maps document ID to
// the error that stopped that document; other documents are unaffected.
type IngestReport struct {
	Added   int
	Updated int
	Removed int
	Skipped int
	Failed  map[string]error
}
