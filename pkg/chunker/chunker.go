package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xhad/thrive/internal/models"
)

type Config struct {
	ChunkSize    int // maximum chunk length in bytes
	ChunkOverlap int // overlap between consecutive chunks, must be < ChunkSize
}

// Chunker splits document text into overlapping, size-bounded chunks at
// sentence boundaries. Chunking is a pure function of the document text
// and the two config parameters: identical input always produces an
// identical chunk sequence with identical chunk IDs, which is what
// makes re-ingestion idempotent.
type Chunker struct {
	config Config
}

func NewWithConfig(config Config) (Chunker, error) {
	if config.ChunkSize == 0 {
		config.ChunkSize = 500
	}
	if config.ChunkSize < 1 {
		return Chunker{}, fmt.Errorf("chunk size must be positive, got %d", config.ChunkSize)
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		return Chunker{}, fmt.Errorf("chunk overlap must be in [0, %d), got %d", config.ChunkSize, config.ChunkOverlap)
	}

	return Chunker{config: config}, nil
}

// Chunk splits the document into chunks. A document shorter than the
// chunk size yields exactly one chunk; a single sentence longer than
// the chunk size is emitted on its own as an oversized chunk rather
// than dropped or truncated. Whitespace-only documents yield no chunks.
func (c Chunker) Chunk(doc models.Document) ([]models.Chunk, error) {
	if doc.ID == "" {
		return nil, fmt.Errorf("document has no ID")
	}
	if strings.TrimSpace(doc.Content) == "" {
		return nil, nil
	}

	text := doc.Content
	boundaries := sentenceBoundaries(text)

	var chunks []models.Chunk
	start := 0
	for start < len(text) {
		end := c.advance(text, boundaries, start)
		span := text[start:end]

		chunks = append(chunks, models.Chunk{
			ID:         ChunkID(doc.ID, len(chunks), span),
			DocumentID: doc.ID,
			Ordinal:    len(chunks),
			Text:       span,
			Start:      start,
			End:        end,
		})

		if end >= len(text) {
			break
		}

		next := end - c.config.ChunkOverlap
		// never split a multi-byte rune
		for next > 0 && !utf8.RuneStart(text[next]) {
			next--
		}
		// the walk-back can land at or before the current start; give
		// up the overlap rather than stall
		if next <= start {
			next = end
		}
		start = next
	}

	return chunks, nil
}

// advance returns the end offset of the chunk starting at start:
// the furthest sentence boundary that keeps the chunk within the size
// limit, or the first boundary when even a single sentence exceeds it.
func (c Chunker) advance(text string, boundaries []int, start int) int {
	end := start
	for _, b := range boundaries {
		if b <= start {
			continue
		}
		if b-start > c.config.ChunkSize {
			break
		}
		end = b
	}
	if end == start {
		// oversized sentence: emit it whole
		for _, b := range boundaries {
			if b > start {
				return b
			}
		}
		return len(text)
	}
	return end
}

// sentenceBoundaries returns the ascending offsets at which the text
// may be split: after sentence-ending punctuation followed by space or
// newline, after paragraph breaks, and at the end of the text. Each
// boundary sits after the delimiter so that concatenating the spans
// between boundaries reconstructs the text exactly.
func sentenceBoundaries(text string) []int {
	var out []int
	n := len(text)
	for i := 0; i < n-1; i++ {
		ch := text[i]
		if ch == '.' || ch == '!' || ch == '?' {
			next := text[i+1]
			if next == ' ' || next == '\n' || next == '\t' {
				out = append(out, i+2)
				i++
			}
			continue
		}
		if ch == '\n' && text[i+1] == '\n' {
			j := i + 1
			for j < n && text[j] == '\n' {
				j++
			}
			out = append(out, j)
			i = j - 1
		}
	}
	if len(out) == 0 || out[len(out)-1] != n {
		out = append(out, n)
	}
	return out
}

// ChunkID derives a deterministic chunk identifier from the parent
// document ID, the chunk's ordinal position, and a hash of its text.
// A content change produces a new ID.
func ChunkID(documentID string, ordinal int, text string) string {
	content := sha256.Sum256([]byte(text))
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%x", documentID, ordinal, content[:8])))
	return hex.EncodeToString(sum[:12])
}

// ContentHash returns the hash recorded in the ingestion manifest for
// change detection.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
