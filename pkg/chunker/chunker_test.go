package chunker_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/thrive/internal/models"
	"github.com/xhad/thrive/pkg/chunker"
)

// sentence returns a sentence of exactly n bytes ending in ". ".
func sentence(n int) string {
	return strings.Repeat("a", n-2) + ". "
}

func TestChunker_SlidingWindow(t *testing.T) {
	c, err := chunker.NewWithConfig(chunker.Config{ChunkSize: 500, ChunkOverlap: 50})
	require.NoError(t, err)

	// 24 sentences of 50 bytes each, 1200 bytes total
	text := strings.Repeat(sentence(50), 24)
	require.Len(t, text, 1200)

	chunks, err := c.Chunk(models.Document{ID: "doc-1", Content: text})
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 500, chunks[0].End)
	assert.Equal(t, 450, chunks[1].Start)
	assert.Equal(t, 950, chunks[1].End)
	assert.Equal(t, 900, chunks[2].Start)
	assert.Equal(t, 1200, chunks[2].End)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Ordinal)
		assert.Equal(t, "doc-1", ch.DocumentID)
		assert.Equal(t, text[ch.Start:ch.End], ch.Text)
		assert.LessOrEqual(t, len(ch.Text), 500)
	}
}

func TestChunker_FullCoverage(t *testing.T) {
	c, err := chunker.NewWithConfig(chunker.Config{ChunkSize: 120, ChunkOverlap: 20})
	require.NoError(t, err)

	text := strings.Repeat(sentence(40), 17)
	chunks, err := c.Chunk(models.Document{ID: "doc-1", Content: text})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	// every byte of the document is covered by some chunk
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, len(text), chunks[len(chunks)-1].End)
	for i := 1; i < len(chunks); i++ {
		assert.LessOrEqual(t, chunks[i].Start, chunks[i-1].End,
			"gap between chunk %d and %d", i-1, i)
		assert.Greater(t, chunks[i].End, chunks[i-1].End)
	}
}

func TestChunker_ShortDocumentSingleChunk(t *testing.T) {
	c, err := chunker.NewWithConfig(chunker.Config{ChunkSize: 500, ChunkOverlap: 50})
	require.NoError(t, err)

	chunks, err := c.Chunk(models.Document{ID: "doc-1", Content: "One short sentence."})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "One short sentence.", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Ordinal)
}

func TestChunker_OversizedSentenceEmittedWhole(t *testing.T) {
	c, err := chunker.NewWithConfig(chunker.Config{ChunkSize: 100, ChunkOverlap: 10})
	require.NoError(t, err)

	long := strings.Repeat("b", 300) + ". "
	text := long + "Short tail sentence."
	chunks, err := c.Chunk(models.Document{ID: "doc-1", Content: text})
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, long, chunks[0].Text)
	assert.Greater(t, len(chunks[0].Text), 100)
	assert.Contains(t, chunks[1].Text, "Short tail sentence.")
}

func TestChunker_WhitespaceOnlyYieldsNothing(t *testing.T) {
	c, err := chunker.NewWithConfig(chunker.Config{})
	require.NoError(t, err)

	chunks, err := c.Chunk(models.Document{ID: "doc-1", Content: "  \n\t  "})
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunker_MissingDocumentID(t *testing.T) {
	c, err := chunker.NewWithConfig(chunker.Config{})
	require.NoError(t, err)

	_, err = c.Chunk(models.Document{Content: "some text"})
	assert.Error(t, err)
}

func TestChunker_InvalidOverlap(t *testing.T) {
	_, err := chunker.NewWithConfig(chunker.Config{ChunkSize: 100, ChunkOverlap: 100})
	assert.Error(t, err)

	_, err = chunker.NewWithConfig(chunker.Config{ChunkSize: 100, ChunkOverlap: -1})
	assert.Error(t, err)
}

func TestChunker_DeterministicIDs(t *testing.T) {
	c, err := chunker.NewWithConfig(chunker.Config{ChunkSize: 80, ChunkOverlap: 10})
	require.NoError(t, err)

	doc := models.Document{ID: "doc-1", Content: strings.Repeat(sentence(40), 6)}

	first, err := c.Chunk(doc)
	require.NoError(t, err)
	second, err := c.Chunk(doc)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// a different document yields different IDs for the same text
	other, err := c.Chunk(models.Document{ID: "doc-2", Content: doc.Content})
	require.NoError(t, err)
	assert.NotEqual(t, first[0].ID, other[0].ID)

	// changed content changes the ID at the changed position
	assert.NotEqual(t,
		chunker.ChunkID("doc-1", 0, "alpha"),
		chunker.ChunkID("doc-1", 0, "beta"))
	assert.NotEqual(t,
		chunker.ChunkID("doc-1", 0, "alpha"),
		chunker.ChunkID("doc-1", 1, "alpha"))
}

func TestChunker_LargeOverlapMultibyteText(t *testing.T) {
	// overlap one byte below the chunk size, with chunks that start on
	// a multi-byte rune: the rune walk-back must not push the next
	// start back onto the current one
	c, err := chunker.NewWithConfig(chunker.Config{ChunkSize: 11, ChunkOverlap: 10})
	require.NoError(t, err)

	text := strings.Repeat("日日日. ", 3)
	chunks, err := c.Chunk(models.Document{ID: "doc-1", Content: text})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, len(text), chunks[len(chunks)-1].End)
	for i, ch := range chunks {
		assert.True(t, utf8.ValidString(ch.Text))
		if i > 0 {
			assert.Greater(t, ch.Start, chunks[i-1].Start, "start must advance every chunk")
		}
	}
}

func TestChunker_RuneBoundarySafety(t *testing.T) {
	c, err := chunker.NewWithConfig(chunker.Config{ChunkSize: 60, ChunkOverlap: 15})
	require.NoError(t, err)

	text := strings.Repeat("héllo wörld, ünïcode text. ", 10)
	chunks, err := c.Chunk(models.Document{ID: "doc-1", Content: text})
	require.NoError(t, err)

	for _, ch := range chunks {
		assert.True(t, strings.ToValidUTF8(ch.Text, "") == ch.Text,
			"chunk text contains a split rune: %q", ch.Text)
	}
}
