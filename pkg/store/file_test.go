package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/thrive/internal/models"
	"github.com/xhad/thrive/pkg/store"
)

func entry(chunkID, docID string, vector []float32) models.IndexEntry {
	return models.IndexEntry{
		ChunkID:    chunkID,
		DocumentID: docID,
		Title:      "Title " + docID,
		Source:     "filesystem",
		Text:       "text of " + chunkID,
		Vector:     vector,
	}
}

func openTestIndex(t *testing.T, dir string) *store.FileIndex {
	t.Helper()
	ix, err := store.OpenFile(store.FileIndexConfig{
		Dir:     dir,
		ModelID: "ollama:test-model",
		Dim:     3,
	})
	require.NoError(t, err)
	return ix
}

func TestFileIndex_UpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t, filepath.Join(t.TempDir(), "vectors"))

	require.NoError(t, ix.Upsert(ctx, []models.IndexEntry{
		entry("c1", "doc-a", []float32{1, 0, 0}),
		entry("c2", "doc-a", []float32{0, 1, 0}),
		entry("c3", "doc-b", []float32{0.9, 0.1, 0}),
	}))

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	results, err := ix.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].Entry.ChunkID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, "c3", results[1].Entry.ChunkID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestFileIndex_UpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t, filepath.Join(t.TempDir(), "vectors"))

	entries := []models.IndexEntry{
		entry("c1", "doc-a", []float32{1, 0, 0}),
		entry("c2", "doc-a", []float32{0, 1, 0}),
	}
	require.NoError(t, ix.Upsert(ctx, entries))
	require.NoError(t, ix.Upsert(ctx, entries))

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFileIndex_TieBreakByChunkID(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t, filepath.Join(t.TempDir(), "vectors"))

	// identical vectors, so similarity ties on every query
	require.NoError(t, ix.Upsert(ctx, []models.IndexEntry{
		entry("zz", "doc-a", []float32{1, 0, 0}),
		entry("aa", "doc-a", []float32{1, 0, 0}),
		entry("mm", "doc-a", []float32{1, 0, 0}),
	}))

	results, err := ix.Search(ctx, []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "aa", results[0].Entry.ChunkID)
	assert.Equal(t, "mm", results[1].Entry.ChunkID)
	assert.Equal(t, "zz", results[2].Entry.ChunkID)
}

func TestFileIndex_KClamped(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t, filepath.Join(t.TempDir(), "vectors"))

	require.NoError(t, ix.Upsert(ctx, []models.IndexEntry{
		entry("c1", "doc-a", []float32{1, 0, 0}),
	}))

	results, err := ix.Search(ctx, []float32{1, 0, 0}, 50)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = ix.Search(ctx, []float32{1, 0, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFileIndex_DeleteDocument(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t, filepath.Join(t.TempDir(), "vectors"))

	require.NoError(t, ix.Upsert(ctx, []models.IndexEntry{
		entry("c1", "doc-a", []float32{1, 0, 0}),
		entry("c2", "doc-a", []float32{0, 1, 0}),
		entry("c3", "doc-b", []float32{0, 0, 1}),
	}))
	require.NoError(t, ix.DeleteDocument(ctx, "doc-a"))

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	results, err := ix.Search(ctx, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c3", results[0].Entry.ChunkID)
}

func TestFileIndex_DeleteChunks(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t, filepath.Join(t.TempDir(), "vectors"))

	require.NoError(t, ix.Upsert(ctx, []models.IndexEntry{
		entry("c1", "doc-a", []float32{1, 0, 0}),
		entry("c2", "doc-a", []float32{0, 1, 0}),
	}))
	// missing IDs are ignored
	require.NoError(t, ix.DeleteChunks(ctx, []string{"c2", "no-such-chunk"}))

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFileIndex_DimValidation(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t, filepath.Join(t.TempDir(), "vectors"))

	err := ix.Upsert(ctx, []models.IndexEntry{
		entry("c1", "doc-a", []float32{1, 0}),
	})
	assert.Error(t, err)
}

func TestFileIndex_PersistAndReload(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "vectors")

	ix := openTestIndex(t, dir)
	require.NoError(t, ix.Upsert(ctx, []models.IndexEntry{
		entry("c1", "doc-a", []float32{1, 0, 0}),
		entry("c2", "doc-a", []float32{0, 1, 0}),
		entry("c3", "doc-b", []float32{0.5, 0.5, 0}),
	}))

	before, err := ix.Search(ctx, []float32{0.7, 0.7, 0}, 3)
	require.NoError(t, err)
	require.NoError(t, ix.Close())

	reopened := openTestIndex(t, dir)
	defer reopened.Close()

	after, err := reopened.Search(ctx, []float32{0.7, 0.7, 0}, 3)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFileIndex_ModelMismatchOnReload(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "vectors")

	ix := openTestIndex(t, dir)
	require.NoError(t, ix.Upsert(ctx, []models.IndexEntry{
		entry("c1", "doc-a", []float32{1, 0, 0}),
	}))
	require.NoError(t, ix.Close())

	_, err := store.OpenFile(store.FileIndexConfig{
		Dir:     dir,
		ModelID: "ollama:other-model",
		Dim:     3,
	})
	var mismatch *store.MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "model", mismatch.Field)

	_, err = store.OpenFile(store.FileIndexConfig{
		Dir:     dir,
		ModelID: "ollama:test-model",
		Dim:     8,
	})
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "dimension", mismatch.Field)
}

func TestFileIndex_ApproximateSearchFindsCluster(t *testing.T) {
	ctx := context.Background()
	ix, err := store.OpenFile(store.FileIndexConfig{
		Dir:                filepath.Join(t.TempDir(), "vectors"),
		ModelID:            "ollama:test-model",
		Dim:                4,
		ExactScanThreshold: 10,
	})
	require.NoError(t, err)

	// four well-separated clusters of nine entries each, chunk IDs
	// grouped so the deterministic centroids land in every cluster
	axes := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	var entries []models.IndexEntry
	for cluster, axis := range axes {
		for i := 0; i < 9; i++ {
			id := fmt.Sprintf("%c%02d", 'a'+cluster, i)
			entries = append(entries, entry(id, fmt.Sprintf("doc-%c", 'a'+cluster), axis))
		}
	}
	require.NoError(t, ix.Upsert(ctx, entries))

	results, err := ix.Search(ctx, []float32{0, 1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, sc := range results {
		assert.Equal(t, "doc-b", sc.Entry.DocumentID)
		assert.InDelta(t, 1.0, sc.Score, 1e-6)
	}
}

func TestFileIndex_ConcurrentSearchDuringWrites(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t, filepath.Join(t.TempDir(), "vectors"))

	require.NoError(t, ix.Upsert(ctx, []models.IndexEntry{
		entry("seed", "doc-seed", []float32{1, 0, 0}),
	}))

	// readers run against whichever snapshot generation they loaded
	// while the writer publishes new ones
	done := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				results, err := ix.Search(ctx, []float32{1, 0, 0}, 5)
				if !assert.NoError(t, err) {
					return
				}
				for _, sc := range results {
					assert.NotEmpty(t, sc.Entry.ChunkID)
					assert.Len(t, sc.Entry.Vector, 3)
					assert.Equal(t, "text of "+sc.Entry.ChunkID, sc.Entry.Text)
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("c%03d", i)
		require.NoError(t, ix.Upsert(ctx, []models.IndexEntry{
			entry(id, "doc-a", []float32{float32(i%7 + 1), 1, 0}),
		}))
		if i%3 == 0 {
			require.NoError(t, ix.DeleteChunks(ctx, []string{id}))
		}
	}
	close(done)
	wg.Wait()

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1+200-67, n)
}

func TestCosine(t *testing.T) {
	sim, err := store.Cosine([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = store.Cosine([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	sim, err = store.Cosine([]float32{1, 1}, []float32{-1, -1})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, sim, 1e-6)

	// zero vector has no direction
	sim, err = store.Cosine([]float32{0, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, sim)

	_, err = store.Cosine([]float32{1}, []float32{1, 0})
	assert.Error(t, err)
}
