package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/xhad/thrive/internal/models"
)

type FileIndexConfig struct {
	Dir                string
	ModelID            string
	Dim                int
	ExactScanThreshold int // entry count above which search goes approximate
}

// FileIndex is a vector index persisted as a directory (manifest +
// entry metadata + raw float32 vectors). Readers search an immutable
// snapshot published through an atomic pointer, so concurrent searches
// proceed lock-free while a writer prepares the next generation.
type FileIndex struct {
	config FileIndexConfig

	mu      sync.Mutex // serializes writers; guards entries and dirty
	entries map[string]models.IndexEntry
	dirty   bool

	snap atomic.Pointer[snapshot]
}

// OpenFile opens the index directory, loading the persisted state when
// present. A persisted index recorded under a different embedding model
// or dimensionality fails with a MismatchError.
func OpenFile(config FileIndexConfig) (*FileIndex, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("index dir is required")
	}
	if config.ExactScanThreshold == 0 {
		config.ExactScanThreshold = 10000
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create index dir: %w", err)
	}

	ix := &FileIndex{
		config:  config,
		entries: make(map[string]models.IndexEntry),
	}

	if _, err := os.Stat(filepath.Join(config.Dir, manifestFile)); err == nil {
		loaded, err := readDir(config.Dir, config.ModelID, config.Dim)
		if err != nil {
			return nil, err
		}
		for _, e := range loaded {
			ix.entries[e.ChunkID] = e
		}
	}

	ix.publishLocked()
	return ix, nil
}

// Upsert inserts or replaces entries by chunk ID. Calling it again with
// the same entries is a no-op apart from republishing an equal snapshot.
func (ix *FileIndex) Upsert(_ context.Context, entries []models.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, e := range entries {
		if e.ChunkID == "" {
			return fmt.Errorf("entry with empty chunk ID")
		}
		if ix.config.Dim != 0 && len(e.Vector) != ix.config.Dim {
			return fmt.Errorf("entry %s has dim %d, index dim %d", e.ChunkID, len(e.Vector), ix.config.Dim)
		}
		ix.entries[e.ChunkID] = e
	}
	ix.dirty = true
	ix.publishLocked()
	return nil
}

// DeleteDocument removes every entry belonging to the document.
func (ix *FileIndex) DeleteDocument(_ context.Context, documentID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	removed := false
	for id, e := range ix.entries {
		if e.DocumentID == documentID {
			delete(ix.entries, id)
			removed = true
		}
	}
	if removed {
		ix.dirty = true
		ix.publishLocked()
	}
	return nil
}

// DeleteChunks removes the given chunk IDs; missing IDs are ignored.
func (ix *FileIndex) DeleteChunks(_ context.Context, chunkIDs []string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	removed := false
	for _, id := range chunkIDs {
		if _, ok := ix.entries[id]; ok {
			delete(ix.entries, id)
			removed = true
		}
	}
	if removed {
		ix.dirty = true
		ix.publishLocked()
	}
	return nil
}

// Search returns the k entries most similar to the query vector by
// cosine similarity, ties broken by chunk ID, k clamped to the index
// size.
func (ix *FileIndex) Search(_ context.Context, vector []float32, k int) ([]models.ScoredChunk, error) {
	return ix.snap.Load().search(vector, k)
}

func (ix *FileIndex) Count(_ context.Context) (int, error) {
	return len(ix.snap.Load().entries), nil
}

// Persist flushes the current state to the index directory. It writes
// into a sibling temp directory and swaps it in by rename so a crash
// mid-write leaves the previous generation intact.
func (ix *FileIndex) Persist() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.dirty {
		return nil
	}

	snap := ix.snap.Load()
	dim := ix.config.Dim
	if dim == 0 && len(snap.entries) > 0 {
		dim = len(snap.entries[0].Vector)
	}

	tmp := ix.config.Dir + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := writeDir(tmp, ix.config.ModelID, dim, snap.entries); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	if err := swapDirs(tmp, ix.config.Dir); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}

	ix.dirty = false
	return nil
}

func (ix *FileIndex) Close() error {
	return ix.Persist()
}

// publishLocked rebuilds and publishes the read snapshot; callers hold mu.
func (ix *FileIndex) publishLocked() {
	entries := make([]models.IndexEntry, 0, len(ix.entries))
	for _, e := range ix.entries {
		entries = append(entries, e)
	}
	ix.snap.Store(newSnapshot(entries, ix.config.ExactScanThreshold))
}

// swapDirs replaces dest with src by renaming, keeping a backup for
// rollback if the second rename fails.
func swapDirs(src, dest string) error {
	backup := dest + ".bak"
	_ = os.RemoveAll(backup)
	if _, err := os.Stat(dest); err == nil {
		if err := os.Rename(dest, backup); err != nil {
			return err
		}
	}
	if err := os.Rename(src, dest); err != nil {
		if _, stErr := os.Stat(backup); stErr == nil {
			_ = os.Rename(backup, dest)
		}
		return err
	}
	return os.RemoveAll(backup)
}
