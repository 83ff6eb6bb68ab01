package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/xhad/thrive/internal/models"
	"github.com/xhad/thrive/internal/types"
	"github.com/xhad/thrive/pkg/chunker"
)

type Config struct {
	ManifestDir string        // directory holding the ingestion manifest and run-lock
	Workers     int           // bounded concurrency across documents
	LockTimeout time.Duration // how long to wait for the run-lock
	OnProgress  func(documentID string)
}

// Pipeline builds and refreshes the vector index from a document set.
// Runs are idempotent: an unchanged document costs zero embedding calls
// and zero index mutations, and a re-run with no document changes
// leaves the index as it was.
type Pipeline struct {
	config   Config
	chunker  types.Chunker
	embedder types.Embedder
	index    types.VectorIndex
}

// manifestEntry records what the index currently holds for a document.
type manifestEntry struct {
	ContentHash string   `json:"content_hash"`
	ChunkIDs    []string `json:"chunk_ids"`
}

const manifestName = "ingest_manifest.json"

func NewWithConfig(config Config, ck types.Chunker, embedder types.Embedder, index types.VectorIndex) (*Pipeline, error) {
	if config.ManifestDir == "" {
		return nil, fmt.Errorf("manifest dir is required")
	}
	if config.Workers == 0 {
		config.Workers = 4
	}
	if config.Workers < 1 {
		return nil, fmt.Errorf("workers must be positive, got %d", config.Workers)
	}
	if config.LockTimeout == 0 {
		config.LockTimeout = 30 * time.Second
	}

	return &Pipeline{
		config:   config,
		chunker:  ck,
		embedder: embedder,
		index:    index,
	}, nil
}

// Run ingests the document set and returns a per-document report. A
// failure embedding one document never aborts the run or corrupts the
// entries of other documents; the failed document keeps its previous
// consistent state (or stays absent if it was new).
func (p *Pipeline) Run(ctx context.Context, docs []models.Document) (*models.IngestReport, error) {
	if err := os.MkdirAll(p.config.ManifestDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create manifest dir: %w", err)
	}

	// Concurrent ingestion runs would interleave manifest writes, so a
	// file lock serializes them across processes.
	lock := flock.New(filepath.Join(p.config.ManifestDir, "ingest.lock"))
	lockCtx, cancel := context.WithTimeout(ctx, p.config.LockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 250*time.Millisecond)
	if err != nil || !locked {
		return nil, fmt.Errorf("another ingestion run holds the lock: %v", err)
	}
	defer lock.Unlock()

	manifest, err := p.loadManifest()
	if err != nil {
		return nil, err
	}

	report := &models.IngestReport{Failed: make(map[string]error)}
	changed := false

	// Remove documents that disappeared from the source set.
	present := make(map[string]bool, len(docs))
	for _, d := range docs {
		present[d.ID] = true
	}
	for docID := range manifest {
		if present[docID] {
			continue
		}
		if err := p.index.DeleteDocument(ctx, docID); err != nil {
			report.Failed[docID] = err
			continue
		}
		delete(manifest, docID)
		report.Removed++
		changed = true
	}

	var mu sync.Mutex // guards manifest, report, changed
	var g errgroup.Group
	g.SetLimit(p.config.Workers)

	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			outcome, err := p.ingestDocument(ctx, doc, manifest, &mu)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed[doc.ID] = err
			case outcome == outcomeSkipped:
				report.Skipped++
			case outcome == outcomeAdded:
				report.Added++
				changed = true
			case outcome == outcomeUpdated:
				report.Updated++
				changed = true
			}
			if p.config.OnProgress != nil {
				p.config.OnProgress(doc.ID)
			}
			return nil
		})
	}
	_ = g.Wait()

	if changed {
		if persister, ok := p.index.(types.Persister); ok {
			if err := persister.Persist(); err != nil {
				return report, fmt.Errorf("failed to persist index: %w", err)
			}
		}
		if err := p.saveManifest(manifest); err != nil {
			return report, err
		}
	}

	return report, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeAdded
	outcomeUpdated
)

func (p *Pipeline) ingestDocument(ctx context.Context, doc models.Document, manifest map[string]manifestEntry, mu *sync.Mutex) (outcome, error) {
	if doc.ID == "" {
		return 0, fmt.Errorf("document has no ID")
	}

	hash := chunker.ContentHash(doc.Content)

	mu.Lock()
	prev, existed := manifest[doc.ID]
	mu.Unlock()

	if existed && prev.ContentHash == hash {
		return outcomeSkipped, nil
	}

	chunks, err := p.chunker.Chunk(doc)
	if err != nil {
		return 0, fmt.Errorf("chunking failed: %w", err)
	}

	prevIDs := make(map[string]bool, len(prev.ChunkIDs))
	for _, id := range prev.ChunkIDs {
		prevIDs[id] = true
	}

	// Chunk IDs hash the chunk text, so only genuinely new or changed
	// chunks need embedding; unchanged ones are already indexed.
	var fresh []models.Chunk
	newIDs := make([]string, 0, len(chunks))
	for _, c := range chunks {
		newIDs = append(newIDs, c.ID)
		if !prevIDs[c.ID] {
			fresh = append(fresh, c)
		}
	}

	if len(fresh) > 0 {
		texts := make([]string, len(fresh))
		for i, c := range fresh {
			texts[i] = c.Text
		}

		// Embed everything first, upsert after: a failure here leaves
		// the document's previous entries untouched and a new document
		// entirely absent, never half-embedded.
		vectors, err := p.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embedding failed: %w", err)
		}

		entries := make([]models.IndexEntry, len(fresh))
		for i, c := range fresh {
			entries[i] = models.IndexEntry{
				ChunkID:    c.ID,
				DocumentID: c.DocumentID,
				Ordinal:    c.Ordinal,
				Title:      doc.Title,
				Source:     doc.Source,
				Text:       c.Text,
				Vector:     vectors[i],
			}
		}
		if err := p.index.Upsert(ctx, entries); err != nil {
			return 0, fmt.Errorf("index upsert failed: %w", err)
		}
	}

	// Drop chunks the new version of the document no longer has.
	current := make(map[string]bool, len(newIDs))
	for _, id := range newIDs {
		current[id] = true
	}
	var stale []string
	for _, id := range prev.ChunkIDs {
		if !current[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := p.index.DeleteChunks(ctx, stale); err != nil {
			return 0, fmt.Errorf("stale chunk delete failed: %w", err)
		}
	}

	mu.Lock()
	manifest[doc.ID] = manifestEntry{ContentHash: hash, ChunkIDs: newIDs}
	mu.Unlock()

	if existed {
		return outcomeUpdated, nil
	}
	return outcomeAdded, nil
}

func (p *Pipeline) manifestPath() string {
	return filepath.Join(p.config.ManifestDir, manifestName)
}

func (p *Pipeline) loadManifest() (map[string]manifestEntry, error) {
	b, err := os.ReadFile(p.manifestPath())
	if os.IsNotExist(err) {
		return make(map[string]manifestEntry), nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read ingestion manifest: %w", err)
	}
	var m map[string]manifestEntry
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("invalid ingestion manifest: %w", err)
	}
	return m, nil
}

func (p *Pipeline) saveManifest(m map[string]manifestEntry) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := p.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("cannot write ingestion manifest: %w", err)
	}
	return os.Rename(tmp, p.manifestPath())
}
