package retriever

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xhad/thrive/internal/models"
	"github.com/xhad/thrive/internal/types"
)

type Config struct {
	TopK           int
	ScoreThreshold float64       // results below this similarity are dropped
	QueryTimeout   time.Duration // bound on the query embedding call
	CacheTTL       time.Duration // how long query vectors are reused
}

// Filter restricts results by source metadata. Zero fields match
// everything.
type Filter struct {
	DocumentID string
	Source     string
}

// Retriever embeds a query and searches the vector index, applying the
// similarity threshold and optional metadata filters. An empty result
// is a valid outcome, not an error: it means the corpus has nothing
// relevant, and the caller should say so rather than pad the context.
type Retriever struct {
	config   Config
	embedder types.Embedder
	index    types.VectorIndex

	mu    sync.Mutex
	cache map[string]cachedVector
	now   func() time.Time
}

type cachedVector struct {
	vector  []float32
	expires time.Time
}

func NewWithConfig(config Config, embedder types.Embedder, index types.VectorIndex) *Retriever {
	if config.TopK == 0 {
		config.TopK = 5
	}
	if config.QueryTimeout == 0 {
		config.QueryTimeout = 15 * time.Second
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = time.Minute
	}

	return &Retriever{
		config:   config,
		embedder: embedder,
		index:    index,
		cache:    make(map[string]cachedVector),
		now:      time.Now,
	}
}

// Retrieve returns up to k chunks relevant to the query, ordered by
// descending similarity. k <= 0 uses the configured default.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, filter *Filter) ([]models.ScoredChunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if k <= 0 {
		k = r.config.TopK
	}

	vector, err := r.queryVector(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}

	// over-fetch when filtering, since matches may be discarded
	fetch := k
	if filter != nil {
		fetch = k * 4
	}

	results, err := r.index.Search(ctx, vector, fetch)
	if err != nil {
		return nil, fmt.Errorf("index search failed: %w", err)
	}

	out := make([]models.ScoredChunk, 0, k)
	for _, sc := range results {
		if sc.Score < r.config.ScoreThreshold {
			continue
		}
		if filter != nil && !filter.matches(sc.Entry) {
			continue
		}
		out = append(out, sc)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (f *Filter) matches(e models.IndexEntry) bool {
	if f.DocumentID != "" && e.DocumentID != f.DocumentID {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	return true
}

// queryVector embeds the query under the configured timeout, reusing a
// recent vector for the same text. The embedding capability may not be
// perfectly deterministic across calls, so the cache also keeps repeat
// questions stable within its TTL.
func (r *Retriever) queryVector(ctx context.Context, query string) ([]float32, error) {
	r.mu.Lock()
	if c, ok := r.cache[query]; ok && r.now().Before(c.expires) {
		r.mu.Unlock()
		return c.vector, nil
	}
	r.mu.Unlock()

	// The timeout bounds only this call; no lock is held across it, so
	// a slow embedding never blocks other in-flight queries.
	embedCtx, cancel := context.WithTimeout(ctx, r.config.QueryTimeout)
	defer cancel()

	vector, err := r.embedder.EmbedQuery(embedCtx, query)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[query] = cachedVector{vector: vector, expires: r.now().Add(r.config.CacheTTL)}
	// drop expired entries so the cache cannot grow without bound
	for q, c := range r.cache {
		if !r.now().Before(c.expires) {
			delete(r.cache, q)
		}
	}
	r.mu.Unlock()

	return vector, nil
}
