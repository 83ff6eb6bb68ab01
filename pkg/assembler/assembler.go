package assembler

import (
	"errors"
	"sort"
	"strings"

	"github.com/xhad/thrive/internal/models"
	"github.com/xhad/thrive/internal/types"
)

// ErrInsufficientBudget means no retrieved chunk fits the token budget.
// It is a valid outcome the caller must handle, not a system failure:
// truncating a chunk mid-sentence to force a fit would feed the
// completion service broken meaning.
var ErrInsufficientBudget = errors.New("no chunk fits within the context token budget")

type Config struct {
	TokenBudget  int
	OverlapRatio float64 // text overlap above which a chunk is a duplicate
}

// Assembler packs retrieved chunks into a token-bounded context block,
// highest similarity first, deduplicating the overlap that neighboring
// chunks of the same document share by construction.
type Assembler struct {
	config  Config
	counter types.TokenCounter
}

func NewWithConfig(config Config, counter types.TokenCounter) *Assembler {
	if config.TokenBudget == 0 {
		config.TokenBudget = 3000
	}
	if config.OverlapRatio == 0 {
		config.OverlapRatio = 0.6
	}
	if counter == nil {
		counter = NewHeuristicCounter()
	}

	return &Assembler{config: config, counter: counter}
}

// Assemble selects chunks into a context block within tokenBudget
// (<= 0 uses the configured default). An empty retrieval result yields
// an empty block with no error; a non-empty result where nothing fits
// yields an empty block and ErrInsufficientBudget.
func (a *Assembler) Assemble(results []models.ScoredChunk, tokenBudget int) (models.ContextBlock, error) {
	if tokenBudget <= 0 {
		tokenBudget = a.config.TokenBudget
	}
	if len(results) == 0 {
		return models.ContextBlock{}, nil
	}

	ordered := make([]models.ScoredChunk, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Score != ordered[j].Score {
			return ordered[i].Score > ordered[j].Score
		}
		return ordered[i].Entry.ChunkID < ordered[j].Entry.ChunkID
	})

	var block models.ContextBlock
	var included []models.IndexEntry
	for _, sc := range ordered {
		if a.duplicate(included, sc.Entry) {
			continue
		}

		tokens := a.counter.Count(sc.Entry.Text)
		if block.Tokens+tokens > tokenBudget {
			break
		}

		block.Excerpts = append(block.Excerpts, models.Excerpt{
			DocumentID: sc.Entry.DocumentID,
			Title:      sc.Entry.Title,
			Text:       sc.Entry.Text,
			Score:      sc.Score,
		})
		block.Tokens += tokens
		included = append(included, sc.Entry)
	}

	if block.Empty() {
		return models.ContextBlock{}, ErrInsufficientBudget
	}
	return block, nil
}

// duplicate reports whether the candidate overlaps too heavily with an
// already-included chunk of the same document.
func (a *Assembler) duplicate(included []models.IndexEntry, candidate models.IndexEntry) bool {
	for _, e := range included {
		if e.DocumentID != candidate.DocumentID {
			continue
		}
		if overlapRatio(e.Text, candidate.Text) >= a.config.OverlapRatio {
			return true
		}
	}
	return false
}

// overlapRatio measures shared text between two chunks as a fraction of
// the shorter one. Containment and suffix/prefix overlap cover what the
// chunker's sliding window actually produces.
func overlapRatio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	shorter := len(a)
	if len(b) < shorter {
		shorter = len(b)
	}

	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 1
	}

	ov := suffixPrefixOverlap(a, b)
	if o := suffixPrefixOverlap(b, a); o > ov {
		ov = o
	}
	return float64(ov) / float64(shorter)
}

// suffixPrefixOverlap returns the length of the longest suffix of a
// that is a prefix of b.
func suffixPrefixOverlap(a, b string) int {
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(b, a[len(a)-n:]) {
			return n
		}
	}
	return 0
}
