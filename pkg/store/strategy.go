package store

import (
	"math"
	"sort"

	"github.com/xhad/thrive/internal/models"
)

// snapshot is one immutable generation of the index. Writers build a
// new snapshot and publish it atomically; readers search whichever
// generation they loaded, so a search never observes a partial write.
type snapshot struct {
	entries    []models.IndexEntry // sorted by ChunkID
	partitions []partition         // only built above the exact-scan threshold
}

type partition struct {
	centroid []float32
	members  []int // offsets into entries
}

func newSnapshot(entries []models.IndexEntry, exactScanThreshold int) *snapshot {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ChunkID < entries[j].ChunkID })
	s := &snapshot{entries: entries}
	if exactScanThreshold > 0 && len(entries) >= exactScanThreshold {
		s.partitions = buildPartitions(entries)
	}
	return s
}

// search returns the k most similar entries, ties broken by chunk ID
// ascending, k clamped to the snapshot size. Small snapshots use an
// exact linear scan; large ones use an approximate centroid-partition
// scan that trades a little recall for sub-linear candidate counts.
func (s *snapshot) search(vector []float32, k int) ([]models.ScoredChunk, error) {
	if k > len(s.entries) {
		k = len(s.entries)
	}
	if k <= 0 {
		return nil, nil
	}

	candidates, err := s.candidates(vector)
	if err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Entry.ChunkID < candidates[j].Entry.ChunkID
	})
	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k], nil
}

func (s *snapshot) candidates(vector []float32) ([]models.ScoredChunk, error) {
	if s.partitions == nil {
		return s.scan(vector, nil)
	}

	type ranked struct {
		idx   int
		score float64
	}
	order := make([]ranked, len(s.partitions))
	for i, p := range s.partitions {
		score, err := Cosine(vector, p.centroid)
		if err != nil {
			return nil, err
		}
		order[i] = ranked{idx: i, score: score}
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		return order[i].idx < order[j].idx
	})

	probes := len(s.partitions) / 4
	if probes < 1 {
		probes = 1
	}
	var members []int
	for _, r := range order[:probes] {
		members = append(members, s.partitions[r.idx].members...)
	}
	return s.scan(vector, members)
}

// scan scores entries against the query vector; a nil member list means
// scan everything.
func (s *snapshot) scan(vector []float32, members []int) ([]models.ScoredChunk, error) {
	var out []models.ScoredChunk
	score := func(i int) error {
		sim, err := Cosine(vector, s.entries[i].Vector)
		if err != nil {
			return err
		}
		out = append(out, models.ScoredChunk{Entry: s.entries[i], Score: sim})
		return nil
	}

	if members == nil {
		for i := range s.entries {
			if err := score(i); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	for _, i := range members {
		if err := score(i); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// buildPartitions groups entries around sqrt(N) centroids picked
// deterministically (every Nth entry of the ID-sorted slice), so a
// reloaded index partitions identically and rankings do not drift.
func buildPartitions(entries []models.IndexEntry) []partition {
	n := len(entries)
	count := int(math.Sqrt(float64(n)))
	if count < 2 {
		return nil
	}

	parts := make([]partition, count)
	step := n / count
	for i := 0; i < count; i++ {
		parts[i].centroid = entries[i*step].Vector
	}

	for i, e := range entries {
		best := 0
		bestScore := math.Inf(-1)
		for p := range parts {
			sim, err := Cosine(e.Vector, parts[p].centroid)
			if err != nil {
				continue
			}
			if sim > bestScore {
				bestScore = sim
				best = p
			}
		}
		parts[best].members = append(parts[best].members, i)
	}
	return parts
}
