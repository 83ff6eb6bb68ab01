package store

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xhad/thrive/internal/models"
)

const (
	formatVersion = 1
	manifestFile  = "manifest.json"
	entriesFile   = "entries.jsonl"
	vectorsFile   = "vectors.f32"
)

// indexManifest versions the persisted index so a load under a
// different embedding model or dimensionality is rejected instead of
// silently producing garbage rankings.
type indexManifest struct {
	FormatVersion int    `json:"format_version"`
	CreatedAt     string `json:"created_at"`
	ModelID       string `json:"model_id"`
	Dim           int    `json:"dim"`
	Count         int    `json:"count"`
}

// entryRecord is one line of entries.jsonl; vectors live separately in
// vectors.f32, in the same order.
type entryRecord struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Ordinal    int    `json:"ordinal"`
	Title      string `json:"title"`
	Source     string `json:"source"`
	Text       string `json:"text"`
}

// writeDir writes manifest + entries + vectors into dir. Entries must
// already be sorted by chunk ID so that a reloaded index reproduces
// search results exactly.
func writeDir(dir string, modelID string, dim int, entries []models.IndexEntry) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create index dir %s: %w", dir, err)
	}

	manifest := indexManifest{
		FormatVersion: formatVersion,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		ModelID:       modelID,
		Dim:           dim,
		Count:         len(entries),
	}
	mb, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), mb, 0o644); err != nil {
		return fmt.Errorf("cannot write manifest: %w", err)
	}

	ef, err := os.Create(filepath.Join(dir, entriesFile))
	if err != nil {
		return fmt.Errorf("cannot create entries file: %w", err)
	}
	bw := bufio.NewWriter(ef)
	for _, e := range entries {
		line, err := json.Marshal(entryRecord{
			ChunkID:    e.ChunkID,
			DocumentID: e.DocumentID,
			Ordinal:    e.Ordinal,
			Title:      e.Title,
			Source:     e.Source,
			Text:       e.Text,
		})
		if err != nil {
			_ = ef.Close()
			return err
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			_ = ef.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		_ = ef.Close()
		return err
	}
	if err := ef.Close(); err != nil {
		return err
	}

	vf, err := os.Create(filepath.Join(dir, vectorsFile))
	if err != nil {
		return fmt.Errorf("cannot create vectors file: %w", err)
	}
	for _, e := range entries {
		if len(e.Vector) != dim {
			_ = vf.Close()
			return fmt.Errorf("entry %s has dim %d, index dim %d", e.ChunkID, len(e.Vector), dim)
		}
		if err := binary.Write(vf, binary.LittleEndian, e.Vector); err != nil {
			_ = vf.Close()
			return fmt.Errorf("cannot write vectors: %w", err)
		}
	}
	return vf.Close()
}

// readDir loads a persisted index, verifying it against the active
// embedding model and dimensionality.
func readDir(dir string, modelID string, dim int) ([]models.IndexEntry, error) {
	b, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("cannot read index manifest: %w", err)
	}
	var m indexManifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("invalid index manifest: %w", err)
	}
	if m.FormatVersion != formatVersion {
		return nil, fmt.Errorf("unsupported index format version %d", m.FormatVersion)
	}
	if modelID != "" && m.ModelID != modelID {
		return nil, &MismatchError{Field: "model", Got: m.ModelID, Want: modelID}
	}
	if dim != 0 && m.Dim != dim {
		return nil, &MismatchError{Field: "dimension", Got: fmt.Sprint(m.Dim), Want: fmt.Sprint(dim)}
	}

	records, err := readEntries(filepath.Join(dir, entriesFile))
	if err != nil {
		return nil, err
	}
	if len(records) != m.Count {
		return nil, fmt.Errorf("entry count mismatch: manifest says %d, found %d", m.Count, len(records))
	}
	vectors, err := readVectors(filepath.Join(dir, vectorsFile), len(records), m.Dim)
	if err != nil {
		return nil, err
	}

	entries := make([]models.IndexEntry, len(records))
	for i, r := range records {
		entries[i] = models.IndexEntry{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Ordinal:    r.Ordinal,
			Title:      r.Title,
			Source:     r.Source,
			Text:       r.Text,
			Vector:     vectors[i],
		}
	}
	return entries, nil
}

func readEntries(path string) ([]entryRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open entries file: %w", err)
	}
	defer f.Close()

	var out []entryRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r entryRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("invalid entry line: %w", err)
		}
		out = append(out, r)
	}
	return out, scanner.Err()
}

func readVectors(path string, count, dim int) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open vectors file: %w", err)
	}
	defer f.Close()

	flat := make([]float32, count*dim)
	if err := binary.Read(f, binary.LittleEndian, flat); err != nil {
		return nil, fmt.Errorf("cannot read vectors: %w", err)
	}

	out := make([][]float32, count)
	for i := 0; i < count; i++ {
		out[i] = flat[i*dim : (i+1)*dim : (i+1)*dim]
	}
	return out, nil
}
