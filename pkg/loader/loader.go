package loader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xhad/thrive/internal/models"
)

type Config struct {
	Dir        string
	Extensions []string // defaults to .txt, .md, .markdown, .html, .htm
}

// Loader reads a directory tree into documents. The document ID is the
// slash-separated path relative to the root, which stays stable across
// runs and machines so re-ingestion can tell unchanged documents apart.
type Loader struct {
	config Config
}

func NewWithConfig(config Config) (*Loader, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("documents dir is required")
	}
	if len(config.Extensions) == 0 {
		config.Extensions = []string{".txt", ".md", ".markdown", ".html", ".htm"}
	}
	return &Loader{config: config}, nil
}

// Load walks the directory and returns documents sorted by ID.
func (l *Loader) Load(ctx context.Context) ([]models.Document, error) {
	var docs []models.Document

	err := filepath.WalkDir(l.config.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != l.config.Dir {
				return fs.SkipDir
			}
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if !l.allowed(ext) {
			return nil
		}

		doc, err := l.loadFile(path, ext)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (l *Loader) allowed(ext string) bool {
	for _, e := range l.config.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func (l *Loader) loadFile(path, ext string) (models.Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return models.Document{}, err
	}

	rel, err := filepath.Rel(l.config.Dir, path)
	if err != nil {
		return models.Document{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return models.Document{}, err
	}

	doc := models.Document{
		ID:       filepath.ToSlash(rel),
		Source:   "filesystem",
		Modified: info.ModTime(),
		Metadata: map[string]string{
			"path": path,
		},
	}

	switch ext {
	case ".html", ".htm":
		title, content, err := extractHTML(string(b))
		if err != nil {
			return models.Document{}, err
		}
		doc.Title = title
		doc.Content = content
	default:
		doc.Title = strings.TrimSuffix(filepath.Base(path), ext)
		doc.Content = string(b)
	}

	if doc.Title == "" {
		doc.Title = doc.ID
	}
	return doc, nil
}

// extractHTML pulls the title and main text out of an HTML document,
// preferring content containers over the full body.
func extractHTML(html string) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", "", err
	}

	title := strings.TrimSpace(doc.Find("title").Text())

	selectors := []string{
		"main",
		"article",
		".content",
		"#content",
		".documentation",
		"#documentation",
	}

	var content string
	for _, selector := range selectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.Text()
			break
		}
	}
	if content == "" {
		content = doc.Find("body").Text()
	}

	return title, cleanContent(content), nil
}

func cleanContent(content string) string {
	content = strings.Join(strings.Fields(content), " ")

	noisePatterns := []string{
		"Cookie Policy",
		"Accept Cookies",
		"Privacy Policy",
		"Terms of Service",
	}
	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}

	return strings.TrimSpace(content)
}
