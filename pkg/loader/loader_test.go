package loader_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/thrive/pkg/loader"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoader_WalksAndSorts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "policies/vacation.md", "Vacation accrues monthly.")
	writeFile(t, dir, "readme.txt", "Welcome to the handbook.")
	writeFile(t, dir, "data.json", `{"ignored": true}`)
	writeFile(t, dir, ".hidden/secret.md", "should be skipped")

	ld, err := loader.NewWithConfig(loader.Config{Dir: dir})
	require.NoError(t, err)

	docs, err := ld.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)

	// IDs are slash-separated relative paths, sorted
	assert.Equal(t, "policies/vacation.md", docs[0].ID)
	assert.Equal(t, "readme.txt", docs[1].ID)

	assert.Equal(t, "vacation", docs[0].Title)
	assert.Equal(t, "Vacation accrues monthly.", docs[0].Content)
	assert.Equal(t, "filesystem", docs[0].Source)
	assert.False(t, docs[0].Modified.IsZero())
}

func TestLoader_ExtractsHTML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "page.html", `<html>
<head><title>Benefits Overview</title></head>
<body>
  <nav>Navigation noise</nav>
  <main>Dental and vision are covered for all employees.</main>
</body>
</html>`)

	ld, err := loader.NewWithConfig(loader.Config{Dir: dir})
	require.NoError(t, err)

	docs, err := ld.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)

	assert.Equal(t, "Benefits Overview", docs[0].Title)
	assert.Equal(t, "Dental and vision are covered for all employees.", docs[0].Content)
	assert.NotContains(t, docs[0].Content, "Navigation noise")
}

func TestLoader_HTMLBodyFallback(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "plain.html", `<html><body>Just   body   text here.</body></html>`)

	ld, err := loader.NewWithConfig(loader.Config{Dir: dir})
	require.NoError(t, err)

	docs, err := ld.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)

	// whitespace collapsed, ID used as title when the page has none
	assert.Equal(t, "Just body text here.", docs[0].Content)
	assert.Equal(t, "plain.html", docs[0].Title)
}

func TestLoader_CustomExtensions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "notes.rst", "Some restructured text.")
	writeFile(t, dir, "readme.md", "Markdown body.")

	ld, err := loader.NewWithConfig(loader.Config{Dir: dir, Extensions: []string{".rst"}})
	require.NoError(t, err)

	docs, err := ld.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "notes.rst", docs[0].ID)
}

func TestLoader_RequiresDir(t *testing.T) {
	_, err := loader.NewWithConfig(loader.Config{})
	assert.Error(t, err)
}
